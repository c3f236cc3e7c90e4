package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	mls "github.com/suhasHere/groupmls"
)

func TestEnvelopeEncoding(t *testing.T) {
	e := Envelope{
		GroupID: []byte("group"),
		Kind:    KindApplication,
		Epoch:   42,
		Sender:  []byte("alice"),
		Payload: []byte{0x00, 0x01, 0x02},
	}

	data, err := e.Encode()
	require.Nil(t, err)

	out, err := DecodeEnvelope(data)
	require.Nil(t, err)
	require.Equal(t, e, *out)

	_, err = DecodeEnvelope(append(data, 0xff))
	require.True(t, errors.Is(err, ErrDecode))

	for n := 0; n < len(data); n++ {
		_, err = DecodeEnvelope(data[:n])
		require.True(t, errors.Is(err, ErrDecode), "prefix %d of %d", n, len(data))
	}
}

func TestKindString(t *testing.T) {
	require.Equal(t, "handshake", KindHandshake.String())
	require.Equal(t, "application", KindApplication.String())
	require.Equal(t, "kind(9)", Kind(9).String())
	require.Error(t, Kind(9).ValidForTLS())
}

func newGroupPair(t *testing.T) ([]*mls.ClientKeys, *mls.Group, *mls.Welcome) {
	suite := mls.X25519_AES128GCM_SHA256_Ed25519
	keys := make([]*mls.ClientKeys, 2)
	for i := range keys {
		var err error
		keys[i], err = mls.NewClientKeys(suite, []byte(fmt.Sprintf("relay-%d", i)))
		require.Nil(t, err)
	}

	g, welcome, err := mls.CreateGroup([]byte("relay group"), keys[0], []mls.KeyPackage{keys[1].KeyPackage})
	require.Nil(t, err)
	return keys, g, welcome
}

func TestMessageEnvelope(t *testing.T) {
	keys, a, welcome := newGroupPair(t)
	b, err := mls.JoinGroup(welcome, keys[1])
	require.Nil(t, err)

	msg, err := a.Encrypt([]byte("over the relay"), nil)
	require.Nil(t, err)

	e, err := NewMessageEnvelope(keys[0].Credential.Identity(), msg)
	require.Nil(t, err)
	require.Equal(t, KindApplication, e.Kind)
	require.Equal(t, uint64(1), e.Epoch)
	require.Equal(t, []byte("relay group"), e.GroupID)

	data, err := e.Encode()
	require.Nil(t, err)
	e2, err := DecodeEnvelope(data)
	require.Nil(t, err)

	received, err := e2.Message()
	require.Nil(t, err)
	pt, err := b.Decrypt(received)
	require.Nil(t, err)
	require.Equal(t, []byte("over the relay"), pt)

	commit, _, err := b.Commit(mls.CommitOptions{})
	require.Nil(t, err)
	e, err = NewMessageEnvelope(keys[1].Credential.Identity(), commit)
	require.Nil(t, err)
	require.Equal(t, KindHandshake, e.Kind)

	received, err = e.Message()
	require.Nil(t, err)
	require.Nil(t, a.ApplyCommit(received))
	require.Equal(t, a.CurrentEpoch(), b.CurrentEpoch())
}

// The Redis tests need a server; set REDIS_ADDR to run them
func newTestRelay(t *testing.T) *Relay {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	prefix := fmt.Sprintf("mls-test-%d", time.Now().UnixNano())
	return New(rdb, WithLogger(zaptest.NewLogger(t)), WithPrefix(prefix))
}

func TestRelayPublishSubscribe(t *testing.T) {
	r := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groupID := []byte("pubsub")
	sub, err := r.Subscribe(ctx, groupID)
	require.Nil(t, err)
	defer sub.Close()

	sent := []Envelope{
		{GroupID: groupID, Kind: KindHandshake, Epoch: 1, Sender: []byte("a"), Payload: []byte("commit")},
		{GroupID: groupID, Kind: KindApplication, Epoch: 2, Sender: []byte("b"), Payload: []byte("data")},
	}
	for _, e := range sent {
		require.Nil(t, r.Publish(ctx, e))
	}

	for _, e := range sent {
		select {
		case got := <-sub.C:
			require.Equal(t, e, got)
		case <-ctx.Done():
			t.Fatal("timed out waiting for envelope")
		}
	}
}

func TestRelayWelcomeMailbox(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	keys, _, welcome := newGroupPair(t)
	recipient := keys[1].Credential.Identity()

	empty, err := r.FetchWelcomes(ctx, recipient)
	require.Nil(t, err)
	require.Len(t, empty, 0)

	require.Nil(t, r.PostWelcome(ctx, recipient, welcome))
	welcomes, err := r.FetchWelcomes(ctx, recipient)
	require.Nil(t, err)
	require.Len(t, welcomes, 1)

	g, err := mls.JoinGroup(welcomes[0], keys[1])
	require.Nil(t, err)
	require.Equal(t, []byte("relay group"), g.GroupID())

	// Fetching empties the mailbox
	welcomes, err = r.FetchWelcomes(ctx, recipient)
	require.Nil(t, err)
	require.Len(t, welcomes, 0)
}
