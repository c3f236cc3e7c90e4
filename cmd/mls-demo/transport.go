package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	mls "github.com/suhasHere/groupmls"
	"github.com/suhasHere/groupmls/relay"
)

// transport moves encoded messages between the members of one group.  Every
// joined member receives every message except its own, in send order.
type transport interface {
	join(ctx context.Context, m *member) error
	send(ctx context.Context, from *member, msg *mls.MLSMessage) error
	receive(ctx context.Context, m *member) (*mls.MLSMessage, error)
	postWelcome(ctx context.Context, to *member, w *mls.Welcome) error
	fetchWelcome(ctx context.Context, m *member) (*mls.Welcome, error)
	close() error
}

///
/// In process
///

type inprocTransport struct {
	queues   map[string][][]byte
	welcomes map[string][][]byte
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{
		queues:   map[string][][]byte{},
		welcomes: map[string][][]byte{},
	}
}

func (t *inprocTransport) join(_ context.Context, m *member) error {
	t.queues[m.name] = [][]byte{}
	return nil
}

func (t *inprocTransport) send(_ context.Context, from *member, msg *mls.MLSMessage) error {
	data, err := mls.EncodeMessage(*msg)
	if err != nil {
		return err
	}

	for name := range t.queues {
		if name != from.name {
			t.queues[name] = append(t.queues[name], data)
		}
	}
	return nil
}

func (t *inprocTransport) receive(_ context.Context, m *member) (*mls.MLSMessage, error) {
	q := t.queues[m.name]
	if len(q) == 0 {
		return nil, fmt.Errorf("no message queued for %s", m.name)
	}

	t.queues[m.name] = q[1:]
	return mls.DecodeMessage(q[0])
}

func (t *inprocTransport) postWelcome(_ context.Context, to *member, w *mls.Welcome) error {
	data, err := mls.EncodeWelcome(w)
	if err != nil {
		return err
	}

	t.welcomes[to.name] = append(t.welcomes[to.name], data)
	return nil
}

func (t *inprocTransport) fetchWelcome(_ context.Context, m *member) (*mls.Welcome, error) {
	q := t.welcomes[m.name]
	if len(q) == 0 {
		return nil, fmt.Errorf("no welcome for %s", m.name)
	}

	t.welcomes[m.name] = q[1:]
	return mls.DecodeWelcome(q[0])
}

func (t *inprocTransport) close() error {
	return nil
}

///
/// Redis
///

type redisTransport struct {
	rdb     *redis.Client
	relay   *relay.Relay
	groupID []byte
	subs    map[string]*relay.Subscription
}

func newRedisTransport(ctx context.Context, addr string, groupID []byte, log *zap.Logger) (*redisTransport, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &redisTransport{
		rdb:     rdb,
		relay:   relay.New(rdb, relay.WithLogger(log.Named("relay"))),
		groupID: groupID,
		subs:    map[string]*relay.Subscription{},
	}, nil
}

func (t *redisTransport) join(ctx context.Context, m *member) error {
	sub, err := t.relay.Subscribe(ctx, t.groupID)
	if err != nil {
		return err
	}

	t.subs[m.name] = sub
	return nil
}

func (t *redisTransport) send(ctx context.Context, from *member, msg *mls.MLSMessage) error {
	e, err := relay.NewMessageEnvelope(from.identity(), msg)
	if err != nil {
		return err
	}
	return t.relay.Publish(ctx, e)
}

func (t *redisTransport) receive(ctx context.Context, m *member) (*mls.MLSMessage, error) {
	sub, ok := t.subs[m.name]
	if !ok {
		return nil, fmt.Errorf("%s has not joined", m.name)
	}

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return nil, fmt.Errorf("subscription for %s closed", m.name)
			}

			// Subscribers see their own messages too
			if bytes.Equal(e.Sender, m.identity()) {
				continue
			}
			return e.Message()

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *redisTransport) postWelcome(ctx context.Context, to *member, w *mls.Welcome) error {
	return t.relay.PostWelcome(ctx, to.identity(), w)
}

func (t *redisTransport) fetchWelcome(ctx context.Context, m *member) (*mls.Welcome, error) {
	welcomes, err := t.relay.FetchWelcomes(ctx, m.identity())
	if err != nil {
		return nil, err
	}

	if len(welcomes) == 0 {
		return nil, fmt.Errorf("no welcome for %s", m.name)
	}
	return welcomes[len(welcomes)-1], nil
}

func (t *redisTransport) close() error {
	for _, sub := range t.subs {
		sub.Close()
	}
	return t.rdb.Close()
}
