package mls

import (
	"bytes"
	"errors"
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestHashRatchet(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	base := bytes.Repeat([]byte{0xA0}, suite.Constants().SecretSize)

	sender := newHashRatchet(suite, dup(base))
	receiver := newHashRatchet(suite, dup(base))

	sent := map[uint32]keyAndNonce{}
	for i := uint32(0); i < 8; i++ {
		gen, kn := sender.Next()
		require.Equal(t, i, gen)
		require.Len(t, kn.Key, suite.Constants().KeySize)
		require.Len(t, kn.Nonce, suite.Constants().NonceSize)
		sent[gen] = kn
	}

	// In order
	kn, err := receiver.Get(0)
	require.Nil(t, err)
	require.Equal(t, sent[0], kn)

	// Each generation is handed out once
	_, err = receiver.Get(0)
	require.True(t, errors.Is(err, ErrProtocolState))

	// Skipping ahead caches the generations in between
	kn, err = receiver.Get(5)
	require.Nil(t, err)
	require.Equal(t, sent[5], kn)
	require.Len(t, receiver.cache, 4)

	kn, err = receiver.Get(3)
	require.Nil(t, err)
	require.Equal(t, sent[3], kn)

	_, err = receiver.Get(3)
	require.True(t, errors.Is(err, ErrProtocolState))

	receiver.Erase(2)
	_, err = receiver.Get(2)
	require.True(t, errors.Is(err, ErrProtocolState))

	kn, err = receiver.Get(1)
	require.Nil(t, err)
	require.Equal(t, sent[1], kn)

	receiver.zero()
	require.Empty(t, receiver.cache)
}

func TestHashRatchetPeek(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	base := bytes.Repeat([]byte{0xA0}, suite.Constants().SecretSize)

	sender := newHashRatchet(suite, dup(base))
	receiver := newHashRatchet(suite, dup(base))

	sender.Next()
	_, want := sender.Next()

	// Peeking leaves the generation available
	kn, err := receiver.Peek(1)
	require.Nil(t, err)
	require.Equal(t, want, kn)

	kn.zero()
	kn, err = receiver.Peek(1)
	require.Nil(t, err)
	require.Equal(t, want, kn)

	kn, err = receiver.Get(1)
	require.Nil(t, err)
	require.Equal(t, want, kn)

	_, err = receiver.Peek(1)
	require.True(t, errors.Is(err, ErrProtocolState))

	_, err = receiver.Get(0)
	require.Nil(t, err)
	require.Empty(t, receiver.cache)
}

func TestHashRatchetMaxSkip(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	hr := newHashRatchet(suite, bytes.Repeat([]byte{0xA0}, 32))
	hr.maxSkip = 4

	_, err := hr.Get(10)
	require.True(t, errors.Is(err, ErrProtocolState))

	_, err = hr.Get(4)
	require.Nil(t, err)
}

func TestSecretTree(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	size := leafCount(11)
	root := bytes.Repeat([]byte{0xB0}, suite.Constants().SecretSize)

	forward := newSecretTree(suite, size, root)
	backward := newSecretTree(suite, size, root)

	seen := map[string]bool{}
	secrets := make([][]byte, size)
	for l := leafIndex(0); leafCount(l) < size; l++ {
		s, err := forward.leafSecret(l)
		require.Nil(t, err)
		require.Len(t, s, suite.Constants().SecretSize)
		require.False(t, seen[string(s)])
		seen[string(s)] = true
		secrets[l] = s
	}

	// Derivation order does not matter
	for l := int(size) - 1; l >= 0; l-- {
		s, err := backward.leafSecret(leafIndex(l))
		require.Nil(t, err)
		require.Equal(t, secrets[l], s)
	}

	// Everything has been consumed
	require.Empty(t, forward.secrets)

	_, err := forward.leafSecret(3)
	require.True(t, errors.Is(err, ErrProtocolState))

	_, err = forward.leafSecret(leafIndex(size))
	require.True(t, errors.Is(err, ErrProtocolState))
}

func TestGroupKeySource(t *testing.T) {
	suite := P256_AES128GCM_SHA256_P256
	size := leafCount(5)
	encryption := bytes.Repeat([]byte{0xC0}, suite.Constants().SecretSize)

	alice := newGroupKeySource(suite, size, encryption)
	bob := newGroupKeySource(suite, size, encryption)

	gen, hs, err := alice.Next(handshakeRatchet, 1)
	require.Nil(t, err)
	require.Equal(t, uint32(0), gen)

	_, as, err := alice.Next(applicationRatchet, 1)
	require.Nil(t, err)
	require.NotEqual(t, hs.Key, as.Key)

	got, err := bob.Get(handshakeRatchet, 1, 0)
	require.Nil(t, err)
	require.Equal(t, hs, got)

	got, err = bob.Get(applicationRatchet, 1, 0)
	require.Nil(t, err)
	require.Equal(t, as, got)

	_, err = bob.Get(handshakeRatchet, leafIndex(size), 0)
	require.True(t, errors.Is(err, ErrProtocolState))

	_, err = bob.Get(applicationRatchet, 2, defaultMaxSkip+1)
	require.True(t, errors.Is(err, ErrProtocolState))

	require.Equal(t, applicationRatchet, ratchetTypeFor(ContentTypeApplication))
	require.Equal(t, handshakeRatchet, ratchetTypeFor(ContentTypeCommit))
	require.Equal(t, handshakeRatchet, ratchetTypeFor(ContentTypeProposal))
}

func TestKeySchedule(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			secretSize := suite.Constants().SecretSize
			ctx := GroupContext{
				GroupID:                 []byte{0x01, 0x02},
				Epoch:                   1,
				TreeHash:                bytes.Repeat([]byte{0xD0}, secretSize),
				ConfirmedTranscriptHash: bytes.Repeat([]byte{0xD1}, secretSize),
				Extensions:              NewExtensionList(),
			}

			initSecret := bytes.Repeat([]byte{0xD2}, secretSize)
			commitSecret := bytes.Repeat([]byte{0xD3}, secretSize)

			secrets, err := generateSecrets(suite, initSecret, commitSecret, ctx)
			require.Nil(t, err)

			all := [][]byte{
				secrets.Joiner, secrets.Member, secrets.Welcome, secrets.Epoch,
				secrets.SenderData, secrets.Encryption, secrets.Exporter,
				secrets.Authentication, secrets.External, secrets.Confirmation,
				secrets.Membership, secrets.Resumption, secrets.Init,
			}
			distinct := map[string]bool{}
			for _, s := range all {
				require.Len(t, s, secretSize)
				distinct[string(s)] = true
			}
			require.Len(t, distinct, len(all))

			// A joiner who learns only the joiner secret arrives at the same place
			joined, err := secretsFromJoiner(suite, secrets.Joiner, ctx)
			require.Nil(t, err)
			require.Equal(t, secrets, joined)

			// The group context is bound into the epoch secret
			ctx.Epoch += 1
			other, err := generateSecrets(suite, initSecret, commitSecret, ctx)
			require.Nil(t, err)
			require.Equal(t, secrets.Joiner, other.Joiner)
			require.NotEqual(t, secrets.Epoch, other.Epoch)

			kse := newKeyScheduleEpoch(suite, 3, secrets)
			a := kse.Export("label", []byte("context"), 24)
			require.Len(t, a, 24)
			require.Equal(t, a, kse.Export("label", []byte("context"), 24))
			require.NotEqual(t, a, kse.Export("other", []byte("context"), 24))
			require.NotEqual(t, a, kse.Export("label", []byte("other"), 24))

			// The sender data key depends only on a prefix of the ciphertext
			ct1 := append(bytes.Repeat([]byte{0xE0}, secretSize), 0x01)
			ct2 := append(bytes.Repeat([]byte{0xE0}, secretSize), 0x02)
			ct3 := bytes.Repeat([]byte{0xE1}, 8)
			require.Equal(t, kse.senderDataKeyAndNonce(ct1), kse.senderDataKeyAndNonce(ct2))
			require.NotEqual(t, kse.senderDataKeyAndNonce(ct1), kse.senderDataKeyAndNonce(ct3))

			kn := welcomeKeyAndNonce(suite, secrets.Welcome)
			require.Len(t, kn.Key, suite.Constants().KeySize)
			require.Len(t, kn.Nonce, suite.Constants().NonceSize)

			kse.zero()
			require.Equal(t, make([]byte, secretSize), secrets.Exporter)
		})
	}
}

///
/// Test Vectors
///

type ksEpoch struct {
	NumMembers    leafCount
	CommitSecret  []byte        `tls:"head=1"`
	JoinerSecret  []byte        `tls:"head=1"`
	EpochSecret   []byte        `tls:"head=1"`
	SenderData    []byte        `tls:"head=1"`
	Encryption    []byte        `tls:"head=1"`
	Exporter      []byte        `tls:"head=1"`
	Confirmation  []byte        `tls:"head=1"`
	Membership    []byte        `tls:"head=1"`
	InitSecret    []byte        `tls:"head=1"`
	HandshakeKeys []keyAndNonce `tls:"head=4"`
	AppKeys       []keyAndNonce `tls:"head=4"`
}

type ksTestCase struct {
	CipherSuite CipherSuite
	Epochs      []ksEpoch `tls:"head=4"`
}

type ksTestVectors struct {
	NumEpochs        uint32
	TargetGeneration uint32
	BaseInitSecret   []byte       `tls:"head=1"`
	BaseGroupContext []byte       `tls:"head=4"`
	Cases            []ksTestCase `tls:"head=4"`
}

func ksKeys(t *testing.T, kse *keyScheduleEpoch, n leafCount, rt ratchetType, gen uint32) []keyAndNonce {
	out := make([]keyAndNonce, n)
	for l := leafIndex(0); leafCount(l) < n; l++ {
		kn, err := kse.Keys.Get(rt, l, gen)
		require.Nil(t, err)
		out[l] = kn
	}
	return out
}

func generateKeyScheduleVectors(t *testing.T) []byte {
	baseCtx := GroupContext{
		GroupID:                 []byte{0xA0, 0xA0, 0xA0, 0xA0},
		Epoch:                   0,
		TreeHash:                bytes.Repeat([]byte{0xA1}, 32),
		ConfirmedTranscriptHash: bytes.Repeat([]byte{0xA2}, 32),
		Extensions:              NewExtensionList(),
	}

	encCtx, err := syntax.Marshal(baseCtx)
	require.Nil(t, err)

	tv := ksTestVectors{
		NumEpochs:        20,
		TargetGeneration: 3,
		BaseInitSecret:   bytes.Repeat([]byte{0xA3}, 32),
		BaseGroupContext: encCtx,
		Cases:            []ksTestCase{},
	}

	for _, suite := range []CipherSuite{X25519_AES128GCM_SHA256_Ed25519, P521_AES256GCM_SHA512_P521} {
		tc := ksTestCase{CipherSuite: suite, Epochs: []ksEpoch{}}
		ctx := baseCtx
		initSecret := dup(tv.BaseInitSecret)
		commitSecret := make([]byte, suite.Constants().SecretSize)
		minMembers, maxMembers := 5, 20
		nMembers := minMembers

		for i := 0; i < int(tv.NumEpochs); i++ {
			secrets, err := generateSecrets(suite, initSecret, commitSecret, ctx)
			require.Nil(t, err)

			n := leafCount(nMembers)
			kse := newKeyScheduleEpoch(suite, n, secrets)
			tc.Epochs = append(tc.Epochs, ksEpoch{
				NumMembers:    n,
				CommitSecret:  dup(commitSecret),
				JoinerSecret:  dup(secrets.Joiner),
				EpochSecret:   dup(secrets.Epoch),
				SenderData:    dup(secrets.SenderData),
				Encryption:    dup(secrets.Encryption),
				Exporter:      dup(secrets.Exporter),
				Confirmation:  dup(secrets.Confirmation),
				Membership:    dup(secrets.Membership),
				InitSecret:    dup(secrets.Init),
				HandshakeKeys: ksKeys(t, kse, n, handshakeRatchet, tv.TargetGeneration),
				AppKeys:       ksKeys(t, kse, n, applicationRatchet, tv.TargetGeneration),
			})

			initSecret = dup(secrets.Init)
			for j := range commitSecret {
				commitSecret[j] += 1
			}

			ctx.Epoch += 1
			nMembers = (nMembers-minMembers+1)%(maxMembers-minMembers) + minMembers
		}

		tv.Cases = append(tv.Cases, tc)
	}

	vec, err := syntax.Marshal(tv)
	require.Nil(t, err)
	return vec
}

func verifyKeyScheduleVectors(t *testing.T, data []byte) {
	var tv ksTestVectors
	_, err := syntax.Unmarshal(data, &tv)
	require.Nil(t, err)

	for _, tc := range tv.Cases {
		suite := tc.CipherSuite

		var ctx GroupContext
		_, err := syntax.Unmarshal(tv.BaseGroupContext, &ctx)
		require.Nil(t, err)

		initSecret := tv.BaseInitSecret
		for _, epoch := range tc.Epochs {
			secrets, err := generateSecrets(suite, initSecret, epoch.CommitSecret, ctx)
			require.Nil(t, err)

			require.Equal(t, epoch.JoinerSecret, secrets.Joiner)
			require.Equal(t, epoch.EpochSecret, secrets.Epoch)
			require.Equal(t, epoch.SenderData, secrets.SenderData)
			require.Equal(t, epoch.Encryption, secrets.Encryption)
			require.Equal(t, epoch.Exporter, secrets.Exporter)
			require.Equal(t, epoch.Confirmation, secrets.Confirmation)
			require.Equal(t, epoch.Membership, secrets.Membership)
			require.Equal(t, epoch.InitSecret, secrets.Init)

			kse := newKeyScheduleEpoch(suite, epoch.NumMembers, secrets)
			hs := ksKeys(t, kse, epoch.NumMembers, handshakeRatchet, tv.TargetGeneration)
			as := ksKeys(t, kse, epoch.NumMembers, applicationRatchet, tv.TargetGeneration)
			for i := range hs {
				require.Equal(t, epoch.HandshakeKeys[i].Key, hs[i].Key)
				require.Equal(t, epoch.HandshakeKeys[i].Nonce, hs[i].Nonce)
				require.Equal(t, epoch.AppKeys[i].Key, as[i].Key)
				require.Equal(t, epoch.AppKeys[i].Nonce, as[i].Nonce)
			}

			initSecret = dup(secrets.Init)
			ctx.Epoch += 1
		}
	}
}
