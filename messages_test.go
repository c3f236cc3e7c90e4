package mls

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

var (
	messageSuite = X25519_AES128GCM_SHA256_Ed25519
	messageSeed  = []byte("message test vectors")
)

// messageFixtures builds one of each wire message from deterministic keys
func messageFixtures(t *testing.T) map[string]interface{} {
	sigPriv, err := messageSuite.Scheme().Derive(messageSeed)
	require.Nil(t, err)

	initPriv, err := messageSuite.hpke().Derive(messageSeed)
	require.Nil(t, err)

	cred := NewBasicCredential([]byte("alice"), messageSuite.Scheme(), sigPriv.PublicKey)
	kp, err := NewKeyPackageWithInitKey(messageSuite, initPriv.PublicKey, cred, sigPriv, 0)
	require.Nil(t, err)

	ct := HPKECiphertext{
		KEMOutput:  bytes.Repeat([]byte{0xA1}, 32),
		Ciphertext: bytes.Repeat([]byte{0xA2}, 48),
	}

	path := &UpdatePath{
		LeafKeyPackage: *kp,
		Nodes: []UpdatePathNode{
			{PublicKey: initPriv.PublicKey, EncryptedPathSecret: []HPKECiphertext{ct, ct}},
			{PublicKey: initPriv.PublicKey, EncryptedPathSecret: []HPKECiphertext{ct}},
		},
	}

	add := Proposal{Add: &AddProposal{KeyPackage: *kp}}
	update := Proposal{Update: &UpdateProposal{KeyPackage: *kp}}
	remove := Proposal{Remove: &RemoveProposal{Removed: 7}}
	commit := &Commit{Proposals: []Proposal{add, update, remove}, Path: path}

	pt := &MLSPlaintext{
		GroupID:           []byte{0x00, 0x01, 0x02, 0x03},
		Epoch:             0x0102030405060708,
		Sender:            memberSender(4),
		AuthenticatedData: []byte("aad"),
		Content:           MLSPlaintextContent{Commit: commit},
		Signature:         Signature{bytes.Repeat([]byte{0xB0}, 64)},
		ConfirmationTag:   &MAC{bytes.Repeat([]byte{0xB1}, 32)},
		MembershipTag:     &MAC{bytes.Repeat([]byte{0xB2}, 32)},
	}

	ciphertext := &MLSCiphertext{
		GroupID:             []byte{0x00, 0x01, 0x02, 0x03},
		Epoch:               9,
		ContentType:         ContentTypeApplication,
		AuthenticatedData:   []byte{},
		EncryptedSenderData: bytes.Repeat([]byte{0xC0}, 28),
		Ciphertext:          bytes.Repeat([]byte{0xC1}, 80),
	}

	return map[string]interface{}{
		"key_package": kp,
		"add":         &add,
		"update":      &update,
		"remove":      &remove,
		"commit":      commit,
		"plaintext":   pt,
		"ciphertext":  ciphertext,
		"message_pt":  &MLSMessage{Plaintext: pt},
		"message_ct":  &MLSMessage{Ciphertext: ciphertext},
		"application": &MLSPlaintext{
			GroupID:           []byte{0x00},
			Epoch:             1,
			Sender:            memberSender(0),
			AuthenticatedData: []byte{},
			Content:           MLSPlaintextContent{Application: &ApplicationData{[]byte("hello")}},
			Signature:         Signature{[]byte{0x01}},
		},
	}
}

// blank returns an empty value of the same type as v, for decoding into
func blank(v interface{}) interface{} {
	switch v.(type) {
	case *KeyPackage:
		return new(KeyPackage)
	case *Proposal:
		return new(Proposal)
	case *Commit:
		return new(Commit)
	case *MLSPlaintext:
		return new(MLSPlaintext)
	case *MLSCiphertext:
		return new(MLSCiphertext)
	case *MLSMessage:
		return new(MLSMessage)
	}
	panic("unknown fixture type")
}

func TestMessageRoundTrip(t *testing.T) {
	for label, msg := range messageFixtures(t) {
		t.Run(label, func(t *testing.T) {
			enc, err := marshal(msg)
			require.Nil(t, err)

			out := blank(msg)
			require.Nil(t, unmarshal(enc, out))

			enc2, err := marshal(out)
			require.Nil(t, err)
			require.Equal(t, enc, enc2)

			// A single byte of trailing data is rejected
			require.True(t, errors.Is(unmarshal(append(enc, 0x00), blank(msg)), ErrDecode))

			// So is a truncated encoding
			require.True(t, errors.Is(unmarshal(enc[:len(enc)-1], blank(msg)), ErrDecode))
		})
	}
}

func TestMessageUnknownEnums(t *testing.T) {
	fixtures := messageFixtures(t)

	// Proposal type
	enc, err := marshal(fixtures["remove"])
	require.Nil(t, err)
	enc[0] = 0x09
	require.True(t, errors.Is(unmarshal(enc, new(Proposal)), ErrDecode))

	// Wire format
	enc, err = marshal(fixtures["message_ct"])
	require.Nil(t, err)
	enc[0] = 0x05
	require.True(t, errors.Is(unmarshal(enc, new(MLSMessage)), ErrDecode))

	// Content type of a plaintext body
	enc, err = marshal(fixtures["application"])
	require.Nil(t, err)
	contentAt := 1 + 1 + 8 + 5 + 4
	require.Equal(t, byte(ContentTypeApplication), enc[contentAt])
	enc[contentAt] = 0x0a
	require.True(t, errors.Is(unmarshal(enc, new(MLSPlaintext)), ErrDecode))

	// An empty message has no encoding
	_, err = EncodeMessage(MLSMessage{})
	require.Error(t, err)
}

func TestMessageAccessors(t *testing.T) {
	fixtures := messageFixtures(t)
	mpt := fixtures["message_pt"].(*MLSMessage)
	mct := fixtures["message_ct"].(*MLSMessage)

	require.Equal(t, WireFormatPlaintext, mpt.WireFormat())
	require.Equal(t, Epoch(0x0102030405060708), mpt.Epoch())
	require.Equal(t, []byte("aad"), mpt.AuthenticatedData())
	require.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, mpt.GroupID())

	require.Equal(t, WireFormatCiphertext, mct.WireFormat())
	require.Equal(t, Epoch(9), mct.Epoch())

	enc, err := EncodeMessage(*mct)
	require.Nil(t, err)

	dec, err := DecodeMessage(enc)
	require.Nil(t, err)
	require.Equal(t, WireFormatCiphertext, dec.WireFormat())
	require.Equal(t, mct.Ciphertext.Ciphertext, dec.Ciphertext.Ciphertext)

	_, err = DecodeMessage(enc[:3])
	require.True(t, errors.Is(err, ErrDecode))

	var empty MLSMessage
	require.Equal(t, Epoch(0), empty.Epoch())
	require.Nil(t, empty.GroupID())
	require.Nil(t, empty.AuthenticatedData())
	_, err = EncodeMessage(empty)
	require.Error(t, err)
}

func TestMessageTruncated(t *testing.T) {
	for label, msg := range messageFixtures(t) {
		t.Run(label, func(t *testing.T) {
			enc, err := marshal(msg)
			require.Nil(t, err)

			for n := 0; n < len(enc); n++ {
				require.True(t, errors.Is(unmarshal(enc[:n], blank(msg)), ErrDecode), "prefix %d of %d", n, len(enc))
			}
		})
	}

	// An application message without tags ends in an absent optional
	app := messageFixtures(t)["application"].(*MLSPlaintext)
	enc, err := EncodeMessage(MLSMessage{Plaintext: app})
	require.Nil(t, err)

	_, err = DecodeMessage(enc[:len(enc)-1])
	require.True(t, errors.Is(err, ErrDecode))
}

func TestMessageFieldLimits(t *testing.T) {
	cases := []struct {
		name  string
		limit int
		build func(field []byte) interface{}
	}{
		{"ciphertext group id", 255, func(field []byte) interface{} {
			return &MLSCiphertext{
				GroupID:             field,
				ContentType:         ContentTypeApplication,
				AuthenticatedData:   []byte{},
				EncryptedSenderData: []byte{0x01},
				Ciphertext:          []byte{0x02},
			}
		}},
		{"encrypted sender data", 255, func(field []byte) interface{} {
			return &MLSCiphertext{
				GroupID:             []byte{0x00},
				ContentType:         ContentTypeApplication,
				AuthenticatedData:   []byte{},
				EncryptedSenderData: field,
				Ciphertext:          []byte{0x02},
			}
		}},
		{"key package hash", 255, func(field []byte) interface{} {
			return &EncryptedGroupSecrets{
				KeyPackageHash:        field,
				EncryptedGroupSecrets: HPKECiphertext{KEMOutput: []byte{0x01}, Ciphertext: []byte{0x02}},
			}
		}},
		{"signature", 65535, func(field []byte) interface{} {
			return &Signature{Data: field}
		}},
		{"credential identity", 65535, func(field []byte) interface{} {
			return &BasicCredential{
				Identity:        field,
				SignatureScheme: Ed25519,
				PublicKey:       SignaturePublicKey{Data: []byte{0x01}},
			}
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for _, size := range []int{0, 1, c.limit} {
				in := c.build(bytes.Repeat([]byte{0xA5}, size))
				enc, err := syntax.Marshal(in)
				require.Nil(t, err, "size %d", size)

				out := reflect.New(reflect.TypeOf(in).Elem()).Interface()
				require.Nil(t, unmarshal(enc, out), "size %d", size)

				enc2, err := syntax.Marshal(out)
				require.Nil(t, err)
				require.Equal(t, enc, enc2)
			}

			_, err := syntax.Marshal(c.build(bytes.Repeat([]byte{0xA5}, c.limit+1)))
			require.Error(t, err)
		})
	}
}

func TestCommitOrdering(t *testing.T) {
	fixtures := messageFixtures(t)
	add := *fixtures["add"].(*Proposal)
	update := *fixtures["update"].(*Proposal)
	remove := *fixtures["remove"].(*Proposal)

	c := Commit{Proposals: []Proposal{add, update, remove, add}}
	removes, updates, adds := c.split()
	require.Len(t, removes, 1)
	require.Len(t, updates, 1)
	require.Len(t, adds, 2)

	require.True(t, c.pathRequired())
	require.False(t, Commit{Proposals: []Proposal{add, add}}.pathRequired())
	require.True(t, Commit{}.pathRequired())
}

///
/// Test Vectors
///

type messageTestCase struct {
	Label    []byte `tls:"head=1"`
	Encoding []byte `tls:"head=4"`
}

type messageTestVectors struct {
	Cases []messageTestCase `tls:"head=4"`
}

var messageVectorOrder = []string{
	"key_package", "add", "update", "remove", "commit",
	"plaintext", "application", "ciphertext", "message_pt", "message_ct",
}

func generateMessageVectors(t *testing.T) []byte {
	fixtures := messageFixtures(t)

	tv := messageTestVectors{Cases: []messageTestCase{}}
	for _, label := range messageVectorOrder {
		enc, err := marshal(fixtures[label])
		require.Nil(t, err)
		tv.Cases = append(tv.Cases, messageTestCase{[]byte(label), enc})
	}

	vec, err := syntax.Marshal(tv)
	require.Nil(t, err)
	return vec
}

func verifyMessageVectors(t *testing.T, data []byte) {
	var tv messageTestVectors
	_, err := syntax.Unmarshal(data, &tv)
	require.Nil(t, err)
	require.Len(t, tv.Cases, len(messageVectorOrder))

	fixtures := messageFixtures(t)
	for _, tc := range tv.Cases {
		fixture, ok := fixtures[string(tc.Label)]
		require.True(t, ok, "unknown case %s", tc.Label)

		out := blank(fixture)
		require.Nil(t, unmarshal(tc.Encoding, out))

		enc, err := marshal(out)
		require.Nil(t, err)
		require.Equal(t, tc.Encoding, enc)
	}
}
