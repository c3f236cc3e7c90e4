// Package relay carries encoded group messages between members over Redis.
// Handshake and application messages for a group are published on one
// pub/sub channel; Welcomes wait in a per-recipient list until the recipient
// fetches them.  The relay never looks inside a payload.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/cisco/go-tls-syntax"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	mls "github.com/suhasHere/groupmls"
)

var ErrDecode = errors.New("relay: malformed envelope")

type Kind uint8

const (
	KindHandshake   Kind = 1
	KindApplication Kind = 2
)

func (k Kind) ValidForTLS() error {
	if k != KindHandshake && k != KindApplication {
		return fmt.Errorf("unknown envelope kind %d", k)
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindApplication:
		return "application"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Envelope is what travels on a group channel.  The header fields let
// receivers drop their own messages and order by epoch without decoding the
// payload.
type Envelope struct {
	GroupID []byte `tls:"head=1"`
	Kind    Kind
	Epoch   uint64
	Sender  []byte `tls:"head=2"`
	Payload []byte `tls:"head=4"`
}

func (e Envelope) Encode() ([]byte, error) {
	return syntax.Marshal(e)
}

func DecodeEnvelope(data []byte) (e *Envelope, err error) {
	// The decoder can index past the end of a truncated buffer
	defer func() {
		if r := recover(); r != nil {
			e, err = nil, fmt.Errorf("%v: %w", r, ErrDecode)
		}
	}()

	e = new(Envelope)
	read, err := syntax.Unmarshal(data, e)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrDecode)
	}

	if read != len(data) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(data)-read, ErrDecode)
	}
	return e, nil
}

// NewMessageEnvelope wraps a message produced by a Group.  Ciphertexts of
// application data go out as KindApplication, everything else as
// KindHandshake.
func NewMessageEnvelope(sender []byte, msg *mls.MLSMessage) (Envelope, error) {
	payload, err := mls.EncodeMessage(*msg)
	if err != nil {
		return Envelope{}, err
	}

	kind := KindHandshake
	if msg.Ciphertext != nil && msg.Ciphertext.ContentType == mls.ContentTypeApplication {
		kind = KindApplication
	}

	return Envelope{
		GroupID: msg.GroupID(),
		Kind:    kind,
		Epoch:   uint64(msg.Epoch()),
		Sender:  sender,
		Payload: payload,
	}, nil
}

func (e Envelope) Message() (*mls.MLSMessage, error) {
	return mls.DecodeMessage(e.Payload)
}

///
/// Relay
///

type Relay struct {
	rdb    *redis.Client
	log    *zap.Logger
	prefix string
}

type Option func(*Relay)

func WithLogger(log *zap.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// WithPrefix namespaces every key and channel the relay touches
func WithPrefix(prefix string) Option {
	return func(r *Relay) {
		r.prefix = prefix
	}
}

func New(rdb *redis.Client, opts ...Option) *Relay {
	r := &Relay{
		rdb:    rdb,
		log:    zap.NewNop(),
		prefix: "mls",
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) channel(groupID []byte) string {
	return fmt.Sprintf("%s:group:%x", r.prefix, groupID)
}

func (r *Relay) mailbox(identity []byte) string {
	return fmt.Sprintf("%s:welcome:%x", r.prefix, identity)
}

func (r *Relay) Publish(ctx context.Context, e Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}

	n, err := r.rdb.Publish(ctx, r.channel(e.GroupID), data).Result()
	if err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}

	r.log.Debug("published",
		zap.Binary("group", e.GroupID),
		zap.Stringer("kind", e.Kind),
		zap.Uint64("epoch", e.Epoch),
		zap.Int64("receivers", n))
	return nil
}

// Subscription delivers the envelopes published to one group channel
type Subscription struct {
	pubsub *redis.PubSub
	C      <-chan Envelope
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe starts delivering the group's envelopes.  It returns once Redis
// has confirmed the subscription, so anything published afterwards is
// received.  Delivery stops when ctx is done or the subscription is closed.
func (r *Relay) Subscribe(ctx context.Context, groupID []byte) (*Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel(groupID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}

	out := make(chan Envelope, 16)
	go func() {
		defer close(out)

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}

				e, err := DecodeEnvelope([]byte(m.Payload))
				if err != nil {
					r.log.Warn("dropping envelope", zap.String("channel", m.Channel), zap.Error(err))
					continue
				}

				select {
				case out <- *e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{pubsub: pubsub, C: out}, nil
}

///
/// Welcome mailboxes
///

func (r *Relay) PostWelcome(ctx context.Context, recipient []byte, w *mls.Welcome) error {
	data, err := mls.EncodeWelcome(w)
	if err != nil {
		return err
	}

	if err := r.rdb.RPush(ctx, r.mailbox(recipient), data).Err(); err != nil {
		return fmt.Errorf("relay: post welcome: %w", err)
	}

	r.log.Debug("welcome posted", zap.Binary("recipient", recipient), zap.Int("size", len(data)))
	return nil
}

// FetchWelcomes empties the recipient's mailbox.  Entries that do not decode
// are logged and skipped.
func (r *Relay) FetchWelcomes(ctx context.Context, recipient []byte) ([]*mls.Welcome, error) {
	key := r.mailbox(recipient)

	var entries *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		entries = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: fetch welcomes: %w", err)
	}

	welcomes := []*mls.Welcome{}
	for _, entry := range entries.Val() {
		w, err := mls.DecodeWelcome([]byte(entry))
		if err != nil {
			r.log.Warn("dropping welcome", zap.Binary("recipient", recipient), zap.Error(err))
			continue
		}
		welcomes = append(welcomes, w)
	}
	return welcomes, nil
}
