package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	mls "github.com/suhasHere/groupmls"
)

type member struct {
	name    string
	keys    *mls.ClientKeys
	group   *mls.Group
	removed bool
}

func (m *member) identity() []byte {
	return m.keys.Credential.Identity()
}

type scenario struct {
	cfg     *config
	log     *zap.Logger
	net     transport
	members map[string]*member
	order   []string
}

func newScenario(cfg *config, net transport, log *zap.Logger) *scenario {
	return &scenario{
		cfg:     cfg,
		log:     log,
		net:     net,
		members: map[string]*member{},
	}
}

func (s *scenario) groupOptions(name string) []mls.Option {
	return []mls.Option{
		mls.WithLogger(s.log.Named(name)),
		mls.WithEncryptedHandshake(s.cfg.EncryptHandshake),
		mls.WithPadding(s.cfg.Padding),
	}
}

func (s *scenario) newMember(name string) (*member, error) {
	if _, ok := s.members[name]; ok {
		return nil, fmt.Errorf("member %q already exists", name)
	}

	keys, err := mls.NewClientKeys(s.cfg.suite, []byte(name))
	if err != nil {
		return nil, err
	}

	m := &member{name: name, keys: keys}
	s.members[name] = m
	s.order = append(s.order, name)
	return m, nil
}

func (s *scenario) member(name string) (*member, error) {
	m, ok := s.members[name]
	if !ok {
		return nil, fmt.Errorf("unknown member %q", name)
	}

	if m.removed {
		return nil, fmt.Errorf("member %q has been removed", name)
	}
	return m, nil
}

// welcome hands a Welcome to a new member through the transport and joins
// the group with it
func (s *scenario) welcome(ctx context.Context, m *member, w *mls.Welcome) error {
	if err := s.net.postWelcome(ctx, m, w); err != nil {
		return err
	}

	received, err := s.net.fetchWelcome(ctx, m)
	if err != nil {
		return err
	}

	m.group, err = mls.JoinGroup(received, m.keys, s.groupOptions(m.name)...)
	if err != nil {
		return fmt.Errorf("%s joining: %w", m.name, err)
	}

	s.log.Info("joined", zap.String("member", m.name), zap.Uint64("epoch", uint64(m.group.CurrentEpoch())))
	return s.net.join(ctx, m)
}

func (s *scenario) setup(ctx context.Context) error {
	for _, name := range s.cfg.Members {
		if _, err := s.newMember(name); err != nil {
			return err
		}
	}

	creator := s.members[s.order[0]]
	invitees := []mls.KeyPackage{}
	for _, name := range s.order[1:] {
		invitees = append(invitees, s.members[name].keys.KeyPackage)
	}

	g, w, err := mls.CreateGroup([]byte(s.cfg.GroupID), creator.keys, invitees, s.groupOptions(creator.name)...)
	if err != nil {
		return err
	}
	creator.group = g
	s.log.Info("group created", zap.String("creator", creator.name), zap.Int("invitees", len(invitees)))

	if err := s.net.join(ctx, creator); err != nil {
		return err
	}

	for _, name := range s.order[1:] {
		if err := s.welcome(ctx, s.members[name], w); err != nil {
			return err
		}
	}
	return nil
}

// others lists the members who are still subscribed besides m, removed ones
// included
func (s *scenario) others(m *member) []*member {
	out := []*member{}
	for _, name := range s.order {
		o := s.members[name]
		if o != m && o.group != nil {
			out = append(out, o)
		}
	}
	return out
}

func (s *scenario) broadcastCommit(ctx context.Context, from *member, msg *mls.MLSMessage, removed *member) error {
	if err := s.net.send(ctx, from, msg); err != nil {
		return err
	}

	for _, o := range s.others(from) {
		in, err := s.net.receive(ctx, o)
		if err != nil {
			return err
		}

		if o.removed {
			continue
		}

		err = o.group.ApplyCommit(in)
		switch {
		case o == removed && errors.Is(err, mls.ErrKeyAgreement):
			o.removed = true
			s.log.Info("removed from group", zap.String("member", o.name))
		case err != nil:
			return fmt.Errorf("%s applying commit from %s: %w", o.name, from.name, err)
		}
	}
	return nil
}

func (s *scenario) send(ctx context.Context, st *sendStep) error {
	from, err := s.member(st.From)
	if err != nil {
		return err
	}

	msg, err := from.group.Encrypt([]byte(st.Text), nil)
	if err != nil {
		return err
	}

	if err := s.net.send(ctx, from, msg); err != nil {
		return err
	}

	for _, o := range s.others(from) {
		in, err := s.net.receive(ctx, o)
		if err != nil {
			return err
		}

		pt, err := o.group.Decrypt(in)
		switch {
		case o.removed && err != nil:
			s.log.Info("cannot read", zap.String("member", o.name), zap.Error(err))
		case o.removed:
			return fmt.Errorf("removed member %s read %q", o.name, pt)
		case err != nil:
			return fmt.Errorf("%s decrypting from %s: %w", o.name, from.name, err)
		default:
			s.log.Info("received",
				zap.String("member", o.name),
				zap.String("from", from.name),
				zap.ByteString("text", pt))
		}
	}
	return nil
}

func (s *scenario) remove(ctx context.Context, st *memberStep) error {
	by, err := s.member(st.By)
	if err != nil {
		return err
	}

	target, err := s.member(st.Member)
	if err != nil {
		return err
	}

	msg, _, err := by.group.Commit(mls.CommitOptions{Removes: [][]byte{target.identity()}})
	if err != nil {
		return err
	}
	return s.broadcastCommit(ctx, by, msg, target)
}

func (s *scenario) add(ctx context.Context, st *memberStep) error {
	by, err := s.member(st.By)
	if err != nil {
		return err
	}

	m, err := s.newMember(st.Member)
	if err != nil {
		return err
	}

	msg, w, err := by.group.Commit(mls.CommitOptions{Adds: []mls.KeyPackage{m.keys.KeyPackage}})
	if err != nil {
		return err
	}

	if err := s.broadcastCommit(ctx, by, msg, nil); err != nil {
		return err
	}
	return s.welcome(ctx, m, w)
}

func (s *scenario) update(ctx context.Context, name string) error {
	m, err := s.member(name)
	if err != nil {
		return err
	}

	msg, _, err := m.group.Commit(mls.CommitOptions{Rotate: true})
	if err != nil {
		return err
	}
	return s.broadcastCommit(ctx, m, msg, nil)
}

func (s *scenario) run(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		return err
	}

	for i, st := range s.cfg.Steps {
		s.log.Info("step", zap.Int("n", i), zap.Stringer("action", st))

		var err error
		switch {
		case st.Send != nil:
			err = s.send(ctx, st.Send)
		case st.Remove != nil:
			err = s.remove(ctx, st.Remove)
		case st.Add != nil:
			err = s.add(ctx, st.Add)
		case st.Update != "":
			err = s.update(ctx, st.Update)
		}

		if err != nil {
			return fmt.Errorf("step %d (%v): %w", i, st, err)
		}
	}

	return s.check()
}

// check confirms that every remaining member ended in the same epoch with
// the same exporter output
func (s *scenario) check() error {
	var epoch mls.Epoch
	var secret []byte
	for _, name := range s.order {
		m := s.members[name]
		if m.removed {
			continue
		}

		export, err := m.group.Export("mls-demo", []byte(s.cfg.GroupID), 32)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		if secret == nil {
			epoch, secret = m.group.CurrentEpoch(), export
			continue
		}

		if m.group.CurrentEpoch() != epoch || !bytes.Equal(export, secret) {
			return fmt.Errorf("%s disagrees with %s at epoch %d", name, s.order[0], epoch)
		}
	}

	s.log.Info("members agree", zap.Uint64("epoch", uint64(epoch)), zap.Binary("export", secret))
	return nil
}
