package mls

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

///
/// Options
///

type Option func(*Group)

func WithLogger(log *zap.Logger) Option {
	return func(g *Group) {
		if log != nil {
			g.log = log
		}
	}
}

// WithEncryptedHandshake sends commits as MLSCiphertext under the
// handshake ratchets instead of as MLSPlaintext
func WithEncryptedHandshake(enabled bool) Option {
	return func(g *Group) {
		g.encryptHandshake = enabled
	}
}

// WithPadding pads the content of every ciphertext to a multiple of
// blockSize bytes
func WithPadding(blockSize int) Option {
	return func(g *Group) {
		g.padding = blockSize
	}
}

func WithKeyPackageLifetime(lifetime time.Duration) Option {
	return func(g *Group) {
		g.lifetime = lifetime
	}
}

///
/// Routing
///

type epochKeyWire struct {
	Epoch  Epoch
	Sender []byte `tls:"head=2"`
}

func (k epochKeyWire) key() EpochKey {
	return EpochKey{k.Epoch, string(k.Sender)}
}

func toEpochKeyWire(k EpochKey) epochKeyWire {
	return epochKeyWire{k.Epoch, []byte(k.Sender)}
}

// commitRouting travels in a commit's authenticated data so that receivers
// know which of their states to apply it to and which extremities it
// resolves
type commitRouting struct {
	Base   epochKeyWire
	Merged []epochKeyWire `tls:"head=4"`
}

///
/// Group
///

type keyringEntry struct {
	KeyPackage KeyPackage
	PrivateKey HPKEPrivateKey
}

// Group is one member's handle on a group.  It holds every epoch state it
// has not pruned, the parent of each, and the extremities: states that no
// known commit builds on.  A Group is safe for concurrent use.
type Group struct {
	mu sync.Mutex

	suite   CipherSuite
	groupID []byte
	keys    *ClientKeys

	states      map[EpochKey]*State
	parents     map[EpochKey]EpochKey
	extremities map[EpochKey]bool

	// Every leaf KeyPackage this member has held, by init key
	keyring map[string]keyringEntry

	log              *zap.Logger
	encryptHandshake bool
	padding          int
	lifetime         time.Duration
}

func newGroup(keys *ClientKeys, opts []Option) *Group {
	g := &Group{
		suite:       keys.CipherSuite,
		keys:        keys,
		states:      map[EpochKey]*State{},
		parents:     map[EpochKey]EpochKey{},
		extremities: map[EpochKey]bool{},
		keyring:     map[string]keyringEntry{},
		log:         zap.NewNop(),
		lifetime:    defaultKeyPackageLifetime,
	}

	for _, opt := range opts {
		opt(g)
	}

	g.remember(keys.KeyPackage, keys.InitPrivateKey)
	return g
}

// CreateGroup starts a group with this member alone at epoch 0, then adds
// the invitees in one commit.  The returned Welcome is nil if there are no
// invitees.
func CreateGroup(groupID []byte, keys *ClientKeys, invitees []KeyPackage, opts ...Option) (*Group, *Welcome, error) {
	g := newGroup(keys, opts)
	g.groupID = dup(groupID)

	s, err := newInitialState(groupID, keys, NewExtensionList())
	if err != nil {
		return nil, nil, err
	}

	g.states[s.Key()] = s
	g.extremities[s.Key()] = true
	g.log.Debug("group created", zap.Binary("group", groupID), zap.Stringer("state", s.Key()))

	if len(invitees) == 0 {
		return g, nil, nil
	}

	_, welcome, err := g.Commit(CommitOptions{Adds: invitees, Rotate: true})
	if err != nil {
		return nil, nil, err
	}
	return g, welcome, nil
}

// JoinGroup builds a Group from a Welcome addressed to keys.KeyPackage
func JoinGroup(welcome *Welcome, keys *ClientKeys, opts ...Option) (*Group, error) {
	g := newGroup(keys, opts)
	if err := g.ProcessWelcome(welcome); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Group) remember(kp KeyPackage, priv HPKEPrivateKey) {
	g.keyring[string(kp.InitKey.Data)] = keyringEntry{kp, priv}
}

func (g *Group) leafKeys() leafKeys {
	lk := make(leafKeys, len(g.keyring))
	for pub, entry := range g.keyring {
		lk[pub] = entry.PrivateKey
	}
	return lk
}

// rememberLeaf records the leaf this member holds in a new state
func (g *Group) rememberLeaf(s *State) {
	kp := s.Tree.leaf(s.Index())
	priv := s.Tree.leafPrivateKey()
	if kp != nil && priv != nil {
		g.remember(*kp, *priv)
	}
}

// ProcessWelcome installs the state a Welcome describes and makes it the
// only extremity.  It is used both to join and to resume after a merge this
// member could not follow.
func (g *Group) ProcessWelcome(w *Welcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w.CipherSuite != g.suite {
		return fmt.Errorf("mls.group: welcome for suite %v, have %v: %w", w.CipherSuite, g.suite, ErrKeyAgreement)
	}

	for _, entry := range g.keyring {
		if _, ok := w.find(entry.KeyPackage); !ok {
			continue
		}

		s, err := newJoinedState(w, entry.KeyPackage, entry.PrivateKey, g.keys.SignaturePrivateKey)
		if err != nil {
			g.log.Warn("welcome rejected", zap.Error(err))
			return err
		}

		if g.groupID != nil && !bytes.Equal(g.groupID, s.GroupID) {
			return fmt.Errorf("mls.group: welcome for group %x: %w", s.GroupID, ErrProtocolState)
		}

		if _, ok := g.states[s.Key()]; ok {
			return fmt.Errorf("mls.group: state %v already present: %w", s.Key(), ErrProtocolState)
		}

		g.groupID = dup(s.GroupID)
		g.states[s.Key()] = s
		g.extremities = map[EpochKey]bool{s.Key(): true}
		g.log.Debug("joined from welcome",
			zap.Uint64("epoch", s.Epoch),
			zap.Binary("sender", s.Committer),
			zap.Int("members", len(s.Tree.Identities())))
		return nil
	}

	return fmt.Errorf("mls.group: no KeyPackage of ours in the welcome: %w", ErrKeyAgreement)
}

///
/// Commit
///

type CommitOptions struct {
	Adds    []KeyPackage
	Removes [][]byte

	// Rotate forces a path even when the commit would not need one
	Rotate bool
}

// PreparedCommit is a commit that has been built but not installed
type PreparedCommit struct {
	Message *MLSMessage
	Welcome *Welcome

	base   EpochKey
	merged []EpochKey
	state  *State
}

func (pc *PreparedCommit) Epoch() Epoch {
	return pc.state.Epoch
}

// base is the most advanced extremity, ties broken by the smallest sender
func (g *Group) baseKey() (EpochKey, error) {
	keys := g.sortedExtremities()
	if len(keys) == 0 {
		return EpochKey{}, fmt.Errorf("mls.group: no state: %w", ErrProtocolState)
	}
	return keys[0], nil
}

// sortedExtremities lists extremities by descending epoch, then ascending
// sender
func (g *Group) sortedExtremities() []EpochKey {
	keys := make([]EpochKey, 0, len(g.extremities))
	for k := range g.extremities {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Epoch != keys[j].Epoch {
			return keys[i].Epoch > keys[j].Epoch
		}
		return keys[i].Sender < keys[j].Sender
	})
	return keys
}

func (g *Group) ancestors(k EpochKey) map[EpochKey]bool {
	out := map[EpochKey]bool{}
	for {
		if _, ok := g.states[k]; !ok {
			return out
		}

		out[k] = true
		p, ok := g.parents[k]
		if !ok {
			return out
		}
		k = p
	}
}

// commonAncestor is the newest state both keys descend from, or nil if
// there is none that is still held
func (g *Group) commonAncestor(a, b EpochKey) *State {
	seen := g.ancestors(a)
	for {
		if seen[b] {
			return g.states[b]
		}

		p, ok := g.parents[b]
		if !ok {
			return nil
		}
		b = p
	}
}

type proposalSet struct {
	proposals []Proposal
	touched   map[string]bool
	resuming  [][]byte
	forcePath bool
}

func (ps *proposalSet) add(id string, p Proposal) bool {
	if ps.touched[id] {
		return false
	}

	ps.touched[id] = true
	ps.proposals = append(ps.proposals, p)
	if p.Type() != ProposalTypeAdd {
		ps.forcePath = true
	}
	return true
}

// mergeProposals derives the proposals that bring the changes made on
// other since its common ancestor with base into base.  Without a common
// ancestor only additions and changed KeyPackages are carried over.
func (g *Group) mergeProposals(base, other *State, ps *proposalSet) {
	self := string(base.Identity())
	baseMembers := base.Tree.memberPackages()
	otherMembers := other.Tree.memberPackages()

	var ancMembers map[string]KeyPackage
	if anc := g.commonAncestor(base.Key(), other.Key()); anc != nil {
		ancMembers = anc.Tree.memberPackages()
	}

	ids := make([]string, 0, len(otherMembers))
	for id := range otherMembers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		okp := otherMembers[id]
		bkp, inBase := baseMembers[id]
		akp, inAnc := ancMembers[id]

		switch {
		case !inBase && inAnc:
			// Removed on the base branch
		case !inBase:
			ps.add(id, Proposal{Add: &AddProposal{okp}})
		case id == self || bkp.Equals(okp):
		case ancMembers == nil || (inAnc && akp.Equals(bkp)):
			if ps.add(id, Proposal{Update: &UpdateProposal{okp}}) {
				ps.resuming = append(ps.resuming, []byte(id))
			}
		}
	}

	if ancMembers == nil {
		return
	}

	ids = ids[:0]
	for id := range ancMembers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		_, inOther := otherMembers[id]
		l, inBase := base.Tree.Find([]byte(id))
		if inBase && !inOther && id != self {
			ps.add(id, Proposal{Remove: &RemoveProposal{l}})
		}
	}
}

// PrepareCommit builds a commit against the base extremity that reconciles
// every other extremity and applies opts.  The Group is not changed.
func (g *Group) PrepareCommit(opts CommitOptions) (*PreparedCommit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prepareCommit(opts)
}

func (g *Group) prepareCommit(opts CommitOptions) (*PreparedCommit, error) {
	baseKey, err := g.baseKey()
	if err != nil {
		return nil, err
	}
	base := g.states[baseKey]

	ps := &proposalSet{touched: map[string]bool{}, forcePath: opts.Rotate}
	for _, id := range opts.Removes {
		l, ok := base.Tree.Find(id)
		if !ok {
			return nil, fmt.Errorf("mls.group: %x is not a member: %w", id, ErrProtocolState)
		}

		if bytes.Equal(id, base.Identity()) {
			return nil, fmt.Errorf("mls.group: cannot remove self: %w", ErrProtocolState)
		}

		ps.add(string(id), Proposal{Remove: &RemoveProposal{l}})
	}

	for _, kp := range opts.Adds {
		id := kp.Credential.Identity()
		if _, ok := base.Tree.Find(id); ok {
			return nil, fmt.Errorf("mls.group: %x is already a member: %w", id, ErrProtocolState)
		}

		if !ps.add(string(id), Proposal{Add: &AddProposal{kp}}) {
			return nil, fmt.Errorf("mls.group: %x proposed twice: %w", id, ErrProtocolState)
		}
	}

	merged := []EpochKey{}
	for _, k := range g.sortedExtremities() {
		if k == baseKey {
			continue
		}

		g.mergeProposals(base, g.states[k], ps)
		merged = append(merged, k)
	}

	routing := commitRouting{Base: toEpochKeyWire(baseKey), Merged: []epochKeyWire{}}
	for _, k := range merged {
		routing.Merged = append(routing.Merged, toEpochKeyWire(k))
	}

	authData, err := marshal(routing)
	if err != nil {
		return nil, err
	}

	pt, welcome, next, err := base.commit(commitParams{
		Proposals:         ps.proposals,
		ForcePath:         ps.forcePath || len(merged) > 0 || len(ps.proposals) == 0,
		AuthenticatedData: authData,
		Resuming:          ps.resuming,
		Keyring:           g.leafKeys(),
		Lifetime:          g.lifetime,
	})
	if err != nil {
		return nil, err
	}

	msg := &MLSMessage{Plaintext: pt}
	if g.encryptHandshake {
		ct, err := base.sealPlaintext(pt, g.padding)
		if err != nil {
			return nil, err
		}
		msg = &MLSMessage{Ciphertext: ct}
	}

	return &PreparedCommit{
		Message: msg,
		Welcome: welcome,
		base:    baseKey,
		merged:  merged,
		state:   next,
	}, nil
}

// Install makes a prepared commit's state the only extremity.  The commit
// must still apply to the current extremities.
func (g *Group) Install(pc *PreparedCommit) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.install(pc)
}

func (g *Group) install(pc *PreparedCommit) error {
	for _, k := range append([]EpochKey{pc.base}, pc.merged...) {
		if !g.extremities[k] {
			return fmt.Errorf("mls.group: commit built on %v, which is no longer an extremity: %w", k, ErrProtocolState)
		}
	}

	if err := g.insert(pc.state, pc.base, pc.merged); err != nil {
		return err
	}

	g.rememberLeaf(pc.state)
	g.log.Debug("commit installed",
		zap.Uint64("epoch", pc.state.Epoch),
		zap.Binary("sender", pc.state.Committer),
		zap.Int("merged", len(pc.merged)),
		zap.Int("extremities", len(g.extremities)))
	return nil
}

func (g *Group) insert(s *State, base EpochKey, merged []EpochKey) error {
	key := s.Key()
	if _, ok := g.states[key]; ok {
		return fmt.Errorf("mls.group: state %v already present: %w", key, ErrProtocolState)
	}

	g.states[key] = s
	g.parents[key] = base
	delete(g.extremities, base)
	for _, k := range merged {
		delete(g.extremities, k)
	}
	g.extremities[key] = true
	return nil
}

// Commit prepares and installs a commit.  The message goes to the current
// members; the Welcome, if any, to added and resuming members.
func (g *Group) Commit(opts CommitOptions) (*MLSMessage, *Welcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pc, err := g.prepareCommit(opts)
	if err != nil {
		return nil, nil, err
	}

	if err := g.install(pc); err != nil {
		return nil, nil, err
	}
	return pc.Message, pc.Welcome, nil
}

///
/// Apply
///

// ApplyCommit installs a commit from another member.  On any error the
// Group is unchanged.
func (g *Group) ApplyCommit(msg *MLSMessage) error {
	if msg.empty() {
		return fmt.Errorf("mls.group: empty message: %w", ErrDecode)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.applyCommit(msg)
	if err != nil {
		g.log.Warn("commit rejected", zap.Uint64("epoch", msg.Epoch()), zap.Error(err))
	}
	return err
}

func (g *Group) applyCommit(msg *MLSMessage) error {
	if !bytes.Equal(msg.GroupID(), g.groupID) {
		return fmt.Errorf("mls.group: commit for group %x: %w", msg.GroupID(), ErrProtocolState)
	}

	var routing commitRouting
	if err := unmarshal(msg.AuthenticatedData(), &routing); err != nil {
		return err
	}

	baseKey := routing.Base.key()
	base, ok := g.states[baseKey]
	if !ok {
		return fmt.Errorf("mls.group: commit built on unknown state %v: %w", baseKey, ErrProtocolState)
	}

	pt := msg.Plaintext
	fromCiphertext := msg.WireFormat() == WireFormatCiphertext
	if fromCiphertext {
		var err error
		pt, err = base.open(msg.Ciphertext)
		if err != nil {
			return err
		}
	}

	if pt == nil {
		return fmt.Errorf("mls.group: empty message: %w", ErrDecode)
	}

	next, err := base.handle(pt, fromCiphertext, g.leafKeys())
	if err != nil {
		return err
	}

	merged := make([]EpochKey, len(routing.Merged))
	for i, k := range routing.Merged {
		merged[i] = k.key()
	}

	if err := g.insert(next, baseKey, merged); err != nil {
		return err
	}

	g.rememberLeaf(next)
	g.log.Debug("commit applied",
		zap.Uint64("epoch", next.Epoch),
		zap.Binary("sender", next.Committer),
		zap.Int("merged", len(merged)),
		zap.Int("extremities", len(g.extremities)))
	return nil
}

///
/// Application data
///

func (g *Group) current() (*State, error) {
	if len(g.extremities) != 1 {
		return nil, fmt.Errorf("mls.group: %d unresolved extremities: %w", len(g.extremities), ErrProtocolState)
	}

	for k := range g.extremities {
		return g.states[k], nil
	}
	panic("unreachable")
}

func (g *Group) Encrypt(data, authenticatedData []byte) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.current()
	if err != nil {
		return nil, err
	}

	ct, err := s.Protect(data, authenticatedData, g.padding)
	if err != nil {
		return nil, err
	}
	return &MLSMessage{Ciphertext: ct}, nil
}

// Decrypt opens application data sent in any held state of the message's
// epoch
func (g *Group) Decrypt(msg *MLSMessage) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.current(); err != nil {
		return nil, err
	}

	if msg.empty() {
		return nil, fmt.Errorf("mls.group: empty message: %w", ErrDecode)
	}

	if msg.WireFormat() != WireFormatCiphertext {
		return nil, fmt.Errorf("mls.group: application data must be encrypted: %w", ErrProtocolState)
	}

	// Encrypted handshake messages go through ApplyCommit; opening one here
	// would consume its key
	if msg.Ciphertext.ContentType != ContentTypeApplication {
		return nil, fmt.Errorf("mls.group: content type %d is not application data: %w", msg.Ciphertext.ContentType, ErrProtocolState)
	}

	var lastErr error
	for _, s := range g.states {
		if s.Epoch != msg.Ciphertext.Epoch {
			continue
		}

		data, err := s.Unprotect(msg.Ciphertext)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		return nil, fmt.Errorf("mls.group: no state for epoch %d: %w", msg.Ciphertext.Epoch, ErrProtocolState)
	}
	return nil, lastErr
}

///
/// Inspection
///

func (g *Group) GroupID() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return dup(g.groupID)
}

func (g *Group) NeedsMerge() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.extremities) > 1
}

func (g *Group) Extremities() []EpochKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sortedExtremities()
}

// CurrentEpoch is the epoch of the most advanced extremity
func (g *Group) CurrentEpoch() Epoch {
	g.mu.Lock()
	defer g.mu.Unlock()

	k, err := g.baseKey()
	if err != nil {
		return 0
	}
	return k.Epoch
}

// Members lists member identities in leaf order
func (g *Group) Members() ([][]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.current()
	if err != nil {
		return nil, err
	}
	return s.Tree.Identities(), nil
}

func (g *Group) Export(label string, context []byte, length int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.current()
	if err != nil {
		return nil, err
	}
	return s.Export(label, context, length), nil
}

// Prune drops and zeroes every state older than the given epoch that is not
// an extremity.  It returns the number of states removed.
func (g *Group) Prune(before Epoch) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for k, s := range g.states {
		if k.Epoch >= before || g.extremities[k] {
			continue
		}

		s.Keys.zero()
		delete(g.states, k)
		delete(g.parents, k)
		n++
	}

	g.log.Debug("pruned states", zap.Uint64("before", before), zap.Int("removed", n))
	return n
}
