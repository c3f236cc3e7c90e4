package mls

import (
	"encoding/binary"
	"fmt"
)

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) zero() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

///
/// Hash ratchet
///

// hashRatchet produces one key/nonce pair per generation.  Keys for
// generations that were skipped over on the way to a later one are cached
// until they are fetched, then forgotten.
type hashRatchet struct {
	suite          CipherSuite
	nextSecret     []byte
	nextGeneration uint32
	cache          map[uint32]keyAndNonce
	maxSkip        uint32
}

func newHashRatchet(suite CipherSuite, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		suite:      suite,
		nextSecret: baseSecret,
		cache:      map[uint32]keyAndNonce{},
	}
}

func (hr *hashRatchet) step() (uint32, keyAndNonce) {
	cs := hr.suite.Constants()
	context := make([]byte, 4)
	binary.BigEndian.PutUint32(context, hr.nextGeneration)

	key := hr.suite.expandWithLabel(hr.nextSecret, "key", context, cs.KeySize)
	nonce := hr.suite.expandWithLabel(hr.nextSecret, "nonce", context, cs.NonceSize)
	secret := hr.suite.expandWithLabel(hr.nextSecret, "secret", context, cs.SecretSize)

	generation := hr.nextGeneration
	hr.nextGeneration += 1
	zeroize(hr.nextSecret)
	hr.nextSecret = secret

	return generation, keyAndNonce{key, nonce}
}

// Next is for senders: it returns a fresh generation and never caches it
func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	return hr.step()
}

// Peek derives the key for a generation without using it up.  The key stays
// cached until Erase.
func (hr *hashRatchet) Peek(generation uint32) (keyAndNonce, error) {
	if generation < hr.nextGeneration {
		kn, ok := hr.cache[generation]
		if !ok {
			return keyAndNonce{}, fmt.Errorf("mls.ratchet: generation %d already used: %w", generation, ErrProtocolState)
		}
		return keyAndNonce{dup(kn.Key), dup(kn.Nonce)}, nil
	}

	if hr.maxSkip > 0 && generation-hr.nextGeneration > hr.maxSkip {
		return keyAndNonce{}, fmt.Errorf("mls.ratchet: generation %d is more than %d ahead: %w", generation, hr.maxSkip, ErrProtocolState)
	}

	for hr.nextGeneration <= generation {
		gen, kn := hr.step()
		hr.cache[gen] = kn
	}

	kn := hr.cache[generation]
	return keyAndNonce{dup(kn.Key), dup(kn.Nonce)}, nil
}

// Get hands out the key for a generation once
func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	kn, err := hr.Peek(generation)
	if err != nil {
		return keyAndNonce{}, err
	}

	hr.Erase(generation)
	return kn, nil
}

func (hr *hashRatchet) Erase(generation uint32) {
	if kn, ok := hr.cache[generation]; ok {
		kn.zero()
		delete(hr.cache, generation)
	}
}

func (hr *hashRatchet) zero() {
	for gen := range hr.cache {
		hr.Erase(gen)
	}
	zeroize(hr.nextSecret)
}

///
/// Secret tree
///

// secretTree splits the encryption secret down the tree on demand.  Only
// the nodes needed to reach a requested leaf are derived, and each parent is
// erased as soon as both children exist.
type secretTree struct {
	suite   CipherSuite
	size    leafCount
	secrets map[nodeIndex][]byte
}

func newSecretTree(suite CipherSuite, size leafCount, encryptionSecret []byte) *secretTree {
	return &secretTree{
		suite:   suite,
		size:    size,
		secrets: map[nodeIndex][]byte{root(size): dup(encryptionSecret)},
	}
}

// leafSecret hands out a leaf's secret once
func (st *secretTree) leafSecret(l leafIndex) ([]byte, error) {
	if leafCount(l) >= st.size {
		return nil, fmt.Errorf("mls.secrets: leaf %d outside tree of %d: %w", l, st.size, ErrProtocolState)
	}

	n := toNodeIndex(l)
	path := append([]nodeIndex{n}, dirpath(n, st.size)...)

	start := -1
	for i, p := range path {
		if _, ok := st.secrets[p]; ok {
			start = i
			break
		}
	}

	if start < 0 {
		return nil, fmt.Errorf("mls.secrets: secret for leaf %d already used: %w", l, ErrProtocolState)
	}

	secretSize := st.suite.Constants().SecretSize
	for i := start; i > 0; i-- {
		p := path[i]
		secret := st.secrets[p]
		st.secrets[left(p)] = st.suite.expandWithLabel(secret, "tree", []byte("left"), secretSize)
		st.secrets[right(p, st.size)] = st.suite.expandWithLabel(secret, "tree", []byte("right"), secretSize)
		zeroize(secret)
		delete(st.secrets, p)
	}

	out := st.secrets[n]
	delete(st.secrets, n)
	return out, nil
}

func (st *secretTree) zero() {
	for n, s := range st.secrets {
		zeroize(s)
		delete(st.secrets, n)
	}
}

///
/// Group key source
///

type ratchetType uint8

const (
	handshakeRatchet ratchetType = iota
	applicationRatchet
)

func ratchetTypeFor(ct ContentType) ratchetType {
	if ct == ContentTypeApplication {
		return applicationRatchet
	}
	return handshakeRatchet
}

// Receivers refuse to ratchet more than this many generations past the last
// key they derived for a sender
const defaultMaxSkip = 1024

// groupKeySource holds the per-sender ratchets for one epoch.  A sender's
// leaf secret is taken from the secret tree the first time either of its
// ratchets is needed.
type groupKeySource struct {
	suite    CipherSuite
	tree     *secretTree
	ratchets map[ratchetType]map[leafIndex]*hashRatchet
	maxSkip  uint32
}

func newGroupKeySource(suite CipherSuite, size leafCount, encryptionSecret []byte) *groupKeySource {
	return &groupKeySource{
		suite: suite,
		tree:  newSecretTree(suite, size, encryptionSecret),
		ratchets: map[ratchetType]map[leafIndex]*hashRatchet{
			handshakeRatchet:   {},
			applicationRatchet: {},
		},
		maxSkip: defaultMaxSkip,
	}
}

func (gks *groupKeySource) ratchet(rt ratchetType, sender leafIndex) (*hashRatchet, error) {
	if r, ok := gks.ratchets[rt][sender]; ok {
		return r, nil
	}

	leafSecret, err := gks.tree.leafSecret(sender)
	if err != nil {
		return nil, err
	}
	defer zeroize(leafSecret)

	secretSize := gks.suite.Constants().SecretSize
	hs := newHashRatchet(gks.suite, gks.suite.expandWithLabel(leafSecret, "handshake", []byte{}, secretSize))
	as := newHashRatchet(gks.suite, gks.suite.expandWithLabel(leafSecret, "application", []byte{}, secretSize))
	hs.maxSkip = gks.maxSkip
	as.maxSkip = gks.maxSkip

	gks.ratchets[handshakeRatchet][sender] = hs
	gks.ratchets[applicationRatchet][sender] = as
	return gks.ratchets[rt][sender], nil
}

func (gks *groupKeySource) Next(rt ratchetType, sender leafIndex) (uint32, keyAndNonce, error) {
	r, err := gks.ratchet(rt, sender)
	if err != nil {
		return 0, keyAndNonce{}, err
	}

	gen, kn := r.Next()
	return gen, kn, nil
}

func (gks *groupKeySource) Get(rt ratchetType, sender leafIndex, generation uint32) (keyAndNonce, error) {
	r, err := gks.ratchet(rt, sender)
	if err != nil {
		return keyAndNonce{}, err
	}
	return r.Get(generation)
}

func (gks *groupKeySource) Peek(rt ratchetType, sender leafIndex, generation uint32) (keyAndNonce, error) {
	r, err := gks.ratchet(rt, sender)
	if err != nil {
		return keyAndNonce{}, err
	}
	return r.Peek(generation)
}

func (gks *groupKeySource) Erase(rt ratchetType, sender leafIndex, generation uint32) {
	if r, ok := gks.ratchets[rt][sender]; ok {
		r.Erase(generation)
	}
}

func (gks *groupKeySource) zero() {
	for _, byLeaf := range gks.ratchets {
		for _, r := range byLeaf {
			r.zero()
		}
	}
	gks.tree.zero()
}

///
/// Epoch secrets
///

// Secrets is the full set of values derived for one epoch.  Everything but
// Init is consumed within the epoch; Init seeds the next one.
type Secrets struct {
	Joiner         []byte
	Member         []byte
	Welcome        []byte
	Epoch          []byte
	SenderData     []byte
	Encryption     []byte
	Exporter       []byte
	Authentication []byte
	External       []byte
	Confirmation   []byte
	Membership     []byte
	Resumption     []byte
	Init           []byte
}

func (s *Secrets) Zero() {
	for _, b := range [][]byte{
		s.Joiner, s.Member, s.Welcome, s.Epoch, s.SenderData, s.Encryption, s.Exporter,
		s.Authentication, s.External, s.Confirmation, s.Membership, s.Resumption, s.Init,
	} {
		zeroize(b)
	}
}

// generateSecrets runs the key schedule from the previous epoch's init
// secret and this epoch's commit secret
func generateSecrets(suite CipherSuite, initSecret, commitSecret []byte, ctx GroupContext) (*Secrets, error) {
	joiner := suite.hkdfExtract(initSecret, commitSecret)
	return secretsFromJoiner(suite, joiner, ctx)
}

// secretsFromJoiner is the entry point for members joining by Welcome, who
// learn the joiner secret directly
func secretsFromJoiner(suite CipherSuite, joiner []byte, ctx GroupContext) (*Secrets, error) {
	enc, err := marshal(ctx)
	if err != nil {
		return nil, err
	}

	member, welcome := memberAndWelcomeSecrets(suite, joiner)
	epoch := suite.expandWithLabel(welcome, "epoch", enc, suite.Constants().SecretSize)

	return &Secrets{
		Joiner:         dup(joiner),
		Member:         member,
		Welcome:        welcome,
		Epoch:          epoch,
		SenderData:     suite.deriveSecret(epoch, "sender data"),
		Encryption:     suite.deriveSecret(epoch, "encryption"),
		Exporter:       suite.deriveSecret(epoch, "exporter"),
		Authentication: suite.deriveSecret(epoch, "authentication"),
		External:       suite.deriveSecret(epoch, "external"),
		Confirmation:   suite.deriveSecret(epoch, "confirm"),
		Membership:     suite.deriveSecret(epoch, "membership"),
		Resumption:     suite.deriveSecret(epoch, "resumption"),
		Init:           suite.deriveSecret(epoch, "init"),
	}, nil
}

// No pre-shared keys are injected
func memberAndWelcomeSecrets(suite CipherSuite, joiner []byte) ([]byte, []byte) {
	member := suite.hkdfExtract(joiner, suite.zero())
	return member, suite.deriveSecret(member, "welcome")
}

// The key and nonce that seal a Welcome's GroupInfo
func welcomeKeyAndNonce(suite CipherSuite, welcomeSecret []byte) keyAndNonce {
	cs := suite.Constants()
	return keyAndNonce{
		Key:   suite.expandWithLabel(welcomeSecret, "key", []byte{}, cs.KeySize),
		Nonce: suite.expandWithLabel(welcomeSecret, "nonce", []byte{}, cs.NonceSize),
	}
}

///
/// Key schedule epoch
///

type keyScheduleEpoch struct {
	Suite   CipherSuite
	Secrets *Secrets
	Keys    *groupKeySource
}

func newKeyScheduleEpoch(suite CipherSuite, size leafCount, secrets *Secrets) *keyScheduleEpoch {
	return &keyScheduleEpoch{
		Suite:   suite,
		Secrets: secrets,
		Keys:    newGroupKeySource(suite, size, secrets.Encryption),
	}
}

// senderDataKeyAndNonce binds the sender data key to a sample of the content
// ciphertext
func (kse *keyScheduleEpoch) senderDataKeyAndNonce(ciphertext []byte) keyAndNonce {
	cs := kse.Suite.Constants()
	sample := ciphertext
	if len(sample) > cs.SecretSize {
		sample = sample[:cs.SecretSize]
	}

	return keyAndNonce{
		Key:   kse.Suite.expandWithLabel(kse.Secrets.SenderData, "key", sample, cs.KeySize),
		Nonce: kse.Suite.expandWithLabel(kse.Secrets.SenderData, "nonce", sample, cs.NonceSize),
	}
}

func (kse *keyScheduleEpoch) Export(label string, context []byte, keyLength int) []byte {
	base := kse.Suite.deriveSecret(kse.Secrets.Exporter, label)
	defer zeroize(base)
	return kse.Suite.expandWithLabel(base, "exporter", kse.Suite.Digest(context), keyLength)
}

func (kse *keyScheduleEpoch) zero() {
	kse.Keys.zero()
	kse.Secrets.Zero()
}
