package mls

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"
)

// EpochKey names one epoch state: the epoch number and the identity of the
// member whose commit produced it.  Concurrent commits against the same
// parent yield distinct keys for the same epoch number.
type EpochKey struct {
	Epoch  Epoch
	Sender string
}

func (k EpochKey) String() string {
	return fmt.Sprintf("%d/%x", k.Epoch, k.Sender)
}

///
/// State
///

// State is the view of the group at one epoch.  Apart from the per-sender
// ratchets inside Keys, a State is not modified once built; commits produce
// new States.
type State struct {
	// Shared confirmed state
	CipherSuite             CipherSuite
	GroupID                 []byte
	Epoch                   Epoch
	Tree                    *RatchetTreeView
	ConfirmedTranscriptHash []byte
	InterimTranscriptHash   []byte
	Extensions              ExtensionList

	// Per-participant state
	IdentityPriv SignaturePrivateKey
	Committer    []byte

	// Secret state
	Keys *keyScheduleEpoch
}

func (s *State) Key() EpochKey {
	return EpochKey{s.Epoch, string(s.Committer)}
}

func (s *State) Index() leafIndex {
	return s.Tree.Self()
}

func (s *State) Identity() []byte {
	return s.Tree.Credential(s.Index()).Identity()
}

func (s *State) groupContext() GroupContext {
	return GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.TreeHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              s.Extensions,
	}
}

// The context an UpdatePath is encrypted under: the next epoch as it looks
// after the proposals and before the path
func (s *State) provisionalContext(tree *RatchetTreeView) ([]byte, error) {
	return marshal(GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch + 1,
		TreeHash:                tree.TreeHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              s.Extensions,
	})
}

func randomSecret(suite CipherSuite) ([]byte, error) {
	secret := make([]byte, suite.Constants().SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// newInitialState builds the one-member epoch 0 of a new group from a
// random init secret
func newInitialState(groupID []byte, keys *ClientKeys, exts ExtensionList) (*State, error) {
	suite := keys.CipherSuite
	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    newRatchetTreeView(suite, keys.KeyPackage, keys.InitPrivateKey),
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
		Extensions:              exts,
		IdentityPriv:            keys.SignaturePrivateKey,
		Committer:               dup(keys.Credential.Identity()),
	}

	initSecret, err := randomSecret(suite)
	if err != nil {
		return nil, err
	}
	defer zeroize(initSecret)

	secrets, err := generateSecrets(suite, initSecret, suite.zero(), s.groupContext())
	if err != nil {
		return nil, err
	}

	s.Keys = newKeyScheduleEpoch(suite, s.Tree.Size(), secrets)
	return s, nil
}

// newJoinedState builds the epoch a Welcome describes, for the holder of
// the given KeyPackage
func newJoinedState(w *Welcome, kp KeyPackage, initPriv HPKEPrivateKey, sigPriv SignaturePrivateKey) (*State, error) {
	suite := w.CipherSuite
	gs, err := w.decryptSecrets(kp, initPriv)
	if err != nil {
		return nil, err
	}
	defer zeroize(gs.JoinerSecret)

	gi, err := w.decryptGroupInfo(gs.JoinerSecret)
	if err != nil {
		return nil, err
	}

	var rte RatchetTreeExtension
	found, err := gi.Extensions.Find(&rte)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("mls.state: welcome carries no ratchet tree: %w", ErrDecode)
	}

	tree, err := newRatchetTreeViewFromNodes(suite, rte.Nodes, kp, initPriv)
	if err != nil {
		return nil, err
	}

	signer := tree.Credential(gi.SignerIndex)
	if signer == nil {
		return nil, fmt.Errorf("mls.state: group info signed by blank leaf %d: %w", gi.SignerIndex, ErrVerification)
	}

	if err := gi.verify(signer); err != nil {
		return nil, err
	}

	if !bytes.Equal(tree.TreeHash(), gi.TreeHash) {
		return nil, fmt.Errorf("mls.state: tree hash mismatch: %w", ErrVerification)
	}

	if gs.PathSecret != nil {
		var commitSecret []byte
		tree, commitSecret, err = tree.ImplantPathSecret(gi.SignerIndex, gs.PathSecret.Data)
		if err != nil {
			return nil, err
		}
		zeroize(commitSecret)
		zeroize(gs.PathSecret.Data)
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Tree:                    tree,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		Extensions:              gi.Extensions.Without(ExtensionTypeRatchetTree),
		IdentityPriv:            sigPriv,
		Committer:               dup(signer.Identity()),
	}

	secrets, err := secretsFromJoiner(suite, gs.JoinerSecret, s.groupContext())
	if err != nil {
		return nil, err
	}

	if err := verifyConfirmationTag(suite, secrets.Confirmation, s.ConfirmedTranscriptHash, &gi.ConfirmationTag); err != nil {
		secrets.Zero()
		return nil, err
	}

	s.InterimTranscriptHash, err = interimTranscriptHash(suite, s.ConfirmedTranscriptHash, &gi.ConfirmationTag)
	if err != nil {
		return nil, err
	}

	s.Keys = newKeyScheduleEpoch(suite, tree.Size(), secrets)
	return s, nil
}

///
/// Commit
///

type commitParams struct {
	Proposals         []Proposal
	ForcePath         bool
	AuthenticatedData []byte

	// Identities of current members who should also get a Welcome
	Resuming [][]byte

	Keyring  leafKeys
	Lifetime time.Duration
}

// commit builds a signed and tagged Commit of the given proposals, the
// State it leads to, and a Welcome for added and resuming members (nil if
// there are none).  The receiver is not modified.
func (s *State) commit(params commitParams) (*MLSPlaintext, *Welcome, *State, error) {
	suite := s.CipherSuite
	commit := Commit{Proposals: params.Proposals}

	tree, added, err := s.Tree.ApplyProposals(params.Proposals, params.Keyring)
	if err != nil {
		return nil, nil, nil, err
	}

	if tree.Credential(s.Index()) == nil {
		return nil, nil, nil, fmt.Errorf("mls.state: commit removes its own sender: %w", ErrProtocolState)
	}

	commitSecret := suite.zero()
	var secrets *pathSecrets
	if params.ForcePath || commit.pathRequired() {
		ctx, err := s.provisionalContext(tree)
		if err != nil {
			return nil, nil, nil, err
		}

		leafSecret, err := randomSecret(suite)
		if err != nil {
			return nil, nil, nil, err
		}

		tree, commit.Path, secrets, err = tree.Update(leafSecret, s.IdentityPriv, params.Lifetime, ctx, newLeafSet(added))
		zeroize(leafSecret)
		if err != nil {
			return nil, nil, nil, err
		}
		defer secrets.zero()
		commitSecret = secrets.commit
	}

	pt := &MLSPlaintext{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            memberSender(s.Index()),
		AuthenticatedData: params.AuthenticatedData,
		Content:           MLSPlaintextContent{Commit: &commit},
	}

	if err := pt.sign(s.groupContext(), s.IdentityPriv, suite.Scheme()); err != nil {
		return nil, nil, nil, err
	}

	next := &State{
		CipherSuite:  suite,
		GroupID:      s.GroupID,
		Epoch:        s.Epoch + 1,
		Tree:         tree,
		Extensions:   s.Extensions,
		IdentityPriv: s.IdentityPriv,
		Committer:    dup(s.Identity()),
	}

	next.ConfirmedTranscriptHash, err = confirmedTranscriptHash(suite, s.InterimTranscriptHash, pt)
	if err != nil {
		return nil, nil, nil, err
	}

	epochSecrets, err := generateSecrets(suite, s.Keys.Secrets.Init, commitSecret, next.groupContext())
	if err != nil {
		return nil, nil, nil, err
	}
	next.Keys = newKeyScheduleEpoch(suite, tree.Size(), epochSecrets)

	pt.ConfirmationTag = confirmationTag(suite, epochSecrets.Confirmation, next.ConfirmedTranscriptHash)
	next.InterimTranscriptHash, err = interimTranscriptHash(suite, next.ConfirmedTranscriptHash, pt.ConfirmationTag)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := pt.setMembershipTag(suite, s.groupContext(), s.Keys.Secrets.Membership); err != nil {
		return nil, nil, nil, err
	}

	recipients := added
	for _, id := range params.Resuming {
		if l, ok := tree.Find(id); ok && l != s.Index() {
			recipients = append(recipients, l)
		}
	}

	if len(recipients) == 0 {
		return pt, nil, next, nil
	}

	welcome, err := next.welcome(pt.ConfirmationTag, recipients, secrets)
	if err != nil {
		return nil, nil, nil, err
	}
	return pt, welcome, next, nil
}

// welcome describes this State to the members at the given leaves.  Each
// gets the path secret at the lowest node its path shares with ours.
func (s *State) welcome(tag *MAC, recipients []leafIndex, secrets *pathSecrets) (*Welcome, error) {
	exts := s.Extensions.Without(ExtensionTypeRatchetTree)
	if err := exts.Add(RatchetTreeExtension{s.Tree.Nodes()}); err != nil {
		return nil, err
	}

	gi := &GroupInfo{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.TreeHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              exts,
		ConfirmationTag:         *tag,
		SignerIndex:             s.Index(),
	}

	if err := gi.sign(s.IdentityPriv, s.CipherSuite.Scheme()); err != nil {
		return nil, err
	}

	welcome, err := newWelcome(s.CipherSuite, s.Keys.Secrets.Joiner, gi)
	if err != nil {
		return nil, err
	}
	defer welcome.seal()

	for _, l := range recipients {
		var pathSecret []byte
		if secrets != nil {
			pathSecret = secrets.nodes[ancestor(l, s.Index())]
		}

		if err := welcome.EncryptTo(*s.Tree.leaf(l), pathSecret); err != nil {
			return nil, err
		}
	}

	return welcome, nil
}

///
/// Handle
///

// handle applies a Commit from another member and returns the resulting
// State.  Commits that arrived as MLSCiphertext carry no membership tag.
func (s *State) handle(pt *MLSPlaintext, fromCiphertext bool, keyring leafKeys) (*State, error) {
	suite := s.CipherSuite
	if !bytes.Equal(pt.GroupID, s.GroupID) {
		return nil, fmt.Errorf("mls.state: commit for group %x: %w", pt.GroupID, ErrProtocolState)
	}

	if pt.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: epoch mismatch, have %d, got %d: %w", s.Epoch, pt.Epoch, ErrProtocolState)
	}

	if pt.Content.Type() != ContentTypeCommit {
		return nil, fmt.Errorf("mls.state: content type %d is not a commit: %w", pt.Content.Type(), ErrProtocolState)
	}

	if pt.Sender.Type != SenderTypeMember {
		return nil, fmt.Errorf("mls.state: commit from non-member: %w", ErrVerification)
	}

	sender := leafIndex(pt.Sender.Sender)
	if sender == s.Index() {
		return nil, fmt.Errorf("mls.state: own commit: %w", ErrProtocolState)
	}

	cred := s.Tree.Credential(sender)
	if cred == nil {
		return nil, fmt.Errorf("mls.state: commit from blank leaf %d: %w", sender, ErrVerification)
	}

	ctx := s.groupContext()
	if !fromCiphertext {
		if err := pt.verifyMembershipTag(suite, ctx, s.Keys.Secrets.Membership); err != nil {
			return nil, err
		}
	}

	if err := pt.verify(ctx, cred); err != nil {
		return nil, err
	}

	commit := pt.Content.Commit
	for _, p := range commit.Proposals {
		if p.Type() == ProposalTypeRemove && p.Remove.Removed == s.Index() {
			return nil, fmt.Errorf("mls.state: removed from the group: %w", ErrKeyAgreement)
		}
	}

	if commit.pathRequired() && commit.Path == nil {
		return nil, fmt.Errorf("mls.state: commit without a required path: %w", ErrVerification)
	}

	tree, added, err := s.Tree.ApplyProposals(commit.Proposals, keyring)
	if err != nil {
		return nil, err
	}

	commitSecret := suite.zero()
	if commit.Path != nil {
		pctx, err := s.provisionalContext(tree)
		if err != nil {
			return nil, err
		}

		tree, commitSecret, err = tree.ApplyUpdatePath(sender, commit.Path, pctx, newLeafSet(added))
		if err != nil {
			return nil, err
		}
	}
	defer zeroize(commitSecret)

	next := &State{
		CipherSuite:  suite,
		GroupID:      s.GroupID,
		Epoch:        s.Epoch + 1,
		Tree:         tree,
		Extensions:   s.Extensions,
		IdentityPriv: s.IdentityPriv,
		Committer:    dup(cred.Identity()),
	}

	next.ConfirmedTranscriptHash, err = confirmedTranscriptHash(suite, s.InterimTranscriptHash, pt)
	if err != nil {
		return nil, err
	}

	secrets, err := generateSecrets(suite, s.Keys.Secrets.Init, commitSecret, next.groupContext())
	if err != nil {
		return nil, err
	}

	if err := verifyConfirmationTag(suite, secrets.Confirmation, next.ConfirmedTranscriptHash, pt.ConfirmationTag); err != nil {
		secrets.Zero()
		return nil, err
	}

	next.InterimTranscriptHash, err = interimTranscriptHash(suite, next.ConfirmedTranscriptHash, pt.ConfirmationTag)
	if err != nil {
		return nil, err
	}

	next.Keys = newKeyScheduleEpoch(suite, tree.Size(), secrets)
	return next, nil
}

///
/// Protect / Unprotect
///

func (s *State) sealPlaintext(pt *MLSPlaintext, padding int) (*MLSCiphertext, error) {
	return s.Keys.encrypt(pt, padding)
}

func (s *State) Protect(data, authenticatedData []byte, padding int) (*MLSCiphertext, error) {
	pt := &MLSPlaintext{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            memberSender(s.Index()),
		AuthenticatedData: authenticatedData,
		Content: MLSPlaintextContent{
			Application: &ApplicationData{data},
		},
	}

	if err := pt.sign(s.groupContext(), s.IdentityPriv, s.CipherSuite.Scheme()); err != nil {
		return nil, err
	}
	return s.sealPlaintext(pt, padding)
}

// open decrypts a ciphertext for this epoch and checks the sender's
// signature
func (s *State) open(ct *MLSCiphertext) (*MLSPlaintext, error) {
	if !bytes.Equal(ct.GroupID, s.GroupID) {
		return nil, fmt.Errorf("mls.state: ciphertext for group %x: %w", ct.GroupID, ErrProtocolState)
	}

	if ct.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: ciphertext for epoch %d, have %d: %w", ct.Epoch, s.Epoch, ErrProtocolState)
	}

	pt, err := s.Keys.decrypt(ct)
	if err != nil {
		return nil, err
	}

	cred := s.Tree.Credential(leafIndex(pt.Sender.Sender))
	if cred == nil {
		return nil, fmt.Errorf("mls.state: ciphertext from blank leaf %d: %w", pt.Sender.Sender, ErrVerification)
	}

	if err := pt.verify(s.groupContext(), cred); err != nil {
		return nil, err
	}
	return pt, nil
}

func (s *State) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	pt, err := s.open(ct)
	if err != nil {
		return nil, err
	}

	if pt.Content.Type() != ContentTypeApplication {
		return nil, fmt.Errorf("mls.state: unprotect of non-application message: %w", ErrProtocolState)
	}
	return pt.Content.Application.Data, nil
}

func (s *State) Export(label string, context []byte, length int) []byte {
	return s.Keys.Export(label, context, length)
}
