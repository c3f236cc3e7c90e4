package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type Epoch = uint64

///
/// GroupContext
///

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     opaque tree_hash<0..255>;
//     opaque confirmed_transcript_hash<0..255>;
//     Extension extensions<0..2^16-1>;
// } GroupContext;
type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

///
/// Proposal
///

type ProposalType uint8

const (
	ProposalTypeInvalid ProposalType = 0
	ProposalTypeAdd     ProposalType = 1
	ProposalTypeUpdate  ProposalType = 2
	ProposalTypeRemove  ProposalType = 3
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeRemove)
}

type AddProposal struct {
	KeyPackage KeyPackage
}

// An Update replaces the leaf of the member whose credential identity matches
// the one in the KeyPackage
type UpdateProposal struct {
	KeyPackage KeyPackage
}

type RemoveProposal struct {
	Removed leafIndex
}

type Proposal struct {
	Add    *AddProposal
	Update *UpdateProposal
	Remove *RemoveProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	default:
		return ProposalTypeInvalid
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	proposalType := p.Type()
	err := s.Write(proposalType)
	if err != nil {
		return nil, fmt.Errorf("mls.proposal: Marshal failed for proposalType: %v", err)
	}

	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: ProposalType type not allowed")
	}

	if err != nil {
		return nil, fmt.Errorf("mls.proposal: Marshal failed: %v", err)
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	_, err := s.Read(&proposalType)
	if err != nil {
		return 0, fmt.Errorf("mls.proposal: Unmarshal failed for proposalType: %v", err)
	}

	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: ProposalType type not allowed")
	}

	if err != nil {
		return 0, fmt.Errorf("mls.proposal: Unmarshal failed: %v", err)
	}
	return s.Position(), nil
}

///
/// Commit
///

// struct {
//     HPKEPublicKey public_key;
//     HPKECiphertext encrypted_path_secret<0..2^32-1>;
// } UpdatePathNode;
type UpdatePathNode struct {
	PublicKey           HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

// struct {
//     KeyPackage leaf_key_package;
//     UpdatePathNode nodes<0..2^32-1>;
// } UpdatePath;
type UpdatePath struct {
	LeafKeyPackage KeyPackage
	Nodes          []UpdatePathNode `tls:"head=4"`
}

// struct {
//     Proposal proposals<0..2^32-1>;
//     optional<UpdatePath> path;
// } Commit;
type Commit struct {
	Proposals []Proposal  `tls:"head=4"`
	Path      *UpdatePath `tls:"optional"`
}

// Commits are applied in a fixed order regardless of how the committer listed
// the proposals
func (c Commit) split() (removes, updates, adds []Proposal) {
	for _, p := range c.Proposals {
		switch p.Type() {
		case ProposalTypeRemove:
			removes = append(removes, p)
		case ProposalTypeUpdate:
			updates = append(updates, p)
		case ProposalTypeAdd:
			adds = append(adds, p)
		}
	}
	return
}

// A commit must carry a path unless every proposal in it is an Add
func (c Commit) pathRequired() bool {
	if len(c.Proposals) == 0 {
		return true
	}

	for _, p := range c.Proposals {
		if p.Type() != ProposalTypeAdd {
			return true
		}
	}
	return false
}

///
/// MLSPlaintext
///

type SenderType uint8

const (
	SenderTypeInvalid       SenderType = 0
	SenderTypeMember        SenderType = 1
	SenderTypePreconfigured SenderType = 2
	SenderTypeNewMember     SenderType = 3
)

func (st SenderType) ValidForTLS() error {
	return validateEnum(st, SenderTypeMember, SenderTypePreconfigured, SenderTypeNewMember)
}

type Sender struct {
	Type   SenderType
	Sender uint32
}

func memberSender(index leafIndex) Sender {
	return Sender{SenderTypeMember, uint32(index)}
}

type ContentType uint8

const (
	ContentTypeInvalid     ContentType = 0
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

type ApplicationData struct {
	Data []byte `tls:"head=4"`
}

type MLSPlaintextContent struct {
	Application *ApplicationData
	Proposal    *Proposal
	Commit      *Commit
}

func (c MLSPlaintextContent) Type() ContentType {
	switch {
	case c.Application != nil:
		return ContentTypeApplication
	case c.Proposal != nil:
		return ContentTypeProposal
	case c.Commit != nil:
		return ContentTypeCommit
	default:
		return ContentTypeInvalid
	}
}

func (c MLSPlaintextContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	contentType := c.Type()
	err := s.Write(contentType)
	if err != nil {
		return nil, err
	}

	switch contentType {
	case ContentTypeApplication:
		err = s.Write(c.Application)
	case ContentTypeProposal:
		err = s.Write(c.Proposal)
	case ContentTypeCommit:
		err = s.Write(c.Commit)
	default:
		return nil, fmt.Errorf("mls.mlspt: ContentType type not allowed")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *MLSPlaintextContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var contentType ContentType
	_, err := s.Read(&contentType)
	if err != nil {
		return 0, err
	}

	switch contentType {
	case ContentTypeApplication:
		c.Application = new(ApplicationData)
		_, err = s.Read(c.Application)
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(Commit)
		_, err = s.Read(c.Commit)
	default:
		return 0, fmt.Errorf("mls.mlspt: ContentType type not allowed")
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

type MAC struct {
	Data []byte `tls:"head=1"`
}

type MLSPlaintext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
	Signature         Signature
	ConfirmationTag   *MAC `tls:"optional"`
	MembershipTag     *MAC `tls:"optional"`
}

///
/// MLSCiphertext
///

type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

type MLSSenderData struct {
	Sender     leafIndex
	Generation uint32
	ReuseGuard [4]byte
}

///
/// MLSMessage
///

type WireFormat uint8

const (
	WireFormatPlaintext  WireFormat = 1
	WireFormatCiphertext WireFormat = 2
)

func (wf WireFormat) ValidForTLS() error {
	return validateEnum(wf, WireFormatPlaintext, WireFormatCiphertext)
}

// MLSMessage is the unit handed to and received from the transport.  The
// accessors return zero values for a message with neither arm set.
type MLSMessage struct {
	Plaintext  *MLSPlaintext
	Ciphertext *MLSCiphertext
}

func (m *MLSMessage) empty() bool {
	return m == nil || (m.Plaintext == nil && m.Ciphertext == nil)
}

func (m MLSMessage) WireFormat() WireFormat {
	if m.Ciphertext != nil {
		return WireFormatCiphertext
	}
	return WireFormatPlaintext
}

func (m MLSMessage) Epoch() Epoch {
	switch {
	case m.Ciphertext != nil:
		return m.Ciphertext.Epoch
	case m.Plaintext != nil:
		return m.Plaintext.Epoch
	}
	return 0
}

func (m MLSMessage) GroupID() []byte {
	switch {
	case m.Ciphertext != nil:
		return m.Ciphertext.GroupID
	case m.Plaintext != nil:
		return m.Plaintext.GroupID
	}
	return nil
}

func (m MLSMessage) AuthenticatedData() []byte {
	switch {
	case m.Ciphertext != nil:
		return m.Ciphertext.AuthenticatedData
	case m.Plaintext != nil:
		return m.Plaintext.AuthenticatedData
	}
	return nil
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(m.WireFormat())
	if err != nil {
		return nil, err
	}

	switch {
	case m.Ciphertext != nil:
		err = s.Write(m.Ciphertext)
	case m.Plaintext != nil:
		err = s.Write(m.Plaintext)
	default:
		err = fmt.Errorf("mls.message: empty message")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var wf WireFormat
	_, err := s.Read(&wf)
	if err != nil {
		return 0, err
	}

	switch wf {
	case WireFormatPlaintext:
		m.Plaintext = new(MLSPlaintext)
		_, err = s.Read(m.Plaintext)
	case WireFormatCiphertext:
		m.Ciphertext = new(MLSCiphertext)
		_, err = s.Read(m.Ciphertext)
	default:
		err = fmt.Errorf("mls.message: unknown wire format %d", wf)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

func EncodeMessage(m MLSMessage) ([]byte, error) {
	return marshal(m)
}

func DecodeMessage(data []byte) (*MLSMessage, error) {
	m := new(MLSMessage)
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
