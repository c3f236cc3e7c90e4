package mls

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"
)

///
/// Signatures
///

// struct {
//     GroupContext context; // only for member senders
//     opaque group_id<0..255>;
//     uint64 epoch;
//     Sender sender;
//     opaque authenticated_data<0..2^32-1>;
//     MLSPlaintextContent content;
// } MLSPlaintextTBS;
type mlsPlaintextTBS struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
}

func (pt MLSPlaintext) toBeSigned(ctx GroupContext) ([]byte, error) {
	tbs := mlsPlaintextTBS{
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
	}

	if pt.Sender.Type == SenderTypeMember {
		return marshalAll(ctx, tbs)
	}
	return marshal(tbs)
}

func (pt *MLSPlaintext) sign(ctx GroupContext, priv SignaturePrivateKey, scheme SignatureScheme) error {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return fmt.Errorf("mls.mlspt: signing: %v", err)
	}

	pt.Signature = Signature{sig}
	return nil
}

func (pt MLSPlaintext) verify(ctx GroupContext, cred *Credential) error {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return err
	}

	if err := cred.Verify(tbs, pt.Signature.Data); err != nil {
		return fmt.Errorf("mls.mlspt: %w", err)
	}
	return nil
}

///
/// Tags
///

type mlsPlaintextTBMTail struct {
	Signature       Signature
	ConfirmationTag *MAC `tls:"optional"`
}

// The membership tag covers the signed content, the signature and the
// confirmation tag
func (pt MLSPlaintext) membershipTagInput(ctx GroupContext) ([]byte, error) {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return nil, err
	}

	tail, err := marshal(mlsPlaintextTBMTail{pt.Signature, pt.ConfirmationTag})
	if err != nil {
		return nil, err
	}

	return append(tbs, tail...), nil
}

func (pt *MLSPlaintext) setMembershipTag(suite CipherSuite, ctx GroupContext, membershipKey []byte) error {
	tbm, err := pt.membershipTagInput(ctx)
	if err != nil {
		return err
	}

	pt.MembershipTag = &MAC{suite.mac(membershipKey, tbm)}
	return nil
}

func (pt MLSPlaintext) verifyMembershipTag(suite CipherSuite, ctx GroupContext, membershipKey []byte) error {
	if pt.MembershipTag == nil {
		return fmt.Errorf("mls.mlspt: missing membership tag: %w", ErrVerification)
	}

	tbm, err := pt.membershipTagInput(ctx)
	if err != nil {
		return err
	}

	if !hmac.Equal(suite.mac(membershipKey, tbm), pt.MembershipTag.Data) {
		return fmt.Errorf("mls.mlspt: membership tag mismatch: %w", ErrVerification)
	}
	return nil
}

func confirmationTag(suite CipherSuite, confirmationKey, confirmedTranscriptHash []byte) *MAC {
	return &MAC{suite.mac(confirmationKey, confirmedTranscriptHash)}
}

func verifyConfirmationTag(suite CipherSuite, confirmationKey, confirmedTranscriptHash []byte, tag *MAC) error {
	if tag == nil {
		return fmt.Errorf("mls.mlspt: missing confirmation tag: %w", ErrVerification)
	}

	if !hmac.Equal(suite.mac(confirmationKey, confirmedTranscriptHash), tag.Data) {
		return fmt.Errorf("mls.mlspt: confirmation tag mismatch: %w", ErrVerification)
	}
	return nil
}

///
/// Transcript hashes
///

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     Sender sender;
//     opaque authenticated_data<0..2^32-1>;
//     ContentType content_type = commit;
//     Commit commit;
//     opaque signature<0..2^16-1>;
// } MLSPlaintextCommitContent;
type mlsPlaintextCommitContent struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
	Signature         Signature
}

type mlsPlaintextCommitAuthData struct {
	ConfirmationTag *MAC `tls:"optional"`
}

func (pt MLSPlaintext) commitContent() ([]byte, error) {
	return marshal(mlsPlaintextCommitContent{
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
		Signature:         pt.Signature,
	})
}

func confirmedTranscriptHash(suite CipherSuite, interim []byte, pt *MLSPlaintext) ([]byte, error) {
	content, err := pt.commitContent()
	if err != nil {
		return nil, err
	}

	digest := suite.newDigest()
	digest.Write(interim)
	digest.Write(content)
	return digest.Sum(nil), nil
}

// Joiners compute the interim hash from the GroupInfo's confirmation tag, so
// this takes the tag rather than the message
func interimTranscriptHash(suite CipherSuite, confirmed []byte, tag *MAC) ([]byte, error) {
	authData, err := marshal(mlsPlaintextCommitAuthData{tag})
	if err != nil {
		return nil, err
	}

	digest := suite.newDigest()
	digest.Write(confirmed)
	digest.Write(authData)
	return digest.Sum(nil), nil
}

///
/// Ciphertext protection
///

type mlsCiphertextContent struct {
	Content         MLSPlaintextContent
	Signature       Signature
	ConfirmationTag *MAC   `tls:"optional"`
	Padding         []byte `tls:"head=2"`
}

func (c mlsCiphertextContent) validate() error {
	for _, b := range c.Padding {
		if b != 0 {
			return fmt.Errorf("non-zero padding")
		}
	}
	return nil
}

type mlsCiphertextContentAAD struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	ContentType       ContentType
	AuthenticatedData []byte `tls:"head=4"`
}

type mlsSenderDataAAD struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       Epoch
	ContentType ContentType
}

func applyGuard(nonceIn []byte, reuseGuard [4]byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range reuseGuard {
		nonceOut[i] ^= reuseGuard[i]
	}
	return nonceOut
}

// Number of zero bytes that bring n up to a multiple of blockSize
func paddingFor(n, blockSize int) int {
	if blockSize <= 1 {
		return 0
	}
	return (blockSize - n%blockSize) % blockSize
}

// encrypt seals a signed plaintext from this member under the next key in
// the sender's ratchet for the content type
func (kse *keyScheduleEpoch) encrypt(pt *MLSPlaintext, blockSize int) (*MLSCiphertext, error) {
	if pt.Sender.Type != SenderTypeMember {
		return nil, fmt.Errorf("mls.mlsct: only members encrypt: %w", ErrProtocolState)
	}

	contentType := pt.Content.Type()
	sender := leafIndex(pt.Sender.Sender)
	generation, keys, err := kse.Keys.Next(ratchetTypeFor(contentType), sender)
	if err != nil {
		return nil, err
	}
	defer keys.zero()

	var reuseGuard [4]byte
	if _, err := rand.Read(reuseGuard[:]); err != nil {
		return nil, err
	}

	content := mlsCiphertextContent{
		Content:         pt.Content,
		Signature:       pt.Signature,
		ConfirmationTag: pt.ConfirmationTag,
		Padding:         []byte{},
	}

	if blockSize > 1 {
		unpadded, err := marshal(content)
		if err != nil {
			return nil, err
		}
		content.Padding = make([]byte, paddingFor(len(unpadded), blockSize))
	}

	plaintext, err := marshal(content)
	if err != nil {
		return nil, err
	}

	aad, err := marshal(mlsCiphertextContentAAD{pt.GroupID, pt.Epoch, contentType, pt.AuthenticatedData})
	if err != nil {
		return nil, err
	}

	aead, err := kse.Suite.NewAEAD(keys.Key)
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, applyGuard(keys.Nonce, reuseGuard), plaintext, aad)

	senderData, err := marshal(MLSSenderData{sender, generation, reuseGuard})
	if err != nil {
		return nil, err
	}

	sdAAD, err := marshal(mlsSenderDataAAD{pt.GroupID, pt.Epoch, contentType})
	if err != nil {
		return nil, err
	}

	sdKeys := kse.senderDataKeyAndNonce(ciphertext)
	defer sdKeys.zero()

	sdAEAD, err := kse.Suite.NewAEAD(sdKeys.Key)
	if err != nil {
		return nil, err
	}

	return &MLSCiphertext{
		GroupID:             dup(pt.GroupID),
		Epoch:               pt.Epoch,
		ContentType:         contentType,
		AuthenticatedData:   dup(pt.AuthenticatedData),
		EncryptedSenderData: sdAEAD.Seal(nil, sdKeys.Nonce, senderData, sdAAD),
		Ciphertext:          ciphertext,
	}, nil
}

// decrypt opens a ciphertext and returns the plaintext it carried.  The
// signature is not checked here; the caller has the group context.
func (kse *keyScheduleEpoch) decrypt(ct *MLSCiphertext) (*MLSPlaintext, error) {
	sdAAD, err := marshal(mlsSenderDataAAD{ct.GroupID, ct.Epoch, ct.ContentType})
	if err != nil {
		return nil, err
	}

	sdKeys := kse.senderDataKeyAndNonce(ct.Ciphertext)
	defer sdKeys.zero()

	sdAEAD, err := kse.Suite.NewAEAD(sdKeys.Key)
	if err != nil {
		return nil, err
	}

	sdData, err := sdAEAD.Open(nil, sdKeys.Nonce, ct.EncryptedSenderData, sdAAD)
	if err != nil {
		return nil, fmt.Errorf("mls.mlsct: sender data does not open: %w", ErrVerification)
	}

	var sd MLSSenderData
	if err := unmarshal(sdData, &sd); err != nil {
		return nil, err
	}

	rt := ratchetTypeFor(ct.ContentType)
	keys, err := kse.Keys.Peek(rt, sd.Sender, sd.Generation)
	if err != nil {
		return nil, err
	}
	defer keys.zero()

	aad, err := marshal(mlsCiphertextContentAAD{ct.GroupID, ct.Epoch, ct.ContentType, ct.AuthenticatedData})
	if err != nil {
		return nil, err
	}

	aead, err := kse.Suite.NewAEAD(keys.Key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, applyGuard(keys.Nonce, sd.ReuseGuard), ct.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.mlsct: content does not open: %w", ErrVerification)
	}
	kse.Keys.Erase(rt, sd.Sender, sd.Generation)

	var content mlsCiphertextContent
	if err := unmarshal(plaintext, &content); err != nil {
		return nil, err
	}

	if content.Content.Type() != ct.ContentType {
		return nil, fmt.Errorf("mls.mlsct: content type %d under header type %d: %w",
			content.Content.Type(), ct.ContentType, ErrDecode)
	}

	return &MLSPlaintext{
		GroupID:           dup(ct.GroupID),
		Epoch:             ct.Epoch,
		Sender:            memberSender(sd.Sender),
		AuthenticatedData: dup(ct.AuthenticatedData),
		Content:           content.Content,
		Signature:         content.Signature,
		ConfirmationTag:   content.ConfirmationTag,
	}, nil
}
