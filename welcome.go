package mls

import (
	"bytes"
	"fmt"
)

type PathSecret struct {
	Data []byte `tls:"head=1"`
}

// struct {
//   opaque joiner_secret<1..255>;
//   optional<PathSecret> path_secret;
// } GroupSecrets;
type GroupSecrets struct {
	JoinerSecret []byte      `tls:"head=1"`
	PathSecret   *PathSecret `tls:"optional"`
}

// struct {
//   opaque key_package_hash<1..255>;
//   HPKECiphertext encrypted_group_secrets;
// } EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	KeyPackageHash        []byte `tls:"head=1"`
	EncryptedGroupSecrets HPKECiphertext
}

///
/// GroupInfo
///

// struct {
//   opaque group_id<0..255>;
//   uint64 epoch;
//   opaque tree_hash<0..255>;
//   opaque confirmed_transcript_hash<0..255>;
//   Extension extensions<0..2^32-1>;
//   MAC confirmation_tag;
//   uint32 signer_index;
//   opaque signature<0..2^16-1>;
// } GroupInfo;
type GroupInfo struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
	ConfirmationTag         MAC
	SignerIndex             leafIndex
	Signature               Signature
}

type groupInfoTBS struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
	ConfirmationTag         MAC
	SignerIndex             leafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return marshal(groupInfoTBS{
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		TreeHash:                gi.TreeHash,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		Extensions:              gi.Extensions,
		ConfirmationTag:         gi.ConfirmationTag,
		SignerIndex:             gi.SignerIndex,
	})
}

func (gi *GroupInfo) sign(priv SignaturePrivateKey, scheme SignatureScheme) error {
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return fmt.Errorf("mls.groupinfo: signing: %v", err)
	}

	gi.Signature = Signature{sig}
	return nil
}

func (gi GroupInfo) verify(cred *Credential) error {
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	if err := cred.Verify(tbs, gi.Signature.Data); err != nil {
		return fmt.Errorf("mls.groupinfo: %w", err)
	}
	return nil
}

///
/// Welcome
///

// struct {
//   ProtocolVersion version = mls10;
//   CipherSuite cipher_suite;
//   EncryptedGroupSecrets secrets<0..2^32-1>;
//   opaque encrypted_group_info<1..2^32-1>;
// } Welcome;
type Welcome struct {
	Version            ProtocolVersion
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`

	joinerSecret []byte `tls:"omit"`
}

// newWelcome seals the GroupInfo under a key derived from the joiner
// secret.  Recipients are added with EncryptTo.
func newWelcome(suite CipherSuite, joinerSecret []byte, gi *GroupInfo) (*Welcome, error) {
	_, welcomeSecret := memberAndWelcomeSecrets(suite, joinerSecret)
	defer zeroize(welcomeSecret)

	kn := welcomeKeyAndNonce(suite, welcomeSecret)
	defer kn.zero()

	pt, err := marshal(gi)
	if err != nil {
		return nil, err
	}

	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		Version:            ProtocolVersionMLS10,
		CipherSuite:        suite,
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: aead.Seal(nil, kn.Nonce, pt, []byte{}),
		joinerSecret:       dup(joinerSecret),
	}, nil
}

// EncryptTo adds an entry for the holder of kp.  pathSecret may be nil when
// the commit carried no path.
func (w *Welcome) EncryptTo(kp KeyPackage, pathSecret []byte) error {
	if w.joinerSecret == nil {
		return fmt.Errorf("mls.welcome: joiner secret not available: %w", ErrProtocolState)
	}

	gs := GroupSecrets{JoinerSecret: w.joinerSecret}
	if pathSecret != nil {
		gs.PathSecret = &PathSecret{pathSecret}
	}

	pt, err := marshal(gs)
	if err != nil {
		return err
	}
	defer zeroize(pt)

	ct, err := w.CipherSuite.hpke().Encrypt(kp.InitKey, []byte{}, pt)
	if err != nil {
		return fmt.Errorf("mls.welcome: encrypting group secrets: %v", err)
	}

	kpHash, err := kp.Hash()
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		KeyPackageHash:        kpHash,
		EncryptedGroupSecrets: ct,
	})
	return nil
}

// seal forgets the joiner secret once every recipient has been added
func (w *Welcome) seal() {
	zeroize(w.joinerSecret)
	w.joinerSecret = nil
}

func (w Welcome) find(kp KeyPackage) (int, bool) {
	if kp.CipherSuite != w.CipherSuite {
		return 0, false
	}

	kpHash, err := kp.Hash()
	if err != nil {
		return 0, false
	}

	for i, egs := range w.Secrets {
		if bytes.Equal(egs.KeyPackageHash, kpHash) {
			return i, true
		}
	}
	return 0, false
}

func (w Welcome) decryptSecrets(kp KeyPackage, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	i, ok := w.find(kp)
	if !ok {
		return nil, fmt.Errorf("mls.welcome: no entry for this KeyPackage: %w", ErrKeyAgreement)
	}

	pt, err := w.CipherSuite.hpke().Decrypt(initPriv, []byte{}, w.Secrets[i].EncryptedGroupSecrets)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group secrets do not open: %w", ErrKeyAgreement)
	}
	defer zeroize(pt)

	gs := new(GroupSecrets)
	if err := unmarshal(pt, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

func (w Welcome) decryptGroupInfo(joinerSecret []byte) (*GroupInfo, error) {
	_, welcomeSecret := memberAndWelcomeSecrets(w.CipherSuite, joinerSecret)
	defer zeroize(welcomeSecret)

	kn := welcomeKeyAndNonce(w.CipherSuite, welcomeSecret)
	defer kn.zero()

	aead, err := w.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group info does not open: %w", ErrVerification)
	}

	gi := new(GroupInfo)
	if err := unmarshal(pt, gi); err != nil {
		return nil, err
	}
	return gi, nil
}

func (w Welcome) validate() error {
	if w.Version != ProtocolVersionMLS10 {
		return fmt.Errorf("unsupported version %d", w.Version)
	}

	if !w.CipherSuite.supported() {
		return fmt.Errorf("unsupported ciphersuite %v", w.CipherSuite)
	}
	return nil
}

func EncodeWelcome(w *Welcome) ([]byte, error) {
	return marshal(w)
}

func DecodeWelcome(data []byte) (*Welcome, error) {
	w := new(Welcome)
	if err := unmarshal(data, w); err != nil {
		return nil, err
	}
	return w, nil
}
