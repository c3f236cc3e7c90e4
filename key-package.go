package mls

import (
	"fmt"
	"time"
)

const (
	defaultKeyPackageLifetime = 30 * 24 * time.Hour
	lifetimeSkew              = time.Hour
)

type Signature struct {
	Data []byte `tls:"head=2"`
}

// struct {
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     HPKEPublicKey init_key;
//     Credential credential;
//     Extension extensions<8..2^32-1>;
//     opaque signature<0..2^16-1>;
// } KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
	Signature   Signature
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		Credential:  kp.Credential,
		Extensions:  kp.Extensions,
	})
}

func (kp *KeyPackage) Sign(priv SignaturePrivateKey) error {
	if !kp.Credential.PublicKey().Equals(priv.PublicKey) {
		return fmt.Errorf("mls.keypackage: signing key does not match credential")
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := kp.Credential.Scheme().Sign(&priv, tbs)
	if err != nil {
		return err
	}

	kp.Signature = Signature{sig}
	return nil
}

// Verify checks the signature and, when a lifetime is attached, that the
// package is currently valid.
func (kp KeyPackage) Verify() error {
	if kp.Credential.Scheme() != kp.CipherSuite.Scheme() {
		return fmt.Errorf("mls.keypackage: signature scheme %v does not match suite %v: %w",
			kp.Credential.Scheme(), kp.CipherSuite, ErrVerification)
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	if err := kp.Credential.Verify(tbs, kp.Signature.Data); err != nil {
		return fmt.Errorf("mls.keypackage: %w", err)
	}

	var lt LifetimeExtension
	found, err := kp.Extensions.Find(&lt)
	if err != nil {
		return err
	}

	if found && !lt.valid(time.Now()) {
		return fmt.Errorf("mls.keypackage: outside lifetime [%d, %d]: %w", lt.NotBefore, lt.NotAfter, ErrVerification)
	}

	return nil
}

// Hash is the reference by which a Welcome addresses a KeyPackage
func (kp KeyPackage) Hash() ([]byte, error) {
	enc, err := marshal(kp)
	if err != nil {
		return nil, err
	}
	return kp.CipherSuite.Digest(enc), nil
}

func (kp KeyPackage) Equals(o KeyPackage) bool {
	a, errA := marshal(kp)
	b, errB := marshal(o)
	return errA == nil && errB == nil && string(a) == string(b)
}

func (kp KeyPackage) Clone() KeyPackage {
	enc, err := marshal(kp)
	if err != nil {
		panic(fmt.Sprintf("KeyPackage does not encode: %v", err))
	}

	var out KeyPackage
	if err := unmarshal(enc, &out); err != nil {
		panic(fmt.Sprintf("KeyPackage does not decode: %v", err))
	}
	return out
}

func (kp KeyPackage) validate() error {
	if kp.Credential.Basic == nil {
		return fmt.Errorf("missing credential")
	}
	return kp.CipherSuite.ValidForTLS()
}

func NewKeyPackageWithInitKey(suite CipherSuite, initKey HPKEPublicKey, cred *Credential, sigPriv SignaturePrivateKey, lifetime time.Duration) (*KeyPackage, error) {
	kp := &KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		InitKey:     initKey,
		Credential:  *cred,
		Extensions:  NewExtensionList(),
	}

	exts := []ExtensionBody{
		SupportedVersionsExtension{[]ProtocolVersion{ProtocolVersionMLS10}},
		SupportedCipherSuitesExtension{[]CipherSuite{suite}},
	}
	if lifetime > 0 {
		exts = append(exts, newLifetimeExtension(time.Now(), lifetime))
	}

	for _, ext := range exts {
		if err := kp.Extensions.Add(ext); err != nil {
			return nil, err
		}
	}

	if err := kp.Sign(sigPriv); err != nil {
		return nil, err
	}

	return kp, nil
}

// ClientKeys is the key material a member brings to a group: a long-term
// signing key bound into a credential, and a KeyPackage whose init key is
// held here.
type ClientKeys struct {
	CipherSuite         CipherSuite
	SignaturePrivateKey SignaturePrivateKey
	InitPrivateKey      HPKEPrivateKey
	Credential          Credential
	KeyPackage          KeyPackage
}

func NewClientKeys(suite CipherSuite, identity []byte) (*ClientKeys, error) {
	if !suite.supported() {
		return nil, fmt.Errorf("mls.keypackage: unsupported ciphersuite %v", suite)
	}

	sigPriv, err := suite.Scheme().Generate()
	if err != nil {
		return nil, err
	}

	initPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, err
	}

	cred := NewBasicCredential(identity, suite.Scheme(), sigPriv.PublicKey)
	kp, err := NewKeyPackageWithInitKey(suite, initPriv.PublicKey, cred, sigPriv, defaultKeyPackageLifetime)
	if err != nil {
		return nil, err
	}

	return &ClientKeys{
		CipherSuite:         suite,
		SignaturePrivateKey: sigPriv,
		InitPrivateKey:      initPriv,
		Credential:          *cred,
		KeyPackage:          *kp,
	}, nil
}
