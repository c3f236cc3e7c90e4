package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type CredentialType uint8

const (
	CredentialTypeBasic   CredentialType = 0
	CredentialTypeInvalid CredentialType = 255
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

// BasicCredential binds an application-chosen identity to a signature key.
// The identity is what remove proposals and Welcome routing refer to.
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

// Credential is a tagged union on the wire: a CredentialType octet followed
// by the body of that type.  Basic is the only type carried.
type Credential struct {
	Basic *BasicCredential
}

func NewBasicCredential(identity []byte, scheme SignatureScheme, pub SignaturePublicKey) *Credential {
	return &Credential{
		Basic: &BasicCredential{
			Identity:        identity,
			SignatureScheme: scheme,
			PublicKey:       pub,
		},
	}
}

// Equals compares identity, scheme and public key
func (c Credential) Equals(o Credential) bool {
	if c.Basic == nil || o.Basic == nil {
		return c.Basic == o.Basic
	}

	a, b := c.Basic, o.Basic
	return a.SignatureScheme == b.SignatureScheme &&
		bytes.Equal(a.Identity, b.Identity) &&
		a.PublicKey.Equals(b.PublicKey)
}

// Type panics on an empty Credential; every Credential in a tree or
// KeyPackage has passed through a constructor or a decode.
func (c Credential) Type() CredentialType {
	if c.Basic == nil {
		panic("mls.credential: empty credential")
	}
	return CredentialTypeBasic
}

func (c Credential) basic() *BasicCredential {
	c.Type()
	return c.Basic
}

func (c Credential) Identity() []byte {
	return c.basic().Identity
}

func (c Credential) Scheme() SignatureScheme {
	return c.basic().SignatureScheme
}

func (c Credential) PublicKey() *SignaturePublicKey {
	return &c.basic().PublicKey
}

// Verify checks a signature against the key bound into the credential
func (c Credential) Verify(message, signature []byte) error {
	if !c.Scheme().Verify(c.PublicKey(), message, signature) {
		return fmt.Errorf("mls.credential: bad signature from %x: %w", c.Identity(), ErrVerification)
	}
	return nil
}

func (c Credential) MarshalTLS() ([]byte, error) {
	if c.Basic == nil {
		return nil, fmt.Errorf("mls.credential: cannot encode an empty credential")
	}

	return marshalAll(CredentialTypeBasic, c.Basic)
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)

	var ct CredentialType
	if _, err := s.Read(&ct); err != nil {
		return 0, err
	}

	if ct != CredentialTypeBasic {
		return 0, fmt.Errorf("mls.credential: unsupported credential type %d", ct)
	}

	c.Basic = new(BasicCredential)
	if _, err := s.Read(c.Basic); err != nil {
		return 0, err
	}
	return s.Position(), nil
}
