package mls

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyPackageSignVerify(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			keys, err := NewClientKeys(suite, []byte("alice"))
			require.Nil(t, err)

			kp := keys.KeyPackage
			require.Nil(t, kp.Verify())
			require.True(t, kp.Extensions.Has(ExtensionTypeSupportedVersions))
			require.True(t, kp.Extensions.Has(ExtensionTypeSupportedCipherSuites))
			require.True(t, kp.Extensions.Has(ExtensionTypeLifetime))

			// Any change to the signed content breaks the signature
			tampered := kp.Clone()
			tampered.InitKey.Data[0] ^= 0xff
			require.True(t, errors.Is(tampered.Verify(), ErrVerification))

			// Round trip through the wire encoding
			enc, err := marshal(kp)
			require.Nil(t, err)

			var decoded KeyPackage
			require.Nil(t, unmarshal(enc, &decoded))
			require.True(t, kp.Equals(decoded))
			require.Nil(t, decoded.Verify())

			// Trailing data is an error
			require.True(t, errors.Is(unmarshal(append(enc, 0x00), &decoded), ErrDecode))
		})
	}
}

func TestKeyPackageHash(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	alice, err := NewClientKeys(suite, []byte("alice"))
	require.Nil(t, err)
	bob, err := NewClientKeys(suite, []byte("bob"))
	require.Nil(t, err)

	h1, err := alice.KeyPackage.Hash()
	require.Nil(t, err)
	h2, err := alice.KeyPackage.Clone().Hash()
	require.Nil(t, err)
	h3, err := bob.KeyPackage.Hash()
	require.Nil(t, err)

	require.Len(t, h1, suite.Constants().SecretSize)
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
}

func TestKeyPackageLifetime(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	keys, err := NewClientKeys(suite, []byte("alice"))
	require.Nil(t, err)

	kp := keys.KeyPackage.Clone()
	expired := LifetimeExtension{
		NotBefore: uint64(time.Now().Add(-2 * time.Hour).Unix()),
		NotAfter:  uint64(time.Now().Add(-time.Hour).Unix()),
	}
	require.Nil(t, kp.Extensions.Add(expired))
	require.Nil(t, kp.Sign(keys.SignaturePrivateKey))
	require.True(t, errors.Is(kp.Verify(), ErrVerification))

	// No lifetime at all is accepted
	noLifetime, err := NewKeyPackageWithInitKey(suite, keys.InitPrivateKey.PublicKey, &keys.Credential, keys.SignaturePrivateKey, 0)
	require.Nil(t, err)
	require.False(t, noLifetime.Extensions.Has(ExtensionTypeLifetime))
	require.Nil(t, noLifetime.Verify())
}

func TestKeyPackageWrongKey(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	keys, err := NewClientKeys(suite, []byte("alice"))
	require.Nil(t, err)

	other, err := suite.Scheme().Generate()
	require.Nil(t, err)

	_, err = NewKeyPackageWithInitKey(suite, keys.InitPrivateKey.PublicKey, &keys.Credential, other, time.Hour)
	require.Error(t, err)

	// A credential whose scheme does not match the suite is refused
	p256, err := ECDSA_SECP256R1_SHA256.Generate()
	require.Nil(t, err)

	cred := NewBasicCredential([]byte("alice"), ECDSA_SECP256R1_SHA256, p256.PublicKey)
	kp, err := NewKeyPackageWithInitKey(suite, keys.InitPrivateKey.PublicKey, cred, p256, time.Hour)
	require.Nil(t, err)
	require.True(t, errors.Is(kp.Verify(), ErrVerification))
}

func TestNewClientKeysUnsupported(t *testing.T) {
	_, err := NewClientKeys(CipherSuite(0x00ff), []byte("alice"))
	require.Error(t, err)
}
