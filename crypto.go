package mls

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/cisco/go-hpke"
	"github.com/cisco/go-tls-syntax"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	X448_AES256GCM_SHA512_Ed448            CipherSuite = 0x0004
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
	X448_CHACHA20POLY1305_SHA512_Ed448     CipherSuite = 0x0006
)

type aeadID uint8

const (
	aeadAES128GCM aeadID = iota
	aeadAES256GCM
	aeadChaCha20Poly1305
)

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HashID     crypto.Hash
	AEAD       aeadID
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
	Signature  SignatureScheme
}

var cipherSuiteTable = map[CipherSuite]cipherConstants{
	X25519_AES128GCM_SHA256_Ed25519: {
		KeySize: 16, NonceSize: 12, SecretSize: 32,
		HashID: crypto.SHA256, AEAD: aeadAES128GCM,
		HPKEKEM: hpke.DHKEM_X25519, HPKEKDF: hpke.KDF_HKDF_SHA256, HPKEAEAD: hpke.AEAD_AESGCM128,
		Signature: Ed25519,
	},
	P256_AES128GCM_SHA256_P256: {
		KeySize: 16, NonceSize: 12, SecretSize: 32,
		HashID: crypto.SHA256, AEAD: aeadAES128GCM,
		HPKEKEM: hpke.DHKEM_P256, HPKEKDF: hpke.KDF_HKDF_SHA256, HPKEAEAD: hpke.AEAD_AESGCM128,
		Signature: ECDSA_SECP256R1_SHA256,
	},
	X25519_CHACHA20POLY1305_SHA256_Ed25519: {
		KeySize: 32, NonceSize: 12, SecretSize: 32,
		HashID: crypto.SHA256, AEAD: aeadChaCha20Poly1305,
		HPKEKEM: hpke.DHKEM_X25519, HPKEKDF: hpke.KDF_HKDF_SHA256, HPKEAEAD: hpke.AEAD_CHACHA20POLY1305,
		Signature: Ed25519,
	},
	X448_AES256GCM_SHA512_Ed448: {
		KeySize: 32, NonceSize: 12, SecretSize: 64,
		HashID: crypto.SHA512, AEAD: aeadAES256GCM,
		HPKEKEM: hpke.DHKEM_X448, HPKEKDF: hpke.KDF_HKDF_SHA512, HPKEAEAD: hpke.AEAD_AESGCM256,
		Signature: Ed448,
	},
	P521_AES256GCM_SHA512_P521: {
		KeySize: 32, NonceSize: 12, SecretSize: 64,
		HashID: crypto.SHA512, AEAD: aeadAES256GCM,
		HPKEKEM: hpke.DHKEM_P521, HPKEKDF: hpke.KDF_HKDF_SHA512, HPKEAEAD: hpke.AEAD_AESGCM256,
		Signature: ECDSA_SECP521R1_SHA512,
	},
	X448_CHACHA20POLY1305_SHA512_Ed448: {
		KeySize: 32, NonceSize: 12, SecretSize: 64,
		HashID: crypto.SHA512, AEAD: aeadChaCha20Poly1305,
		HPKEKEM: hpke.DHKEM_X448, HPKEKDF: hpke.KDF_HKDF_SHA512, HPKEAEAD: hpke.AEAD_CHACHA20POLY1305,
		Signature: Ed448,
	},
}

var cipherSuiteNames = map[CipherSuite]string{
	X25519_AES128GCM_SHA256_Ed25519:        "X25519_AES128GCM_SHA256_Ed25519",
	P256_AES128GCM_SHA256_P256:             "P256_AES128GCM_SHA256_P256",
	X25519_CHACHA20POLY1305_SHA256_Ed25519: "X25519_CHACHA20POLY1305_SHA256_Ed25519",
	X448_AES256GCM_SHA512_Ed448:            "X448_AES256GCM_SHA512_Ed448",
	P521_AES256GCM_SHA512_P521:             "P521_AES256GCM_SHA512_P521",
	X448_CHACHA20POLY1305_SHA512_Ed448:     "X448_CHACHA20POLY1305_SHA512_Ed448",
}

// cipherSuiteByID resolves a wire code to a supported suite
func cipherSuiteByID(id uint16) (CipherSuite, error) {
	cs := CipherSuite(id)
	if !cs.supported() {
		return 0, fmt.Errorf("mls.crypto: unsupported ciphersuite 0x%04x: %w", id, ErrDecode)
	}
	return cs, nil
}

// CipherSuiteByName looks a suite up by its registered name
func CipherSuiteByName(name string) (CipherSuite, error) {
	for cs, n := range cipherSuiteNames {
		if n == name {
			return cs, nil
		}
	}
	return 0, fmt.Errorf("mls.crypto: unknown ciphersuite %q", name)
}

func (cs CipherSuite) supported() bool {
	_, ok := cipherSuiteTable[cs]
	return ok
}

func (cs CipherSuite) ValidForTLS() error {
	if !cs.supported() {
		return fmt.Errorf("mls.crypto: unsupported ciphersuite 0x%04x", uint16(cs))
	}
	return nil
}

func (cs CipherSuite) String() string {
	if name, ok := cipherSuiteNames[cs]; ok {
		return name
	}
	return "UnknownCipherSuite"
}

func (cs CipherSuite) Constants() cipherConstants {
	c, ok := cipherSuiteTable[cs]
	if !ok {
		panic("Unsupported ciphersuite")
	}
	return c
}

func (cs CipherSuite) Scheme() SignatureScheme {
	return cs.Constants().Signature
}

func (cs CipherSuite) newDigest() hash.Hash {
	switch cs.Constants().HashID {
	case crypto.SHA256:
		return sha256.New()
	case crypto.SHA512:
		return sha512.New()
	}

	panic("Unsupported hash")
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) NewHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newDigest, key)
}

func (cs CipherSuite) mac(key, data []byte) []byte {
	h := cs.NewHMAC(key)
	h.Write(data)
	return h.Sum(nil)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch cs.Constants().AEAD {
	case aeadAES128GCM, aeadAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)

	case aeadChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}

	panic("Unsupported AEAD")
}

func (cs CipherSuite) zero() []byte {
	return bytes.Repeat([]byte{0x00}, cs.Constants().SecretSize)
}

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newDigest, ikm, salt)
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(cs.newDigest, secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("HKDF expand failed: %v", err))
	}
	return out
}

// struct {
//     uint16 length = Length;
//     opaque label<7..255> = "mls10 " + Label;
//     opaque context<0..2^32-1> = Context;
// } HKDFLabel;
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) expandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("mls10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("Error marshaling HKDF label: %v", err))
	}
	return cs.hkdfExpand(secret, labelData, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string) []byte {
	return cs.expandWithLabel(secret, label, []byte{}, cs.Constants().SecretSize)
}

///
/// HPKE
///

// opaque HPKEPublicKey<1..2^16-1>;
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// struct {
//     opaque kem_output<0..2^16-1>;
//     opaque ciphertext<0..2^32-1>;
// } HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite CipherSuite
	Suite     hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	c := cs.Constants()
	suite, err := hpke.AssembleCipherSuite(c.HPKEKEM, c.HPKEKDF, c.HPKEAEAD)
	if err != nil {
		panic(fmt.Sprintf("Unable to construct HPKE suite: %v", err))
	}

	return hpkeInstance{cs, suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	priv, pub, err := h.Suite.KEM.GenerateKeyPair(rand.Reader)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.Suite.KEM.MarshalPrivate(priv),
		PublicKey: HPKEPublicKey{h.Suite.KEM.Marshal(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	priv, pub, err := h.Suite.KEM.DeriveKeyPair(seed)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.Suite.KEM.MarshalPrivate(priv),
		PublicKey: HPKEPublicKey{h.Suite.KEM.Marshal(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.Suite.KEM.Unmarshal(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.Suite, rand.Reader, pkR, []byte{})
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.Suite.KEM.UnmarshalPrivate(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.Suite, skR, ct.KEMOutput, []byte{})
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

///
/// Signing
///

type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
	Ed448                  SignatureScheme = 0x0808
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512, Ed25519, Ed448)
}

func (ss SignatureScheme) String() string {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case ECDSA_SECP521R1_SHA512:
		return "ECDSA_SECP521R1_SHA512"
	case Ed25519:
		return "Ed25519"
	case Ed448:
		return "Ed448"
	}
	return "UnknownSignatureScheme"
}

// opaque SignaturePublicKey<1..2^16-1>;
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

func (ss SignatureScheme) curve() elliptic.Curve {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	}
	panic("Not an ECDSA scheme")
}

func (ss SignatureScheme) digest(data []byte) []byte {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		d := sha256.Sum256(data)
		return d[:]
	case ECDSA_SECP521R1_SHA512:
		d := sha512.Sum512(data)
		return d[:]
	}
	panic("Not an ECDSA scheme")
}

func ecdsaPrivateKey(curve elliptic.Curve, d *big.Int) SignaturePrivateKey {
	x, y := curve.ScalarBaseMult(d.Bytes())
	size := (curve.Params().BitSize + 7) / 8
	return SignaturePrivateKey{
		Data:      d.FillBytes(make([]byte, size)),
		PublicKey: SignaturePublicKey{elliptic.Marshal(curve, x, y)},
	}
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		priv, err := ecdsa.GenerateKey(ss.curve(), rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return ecdsaPrivateKey(priv.Curve, priv.D), nil

	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{
			Data:      priv.Seed(),
			PublicKey: SignaturePublicKey{pub},
		}, nil

	case Ed448:
		pub, priv, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{
			Data:      priv.Seed(),
			PublicKey: SignaturePublicKey{pub},
		}, nil
	}

	return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
}

// Derive produces a deterministic key pair from a seed of any length
func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		n := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
		d := new(big.Int).SetBytes(ss.digest(seed))
		d.Mod(d, n)
		d.Add(d, big.NewInt(1))
		return ecdsaPrivateKey(curve, d), nil

	case Ed25519:
		d := sha256.Sum256(seed)
		priv := ed25519.NewKeyFromSeed(d[:])
		return SignaturePrivateKey{
			Data:      priv.Seed(),
			PublicKey: SignaturePublicKey{priv.Public().(ed25519.PublicKey)},
		}, nil

	case Ed448:
		d := make([]byte, ed448.SeedSize)
		sha3.ShakeSum256(d, seed)
		priv := ed448.NewKeyFromSeed(d)
		return SignaturePrivateKey{
			Data:      priv.Seed(),
			PublicKey: SignaturePublicKey{priv.Public().(ed448.PublicKey)},
		}, nil
	}

	return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		x, y := elliptic.Unmarshal(curve, priv.PublicKey.Data)
		if x == nil {
			return nil, fmt.Errorf("mls.crypto: malformed ECDSA public key")
		}

		key := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			D:         new(big.Int).SetBytes(priv.Data),
		}
		return ecdsa.SignASN1(rand.Reader, key, ss.digest(message))

	case Ed25519:
		if len(priv.Data) != ed25519.SeedSize {
			return nil, fmt.Errorf("mls.crypto: malformed Ed25519 private key")
		}
		return ed25519.Sign(ed25519.NewKeyFromSeed(priv.Data), message), nil

	case Ed448:
		if len(priv.Data) != ed448.SeedSize {
			return nil, fmt.Errorf("mls.crypto: malformed Ed448 private key")
		}
		return ed448.Sign(ed448.NewKeyFromSeed(priv.Data), message, ""), nil
	}

	return nil, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}

		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		return ecdsa.VerifyASN1(key, ss.digest(message), signature)

	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(pub.Data, message, signature)

	case Ed448:
		if len(pub.Data) != ed448.PublicKeySize {
			return false
		}
		return ed448.Verify(pub.Data, message, signature, "")
	}

	return false
}
