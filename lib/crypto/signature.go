package crypto

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/go-i2p/go-i2p-router/lib/util"
)

// SigType identifies a signature algorithm. Its values are package-internal;
// lib/common maps them to and from the certificate signing-key-type field
// in RouterIdentity/Destination certificates.
type SigType int

const (
	SigDSA_SHA1 SigType = iota
	SigECDSA_P256
	SigECDSA_P384
	SigECDSA_P521
	SigRSA_SHA512_4096 // verify-only: used solely for reseed bundles.
	SigEdDSA25519
)

// Signer is the uniform interface every signature type implements:
// RouterIdentity and LeaseSet decoding dispatch on Type() rather than
// instantiating a distinct type per algorithm.
type Signer interface {
	Type() SigType
	Sign(message []byte) ([]byte, error)
}

// Verifier mirrors Signer for the public-key side.
type Verifier interface {
	Type() SigType
	Verify(message, signature []byte) error
}

// -- DSA-SHA1 ----------------------------------------------------------

type DSAPrivateKey struct{ Key *dsa.PrivateKey }
type DSAPublicKey struct{ Key *dsa.PublicKey }

func (k *DSAPrivateKey) Type() SigType { return SigDSA_SHA1 }

func (k *DSAPrivateKey) Sign(message []byte) ([]byte, error) {
	digest := sha1.Sum(message)
	r, s, err := dsa.Sign(rand.Reader, k.Key, digest[:])
	if err != nil {
		return nil, err
	}
	// I2P encodes DSA signatures as a fixed 40-byte r||s, each 20 bytes.
	out := make([]byte, 40)
	rb := r.Bytes()
	sb := s.Bytes()
	copy(out[20-len(rb):20], rb)
	copy(out[40-len(sb):40], sb)
	return out, nil
}

func (k *DSAPublicKey) Type() SigType { return SigDSA_SHA1 }

func (k *DSAPublicKey) Verify(message, signature []byte) error {
	if len(signature) != 40 {
		return fmt.Errorf("%w: DSA signature must be 40 bytes", util.ErrMalformed)
	}
	digest := sha1.Sum(message)
	r := new(big.Int).SetBytes(signature[:20])
	s := new(big.Int).SetBytes(signature[20:])
	if !dsa.Verify(k.Key, digest[:], r, s) {
		return fmt.Errorf("%w: DSA signature invalid", util.ErrAuthFailed)
	}
	return nil
}

// GenerateDSAKeyPair generates a fresh 1024-bit DSA key pair, matching the
// legacy signature type I2P's certificate system calls SigningKeyType 0.
func GenerateDSAKeyPair() (*DSAPrivateKey, *DSAPublicKey, error) {
	params := dsa.Parameters{}
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		return nil, nil, err
	}
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return nil, nil, err
	}
	return &DSAPrivateKey{Key: priv}, &DSAPublicKey{Key: &priv.PublicKey}, nil
}

// -- ECDSA P-256/384/521 ------------------------------------------------

type ECDSAPrivateKey struct {
	Key     *ecdsa.PrivateKey
	SigType SigType
}
type ECDSAPublicKey struct {
	Key     *ecdsa.PublicKey
	SigType SigType
}

func (k *ECDSAPrivateKey) Type() SigType { return k.SigType }

func (k *ECDSAPrivateKey) Sign(message []byte) ([]byte, error) {
	digest := ecdsaDigest(k.SigType, message)
	r, s, err := ecdsa.Sign(rand.Reader, k.Key, digest)
	if err != nil {
		return nil, err
	}
	size := ecdsaFieldBytes(k.SigType)
	out := make([]byte, 2*size)
	rb := r.Bytes()
	sb := s.Bytes()
	copy(out[size-len(rb):size], rb)
	copy(out[2*size-len(sb):], sb)
	return out, nil
}

func (k *ECDSAPublicKey) Type() SigType { return k.SigType }

func (k *ECDSAPublicKey) Verify(message, signature []byte) error {
	size := ecdsaFieldBytes(k.SigType)
	if len(signature) != 2*size {
		return fmt.Errorf("%w: ECDSA signature must be %d bytes", util.ErrMalformed, 2*size)
	}
	digest := ecdsaDigest(k.SigType, message)
	r := new(big.Int).SetBytes(signature[:size])
	s := new(big.Int).SetBytes(signature[size:])
	if !ecdsa.Verify(k.Key, digest, r, s) {
		return fmt.Errorf("%w: ECDSA signature invalid", util.ErrAuthFailed)
	}
	return nil
}

func ecdsaFieldBytes(t SigType) int {
	switch t {
	case SigECDSA_P256:
		return 32
	case SigECDSA_P384:
		return 48
	case SigECDSA_P521:
		return 66
	default:
		return 32
	}
}

func ecdsaCurve(t SigType) elliptic.Curve {
	switch t {
	case SigECDSA_P256:
		return elliptic.P256()
	case SigECDSA_P384:
		return elliptic.P384()
	case SigECDSA_P521:
		return elliptic.P521()
	default:
		return elliptic.P256()
	}
}

func ecdsaDigest(t SigType, message []byte) []byte {
	switch t {
	case SigECDSA_P384:
		d := sha512.Sum384(message)
		return d[:]
	case SigECDSA_P521:
		d := sha512.Sum512(message)
		return d[:]
	default:
		d := sha256.Sum256(message)
		return d[:]
	}
}

// GenerateECDSAKeyPair generates a fresh key pair for the given curve.
func GenerateECDSAKeyPair(t SigType) (*ECDSAPrivateKey, *ECDSAPublicKey, error) {
	priv, err := ecdsa.GenerateKey(ecdsaCurve(t), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return &ECDSAPrivateKey{Key: priv, SigType: t}, &ECDSAPublicKey{Key: &priv.PublicKey, SigType: t}, nil
}

// -- EdDSA-25519 ----------------------------------------------------------

type EdDSAPrivateKey struct{ Key ed25519.PrivateKey }
type EdDSAPublicKey struct{ Key ed25519.PublicKey }

func (k *EdDSAPrivateKey) Type() SigType { return SigEdDSA25519 }

func (k *EdDSAPrivateKey) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.Key, message), nil
}

func (k *EdDSAPublicKey) Type() SigType { return SigEdDSA25519 }

func (k *EdDSAPublicKey) Verify(message, signature []byte) error {
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: EdDSA signature must be %d bytes", util.ErrMalformed, ed25519.SignatureSize)
	}
	if !ed25519.Verify(k.Key, message, signature) {
		return fmt.Errorf("%w: EdDSA signature invalid", util.ErrAuthFailed)
	}
	return nil
}

// GenerateEdDSAKeyPair generates a fresh Ed25519 key pair.
func GenerateEdDSAKeyPair() (*EdDSAPrivateKey, *EdDSAPublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return &EdDSAPrivateKey{Key: priv}, &EdDSAPublicKey{Key: pub}, nil
}

// -- RSA-SHA512/4096 (verify-only, used for reseed bundles) --------------

type RSAPublicKey struct{ Key *rsa.PublicKey }

func (k *RSAPublicKey) Type() SigType { return SigRSA_SHA512_4096 }

func (k *RSAPublicKey) Verify(message, signature []byte) error {
	digest := sha512.Sum512(message)
	if err := rsa.VerifyPKCS1v15(k.Key, crypto.SHA512, digest[:], signature); err != nil {
		return fmt.Errorf("%w: RSA signature invalid: %v", util.ErrAuthFailed, err)
	}
	return nil
}
