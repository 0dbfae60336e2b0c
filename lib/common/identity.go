package common

import (
	"fmt"

	"github.com/go-i2p/common/key_certificate"
	"github.com/go-i2p/common/keys_and_cert"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// elgamalPubKeySize is the fixed size of an I2P ElGamal public key as
// embedded in a RouterIdentity or Destination.
const elgamalPubKeySize = 256

// minIdentitySize is the smallest legal encoding: 256-byte ElGamal key,
// a 128-byte DSA-sized signing key padded to the legacy fixed field, and
// a null (3-byte) certificate.
const minIdentitySize = keys_and_cert.KEYS_AND_CERT_MIN_SIZE

// RouterIdentity is a router's stable cryptographic name: an ElGamal
// public key (for garlic encryption addressed to the router) plus a
// signing public key and certificate (for RouterInfo/LeaseSet signature
// verification). H(identity) is the router's hash.
type RouterIdentity struct {
	PublicKey     crypto.ElGamalPublicKey
	SigningKey    crypto.Verifier
	Certificate   Certificate
	signingKeyRaw []byte // the padded on-wire signing key field, kept for re-encoding
}

// Hash returns the SHA-256 digest of the identity's encoded bytes, the
// router's stable name.
func (id *RouterIdentity) Hash() crypto.Hash {
	b, err := id.Bytes()
	if err != nil {
		return crypto.Hash{}
	}
	return crypto.SHA256(b)
}

// Bytes encodes the identity as: 256-byte ElGamal public key || padded
// signing public key (size depends on signing-key-type, with legacy
// 128-byte certificate padding when the type is smaller) || certificate.
func (id *RouterIdentity) Bytes() ([]byte, error) {
	out := make([]byte, 0, minIdentitySize)
	out = append(out, leftPadBig(id.PublicKey.Y, elgamalPubKeySize)...)
	out = append(out, id.signingKeyRaw...)
	out = append(out, id.Certificate.Bytes()...)
	return out, nil
}

// ReadRouterIdentity decodes a RouterIdentity from the head of data.
func ReadRouterIdentity(data []byte) (*RouterIdentity, []byte, error) {
	if len(data) < minIdentitySize {
		return nil, nil, fmt.Errorf("%w: router identity truncated", util.ErrMalformed)
	}
	pubBytes := data[:elgamalPubKeySize]
	rest := data[elgamalPubKeySize:]

	// The signing-key field is a fixed 128 bytes unless a KeyCertificate
	// overrides the signing-key-type to one with a different size; since
	// the certificate trails the signing key we must peek past the legacy
	// 128-byte field to find it, then re-slice if the type calls for more.
	if len(rest) < 128+3 {
		return nil, nil, fmt.Errorf("%w: router identity signing key truncated", util.ErrMalformed)
	}
	cert, _, err := ReadCertificate(rest[128:])
	if err != nil {
		return nil, nil, err
	}

	sigType := crypto.SigEdDSA25519
	if cert.Type == CertKey {
		if st, err := cert.SigType(); err == nil {
			sigType = st
		}
	}
	sigKeySize := signingKeyWireSize(sigType)
	if sigKeySize < 128 {
		sigKeySize = 128
	}
	if len(rest) < sigKeySize+3 {
		return nil, nil, fmt.Errorf("%w: router identity signing key truncated", util.ErrMalformed)
	}
	signingKeyRaw := make([]byte, sigKeySize)
	copy(signingKeyRaw, rest[:sigKeySize])
	cert, certRest, err := ReadCertificate(rest[sigKeySize:])
	if err != nil {
		return nil, nil, err
	}

	verifier, err := buildVerifier(sigType, signingKeyRaw)
	if err != nil {
		return nil, nil, err
	}

	id := &RouterIdentity{
		PublicKey:     crypto.ElGamalPublicKey{Y: bigFromBytes(pubBytes)},
		SigningKey:    verifier,
		Certificate:   cert,
		signingKeyRaw: signingKeyRaw,
	}
	return id, certRest, nil
}

// signingKeyWireSize returns the on-wire size of a signing public key
// for the given type, consulting go-i2p/common's certificate registry;
// callers pad types smaller than the legacy 128-byte DSA field out to
// 128 bytes per the I2P certificate convention.
func signingKeyWireSize(t crypto.SigType) int {
	size, err := key_certificate.GetSigningKeySize(int(sigTypeWireValue(t)))
	if err != nil {
		return 128
	}
	return size
}
