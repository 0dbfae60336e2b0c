package common

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// Fixed 1024-bit DSA domain parameters used network-wide for
// SigDSA_SHA1-typed RouterIdentity/Destination signing keys, per the I2P
// data-structures specification. Wire-decoded DSA public keys carry only
// Y; P/Q/G are these constants.
var (
	dsaP, _ = new(big.Int).SetString("9C05B2AA960D9B97B8931963C9CC9E8C3026E9B8ED92FAD0A69CC886D5BF80"+
		"15FCADAE31A0AD18FAB3F01B00A358DE237655C4964AFAA2B337E96AD316B9FB1CC564B5AEC5B69A9FF6C3E45"+
		"48707FEF8503D91DD8602E867E6D35D2235C1869CE2479C3B9D5401DE04E0727FB33D6511285D4CF29538D9E3"+
		"B6051F5B22CC1C93", 16)
	dsaQ, _ = new(big.Int).SetString("A5DFB13609E706897EC0538ACBDB72617021974E", 16)
	dsaG, _ = new(big.Int).SetString("0C1F4D27D40093B429E962D7223824E0BBC47E7C832A39236FC683AF84889"+
		"581075FF9082ED32353D4374D7301CDA1D23C431F4698599DDA02451824FF369752593647CC3DDC197DE985E4"+
		"3D136CDCFC6BD5238411852267B98D2CF4E51CB0FA2AC7FC0B5D68C26CB93BB9CF2EC6B13C3ECE29C87D7E2F2"+
		"5BDA38F4D70D49E92D", 16)
)

func buildVerifier(t crypto.SigType, raw []byte) (crypto.Verifier, error) {
	switch t {
	case crypto.SigDSA_SHA1:
		y := bigFromBytes(raw[:128])
		return &crypto.DSAPublicKey{Key: &dsa.PublicKey{
			Parameters: dsa.Parameters{P: dsaP, Q: dsaQ, G: dsaG},
			Y:          y,
		}}, nil
	case crypto.SigECDSA_P256, crypto.SigECDSA_P384, crypto.SigECDSA_P521:
		curve := ecdsaCurveFor(t)
		size := (curve.Params().BitSize + 7) / 8
		if len(raw) < 2*size {
			return nil, fmt.Errorf("%w: ECDSA public key truncated", util.ErrMalformed)
		}
		x := bigFromBytes(raw[:size])
		y := bigFromBytes(raw[size : 2*size])
		return &crypto.ECDSAPublicKey{
			Key:     &ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			SigType: t,
		}, nil
	case crypto.SigEdDSA25519:
		if len(raw) < ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: EdDSA public key truncated", util.ErrMalformed)
		}
		pk := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(pk, raw[:ed25519.PublicKeySize])
		return &crypto.EdDSAPublicKey{Key: pk}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported signing-key-type", util.ErrMalformed)
	}
}

func ecdsaCurveFor(t crypto.SigType) elliptic.Curve {
	switch t {
	case crypto.SigECDSA_P384:
		return elliptic.P384()
	case crypto.SigECDSA_P521:
		return elliptic.P521()
	default:
		return elliptic.P256()
	}
}

func bigFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func leftPadBig(v *big.Int, size int) []byte {
	b := v.Bytes()
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// rawSigningKeyBytes encodes a Verifier's public key in the fixed wire
// layout signingKeyWireSize expects, the inverse of buildVerifier. Used by
// NewRouterIdentity to construct the on-wire signing-key field from a
// freshly generated key pair.
func rawSigningKeyBytes(v crypto.Verifier) ([]byte, error) {
	switch k := v.(type) {
	case *crypto.DSAPublicKey:
		return leftPadBig(k.Key.Y, 128), nil
	case *crypto.ECDSAPublicKey:
		size := (k.Key.Curve.Params().BitSize + 7) / 8
		out := make([]byte, 2*size)
		copy(out[:size], leftPadBig(k.Key.X, size))
		copy(out[size:], leftPadBig(k.Key.Y, size))
		return out, nil
	case *crypto.EdDSAPublicKey:
		return []byte(k.Key), nil
	default:
		return nil, fmt.Errorf("%w: unsupported verifier type for wire encoding", util.ErrMalformed)
	}
}

// NewRouterIdentity builds a RouterIdentity from a freshly generated
// ElGamal key pair and signing key pair, deriving the certificate and
// padded on-wire signing-key field automatically.
func NewRouterIdentity(pub crypto.ElGamalPublicKey, signingPub crypto.Verifier) (*RouterIdentity, error) {
	raw, err := rawSigningKeyBytes(signingPub)
	if err != nil {
		return nil, err
	}
	wireSize := signingKeyWireSize(signingPub.Type())
	if wireSize < 128 {
		wireSize = 128
	}
	padded := make([]byte, wireSize)
	copy(padded, raw)

	return &RouterIdentity{
		PublicKey:     pub,
		SigningKey:    signingPub,
		Certificate:   NewKeyCertificate(signingPub.Type(), CryptoElGamal),
		signingKeyRaw: padded,
	}, nil
}
