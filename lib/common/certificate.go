// Package common implements the router's identity and routing-record data
// model: RouterIdentity, RouterInfo, LeaseSet, and the daily-rotated
// routing-key derivation the network database indexes by.
package common

import (
	"encoding/binary"
	"fmt"

	"github.com/go-i2p/common/key_certificate"
	"github.com/go-i2p/common/signature"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// CertificateType discriminates the certificate kinds a RouterIdentity or
// Destination can carry. Only KeyCert (signing-key-type + crypto-type) is
// produced by this router; the others are decoded for interoperability.
type CertificateType uint8

const (
	CertNull CertificateType = iota
	CertHashCash
	CertHidden
	CertSigned
	CertMulti
	CertKey
)

// Certificate is the variable-length trailer on a RouterIdentity or
// Destination: a type byte, a length, and type-specific payload. For
// CertKey, the payload is a 2-byte signing-key-type followed by a 2-byte
// crypto-key-type, mirroring the key_certificate encoding used throughout
// the I2P data-structures specification.
type Certificate struct {
	Type    CertificateType
	Payload []byte
}

// SigType and CryptoType for a KeyCertificate payload.
func (c Certificate) SigType() (crypto.SigType, error) {
	if c.Type != CertKey || len(c.Payload) < 4 {
		return 0, fmt.Errorf("%w: not a key certificate", util.ErrMalformed)
	}
	return sigTypeFromWire(binary.BigEndian.Uint16(c.Payload[0:2]))
}

func (c Certificate) CryptoType() (uint16, error) {
	if c.Type != CertKey || len(c.Payload) < 4 {
		return 0, fmt.Errorf("%w: not a key certificate", util.ErrMalformed)
	}
	return binary.BigEndian.Uint16(c.Payload[2:4]), nil
}

// Bytes encodes the certificate as type || length_u16 || payload.
func (c Certificate) Bytes() []byte {
	out := make([]byte, 3+len(c.Payload))
	out[0] = byte(c.Type)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(c.Payload)))
	copy(out[3:], c.Payload)
	return out
}

// ReadCertificate decodes a certificate from the head of data, returning
// the certificate and the remaining bytes.
func ReadCertificate(data []byte) (Certificate, []byte, error) {
	if len(data) < 3 {
		return Certificate{}, nil, fmt.Errorf("%w: certificate header truncated", util.ErrMalformed)
	}
	typ := CertificateType(data[0])
	length := binary.BigEndian.Uint16(data[1:3])
	if len(data) < 3+int(length) {
		return Certificate{}, nil, fmt.Errorf("%w: certificate payload truncated", util.ErrMalformed)
	}
	payload := make([]byte, length)
	copy(payload, data[3:3+int(length)])
	return Certificate{Type: typ, Payload: payload}, data[3+int(length):], nil
}

// NewKeyCertificate builds a CertKey certificate for the given signature
// and crypto key types.
func NewKeyCertificate(sigType crypto.SigType, cryptoType uint16) Certificate {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], sigTypeWireValue(sigType))
	binary.BigEndian.PutUint16(payload[2:4], cryptoType)
	return Certificate{Type: CertKey, Payload: payload}
}

// Crypto key types a KeyCertificate can name, from go-i2p/common's
// certificate registry. Only ElGamal is produced by this router.
const (
	CryptoElGamal = uint16(key_certificate.KEYCERT_CRYPTO_ELG)
	CryptoX25519  = uint16(key_certificate.KEYCERT_CRYPTO_X25519)
)

// sigTypeWireValue maps the package-internal signature tag onto
// go-i2p/common's registry numbering, the same constants the wire
// carries in a KeyCertificate's signing-key-type field.
func sigTypeWireValue(t crypto.SigType) uint16 {
	switch t {
	case crypto.SigDSA_SHA1:
		return uint16(signature.SIGNATURE_TYPE_DSA_SHA1)
	case crypto.SigECDSA_P256:
		return uint16(signature.SIGNATURE_TYPE_ECDSA_SHA256_P256)
	case crypto.SigECDSA_P384:
		return uint16(signature.SIGNATURE_TYPE_ECDSA_SHA384_P384)
	case crypto.SigECDSA_P521:
		return uint16(signature.SIGNATURE_TYPE_ECDSA_SHA512_P521)
	case crypto.SigRSA_SHA512_4096:
		return uint16(signature.SIGNATURE_TYPE_RSA_SHA512_4096)
	case crypto.SigEdDSA25519:
		return uint16(signature.SIGNATURE_TYPE_EDDSA_SHA512_ED25519)
	default:
		return uint16(signature.SIGNATURE_TYPE_EDDSA_SHA512_ED25519)
	}
}

func sigTypeFromWire(v uint16) (crypto.SigType, error) {
	switch int(v) {
	case signature.SIGNATURE_TYPE_DSA_SHA1:
		return crypto.SigDSA_SHA1, nil
	case signature.SIGNATURE_TYPE_ECDSA_SHA256_P256:
		return crypto.SigECDSA_P256, nil
	case signature.SIGNATURE_TYPE_ECDSA_SHA384_P384:
		return crypto.SigECDSA_P384, nil
	case signature.SIGNATURE_TYPE_ECDSA_SHA512_P521:
		return crypto.SigECDSA_P521, nil
	case signature.SIGNATURE_TYPE_RSA_SHA512_4096:
		return crypto.SigRSA_SHA512_4096, nil
	case signature.SIGNATURE_TYPE_EDDSA_SHA512_ED25519:
		return crypto.SigEdDSA25519, nil
	default:
		return 0, fmt.Errorf("%w: unsupported signing-key-type %d", util.ErrMalformed, v)
	}
}
