package router

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/config"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// keysFileMagic tags a router.keys file so a mismatched or truncated file
// is rejected up front rather than producing a RouterIdentity that fails
// to verify later.
const keysFileMagic = "I2PRTRK1"

// privateKeys is everything persisted to router.keys: the two private
// keys a RouterIdentity's public halves are derived from, plus the
// signing algorithm so Load knows how to parse the signing key back.
type privateKeys struct {
	sigType  crypto.SigType
	elgPriv  *crypto.ElGamalPrivateKey
	elgPub   crypto.ElGamalPublicKey
	signer   crypto.Signer
	verifier crypto.Verifier
}

// loadOrGenerateIdentity reads cfg.KeysFile if present, or generates a
// fresh identity and writes it there otherwise: create on first run,
// reuse thereafter.
func loadOrGenerateIdentity(cfg *config.Config) (*common.RouterIdentity, *privateKeys, error) {
	if data, err := os.ReadFile(cfg.KeysFile); err == nil {
		keys, err := decodePrivateKeys(data)
		if err != nil {
			return nil, nil, fmt.Errorf("router: %s: %w", cfg.KeysFile, err)
		}
		ident, err := common.NewRouterIdentity(keys.elgPub, keys.verifier)
		if err != nil {
			return nil, nil, err
		}
		return ident, keys, nil
	}

	elgPriv, elgPub, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		return nil, nil, err
	}
	signer, verifier, err := generateSigningKeyPair(cfg.SigType)
	if err != nil {
		return nil, nil, err
	}
	keys := &privateKeys{sigType: cfg.SigType, elgPriv: elgPriv, elgPub: *elgPub, signer: signer, verifier: verifier}

	ident, err := common.NewRouterIdentity(*elgPub, verifier)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := encodePrivateKeys(keys)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(cfg.KeysFile, encoded, 0o600); err != nil {
		return nil, nil, fmt.Errorf("router: writing %s: %w", cfg.KeysFile, err)
	}
	return ident, keys, nil
}

// generateSigningKeyPair returns the private key as both a Signer (for
// storage/signing) and Verifier (its own public half, satisfying the
// Signer/Verifier split NewRouterIdentity expects).
func generateSigningKeyPair(t crypto.SigType) (crypto.Signer, crypto.Verifier, error) {
	switch t {
	case crypto.SigEdDSA25519:
		priv, pub, err := crypto.GenerateEdDSAKeyPair()
		return priv, pub, err
	default:
		return nil, nil, fmt.Errorf("%w: router.keys persistence only supports SigEdDSA25519 identities", util.ErrMalformed)
	}
}

// encodePrivateKeys writes: magic || sigType_u8 || elgPrivLen_u16 ||
// elgPriv || edPrivLen_u16 || edPriv. Only EdDSA25519 signing keys are
// supported, matching generateSigningKeyPair's own restriction.
func encodePrivateKeys(k *privateKeys) ([]byte, error) {
	ed, ok := k.signer.(*crypto.EdDSAPrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: router.keys persistence only supports SigEdDSA25519 identities", util.ErrMalformed)
	}
	elgBytes := k.elgPriv.X.Bytes()

	out := make([]byte, 0, len(keysFileMagic)+1+2+len(elgBytes)+2+len(ed.Key))
	out = append(out, keysFileMagic...)
	out = append(out, byte(k.sigType))
	out = appendU16(out, uint16(len(elgBytes)))
	out = append(out, elgBytes...)
	out = appendU16(out, uint16(len(ed.Key)))
	out = append(out, ed.Key...)
	return out, nil
}

func decodePrivateKeys(data []byte) (*privateKeys, error) {
	if len(data) < len(keysFileMagic)+1+2 || string(data[:len(keysFileMagic)]) != keysFileMagic {
		return nil, fmt.Errorf("%w: not a router.keys file", util.ErrMalformed)
	}
	data = data[len(keysFileMagic):]
	sigType := crypto.SigType(data[0])
	data = data[1:]
	if sigType != crypto.SigEdDSA25519 {
		return nil, fmt.Errorf("%w: router.keys persistence only supports SigEdDSA25519 identities", util.ErrMalformed)
	}

	elgLen := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < elgLen {
		return nil, fmt.Errorf("%w: router.keys ElGamal key truncated", util.ErrMalformed)
	}
	x := new(big.Int).SetBytes(data[:elgLen])
	data = data[elgLen:]

	if len(data) < 2 {
		return nil, fmt.Errorf("%w: router.keys signing key header truncated", util.ErrMalformed)
	}
	edLen := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < edLen {
		return nil, fmt.Errorf("%w: router.keys signing key truncated", util.ErrMalformed)
	}
	edPrivRaw := append([]byte(nil), data[:edLen]...)
	if len(edPrivRaw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: router.keys EdDSA private key must be %d bytes, got %d", util.ErrMalformed, ed25519.PrivateKeySize, len(edPrivRaw))
	}
	signer := &crypto.EdDSAPrivateKey{Key: ed25519.PrivateKey(edPrivRaw)}
	// An Ed25519 private key's second half is its own public key, so the
	// verifier needs no separate storage in the keys file.
	verifier := &crypto.EdDSAPublicKey{Key: append([]byte(nil), edPrivRaw[ed25519.PublicKeySize:]...)}

	// The ElGamal public half cannot be recomputed outside lib/crypto
	// (the prime/generator are package-private), so ElGamalPublicFromPrivate
	// derives it the same way GenerateElGamalKeyPair does internally.
	pub, err := crypto.ElGamalPublicFromPrivate(&crypto.ElGamalPrivateKey{X: x})
	if err != nil {
		return nil, err
	}

	return &privateKeys{
		sigType:  sigType,
		elgPriv:  &crypto.ElGamalPrivateKey{X: x},
		elgPub:   *pub,
		signer:   signer,
		verifier: verifier,
	}, nil
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}
