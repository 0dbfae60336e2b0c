package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/go-i2p/go-i2p-router/lib/util"
)

// ElGamal is computed over the standard 2048-bit I2P prime and generator
// (the same constants published in the I2P data-structures specification).
var (
	elgP, elgG = elgamalParams()
)

// elgamalPrimeHex is the 2048-bit MODP prime from RFC 3526 group 14, the
// same constant the I2P network uses for ElGamal.
const elgamalPrimeHex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC7" +
	"4020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14" +
	"374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B" +
	"7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163" +
	"BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208" +
	"552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E" +
	"36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF69" +
	"55817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFF" +
	"FFFFFFFF"

func elgamalParams() (*big.Int, *big.Int) {
	p, ok := new(big.Int).SetString(elgamalPrimeHex, 16)
	if !ok {
		panic("crypto: invalid embedded ElGamal prime")
	}
	g := big.NewInt(2)
	return p, g
}

// ElGamalPrivateKey is an I2P ElGamal private key: x mod (p-1).
type ElGamalPrivateKey struct {
	X *big.Int
}

// ElGamalPublicKey is an I2P ElGamal public key: y = g^x mod p.
type ElGamalPublicKey struct {
	Y *big.Int
}

// GenerateElGamalKeyPair generates a fresh ElGamal key pair using the
// process CSPRNG.
func GenerateElGamalKeyPair() (*ElGamalPrivateKey, *ElGamalPublicKey, error) {
	pMinus1 := new(big.Int).Sub(elgP, big.NewInt(1))
	x, err := rand.Int(rand.Reader, pMinus1)
	if err != nil {
		return nil, nil, err
	}
	y := new(big.Int).Exp(elgG, x, elgP)
	return &ElGamalPrivateKey{X: x}, &ElGamalPublicKey{Y: y}, nil
}

// ElGamalPublicFromPrivate recomputes the public half y = g^x mod p for a
// private key whose X is already known (e.g. reloaded from a persisted
// router.keys file that stores only X), the same derivation
// GenerateElGamalKeyPair performs on a freshly drawn X.
func ElGamalPublicFromPrivate(priv *ElGamalPrivateKey) (*ElGamalPublicKey, error) {
	if priv == nil || priv.X == nil {
		return nil, fmt.Errorf("crypto: ElGamal private key has no X value")
	}
	y := new(big.Int).Exp(elgG, priv.X, elgP)
	return &ElGamalPublicKey{Y: y}, nil
}

// elgamalPlaintextSize is the fixed body size ElGamal encrypts: a leading
// 0xFF marker byte, the 222-byte payload, and a 32-byte SHA-256 check
// hash, totalling 255 bytes before the modular exponentiation.
const elgamalPlaintextSize = 255

// ElGamalPayloadSize is the maximum payload ElGamal can directly encrypt.
const ElGamalPayloadSize = 222

// ElGamalEncrypt encrypts payload (<= ElGamalPayloadSize bytes) to pub,
// returning the 514-byte zero-padded ciphertext when zeroPad is true, or
// the 512-byte variant otherwise.
func ElGamalEncrypt(pub *ElGamalPublicKey, payload []byte, zeroPad bool) ([]byte, error) {
	if len(payload) > ElGamalPayloadSize {
		return nil, fmt.Errorf("crypto: ElGamal payload too long: %d > %d", len(payload), ElGamalPayloadSize)
	}

	// Build the padded block: 0xFF || payload || zero-pad || SHA-256 over
	// the whole zero-padded 222-byte data area (the check hash must be
	// recomputable by the decrypter, which cannot know the unpadded
	// length).
	block := make([]byte, 0, elgamalPlaintextSize)
	block = append(block, 0xFF)
	block = append(block, payload...)
	for len(block) < 1+ElGamalPayloadSize {
		block = append(block, 0)
	}
	sum := sha256.Sum256(block[1 : 1+ElGamalPayloadSize])
	block = append(block, sum[:]...)

	m := new(big.Int).SetBytes(block)

	pMinus1 := new(big.Int).Sub(elgP, big.NewInt(1))
	k, err := rand.Int(rand.Reader, pMinus1)
	if err != nil {
		return nil, err
	}
	if k.Sign() == 0 {
		k.SetInt64(1)
	}

	a := new(big.Int).Exp(elgG, k, elgP)
	s := new(big.Int).Exp(pub.Y, k, elgP)
	b := new(big.Int).Mul(m, s)
	b.Mod(b, elgP)

	aBytes := leftPad(a.Bytes(), 256)
	bBytes := leftPad(b.Bytes(), 256)

	if zeroPad {
		out := make([]byte, 514)
		copy(out[1:257], aBytes)
		copy(out[258:514], bBytes)
		return out, nil
	}
	out := make([]byte, 512)
	copy(out[:256], aBytes)
	copy(out[256:], bBytes)
	return out, nil
}

// ElGamalDecrypt decrypts an ElGamal ciphertext (512 or 514 bytes,
// auto-detected by length) under priv. It returns ErrDecryptCheckFailed
// (via a wrapped error) when the embedded SHA-256 check hash does not
// match the recovered payload.
func ElGamalDecrypt(priv *ElGamalPrivateKey, ciphertext []byte) ([]byte, error) {
	var aBytes, bBytes []byte
	switch len(ciphertext) {
	case 514:
		aBytes = ciphertext[1:257]
		bBytes = ciphertext[258:514]
	case 512:
		aBytes = ciphertext[:256]
		bBytes = ciphertext[256:]
	default:
		return nil, fmt.Errorf("crypto: ElGamal ciphertext must be 512 or 514 bytes, got %d", len(ciphertext))
	}

	a := new(big.Int).SetBytes(aBytes)
	b := new(big.Int).SetBytes(bBytes)

	s := new(big.Int).Exp(a, priv.X, elgP)
	sInv := new(big.Int).ModInverse(s, elgP)
	if sInv == nil {
		return nil, fmt.Errorf("crypto: ElGamal decrypt: non-invertible shared secret")
	}
	m := new(big.Int).Mul(b, sInv)
	m.Mod(m, elgP)

	block := leftPad(m.Bytes(), elgamalPlaintextSize)
	if block[0] != 0xFF {
		return nil, fmt.Errorf("%w: ElGamal marker byte mismatch", util.ErrDecryptCheckFailed)
	}
	payload := block[1 : 1+ElGamalPayloadSize]
	wantSum := block[1+ElGamalPayloadSize:]
	gotSum := sha256.Sum256(payload)
	if subtle.ConstantTimeCompare(gotSum[:], wantSum) != 1 {
		return nil, fmt.Errorf("%w: ElGamal check hash mismatch", util.ErrDecryptCheckFailed)
	}
	return payload, nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// DHKeySize is the fixed 256-byte width of a Diffie-Hellman public value
// in I2P's transport handshakes, over the same 2048-bit group ElGamal
// uses.
const DHKeySize = 256

// GenerateDHKeyPair produces a fresh ephemeral DH key pair (priv, pub =
// g^priv mod p) for use in an NTCP or SSU handshake.
func GenerateDHKeyPair() (priv *big.Int, pub [DHKeySize]byte, err error) {
	pMinus1 := new(big.Int).Sub(elgP, big.NewInt(1))
	priv, err = rand.Int(rand.Reader, pMinus1)
	if err != nil {
		return nil, pub, err
	}
	y := new(big.Int).Exp(elgG, priv, elgP)
	copy(pub[:], leftPad(y.Bytes(), DHKeySize))
	return priv, pub, nil
}

// DHSharedSecret computes (theirPub)^ourPriv mod p and returns it with
// leading zero bytes stripped, the session-key derivation rule both
// transport handshakes share.
func DHSharedSecret(ourPriv *big.Int, theirPub [DHKeySize]byte) []byte {
	y := new(big.Int).SetBytes(theirPub[:])
	s := new(big.Int).Exp(y, ourPriv, elgP)
	b := s.Bytes()
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// SessionKeyFromSharedSecret takes DHSharedSecret's output and returns
// the first 32 non-zero-leading bytes as the AES-256 session key.
func SessionKeyFromSharedSecret(shared []byte) [KeySize]byte {
	var key [KeySize]byte
	copy(key[:], shared)
	return key
}
