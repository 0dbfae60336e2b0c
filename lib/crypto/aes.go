// Package crypto implements the cryptographic primitives the router core
// depends on: AES-256-CBC (including the double-IV tunnel transform),
// ElGamal, the DSA/ECDSA/EdDSA/RSA signature family, SHA-256, HMAC-MD5-I2P,
// and a thread-safe CSPRNG, all implemented directly on the Go standard
// library's crypto packages.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// BlockSize is the AES block size in bytes.
const BlockSize = aes.BlockSize

// ecbEncrypt encrypts exactly one block with AES-ECB under key. I2P uses
// single-block ECB only to derive an IV from another IV; it is never used
// to encrypt application data.
func ecbEncrypt(key, block []byte) ([]byte, error) {
	if len(block) != BlockSize {
		return nil, fmt.Errorf("crypto: ecb block must be %d bytes, got %d", BlockSize, len(block))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	c.Encrypt(out, block)
	return out, nil
}

// CBCEncrypt encrypts data (a multiple of BlockSize) under key with iv using
// AES-256-CBC. data is not modified; the returned slice is freshly
// allocated.
func CBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("crypto: CBC plaintext length %d not a multiple of block size", len(data))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	mode := cipher.NewCBCEncrypter(c, iv)
	mode.CryptBlocks(out, data)
	return out, nil
}

// CBCDecrypt reverses CBCEncrypt.
func CBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("crypto: CBC ciphertext length %d not a multiple of block size", len(data))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	mode := cipher.NewCBCDecrypter(c, iv)
	mode.CryptBlocks(out, data)
	return out, nil
}

// TunnelFrameSize is the fixed size of a tunnel message, post layer
// encryption.
const TunnelFrameSize = 1024

// TunnelEncrypt applies the per-hop double-IV AES transform to a
// 1024-byte tunnel frame:
// 1. AES-ECB-encrypt the first 16 bytes of in under ivKey to form IV'.
// 2. AES-CBC-encrypt the remaining 1008 bytes under layerKey with IV'.
// 3. AES-ECB-encrypt IV' again under ivKey and write it as the new first
// 16 bytes.
// TunnelDecrypt performs the inverse. Both functions require in to be
// exactly TunnelFrameSize bytes and allocate the returned buffer fresh.
func TunnelEncrypt(in []byte, layerKey, ivKey []byte) ([]byte, error) {
	if len(in) != TunnelFrameSize {
		return nil, fmt.Errorf("crypto: tunnel frame must be %d bytes, got %d", TunnelFrameSize, len(in))
	}
	ivPrime, err := ecbEncrypt(ivKey, in[:BlockSize])
	if err != nil {
		return nil, err
	}
	body, err := CBCEncrypt(layerKey, ivPrime, in[BlockSize:])
	if err != nil {
		return nil, err
	}
	newIV, err := ecbEncrypt(ivKey, ivPrime)
	if err != nil {
		return nil, err
	}
	out := make([]byte, TunnelFrameSize)
	copy(out[:BlockSize], newIV)
	copy(out[BlockSize:], body)
	return out, nil
}

// TunnelDecrypt is the inverse of TunnelEncrypt.
func TunnelDecrypt(in []byte, layerKey, ivKey []byte) ([]byte, error) {
	if len(in) != TunnelFrameSize {
		return nil, fmt.Errorf("crypto: tunnel frame must be %d bytes, got %d", TunnelFrameSize, len(in))
	}
	// Recover IV' by decrypting the leading 16 bytes with ECB under ivKey
	// (ECB encrypt and decrypt of a single block are both permutations of
	// the AES block cipher in opposite directions).
	c, err := aes.NewCipher(ivKey)
	if err != nil {
		return nil, err
	}
	ivPrime := make([]byte, BlockSize)
	c.Decrypt(ivPrime, in[:BlockSize])

	body, err := CBCDecrypt(layerKey, ivPrime, in[BlockSize:])
	if err != nil {
		return nil, err
	}

	// Recompute the original first-16-bytes field: it was ECB-encrypted
	// under ivKey to produce IV', so decrypting IV' with ECB under ivKey
	// recovers it. This mirrors the forward transform's step 1 in
	// reverse.
	orig := make([]byte, BlockSize)
	c.Decrypt(orig, ivPrime)

	out := make([]byte, TunnelFrameSize)
	copy(out[:BlockSize], orig)
	copy(out[BlockSize:], body)
	return out, nil
}
