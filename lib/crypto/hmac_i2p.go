package crypto

import (
	"crypto/md5"
)

// hmacI2PBlockSize is the MD5 block size used by the I2P HMAC variant.
const hmacI2PBlockSize = 64

// i2pIPad and i2pOPad are the padding constants used by the HMAC-MD5-I2P
// construction, which XORs the key directly into 0x35/0x5C-cycled pad
// blocks rather than using MD5's ordinary HMAC key-block derivation. This
// is the MAC SSU computes over ciphertext ‖ iv ‖ length.
const (
	i2pIPadByte = 0x35
	i2pOPadByte = 0x5C
)

// HMACMD5I2P computes the SSU variant of HMAC-MD5: the 16-byte macKey is
// tiled to a 64-byte block (repeated four times) and XORed with the inner
// and outer pad constants, rather than zero-padded as in RFC 2104.
func HMACMD5I2P(macKey []byte, data ...[]byte) []byte {
	key := tileKey(macKey, hmacI2PBlockSize)

	inner := make([]byte, hmacI2PBlockSize)
	outer := make([]byte, hmacI2PBlockSize)
	for i := 0; i < hmacI2PBlockSize; i++ {
		inner[i] = key[i] ^ i2pIPadByte
		outer[i] = key[i] ^ i2pOPadByte
	}

	h1 := md5.New()
	h1.Write(inner)
	for _, d := range data {
		h1.Write(d)
	}
	innerSum := h1.Sum(nil)

	h2 := md5.New()
	h2.Write(outer)
	h2.Write(innerSum)
	return h2.Sum(nil)
}

func tileKey(key []byte, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = key[i%len(key)]
	}
	return out
}
