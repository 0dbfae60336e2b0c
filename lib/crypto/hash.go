package crypto

import "crypto/sha256"

// HashSize is the length in bytes of the router's routing/identity hash.
const HashSize = 32

// Hash is a 32-byte SHA-256 digest used as an ident hash, tunnel-key index,
// session tag key, and (after XOR with the daily routing prefix) Kademlia
// routing key.
type Hash [HashSize]byte

// SHA256 computes the SHA-256 digest of data.
func SHA256(data ...[]byte) Hash {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Bytes returns the hash as a byte slice sharing the underlying array.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Xor returns the bitwise XOR of two hashes, used for Kademlia distance.
func (h Hash) Xor(o Hash) Hash {
	var out Hash
	for i := range out {
		out[i] = h[i] ^ o[i]
	}
	return out
}

// Less compares two hashes as big-endian unsigned integers, used to break
// ties lexicographically on hash when XOR distances are equal.
func (h Hash) Less(o Hash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}
