package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandUint32 returns a uniformly random uint32.
func RandUint32() (uint32, error) {
	b, err := RandomBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Integer is the set of types RandInRange supports.
type Integer interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64
}

// RandInRange returns a uniformly random value in [lo, hi), thread-safe
// because it allocates no shared state (crypto/rand.Reader is itself
// safe for concurrent use).
func RandInRange[T Integer](lo, hi T) (T, error) {
	if hi <= lo {
		return lo, nil
	}
	span := big.NewInt(int64(hi) - int64(lo))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}
	return lo + T(n.Int64()), nil
}
