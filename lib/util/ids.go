package util

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is a process-wide monotonic ULID entropy source built over
// crypto/rand.Reader, the same CSPRNG every other primitive in this
// codebase uses (lib/crypto/rand.go). ulid.Monotonic's reader is not
// safe for concurrent use on its own, so idMu serializes NewID calls.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a process-unique, non-repeating 32-bit identifier derived
// from a fresh ULID's low-order entropy bytes. Used wherever a wire
// field needs a process-unique, non-repeating u32: tunnel build record
// sendMsgID, garlic clove IDs, and delivery-status nonces.
func NewID() uint32 {
	idMu.Lock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), idEntropy)
	idMu.Unlock()
	if err != nil {
		// ulid.New only errors if the entropy source itself fails, which
		// means crypto/rand is broken; there is no safe fallback.
		panic(err)
	}
	e := id.Entropy()
	return uint32(e[6])<<24 | uint32(e[7])<<16 | uint32(e[8])<<8 | uint32(e[9])
}
