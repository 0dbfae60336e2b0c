// Package garlic implements the end-to-end encryption layer: per-destination
// outbound sessions keyed by ElGamal then AES session tags, clove wrapping,
// and delivery-status-based tag confirmation.
package garlic

import (
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// SessionTag is a 32-byte opaque value that identifies a live AES session
// key without re-running ElGamal.
type SessionTag [crypto.HashSize]byte

// Tag lifetimes.
const (
	MaxTagsPerMessage          = 40
	UnconfirmedTagTimeout      = 4 * time.Second // LEASET_CONFIRMATION_TIMEOUT
	OutboundTagLifetime        = 12 * time.Minute
	InboundTagLifetime         = 16 * time.Minute
)

// tagState is a tag's lifecycle: pending confirmation, or live and usable.
type tagState int

const (
	tagUnconfirmed tagState = iota
	tagLive
)

// tagEntry is one tag tracked by a session (outbound) or the inbound
// index, with its associated AES key and expiration.
type tagEntry struct {
	key     [crypto.KeySize]byte
	state   tagState
	expires time.Time
}

func newSessionTag() (SessionTag, error) {
	var t SessionTag
	b, err := crypto.RandomBytes(crypto.HashSize)
	if err != nil {
		return t, err
	}
	copy(t[:], b)
	return t, nil
}
