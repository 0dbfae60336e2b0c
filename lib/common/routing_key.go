package common

import (
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// DateBytes encodes a UTC day boundary as "yyyymmdd" ASCII bytes, the
// daily-rotating salt the NetDb routing key is derived from.
func DateBytes(day time.Time) []byte {
	return []byte(day.UTC().Format("20060102"))
}

// RoutingKey computes the Kademlia routing key for ident as of day:
// SHA256(ident || dateBytes(day)). The key space rotates daily at UTC
// midnight so routing responsibility shifts predictably.
func RoutingKey(ident crypto.Hash, day time.Time) crypto.Hash {
	return crypto.SHA256(ident.Bytes(), DateBytes(day))
}

// RoutingKeyNow is RoutingKey evaluated at the current day boundary.
func RoutingKeyNow(ident crypto.Hash) crypto.Hash {
	return RoutingKey(ident, time.Now())
}
