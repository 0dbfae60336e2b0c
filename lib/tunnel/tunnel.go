// Package tunnel implements the tunnel subsystem: build-request chain
// construction, per-hop participating relay, tunnel message fragmentation,
// and the per-destination tunnel pool.
package tunnel

import (
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// MaxHops is the largest tunnel length the build protocol supports.
const MaxHops = 8

// Lifetime is how long a tunnel remains valid after it is established.
const Lifetime = 10 * time.Minute

// ExpiringThreshold is how far before Lifetime's end a tunnel pool treats
// a tunnel as due for replacement.
const ExpiringThreshold = 60 * time.Second

// Direction distinguishes an inbound tunnel (we are the endpoint) from an
// outbound one (we are the gateway).
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// State is a tunnel's lifecycle stage: pending_build -> established ->
// expiring (T-60s) -> failed | expired.
type State int

const (
	StatePendingBuild State = iota
	StateEstablished
	StateExpiring
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePendingBuild:
		return "pending_build"
	case StateEstablished:
		return "established"
	case StateExpiring:
		return "expiring"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Hop is one router in a tunnel's chain, with the symmetric keys and
// tunnel IDs negotiated for it during the build.
type Hop struct {
	PeerHash   crypto.Hash
	LayerKey   [crypto.KeySize]byte
	IVKey      [crypto.KeySize]byte
	ReplyKey   [crypto.KeySize]byte
	ReplyIV    [crypto.BlockSize]byte
	RecvTunnel uint32 // tunnel ID this hop expects to see inbound
	SendTunnel uint32 // tunnel ID this hop uses when forwarding onward
}

// Tunnel is a built chain of 1..8 hops, either outbound (we are the
// gateway) or inbound (we are the endpoint).
type Tunnel struct {
	ID        uint32 // the gateway-facing (outbound) or endpoint-facing (inbound) tunnel ID
	Direction Direction
	Hops      []Hop
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time

	// Gateway and Endpoint identify the two ends for lease/first-hop
	// bookkeeping: for Inbound tunnels Gateway is hops[0].PeerHash (what
	// we publish in our LeaseSet); for Outbound tunnels Endpoint is
	// hops[len-1].PeerHash (who delivers the final fragment).
	Gateway  crypto.Hash
	Endpoint crypto.Hash
}

// NewTunnel constructs a Tunnel in StatePendingBuild from a chosen hop
// chain.
func NewTunnel(id uint32, dir Direction, hops []Hop) *Tunnel {
	t := &Tunnel{
		ID:        id,
		Direction: dir,
		Hops:      hops,
		State:     StatePendingBuild,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(Lifetime),
	}
	if len(hops) > 0 {
		t.Gateway = hops[0].PeerHash
		t.Endpoint = hops[len(hops)-1].PeerHash
	}
	return t
}

// Len returns the number of hops.
func (t *Tunnel) Len() int { return len(t.Hops) }

// Expiring reports whether the tunnel has crossed the T-60s replacement
// threshold as of now.
func (t *Tunnel) Expiring(now time.Time) bool {
	return now.After(t.ExpiresAt.Add(-ExpiringThreshold))
}

// Expired reports whether the tunnel's lifetime has fully elapsed.
func (t *Tunnel) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Healthy reports whether the tunnel is usable for new traffic: built and
// not yet past its expiring threshold.
func (t *Tunnel) Healthy(now time.Time) bool {
	return t.State == StateEstablished && !t.Expiring(now)
}
