package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// Participating is one entry in the per-process table of tunnels we relay
// for someone else. Entries expire at creation+10min and
// are never renewed.
type Participating struct {
	RecvTunnelID uint32
	NextHop      crypto.Hash
	NextTunnelID uint32
	LayerKey     [crypto.KeySize]byte
	IVKey        [crypto.KeySize]byte
	IsGateway    bool // true: we are the tunnel's gateway; relayFrame does not consult it
	IsEndpoint   bool // true: we are the tunnel's endpoint, decrypt rather than relay
	ExpiresAt    time.Time
}

// ParticipantTable is the per-process, single-locked registry of
// participating tunnels, guarded for the duration of insert/lookup only.
type ParticipantTable struct {
	mu       sync.Mutex
	byTunnel map[uint32]*Participating
	capacity int
}

// NewParticipantTable creates a table capped at capacity concurrent
// entries; builds beyond capacity are rejected with util.ErrBandwidthExceeded.
func NewParticipantTable(capacity int) *ParticipantTable {
	return &ParticipantTable{byTunnel: make(map[uint32]*Participating), capacity: capacity}
}

// Add inserts p keyed by its RecvTunnelID, rejecting the insert if the
// table is at capacity.
func (t *ParticipantTable) Add(p *Participating) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.byTunnel) >= t.capacity {
		return fmt.Errorf("%w: participating tunnel table at capacity (%d)", util.ErrBandwidthExceeded, t.capacity)
	}
	t.byTunnel[p.RecvTunnelID] = p
	return nil
}

// Get returns the participating entry for tunnelID, if any.
func (t *ParticipantTable) Get(tunnelID uint32) (*Participating, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byTunnel[tunnelID]
	return p, ok
}

// Count returns the number of currently held entries.
func (t *ParticipantTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTunnel)
}

// EvictExpired removes every entry whose ExpiresAt has passed as of now,
// returning the evicted tunnel IDs. Intended to run once per housekeeping
// tick.
func (t *ParticipantTable) EvictExpired(now time.Time) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []uint32
	for id, p := range t.byTunnel {
		if now.After(p.ExpiresAt) {
			delete(t.byTunnel, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
