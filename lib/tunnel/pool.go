package tunnel

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// DefaultLength is the default hop count a pool builds.
const DefaultLength = 3

// DefaultQuantity is the default number of tunnels a pool keeps in each
// direction.
const DefaultQuantity = 5

// Kind distinguishes a destination-owned pool from the router-wide
// exploratory pool used for NetDb lookups and builds issued before any
// destination-specific tunnels exist.
type Kind int

const (
	KindDestination Kind = iota
	KindExploratory
)

// PoolConfig sets a pool's target tunnel counts and hop length.
type PoolConfig struct {
	InboundQuantity  int
	OutboundQuantity int
	Length           int
	ExplicitPeers    []crypto.Hash // overrides NetDb hop selection when non-empty
}

// DefaultPoolConfig returns the defaults: 5 inbound, 5 outbound,
// length 3.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{InboundQuantity: DefaultQuantity, OutboundQuantity: DefaultQuantity, Length: DefaultLength}
}

// Builder is the narrow interface Pool depends on to actually build a
// tunnel; the concrete build-request/reply state machine is
// NetworkBuilder, which sends through a Sender, so Pool only asks for a
// completed Tunnel or an error.
type Builder interface {
	Build(dir Direction, cfg PoolConfig) (*Tunnel, error)
}

// Pool is the owner of a local destination's (or the router's
// exploratory) tunnel set. Its accessors return *Tunnel pointers into
// the pool's tunnels; Inbound and Outbound return a copy of the slice.
type Pool struct {
	kind    Kind
	cfg     PoolConfig
	builder Builder
	log     *logrus.Entry

	mu        sync.Mutex
	inbound   []*Tunnel
	outbound  []*Tunnel
	lruCursor int // round-robin index into outbound for least-recently-used selection

	onLeaseSetChanged func([]*Tunnel) // called with the new inbound set whenever it changes
}

// NewPool creates a pool of the given kind using builder to construct new
// tunnels.
func NewPool(kind Kind, cfg PoolConfig, builder Builder) *Pool {
	return &Pool{
		kind:    kind,
		cfg:     cfg,
		builder: builder,
		log:     logrus.WithField("component", "tunnel-pool"),
	}
}

// OnLeaseSetChanged registers a callback invoked with the pool's current
// inbound tunnel set whenever it changes, so the owning LocalDestination
// can republish its LeaseSet.
func (p *Pool) OnLeaseSetChanged(f func([]*Tunnel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeaseSetChanged = f
}

// Kind reports whether this pool belongs to a destination or is the
// router-wide exploratory pool used for NetDb lookups and builds issued
// before any destination-specific pool exists.
func (p *Pool) Kind() Kind { return p.kind }

// Inbound returns a snapshot of the current inbound tunnel set.
func (p *Pool) Inbound() []*Tunnel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Tunnel, len(p.inbound))
	copy(out, p.inbound)
	return out
}

// Outbound returns a snapshot of the current outbound tunnel set.
func (p *Pool) Outbound() []*Tunnel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Tunnel, len(p.outbound))
	copy(out, p.outbound)
	return out
}

// SelectOutbound returns the least-recently-used healthy outbound tunnel,
// rotating the cursor so repeated calls spread load across the set.
func (p *Pool) SelectOutbound(now time.Time) (*Tunnel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.outbound)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := (p.lruCursor + i) % n
		t := p.outbound[idx]
		if t.Healthy(now) {
			p.lruCursor = (idx + 1) % n
			return t, true
		}
	}
	return nil, false
}

// Housekeep runs one tick of the pool's background maintenance: drop
// expired tunnels, issue replacement builds for tunnels past the expiring
// threshold, and fire the LeaseSet-changed callback if the inbound set
// changed. It is meant to be called on a periodic timer by the owning
// executor.
func (p *Pool) Housekeep(now time.Time) {
	p.dropExpired(now)
	p.replaceExpiring(now)
}

func (p *Pool) dropExpired(now time.Time) {
	p.mu.Lock()
	before := len(p.inbound)
	p.inbound = filterTunnels(p.inbound, func(t *Tunnel) bool { return !t.Expired(now) })
	p.outbound = filterTunnels(p.outbound, func(t *Tunnel) bool { return !t.Expired(now) })
	changed := len(p.inbound) != before
	snapshot := append([]*Tunnel(nil), p.inbound...)
	cb := p.onLeaseSetChanged
	p.mu.Unlock()

	if changed && cb != nil {
		cb(snapshot)
	}
}

func (p *Pool) replaceExpiring(now time.Time) {
	p.mu.Lock()
	needInbound := p.cfg.InboundQuantity - countHealthyOrBuilding(p.inbound, now)
	needOutbound := p.cfg.OutboundQuantity - countHealthyOrBuilding(p.outbound, now)
	p.mu.Unlock()

	for i := 0; i < needInbound; i++ {
		p.buildAsync(Inbound)
	}
	for i := 0; i < needOutbound; i++ {
		p.buildAsync(Outbound)
	}
}

func (p *Pool) buildAsync(dir Direction) {
	t, err := p.builder.Build(dir, p.cfg)
	if err != nil {
		p.log.WithError(err).WithField("direction", dirString(dir)).Warn("tunnel build failed; pool will retry next tick")
		return
	}
	p.mu.Lock()
	if dir == Inbound {
		p.inbound = append(p.inbound, t)
	} else {
		p.outbound = append(p.outbound, t)
	}
	snapshot := append([]*Tunnel(nil), p.inbound...)
	cb := p.onLeaseSetChanged
	p.mu.Unlock()

	if dir == Inbound && cb != nil {
		cb(snapshot)
	}
}

func dirString(d Direction) string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

func countHealthyOrBuilding(tunnels []*Tunnel, now time.Time) int {
	n := 0
	for _, t := range tunnels {
		if t.State == StatePendingBuild || t.Healthy(now) {
			n++
		}
	}
	return n
}

func filterTunnels(tunnels []*Tunnel, keep func(*Tunnel) bool) []*Tunnel {
	out := tunnels[:0]
	for _, t := range tunnels {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
