// Package transport owns the peer table shared by the NTCP and SSU
// transports: session lookup, opener fallback (NTCP then SSU), delayed
// message queuing while a session is pending, and bandwidth accounting.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// SessionCreationTimeout bounds how long a peer is given to complete a
// handshake before it is considered unreachable via that attempt.
const SessionCreationTimeout = 10 * time.Second

// PeerEvictionTimeout is SESSION_CREATION_TIMEOUT * 5: a peer with no
// live session after this long is dropped from the table.
const PeerEvictionTimeout = 5 * SessionCreationTimeout

// LowBandwidthLimit throttles routers advertising capability <= L.
const LowBandwidthLimit = 32 * 1024 // bytes/sec

// dedupCacheSize bounds the recently-seen-message-ID cache used for
// cross-transport duplicate detection.
const dedupCacheSize = 8192

// Session is the common contract both NTCP and SSU sessions satisfy.
type Session interface {
	SendMessages(msgs []*i2np.Message) error
	Close() error
	RemoteIdentity() crypto.Hash
	Counters() (inBytes, outBytes uint64)
}

// Opener opens a new Session to ri, blocking until the handshake
// completes or fails.
type Opener interface {
	Open(ri *common.RouterInfo) (Session, error)
}

// Peer tracks a remote router's known address, live sessions, and
// messages queued while a session is being established.
type Peer struct {
	Router      *common.RouterInfo
	Sessions    []Session
	Delayed     []*i2np.Message
	NumAttempts uint8
	CreatedAt   time.Time
}

// Dispatcher is the single upper-layer object that owns both transports'
// peer table.
type Dispatcher struct {
	log *logrus.Entry

	ntcp Opener
	ssu  Opener
	netdb NetDbSource

	mu    sync.Mutex
	peers map[crypto.Hash]*Peer

	dedup *lru.Cache[uint32, struct{}]

	inBw, outBw atomic.Int64 // bytes/sec, updated by the sampler
	inCount, outCount atomic.Int64 // raw byte counters since last sample
}

// NetDbSource is the narrow NetDb view the dispatcher needs to resolve a
// peer hash it has no RouterInfo for yet.
type NetDbSource interface {
	FindRouterInfo(h crypto.Hash) (*common.RouterInfo, bool)
}

// NewDispatcher creates a Dispatcher that opens NTCP sessions before
// falling back to SSU.
func NewDispatcher(ntcp, ssu Opener, netdb NetDbSource) *Dispatcher {
	cache, err := lru.New[uint32, struct{}](dedupCacheSize)
	if err != nil {
		panic(err)
	}
	return &Dispatcher{
		log:   logrus.WithField("component", "transport-dispatcher"),
		ntcp:  ntcp,
		ssu:   ssu,
		netdb: netdb,
		peers: make(map[crypto.Hash]*Peer),
		dedup: cache,
	}
}

// Seen reports whether msgID has been observed recently across either
// transport, and records it if not (duplicate I2NP delivery suppression).
func (d *Dispatcher) Seen(msgID uint32) bool {
	if d.dedup.Contains(msgID) {
		return true
	}
	d.dedup.Add(msgID, struct{}{})
	return false
}

// Send dispatches msgs to the peer identified by h: reuse an existing
// session, open one via NTCP then SSU if the RouterInfo is known, or
// fail with util.ErrUnreachable so the caller can trigger a NetDb
// lookup and retry.
func (d *Dispatcher) Send(h crypto.Hash, msgs []*i2np.Message) error {
	d.mu.Lock()
	p, ok := d.peers[h]
	if !ok {
		ri, found := d.netdb.FindRouterInfo(h)
		if !found {
			d.mu.Unlock()
			return fmt.Errorf("%w: no known route to peer", util.ErrUnreachable)
		}
		p = &Peer{Router: ri, CreatedAt: time.Now()}
		d.peers[h] = p
	}
	if len(p.Sessions) > 0 {
		sess := p.Sessions[len(p.Sessions)-1]
		d.mu.Unlock()
		return d.send(sess, msgs)
	}
	p.Delayed = append(p.Delayed, msgs...)
	router := p.Router
	d.mu.Unlock()

	return d.openAndFlush(h, router)
}

func (d *Dispatcher) openAndFlush(h crypto.Hash, ri *common.RouterInfo) error {
	style := common.StyleNTCP
	sess, err := d.ntcp.Open(ri)
	if err != nil {
		d.log.WithError(err).WithField("peer", h).Debug("NTCP open failed, trying SSU")
		style = common.StyleSSU
		sess, err = d.ssu.Open(ri)
	}
	if err == nil {
		ri.MarkReachable(style, time.Now())
	}

	d.mu.Lock()
	p := d.peers[h]
	if err != nil {
		p.NumAttempts++
		p.Delayed = nil
		d.mu.Unlock()
		return fmt.Errorf("%w: both NTCP and SSU open failed: %v", util.ErrUnreachable, err)
	}
	p.Sessions = append(p.Sessions, sess)
	delayed := p.Delayed
	p.Delayed = nil
	d.mu.Unlock()

	return d.send(sess, delayed)
}

func (d *Dispatcher) send(sess Session, msgs []*i2np.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := sess.SendMessages(msgs); err != nil {
		return err
	}
	n := 0
	for _, m := range msgs {
		n += i2np.HeaderSize + len(m.Payload)
	}
	d.outCount.Add(int64(n))
	return nil
}

// RecordInbound adds n bytes to the inbound raw counter, called by each
// transport as it delivers a frame.
func (d *Dispatcher) RecordInbound(n int) {
	d.inCount.Add(int64(n))
}

// Sample should be called at >= 1Hz; it converts the raw byte counters
// accumulated since the last call into bytes/sec and resets them.
func (d *Dispatcher) Sample(interval time.Duration) {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	d.inBw.Store(int64(float64(d.inCount.Swap(0)) / secs))
	d.outBw.Store(int64(float64(d.outCount.Swap(0)) / secs))
}

// Bandwidth returns the most recent inbound/outbound bytes/sec sample.
func (d *Dispatcher) Bandwidth() (inBw, outBw int64) {
	return d.inBw.Load(), d.outBw.Load()
}

// OverLowBandwidthLimit reports whether outbound bandwidth currently
// exceeds LowBandwidthLimit, the threshold at which low-capability
// routers refuse additional participating traffic.
func (d *Dispatcher) OverLowBandwidthLimit() bool {
	_, out := d.Bandwidth()
	return out > LowBandwidthLimit
}

// EvictIdle drops peers whose session list is empty and whose entry is
// older than PeerEvictionTimeout.
func (d *Dispatcher) EvictIdle(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	evicted := 0
	for h, p := range d.peers {
		if len(p.Sessions) == 0 && now.Sub(p.CreatedAt) > PeerEvictionTimeout {
			delete(d.peers, h)
			evicted++
		}
	}
	return evicted
}

// PeerCount returns the number of tracked peers.
func (d *Dispatcher) PeerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// RemoveSession detaches sess from its peer's session list, called when
// a transport reports a session has closed.
func (d *Dispatcher) RemoveSession(h crypto.Hash, sess Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[h]
	if !ok {
		return
	}
	for i, s := range p.Sessions {
		if s == sess {
			p.Sessions = append(p.Sessions[:i], p.Sessions[i+1:]...)
			break
		}
	}
}
