// Package netdb implements the network database: an in-memory Kademlia-
// like store of RouterInfo and LeaseSet records keyed by a routing hash
// that rotates daily, flood-fill publication, and iterative lookups.
package netdb

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// MinRequiredRouters is the floor below which startup triggers a reseed.
const MinRequiredRouters = 25

// floodfillSortCacheSize bounds the LRU cache behind sortKey.
const floodfillSortCacheSize = 1024

// NetDb is the single owner of RouterInfo and LeaseSet records; other
// subsystems receive immutable shared views, never direct map access.
type NetDb struct {
	log *logrus.Entry

	mu      sync.RWMutex // guards routers + floodfills
	routers map[crypto.Hash]*common.RouterInfo

	lsMu      sync.RWMutex // guards leaseSets
	leaseSets map[crypto.Hash]*common.LeaseSet

	// sortCache memoizes sortKey's result (xxhash of the router XOR
	// routingKey distance) per (router, routing key) pair.
	sortCache *lru.Cache[sortCacheKey, uint64]

	dataDir string

	unreachable   map[crypto.Hash]time.Time
	unreachableMu sync.Mutex
}

type sortCacheKey struct {
	Router crypto.Hash
	Key    crypto.Hash
}

// New creates an empty NetDb persisting RouterInfos under dataDir/netDb.
func New(dataDir string) *NetDb {
	cache, err := lru.New[sortCacheKey, uint64](floodfillSortCacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size, which is a
		// programmer error, not a runtime condition.
		panic(err)
	}
	return &NetDb{
		log:         logrus.WithField("component", "netdb"),
		routers:     make(map[crypto.Hash]*common.RouterInfo),
		leaseSets:   make(map[crypto.Hash]*common.LeaseSet),
		sortCache:   cache,
		dataDir:     dataDir,
		unreachable: make(map[crypto.Hash]time.Time),
	}
}

// RouterCount returns the number of known routers.
func (d *NetDb) RouterCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.routers)
}

// StoreRouterInfo validates and inserts/updates a RouterInfo. Returns
// util.ErrAuthFailed if the signature doesn't verify and util.ErrMalformed
// if the timestamp regresses for a known identity.
func (d *NetDb) StoreRouterInfo(ri *common.RouterInfo) error {
	if err := ri.Verify(); err != nil {
		return err
	}
	h := ri.Hash()

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.routers[h]; ok && ri.Published.Before(existing.Published) {
		return util.ErrMalformed
	}
	d.routers[h] = ri
	d.log.WithField("router", shortHash(h)).Debug("stored router info")
	return nil
}

// FindRouterInfo returns the RouterInfo for h, or (nil, false).
func (d *NetDb) FindRouterInfo(h crypto.Hash) (*common.RouterInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ri, ok := d.routers[h]
	return ri, ok
}

// StoreLeaseSet validates and inserts/updates a LeaseSet. LeaseSets are
// memory-only.
func (d *NetDb) StoreLeaseSet(ls *common.LeaseSet) error {
	if err := ls.Verify(time.Now()); err != nil {
		return err
	}
	h := ls.Hash()
	d.lsMu.Lock()
	defer d.lsMu.Unlock()
	d.leaseSets[h] = ls
	return nil
}

// FindLeaseSet returns the LeaseSet for h if present and still usable,
// purging it first if every lease has expired.
func (d *NetDb) FindLeaseSet(h crypto.Hash) (*common.LeaseSet, bool) {
	d.lsMu.Lock()
	defer d.lsMu.Unlock()
	ls, ok := d.leaseSets[h]
	if !ok {
		return nil, false
	}
	if !ls.Usable(time.Now()) {
		delete(d.leaseSets, h)
		return nil, false
	}
	return ls, true
}

// AllReachable returns every known router not currently marked
// unreachable, the candidate pool the tunnel subsystem selects hops from.
func (d *NetDb) AllReachable() []*common.RouterInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*common.RouterInfo, 0, len(d.routers))
	for h, ri := range d.routers {
		if d.isUnreachable(h) {
			continue
		}
		out = append(out, ri)
	}
	return out
}

// Floodfills returns every router currently advertising the floodfill
// capability.
func (d *NetDb) Floodfills() []*common.RouterInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*common.RouterInfo
	for _, ri := range d.routers {
		if ri.IsFloodfill() {
			out = append(out, ri)
		}
	}
	return out
}

// MarkUnreachable records h as unreachable until now+ttl. Reachability is
// consulted by GetClosestFloodfill and the tunnel hop selector.
func (d *NetDb) MarkUnreachable(h crypto.Hash, ttl time.Duration) {
	d.unreachableMu.Lock()
	defer d.unreachableMu.Unlock()
	d.unreachable[h] = time.Now().Add(ttl)
}

func (d *NetDb) isUnreachable(h crypto.Hash) bool {
	d.unreachableMu.Lock()
	defer d.unreachableMu.Unlock()
	until, ok := d.unreachable[h]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(d.unreachable, h)
		return false
	}
	return true
}

func shortHash(h crypto.Hash) string {
	return fmt.Sprintf("%x", h.Bytes()[:4])
}
