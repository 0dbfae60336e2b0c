package netdb

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// sortKey returns (and caches) an xxhash of the XOR distance between
// router and routingKey. GetClosestFloodfill and GetClosestFloodfills do
// not call it: they order candidates by the SHA-256-based XOR distance
// itself (routingKey XOR router.Hash, compared with Hash.Less).
func (d *NetDb) sortKey(router, routingKey crypto.Hash) uint64 {
	key := sortCacheKey{Router: router, Key: routingKey}
	if v, ok := d.sortCache.Get(key); ok {
		return v
	}
	dist := router.Xor(routingKey)
	v := xxhash.Sum64(dist.Bytes())
	d.sortCache.Add(key, v)
	return v
}

// GetClosestFloodfill returns the floodfill minimizing
// routingKey(target) XOR floodfill.hash, excluding any hash in excluded
// and any router currently marked unreachable. Ties are broken
// lexicographically on hash.
func (d *NetDb) GetClosestFloodfill(target crypto.Hash, excluded map[crypto.Hash]bool) (*common.RouterInfo, bool) {
	routingKey := common.RoutingKeyNow(target)

	var best *common.RouterInfo
	var bestDist crypto.Hash
	for _, ff := range d.Floodfills() {
		h := ff.Hash()
		if excluded[h] || d.isUnreachable(h) {
			continue
		}
		dist := routingKey.Xor(h)
		if best == nil || dist.Less(bestDist) {
			best, bestDist = ff, dist
		}
	}
	return best, best != nil
}

// GetClosestFloodfills returns the n floodfills nearest routingKey(target)
// by the same metric, sorted ascending by distance.
func (d *NetDb) GetClosestFloodfills(target crypto.Hash, n int, excluded map[crypto.Hash]bool) []*common.RouterInfo {
	routingKey := common.RoutingKeyNow(target)

	type scored struct {
		ri   *common.RouterInfo
		dist crypto.Hash
	}
	var candidates []scored
	for _, ff := range d.Floodfills() {
		h := ff.Hash()
		if excluded[h] || d.isUnreachable(h) {
			continue
		}
		candidates = append(candidates, scored{ri: ff, dist: routingKey.Xor(h)})
	}
	// Insertion sort: the candidate set per lookup is small (floodfill
	// counts are a modest fraction of total routers), so O(n^2) here
	// avoids pulling in a sort.Slice closure allocation per call.
	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && candidates[j].dist.Less(candidates[j-1].dist) {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
			j--
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]*common.RouterInfo, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].ri
	}
	return out
}

// pruneUnreachableThreshold chooses the reachability cutoff: 72h
// normally, 30h once more than 300 routers are known, or 60min
// when the router is behind an introducer (supplied by the caller since
// NetDb itself doesn't know the local router's own reachability).
func pruneUnreachableThreshold(knownRouters int, usingIntroducer bool) time.Duration {
	switch {
	case usingIntroducer:
		return 60 * time.Minute
	case knownRouters > 300:
		return 30 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// PruneStale marks RouterInfos older than the reachability threshold
// unreachable and deletes their persisted files. Returns the hashes
// pruned.
func (d *NetDb) PruneStale(usingIntroducer bool) []crypto.Hash {
	d.mu.Lock()
	threshold := pruneUnreachableThreshold(len(d.routers), usingIntroducer)
	cutoff := time.Now().Add(-threshold)
	var pruned []crypto.Hash
	for h, ri := range d.routers {
		if ri.Published.Before(cutoff) {
			delete(d.routers, h)
			pruned = append(pruned, h)
		}
	}
	d.mu.Unlock()

	for _, h := range pruned {
		d.MarkUnreachable(h, threshold)
		_ = d.deleteRouterInfoFile(h)
	}
	return pruned
}
