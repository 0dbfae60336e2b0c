package netdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// MaxLeaseSetRequestTimeout bounds a single iterative lookup's
// wall-clock budget.
const MaxLeaseSetRequestTimeout = 5 * time.Second

// MaxLookupFloodfills bounds the number of floodfills a single lookup
// will contact before giving up, the lookup-side exclusion cap (distinct
// from the larger wire-side cap in lib/i2np).
const MaxLookupFloodfills = 7

// perFloodfillWait is each contacted floodfill's share of the lookup
// budget before the next candidate is tried.
const perFloodfillWait = MaxLeaseSetRequestTimeout / MaxLookupFloodfills

// lookupPollInterval is how often the local table is re-checked for a
// reply that the store handler has inserted.
const lookupPollInterval = 50 * time.Millisecond

// Sender abstracts delivering an I2NP message to a peer over a tunnel or
// directly; the transport/tunnel subsystems implement it. NetDb depends
// only on this narrow interface, never on the transport or tunnel types
// directly.
type Sender interface {
	SendToPeer(ctx context.Context, peer crypto.Hash, msg *i2np.Message) error
}

// pendingLookup tracks one in-flight iterative lookup so concurrent
// requests for the same key coalesce onto it.
type pendingLookup struct {
	key      crypto.Hash
	excluded map[crypto.Hash]bool
	waiters  []chan lookupResult
}

type lookupResult struct {
	router *common.RouterInfo
	lease  *common.LeaseSet
	err    error
}

// Lookups coordinates outbound DatabaseLookup requests against a NetDb.
type Lookups struct {
	db     *NetDb
	sender Sender
	self   crypto.Hash // carried as the lookup's From field so responders can reply

	mu      sync.Mutex
	pending map[crypto.Hash]*pendingLookup
}

// NewLookups creates a lookup coordinator sending requests through sender,
// identifying itself as self in each request's From field.
func NewLookups(db *NetDb, sender Sender, self crypto.Hash) *Lookups {
	return &Lookups{db: db, sender: sender, self: self, pending: make(map[crypto.Hash]*pendingLookup)}
}

// LookupRouterInfo resolves target's RouterInfo, first checking the local
// table, then issuing an iterative DatabaseLookup against the closest
// floodfills.
func (l *Lookups) LookupRouterInfo(ctx context.Context, target crypto.Hash) (*common.RouterInfo, error) {
	if ri, ok := l.db.FindRouterInfo(target); ok {
		return ri, nil
	}
	res := l.coalesce(ctx, target)
	if res.err != nil {
		return nil, res.err
	}
	return res.router, nil
}

// LookupLeaseSet resolves target's LeaseSet the same way.
func (l *Lookups) LookupLeaseSet(ctx context.Context, target crypto.Hash) (*common.LeaseSet, error) {
	if ls, ok := l.db.FindLeaseSet(target); ok {
		return ls, nil
	}
	res := l.coalesce(ctx, target)
	if res.err != nil {
		return nil, res.err
	}
	return res.lease, nil
}

func (l *Lookups) coalesce(ctx context.Context, target crypto.Hash) lookupResult {
	l.mu.Lock()
	if p, ok := l.pending[target]; ok {
		ch := make(chan lookupResult, 1)
		p.waiters = append(p.waiters, ch)
		l.mu.Unlock()
		select {
		case res := <-ch:
			return res
		case <-ctx.Done():
			return lookupResult{err: ctx.Err()}
		}
	}
	p := &pendingLookup{key: target, excluded: make(map[crypto.Hash]bool)}
	l.pending[target] = p
	l.mu.Unlock()

	res := l.runIterative(ctx, p)

	l.mu.Lock()
	delete(l.pending, target)
	l.mu.Unlock()
	for _, ch := range p.waiters {
		ch <- res
	}
	return res
}

func (l *Lookups) runIterative(ctx context.Context, p *pendingLookup) lookupResult {
	ctx, cancel := context.WithTimeout(ctx, MaxLeaseSetRequestTimeout)
	defer cancel()

	for contacted := 0; contacted < MaxLookupFloodfills; contacted++ {
		ff, ok := l.db.GetClosestFloodfill(p.key, p.excluded)
		if !ok {
			return lookupResult{err: fmt.Errorf("%w: no floodfill available for lookup", util.ErrNotFound)}
		}
		p.excluded[ff.Hash()] = true

		msg := &i2np.Message{
			Type:       i2np.TypeDatabaseLookup,
			MsgID:      util.NewID(),
			Expiration: time.Now().Add(MaxLeaseSetRequestTimeout),
			Payload: (&i2np.DatabaseLookupPayload{
				Key:      p.key,
				From:     l.self,
				Flags:    i2np.LookupNormal,
				Excluded: excludedList(p.excluded),
			}).Encode(),
		}
		if err := l.sender.SendToPeer(ctx, ff.Hash(), msg); err != nil {
			continue
		}

		// A positive reply arrives as a DatabaseStore that the store
		// handler inserts into the local table, so poll it until this
		// floodfill's share of the budget runs out.
		hopDeadline := time.NewTimer(perFloodfillWait)
		tick := time.NewTicker(lookupPollInterval)
		for waiting := true; waiting; {
			if ri, ok := l.db.FindRouterInfo(p.key); ok {
				hopDeadline.Stop()
				tick.Stop()
				return lookupResult{router: ri}
			}
			if ls, ok := l.db.FindLeaseSet(p.key); ok {
				hopDeadline.Stop()
				tick.Stop()
				return lookupResult{lease: ls}
			}
			select {
			case <-ctx.Done():
				hopDeadline.Stop()
				tick.Stop()
				return lookupResult{err: ctx.Err()}
			case <-hopDeadline.C:
				waiting = false
			case <-tick.C:
			}
		}
		tick.Stop()
	}
	return lookupResult{err: fmt.Errorf("%w: lookup exhausted %d floodfills", util.ErrTimeout, MaxLookupFloodfills)}
}

// excludedList flattens an exclusion set into the wire form a
// DatabaseLookup carries.
func excludedList(m map[crypto.Hash]bool) []crypto.Hash {
	out := make([]crypto.Hash, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	return out
}

// HandleSearchReplyMessage processes an inbound DatabaseSearchReply: the
// responder did not hold the record but named up to 3 peers closer to
// the key. Any named peer we have no RouterInfo for is requested from
// the responder directly (a single non-recursive hop), which is how
// exploratory lookups surface previously unknown routers.
func (l *Lookups) HandleSearchReplyMessage(msg *i2np.Message) error {
	p, err := i2np.DecodeDatabaseSearchReply(msg.Payload)
	if err != nil {
		return err
	}
	for _, peer := range p.Peers {
		if _, ok := l.db.FindRouterInfo(peer); ok {
			continue
		}
		req := &i2np.Message{
			Type:       i2np.TypeDatabaseLookup,
			MsgID:      util.NewID(),
			Expiration: time.Now().Add(MaxLeaseSetRequestTimeout),
			Payload: (&i2np.DatabaseLookupPayload{
				Key:   peer,
				From:  l.self,
				Flags: i2np.LookupNormal,
			}).Encode(),
		}
		if err := l.sender.SendToPeer(context.Background(), p.From, req); err != nil {
			return err
		}
	}
	return nil
}
