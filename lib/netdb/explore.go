package netdb

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// ExplorationInterval and MaxExploredRouters drive exploratory
// discovery: every 30s, while fewer than 2500 routers are known, issue a
// lookup for a random key.
const (
	ExplorationInterval = 30 * time.Second
	MaxExploredRouters  = 2500
)

// Explorer drives the periodic exploratory lookup task as a cancellable
// background goroutine.
type Explorer struct {
	db      *NetDb
	lookups *Lookups
	log     *logrus.Entry
}

// NewExplorer creates an Explorer that issues lookups through lookups.
func NewExplorer(db *NetDb, lookups *Lookups) *Explorer {
	return &Explorer{db: db, lookups: lookups, log: logrus.WithField("component", "netdb-explore")}
}

// Run blocks, issuing an exploratory lookup every ExplorationInterval
// until ctx is cancelled. Cancellation is a no-op with respect to network
// effects: the in-flight lookup's context is derived from ctx and will
// itself be cancelled.
func (e *Explorer) Run(ctx context.Context) {
	ticker := time.NewTicker(ExplorationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.exploreOnce(ctx)
		}
	}
}

func (e *Explorer) exploreOnce(ctx context.Context) {
	if e.db.RouterCount() >= MaxExploredRouters {
		return
	}
	key, err := crypto.RandomBytes(crypto.HashSize)
	if err != nil {
		e.log.WithError(err).Warn("failed to generate exploration key")
		return
	}
	var target crypto.Hash
	copy(target[:], key)

	before := e.db.RouterCount()
	if _, err := e.lookups.LookupRouterInfo(ctx, target); err != nil {
		e.log.WithError(err).Debug("exploratory lookup did not resolve a specific router (expected; surfaces peers via search replies)")
	}
	after := e.db.RouterCount()
	if after > before {
		e.log.WithField("discovered", after-before).Info("exploratory lookup surfaced new routers")
	}
}
