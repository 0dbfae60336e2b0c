package netdb

import (
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

func newTestRouterInfo(t *testing.T, caps string, published time.Time) (*common.RouterInfo, crypto.Signer) {
	t.Helper()
	_, epub, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	priv, pub, err := crypto.GenerateEdDSAKeyPair()
	if err != nil {
		t.Fatalf("GenerateEdDSAKeyPair: %v", err)
	}
	id, err := common.NewRouterIdentity(*epub, pub)
	if err != nil {
		t.Fatalf("NewRouterIdentity: %v", err)
	}
	ri := &common.RouterInfo{
		Identity:  id,
		Published: published,
		Options:   map[string]string{"caps": caps},
	}
	if err := ri.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return ri, priv
}

func TestNetDbStoreAndFindRouterInfo(t *testing.T) {
	db := New(t.TempDir())
	ri, _ := newTestRouterInfo(t, "fO", time.Now())

	if err := db.StoreRouterInfo(ri); err != nil {
		t.Fatalf("StoreRouterInfo: %v", err)
	}
	got, ok := db.FindRouterInfo(ri.Hash())
	if !ok {
		t.Fatalf("expected to find stored router info")
	}
	if got.Hash() != ri.Hash() {
		t.Fatalf("hash mismatch")
	}

	floodfills := db.Floodfills()
	if len(floodfills) != 1 {
		t.Fatalf("expected 1 floodfill, got %d", len(floodfills))
	}
}

func TestNetDbRejectsTimestampRegression(t *testing.T) {
	db := New(t.TempDir())
	now := time.Now()

	_, epub, _ := crypto.GenerateElGamalKeyPair()
	priv, pub, _ := crypto.GenerateEdDSAKeyPair()
	id, _ := common.NewRouterIdentity(*epub, pub)

	newer := &common.RouterInfo{Identity: id, Published: now, Options: map[string]string{}}
	if err := newer.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := db.StoreRouterInfo(newer); err != nil {
		t.Fatalf("StoreRouterInfo newer: %v", err)
	}

	older := &common.RouterInfo{Identity: id, Published: now.Add(-time.Hour), Options: map[string]string{}}
	if err := older.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := db.StoreRouterInfo(older); err == nil {
		t.Fatalf("expected timestamp regression to be rejected")
	}
}

func TestGetClosestFloodfillPicksMinimalXorDistance(t *testing.T) {
	db := New(t.TempDir())
	closer, _ := newTestRouterInfo(t, "f", time.Now())
	farther, _ := newTestRouterInfo(t, "f", time.Now())
	if err := db.StoreRouterInfo(closer); err != nil {
		t.Fatalf("StoreRouterInfo: %v", err)
	}
	if err := db.StoreRouterInfo(farther); err != nil {
		t.Fatalf("StoreRouterInfo: %v", err)
	}

	target := closer.Hash() // routingKey(target) XOR closer.Hash() isn't 0 (routing key includes date salt), but closer is still a valid candidate
	best, ok := db.GetClosestFloodfill(target, nil)
	if !ok {
		t.Fatalf("expected a floodfill to be found")
	}
	routingKey := common.RoutingKeyNow(target)
	want := closer
	if routingKey.Xor(farther.Hash()).Less(routingKey.Xor(closer.Hash())) {
		want = farther
	}
	if best.Hash() != want.Hash() {
		t.Fatalf("expected the floodfill with the smaller XOR distance to the routing key")
	}

	excluded := map[crypto.Hash]bool{best.Hash(): true}
	second, ok := db.GetClosestFloodfill(target, excluded)
	if !ok {
		t.Fatalf("expected a second floodfill candidate when the best is excluded")
	}
	if second.Hash() == best.Hash() {
		t.Fatalf("expected excluding the best candidate to surface a different one")
	}
}

func TestPruneUnreachableThreshold(t *testing.T) {
	if got := pruneUnreachableThreshold(10, false); got != 72*time.Hour {
		t.Fatalf("expected 72h default threshold, got %v", got)
	}
	if got := pruneUnreachableThreshold(301, false); got != 30*time.Hour {
		t.Fatalf("expected 30h threshold above 300 routers, got %v", got)
	}
	if got := pruneUnreachableThreshold(10, true); got != 60*time.Minute {
		t.Fatalf("expected 60min threshold when using an introducer, got %v", got)
	}
}

func TestMarkUnreachableExpires(t *testing.T) {
	db := New(t.TempDir())
	h := crypto.SHA256([]byte("peer"))
	db.MarkUnreachable(h, -time.Second) // already expired
	if db.isUnreachable(h) {
		t.Fatalf("expected expired unreachable mark to clear")
	}
	db.MarkUnreachable(h, time.Minute)
	if !db.isUnreachable(h) {
		t.Fatalf("expected fresh unreachable mark to hold")
	}
}

func TestNeedsReseed(t *testing.T) {
	db := New(t.TempDir())
	if !db.NeedsReseed() {
		t.Fatalf("expected empty netdb to need reseed")
	}
}
