package common

import (
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

func newTestIdentity(t *testing.T) (*RouterIdentity, crypto.Signer) {
	t.Helper()
	_, epub, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	priv, pub, err := crypto.GenerateEdDSAKeyPair()
	if err != nil {
		t.Fatalf("GenerateEdDSAKeyPair: %v", err)
	}
	id, err := NewRouterIdentity(*epub, pub)
	if err != nil {
		t.Fatalf("NewRouterIdentity: %v", err)
	}
	return id, priv
}

func TestRouterInfoSignVerifyRoundTrip(t *testing.T) {
	id, signer := newTestIdentity(t)
	ri := &RouterInfo{
		Identity:  id,
		Published: time.Now(),
		Addresses: []RouterAddress{
			{Style: StyleNTCP, Cost: 10, Options: map[string]string{"host": "1.2.3.4", "port": "12345"}},
		},
		Options: map[string]string{"caps": "fO"},
	}
	if err := ri.Sign(signer); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := ri.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ri.IsFloodfill() {
		t.Fatalf("expected floodfill capability")
	}

	ri.Options["caps"] = "O"
	if err := ri.Verify(); err == nil {
		t.Fatalf("expected verify to fail after mutating signed fields")
	}
}

func TestLeaseSetUsableAndExpiry(t *testing.T) {
	id, signer := newTestIdentity(t)
	ls := &LeaseSet{
		Destination: id,
		Leases: []Lease{
			{Gateway: crypto.SHA256([]byte("gw1")), TunnelID: 1, Expiration: time.Now().Add(5 * time.Minute)},
			{Gateway: crypto.SHA256([]byte("gw2")), TunnelID: 2, Expiration: time.Now().Add(-1 * time.Minute)},
		},
	}
	if err := ls.Sign(signer); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := ls.Verify(time.Now()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ls.Usable(time.Now()) {
		t.Fatalf("expected lease set usable (one lease unexpired)")
	}

	allExpired := &LeaseSet{
		Destination: id,
		Leases: []Lease{
			{Gateway: crypto.SHA256([]byte("gw1")), TunnelID: 1, Expiration: time.Now().Add(-1 * time.Minute)},
		},
	}
	if allExpired.Usable(time.Now()) {
		t.Fatalf("expected all-expired lease set to be unusable")
	}
}

func TestRoutingKeyRotatesDaily(t *testing.T) {
	ident := crypto.SHA256([]byte("router"))
	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	k1 := RoutingKey(ident, day1)
	k2 := RoutingKey(ident, day2)
	if k1 == k2 {
		t.Fatalf("expected routing key to rotate across the day boundary")
	}
	if RoutingKey(ident, day1) != k1 {
		t.Fatalf("expected routing key to be deterministic for the same day")
	}
}
