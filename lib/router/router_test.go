package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/config"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.DataDir = dir
	cfg.KeysFile = filepath.Join(dir, "router.keys")
	return cfg
}

func TestNewPersistsAndReloadsIdentity(t *testing.T) {
	cfg := testConfig(t)

	c1, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := c1.SelfHash()

	c2, err := New(cfg)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if c2.SelfHash() != first {
		t.Fatalf("identity changed across restarts: %x != %x", c2.SelfHash().Bytes()[:8], first.Bytes()[:8])
	}
}

func TestRouterInfoAdvertisesConfiguredTransports(t *testing.T) {
	cfg := testConfig(t)
	cfg.NTCPPort = 14108
	cfg.SSUPort = 14109
	cfg.Floodfill = true

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ri := c.RouterInfo()
	if err := ri.Verify(); err != nil {
		t.Fatalf("own RouterInfo does not verify: %v", err)
	}
	if len(ri.Addresses) != 2 {
		t.Fatalf("addresses = %d, want 2", len(ri.Addresses))
	}
	if !ri.IsFloodfill() {
		t.Fatalf("floodfill capability missing from own RouterInfo")
	}
}

func TestOpenDestinationIsIdempotentPerIdentity(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	priv, _, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	signer, verifier, err := crypto.GenerateEdDSAKeyPair()
	if err != nil {
		t.Fatalf("GenerateEdDSAKeyPair: %v", err)
	}

	d1, err := c.OpenDestination(priv, signer, verifier)
	if err != nil {
		t.Fatalf("OpenDestination: %v", err)
	}
	d2, err := c.OpenDestination(priv, signer, verifier)
	if err != nil {
		t.Fatalf("OpenDestination (again): %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected the same destination for the same identity")
	}

	d1.Close()
	d3, err := c.OpenDestination(priv, signer, verifier)
	if err != nil {
		t.Fatalf("OpenDestination (after close): %v", err)
	}
	if d3 == d1 {
		t.Fatalf("expected a fresh destination after Close")
	}
}

func TestDispatcherSenderChecksContextFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &dispatcherSender{}
	if err := s.SendToPeer(ctx, crypto.SHA256([]byte("peer")), nil); err == nil {
		t.Fatalf("expected cancelled context to short-circuit the send")
	}
}

func TestAdvertiseIntroducersRepublishesAndPersists(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	intros := []common.Introducer{{Host: "10.0.0.9", Port: 4111, Tag: 7}}
	if err := c.AdvertiseIntroducers(intros); err != nil {
		t.Fatalf("AdvertiseIntroducers: %v", err)
	}

	var found bool
	for _, a := range c.RouterInfo().Addresses {
		if a.Style != common.StyleSSU {
			continue
		}
		got := a.Introducers()
		if len(got) == 1 && got[0] == intros[0] {
			found = true
		}
	}
	if !found {
		t.Fatal("SSU address does not carry the advertised introducer")
	}
	if err := c.RouterInfo().Verify(); err != nil {
		t.Fatalf("re-signed RouterInfo does not verify: %v", err)
	}

	info, err := os.Stat(filepath.Join(cfg.DataDir, "router.info"))
	if err != nil {
		t.Fatalf("router.info not written: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("router.info is empty")
	}
}
