package garlic

import (
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
)

func newTestClove(t *testing.T, id uint32) Clove {
	t.Helper()
	msg := &i2np.Message{
		Type:    i2np.TypeData,
		Payload: []byte("hello"),
	}
	return Clove{
		Instructions: DeliveryInstructions{Type: DeliveryLocal},
		Message:      msg,
		CloveID:      id,
		Expiration:   time.Now().Add(time.Minute),
	}
}

func TestDestinationWrapUnwrapBootstrap(t *testing.T) {
	priv, pub, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	dest := NewDestination(priv)
	destHash := crypto.SHA256([]byte("peer"))

	clove := newTestClove(t, 1)
	wire, nonce, hasNonce, err := dest.WrapForDestination(destHash, *pub, []Clove{clove}, 5)
	if err != nil {
		t.Fatalf("WrapForDestination: %v", err)
	}
	if !hasNonce {
		t.Fatalf("expected a confirm nonce on first (bootstrap) message")
	}

	got, err := dest.Unwrap(wire)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if len(got) != 1 || got[0].CloveID != 1 {
		t.Fatalf("unexpected cloves: %+v", got)
	}

	if ok := dest.ConfirmTags(destHash, nonce); !ok {
		t.Fatalf("ConfirmTags: expected success")
	}
}

func TestOutboundSessionUsesTagAfterBootstrap(t *testing.T) {
	_, pub, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	s := NewOutboundSession(*pub)

	clove := newTestClove(t, 2)
	res1, err := s.Wrap([]Clove{clove}, 3)
	if err != nil {
		t.Fatalf("Wrap (bootstrap): %v", err)
	}
	if !res1.HasConfirmTags {
		t.Fatalf("expected new tags on bootstrap")
	}
	if s.LiveTagCount() != 0 {
		t.Fatalf("tags should be unconfirmed before ConfirmTags, got %d live", s.LiveTagCount())
	}
	s.ConfirmTags(res1.ConfirmNonce)
	if got := s.LiveTagCount(); got != 3 {
		t.Fatalf("LiveTagCount after confirm = %d, want 3", got)
	}

	res2, err := s.Wrap([]Clove{clove}, 0)
	if err != nil {
		t.Fatalf("Wrap (tag-identified): %v", err)
	}
	if res2.HasConfirmTags {
		t.Fatalf("did not request new tags, should not get a nonce")
	}
	if got := s.LiveTagCount(); got != 2 {
		t.Fatalf("consuming one tag should leave 2 live, got %d", got)
	}
	// Tag-identified messages are exactly HashSize bytes of tag followed
	// by the AES body, no ElGamal prefix.
	if len(res2.Wire) <= crypto.HashSize {
		t.Fatalf("tag-identified message too short: %d bytes", len(res2.Wire))
	}
}

func TestInboundIndexConsumesTagOnLookup(t *testing.T) {
	ix := NewInboundIndex()
	var tag SessionTag
	copy(tag[:], []byte("0123456789012345678901234567890"))
	var key [crypto.KeySize]byte
	ix.AddTags([]SessionTag{tag}, key)

	if _, ok := ix.lookup(tag); !ok {
		t.Fatalf("expected tag to be found once")
	}
	if _, ok := ix.lookup(tag); ok {
		t.Fatalf("tag should be consumed after first lookup")
	}
}

func TestDestinationUnwrapDropsExpiredClove(t *testing.T) {
	priv, pub, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	dest := NewDestination(priv)
	destHash := crypto.SHA256([]byte("peer2"))

	expired := newTestClove(t, 3)
	expired.Expiration = time.Now().Add(-time.Minute)

	wire, _, _, err := dest.WrapForDestination(destHash, *pub, []Clove{expired}, 0)
	if err != nil {
		t.Fatalf("WrapForDestination: %v", err)
	}
	got, err := dest.Unwrap(wire)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected expired clove to be dropped, got %d cloves", len(got))
	}
}
