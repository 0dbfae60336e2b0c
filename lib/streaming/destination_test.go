package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

func TestDestinationStreamCountTracksOpenStreams(t *testing.T) {
	aHash := crypto.SHA256([]byte("eve"))
	bHash := crypto.SHA256([]byte("frank"))

	var aDest, bDest *Destination
	id := uint32(300)
	idGen := func() uint32 { id++; return id }

	aDest = NewDestination(aHash, &loopbackSender{from: aHash, peer: func() *Destination { return bDest }}, idGen)
	bDest = NewDestination(bHash, &loopbackSender{from: bHash, peer: func() *Destination { return aDest }}, idGen)
	bDest.AcceptStreams(443)

	if got := aDest.StreamCount(); got != 0 {
		t.Fatalf("StreamCount before any stream = %d, want 0", got)
	}

	out := aDest.CreateStream(bHash, 443)
	if got := aDest.StreamCount(); got != 1 {
		t.Fatalf("StreamCount after CreateStream = %d, want 1", got)
	}

	ctx := context.Background()
	if _, err := out.Write(ctx, []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pump(t, 3, time.Now(), aDest, bDest)

	if got := bDest.StreamCount(); got != 1 {
		t.Fatalf("StreamCount on accepting side = %d, want 1", got)
	}
}

func TestDestinationStopAcceptingResetsQueuedStream(t *testing.T) {
	aHash := crypto.SHA256([]byte("grace"))
	bHash := crypto.SHA256([]byte("heidi"))

	var aDest, bDest *Destination
	id := uint32(400)
	idGen := func() uint32 { id++; return id }

	aDest = NewDestination(aHash, &loopbackSender{from: aHash, peer: func() *Destination { return bDest }}, idGen)
	bDest = NewDestination(bHash, &loopbackSender{from: bHash, peer: func() *Destination { return aDest }}, idGen)
	bDest.AcceptStreams(7)

	out := aDest.CreateStream(bHash, 7)
	ctx := context.Background()
	if _, err := out.Write(ctx, []byte("q")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pump(t, 1, time.Now(), aDest, bDest)

	bDest.StopAccepting(7)

	acceptCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := bDest.Accept(acceptCtx, 7); err == nil {
		t.Fatalf("Accept after StopAccepting succeeded, want error")
	}
}

func TestDestinationAcceptUnblocksOnContextCancel(t *testing.T) {
	aHash := crypto.SHA256([]byte("ivan"))
	d := NewDestination(aHash, &loopbackSender{from: aHash, peer: func() *Destination { return nil }}, func() uint32 { return 1 })
	d.AcceptStreams(9)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Accept(ctx, 9); err == nil {
		t.Fatalf("Accept with no pending connection succeeded, want context deadline error")
	}
}
