package tunnel

import (
	"bytes"
	"testing"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

func testHop(seed byte) Hop {
	var h Hop
	for i := range h.LayerKey {
		h.LayerKey[i] = seed
	}
	for i := range h.IVKey {
		h.IVKey[i] = seed + 1
	}
	return h
}

func TestEncryptOutboundCancelsPerHopTransforms(t *testing.T) {
	hops := []Hop{testHop(1), testHop(2), testHop(3)}
	tun := NewTunnel(1, Outbound, hops)

	var frame [FrameSize]byte
	for i := range frame {
		frame[i] = byte(i)
	}

	wire, err := tun.EncryptOutbound(frame)
	if err != nil {
		t.Fatalf("EncryptOutbound: %v", err)
	}
	if wire == frame {
		t.Fatalf("EncryptOutbound did not change the frame")
	}

	// Replay the network: each relaying hop applies tunnel_encrypt, the
	// terminal hop applies a single tunnel_decrypt before decoding.
	cur := wire[:]
	for _, hop := range hops[:len(hops)-1] {
		enc, err := crypto.TunnelEncrypt(cur, hop.LayerKey[:], hop.IVKey[:])
		if err != nil {
			t.Fatalf("TunnelEncrypt: %v", err)
		}
		cur = enc
	}
	last := hops[len(hops)-1]
	dec, err := crypto.TunnelDecrypt(cur, last.LayerKey[:], last.IVKey[:])
	if err != nil {
		t.Fatalf("TunnelDecrypt: %v", err)
	}
	if !bytes.Equal(dec, frame[:]) {
		t.Fatalf("terminal hop did not recover the original frame")
	}
}

func TestInboundEndpointPeelsAllLayers(t *testing.T) {
	hops := []Hop{testHop(5), testHop(6)}
	var frame [FrameSize]byte
	for i := range frame {
		frame[i] = byte(i * 3)
	}

	// Replay the network: the inbound gateway and every later hop apply
	// tunnel_encrypt in chain order.
	cur := frame[:]
	for _, hop := range hops {
		enc, err := crypto.TunnelEncrypt(cur, hop.LayerKey[:], hop.IVKey[:])
		if err != nil {
			t.Fatalf("TunnelEncrypt: %v", err)
		}
		cur = enc
	}

	var wire [FrameSize]byte
	copy(wire[:], cur)
	peeled := wire
	for i := len(hops) - 1; i >= 0; i-- {
		var err error
		peeled, err = DecryptHop(peeled, hops[i])
		if err != nil {
			t.Fatalf("DecryptHop: %v", err)
		}
	}
	if !bytes.Equal(peeled[:], frame[:]) {
		t.Fatalf("endpoint did not recover the gateway's frame")
	}
}

func TestEncryptOutboundRejectsInboundTunnel(t *testing.T) {
	tun := NewTunnel(1, Inbound, []Hop{testHop(1)})
	var frame [FrameSize]byte
	if _, err := tun.EncryptOutbound(frame); err == nil {
		t.Fatalf("expected error encrypting an inbound tunnel for outbound transmission")
	}
}
