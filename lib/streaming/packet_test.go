package streaming

import (
	"bytes"
	"testing"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := &Packet{
		SendStreamID: 1,
		RecvStreamID: 2,
		SeqNum:       3,
		AckThrough:   2,
		NACKs:        []uint32{5, 7},
		ResendDelay:  1,
		Flags:        FlagSynchronize | FlagFromIncluded,
		FromHash:     [32]byte{1, 2, 3},
		Payload:      []byte("hello world"),
	}

	wire, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SendStreamID != p.SendStreamID || got.RecvStreamID != p.RecvStreamID || got.SeqNum != p.SeqNum {
		t.Fatalf("header mismatch: %+v", got)
	}
	if len(got.NACKs) != 2 || got.NACKs[0] != 5 || got.NACKs[1] != 7 {
		t.Fatalf("NACKs mismatch: %+v", got.NACKs)
	}
	if !got.HasFlag(FlagSynchronize) || !got.HasFlag(FlagFromIncluded) {
		t.Fatalf("flags mismatch: %x", got.Flags)
	}
	if got.FromHash != p.FromHash {
		t.Fatalf("from hash mismatch")
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestPacketEncodeRejectsOversize(t *testing.T) {
	p := &Packet{Payload: make([]byte, MaxPacketSize)}
	if _, err := p.Encode(); err == nil {
		t.Fatalf("expected error for oversized packet")
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}
