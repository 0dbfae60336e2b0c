package i2np

import (
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Type:       TypeData,
		MsgID:      42,
		Expiration: time.Now().Add(time.Minute).Truncate(time.Millisecond),
		Payload:    []byte("hello world"),
	}
	enc := msg.Encode()
	got, rest, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
	if got.Type != msg.Type || got.MsgID != msg.MsgID || string(got.Payload) != string(msg.Payload) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, msg)
	}
	if !got.Expiration.Equal(msg.Expiration) {
		t.Fatalf("expiration mismatch: %v vs %v", got.Expiration, msg.Expiration)
	}
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	msg := &Message{Type: TypeData, Payload: []byte("abc")}
	enc := msg.Encode()
	enc[15] ^= 0xFF
	if _, _, err := Decode(enc); err == nil {
		t.Fatalf("expected checksum mismatch to be rejected")
	}
}

func TestDatabaseStoreEncodeDecode(t *testing.T) {
	p := &DatabaseStorePayload{
		Key:          crypto.SHA256([]byte("target")),
		RecordType:   StoreRouterInfo,
		ReplyToken:   7,
		ReplyTunnel:  99,
		ReplyGateway: crypto.SHA256([]byte("gateway")),
		Record:       []byte("router-info-bytes"),
	}
	got, err := DecodeDatabaseStore(p.Encode())
	if err != nil {
		t.Fatalf("DecodeDatabaseStore: %v", err)
	}
	if got.Key != p.Key || got.ReplyToken != p.ReplyToken || got.ReplyTunnel != p.ReplyTunnel {
		t.Fatalf("decode mismatch: %+v", got)
	}
	if string(got.Record) != string(p.Record) {
		t.Fatalf("record mismatch")
	}
}

func TestDatabaseLookupRejectsOversizedExcludedList(t *testing.T) {
	data := make([]byte, crypto.HashSize*2+1+4+2)
	data[crypto.HashSize*2+1+4] = 0xFF
	data[crypto.HashSize*2+1+4+1] = 0xFF // excluded count = 65535 > MaxWireExcluded
	if _, err := DecodeDatabaseLookup(data); err == nil {
		t.Fatalf("expected oversized excluded count to be rejected")
	}
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Register(TypeData, handlerFunc(func(msg *Message) error {
		called = true
		return nil
	}))
	if err := d.Dispatch(&Message{Type: TypeData}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Fatalf("expected registered handler to be invoked")
	}
	if err := d.Dispatch(&Message{Type: TypeGarlic}); err == nil {
		t.Fatalf("expected dispatch to an unregistered type to fail")
	}
}

type handlerFunc func(msg *Message) error

func (f handlerFunc) HandleI2NP(msg *Message) error { return f(msg) }
