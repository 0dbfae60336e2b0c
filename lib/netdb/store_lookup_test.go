package netdb

import (
	"context"
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
)

type sentMessage struct {
	peer crypto.Hash
	msg  *i2np.Message
}

type recordingSender struct {
	sent []sentMessage
}

func (s *recordingSender) SendToPeer(ctx context.Context, peer crypto.Hash, msg *i2np.Message) error {
	s.sent = append(s.sent, sentMessage{peer: peer, msg: msg})
	return nil
}

func TestStoreHandlerInsertsAndAcks(t *testing.T) {
	db := New(t.TempDir())
	sender := &recordingSender{}
	self := crypto.SHA256([]byte("self"))
	h := NewStoreHandler(db, sender, self, true)

	ri, _ := newTestRouterInfo(t, "fO", time.Now())
	record, err := ri.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	payload := &i2np.DatabaseStorePayload{
		Key:          ri.Hash(),
		RecordType:   i2np.StoreRouterInfo,
		ReplyToken:   77,
		ReplyGateway: crypto.SHA256([]byte("gateway")),
		Record:       record,
	}
	msg := &i2np.Message{Type: i2np.TypeDatabaseStore, MsgID: 1, Expiration: time.Now().Add(time.Minute), Payload: payload.Encode()}
	if err := h.HandleI2NP(msg); err != nil {
		t.Fatalf("HandleI2NP: %v", err)
	}

	if _, ok := db.FindRouterInfo(ri.Hash()); !ok {
		t.Fatal("stored router info not found")
	}

	var sawAck bool
	for _, s := range sender.sent {
		if s.msg.Type != i2np.TypeDeliveryStatus {
			continue
		}
		ack, err := i2np.DecodeDeliveryStatus(s.msg.Payload)
		if err != nil {
			t.Fatalf("DecodeDeliveryStatus: %v", err)
		}
		if ack.MsgID == 77 && s.peer == payload.ReplyGateway {
			sawAck = true
		}
	}
	if !sawAck {
		t.Fatal("no DeliveryStatus ack carrying the reply token was sent")
	}
}

func TestLookupServerReturnsKnownRecordAsStore(t *testing.T) {
	db := New(t.TempDir())
	sender := &recordingSender{}
	self := crypto.SHA256([]byte("self"))
	srv := NewLookupServer(db, sender, self)

	ri, _ := newTestRouterInfo(t, "fO", time.Now())
	if err := db.StoreRouterInfo(ri); err != nil {
		t.Fatalf("StoreRouterInfo: %v", err)
	}

	requester := crypto.SHA256([]byte("requester"))
	lookup := &i2np.DatabaseLookupPayload{Key: ri.Hash(), From: requester}
	msg := &i2np.Message{Type: i2np.TypeDatabaseLookup, MsgID: 2, Expiration: time.Now().Add(time.Minute), Payload: lookup.Encode()}
	if err := srv.HandleI2NP(msg); err != nil {
		t.Fatalf("HandleI2NP: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sender.sent))
	}
	reply := sender.sent[0]
	if reply.peer != requester {
		t.Fatal("reply not addressed to the requester")
	}
	if reply.msg.Type != i2np.TypeDatabaseStore {
		t.Fatalf("reply type = %d, want DatabaseStore", reply.msg.Type)
	}
	store, err := i2np.DecodeDatabaseStore(reply.msg.Payload)
	if err != nil {
		t.Fatalf("DecodeDatabaseStore: %v", err)
	}
	if store.Key != ri.Hash() {
		t.Fatal("reply carries the wrong key")
	}
}

func TestLookupServerUnknownKeyNamesCloserFloodfills(t *testing.T) {
	db := New(t.TempDir())
	sender := &recordingSender{}
	self := crypto.SHA256([]byte("self"))
	srv := NewLookupServer(db, sender, self)

	ff, _ := newTestRouterInfo(t, "fO", time.Now())
	if err := db.StoreRouterInfo(ff); err != nil {
		t.Fatalf("StoreRouterInfo: %v", err)
	}

	requester := crypto.SHA256([]byte("requester"))
	lookup := &i2np.DatabaseLookupPayload{Key: crypto.SHA256([]byte("missing")), From: requester}
	msg := &i2np.Message{Type: i2np.TypeDatabaseLookup, MsgID: 3, Expiration: time.Now().Add(time.Minute), Payload: lookup.Encode()}
	if err := srv.HandleI2NP(msg); err != nil {
		t.Fatalf("HandleI2NP: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sender.sent))
	}
	reply := sender.sent[0]
	if reply.msg.Type != i2np.TypeDatabaseSearchReply {
		t.Fatalf("reply type = %d, want DatabaseSearchReply", reply.msg.Type)
	}
	sr, err := i2np.DecodeDatabaseSearchReply(reply.msg.Payload)
	if err != nil {
		t.Fatalf("DecodeDatabaseSearchReply: %v", err)
	}
	if len(sr.Peers) != 1 || sr.Peers[0] != ff.Hash() {
		t.Fatalf("search reply peers = %v, want the one known floodfill", sr.Peers)
	}
	if sr.From != self {
		t.Fatal("search reply From is not the responder")
	}
}

func TestLookupResolvesOnceStoreArrives(t *testing.T) {
	db := New(t.TempDir())
	sender := &recordingSender{}
	self := crypto.SHA256([]byte("self"))
	lookups := NewLookups(db, sender, self)

	ff, _ := newTestRouterInfo(t, "fO", time.Now())
	if err := db.StoreRouterInfo(ff); err != nil {
		t.Fatalf("StoreRouterInfo: %v", err)
	}

	target, _ := newTestRouterInfo(t, "R", time.Now())

	// Simulate the floodfill's DatabaseStore reply landing while the
	// iterative loop is polling for it.
	go func() {
		time.Sleep(100 * time.Millisecond)
		db.StoreRouterInfo(target)
	}()

	got, err := lookups.LookupRouterInfo(context.Background(), target.Hash())
	if err != nil {
		t.Fatalf("LookupRouterInfo: %v", err)
	}
	if got.Hash() != target.Hash() {
		t.Fatal("resolved the wrong router")
	}

	if len(sender.sent) == 0 {
		t.Fatal("no DatabaseLookup was sent")
	}
	req, err := i2np.DecodeDatabaseLookup(sender.sent[0].msg.Payload)
	if err != nil {
		t.Fatalf("DecodeDatabaseLookup: %v", err)
	}
	if req.From != self {
		t.Fatal("lookup From field is not the requester")
	}
}

func TestSearchReplyTriggersFollowupForUnknownPeers(t *testing.T) {
	db := New(t.TempDir())
	sender := &recordingSender{}
	self := crypto.SHA256([]byte("self"))
	lookups := NewLookups(db, sender, self)

	responder := crypto.SHA256([]byte("responder"))
	unknown := crypto.SHA256([]byte("unknown peer"))
	sr := &i2np.DatabaseSearchReplyPayload{
		Key:   crypto.SHA256([]byte("key")),
		Peers: []crypto.Hash{unknown},
		From:  responder,
	}
	msg := &i2np.Message{Type: i2np.TypeDatabaseSearchReply, MsgID: 4, Expiration: time.Now().Add(time.Minute), Payload: sr.Encode()}
	if err := lookups.HandleSearchReplyMessage(msg); err != nil {
		t.Fatalf("HandleSearchReplyMessage: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d follow-ups, want 1", len(sender.sent))
	}
	followup := sender.sent[0]
	if followup.peer != responder {
		t.Fatal("follow-up not sent to the responder")
	}
	req, err := i2np.DecodeDatabaseLookup(followup.msg.Payload)
	if err != nil {
		t.Fatalf("DecodeDatabaseLookup: %v", err)
	}
	if req.Key != unknown {
		t.Fatal("follow-up does not request the unknown peer")
	}
}
