package ssu

import (
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
)

func mustRandomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return k
}

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	macKey := mustRandomKey(t)
	layerKey := mustRandomKey(t)
	var iv [ivSize]byte
	copy(iv[:], mustRandomKey(t)[:ivSize])

	h := Header{Type: PayloadData, Timestamp: 12345}
	payload := []byte("hello ssu")

	pkt, err := EncodePacket(macKey, layerKey, iv, h, payload)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	gotHeader, gotPayload, err := DecodePacket(macKey, layerKey, pkt)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if gotHeader.Type != PayloadData || gotHeader.Timestamp != 12345 {
		t.Fatalf("header mismatch: %+v", gotHeader)
	}
	// flag(1) + timestamp(4) + 9 payload bytes = 14, zero-padded to 16.
	if string(gotPayload) != "hello ssu\x00\x00" {
		t.Fatalf("payload mismatch: %q", gotPayload)
	}
}

func TestPacketDecodeRejectsTamperedMAC(t *testing.T) {
	macKey := mustRandomKey(t)
	layerKey := mustRandomKey(t)
	var iv [ivSize]byte

	pkt, err := EncodePacket(macKey, layerKey, iv, Header{Type: PayloadData}, []byte("x"))
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	pkt[0] ^= 0xFF

	if _, _, err := DecodePacket(macKey, layerKey, pkt); err == nil {
		t.Fatal("expected mac mismatch error")
	}
}

func TestPacketRekeyBitRoundTrip(t *testing.T) {
	macKey := mustRandomKey(t)
	layerKey := mustRandomKey(t)
	var iv [ivSize]byte

	pkt, err := EncodePacket(macKey, layerKey, iv, Header{Type: PayloadData, Rekey: true}, []byte("k"))
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	h, _, err := DecodePacket(macKey, layerKey, pkt)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if !h.Rekey {
		t.Fatal("expected rekey bit to survive round trip")
	}
}

func TestFragmentSingleMessageRoundTrip(t *testing.T) {
	msg := &i2np.Message{Type: i2np.TypeData, MsgID: 7, Expiration: time.Now(), Payload: []byte("small payload")}
	frags := fragmentMessage(99, msg.Encode())
	if len(frags) != 1 || !frags[0].IsLast {
		t.Fatalf("expected single terminal fragment, got %+v", frags)
	}

	r := NewReassembler()
	out, complete, err := r.Add(frags[0], time.Now())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !complete {
		t.Fatal("expected reassembly to complete on first fragment")
	}
	if out.MsgID != 7 || string(out.Payload) != "small payload" {
		t.Fatalf("unexpected reassembled message: %+v", out)
	}
}

func TestFragmentMultiPieceReassemblyOutOfOrder(t *testing.T) {
	payload := make([]byte, maxFragmentPayload*2+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := &i2np.Message{Type: i2np.TypeData, MsgID: 1, Expiration: time.Now(), Payload: payload}
	frags := fragmentMessage(55, msg.Encode())
	if len(frags) < 3 {
		t.Fatalf("expected multiple fragments, got %d", len(frags))
	}

	r := NewReassembler()
	var out *i2np.Message
	// Feed fragments last-to-first to confirm order independence.
	for i := len(frags) - 1; i >= 0; i-- {
		m, complete, err := r.Add(frags[i], time.Now())
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if i == 0 {
			if !complete {
				t.Fatal("expected completion once all fragments arrive")
			}
			out = m
		} else if complete {
			t.Fatal("reassembly completed before all fragments arrived")
		}
	}
	if out == nil || len(out.Payload) != len(payload) {
		t.Fatalf("reassembled message has wrong size: %+v", out)
	}
}

func TestReassemblerEvictsStaleMessages(t *testing.T) {
	r := NewReassembler()
	f := fragment{MessageID: 1, FragmentNum: 0, IsLast: false, Payload: []byte("partial")}
	if _, _, err := r.Add(f, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if n := r.EvictStale(time.Now()); n != 1 {
		t.Fatalf("expected 1 stale entry evicted, got %d", n)
	}
	if n := r.EvictStale(time.Now()); n != 0 {
		t.Fatalf("expected no further entries, got %d", n)
	}
}

func TestAckStateDrainIsExhaustive(t *testing.T) {
	a := newAckState()
	a.record(10, 0)
	a.record(10, 1)
	a.record(20, 0)

	acks := a.drain()
	if len(acks) != 2 {
		t.Fatalf("expected 2 pending messages acked, got %d", len(acks))
	}
	if acks[10]&0b11 != 0b11 {
		t.Fatalf("expected bits 0 and 1 set for message 10, got %b", acks[10])
	}
	if more := a.drain(); len(more) != 0 {
		t.Fatalf("expected drain to clear pending state, got %+v", more)
	}
}

func TestStatusStringer(t *testing.T) {
	cases := map[Status]string{
		StatusOK:         "OK",
		StatusFirewalled: "Firewalled",
		StatusTesting:    "Testing",
		StatusUnknown:    "Unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

// newTestTransport binds a transport to an ephemeral loopback UDP socket
// and returns it with its signed RouterInfo (SSU address + intro key).
func newTestTransport(t *testing.T) (*Transport, *common.RouterInfo) {
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

	introKey := mustRandomKey(t)
	tr := New(id, priv, introKey, nil, nil)

	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go tr.Serve(conn)
	t.Cleanup(func() { tr.Close() })

	port := conn.LocalAddr().(*net.UDPAddr).Port
	ri := &common.RouterInfo{
		Identity:  id,
		Published: time.Now(),
		Addresses: []common.RouterAddress{
			{Style: common.StyleSSU, Cost: 5, Options: map[string]string{
				"host": "127.0.0.1",
				"port": strconv.Itoa(port),
				"key":  string(introKey),
			}},
		},
	}
	if err := ri.Sign(priv); err != nil {
		t.Fatalf("sign router info: %v", err)
	}
	return tr, ri
}

func TestHandshakeAndDataOverUDP(t *testing.T) {
	delivered := make(chan *i2np.Message, 1)
	bobT, bobRI := newTestTransport(t)
	bobT.onMessage = func(from crypto.Hash, msg *i2np.Message) { delivered <- msg }
	aliceT, _ := newTestTransport(t)

	sess, err := aliceT.Open(bobRI)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sess.RemoteIdentity() != bobRI.Hash() {
		t.Fatal("remote identity mismatch")
	}

	msg := &i2np.Message{Type: i2np.TypeData, MsgID: 3, Expiration: time.Now().Add(time.Minute), Payload: []byte("over udp")}
	if err := sess.SendMessages([]*i2np.Message{msg}); err != nil {
		t.Fatalf("SendMessages: %v", err)
	}
	select {
	case got := <-delivered:
		if string(got.Payload) != "over udp" {
			t.Fatalf("payload = %q, want %q", got.Payload, "over udp")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPeerTestAllDirectConcludesOK(t *testing.T) {
	bobT, bobRI := newTestTransport(t)
	charlieT, charlieRI := newTestTransport(t)
	aliceT, _ := newTestTransport(t)
	_ = charlieT

	alicePT := NewPeerTester(aliceT)
	aliceT.SetPeerTester(alicePT)
	bobT.SetBobForwardTarget(bobT.AnySessionExcept)

	if _, err := bobT.Open(charlieRI); err != nil {
		t.Fatalf("bob->charlie Open: %v", err)
	}
	aliceBob, err := aliceT.Open(bobRI)
	if err != nil {
		t.Fatalf("alice->bob Open: %v", err)
	}

	if got := alicePT.Run(aliceBob.(*Session)); got != StatusOK {
		t.Fatalf("peer test = %v, want OK", got)
	}
}

func TestPeerTestUnreachableCharlieConcludesFirewalled(t *testing.T) {
	old := peerTestTimeout
	peerTestTimeout = 2 * time.Second
	defer func() { peerTestTimeout = old }()

	bobT, bobRI := newTestTransport(t)
	aliceT, _ := newTestTransport(t)

	alicePT := NewPeerTester(aliceT)
	aliceT.SetPeerTester(alicePT)

	// Bob's forward target is a dead session: the forwarded test goes to
	// a socket nobody answers from, so only his ack reaches Alice.
	deadAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	bobT.SetBobForwardTarget(func(exclude crypto.Hash) *Session {
		s := &Session{transport: bobT, addr: deadAddr, remote: crypto.SHA256([]byte("dead charlie"))}
		copy(s.macKey[:], mustRandomKey(t))
		copy(s.layerKey[:], mustRandomKey(t))
		return s
	})

	aliceBob, err := aliceT.Open(bobRI)
	if err != nil {
		t.Fatalf("alice->bob Open: %v", err)
	}
	if got := alicePT.Run(aliceBob.(*Session)); got != StatusFirewalled {
		t.Fatalf("peer test = %v, want Firewalled", got)
	}
}

func TestRelayRequestReachesTaggedPeerAndAcksInitiator(t *testing.T) {
	bobT, bobRI := newTestTransport(t)
	charlieT, _ := newTestTransport(t)

	// Charlie (firewalled) holds a session with Bob and is granted a tag.
	if _, err := charlieT.Open(bobRI); err != nil {
		t.Fatalf("charlie->bob Open: %v", err)
	}
	bobCharlie := bobT.AnySessionExcept(crypto.Hash{})
	if bobCharlie == nil {
		t.Fatal("bob has no session with charlie")
	}
	tag := bobT.GrantRelayTag(bobCharlie)

	// Alice is a bare socket here: she should receive Bob's RelayResponse
	// and, shortly after, Charlie's hole-punch datagram.
	aliceConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer aliceConn.Close()

	aliceSess := &Session{transport: bobT, addr: aliceConn.LocalAddr().(*net.UDPAddr)}
	copy(aliceSess.macKey[:], mustRandomKey(t))
	copy(aliceSess.layerKey[:], mustRandomKey(t))

	payload := make([]byte, relayTagSize+crypto.DHKeySize)
	for i := range payload {
		payload[i] = byte(i)
	}
	pt := payload[:relayTagSize]
	pt[0] = byte(tag >> 24)
	pt[1] = byte(tag >> 16)
	pt[2] = byte(tag >> 8)
	pt[3] = byte(tag)
	bobT.handleRelayRequest(aliceSess, payload)

	// Two datagrams should land on Alice's socket: the RelayResponse from
	// Bob and the hole punch from Charlie. Order is not guaranteed.
	aliceConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	got := 0
	for got < 2 {
		if _, _, err := aliceConn.ReadFromUDP(buf); err != nil {
			t.Fatalf("received %d of 2 expected datagrams: %v", got, err)
		}
		got++
	}
}
