package ssu

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// Status is the reachability conclusion a peer test converges on.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusFirewalled
	StatusTesting
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFirewalled:
		return "Firewalled"
	case StatusTesting:
		return "Testing"
	default:
		return "Unknown"
	}
}

// peerTestTimeout is how long Alice waits for Charlie to contact her
// directly before concluding Firewalled (Bob acked) or the
// asymmetric-NAT "Testing" timeout status (no ack at all).
var peerTestTimeout = 10 * time.Second

var peerTestNonces atomic.Uint32

// peerTestState tracks one in-flight peer test from Alice's side.
// bobAcked records that Bob confirmed forwarding over the established
// session; a test that ends with Bob's ack but no direct contact from
// Charlie concludes Firewalled rather than a plain timeout.
type peerTestState struct {
	nonce    uint32
	result   chan Status
	mu       sync.Mutex
	bobAcked bool
}

// PeerTester runs the 3-party SSU peer-test protocol to determine this
// router's own reachability.
type PeerTester struct {
	t *Transport

	mu      sync.Mutex
	pending map[uint32]*peerTestState
}

// NewPeerTester creates a PeerTester bound to t.
func NewPeerTester(t *Transport) *PeerTester {
	return &PeerTester{t: t, pending: make(map[uint32]*peerTestState)}
}

// Run asks bob (a direct session with a peer-testing-capable router) to
// find a Charlie, then blocks until Charlie's direct contact arrives or
// peerTestTimeout elapses. On timeout it returns StatusFirewalled if Bob
// acknowledged the request and StatusTesting otherwise.
func (pt *PeerTester) Run(bob *Session) Status {
	nonce := peerTestNonces.Add(1)
	st := &peerTestState{nonce: nonce, result: make(chan Status, 1)}

	pt.mu.Lock()
	pt.pending[nonce] = st
	pt.mu.Unlock()
	defer func() {
		pt.mu.Lock()
		delete(pt.pending, nonce)
		pt.mu.Unlock()
	}()

	// The request carries our own intro key so Bob can convey it to
	// Charlie; Charlie's direct contact must be decodable without a
	// session.
	payload := make([]byte, 4, 4+crypto.KeySize)
	binary.BigEndian.PutUint32(payload, nonce)
	payload = append(payload, pt.t.ourIntroKey...)
	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return StatusUnknown
	}
	pkt, err := EncodePacket(bob.macKey[:], bob.layerKey[:], iv, Header{Type: PayloadPeerTest, Timestamp: now32()}, payload)
	if err != nil {
		return StatusUnknown
	}
	pt.t.writeTo(bob.addr, pkt)

	select {
	case status := <-st.result:
		return status
	case <-time.After(peerTestTimeout):
		st.mu.Lock()
		acked := st.bobAcked
		st.mu.Unlock()
		if acked {
			// Bob relayed the test but Charlie's direct packet never
			// arrived: we are reachable over established sessions only.
			return StatusFirewalled
		}
		return StatusTesting
	}
}

// handlePeerTestPacket dispatches an inbound PeerTest payload arriving
// over an established session, according to our role in the 3-party
// protocol: Alice receiving Bob's forwarding ack, Bob receiving Alice's
// request, or Charlie receiving Bob's conveyed contact instructions.
func (t *Transport) handlePeerTestPacket(sess *Session, payload []byte) {
	if len(payload) < 4 {
		return
	}
	nonce := binary.BigEndian.Uint32(payload[:4])

	// A matching nonce over an established session is Bob's forwarding
	// ack; Charlie's direct contact arrives sessionless and is handled by
	// handlePeerTestFromUnknown instead.
	if t.peerTester != nil {
		t.peerTester.mu.Lock()
		st, ok := t.peerTester.pending[nonce]
		t.peerTester.mu.Unlock()
		if ok {
			st.mu.Lock()
			st.bobAcked = true
			st.mu.Unlock()
			return
		}
	}

	// Payload length discriminates the remaining roles: nonce + intro key
	// is Alice's request (we are Bob); anything longer also carries her
	// address (we are Charlie, asked by Bob to contact her).
	if len(payload) == 4+crypto.KeySize {
		if t.bobForwardTarget != nil {
			if charlie := t.bobForwardTarget(sess.remote); charlie != nil {
				t.ackPeerTestAsBob(sess, nonce)
				t.forwardPeerTestAsBob(sess, charlie, nonce, payload[4:])
			}
		}
		return
	}
	if len(payload) > 4+crypto.KeySize {
		t.contactAliceAsCharlie(payload[4:], nonce)
	}
}

// handlePeerTestFromUnknown runs on Alice when Charlie's direct packet
// arrives from an address with no session or pending handshake, decoded
// under our own intro key: a matching nonce proves direct reachability.
func (t *Transport) handlePeerTestFromUnknown(payload []byte) {
	if len(payload) < 4 || t.peerTester == nil {
		return
	}
	nonce := binary.BigEndian.Uint32(payload[:4])
	t.peerTester.mu.Lock()
	st, ok := t.peerTester.pending[nonce]
	t.peerTester.mu.Unlock()
	if !ok {
		return
	}
	select {
	case st.result <- StatusOK:
	default:
	}
}

// ackPeerTestAsBob echoes the bare nonce back to Alice so she can
// distinguish "Bob never saw the test" from "Charlie could not reach me".
func (t *Transport) ackPeerTestAsBob(alice *Session, nonce uint32) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, nonce)
	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return
	}
	pkt, err := EncodePacket(alice.macKey[:], alice.layerKey[:], iv, Header{Type: PayloadPeerTest, Timestamp: now32()}, payload)
	if err != nil {
		return
	}
	t.writeTo(alice.addr, pkt)
}

// charlieLookup, when set, supplies a peer-testing-capable third
// router's session for a given Alice, used only when acting as Bob.
type charlieLookup func(exclude crypto.Hash) *Session

func (t *Transport) forwardPeerTestAsBob(alice *Session, charlie *Session, nonce uint32, aliceIntroKey []byte) {
	payload := make([]byte, 0, 4+1+16+2+crypto.KeySize)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], nonce)
	payload = append(payload, n[:]...)
	ip := alice.addr.IP.To4()
	if ip == nil {
		ip = alice.addr.IP.To16()
	}
	payload = append(payload, byte(len(ip)))
	payload = append(payload, ip...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(alice.addr.Port))
	payload = append(payload, port[:]...)
	payload = append(payload, aliceIntroKey...)

	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return
	}
	pkt, err := EncodePacket(charlie.macKey[:], charlie.layerKey[:], iv, Header{Type: PayloadPeerTest, Timestamp: now32()}, payload)
	if err != nil {
		return
	}
	t.writeTo(charlie.addr, pkt)
}

// contactAliceAsCharlie parses Bob's conveyed (address, intro key) block
// and contacts Alice directly under her own intro key, so she can decode
// the packet despite having no session with us.
func (t *Transport) contactAliceAsCharlie(info []byte, nonce uint32) {
	if len(info) < 1 {
		return
	}
	ipLen := int(info[0])
	if len(info) < 1+ipLen+2+crypto.KeySize {
		return
	}
	ip := net.IP(append([]byte(nil), info[1:1+ipLen]...))
	port := binary.BigEndian.Uint16(info[1+ipLen : 3+ipLen])
	aliceKey := info[3+ipLen : 3+ipLen+crypto.KeySize]
	aliceAddr := &net.UDPAddr{IP: ip, Port: int(port)}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, nonce)
	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return
	}
	pkt, err := EncodePacket(aliceKey, aliceKey, iv, Header{Type: PayloadPeerTest, Timestamp: now32()}, payload)
	if err != nil {
		return
	}
	t.writeTo(aliceAddr, pkt)
}
