package ntcp

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
)

func newTestIdentity(t *testing.T) (*common.RouterIdentity, crypto.Signer) {
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
	return id, priv
}

// pipeSessions builds two post-handshake sessions over a net.Pipe with a
// shared key and mirrored directional IVs, skipping the DH exchange.
func pipeSessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	aConn, bConn := net.Pipe()
	var key [crypto.KeySize]byte
	copy(key[:], crypto.SHA256([]byte("session key")).Bytes())
	var ivAB, ivBA [crypto.BlockSize]byte
	copy(ivAB[:], crypto.SHA256([]byte("a to b")).Bytes())
	copy(ivBA[:], crypto.SHA256([]byte("b to a")).Bytes())

	a := &Session{conn: aConn, remote: crypto.SHA256([]byte("b")), layerKey: key, ivOut: ivAB, ivIn: ivBA}
	b := &Session{conn: bConn, remote: crypto.SHA256([]byte("a")), layerKey: key, ivOut: ivBA, ivIn: ivAB}
	t.Cleanup(func() {
		aConn.Close()
		bConn.Close()
	})
	return a, b
}

func testMessage(payload string) *i2np.Message {
	return &i2np.Message{
		Type:       i2np.TypeData,
		MsgID:      7,
		Expiration: time.Now().Add(time.Minute).Truncate(time.Millisecond),
		Payload:    []byte(payload),
	}
}

func TestFrameRoundTripBothDirections(t *testing.T) {
	a, b := pipeSessions(t)

	type result struct {
		msg *i2np.Message
		err error
	}
	got := make(chan result, 1)
	go func() {
		msg, err := b.readFrame()
		got <- result{msg, err}
	}()
	if err := a.SendMessages([]*i2np.Message{testMessage("forward")}); err != nil {
		t.Fatalf("SendMessages a->b: %v", err)
	}
	r := <-got
	if r.err != nil {
		t.Fatalf("readFrame a->b: %v", r.err)
	}
	if string(r.msg.Payload) != "forward" {
		t.Fatalf("payload = %q, want %q", r.msg.Payload, "forward")
	}

	go func() {
		msg, err := a.readFrame()
		got <- result{msg, err}
	}()
	if err := b.SendMessages([]*i2np.Message{testMessage("reverse")}); err != nil {
		t.Fatalf("SendMessages b->a: %v", err)
	}
	r = <-got
	if r.err != nil {
		t.Fatalf("readFrame b->a: %v", r.err)
	}
	if string(r.msg.Payload) != "reverse" {
		t.Fatalf("payload = %q, want %q", r.msg.Payload, "reverse")
	}
}

func TestFrameChecksumFlipIsCorrupt(t *testing.T) {
	a, b := pipeSessions(t)

	frame, err := a.encodeFrame(testMessage("x").Encode())
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	frame[len(frame)-1] ^= 0x01

	go a.conn.Write(frame)
	if _, err := b.readFrame(); err != errCorruptFrame {
		t.Fatalf("readFrame = %v, want errCorruptFrame", err)
	}
}

func TestKeepAliveIsSkippedByReadLoop(t *testing.T) {
	a, b := pipeSessions(t)

	go func() {
		a.SendKeepAlive()
		a.SendMessages([]*i2np.Message{testMessage("after keepalive")})
	}()

	if _, err := b.readFrame(); err != errKeepAlive {
		t.Fatalf("first readFrame = %v, want errKeepAlive", err)
	}
	msg, err := b.readFrame()
	if err != nil {
		t.Fatalf("second readFrame: %v", err)
	}
	if string(msg.Payload) != "after keepalive" {
		t.Fatalf("payload = %q, want %q", msg.Payload, "after keepalive")
	}
}

func TestRepeatedCorruptFramesBanSource(t *testing.T) {
	a, b := pipeSessions(t)
	id, signer := newTestIdentity(t)
	tr := New(id, signer, nil, nil)

	done := make(chan struct{})
	go func() {
		tr.runSession(b)
		close(done)
	}()

	for i := 0; i < maxConsecutiveCorruptFrames; i++ {
		frame, err := a.encodeFrame(testMessage("x").Encode())
		if err != nil {
			t.Fatalf("encodeFrame: %v", err)
		}
		frame[len(frame)-1] ^= 0x01
		if _, err := a.conn.Write(frame); err != nil {
			t.Fatalf("write corrupt frame %d: %v", i, err)
		}
		// b chains its inbound IV from the ciphertext it actually saw
		// (the flipped block), so re-sync a's outbound chain to match.
		copy(a.ivOut[:], frame[len(frame)-crypto.BlockSize:])
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session not torn down after repeated corruption")
	}
	if !tr.isBanned(b.conn.RemoteAddr()) {
		t.Fatal("expected source banned after repeated corrupt frames")
	}
}

func TestHandshakeOverTCPDeliversMessages(t *testing.T) {
	bID, bSigner := newTestIdentity(t)
	aID, aSigner := newTestIdentity(t)

	delivered := make(chan *i2np.Message, 1)
	from := make(chan crypto.Hash, 1)
	bT := New(bID, bSigner, func(peer crypto.Hash, msg *i2np.Message) {
		from <- peer
		delivered <- msg
	}, nil)
	aT := New(aID, aSigner, nil, nil)
	t.Cleanup(func() {
		aT.Close()
		bT.Close()
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go bT.Serve(l)

	port := uint16(l.Addr().(*net.TCPAddr).Port)
	bRI := &common.RouterInfo{
		Identity:  bID,
		Published: time.Now(),
		Addresses: []common.RouterAddress{
			{Style: common.StyleNTCP, Cost: 10, Options: map[string]string{
				"host": "127.0.0.1",
				"port": strconv.Itoa(int(port)),
			}},
		},
	}
	if err := bRI.Sign(bSigner); err != nil {
		t.Fatalf("sign router info: %v", err)
	}

	sess, err := aT.Open(bRI)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sess.RemoteIdentity() != bID.Hash() {
		t.Fatalf("remote identity mismatch")
	}
	if err := sess.SendMessages([]*i2np.Message{testMessage("over tcp")}); err != nil {
		t.Fatalf("SendMessages: %v", err)
	}

	select {
	case msg := <-delivered:
		if string(msg.Payload) != "over tcp" {
			t.Fatalf("payload = %q, want %q", msg.Payload, "over tcp")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	if got := <-from; got != aID.Hash() {
		t.Fatalf("delivering peer = %x, want A's hash", got.Bytes()[:8])
	}
}
