package ssu

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/transport"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// SessionCreationTimeout bounds how long an SSU handshake may take
// before Open gives up, mirroring NTCP's own constant.
const SessionCreationTimeout = 10 * time.Second

// messageIDCounter hands out locally-unique fragment message IDs; SSU
// has no notion of a connection-scoped sequence, so IDs are drawn from
// one process-wide counter.
var messageIDCounter atomic.Uint32

// SessionHandler is invoked for every I2NP message a session delivers.
type SessionHandler func(from crypto.Hash, msg *i2np.Message)

// CloseHandler is invoked when a session's socket peer is considered
// gone (SessionDestroyed received, or idle too long).
type CloseHandler func(s *Session)

// Transport is the SSU endpoint: one shared UDP socket serving both
// inbound and outbound sessions, demultiplexed by source address rather
// than per-peer connections.
type Transport struct {
	log *logrus.Entry

	identity    *common.RouterIdentity
	signer      crypto.Signer
	ourIntroKey []byte

	onMessage SessionHandler
	onClose   CloseHandler

	dh *crypto.DHKeySupplier

	conn *net.UDPConn

	mu        sync.Mutex
	sessions  map[string]*Session // keyed by remote UDP address
	pending   map[string]*pendingHandshake
	relayTags map[uint32]*Session // introducer side: tag -> firewalled peer

	peerTester       *PeerTester
	bobForwardTarget charlieLookup

	closed atomic.Bool
}

// SetPeerTester attaches the PeerTester this transport consults when
// acting as Alice in the 3-party protocol.
func (t *Transport) SetPeerTester(pt *PeerTester) { t.peerTester = pt }

// SetBobForwardTarget supplies the callback used when acting as Bob to
// pick a peer-testing-capable Charlie for a given Alice, excluding her
// own hash.
func (t *Transport) SetBobForwardTarget(f func(exclude crypto.Hash) *Session) {
	t.bobForwardTarget = f
}

// New creates an SSU transport identified by identity/signer/introKey.
// introKey is the intro key we publish in our own RouterInfo; it
// protects Phase 1/2 of inbound handshakes before a session key exists.
func New(identity *common.RouterIdentity, signer crypto.Signer, introKey []byte, onMessage SessionHandler, onClose CloseHandler) *Transport {
	return &Transport{
		log:         logrus.WithField("component", "ssu"),
		identity:    identity,
		signer:      signer,
		ourIntroKey: introKey,
		onMessage:   onMessage,
		onClose:     onClose,
		dh:          crypto.NewDHKeySupplier(),
		sessions:    make(map[string]*Session),
		pending:     make(map[string]*pendingHandshake),
		relayTags:   make(map[uint32]*Session),
	}
}

// ListenAndServe binds addr and serves inbound datagrams until Close.
func (t *Transport) ListenAndServe(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	return t.Serve(conn)
}

// Serve reads datagrams from conn until Close, dispatching each to the
// matching session, pending handshake, or a fresh SessionRequest handler.
func (t *Transport) Serve(conn *net.UDPConn) error {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			return err
		}
		data := append([]byte(nil), buf[:n]...)
		go t.handlePacket(from, data)
	}
}

func (t *Transport) handlePacket(from *net.UDPAddr, data []byte) {
	key := from.String()

	t.mu.Lock()
	sess, haveSession := t.sessions[key]
	ph, havePending := t.pending[key]
	t.mu.Unlock()

	if haveSession {
		h, payload, err := DecodePacket(sess.macKey[:], sess.layerKey[:], data)
		if err != nil {
			t.log.WithError(err).WithField("peer", sess.remote).Debug("SSU packet failed to decode under session key")
			return
		}
		t.dispatchSessionPacket(sess, h, payload)
		return
	}

	if havePending {
		h, payload, err := DecodePacket(ph.introKey, ph.introKey, data)
		if err != nil && ph.haveSessionKey {
			// Phase 3 (SessionConfirmed) is already carried under the
			// derived session key rather than the intro key.
			h, payload, err = DecodePacket(ph.sessionKey[:], ph.sessionKey[:], data)
		}
		if err == nil {
			t.dispatchHandshakePacket(ph, h, payload)
			return
		}
	}

	// No session or pending handshake: under our own intro key, only a
	// fresh SessionRequest or Charlie's direct peer-test contact is
	// meaningful here.
	h, payload, err := DecodePacket(t.ourIntroKey, t.ourIntroKey, data)
	if err != nil {
		return
	}
	switch h.Type {
	case PayloadSessionRequest:
		t.handleSessionRequest(from, payload)
	case PayloadPeerTest:
		t.handlePeerTestFromUnknown(payload)
	}
}

func (t *Transport) dispatchHandshakePacket(ph *pendingHandshake, h Header, payload []byte) {
	switch h.Type {
	case PayloadSessionCreated:
		if ph.initiator {
			t.handleSessionCreated(ph, payload)
			t.untrackPending(ph.addr.String())
		}
	case PayloadSessionConfirmed:
		if !ph.initiator {
			t.handleSessionConfirmed(ph, payload)
			t.untrackPending(ph.addr.String())
		}
	}
}

func (t *Transport) dispatchSessionPacket(sess *Session, h Header, payload []byte) {
	if h.Rekey {
		if len(payload) < crypto.KeySize {
			t.log.WithField("peer", sess.remote).Debug("SSU rekey packet missing key material")
			return
		}
		var newKey [crypto.KeySize]byte
		copy(newKey[:], payload[:crypto.KeySize])
		sess.Rekey(newKey)
		payload = payload[crypto.KeySize:]
	}
	switch h.Type {
	case PayloadData:
		t.handleData(sess, payload)
	case PayloadSessionDestroyed:
		t.closeSession(sess)
	case PayloadPeerTest:
		t.handlePeerTestPacket(sess, payload)
	case PayloadRelayRequest:
		t.handleRelayRequest(sess, payload)
	case PayloadRelayResponse:
		t.handleRelayResponse(sess, payload)
	case PayloadRelayIntro:
		t.handleRelayIntro(payload)
	}
}

// Open performs the outbound 3-message DH handshake (SessionRequest,
// SessionCreated, SessionConfirmed) to ri's published SSU address and
// returns a live Session.
func (t *Transport) Open(ri *common.RouterInfo) (transport.Session, error) {
	addr, introKey, err := ssuAddress(ri)
	if err != nil {
		return nil, err
	}

	priv, pub, err := t.dh.Get()
	if err != nil {
		return nil, err
	}

	ph := &pendingHandshake{
		addr:      addr,
		initiator: true,
		priv:      priv,
		ourPub:    pub,
		introKey:  introKey,
		started:   time.Now(),
		peerRI:    ri,
		resultCh:  make(chan handshakeResult, 1),
	}
	t.trackPending(addr.String(), ph)
	defer t.untrackPending(addr.String())

	pkt, err := t.buildSessionRequest(ph)
	if err != nil {
		return nil, err
	}
	t.writeTo(addr, pkt)

	select {
	case res := <-ph.resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("%w: ssu handshake: %v", util.ErrUnreachable, res.err)
		}
		return res.sess, nil
	case <-time.After(SessionCreationTimeout):
	}

	// The peer did not answer directly; if it advertises introducers, ask
	// one to relay an intro so the peer hole-punches its NAT, then retry
	// the SessionRequest against the now-open mapping.
	if sess, ok := t.openViaIntroducer(ri, ph); ok {
		return sess, nil
	}
	return nil, fmt.Errorf("%w: ssu handshake timed out", util.ErrUnreachable)
}

// openViaIntroducer retries ph's handshake after asking one of ri's
// published introducers (with which we already hold a session) to
// deliver a RelayIntro. Returns false when ri advertises no usable
// introducer or the retry also times out.
func (t *Transport) openViaIntroducer(ri *common.RouterInfo, ph *pendingHandshake) (transport.Session, bool) {
	for _, a := range ri.Addresses {
		if a.Style != common.StyleSSU {
			continue
		}
		for _, in := range a.Introducers() {
			introAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", in.Host, in.Port))
			if err != nil {
				continue
			}
			t.mu.Lock()
			intro := t.sessions[introAddr.String()]
			t.mu.Unlock()
			if intro == nil {
				continue
			}
			if err := t.RequestRelay(intro, in.Tag); err != nil {
				continue
			}

			// Give the peer a moment to punch, then retry Phase 1.
			time.Sleep(relayPunchDelay)
			pkt, err := t.buildSessionRequest(ph)
			if err != nil {
				continue
			}
			t.writeTo(ph.addr, pkt)

			select {
			case res := <-ph.resultCh:
				if res.err == nil {
					return res.sess, true
				}
			case <-time.After(SessionCreationTimeout):
			}
		}
	}
	return nil, false
}

// relayPunchDelay is how long the initiator waits between a RelayRequest
// and its retried SessionRequest, long enough for the RelayIntro to
// traverse the introducer and the target's hole-punch to open.
const relayPunchDelay = 500 * time.Millisecond

func ssuAddress(ri *common.RouterInfo) (*net.UDPAddr, []byte, error) {
	for _, a := range ri.Addresses {
		if a.Style != common.StyleSSU {
			continue
		}
		key := a.IntroKey()
		if len(key) == 0 {
			continue
		}
		udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", a.Host(), a.Port()))
		if err != nil {
			continue
		}
		return udpAddr, key, nil
	}
	return nil, nil, fmt.Errorf("%w: router has no published SSU address", util.ErrUnreachable)
}

func (t *Transport) trackPending(key string, ph *pendingHandshake) {
	t.mu.Lock()
	t.pending[key] = ph
	t.mu.Unlock()
}

func (t *Transport) untrackPending(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

func (t *Transport) writeTo(addr *net.UDPAddr, data []byte) {
	if t.conn == nil {
		return
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		t.log.WithError(err).Debug("SSU write failed")
	}
}

func (t *Transport) newSession(addr *net.UDPAddr, remote crypto.Hash, sessionKey [crypto.KeySize]byte, macKey []byte) *Session {
	sess := &Session{
		transport: t,
		addr:      addr,
		remote:    remote,
		reasm:     NewReassembler(),
		acks:      newAckState(),
	}
	copy(sess.layerKey[:], sessionKey[:])
	copy(sess.macKey[:], macKey)
	t.mu.Lock()
	t.sessions[addr.String()] = sess
	t.mu.Unlock()
	return sess
}

// AnySessionExcept returns a live session whose remote hash differs from
// exclude, used when acting as Bob to pick a Charlie for a peer test.
func (t *Transport) AnySessionExcept(exclude crypto.Hash) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		if s.remote != exclude {
			return s
		}
	}
	return nil
}

func (t *Transport) closeSession(sess *Session) {
	t.mu.Lock()
	delete(t.sessions, sess.addr.String())
	t.mu.Unlock()
	if t.onClose != nil {
		t.onClose(sess)
	}
}

func (t *Transport) handleData(sess *Session, payload []byte) {
	// Skip the ack block buildDataPayload writes ahead of the fragments:
	// a count byte followed by that many 12-byte ack records.
	if len(payload) < 1 {
		return
	}
	nAcks := int(payload[0])
	if len(payload) < 1+12*nAcks {
		return
	}
	rest := payload[1+12*nAcks:]
	for len(rest) > 0 {
		f, tail, err := decodeFragment(rest)
		if err != nil {
			return
		}
		rest = tail
		sess.acks.record(f.MessageID, f.FragmentNum)
		msg, complete, err := sess.reasm.Add(f, time.Now())
		if err != nil {
			t.log.WithError(err).WithField("peer", sess.remote).Debug("SSU fragment reassembly failed")
			continue
		}
		if complete && t.onMessage != nil {
			t.onMessage(sess.remote, msg)
		}
	}
}

// Close shuts down the transport socket and notifies all live sessions.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.dh.Close()
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	conn := t.conn
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Session is one established SSU session, keyed by remote UDP address.
type Session struct {
	transport *Transport
	addr      *net.UDPAddr
	remote    crypto.Hash

	layerKey [crypto.KeySize]byte
	macKey   [crypto.KeySize]byte

	reasm *Reassembler
	acks  *ackState

	mu                sync.Mutex
	inBytes, outBytes atomic.Uint64
}

// RemoteIdentity returns the peer's RouterIdentity hash.
func (s *Session) RemoteIdentity() crypto.Hash { return s.remote }

// Rekey replaces the session's layer key in place, without renegotiating
// the outer 3-message handshake, in response to a peer's rekey-bit
// packet.
func (s *Session) Rekey(newKey [crypto.KeySize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layerKey = newKey
}

// Counters returns cumulative inbound/outbound byte totals.
func (s *Session) Counters() (inBytes, outBytes uint64) {
	return s.inBytes.Load(), s.outBytes.Load()
}

// Close sends SessionDestroyed and forgets the session.
func (s *Session) Close() error {
	var iv [ivSize]byte
	pkt, err := EncodePacket(s.macKey[:], s.layerKey[:], iv, Header{Type: PayloadSessionDestroyed, Timestamp: now32()}, nil)
	if err == nil {
		s.transport.writeTo(s.addr, pkt)
	}
	s.transport.mu.Lock()
	delete(s.transport.sessions, s.addr.String())
	s.transport.mu.Unlock()
	return nil
}

// SendMessages fragments each message and sends its pieces as Data
// packets, piggy-backing any pending (messageId, ackBitfield) tuples.
func (s *Session) SendMessages(msgs []*i2np.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		msgID := messageIDCounter.Add(1)
		for _, f := range fragmentMessage(msgID, m.Encode()) {
			payload := s.buildDataPayload(f)
			var iv [ivSize]byte
			if _, err := rand.Read(iv[:]); err != nil {
				return err
			}
			pkt, err := EncodePacket(s.macKey[:], s.layerKey[:], iv, Header{Type: PayloadData, Timestamp: now32()}, payload)
			if err != nil {
				return err
			}
			s.transport.writeTo(s.addr, pkt)
			s.outBytes.Add(uint64(len(pkt)))
		}
	}
	return nil
}

// SendRekey asks the peer to adopt newKey in place, via the rekey bit
// on an otherwise-empty Data packet, then adopts it locally.
func (s *Session) SendRekey(newKey [crypto.KeySize]byte) error {
	s.mu.Lock()
	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		s.mu.Unlock()
		return err
	}
	pkt, err := EncodePacket(s.macKey[:], s.layerKey[:], iv, Header{Type: PayloadData, Rekey: true, Timestamp: now32()}, newKey[:])
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.transport.writeTo(s.addr, pkt)
	s.Rekey(newKey)
	return nil
}

// buildDataPayload prepends pending acks (count byte, then messageId+u64
// bitfield pairs) ahead of the fragment itself.
func (s *Session) buildDataPayload(f fragment) []byte {
	acks := s.acks.drain()
	out := make([]byte, 0, 1+12*len(acks)+16+len(f.Payload))
	out = append(out, byte(len(acks)))
	for id, bitfield := range acks {
		var idBytes [4]byte
		binary.BigEndian.PutUint32(idBytes[:], id)
		out = append(out, idBytes[:]...)
		var bf [8]byte
		binary.BigEndian.PutUint64(bf[:], bitfield)
		out = append(out, bf[:]...)
	}
	out = append(out, encodeFragment(f)...)
	return out
}
