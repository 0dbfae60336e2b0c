package streaming

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// ErrConnectionReset is delivered to a pending Read/Write when the stream
// receives or sends a RESET, or exhausts MaxResendAttempts.
var ErrConnectionReset = errors.New("streaming: connection reset")

// Window bounds.
const (
	InitialWindow = 6
	MinWindow     = 1
	MaxWindow     = 128
)

// RTT/RTO initial values and bounds.
const (
	InitialRTT = 8000 * time.Millisecond
	InitialRTO = 9000 * time.Millisecond
	MaxRTO     = 60 * time.Second
)

// MaxResendAttempts is the retransmission ceiling after which the stream
// resets.
const MaxResendAttempts = 6

// AckSendTimeout bounds how long a received data packet may go
// unacknowledged before a quick standalone ACK is due.
const AckSendTimeout = 200 * time.Millisecond

// Status is a stream's lifecycle stage.
type Status int

const (
	StatusNew Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
	StatusReset
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Sender transmits one StreamPacket to the peer identified by destHash.
// The owning StreamingDestination implements this by wrapping the
// packet in a Data I2NP message and handing it to the garlic/tunnel
// layers.
type Sender interface {
	SendPacket(destHash crypto.Hash, pkt *Packet) error
}

type sentPacket struct {
	pkt      *Packet
	sentAt   time.Time
	resent   bool
	hasData  bool
}

// Stream is one connection's state: paired IDs, the lifecycle status, the
// send/receive buffers, the in-flight and out-of-order packet sets, and
// the window/RTT/RTO estimators.
type Stream struct {
	log *logrus.Entry

	localID  uint32
	remoteID uint32
	destHash crypto.Hash
	fromPort uint16
	toPort   uint16
	sender   Sender

	mu     sync.Mutex
	status Status

	nextSendSeq  uint32
	sendBuf      bytes.Buffer
	sentPackets  map[uint32]*sentPacket
	localClosed  bool
	closeSeq     uint32
	haveCloseSeq bool

	nextRecvSeq        uint32
	savedPackets       map[uint32]*Packet
	recvBuf            bytes.Buffer
	remoteClosed       bool
	remoteCloseSeq     uint32
	haveRemoteCloseSeq bool

	window         int
	rtt            time.Duration
	rto            time.Duration
	resendAttempts int

	lastAckSent time.Time
	needAck     bool

	err error

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewOutbound creates a stream for the active (Dial) side: localID is our
// freshly chosen stream ID, destHash the peer's identity hash. The stream
// starts in StatusNew; its first Flush call sends the SYN.
func NewOutbound(localID uint32, destHash crypto.Hash, fromPort, toPort uint16, sender Sender) *Stream {
	return newStream(localID, 0, destHash, fromPort, toPort, sender, StatusNew)
}

// NewInbound creates a stream for the passive (Accept) side from a
// received SYN packet: localID is our freshly chosen ID, remoteID is the
// SYN's SendStreamID. The stream starts StatusOpen directly. A SYN that
// already carries CLOSE (a one-shot sender) obligates our own CLOSE the
// same way HandleIncoming's path does; maybeCloseLocked queues it here
// and the owning Destination's next Flush tick sends it.
func NewInbound(localID uint32, syn *Packet, destHash crypto.Hash, fromPort, toPort uint16, sender Sender) *Stream {
	s := newStream(localID, syn.SendStreamID, destHash, fromPort, toPort, sender, StatusOpen)
	s.mu.Lock()
	s.deliverLocked(syn)
	s.maybeCloseLocked()
	s.mu.Unlock()
	return s
}

func newStream(localID, remoteID uint32, destHash crypto.Hash, fromPort, toPort uint16, sender Sender, status Status) *Stream {
	return &Stream{
		log:          logrus.WithField("component", "streaming").WithField("stream", localID),
		localID:      localID,
		remoteID:     remoteID,
		destHash:     destHash,
		fromPort:     fromPort,
		toPort:       toPort,
		sender:       sender,
		status:       status,
		sentPackets:  make(map[uint32]*sentPacket),
		savedPackets: make(map[uint32]*Packet),
		window:       InitialWindow,
		rtt:          InitialRTT,
		rto:          InitialRTO,
		notifyCh:     make(chan struct{}),
	}
}

// LocalID returns the stream ID we chose.
func (s *Stream) LocalID() uint32 { return s.localID }

// Status returns the stream's current lifecycle stage.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Stream) wait() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyCh
}

func (s *Stream) signal() {
	s.notifyMu.Lock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.notifyMu.Unlock()
}

// Write appends p to the stream's send buffer; the owning Destination's
// periodic Flush call is what actually segments and transmits it.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.status == StatusClosing || s.status == StatusClosed {
		return 0, errors.New("streaming: write after close")
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return s.sendBuf.Write(p)
}

// Read blocks until delivered, in-order bytes are available, the peer's
// CLOSE has been fully delivered (see IsEOF), the stream resets, or ctx is
// cancelled.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.recvBuf.Len() > 0 {
			n, _ := s.recvBuf.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.remoteClosed {
			s.mu.Unlock()
			return 0, errEOF
		}
		ch := s.wait()
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ch:
		}
	}
}

// errEOF is returned by Read once the peer's CLOSE has been fully
// delivered. It is a value of this package, distinct from io.EOF, so
// callers test for it with IsEOF.
var errEOF = errors.New("EOF")

// IsEOF reports whether err is the stream's end-of-data sentinel.
func IsEOF(err error) bool { return err == errEOF }

// Close begins a graceful shutdown: no more Writes are accepted, and the
// next Flush call attaches the CLOSE flag to the final outgoing packet.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusReset || s.status == StatusClosed {
		return nil
	}
	s.localClosed = true
	if s.status == StatusOpen {
		s.status = StatusClosing
	}
	return nil
}

// Reset immediately sends a RESET packet and tears the stream down.
func (s *Stream) Reset() error {
	s.mu.Lock()
	if s.status == StatusReset || s.status == StatusClosed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusReset
	s.err = ErrConnectionReset
	s.mu.Unlock()
	s.signal()

	pkt := &Packet{SendStreamID: s.localID, RecvStreamID: s.remoteID, SeqNum: s.nextSendSeq, Flags: FlagReset}
	return s.sender.SendPacket(s.destHash, pkt)
}

// HandleIncoming processes one packet received from the peer: RESET
// handling, ACK/NACK bookkeeping against our in-flight packets, in-order
// payload delivery, and CLOSE detection. When the peer's CLOSE has just
// been fully delivered and we had not closed ourselves, our own CLOSE is
// owed in response; flush it immediately rather than waiting for the
// next housekeeping tick.
func (s *Stream) HandleIncoming(pkt *Packet) {
	s.mu.Lock()
	if s.remoteID == 0 && pkt.SendStreamID != 0 {
		s.remoteID = pkt.SendStreamID
	}
	if pkt.HasFlag(FlagReset) {
		s.status = StatusReset
		s.err = ErrConnectionReset
		s.mu.Unlock()
		s.signal()
		return
	}
	s.processAckLocked(pkt)
	s.deliverLocked(pkt)
	oweClose := s.maybeCloseLocked()
	s.mu.Unlock()
	s.signal()

	if oweClose {
		if err := s.Flush(time.Now()); err != nil {
			s.log.WithError(err).Debug("responding CLOSE flush failed; housekeeping will retry")
		}
	}
}

// processAckLocked clears acknowledged entries from sentPackets, samples
// RTT for non-retransmitted acks, and grows the window on success (must
// be called with s.mu held).
func (s *Stream) processAckLocked(pkt *Packet) {
	nacked := make(map[uint32]bool, len(pkt.NACKs))
	for _, n := range pkt.NACKs {
		nacked[n] = true
	}
	now := time.Now()
	ackedAny := false
	for seq, sp := range s.sentPackets {
		if seq > pkt.AckThrough || nacked[seq] {
			continue
		}
		ackedAny = true
		if !sp.resent {
			sample := now.Sub(sp.sentAt)
			s.rtt = time.Duration(0.875*float64(s.rtt) + 0.125*float64(sample))
			s.rto = s.rtt * 2
			if s.rto > MaxRTO {
				s.rto = MaxRTO
			}
		}
		delete(s.sentPackets, seq)
	}
	if ackedAny {
		s.resendAttempts = 0
		if s.window < MaxWindow {
			s.window++
		}
	}
	if s.localClosed && s.status == StatusClosing {
		if _, stillPending := s.sentPackets[s.closeSeq]; s.haveCloseSeq && !stillPending {
			s.status = StatusClosed
		}
	}
}

// deliverLocked stores an in-order or out-of-order payload and copies
// whatever prefix is now contiguous into recvBuf (must be called with
// s.mu held).
func (s *Stream) deliverLocked(pkt *Packet) {
	if pkt.HasFlag(FlagClose) && !s.haveRemoteCloseSeq {
		s.remoteCloseSeq = pkt.SeqNum
		s.haveRemoteCloseSeq = true
	}
	if len(pkt.Payload) == 0 && pkt.SeqNum == 0 && !pkt.HasFlag(FlagSynchronize) && !pkt.HasFlag(FlagClose) {
		// Pure ACK carries no sequence of its own; one marked NoAck must
		// not provoke a counter-ACK or the two sides ping-pong forever.
		if !pkt.HasFlag(FlagNoAck) {
			s.needAckIfDue()
		}
		return
	}
	if pkt.SeqNum < s.nextRecvSeq {
		return // already delivered, a retransmitted duplicate
	}
	if pkt.SeqNum == s.nextRecvSeq {
		s.recvBuf.Write(pkt.Payload)
		s.nextRecvSeq++
		for {
			next, ok := s.savedPackets[s.nextRecvSeq]
			if !ok {
				break
			}
			delete(s.savedPackets, s.nextRecvSeq)
			s.recvBuf.Write(next.Payload)
			s.nextRecvSeq++
		}
	} else {
		s.savedPackets[pkt.SeqNum] = pkt
	}
	s.needAckIfDue()
}

func (s *Stream) needAckIfDue() {
	s.needAck = true
}

// maybeCloseLocked marks remoteClosed (EOF for Read) once every byte
// through the peer's CLOSE sequence has been delivered. If the local
// side had not closed on its own, that delivery obligates a CLOSE in
// the other direction: the stream enters StatusClosing with localClosed
// set so the next Flush emits our CLOSE, and only its acknowledgement
// (processAckLocked) completes the transition to StatusClosed. Returns
// true when that responding CLOSE is newly owed (must be called with
// s.mu held).
func (s *Stream) maybeCloseLocked() bool {
	if !s.haveRemoteCloseSeq || s.remoteClosed || s.nextRecvSeq <= s.remoteCloseSeq {
		return false
	}
	s.remoteClosed = true
	if s.localClosed {
		// We closed first; our CLOSE is already queued or in flight and
		// processAckLocked finishes the shutdown when it is acked.
		return false
	}
	s.localClosed = true
	if s.status == StatusNew || s.status == StatusOpen {
		s.status = StatusClosing
	}
	return true
}

// Flush segments buffered send data into Packets bounded by MTU and the
// current window, transmits any pending standalone ACK, and returns the
// first send error, if any.
func (s *Stream) Flush(now time.Time) error {
	s.mu.Lock()
	if s.status == StatusReset {
		s.mu.Unlock()
		return nil
	}

	var toSend []*Packet
	closedInLoop := false
	for s.sendBuf.Len() > 0 && len(s.sentPackets) < s.window {
		n := s.sendBuf.Len()
		if n > MTU {
			n = MTU
		}
		payload := make([]byte, n)
		s.sendBuf.Read(payload)

		pkt := &Packet{
			SendStreamID: s.localID,
			RecvStreamID: s.remoteID,
			SeqNum:       s.nextSendSeq,
			AckThrough:   s.lastAckThrough(),
		}
		if s.nextSendSeq == 0 && s.status == StatusNew {
			pkt.Flags |= FlagSynchronize
		}
		if s.localClosed && s.sendBuf.Len() == 0 {
			pkt.Flags |= FlagClose
			s.closeSeq = s.nextSendSeq
			s.haveCloseSeq = true
			closedInLoop = true
		}
		pkt.Payload = payload
		s.sentPackets[pkt.SeqNum] = &sentPacket{pkt: pkt, sentAt: now, hasData: true}
		s.nextSendSeq++
		toSend = append(toSend, pkt)
	}
	if s.status == StatusNew && len(toSend) > 0 {
		s.status = StatusOpen
	}
	if closedInLoop && s.status == StatusOpen {
		s.status = StatusClosing
	}
	if s.localClosed && s.sendBuf.Len() == 0 && !s.haveCloseSeq && len(s.sentPackets) < s.window {
		// Nothing left to carry data but a CLOSE still needs to go out.
		pkt := &Packet{
			SendStreamID: s.localID,
			RecvStreamID: s.remoteID,
			SeqNum:       s.nextSendSeq,
			AckThrough:   s.lastAckThrough(),
			Flags:        FlagClose,
		}
		if s.nextSendSeq == 0 && s.status == StatusNew {
			pkt.Flags |= FlagSynchronize
		}
		s.closeSeq = pkt.SeqNum
		s.haveCloseSeq = true
		s.sentPackets[pkt.SeqNum] = &sentPacket{pkt: pkt, sentAt: now}
		s.nextSendSeq++
		toSend = append(toSend, pkt)
		if s.status == StatusNew || s.status == StatusOpen {
			s.status = StatusClosing
		}
	}
	if s.needAck && len(toSend) == 0 {
		ackPkt := &Packet{
			SendStreamID: s.localID,
			RecvStreamID: s.remoteID,
			SeqNum:       0,
			AckThrough:   s.lastAckThrough(),
			Flags:        FlagNoAck,
		}
		toSend = append(toSend, ackPkt)
	}
	s.needAck = false
	s.lastAckSent = now
	sender := s.sender
	destHash := s.destHash
	s.mu.Unlock()

	for _, pkt := range toSend {
		if err := sender.SendPacket(destHash, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) lastAckThrough() uint32 {
	if s.nextRecvSeq == 0 {
		return 0
	}
	return s.nextRecvSeq - 1
}

// CheckTimeouts retransmits any in-flight packet past its RTO, halving
// the window and doubling RTO on every retransmission round, and resets
// the stream once MaxResendAttempts is exceeded.
func (s *Stream) CheckTimeouts(now time.Time) error {
	s.mu.Lock()
	if s.status == StatusReset || s.status == StatusClosed {
		s.mu.Unlock()
		return nil
	}

	var stale []*sentPacket
	for _, sp := range s.sentPackets {
		if now.Sub(sp.sentAt) > s.rto {
			stale = append(stale, sp)
		}
	}
	if len(stale) == 0 {
		s.mu.Unlock()
		return nil
	}

	s.resendAttempts++
	if s.resendAttempts > MaxResendAttempts {
		s.status = StatusReset
		s.err = ErrConnectionReset
		s.mu.Unlock()
		s.signal()
		return ErrConnectionReset
	}

	s.rto *= 2
	if s.rto > MaxRTO {
		s.rto = MaxRTO
	}
	s.window /= 2
	if s.window < MinWindow {
		s.window = MinWindow
	}
	for _, sp := range stale {
		sp.sentAt = now
		sp.resent = true
	}
	sender := s.sender
	destHash := s.destHash
	s.log.WithField("attempt", s.resendAttempts).Debug("retransmitting stale stream packets")
	s.mu.Unlock()

	for _, sp := range stale {
		if err := sender.SendPacket(destHash, sp.pkt); err != nil {
			return err
		}
	}
	return nil
}

// AckDue reports whether a received packet is still waiting on a
// standalone ACK past AckSendTimeout.
func (s *Stream) AckDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needAck && now.Sub(s.lastAckSent) > AckSendTimeout
}
