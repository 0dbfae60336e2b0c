package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// Destination is a local identity's streaming half: the registry of
// active connections keyed by local stream ID, active listeners keyed by
// port, and the background task that flushes, acks, and retransmits
// every open stream. It is the streaming third of the trio a local
// destination owns, alongside its tunnel pool and garlic state.
type Destination struct {
	log *logrus.Entry

	selfHash crypto.Hash
	sender   Sender

	mu        sync.Mutex
	streams   map[uint32]*Stream
	listeners map[uint16]*listener
	nextID    func() uint32
}

// listener buffers inbound connections for one locally bound port until
// Accept is called.
type listener struct {
	port   uint16
	accept chan *Stream
	closed chan struct{}
}

// NewDestination creates a streaming Destination for the local identity
// hashed as selfHash, transmitting packets via sender.
func NewDestination(selfHash crypto.Hash, sender Sender, idGen func() uint32) *Destination {
	return &Destination{
		log:       logrus.WithField("component", "streaming"),
		selfHash:  selfHash,
		sender:    sender,
		streams:   make(map[uint32]*Stream),
		listeners: make(map[uint16]*listener),
		nextID:    idGen,
	}
}

// CreateStream opens an outbound connection to remoteHash on toPort.
func (d *Destination) CreateStream(remoteHash crypto.Hash, toPort uint16) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.freshID()
	s := NewOutbound(id, remoteHash, 0, toPort, d.sender)
	d.streams[id] = s
	return s
}

// AcceptStreams registers a listener on localPort; incoming SYNs
// addressed to that port are handed to callers of Accept.
func (d *Destination) AcceptStreams(localPort uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[localPort]; ok {
		return
	}
	d.listeners[localPort] = &listener{port: localPort, accept: make(chan *Stream, 16), closed: make(chan struct{})}
}

// Accept blocks until an inbound stream arrives on localPort or ctx is
// cancelled. AcceptStreams must have been called for that port first.
func (d *Destination) Accept(ctx context.Context, localPort uint16) (*Stream, error) {
	d.mu.Lock()
	l, ok := d.listeners[localPort]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("streaming: no listener on port %d", localPort)
	}
	select {
	case s := <-l.accept:
		return s, nil
	case <-l.closed:
		return nil, util.ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StopAccepting removes a listener; any connections already queued for
// Accept on that port are refused with RESET.
func (d *Destination) StopAccepting(localPort uint16) {
	d.mu.Lock()
	l, ok := d.listeners[localPort]
	delete(d.listeners, localPort)
	d.mu.Unlock()
	if !ok {
		return
	}
	close(l.closed)
	for {
		select {
		case s := <-l.accept:
			s.Reset()
		default:
			return
		}
	}
}

func (d *Destination) freshID() uint32 {
	for {
		id := d.nextID()
		if id == 0 {
			continue
		}
		if _, ok := d.streams[id]; !ok {
			return id
		}
	}
}

// HandleDataMessage decodes an I2NP Data message delivered by the garlic
// layer into a StreamPacket and routes it to the matching stream (by
// RecvStreamID), or, for a SYN addressed to an open listener's port,
// creates a fresh inbound stream and hands it to Accept.
// Streams are addressed purely by stream ID; port-based demultiplexing
// is not carried on the wire, so a SYN is handed to one of the active
// listeners, chosen by map iteration order (not deterministic when more
// than one port is listening).
func (d *Destination) HandleDataMessage(fromHash crypto.Hash, msg *i2np.Message) error {
	payload, err := i2np.DecodeData(msg.Payload)
	if err != nil {
		return err
	}
	pkt, err := Decode(payload.Data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if pkt.RecvStreamID != 0 {
		if s, ok := d.streams[pkt.RecvStreamID]; ok {
			d.mu.Unlock()
			s.HandleIncoming(pkt)
			return nil
		}
	}

	if !pkt.HasFlag(FlagSynchronize) {
		d.mu.Unlock()
		return fmt.Errorf("%w: stream packet for unknown stream %d", util.ErrNotFound, pkt.RecvStreamID)
	}

	var l *listener
	for _, cand := range d.listeners {
		l = cand
		break
	}
	if l == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: SYN received with no active listener", util.ErrNotFound)
	}
	id := d.freshID()
	s := NewInbound(id, pkt, fromHash, l.port, 0, d.sender)
	d.streams[id] = s
	d.mu.Unlock()

	select {
	case l.accept <- s:
	default:
		s.Reset()
	}
	return nil
}

// Tick drives every open stream's Flush and CheckTimeouts, and removes
// streams that have fully closed or reset. Meant to be called on a
// periodic timer.
func (d *Destination) Tick(now time.Time) {
	d.mu.Lock()
	streams := make([]*Stream, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, s)
	}
	d.mu.Unlock()

	for _, s := range streams {
		if err := s.Flush(now); err != nil {
			d.log.WithError(err).Debug("stream flush failed")
		}
		if err := s.CheckTimeouts(now); err != nil {
			d.log.WithError(err).Debug("stream timed out")
		}
	}

	d.mu.Lock()
	for id, s := range d.streams {
		st := s.Status()
		if st == StatusClosed || st == StatusReset {
			delete(d.streams, id)
		}
	}
	d.mu.Unlock()
}

// StreamCount returns the number of tracked streams, for tests and
// diagnostics.
func (d *Destination) StreamCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}
