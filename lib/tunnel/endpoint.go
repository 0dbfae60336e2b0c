package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// maxFragmentPayload bounds one fragment record's payload so a multi-
// fragment I2NP message still fits inside FrameSize alongside the frame's
// own header and the fragment record's own fixed fields.
const maxFragmentPayload = 960

// fragmentStaleness mirrors the SSU reassembler's window.
const fragmentStaleness = 30 * time.Second

// Gateway builds the fragment records and layer-encrypted frames an
// outbound tunnel's first hop receives for one I2NP message.
type Gateway struct {
	tunnel *Tunnel
}

// NewGateway wraps an established outbound tunnel as a message gateway.
func NewGateway(t *Tunnel) (*Gateway, error) {
	if t.Direction != Outbound {
		return nil, fmt.Errorf("tunnel: NewGateway requires an outbound tunnel")
	}
	return &Gateway{tunnel: t}, nil
}

// WrapMessage fragments msg's encoded bytes per the delivery instructions
// dt/tunnelID/router and layer-encrypts the resulting
// frame(s) for transmission to the tunnel's first hop.
func (g *Gateway) WrapMessage(msg *i2np.Message, dt DeliveryType, tunnelID uint32, router crypto.Hash) ([][FrameSize]byte, error) {
	encoded := msg.Encode()
	var frags []Fragment
	if len(encoded) <= maxFragmentPayload {
		frags = []Fragment{{
			Delivery:  dt,
			TunnelID:  tunnelID,
			Router:    router,
			IsInitial: true,
			IsLast:    true,
			Payload:   encoded,
		}}
	} else {
		num := uint8(0)
		for len(encoded) > 0 {
			n := maxFragmentPayload
			if n > len(encoded) {
				n = len(encoded)
			}
			chunk := encoded[:n]
			encoded = encoded[n:]
			frags = append(frags, Fragment{
				Delivery:     dt,
				TunnelID:     tunnelID,
				Router:       router,
				IsFragmented: true,
				IsInitial:    num == 0,
				IsLast:       len(encoded) == 0,
				FragmentNum:  num,
				MessageID:    msg.MsgID,
				Payload:      chunk,
			})
			num++
		}
	}

	out := make([][FrameSize]byte, 0, len(frags))
	for _, f := range frags {
		var iv [frameIVSize]byte
		ivBytes, err := crypto.RandomBytes(frameIVSize)
		if err != nil {
			return nil, err
		}
		copy(iv[:], ivBytes)
		clear, err := EncodeFrame(iv, []Fragment{f})
		if err != nil {
			return nil, err
		}
		wire, err := g.tunnel.EncryptOutbound(clear)
		if err != nil {
			return nil, err
		}
		out = append(out, wire)
	}
	return out, nil
}

// Send fragments msg via WrapMessage and transmits the resulting frame(s)
// to the tunnel's first hop as TypeTunnelData messages, the gateway's
// actual network send.
func (g *Gateway) Send(sender Sender, msg *i2np.Message, dt DeliveryType, tunnelID uint32, router crypto.Hash) error {
	frames, err := g.WrapMessage(msg, dt, tunnelID, router)
	if err != nil {
		return err
	}
	firstHop := g.tunnel.Hops[0]
	out := make([]*i2np.Message, 0, len(frames))
	for _, frame := range frames {
		payload := &i2np.TunnelDataPayload{TunnelID: firstHop.RecvTunnel, Data: frame}
		out = append(out, &i2np.Message{
			Type:       i2np.TypeTunnelData,
			MsgID:      util.NewID(),
			Expiration: time.Now().Add(relayExpiry),
			Payload:    payload.Encode(),
		})
	}
	return sender.Send(firstHop.PeerHash, out)
}

// partialMessage tracks the fragments received so far for one in-flight
// split message. Only one can be in flight per tunnel at a time: a
// tunnel delivers messages in the order its gateway saw them, and the
// Gateway that produced this
// split never interleaves two messages' fragments, so fragments are not
// keyed by MessageID. A follow-on fragment that arrives with no pending
// initial fragment is dropped; a follow-on's MessageID is recorded but not
// compared against earlier ones.
type partialMessage struct {
	delivery DeliveryType
	tunnelID uint32
	router   crypto.Hash
	msgID    uint32 // set from each follow-on fragment seen
	pieces   map[uint8][]byte
	lastSeen uint8
	hasLast  bool
	received time.Time
}

// DeliverFunc is invoked once per reassembled I2NP message reaching this
// endpoint, with the delivery instructions the terminal fragment carried.
type DeliverFunc func(dt DeliveryType, tunnelID uint32, router crypto.Hash, msg *i2np.Message)

// Endpoint is the inbound side of one of our inbound tunnels: it decrypts
// arriving TunnelData frames at the tunnel's last hop (us), decodes their
// fragment records, reassembles a split message's fragments, and calls
// Deliver once each message is complete: the terminal hop that applies
// tunnel_decrypt instead of forwarding.
type Endpoint struct {
	tunnel  *Tunnel
	Deliver DeliverFunc

	mu      sync.Mutex
	pending *partialMessage
}

// NewEndpoint wraps an established inbound tunnel as a message endpoint.
func NewEndpoint(t *Tunnel, deliver DeliverFunc) (*Endpoint, error) {
	if t.Direction != Inbound {
		return nil, fmt.Errorf("tunnel: NewEndpoint requires an inbound tunnel")
	}
	return &Endpoint{tunnel: t, Deliver: deliver}, nil
}

// HandleFrame decrypts one arriving 1024-byte tunnel frame, decodes its fragment
// records, and feeds each into reassembly.
func (e *Endpoint) HandleFrame(wire [FrameSize]byte, now time.Time) error {
	// Every hop of an inbound tunnel applied its own tunnel_encrypt on the
	// way here, the last hop's layer outermost; peel them all.
	clear := wire
	for i := len(e.tunnel.Hops) - 1; i >= 0; i-- {
		var err error
		clear, err = DecryptHop(clear, e.tunnel.Hops[i])
		if err != nil {
			return err
		}
	}
	fragments, err := DecodeFrame(clear)
	if err != nil {
		return err
	}
	e.evictStale(now)
	for _, f := range fragments {
		e.add(f, now)
	}
	return nil
}

func (e *Endpoint) add(f Fragment, now time.Time) {
	if !f.IsFragmented {
		if e.Deliver != nil {
			if msg, _, err := i2np.Decode(f.Payload); err == nil {
				e.Deliver(f.Delivery, f.TunnelID, f.Router, msg)
			}
		}
		return
	}

	e.mu.Lock()
	if f.IsInitial {
		e.pending = &partialMessage{
			delivery: f.Delivery,
			tunnelID: f.TunnelID,
			router:   f.Router,
			pieces:   map[uint8][]byte{0: f.Payload},
			received: now,
		}
		if f.IsLast {
			e.pending.hasLast = true
			e.pending.lastSeen = 0
		}
		e.mu.Unlock()
		return
	}

	pm := e.pending
	if pm == nil {
		// A follow-on fragment with no matching initial fragment: the
		// initial one was dropped somewhere upstream. Nothing to do but
		// wait for it to time out via evictStale.
		e.mu.Unlock()
		return
	}
	pm.received = now
	pm.msgID = f.MessageID
	pm.pieces[f.FragmentNum] = f.Payload
	if f.IsLast {
		pm.hasLast = true
		pm.lastSeen = f.FragmentNum
	}

	var full []byte
	complete := pm.hasLast
	if complete {
		for i := uint8(0); i <= pm.lastSeen; i++ {
			piece, have := pm.pieces[i]
			if !have {
				complete = false
				break
			}
			full = append(full, piece...)
		}
	}
	if complete {
		e.pending = nil
	}
	delivery, tunnelID, router := pm.delivery, pm.tunnelID, pm.router
	e.mu.Unlock()

	if !complete {
		return
	}
	msg, _, err := i2np.Decode(full)
	if err != nil || e.Deliver == nil {
		return
	}
	e.Deliver(delivery, tunnelID, router, msg)
}

func (e *Endpoint) evictStale(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != nil && now.Sub(e.pending.received) > fragmentStaleness {
		e.pending = nil
	}
}

// ErrTruncated is returned by reassembly helpers when a frame's fragment
// records do not form a well-formed prefix.
var ErrTruncated = util.ErrMalformed
