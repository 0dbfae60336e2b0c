package tunnel

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// relayExpiry bounds a forwarded frame's own I2NP expiration; a relay hop
// mints a fresh envelope for each forwarded frame rather than reusing the
// inbound message's, since only the 1024-byte frame itself (not its
// transport wrapper) is meaningful once decrypted.
const relayExpiry = 60 * time.Second

// Relay forwards TunnelData and TunnelGateway frames through tunnels this
// router participates in on behalf of someone else: each hop applies its own tunnel_encrypt layer
// and passes the frame to the next hop, except at the chain's last
// participating hop, where the terminal fragment's own delivery
// instructions are honored instead of forwarding further.
type Relay struct {
	table  *ParticipantTable
	sender Sender
	log    *logrus.Entry
}

// NewRelay creates a Relay consulting table for participating-tunnel
// state and sender to reach the next hop.
func NewRelay(table *ParticipantTable, sender Sender) *Relay {
	return &Relay{table: table, sender: sender, log: logrus.WithField("component", "tunnel-relay")}
}

// HandleTunnelData processes an arriving TypeTunnelData message for a
// tunnel we are relaying (not the tunnel's true inbound endpoint, which
// is handled by Endpoint instead): apply our own tunnel_encrypt layer
// and forward the frame to the next hop under its tunnel ID.
func (r *Relay) HandleTunnelData(msg *i2np.Message) error {
	payload, err := i2np.DecodeTunnelData(msg.Payload)
	if err != nil {
		return err
	}
	p, ok := r.table.Get(payload.TunnelID)
	if !ok {
		// Not a tunnel we relay; tunnel messages may be dropped
		// silently, so this is not an error condition.
		return nil
	}
	return r.relayFrame(p, payload.Data)
}

// HandleTunnelGateway processes an arriving TypeTunnelGateway message: the
// tunnel's true owner (a different router) hands us, as that tunnel's
// first participating hop, a frame already layer-encrypted for every hop
// but ours. We apply our own layer exactly as HandleTunnelData does and
// forward onward; the two entry points converge on the same relay step
// because a Participating entry's (LayerKey, IVKey, NextHop,
// NextTunnelID) fully describe this hop's contribution regardless of
// which message type delivered the frame.
func (r *Relay) HandleTunnelGateway(msg *i2np.Message) error {
	payload, err := i2np.DecodeTunnelGateway(msg.Payload)
	if err != nil {
		return err
	}
	p, ok := r.table.Get(payload.TunnelID)
	if !ok {
		return nil
	}
	if len(payload.Data) != FrameSize {
		return fmt.Errorf("%w: tunnel gateway frame must be %d bytes, got %d", util.ErrMalformed, FrameSize, len(payload.Data))
	}
	var frame [FrameSize]byte
	copy(frame[:], payload.Data)
	return r.relayFrame(p, frame)
}

func (r *Relay) relayFrame(p *Participating, frame [FrameSize]byte) error {
	if p.IsEndpoint {
		return r.deliverAtEndpoint(p, frame)
	}

	enc, err := crypto.TunnelEncrypt(frame[:], p.LayerKey[:], p.IVKey[:])
	if err != nil {
		return err
	}
	var out [FrameSize]byte
	copy(out[:], enc)
	return r.forward(p.NextHop, p.NextTunnelID, out)
}

// deliverAtEndpoint handles the terminal participating hop of someone
// else's outbound tunnel: fully peel this hop's layer, decode the
// fragment records, and honor each one's own delivery instructions
// instead of forwarding further. DeliveryLocal/DeliveryDestination
// fragments cannot legitimately appear here: only the tunnel's actual
// owner, not a relaying participant, is ever the final consumer of
// those, so they are logged and dropped rather than guessed at.
func (r *Relay) deliverAtEndpoint(p *Participating, frame [FrameSize]byte) error {
	clear, err := crypto.TunnelDecrypt(frame[:], p.LayerKey[:], p.IVKey[:])
	if err != nil {
		return err
	}
	var out [FrameSize]byte
	copy(out[:], clear)
	fragments, err := DecodeFrame(out)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		switch f.Delivery {
		case DeliveryRouter:
			inner, _, err := i2np.Decode(f.Payload)
			if err != nil {
				r.log.WithError(err).Debug("relay: router-delivery fragment payload did not decode as an I2NP message")
				continue
			}
			if err := r.sender.Send(f.Router, []*i2np.Message{inner}); err != nil {
				r.log.WithError(err).Debug("relay: delivery to router failed")
			}
		case DeliveryTunnel:
			inner, _, err := i2np.Decode(f.Payload)
			if err != nil {
				r.log.WithError(err).Debug("relay: tunnel-delivery fragment payload did not decode as an I2NP message")
				continue
			}
			frame, err := gatewayFrame(inner)
			if err != nil {
				r.log.WithError(err).Debug("relay: failed to build a gateway frame for forwarded delivery")
				continue
			}
			gwPayload := &i2np.TunnelGatewayPayload{TunnelID: f.TunnelID, Data: frame[:]}
			m := &i2np.Message{
				Type:       i2np.TypeTunnelGateway,
				MsgID:      util.NewID(),
				Expiration: time.Now().Add(relayExpiry),
				Payload:    gwPayload.Encode(),
			}
			if err := r.sender.Send(f.Router, []*i2np.Message{m}); err != nil {
				r.log.WithError(err).Debug("relay: delivery to tunnel failed")
			}
		default:
			r.log.WithField("delivery", f.Delivery).Debug("relay: terminal fragment delivery type not forwardable from a non-owning hop")
		}
	}
	return nil
}

// gatewayFrame builds a fresh unencrypted single-fragment tunnel frame
// carrying msg, addressed DeliveryLocal so the recipient tunnel's own
// endpoint (the destination this delivery is ultimately meant for) treats
// it as a local message once its own gateway has layer-encrypted and
// relayed it onward. Only messages
// small enough for a single fragment are supported here; a participating
// hop forwarding a cross-tunnel delivery never reassembles multi-fragment
// messages itself.
func gatewayFrame(msg *i2np.Message) ([FrameSize]byte, error) {
	var out [FrameSize]byte
	encoded := msg.Encode()
	if len(encoded) > maxFragmentPayload {
		return out, fmt.Errorf("%w: forwarded message too large for a single-fragment gateway frame", util.ErrMalformed)
	}
	ivBytes, err := crypto.RandomBytes(frameIVSize)
	if err != nil {
		return out, err
	}
	var iv [frameIVSize]byte
	copy(iv[:], ivBytes)
	return EncodeFrame(iv, []Fragment{{Delivery: DeliveryLocal, IsInitial: true, IsLast: true, Payload: encoded}})
}

func (r *Relay) forward(peer crypto.Hash, tunnelID uint32, frame [FrameSize]byte) error {
	payload := &i2np.TunnelDataPayload{TunnelID: tunnelID, Data: frame}
	m := &i2np.Message{
		Type:       i2np.TypeTunnelData,
		MsgID:      util.NewID(),
		Expiration: time.Now().Add(relayExpiry),
		Payload:    payload.Encode(),
	}
	return r.sender.Send(peer, []*i2np.Message{m})
}
