package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/garlic"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/streaming"
	"github.com/go-i2p/go-i2p-router/lib/tunnel"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// leaseSetLookupTimeout bounds how long a send to a destination whose
// LeaseSet we don't already hold may block on a NetDb lookup before
// giving up.
const leaseSetLookupTimeout = 5 * time.Second

// newTagBatch is how many fresh SessionTags WrapForDestination mints per
// outbound garlic message once a session's live tag count runs low.
const newTagBatch = 40

// lowTagWatermark is the live-tag count below which a send replenishes
// the session's tag supply.
const lowTagWatermark = 10

// LocalDestination aggregates the per-identity trio: a tunnel Pool, a
// garlic Destination, and a streaming Destination, plus the LeaseSet
// those tunnels publish to NetDb.
type LocalDestination struct {
	log *logrus.Entry

	ctx      *Context
	identity *common.RouterIdentity
	selfHash crypto.Hash
	signer   crypto.Signer

	pool    *tunnel.Pool
	garlicD *garlic.Destination
	streamD *streaming.Destination

	mu       sync.Mutex
	leaseSet *common.LeaseSet
}

// newLocalDestination wires a fresh LocalDestination against its owning
// Context: a destination-kind tunnel pool built on the Context's shared
// NetworkBuilder, a garlic Destination decrypting with priv, and a
// streaming Destination that sends through this LocalDestination's own
// SendPacket.
func newLocalDestination(c *Context, identity *common.RouterIdentity, priv *crypto.ElGamalPrivateKey, signer crypto.Signer) *LocalDestination {
	selfHash := identity.Hash()
	d := &LocalDestination{
		log:      logrus.WithField("component", "destination").WithField("hash", fmt.Sprintf("%x", selfHash.Bytes()[:8])),
		ctx:      c,
		identity: identity,
		selfHash: selfHash,
		signer:   signer,
		garlicD:  garlic.NewDestination(priv),
	}
	d.pool = tunnel.NewPool(tunnel.KindDestination, tunnel.DefaultPoolConfig(), c.ExploratoryBuilder())
	d.pool.OnLeaseSetChanged(func(inbound []*tunnel.Tunnel) {
		d.republish(inbound)
	})
	d.streamD = streaming.NewDestination(selfHash, d, util.NewID)
	return d
}

// Identity returns this destination's RouterIdentity.
func (d *LocalDestination) Identity() *common.RouterIdentity { return d.identity }

// SelfHash returns H(identity).
func (d *LocalDestination) SelfHash() crypto.Hash { return d.selfHash }

// Pool returns the destination's tunnel pool.
func (d *LocalDestination) Pool() *tunnel.Pool { return d.pool }

// republish rebuilds and signs this destination's LeaseSet from the
// pool's current inbound tunnel set and stores it in NetDb. A set with no tunnels yet produces no
// publish, since an empty LeaseSet has nothing usable to advertise.
func (d *LocalDestination) republish(inbound []*tunnel.Tunnel) {
	d.ctx.syncEndpoints(inbound, func(_ tunnel.DeliveryType, _ uint32, _ crypto.Hash, msg *i2np.Message) {
		if msg.Type != i2np.TypeGarlic {
			d.log.WithField("type", msg.Type).Debug("inbound endpoint: dropping non-garlic local delivery")
			return
		}
		if err := d.handleGarlic(msg); err != nil {
			d.log.WithError(err).Debug("garlic: inbound handling failed")
		}
	})

	if len(inbound) == 0 {
		return
	}
	leases := make([]common.Lease, 0, len(inbound))
	for _, t := range inbound {
		if len(leases) >= common.MaxLeases {
			break
		}
		leases = append(leases, common.Lease{
			Gateway:    t.Gateway,
			TunnelID:   t.ID,
			Expiration: t.ExpiresAt,
		})
	}
	ls := &common.LeaseSet{
		Destination: d.identity,
		Leases:      leases,
	}
	if err := ls.Sign(d.signer); err != nil {
		d.log.WithError(err).Warn("leaseset: signing failed")
		return
	}
	if err := d.ctx.NetDb().StoreLeaseSet(ls); err != nil {
		d.log.WithError(err).Warn("leaseset: local store failed")
		return
	}
	d.mu.Lock()
	d.leaseSet = ls
	d.mu.Unlock()
}

// LeaseSet returns the most recently published LeaseSet, or nil if no
// inbound tunnel has completed yet.
func (d *LocalDestination) LeaseSet() *common.LeaseSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaseSet
}

// resolveLease finds a non-expired Lease for destHash, consulting the
// local NetDb cache first and falling back to an iterative lookup
// bounded by leaseSetLookupTimeout.
func (d *LocalDestination) resolveLease(destHash crypto.Hash) (common.Lease, error) {
	ls, ok := d.ctx.NetDb().FindLeaseSet(destHash)
	now := time.Now()
	if !ok || !ls.Usable(now) {
		lookupCtx, cancel := context.WithTimeout(context.Background(), leaseSetLookupTimeout)
		defer cancel()
		found, err := d.ctx.lookups.LookupLeaseSet(lookupCtx, destHash)
		if err != nil {
			return common.Lease{}, fmt.Errorf("destination: resolving leaseset for %x: %w", destHash.Bytes()[:8], err)
		}
		ls = found
	}
	for _, l := range ls.Leases {
		if !l.Expired(now) {
			return l, nil
		}
	}
	return common.Lease{}, fmt.Errorf("%w: leaseset for %x has no usable lease", util.ErrNotFound, destHash.Bytes()[:8])
}

// sendCloves wraps cloves in this destination's garlic session to
// destHash/destPub and transmits the result over the pool's
// least-recently-used healthy outbound tunnel, addressed to a usable
// lease of the recipient.
func (d *LocalDestination) sendCloves(destHash crypto.Hash, destPub crypto.ElGamalPublicKey, cloves []garlic.Clove) error {
	lease, err := d.resolveLease(destHash)
	if err != nil {
		return err
	}
	ot, ok := d.pool.SelectOutbound(time.Now())
	if !ok {
		return fmt.Errorf("%w: no healthy outbound tunnel", util.ErrUnreachable)
	}

	newTags := 0
	if d.garlicD.LiveTagCountFor(destHash) < lowTagWatermark {
		newTags = newTagBatch
	}
	wire, nonce, hasNonce, err := d.garlicD.WrapForDestination(destHash, destPub, cloves, newTags)
	if err != nil {
		return err
	}
	if hasNonce {
		d.log.WithFields(logrus.Fields{"dest": fmt.Sprintf("%x", destHash.Bytes()[:8]), "nonce": nonce}).Debug("garlic: awaiting tag confirmation")
	}

	gw, err := tunnel.NewGateway(ot)
	if err != nil {
		return err
	}
	garlicMsg := &i2np.Message{
		Type:       i2np.TypeGarlic,
		MsgID:      util.NewID(),
		Expiration: time.Now().Add(60 * time.Second),
		Payload:    wire,
	}
	return gw.Send(d.ctx.Dispatcher(), garlicMsg, tunnel.DeliveryTunnel, lease.TunnelID, lease.Gateway)
}

// SendDatagram sends one unordered, unreliable payload to a remote
// destination: the payload is wrapped as a single Data I2NP message
// inside a Destination-delivery clove.
func (d *LocalDestination) SendDatagram(destHash crypto.Hash, destPub crypto.ElGamalPublicKey, fromPort, toPort uint16, payload []byte) error {
	dataMsg := &i2np.Message{
		Type:       i2np.TypeData,
		MsgID:      util.NewID(),
		Expiration: time.Now().Add(60 * time.Second),
		Payload:    (&i2np.DataPayload{Data: payload}).Encode(),
	}
	clove := garlic.Clove{
		Instructions: garlic.DeliveryInstructions{Type: garlic.DeliveryLocal},
		Message:      dataMsg,
		CloveID:      util.NewID(),
		Expiration:   time.Now().Add(60 * time.Second),
	}
	return d.sendCloves(destHash, destPub, []garlic.Clove{clove})
}

// SendPacket implements streaming.Sender: it wraps pkt as a Data I2NP
// message and sends it as a single clove over this destination's garlic
// session to destHash.
func (d *LocalDestination) SendPacket(destHash crypto.Hash, pkt *streaming.Packet) error {
	ls, ok := d.ctx.NetDb().FindLeaseSet(destHash)
	if !ok {
		return fmt.Errorf("%w: no leaseset cached for %x", util.ErrNotFound, destHash.Bytes()[:8])
	}
	encoded, err := pkt.Encode()
	if err != nil {
		return err
	}
	dataMsg := &i2np.Message{
		Type:       i2np.TypeData,
		MsgID:      util.NewID(),
		Expiration: time.Now().Add(60 * time.Second),
		Payload:    (&i2np.DataPayload{Data: encoded}).Encode(),
	}
	clove := garlic.Clove{
		Instructions: garlic.DeliveryInstructions{Type: garlic.DeliveryLocal},
		Message:      dataMsg,
		CloveID:      util.NewID(),
		Expiration:   time.Now().Add(60 * time.Second),
	}
	return d.sendCloves(destHash, ls.Destination.PublicKey, []garlic.Clove{clove})
}

// CreateStream opens an outbound stream to remoteHash on toPort.
func (d *LocalDestination) CreateStream(remoteHash crypto.Hash, toPort uint16) *streaming.Stream {
	return d.streamD.CreateStream(remoteHash, toPort)
}

// AcceptStreams registers localPort as accepting inbound streams; call
// Accept to retrieve connections handed to it.
func (d *LocalDestination) AcceptStreams(localPort uint16) {
	d.streamD.AcceptStreams(localPort)
}

// Accept blocks for the next inbound stream on localPort.
func (d *LocalDestination) Accept(ctx context.Context, localPort uint16) (*streaming.Stream, error) {
	return d.streamD.Accept(ctx, localPort)
}

// handleGarlic is the deliver callback installed on every inbound tunnel
// Endpoint this destination owns: it unwraps the garlic message and
// routes each resulting clove locally.
func (d *LocalDestination) handleGarlic(msg *i2np.Message) error {
	cloves, err := d.garlicD.Unwrap(msg.Payload)
	if err != nil {
		return err
	}
	for _, c := range cloves {
		if err := d.routeClove(c); err != nil {
			d.log.WithError(err).Debug("clove: local delivery failed")
		}
	}
	return nil
}

// routeClove delivers one decoded clove to the appropriate local handler.
// Only Local/Destination delivery is meaningful for a clove that already
// reached a local inbound tunnel endpoint; Router cloves are forwarded
// back into the network via the shared transport dispatcher, and Tunnel
// cloves are rejected with an error rather than forwarded.
func (d *LocalDestination) routeClove(c garlic.Clove) error {
	switch c.Instructions.Type {
	case garlic.DeliveryLocal, garlic.DeliveryDestination:
		return d.deliverLocal(c.Message)
	case garlic.DeliveryRouter:
		return d.ctx.Dispatcher().Send(c.Instructions.Hash, []*i2np.Message{c.Message})
	case garlic.DeliveryTunnel:
		return fmt.Errorf("%w: tunnel-delivery clove not supported from a local endpoint", util.ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown clove delivery type", util.ErrMalformed)
	}
}

// deliverLocal hands a clove's unwrapped I2NP message to the matching
// local subsystem: Data messages go to streaming, DeliveryStatus messages
// confirm outbound garlic tag batches.
func (d *LocalDestination) deliverLocal(msg *i2np.Message) error {
	switch msg.Type {
	case i2np.TypeData:
		return d.streamD.HandleDataMessage(d.selfHash, msg)
	case i2np.TypeDeliveryStatus:
		payload, err := i2np.DecodeDeliveryStatus(msg.Payload)
		if err != nil {
			return err
		}
		d.garlicD.ConfirmAny(payload.MsgID)
		return nil
	default:
		return fmt.Errorf("%w: clove delivered unsupported i2np type %d", util.ErrMalformed, msg.Type)
	}
}

// housekeep runs one tick of this destination's background maintenance:
// tunnel pool housekeeping (build/expire/republish) and the streaming
// destination's per-stream flush/ack/retransmit pass.
func (d *LocalDestination) housekeep(now time.Time) {
	d.pool.Housekeep(now)
	d.streamD.Tick(now)
}

// Close forgets this destination in the owning Context, which stops
// housekeeping its pool and streams; open streams are not reset and no
// tunnels are torn down.
func (d *LocalDestination) Close() {
	d.ctx.CloseDestination(d.selfHash)
}
