package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// Sender is the narrow transport-dispatch view the tunnel package needs to
// deliver a build request or reply to a specific peer, mirroring
// transport.Dispatcher.Send without importing lib/transport directly.
type Sender interface {
	Send(h crypto.Hash, msgs []*i2np.Message) error
}

const (
	flagIsGateway  byte = 0x80
	flagIsEndpoint byte = 0x40

	// flagChainEnd marks the last record in a build, independent of
	// direction: the hop holding it has no further hop to forward the
	// build request to and must reply directly instead. NextTunnel still
	// carries a meaningful value for this record (the ID the true
	// inbound endpoint wants frames delivered under), so chain-end is
	// signaled by this bit rather than by a sentinel NextTunnel value.
	flagChainEnd byte = 0x20
)

// NetworkBuilder is the concrete, network-wired tunnel.Builder: it picks
// hops via ChooseHops, ElGamal-encrypts a BuildMessage, sends it to the
// first hop, and correlates the eventual (possibly rejected) reply with
// the waiting caller.
type NetworkBuilder struct {
	log *logrus.Entry

	selfHash crypto.Hash
	source   RouterSource
	sender   Sender

	mu      sync.Mutex
	pending map[uint32]*pendingBuild
}

type pendingBuild struct {
	dir     Direction
	hops    []*common.RouterInfo
	records []*BuildRequestRecord // index-aligned with hops
	result  chan buildResult
}

type buildResult struct {
	tunnel *Tunnel
	err    error
}

// NewNetworkBuilder creates a Builder that selects hops from source and
// delivers build traffic through sender.
func NewNetworkBuilder(selfHash crypto.Hash, source RouterSource, sender Sender) *NetworkBuilder {
	return &NetworkBuilder{
		log:      logrus.WithField("component", "tunnel-builder"),
		selfHash: selfHash,
		source:   source,
		sender:   sender,
		pending:  make(map[uint32]*pendingBuild),
	}
}

// Build selects cfg.Length hops (or cfg.ExplicitPeers, if set) and drives
// a tunnel build to completion or BuildTimeout, satisfying the
// tunnel.Builder interface pool.go depends on.
func (b *NetworkBuilder) Build(dir Direction, cfg PoolConfig) (*Tunnel, error) {
	hops, err := b.selectHops(cfg)
	if err != nil {
		return nil, err
	}

	buildID := util.NewID()
	records, err := b.makeRecords(dir, hops, buildID)
	if err != nil {
		return nil, err
	}

	slots := make([]BuildRecordSlot, len(records))
	for i, r := range records {
		slots[i] = BuildRecordSlot{Hop: hops[i], Record: r}
	}
	bm, err := EncodeBuildMessage(slots)
	if err != nil {
		return nil, err
	}

	pb := &pendingBuild{dir: dir, hops: hops, records: records, result: make(chan buildResult, 1)}
	b.mu.Lock()
	b.pending[buildID] = pb
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, buildID)
		b.mu.Unlock()
	}()

	msg := &i2np.Message{
		Type:       i2np.TypeTunnelBuild,
		MsgID:      buildID,
		Expiration: time.Now().Add(BuildTimeout),
		Payload:    encodeBuildMessageWire(bm),
	}
	if err := b.sender.Send(hops[0].Hash(), []*i2np.Message{msg}); err != nil {
		return nil, fmt.Errorf("%w: could not reach first hop: %v", util.ErrBuildFailed, err)
	}

	select {
	case res := <-pb.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.tunnel, nil
	case <-time.After(BuildTimeout):
		return nil, fmt.Errorf("%w: no reply within %s", util.ErrTimeout, BuildTimeout)
	}
}

func (b *NetworkBuilder) selectHops(cfg PoolConfig) ([]*common.RouterInfo, error) {
	if len(cfg.ExplicitPeers) > 0 {
		lookup, ok := b.source.(interface {
			FindRouterInfo(h crypto.Hash) (*common.RouterInfo, bool)
		})
		if !ok {
			return nil, fmt.Errorf("%w: explicit peer list requires a NetDb-backed RouterSource", util.ErrBuildFailed)
		}
		hops := make([]*common.RouterInfo, 0, len(cfg.ExplicitPeers))
		for _, h := range cfg.ExplicitPeers {
			ri, ok := lookup.FindRouterInfo(h)
			if !ok {
				return nil, fmt.Errorf("%w: explicit peer %x not in NetDb", util.ErrBuildFailed, h[:8])
			}
			hops = append(hops, ri)
		}
		return hops, nil
	}
	return ChooseHops(b.source, HopConstraints{Length: cfg.Length, Requester: b.selfHash})
}

// makeRecords builds one BuildRequestRecord per hop, assigning fresh
// per-hop symmetric keys and tunnel IDs and wiring RecvTunnel/NextTunnel
// so the chain links hop[i] to hop[i+1]. Per tunnel.go's Gateway/Endpoint
// convention, an Inbound tunnel's first hop is flagged as the gateway and
// an Outbound tunnel's last hop is flagged as the endpoint (we ourselves
// hold the other role, off-chain).
func (b *NetworkBuilder) makeRecords(dir Direction, hops []*common.RouterInfo, buildID uint32) ([]*BuildRequestRecord, error) {
	n := len(hops)
	tunnelIDs := make([]uint32, n)
	for i := range tunnelIDs {
		id, err := crypto.RandUint32()
		if err != nil {
			return nil, err
		}
		tunnelIDs[i] = id
	}

	var selfRecvID uint32
	if dir == Inbound {
		id, err := crypto.RandUint32()
		if err != nil {
			return nil, err
		}
		selfRecvID = id
	}

	records := make([]*BuildRequestRecord, n)
	now := uint32(time.Now().Unix())
	for i, hop := range hops {
		rec := &BuildRequestRecord{
			RecvTunnel:  tunnelIDs[i],
			RequestTime: now,
			SendMsgID:   buildID,
		}
		copy(rec.ToPeer[:], hop.Hash().Bytes()[:16])

		if i < n-1 {
			rec.NextTunnel = tunnelIDs[i+1]
			rec.NextIdent = hops[i+1].Hash()
		} else {
			rec.Flags |= flagChainEnd
			rec.NextIdent = b.selfHash
			if dir == Inbound {
				// The last hop delivers directly to us; selfRecvID is the
				// tunnel ID we listen for in that final TunnelData frame
				// (what Build's caller will publish as the Lease's
				// tunnel ID).
				rec.NextTunnel = selfRecvID
			}
		}

		if i == 0 && dir == Inbound {
			rec.Flags |= flagIsGateway
		}
		if i == n-1 && dir == Outbound {
			rec.Flags |= flagIsEndpoint
		}

		for _, kp := range []*[crypto.KeySize]byte{&rec.LayerKey, &rec.IVKey, &rec.ReplyKey} {
			k, err := crypto.RandomBytes(crypto.KeySize)
			if err != nil {
				return nil, err
			}
			copy(kp[:], k)
		}
		iv, err := crypto.RandomBytes(crypto.BlockSize)
		if err != nil {
			return nil, err
		}
		copy(rec.ReplyIV[:], iv)

		records[i] = rec
	}
	return records, nil
}

// HandleReply delivers a decoded TunnelBuildReply's BuildMessage to the
// build waiting on buildID, unmasking each hop's slot with the replyKey
// it generated for that hop and accepting the tunnel only if every hop
// replied ReplyAccept.
func (b *NetworkBuilder) HandleReply(buildID uint32, reply *BuildMessage) {
	b.mu.Lock()
	pb, ok := b.pending[buildID]
	b.mu.Unlock()
	if !ok {
		return // stale or duplicate reply; nothing waiting on it
	}

	n := len(pb.hops)
	codes := make([]byte, n)
	for i := 0; i < n; i++ {
		codes[i] = reply.Records[i][0]
		// Hops before i masked slot i with their keystream at offset
		// i*encryptedRecordSize after hop i wrote its verdict.
		for j := 0; j < i; j++ {
			ks, err := aesKeystream(pb.records[j].ReplyKey[:], pb.records[j].ReplyIV[:], (i+1)*encryptedRecordSize)
			if err != nil {
				pb.result <- buildResult{err: fmt.Errorf("%w: %v", util.ErrBuildFailed, err)}
				return
			}
			codes[i] ^= ks[i*encryptedRecordSize]
		}
	}

	for i, c := range codes {
		if BuildReply(c) != ReplyAccept {
			pb.result <- buildResult{err: fmt.Errorf("%w: hop %d rejected (code 0x%02x)", util.ErrBuildFailed, i, c)}
			return
		}
	}

	hopList := make([]Hop, n)
	for i := range hopList {
		hopList[i] = Hop{
			PeerHash:   pb.hops[i].Hash(),
			LayerKey:   pb.records[i].LayerKey,
			IVKey:      pb.records[i].IVKey,
			ReplyKey:   pb.records[i].ReplyKey,
			ReplyIV:    pb.records[i].ReplyIV,
			RecvTunnel: pb.records[i].RecvTunnel,
			SendTunnel: pb.records[i].NextTunnel,
		}
	}

	id := hopList[0].RecvTunnel
	if pb.dir == Inbound {
		id = pb.records[n-1].NextTunnel
	}

	t := NewTunnel(id, pb.dir, hopList)
	t.State = StateEstablished
	pb.result <- buildResult{tunnel: t}
}

// encodeBuildMessageWire flattens a BuildMessage's fixed slot array into
// the wire bytes an I2NP TunnelBuild message payload carries.
func encodeBuildMessageWire(m *BuildMessage) []byte {
	out := make([]byte, 0, RecordsPerBuild*encryptedRecordSize)
	for _, r := range m.Records {
		out = append(out, r[:]...)
	}
	return out
}

// decodeBuildMessageWire is the inverse of encodeBuildMessageWire.
func decodeBuildMessageWire(data []byte) (*BuildMessage, error) {
	if len(data) != RecordsPerBuild*encryptedRecordSize {
		return nil, fmt.Errorf("%w: tunnel build message must be %d bytes, got %d", util.ErrMalformed, RecordsPerBuild*encryptedRecordSize, len(data))
	}
	m := &BuildMessage{}
	for i := range m.Records {
		copy(m.Records[i][:], data[i*encryptedRecordSize:(i+1)*encryptedRecordSize])
	}
	return m, nil
}

// HandleReplyMessage decodes an inbound TypeTunnelBuildReply message and
// hands it to HandleReply, keyed by the message's own ID exactly as the
// original TunnelBuild request's buildID was. A reply with no matching
// pending build (because this router only relayed it, rather than
// originating it; see Participant.HandleBuildReply) is silently dropped.
func (b *NetworkBuilder) HandleReplyMessage(msg *i2np.Message) error {
	reply, err := decodeBuildMessageWire(msg.Payload)
	if err != nil {
		return err
	}
	b.HandleReply(msg.MsgID, reply)
	return nil
}
