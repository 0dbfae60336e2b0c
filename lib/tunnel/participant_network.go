package tunnel

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
)

// forwardEntryTimeout bounds how long a relayed-but-not-yet-replied build
// request is remembered; a reply arriving after this is treated as stale
// and dropped (mirrors BuildTimeout, the requester's own patience).
const forwardEntryTimeout = BuildTimeout

// BandwidthGate reports whether this router is currently over its
// low-bandwidth threshold, used to reject new participating tunnels
// under load.
type BandwidthGate interface {
	OverLowBandwidthLimit() bool
}

// Participant is the hop side of tunnel building: given an inbound
// TunnelBuild message not addressed to us as the requester, find our own
// record, accept or reject it, and either reply immediately (if we are
// the chain's last hop) or forward the request onward and remember how to
// relay the eventual reply back.
type Participant struct {
	log *logrus.Entry

	selfHash crypto.Hash
	priv     *crypto.ElGamalPrivateKey
	table    *ParticipantTable
	sender   Sender
	gate     BandwidthGate

	mu      sync.Mutex
	forward map[uint32]*forwardEntry
}

type forwardEntry struct {
	from      crypto.Hash
	ownIndex  int
	verdict   BuildReply
	replyKey  [crypto.KeySize]byte
	replyIV   [crypto.BlockSize]byte
	expiresAt time.Time
}

// NewParticipant creates a hop-side build processor for the local router
// identified by selfHash, decrypting with priv.
func NewParticipant(selfHash crypto.Hash, priv *crypto.ElGamalPrivateKey, table *ParticipantTable, sender Sender, gate BandwidthGate) *Participant {
	return &Participant{
		log:      logrus.WithField("component", "tunnel-participant"),
		selfHash: selfHash,
		priv:     priv,
		table:    table,
		sender:   sender,
		gate:     gate,
		forward:  make(map[uint32]*forwardEntry),
	}
}

// HandleBuildRequest processes a TypeTunnelBuild message received from
// from. If no record in it is addressed to this router, it is silently
// ignored (we are not part of this build). Otherwise this hop decides
// accept/reject, registers a Participating entry on acceptance, and
// either replies directly (chain's last hop) or forwards the request to
// the next hop, remembering how to relay the eventual reply backward.
func (p *Participant) HandleBuildRequest(from crypto.Hash, msg *i2np.Message) error {
	bm, err := decodeBuildMessageWire(msg.Payload)
	if err != nil {
		return err
	}
	idx, rec, err := FindOwnRecord(bm, p.selfHash, p.priv)
	if err != nil {
		p.log.Debug("tunnel build request has no record addressed to us, ignoring")
		return nil
	}

	verdict := p.decide(rec)
	if verdict == ReplyAccept {
		entry := &Participating{
			RecvTunnelID: rec.RecvTunnel,
			NextHop:      rec.NextIdent,
			NextTunnelID: rec.NextTunnel,
			LayerKey:     rec.LayerKey,
			IVKey:        rec.IVKey,
			IsGateway:    rec.Flags&flagIsGateway != 0,
			IsEndpoint:   rec.Flags&flagIsEndpoint != 0,
			ExpiresAt:    time.Now().Add(Lifetime),
		}
		if err := p.table.Add(entry); err != nil {
			verdict = ReplyRejectBandwidth
		}
	}

	if rec.Flags&flagChainEnd != 0 {
		return p.replyDirect(from, msg.MsgID, msg.Expiration, idx, verdict, rec)
	}
	return p.forwardAndTrack(from, msg, idx, verdict, rec)
}

// decide returns this hop's accept/reject verdict for rec.
func (p *Participant) decide(rec *BuildRequestRecord) BuildReply {
	if p.gate != nil && p.gate.OverLowBandwidthLimit() {
		return ReplyRejectBandwidth
	}
	return ReplyAccept
}

func (p *Participant) replyDirect(to crypto.Hash, msgID uint32, expiry time.Time, idx int, verdict BuildReply, rec *BuildRequestRecord) error {
	reply, err := randomBuildMessage()
	if err != nil {
		return err
	}
	reply.Records[idx][0] = byte(verdict)
	if err := MaskOthers(reply, idx, rec.ReplyKey, rec.ReplyIV); err != nil {
		return err
	}
	out := &i2np.Message{Type: i2np.TypeTunnelBuildReply, MsgID: msgID, Expiration: expiry, Payload: encodeBuildMessageWire(reply)}
	return p.sender.Send(to, []*i2np.Message{out})
}

func (p *Participant) forwardAndTrack(from crypto.Hash, msg *i2np.Message, idx int, verdict BuildReply, rec *BuildRequestRecord) error {
	p.mu.Lock()
	p.forward[msg.MsgID] = &forwardEntry{
		from:      from,
		ownIndex:  idx,
		verdict:   verdict,
		replyKey:  rec.ReplyKey,
		replyIV:   rec.ReplyIV,
		expiresAt: time.Now().Add(forwardEntryTimeout),
	}
	p.mu.Unlock()

	out := &i2np.Message{Type: i2np.TypeTunnelBuild, MsgID: msg.MsgID, Expiration: msg.Expiration, Payload: msg.Payload}
	return p.sender.Send(rec.NextIdent, []*i2np.Message{out})
}

// HandleBuildReply processes a TypeTunnelBuildReply arriving from the
// hop we earlier forwarded a build request to: it slots in this hop's
// own verdict, masks every other slot with this hop's replyKey/IV (the
// same XOR-accumulation scheme the requester unwinds in
// NetworkBuilder.HandleReply), and relays the result back to whichever
// peer sent us the original request.
func (p *Participant) HandleBuildReply(msg *i2np.Message) error {
	p.mu.Lock()
	entry, ok := p.forward[msg.MsgID]
	if ok {
		delete(p.forward, msg.MsgID)
	}
	p.mu.Unlock()
	if !ok {
		return nil // stale, duplicate, or not ours to relay
	}

	reply, err := decodeBuildMessageWire(msg.Payload)
	if err != nil {
		return err
	}
	reply.Records[entry.ownIndex][0] = byte(entry.verdict)
	if err := MaskOthers(reply, entry.ownIndex, entry.replyKey, entry.replyIV); err != nil {
		return err
	}
	out := &i2np.Message{Type: i2np.TypeTunnelBuildReply, MsgID: msg.MsgID, Expiration: msg.Expiration, Payload: encodeBuildMessageWire(reply)}
	return p.sender.Send(entry.from, []*i2np.Message{out})
}

// EvictStaleForwards drops forwarded-build bookkeeping whose reply never
// arrived within forwardEntryTimeout, meant to run alongside
// ParticipantTable.EvictExpired on the same housekeeping tick.
func (p *Participant) EvictStaleForwards(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, e := range p.forward {
		if now.After(e.expiresAt) {
			delete(p.forward, id)
			n++
		}
	}
	return n
}

func randomBuildMessage() (*BuildMessage, error) {
	m := &BuildMessage{}
	for i := range m.Records {
		b, err := crypto.RandomBytes(encryptedRecordSize)
		if err != nil {
			return nil, err
		}
		copy(m.Records[i][:], b)
	}
	return m, nil
}
