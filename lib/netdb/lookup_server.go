package netdb

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// LookupServer answers inbound DatabaseLookup messages, the responder
// half of the lookup protocol: a known record is returned as a
// DatabaseStore, anything else as a DatabaseSearchReply naming up to 3
// floodfills closer to the key than this router.
type LookupServer struct {
	db     *NetDb
	sender Sender
	self   crypto.Hash
	log    *logrus.Entry
}

// NewLookupServer creates a handler answering lookups from db, replying
// through sender and excluding self from search-reply candidates.
func NewLookupServer(db *NetDb, sender Sender, self crypto.Hash) *LookupServer {
	return &LookupServer{db: db, sender: sender, self: self, log: logrus.WithField("component", "netdb-lookup-server")}
}

// HandleI2NP implements i2np.Handler for TypeDatabaseLookup.
func (h *LookupServer) HandleI2NP(msg *i2np.Message) error {
	p, err := i2np.DecodeDatabaseLookup(msg.Payload)
	if err != nil {
		return err
	}

	if ri, ok := h.db.FindRouterInfo(p.Key); ok {
		record, err := ri.Bytes()
		if err != nil {
			return err
		}
		return h.replyStore(p, i2np.StoreRouterInfo, record)
	}
	if ls, ok := h.db.FindLeaseSet(p.Key); ok {
		record, err := ls.Bytes()
		if err != nil {
			return err
		}
		return h.replyStore(p, i2np.StoreLeaseSet, record)
	}
	return h.replySearch(p)
}

func (h *LookupServer) replyStore(p *i2np.DatabaseLookupPayload, recordType i2np.DatabaseStoreType, record []byte) error {
	reply := &i2np.Message{
		Type:       i2np.TypeDatabaseStore,
		MsgID:      util.NewID(),
		Expiration: time.Now().Add(time.Minute),
		Payload: (&i2np.DatabaseStorePayload{
			Key:        p.Key,
			RecordType: recordType,
			Record:     record,
		}).Encode(),
	}
	return h.sender.SendToPeer(context.Background(), p.From, reply)
}

func (h *LookupServer) replySearch(p *i2np.DatabaseLookupPayload) error {
	excluded := map[crypto.Hash]bool{h.self: true, p.From: true}
	for _, x := range p.Excluded {
		excluded[x] = true
	}
	closer := h.db.GetClosestFloodfills(p.Key, i2np.MaxSearchReplyPeers, excluded)
	peers := make([]crypto.Hash, 0, len(closer))
	for _, ff := range closer {
		peers = append(peers, ff.Hash())
	}

	reply := &i2np.Message{
		Type:       i2np.TypeDatabaseSearchReply,
		MsgID:      util.NewID(),
		Expiration: time.Now().Add(time.Minute),
		Payload: (&i2np.DatabaseSearchReplyPayload{
			Key:   p.Key,
			Peers: peers,
			From:  h.self,
		}).Encode(),
	}
	return h.sender.SendToPeer(context.Background(), p.From, reply)
}
