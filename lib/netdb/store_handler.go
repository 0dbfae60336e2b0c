package netdb

import (
	"context"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// StoreHandler implements i2np.Handler for TypeDatabaseStore, the
// inbound half of the store protocol: validate, insert, flood if we're a
// floodfill and the store carries a reply token, and ack via
// DeliveryStatus if a reply token was requested.
type StoreHandler struct {
	db          *NetDb
	sender      Sender
	self        crypto.Hash
	isFloodfill bool
}

// NewStoreHandler creates a handler that stores into db and floods via
// sender when isFloodfill is true and the store carries a reply token;
// self names the local router (to exclude itself from the flood set).
func NewStoreHandler(db *NetDb, sender Sender, self crypto.Hash, isFloodfill bool) *StoreHandler {
	return &StoreHandler{db: db, sender: sender, self: self, isFloodfill: isFloodfill}
}

// HandleI2NP implements i2np.Handler.
func (h *StoreHandler) HandleI2NP(msg *i2np.Message) error {
	p, err := i2np.DecodeDatabaseStore(msg.Payload)
	if err != nil {
		return err
	}

	switch p.RecordType {
	case i2np.StoreRouterInfo:
		ri, _, err := common.ReadRouterInfo(p.Record)
		if err != nil {
			return err
		}
		if err := h.db.StoreRouterInfo(ri); err != nil {
			return err
		}
	case i2np.StoreLeaseSet:
		ls, _, err := common.ReadLeaseSet(p.Record)
		if err != nil {
			return err
		}
		if err := h.db.StoreLeaseSet(ls); err != nil {
			return err
		}
	}

	if h.isFloodfill && p.ReplyToken != 0 {
		h.flood(p)
	}
	if p.ReplyToken != 0 {
		h.ackDelivery(p)
	}
	return nil
}

func (h *StoreHandler) flood(p *i2np.DatabaseStorePayload) {
	excluded := map[crypto.Hash]bool{h.self: true}
	targets := h.db.GetClosestFloodfills(p.Key, 3, excluded)
	storeMsg := &i2np.Message{
		Type:       i2np.TypeDatabaseStore,
		MsgID:      util.NewID(),
		Expiration: time.Now().Add(time.Minute),
		Payload: (&i2np.DatabaseStorePayload{
			Key:        p.Key,
			RecordType: p.RecordType,
			Record:     p.Record,
		}).Encode(),
	}
	for _, ff := range targets {
		_ = h.sender.SendToPeer(context.Background(), ff.Hash(), storeMsg)
	}
}

func (h *StoreHandler) ackDelivery(p *i2np.DatabaseStorePayload) {
	ack := &i2np.Message{
		Type:       i2np.TypeDeliveryStatus,
		MsgID:      util.NewID(),
		Expiration: time.Now().Add(time.Minute),
		Payload: (&i2np.DeliveryStatusPayload{
			MsgID:     p.ReplyToken,
			Timestamp: uint64(time.Now().UnixMilli()),
		}).Encode(),
	}
	_ = h.sender.SendToPeer(context.Background(), p.ReplyGateway, ack)
}
