package i2np

import (
	"encoding/binary"
	"fmt"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// DatabaseStoreType discriminates the record type a DatabaseStore payload
// carries.
type DatabaseStoreType uint8

const (
	StoreRouterInfo DatabaseStoreType = 0
	StoreLeaseSet   DatabaseStoreType = 1
)

// DatabaseStorePayload is the decoded body of a TypeDatabaseStore message:
// a NetDb key, its record type, an optional reply token/tunnel/gateway
// (non-zero token requests a DeliveryStatus ack, routed back over the
// named reply tunnel), and the encoded record itself.
type DatabaseStorePayload struct {
	Key          crypto.Hash
	RecordType   DatabaseStoreType
	ReplyToken   uint32
	ReplyTunnel  uint32     // valid only if ReplyToken != 0
	ReplyGateway crypto.Hash // valid only if ReplyToken != 0
	Record       []byte
}

func (p *DatabaseStorePayload) Encode() []byte {
	size := crypto.HashSize + 1 + 4
	if p.ReplyToken != 0 {
		size += 4 + crypto.HashSize
	}
	size += len(p.Record)
	out := make([]byte, 0, size)
	out = append(out, p.Key.Bytes()...)
	out = append(out, byte(p.RecordType))
	var tok [4]byte
	binary.BigEndian.PutUint32(tok[:], p.ReplyToken)
	out = append(out, tok[:]...)
	if p.ReplyToken != 0 {
		var tid [4]byte
		binary.BigEndian.PutUint32(tid[:], p.ReplyTunnel)
		out = append(out, tid[:]...)
		out = append(out, p.ReplyGateway.Bytes()...)
	}
	out = append(out, p.Record...)
	return out
}

func DecodeDatabaseStore(data []byte) (*DatabaseStorePayload, error) {
	if len(data) < crypto.HashSize+1+4 {
		return nil, fmt.Errorf("%w: database store truncated", util.ErrMalformed)
	}
	p := &DatabaseStorePayload{}
	copy(p.Key[:], data[:crypto.HashSize])
	data = data[crypto.HashSize:]
	p.RecordType = DatabaseStoreType(data[0])
	data = data[1:]
	p.ReplyToken = binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if p.ReplyToken != 0 {
		if len(data) < 4+crypto.HashSize {
			return nil, fmt.Errorf("%w: database store reply fields truncated", util.ErrMalformed)
		}
		p.ReplyTunnel = binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		copy(p.ReplyGateway[:], data[:crypto.HashSize])
		data = data[crypto.HashSize:]
	}
	p.Record = append([]byte(nil), data...)
	return p, nil
}

// LookupType discriminates the kind of DatabaseLookup request. Every
// lookup lib/netdb sends, including the explorer's random-key lookups, is
// marked LookupNormal; no sender in this module sets LookupExploratory.
type LookupType uint8

const (
	LookupNormal      LookupType = 0
	LookupExploratory LookupType = 1
)

// DatabaseLookupPayload is the decoded body of a TypeDatabaseLookup
// message.
type DatabaseLookupPayload struct {
	Key         crypto.Hash
	From        crypto.Hash
	Flags       LookupType
	ReplyTunnel uint32 // 0 means "reply directly", used for exploratory/local lookups
	Excluded    []crypto.Hash
}

func (p *DatabaseLookupPayload) Encode() []byte {
	out := make([]byte, 0, crypto.HashSize*2+1+4+2+len(p.Excluded)*crypto.HashSize)
	out = append(out, p.Key.Bytes()...)
	out = append(out, p.From.Bytes()...)
	out = append(out, byte(p.Flags))
	var tid [4]byte
	binary.BigEndian.PutUint32(tid[:], p.ReplyTunnel)
	out = append(out, tid[:]...)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(p.Excluded)))
	out = append(out, n[:]...)
	for _, h := range p.Excluded {
		out = append(out, h.Bytes()...)
	}
	return out
}

// MaxWireExcluded caps the excluded-peer list accepted from the wire,
// distinct from the smaller lookup-side limit a requester itself applies.
const MaxWireExcluded = 512

func DecodeDatabaseLookup(data []byte) (*DatabaseLookupPayload, error) {
	if len(data) < crypto.HashSize*2+1+4+2 {
		return nil, fmt.Errorf("%w: database lookup truncated", util.ErrMalformed)
	}
	p := &DatabaseLookupPayload{}
	copy(p.Key[:], data[:crypto.HashSize])
	data = data[crypto.HashSize:]
	copy(p.From[:], data[:crypto.HashSize])
	data = data[crypto.HashSize:]
	p.Flags = LookupType(data[0])
	data = data[1:]
	p.ReplyTunnel = binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	n := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if n > MaxWireExcluded {
		return nil, fmt.Errorf("%w: database lookup excluded-peer count %d exceeds %d", util.ErrMalformed, n, MaxWireExcluded)
	}
	if len(data) < n*crypto.HashSize {
		return nil, fmt.Errorf("%w: database lookup excluded list truncated", util.ErrMalformed)
	}
	p.Excluded = make([]crypto.Hash, n)
	for i := 0; i < n; i++ {
		copy(p.Excluded[i][:], data[:crypto.HashSize])
		data = data[crypto.HashSize:]
	}
	return p, nil
}

// DatabaseSearchReplyPayload lists peers closer to the lookup key than
// the responder, up to 3.
type DatabaseSearchReplyPayload struct {
	Key   crypto.Hash
	Peers []crypto.Hash
	From  crypto.Hash
}

const MaxSearchReplyPeers = 3

func (p *DatabaseSearchReplyPayload) Encode() []byte {
	out := make([]byte, 0, crypto.HashSize*2+1+len(p.Peers)*crypto.HashSize)
	out = append(out, p.Key.Bytes()...)
	out = append(out, byte(len(p.Peers)))
	for _, h := range p.Peers {
		out = append(out, h.Bytes()...)
	}
	out = append(out, p.From.Bytes()...)
	return out
}

func DecodeDatabaseSearchReply(data []byte) (*DatabaseSearchReplyPayload, error) {
	if len(data) < crypto.HashSize+1 {
		return nil, fmt.Errorf("%w: database search reply truncated", util.ErrMalformed)
	}
	p := &DatabaseSearchReplyPayload{}
	copy(p.Key[:], data[:crypto.HashSize])
	data = data[crypto.HashSize:]
	n := int(data[0])
	data = data[1:]
	if len(data) < n*crypto.HashSize+crypto.HashSize {
		return nil, fmt.Errorf("%w: database search reply truncated", util.ErrMalformed)
	}
	p.Peers = make([]crypto.Hash, n)
	for i := 0; i < n; i++ {
		copy(p.Peers[i][:], data[:crypto.HashSize])
		data = data[crypto.HashSize:]
	}
	copy(p.From[:], data[:crypto.HashSize])
	return p, nil
}

// TunnelDataPayload is the 1024-byte-frame wrapper TypeTunnelData carries:
// the tunnel ID the frame belongs to plus the (still layer-encrypted or
// already-decrypted, depending on direction) frame bytes.
type TunnelDataPayload struct {
	TunnelID uint32
	Data     [1024]byte
}

func (p *TunnelDataPayload) Encode() []byte {
	out := make([]byte, 4+1024)
	binary.BigEndian.PutUint32(out[:4], p.TunnelID)
	copy(out[4:], p.Data[:])
	return out
}

func DecodeTunnelData(data []byte) (*TunnelDataPayload, error) {
	if len(data) != 4+1024 {
		return nil, fmt.Errorf("%w: tunnel data message must be %d bytes, got %d", util.ErrMalformed, 4+1024, len(data))
	}
	p := &TunnelDataPayload{TunnelID: binary.BigEndian.Uint32(data[:4])}
	copy(p.Data[:], data[4:])
	return p, nil
}

// TunnelGatewayPayload instructs a tunnel gateway to wrap Data into tunnel
// frames and send it into the tunnel named by TunnelID.
type TunnelGatewayPayload struct {
	TunnelID uint32
	Data     []byte
}

func (p *TunnelGatewayPayload) Encode() []byte {
	out := make([]byte, 0, 4+2+len(p.Data))
	var tid [4]byte
	binary.BigEndian.PutUint32(tid[:], p.TunnelID)
	out = append(out, tid[:]...)
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(p.Data)))
	out = append(out, size[:]...)
	out = append(out, p.Data...)
	return out
}

func DecodeTunnelGateway(data []byte) (*TunnelGatewayPayload, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: tunnel gateway truncated", util.ErrMalformed)
	}
	tid := binary.BigEndian.Uint32(data[:4])
	size := int(binary.BigEndian.Uint16(data[4:6]))
	if len(data) < 6+size {
		return nil, fmt.Errorf("%w: tunnel gateway payload truncated", util.ErrMalformed)
	}
	return &TunnelGatewayPayload{TunnelID: tid, Data: append([]byte(nil), data[6:6+size]...)}, nil
}

// DeliveryStatusPayload confirms receipt of a message identified by a
// nonce the sender chose; used both for NetDb store acks and garlic
// session-tag confirmation.
type DeliveryStatusPayload struct {
	MsgID     uint32
	Timestamp uint64 // ms
}

func (p *DeliveryStatusPayload) Encode() []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[:4], p.MsgID)
	binary.BigEndian.PutUint64(out[4:], p.Timestamp)
	return out
}

func DecodeDeliveryStatus(data []byte) (*DeliveryStatusPayload, error) {
	if len(data) != 12 {
		return nil, fmt.Errorf("%w: delivery status must be 12 bytes, got %d", util.ErrMalformed, len(data))
	}
	return &DeliveryStatusPayload{
		MsgID:     binary.BigEndian.Uint32(data[:4]),
		Timestamp: binary.BigEndian.Uint64(data[4:]),
	}, nil
}

// DataPayload is a bare application data message (used by streaming to
// wrap StreamPacket bytes before garlic-encrypting them).
type DataPayload struct {
	Data []byte
}

func (p *DataPayload) Encode() []byte {
	out := make([]byte, 4+len(p.Data))
	binary.BigEndian.PutUint32(out[:4], uint32(len(p.Data)))
	copy(out[4:], p.Data)
	return out
}

func DecodeData(data []byte) (*DataPayload, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: data message truncated", util.ErrMalformed)
	}
	size := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+size {
		return nil, fmt.Errorf("%w: data message payload truncated", util.ErrMalformed)
	}
	return &DataPayload{Data: append([]byte(nil), data[4:4+size]...)}, nil
}
