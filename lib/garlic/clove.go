package garlic

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// DeliveryType discriminates how a clove should be routed once unwrapped.
type DeliveryType uint8

const (
	DeliveryLocal DeliveryType = iota
	DeliveryDestination
	DeliveryRouter
	DeliveryTunnel
)

// DeliveryInstructions addresses one clove. Router/Tunnel fill Hash;
// Tunnel additionally fills TunnelID.
type DeliveryInstructions struct {
	Type     DeliveryType
	Hash     crypto.Hash
	TunnelID uint32
}

// Clove is one addressed unit inside a garlic message: a wrapped I2NP
// message, its delivery instructions, an ID, and an expiration.
type Clove struct {
	Instructions DeliveryInstructions
	Message      *i2np.Message
	CloveID      uint32
	Expiration   time.Time
}

// Expired reports whether the clove's expiration has passed.
func (c Clove) Expired(now time.Time) bool {
	return now.After(c.Expiration)
}

// encodeInstructions writes the delivery-instructions flag byte plus any
// type-dependent fields.
func encodeInstructions(d DeliveryInstructions) []byte {
	out := []byte{byte(d.Type)}
	switch d.Type {
	case DeliveryRouter:
		out = append(out, d.Hash.Bytes()...)
	case DeliveryTunnel:
		out = append(out, d.Hash.Bytes()...)
		var tid [4]byte
		binary.BigEndian.PutUint32(tid[:], d.TunnelID)
		out = append(out, tid[:]...)
	}
	return out
}

func decodeInstructions(data []byte) (DeliveryInstructions, []byte, error) {
	if len(data) < 1 {
		return DeliveryInstructions{}, nil, fmt.Errorf("%w: clove delivery instructions missing", util.ErrMalformed)
	}
	typ := DeliveryType(data[0])
	rest := data[1:]
	d := DeliveryInstructions{Type: typ}
	switch typ {
	case DeliveryRouter:
		if len(rest) < crypto.HashSize {
			return d, nil, fmt.Errorf("%w: clove router instructions truncated", util.ErrMalformed)
		}
		copy(d.Hash[:], rest[:crypto.HashSize])
		rest = rest[crypto.HashSize:]
	case DeliveryTunnel:
		if len(rest) < crypto.HashSize+4 {
			return d, nil, fmt.Errorf("%w: clove tunnel instructions truncated", util.ErrMalformed)
		}
		copy(d.Hash[:], rest[:crypto.HashSize])
		rest = rest[crypto.HashSize:]
		d.TunnelID = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
	}
	return d, rest, nil
}

// encodeClove writes one clove: instructions || i2np message || cloveID
// u32be || expiration u64be (ms). There is no separate clove-certificate
// field on the wire: a null certificate is implicit, matching the
// RouterIdentity/Destination convention elsewhere in this codebase.
func encodeClove(c Clove) []byte {
	instr := encodeInstructions(c.Instructions)
	msg := c.Message.Encode()
	out := make([]byte, 0, len(instr)+len(msg)+4+8)
	out = append(out, instr...)
	out = append(out, msg...)
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], c.CloveID)
	out = append(out, id[:]...)
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(c.Expiration.UnixMilli()))
	out = append(out, exp[:]...)
	return out
}

func decodeClove(data []byte) (Clove, []byte, error) {
	instr, rest, err := decodeInstructions(data)
	if err != nil {
		return Clove{}, nil, err
	}
	msg, rest, err := i2np.Decode(rest)
	if err != nil {
		return Clove{}, nil, err
	}
	if len(rest) < 12 {
		return Clove{}, nil, fmt.Errorf("%w: clove trailer truncated", util.ErrMalformed)
	}
	id := binary.BigEndian.Uint32(rest[:4])
	exp := binary.BigEndian.Uint64(rest[4:12])
	return Clove{
		Instructions: instr,
		Message:      msg,
		CloveID:      id,
		Expiration:   time.UnixMilli(int64(exp)),
	}, rest[12:], nil
}
