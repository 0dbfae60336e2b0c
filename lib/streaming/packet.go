// Package streaming implements the I2P-internal reliable byte-stream
// protocol layered over garlic-encrypted datagrams: windowing, selective
// ACK/NACK, retransmission, and RTT estimation, behind an asynchronous
// read/write/accept handle shaped like the in-process connection the
// specification describes directly.
package streaming

import (
	"encoding/binary"
	"fmt"

	"github.com/go-i2p/go-i2p-router/lib/util"
)

// MTU is the typical maximum payload carried by one StreamPacket.
const MTU = 1730

// MaxPacketSize is the hard upper bound on an encoded StreamPacket.
const MaxPacketSize = 4096

// Flag bits, matching the wire protocol's flags_u16 field.
const (
	FlagSynchronize uint16 = 1 << 0 // SYN: first packet of a new connection
	FlagClose       uint16 = 1 << 1 // sender has no more data to send
	FlagReset       uint16 = 1 << 2 // abnormal termination
	FlagFromIncluded uint16 = 1 << 5 // options carry the sender's Destination hash
	FlagMaxPacketSizeIncluded uint16 = 1 << 7 // options carry a 2-byte max packet size
	FlagNoAck       uint16 = 1 << 10 // this packet itself does not need acking
)

// Packet is one decoded StreamPacket: paired stream IDs, a
// sequence number, a cumulative ack plus explicit NACKs, and an optional
// payload.
type Packet struct {
	SendStreamID uint32
	RecvStreamID uint32
	SeqNum       uint32
	AckThrough   uint32
	NACKs        []uint32
	ResendDelay  uint8
	Flags        uint16

	// FromHash, when FlagFromIncluded is set, carries the 32-byte
	// identity hash of the packet's sender.
	FromHash  [32]byte
	HasFrom   bool
	MaxPacketSize uint16
	HasMaxPacketSize bool

	Payload []byte
}

// HasFlag reports whether bit is set in p.Flags.
func (p *Packet) HasFlag(bit uint16) bool { return p.Flags&bit != 0 }

// Encode serializes the packet's wire layout: sendStreamID
// ‖ recvStreamID ‖ seqNum ‖ ackThrough ‖ nackCount ‖ nacks[] ‖ resendDelay
// ‖ flags ‖ optionSize ‖ options ‖ payload.
func (p *Packet) Encode() ([]byte, error) {
	options := p.encodeOptions()
	size := 4 + 4 + 4 + 4 + 1 + 4*len(p.NACKs) + 1 + 2 + 2 + len(options) + len(p.Payload)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: stream packet %d bytes exceeds max %d", util.ErrMalformed, size, MaxPacketSize)
	}
	if len(p.NACKs) > 255 {
		return nil, fmt.Errorf("%w: stream packet has more than 255 NACKs", util.ErrMalformed)
	}

	out := make([]byte, 0, size)
	out = appendU32(out, p.SendStreamID)
	out = appendU32(out, p.RecvStreamID)
	out = appendU32(out, p.SeqNum)
	out = appendU32(out, p.AckThrough)
	out = append(out, byte(len(p.NACKs)))
	for _, n := range p.NACKs {
		out = appendU32(out, n)
	}
	out = append(out, p.ResendDelay)
	out = appendU16(out, p.Flags)
	out = appendU16(out, uint16(len(options)))
	out = append(out, options...)
	out = append(out, p.Payload...)
	return out, nil
}

func (p *Packet) encodeOptions() []byte {
	var out []byte
	if p.HasFlag(FlagFromIncluded) {
		out = append(out, p.FromHash[:]...)
	}
	if p.HasFlag(FlagMaxPacketSizeIncluded) {
		out = appendU16(out, p.MaxPacketSize)
	}
	return out
}

// Decode parses a Packet from the head of data.
func Decode(data []byte) (*Packet, error) {
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("%w: stream packet %d bytes exceeds max %d", util.ErrMalformed, len(data), MaxPacketSize)
	}
	if len(data) < 4+4+4+4+1 {
		return nil, fmt.Errorf("%w: stream packet header truncated", util.ErrMalformed)
	}
	p := &Packet{}
	p.SendStreamID = binary.BigEndian.Uint32(data[0:4])
	p.RecvStreamID = binary.BigEndian.Uint32(data[4:8])
	p.SeqNum = binary.BigEndian.Uint32(data[8:12])
	p.AckThrough = binary.BigEndian.Uint32(data[12:16])
	nackCount := int(data[16])
	rest := data[17:]

	if len(rest) < 4*nackCount {
		return nil, fmt.Errorf("%w: stream packet NACK list truncated", util.ErrMalformed)
	}
	for i := 0; i < nackCount; i++ {
		p.NACKs = append(p.NACKs, binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
	}

	if len(rest) < 1+2+2 {
		return nil, fmt.Errorf("%w: stream packet trailer truncated", util.ErrMalformed)
	}
	p.ResendDelay = rest[0]
	rest = rest[1:]
	p.Flags = binary.BigEndian.Uint16(rest[:2])
	rest = rest[2:]
	optSize := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < optSize {
		return nil, fmt.Errorf("%w: stream packet options truncated", util.ErrMalformed)
	}
	opts := rest[:optSize]
	rest = rest[optSize:]

	if p.HasFlag(FlagFromIncluded) {
		if len(opts) < 32 {
			return nil, fmt.Errorf("%w: stream packet FROM option truncated", util.ErrMalformed)
		}
		copy(p.FromHash[:], opts[:32])
		p.HasFrom = true
		opts = opts[32:]
	}
	if p.HasFlag(FlagMaxPacketSizeIncluded) {
		if len(opts) < 2 {
			return nil, fmt.Errorf("%w: stream packet MAX_PACKET_SIZE option truncated", util.ErrMalformed)
		}
		p.MaxPacketSize = binary.BigEndian.Uint16(opts[:2])
		p.HasMaxPacketSize = true
	}

	p.Payload = append([]byte(nil), rest...)
	return p, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}
