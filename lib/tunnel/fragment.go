package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// FrameSize is the fixed tunnel message size (post layer encryption).
const FrameSize = crypto.TunnelFrameSize

// frameIVSize and checksumSize are the two fixed fields that precede
// fragment records inside a decrypted tunnel frame.
const (
	frameIVSize       = 16
	frameChecksumSize = 4
)

// DeliveryType discriminates where a fragment's final payload is headed.
type DeliveryType byte

const (
	DeliveryLocal DeliveryType = iota
	DeliveryTunnel
	DeliveryRouter
	DeliveryDestination
)

// Fragment is one decoded fragment record from a tunnel frame.
type Fragment struct {
	Delivery DeliveryType
	TunnelID uint32 // valid for DeliveryTunnel
	Router   crypto.Hash
	// valid for DeliveryTunnel/DeliveryRouter
	IsFragmented bool
	IsInitial    bool
	// IsLast marks the final fragment of a multi-fragment message; always
	// true for an unfragmented (single-record) message. DeliveryType only
	// occupies the low 2 bits of its 3-bit field, leaving the flag byte's
	// top bit free to carry this without growing the wire record.
	IsLast      bool
	FragmentNum uint8
	MessageID   uint32 // valid for non-initial fragments
	Payload     []byte
}

// fragment record flag bits.
const (
	flagFragmented = 1 << 3
	flagInitial    = 1 << 4
	flagLast       = 1 << 7
)

// EncodeFrame builds a decrypted 1024-byte tunnel frame from an IV and a
// set of fragments: IV(16) || checksum-prefix(4) || 0xFF padding || 0x00
// marker || fragment records, checksum = H(IV || payload-of-fragments)[0:4].
func EncodeFrame(iv [frameIVSize]byte, fragments []Fragment) ([FrameSize]byte, error) {
	var out [FrameSize]byte

	var body []byte
	for _, f := range fragments {
		rec, err := encodeFragment(f)
		if err != nil {
			return out, err
		}
		body = append(body, rec...)
	}

	h := crypto.SHA256(iv[:], body)
	copy(out[:frameIVSize], iv[:])
	copy(out[frameIVSize:frameIVSize+frameChecksumSize], h.Bytes()[:frameChecksumSize])

	// Pad with 0xFF until the 0x00 marker byte, then the fragment records,
	// right-aligned against the frame's end so DecodeFrame can locate the
	// marker by scanning forward from the fixed header.
	headerEnd := frameIVSize + frameChecksumSize
	padLen := FrameSize - headerEnd - 1 - len(body)
	if padLen < 0 {
		return out, fmt.Errorf("%w: fragment records too large for tunnel frame", util.ErrMalformed)
	}
	cursor := headerEnd
	for i := 0; i < padLen; i++ {
		out[cursor] = 0xFF // non-zero padding so it cannot be confused with the 0x00 marker
		cursor++
	}
	out[cursor] = 0x00
	cursor++
	copy(out[cursor:], body)
	return out, nil
}

// DecodeFrame parses fragments out of a decrypted 1024-byte tunnel frame,
// verifying the checksum prefix first.
func DecodeFrame(frame [FrameSize]byte) ([]Fragment, error) {
	iv := frame[:frameIVSize]
	wantChecksum := frame[frameIVSize : frameIVSize+frameChecksumSize]

	headerEnd := frameIVSize + frameChecksumSize
	cursor := headerEnd
	for cursor < FrameSize && frame[cursor] != 0x00 {
		cursor++
	}
	if cursor >= FrameSize {
		return nil, fmt.Errorf("%w: tunnel frame marker not found", util.ErrMalformed)
	}
	body := frame[cursor+1:]

	h := crypto.SHA256(iv, body)
	if !constantEqual(h.Bytes()[:frameChecksumSize], wantChecksum) {
		return nil, fmt.Errorf("%w: tunnel frame checksum mismatch", util.ErrAuthFailed)
	}

	var fragments []Fragment
	for len(body) > 0 {
		f, rest, err := decodeFragment(body)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
		body = rest
	}
	return fragments, nil
}

func encodeFragment(f Fragment) ([]byte, error) {
	flag := byte(f.Delivery) << 5
	if f.IsFragmented {
		flag |= flagFragmented
	}
	if f.IsInitial {
		flag |= flagInitial
	}
	if f.IsLast {
		flag |= flagLast
	}
	flag |= f.FragmentNum & 0x07

	var buf []byte
	buf = append(buf, flag)
	switch f.Delivery {
	case DeliveryTunnel:
		buf = appendU32(buf, f.TunnelID)
		buf = append(buf, f.Router.Bytes()...)
	case DeliveryRouter:
		buf = append(buf, f.Router.Bytes()...)
	}
	// MessageID correlates a follow-on record back to the initial one it
	// continues; the initial record of a message needs no correlation key.
	if !f.IsInitial {
		buf = appendU32(buf, f.MessageID)
	}
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(f.Payload)))
	buf = append(buf, size[:]...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

func decodeFragment(data []byte) (Fragment, []byte, error) {
	if len(data) < 1 {
		return Fragment{}, nil, fmt.Errorf("%w: fragment record truncated", util.ErrMalformed)
	}
	flag := data[0]
	data = data[1:]
	f := Fragment{
		Delivery:     DeliveryType((flag &^ flagLast) >> 5),
		IsFragmented: flag&flagFragmented != 0,
		IsInitial:    flag&flagInitial != 0,
		IsLast:       flag&flagLast != 0,
		FragmentNum:  flag & 0x07,
	}
	switch f.Delivery {
	case DeliveryTunnel:
		if len(data) < 4+crypto.HashSize {
			return Fragment{}, nil, fmt.Errorf("%w: tunnel-delivery fragment truncated", util.ErrMalformed)
		}
		f.TunnelID = binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		copy(f.Router[:], data[:crypto.HashSize])
		data = data[crypto.HashSize:]
	case DeliveryRouter:
		if len(data) < crypto.HashSize {
			return Fragment{}, nil, fmt.Errorf("%w: router-delivery fragment truncated", util.ErrMalformed)
		}
		copy(f.Router[:], data[:crypto.HashSize])
		data = data[crypto.HashSize:]
	}
	if !f.IsInitial {
		if len(data) < 4 {
			return Fragment{}, nil, fmt.Errorf("%w: non-initial fragment missing message ID", util.ErrMalformed)
		}
		f.MessageID = binary.BigEndian.Uint32(data[:4])
		data = data[4:]
	}
	if len(data) < 2 {
		return Fragment{}, nil, fmt.Errorf("%w: fragment size truncated", util.ErrMalformed)
	}
	size := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < size {
		return Fragment{}, nil, fmt.Errorf("%w: fragment payload truncated", util.ErrMalformed)
	}
	f.Payload = append([]byte(nil), data[:size]...)
	return f, data[size:], nil
}
