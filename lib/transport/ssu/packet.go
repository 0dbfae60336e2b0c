// Package ssu implements the SSU transport: UDP packets protected by
// HMAC-MD5-I2P and AES-CBC, a 3-message DH handshake keyed by the peer's
// published intro key, per-message fragmentation/reassembly, introducer
// relaying, and the 3-party peer-test protocol.
package ssu

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// PayloadType identifies an SSU packet's payload shape.
type PayloadType byte

const (
	PayloadSessionRequest PayloadType = iota
	PayloadSessionCreated
	PayloadSessionConfirmed
	PayloadRelayRequest
	PayloadRelayResponse
	PayloadRelayIntro
	PayloadData
	PayloadPeerTest
	PayloadSessionDestroyed
)

const (
	macSize = 16
	ivSize  = 16
	headerFixedSize = macSize + ivSize + 1 + 4 // mac || iv || flag || timestamp
)

const (
	flagRekeyBit      = 1 << 3
	flagExtOptionsBit = 1 << 2
)

// Header is SSU's fixed packet prefix plus the decrypted flag/timestamp
// fields: `mac[16] || iv[16] || flag || ts_u32 ||
// [extOpts] || AES-CBC{payload}`.
type Header struct {
	Type       PayloadType
	Rekey      bool
	Timestamp  uint32
	ExtOptions []byte
}

// EncodePacket builds a full SSU packet: encrypts payload under
// layerKey/iv, then computes the HMAC over ciphertext||iv||length and
// prepends mac||iv.
func EncodePacket(macKey, layerKey []byte, iv [ivSize]byte, h Header, payload []byte) ([]byte, error) {
	flag := byte(h.Type) << 4
	if h.Rekey {
		flag |= flagRekeyBit
	}
	if len(h.ExtOptions) > 0 {
		flag |= flagExtOptionsBit
	}

	plain := make([]byte, 0, 1+4+len(h.ExtOptions)+len(payload))
	plain = append(plain, flag)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], h.Timestamp)
	plain = append(plain, ts[:]...)
	if len(h.ExtOptions) > 0 {
		plain = append(plain, byte(len(h.ExtOptions)))
		plain = append(plain, h.ExtOptions...)
	}
	plain = append(plain, payload...)
	for len(plain)%crypto.BlockSize != 0 {
		plain = append(plain, 0)
	}

	ct, err := crypto.CBCEncrypt(layerKey, iv[:], plain)
	if err != nil {
		return nil, err
	}

	var lenField [2]byte
	binary.BigEndian.PutUint16(lenField[:], uint16(len(ct)))
	mac := crypto.HMACMD5I2P(macKey, ct, iv[:], lenField[:])

	out := make([]byte, 0, macSize+ivSize+len(ct))
	out = append(out, mac[:macSize]...)
	out = append(out, iv[:]...)
	out = append(out, ct...)
	return out, nil
}

// DecodePacket validates the HMAC, decrypts, and parses the header and
// payload out of a raw UDP datagram. The packet carries no length field,
// so the returned payload still ends with the zero bytes EncodePacket
// added to reach a 16-byte boundary.
func DecodePacket(macKey, layerKey []byte, data []byte) (Header, []byte, error) {
	if len(data) < headerFixedSize {
		return Header{}, nil, fmt.Errorf("%w: ssu packet truncated", util.ErrMalformed)
	}
	mac := data[:macSize]
	iv := data[macSize : macSize+ivSize]
	ct := data[macSize+ivSize:]

	var lenField [2]byte
	binary.BigEndian.PutUint16(lenField[:], uint16(len(ct)))
	wantMac := crypto.HMACMD5I2P(macKey, ct, iv, lenField[:])
	if !constantEqual(wantMac[:macSize], mac) {
		return Header{}, nil, fmt.Errorf("%w: ssu mac mismatch", util.ErrAuthFailed)
	}

	plain, err := crypto.CBCDecrypt(layerKey, iv, ct)
	if err != nil {
		return Header{}, nil, err
	}
	if len(plain) < 5 {
		return Header{}, nil, fmt.Errorf("%w: ssu payload truncated", util.ErrMalformed)
	}

	flag := plain[0]
	h := Header{
		Type:      PayloadType(flag >> 4),
		Rekey:     flag&flagRekeyBit != 0,
		Timestamp: binary.BigEndian.Uint32(plain[1:5]),
	}
	cursor := 5
	if flag&flagExtOptionsBit != 0 {
		if cursor >= len(plain) {
			return Header{}, nil, fmt.Errorf("%w: ssu extended-options length missing", util.ErrMalformed)
		}
		n := int(plain[cursor])
		cursor++
		if cursor+n > len(plain) {
			return Header{}, nil, fmt.Errorf("%w: ssu extended options truncated", util.ErrMalformed)
		}
		// Preserved but not interpreted; no extended-option semantics
		// beyond the rekey bit are defined.
		h.ExtOptions = append([]byte(nil), plain[cursor:cursor+n]...)
		cursor += n
	}
	return h, plain[cursor:], nil
}

func constantEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// now32 returns the current Unix time truncated to uint32, the wire
// timestamp width SSU headers use.
func now32() uint32 {
	return uint32(time.Now().Unix())
}
