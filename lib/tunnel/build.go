package tunnel

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// RecordsPerBuild is the fixed record count a TunnelBuild message always
// carries, regardless of the tunnel's actual length; unused slots hold
// random data so an observer cannot infer the tunnel's true length from
// message size.
const RecordsPerBuild = 8

// BuildReply is the single byte a hop returns for its record: 0x00 means
// accept, anything else is a rejection reason.
type BuildReply byte

const (
	ReplyAccept          BuildReply = 0x00
	ReplyRejectBandwidth BuildReply = 0x30
	ReplyRejectCrit      BuildReply = 0x10
)

// recordPlaintextSize is the size of one BuildRequestRecord before
// ElGamal encryption: toPeer(16) + receiveTunnel(4) +
// nextTunnel(4) + nextIdent(32) + layerKey(32) + ivKey(32) + replyKey(32)
// + replyIV(16) + flags(1) + requestTime(4) + sendMsgID(4) + padding(13)
// + hashOfRecord(32), filling ElGamal's 222-byte payload ceiling exactly.
const recordPlaintextSize = 16 + 4 + 4 + 32 + 32 + 32 + 32 + 16 + 1 + 4 + 4 + 13 + 32

// BuildRequestRecord is one hop's (still-decrypted) build instruction.
type BuildRequestRecord struct {
	ToPeer      [16]byte // first 16 bytes of the next hop's identity hash
	RecvTunnel  uint32
	NextTunnel  uint32
	NextIdent   crypto.Hash
	LayerKey    [crypto.KeySize]byte
	IVKey       [crypto.KeySize]byte
	ReplyKey    [crypto.KeySize]byte
	ReplyIV     [crypto.BlockSize]byte
	Flags       byte
	RequestTime uint32
	SendMsgID   uint32
}

// Encode serializes the record's plaintext fields, appending a zero
// padding and a trailing hash-of-record field computed over everything
// preceding it.
func (r *BuildRequestRecord) Encode() []byte {
	buf := make([]byte, 0, recordPlaintextSize)
	buf = append(buf, r.ToPeer[:]...)
	buf = appendU32(buf, r.RecvTunnel)
	buf = appendU32(buf, r.NextTunnel)
	buf = append(buf, r.NextIdent.Bytes()...)
	buf = append(buf, r.LayerKey[:]...)
	buf = append(buf, r.IVKey[:]...)
	buf = append(buf, r.ReplyKey[:]...)
	buf = append(buf, r.ReplyIV[:]...)
	buf = append(buf, r.Flags)
	buf = appendU32(buf, r.RequestTime)
	buf = appendU32(buf, r.SendMsgID)
	for len(buf) < recordPlaintextSize-crypto.HashSize {
		buf = append(buf, 0)
	}
	h := crypto.SHA256(buf)
	buf = append(buf, h.Bytes()...)
	return buf
}

// DecodeBuildRequestRecord parses a record previously produced by Encode
// and verifies its trailing hash-of-record field. A
// mismatch here is treated as Malformed (this implementation picks the
// conservative drop).
func DecodeBuildRequestRecord(data []byte) (*BuildRequestRecord, error) {
	if len(data) != recordPlaintextSize {
		return nil, fmt.Errorf("%w: build request record must be %d bytes, got %d", util.ErrMalformed, recordPlaintextSize, len(data))
	}
	body := data[:recordPlaintextSize-crypto.HashSize]
	wantHash := data[recordPlaintextSize-crypto.HashSize:]
	gotHash := crypto.SHA256(body)
	if !constantEqual(gotHash.Bytes(), wantHash) {
		return nil, fmt.Errorf("%w: build request record hash mismatch", util.ErrMalformed)
	}

	r := &BuildRequestRecord{}
	copy(r.ToPeer[:], data[0:16])
	r.RecvTunnel = binary.BigEndian.Uint32(data[16:20])
	r.NextTunnel = binary.BigEndian.Uint32(data[20:24])
	copy(r.NextIdent[:], data[24:56])
	copy(r.LayerKey[:], data[56:88])
	copy(r.IVKey[:], data[88:120])
	copy(r.ReplyKey[:], data[120:152])
	copy(r.ReplyIV[:], data[152:168])
	r.Flags = data[168]
	r.RequestTime = binary.BigEndian.Uint32(data[169:173])
	r.SendMsgID = binary.BigEndian.Uint32(data[173:177])
	return r, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
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

// HopConstraints narrows candidate selection for a new tunnel build.
type HopConstraints struct {
	Length    int
	Exclude   map[crypto.Hash]bool
	Requester crypto.Hash
}

// RouterSource is the narrow NetDb view tunnel building depends on: pick
// reachable, distinct candidates. The tunnel package never imports
// lib/netdb directly to keep the dependency graph leaves-first; the concrete NetDb satisfies this interface.
type RouterSource interface {
	Floodfills() []*common.RouterInfo // not used by ChooseHops, which draws only on AllReachable
	AllReachable() []*common.RouterInfo
}

// ChooseHops selects Length distinct reachable peers from src, excluding
// the requester itself and any hash in Exclude. Returns util.ErrBuildFailed
// if fewer than Length candidates are available.
func ChooseHops(src RouterSource, c HopConstraints) ([]*common.RouterInfo, error) {
	candidates := src.AllReachable()
	chosen := make([]*common.RouterInfo, 0, c.Length)
	seen := map[crypto.Hash]bool{}
	for _, ri := range candidates {
		h := ri.Hash()
		if h == c.Requester || c.Exclude[h] || seen[h] {
			continue
		}
		seen[h] = true
		chosen = append(chosen, ri)
		if len(chosen) == c.Length {
			break
		}
	}
	if len(chosen) < c.Length {
		return nil, fmt.Errorf("%w: only %d of %d required hops available", util.ErrBuildFailed, len(chosen), c.Length)
	}
	return chosen, nil
}

// BuildTimeout is the deadline a tunnel build must complete within.
const BuildTimeout = 10 * time.Second
