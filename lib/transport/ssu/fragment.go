package ssu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// maxFragmentPayload bounds a single fragment's payload so a message can
// always fit inside one UDP datagram alongside its header.
const maxFragmentPayload = 512

// fragmentStaleness is how long a partially-reassembled message is kept
// before being dropped.
const fragmentStaleness = 30 * time.Second

// fragment is one piece of a Data payload's per-message fragmentation.
type fragment struct {
	MessageID   uint32
	FragmentNum uint8
	IsLast      bool
	Payload     []byte
}

// encodeFragment writes one fragment record: messageId(4) || fragNum(7
// bits)+isLast(1 bit) || size(2) || payload.
func encodeFragment(f fragment) []byte {
	out := make([]byte, 0, 4+1+2+len(f.Payload))
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], f.MessageID)
	out = append(out, id[:]...)
	flag := f.FragmentNum << 1
	if f.IsLast {
		flag |= 1
	}
	out = append(out, flag)
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(f.Payload)))
	out = append(out, size[:]...)
	out = append(out, f.Payload...)
	return out
}

// decodeFragment parses one fragment record and returns the bytes
// remaining after it.
func decodeFragment(data []byte) (fragment, []byte, error) {
	if len(data) < 7 {
		return fragment{}, nil, fmt.Errorf("%w: ssu fragment header truncated", util.ErrMalformed)
	}
	id := binary.BigEndian.Uint32(data[:4])
	flag := data[4]
	size := int(binary.BigEndian.Uint16(data[5:7]))
	if len(data) < 7+size {
		return fragment{}, nil, fmt.Errorf("%w: ssu fragment payload truncated", util.ErrMalformed)
	}
	f := fragment{
		MessageID:   id,
		FragmentNum: flag >> 1,
		IsLast:      flag&1 != 0,
		Payload:     append([]byte(nil), data[7:7+size]...),
	}
	return f, data[7+size:], nil
}

// fragmentMessage splits an encoded I2NP message into fragments no larger
// than maxFragmentPayload.
func fragmentMessage(messageID uint32, encoded []byte) []fragment {
	if len(encoded) <= maxFragmentPayload {
		return []fragment{{MessageID: messageID, FragmentNum: 0, IsLast: true, Payload: encoded}}
	}
	var frags []fragment
	num := uint8(0)
	for len(encoded) > 0 {
		n := maxFragmentPayload
		if n > len(encoded) {
			n = len(encoded)
		}
		chunk := encoded[:n]
		encoded = encoded[n:]
		frags = append(frags, fragment{
			MessageID:   messageID,
			FragmentNum: num,
			IsLast:      len(encoded) == 0,
			Payload:     chunk,
		})
		num++
	}
	return frags
}

// partialMessage tracks fragments received so far for one messageId.
type partialMessage struct {
	pieces   map[uint8][]byte
	lastSeen uint8
	hasLast  bool
	received time.Time
}

// Reassembler reconstructs I2NP messages from SSU Data fragments, keyed
// by messageId, and evicts entries older than fragmentStaleness.
type Reassembler struct {
	mu       sync.Mutex
	pending  map[uint32]*partialMessage
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint32]*partialMessage)}
}

// Add feeds one fragment in; it returns the decoded message once the
// final fragment for its messageId has arrived and all pieces are
// present, or (nil, false) while reassembly is incomplete.
func (r *Reassembler) Add(f fragment, now time.Time) (*i2np.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pm, ok := r.pending[f.MessageID]
	if !ok {
		pm = &partialMessage{pieces: make(map[uint8][]byte), received: now}
		r.pending[f.MessageID] = pm
	}
	pm.received = now
	pm.pieces[f.FragmentNum] = f.Payload
	if f.IsLast {
		pm.hasLast = true
		pm.lastSeen = f.FragmentNum
	}

	if !pm.hasLast {
		return nil, false, nil
	}
	full := make([]byte, 0, 1024)
	for i := uint8(0); i <= pm.lastSeen; i++ {
		piece, have := pm.pieces[i]
		if !have {
			return nil, false, nil
		}
		full = append(full, piece...)
	}
	delete(r.pending, f.MessageID)

	msg, _, err := i2np.Decode(full)
	if err != nil {
		return nil, false, fmt.Errorf("%w: ssu reassembled payload did not decode as i2np", util.ErrMalformed)
	}
	return msg, true, nil
}

// EvictStale drops partially-reassembled messages older than
// fragmentStaleness, returning the count dropped.
func (r *Reassembler) EvictStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, pm := range r.pending {
		if now.Sub(pm.received) > fragmentStaleness {
			delete(r.pending, id)
			n++
		}
	}
	return n
}

// ackState tracks which fragments of inbound messages have been seen so
// the (ackBitfield, messageId) tuple can be piggy-backed on outbound
// Data packets.
type ackState struct {
	mu      sync.Mutex
	pending map[uint32]uint64 // messageId -> bitfield of fragment numbers seen
}

func newAckState() *ackState {
	return &ackState{pending: make(map[uint32]uint64)}
}

func (a *ackState) record(messageID uint32, fragmentNum uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[messageID] |= 1 << uint(fragmentNum)
}

// drain returns and clears all pending (messageId, bitfield) acks.
func (a *ackState) drain() map[uint32]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = make(map[uint32]uint64)
	return out
}
