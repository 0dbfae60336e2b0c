package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// TransportStyle names a RouterAddress's transport family.
type TransportStyle string

const (
	StyleNTCP TransportStyle = "NTCP"
	StyleSSU  TransportStyle = "SSU"
)

// RouterAddress is one published way to reach a router: a transport style,
// cost, expiration, and style-specific options (host/port/intro key/
// introducers for SSU).
type RouterAddress struct {
	Style      TransportStyle
	Cost       uint8
	Expiration uint64 // ms; 0 means "never expires"
	Options    map[string]string
}

// Host returns the "host" option, or "" if unset.
func (a RouterAddress) Host() string { return a.Options["host"] }

// Port returns the "port" option parsed as a uint16, or 0 if unset/invalid.
func (a RouterAddress) Port() uint16 {
	var p uint16
	fmt.Sscanf(a.Options["port"], "%d", &p)
	return p
}

// IntroKey returns the raw bytes of the SSU intro key option, or nil.
func (a RouterAddress) IntroKey() []byte {
	v, ok := a.Options["key"]
	if !ok {
		return nil
	}
	return []byte(v)
}

// Introducer is one relay advertised in a firewalled router's SSU
// address: the introducer's own endpoint plus the opaque tag it handed
// out for this target.
type Introducer struct {
	Host string
	Port uint16
	Tag  uint32
}

// Introducers parses the ihostN/iportN/itagN option triplets of an SSU
// address, stopping at the first missing index.
func (a RouterAddress) Introducers() []Introducer {
	var out []Introducer
	for i := 0; ; i++ {
		host, ok := a.Options[fmt.Sprintf("ihost%d", i)]
		if !ok {
			return out
		}
		var port uint16
		fmt.Sscanf(a.Options[fmt.Sprintf("iport%d", i)], "%d", &port)
		var tag uint32
		fmt.Sscanf(a.Options[fmt.Sprintf("itag%d", i)], "%d", &tag)
		out = append(out, Introducer{Host: host, Port: port, Tag: tag})
	}
}

// Capability letters carried in the "caps" option.
const (
	CapFloodfill     = 'f'
	CapHighBandwidth = 'O'
	CapHidden        = 'H'
	CapPeerTesting   = 'B'
	CapIntroducer    = 'C'
	CapReachable     = 'R'
	CapUnreachable   = 'U'
)

// RouterInfo is a router's full advertisement: identity, publication time,
// addresses, capability/option flags, and a signature over all preceding
// bytes by the identity's signing key.
type RouterInfo struct {
	Identity         *RouterIdentity
	Published        time.Time
	Addresses        []RouterAddress
	Options          map[string]string
	Signature        []byte

	reachMu        sync.Mutex
	reachableSince map[TransportStyle]time.Time
}

// Capabilities returns the "caps" option string, e.g. "fO".
func (r *RouterInfo) Capabilities() string {
	return r.Options["caps"]
}

// IsFloodfill reports whether the router advertises the floodfill
// capability letter.
func (r *RouterInfo) IsFloodfill() bool {
	return bytes.ContainsRune([]byte(r.Capabilities()), CapFloodfill)
}

// ReachableSince returns the last time the given address style was
// observed reachable, tracked separately per address family so an IPv4
// address can be marked unreachable while IPv6 stays live.
func (r *RouterInfo) ReachableSince(style TransportStyle) time.Time {
	r.reachMu.Lock()
	defer r.reachMu.Unlock()
	if r.reachableSince == nil {
		return time.Time{}
	}
	return r.reachableSince[style]
}

// MarkReachable records that style was just observed reachable at t.
func (r *RouterInfo) MarkReachable(style TransportStyle, t time.Time) {
	r.reachMu.Lock()
	defer r.reachMu.Unlock()
	if r.reachableSince == nil {
		r.reachableSince = make(map[TransportStyle]time.Time)
	}
	r.reachableSince[style] = t
}

// signedBytes encodes every field preceding the signature, the message
// the signature is computed over.
func (r *RouterInfo) signedBytes() ([]byte, error) {
	idBytes, err := r.Identity.Bytes()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(idBytes)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.Published.UnixMilli()))
	buf.Write(ts[:])

	buf.WriteByte(byte(len(r.Addresses)))
	for _, a := range r.Addresses {
		buf.WriteByte(a.Cost)
		var exp [8]byte
		binary.BigEndian.PutUint64(exp[:], a.Expiration)
		buf.Write(exp[:])
		writeString(&buf, string(a.Style))
		writeMapping(&buf, a.Options)
	}

	buf.WriteByte(0) // peer-size, unused since 0.6.1.10, always 0
	writeMapping(&buf, r.Options)
	return buf.Bytes(), nil
}

// Sign computes and attaches the signature over signedBytes using signer.
func (r *RouterInfo) Sign(signer crypto.Signer) error {
	msg, err := r.signedBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Verify checks the signature against the embedded identity's signing key
// and sanity-checks the published timestamp is not absurdly in the future.
func (r *RouterInfo) Verify() error {
	msg, err := r.signedBytes()
	if err != nil {
		return err
	}
	if err := r.Identity.SigningKey.Verify(msg, r.Signature); err != nil {
		return err
	}
	if r.Published.After(time.Now().Add(1 * time.Hour)) {
		return fmt.Errorf("%w: router info published timestamp too far in the future", util.ErrMalformed)
	}
	return nil
}

// Bytes encodes the full RouterInfo including its trailing signature.
func (r *RouterInfo) Bytes() ([]byte, error) {
	msg, err := r.signedBytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(msg)+len(r.Signature))
	out = append(out, msg...)
	out = append(out, r.Signature...)
	return out, nil
}

// Hash returns H(identity), the router's stable name.
func (r *RouterInfo) Hash() crypto.Hash {
	return r.Identity.Hash()
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

// writeMapping encodes a key=value; options table in stable (sorted) key
// order so that signedBytes is reproducible.
func writeMapping(buf *bytes.Buffer, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var body bytes.Buffer
	for _, k := range keys {
		writeString(&body, k)
		body.WriteByte('=')
		writeString(&body, m[k])
		body.WriteByte(';')
	}
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(body.Len()))
	buf.Write(size[:])
	buf.Write(body.Bytes())
}
