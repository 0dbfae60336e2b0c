package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// MaxLeases is the maximum number of leases a LeaseSet may carry.
const MaxLeases = 16

// LeaseLifetime bounds how far in the future a lease may expire at
// publication time.
const LeaseLifetime = 10 * time.Minute

// Lease is one tunnel gateway through which a destination can be reached:
// the gateway's identity hash, the inbound tunnel ID at that gateway, and
// an expiration.
type Lease struct {
	Gateway    crypto.Hash
	TunnelID   uint32
	Expiration time.Time
}

// Expired reports whether the lease has expired as of now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.Expiration)
}

// leaseSetEncKeySize and leaseSetSigKeySize are the fixed-size legacy
// fields every LeaseSet carries regardless of the destination's actual
// signature type.
const (
	leaseSetEncKeySize = 256
	leaseSetSigKeySize = 256
)

// LeaseSet is a destination's current tunnel-gateway advertisement: its
// identity, an encryption public key for garlic session establishment,
// 1..16 leases, and a signature by the destination's signing key.
type LeaseSet struct {
	Destination *RouterIdentity // reuses RouterIdentity's shape (identity+cert)
	EncKey      [leaseSetEncKeySize]byte
	Leases      []Lease
	Signature   []byte
}

// Usable reports whether the LeaseSet has at least one non-expired lease;
// an all-expired LeaseSet is unusable and must be purged.
func (ls *LeaseSet) Usable(now time.Time) bool {
	for _, l := range ls.Leases {
		if !l.Expired(now) {
			return true
		}
	}
	return false
}

// EarliestExpiration returns the soonest lease expiration, used by the
// tunnel pool to schedule LeaseSet republication.
func (ls *LeaseSet) EarliestExpiration() time.Time {
	var earliest time.Time
	for _, l := range ls.Leases {
		if earliest.IsZero() || l.Expiration.Before(earliest) {
			earliest = l.Expiration
		}
	}
	return earliest
}

func (ls *LeaseSet) signedBytes() ([]byte, error) {
	if len(ls.Leases) == 0 || len(ls.Leases) > MaxLeases {
		return nil, fmt.Errorf("%w: lease set must have 1..%d leases, got %d", util.ErrMalformed, MaxLeases, len(ls.Leases))
	}
	destBytes, err := ls.Destination.Bytes()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(destBytes)
	buf.Write(ls.EncKey[:])
	var zeroSig [leaseSetSigKeySize]byte
	buf.Write(zeroSig[:])
	buf.WriteByte(byte(len(ls.Leases)))
	for _, l := range ls.Leases {
		buf.Write(l.Gateway.Bytes())
		var tid [4]byte
		binary.BigEndian.PutUint32(tid[:], l.TunnelID)
		buf.Write(tid[:])
		var exp [8]byte
		binary.BigEndian.PutUint64(exp[:], uint64(l.Expiration.UnixMilli()))
		buf.Write(exp[:])
	}
	return buf.Bytes(), nil
}

// Sign computes and attaches the signature over the lease set's encoded
// fields using the destination's signing key.
func (ls *LeaseSet) Sign(signer crypto.Signer) error {
	msg, err := ls.signedBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	ls.Signature = sig
	return nil
}

// Verify checks the signature and that the lease set is not entirely
// expired.
func (ls *LeaseSet) Verify(now time.Time) error {
	msg, err := ls.signedBytes()
	if err != nil {
		return err
	}
	if err := ls.Destination.SigningKey.Verify(msg, ls.Signature); err != nil {
		return err
	}
	if !ls.Usable(now) {
		return fmt.Errorf("%w: lease set has no unexpired leases", util.ErrExpired)
	}
	return nil
}

// Bytes encodes the full LeaseSet including its trailing signature.
func (ls *LeaseSet) Bytes() ([]byte, error) {
	msg, err := ls.signedBytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(msg)+len(ls.Signature))
	out = append(out, msg...)
	out = append(out, ls.Signature...)
	return out, nil
}

// Hash returns H(destination), the destination's stable name, used as the
// NetDb key for this LeaseSet.
func (ls *LeaseSet) Hash() crypto.Hash {
	return ls.Destination.Hash()
}

// ReadLeaseSet decodes a LeaseSet from the head of data.
func ReadLeaseSet(data []byte) (*LeaseSet, []byte, error) {
	dest, rest, err := ReadRouterIdentity(data)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < leaseSetEncKeySize+leaseSetSigKeySize+1 {
		return nil, nil, fmt.Errorf("%w: lease set truncated after destination", util.ErrMalformed)
	}
	var encKey [leaseSetEncKeySize]byte
	copy(encKey[:], rest[:leaseSetEncKeySize])
	rest = rest[leaseSetEncKeySize+leaseSetSigKeySize:] // skip unused signing key

	numLeases := int(rest[0])
	rest = rest[1:]
	if numLeases == 0 || numLeases > MaxLeases {
		return nil, nil, fmt.Errorf("%w: lease set must have 1..%d leases, got %d", util.ErrMalformed, MaxLeases, numLeases)
	}
	leases := make([]Lease, 0, numLeases)
	for i := 0; i < numLeases; i++ {
		if len(rest) < crypto.HashSize+4+8 {
			return nil, nil, fmt.Errorf("%w: lease truncated", util.ErrMalformed)
		}
		var gw crypto.Hash
		copy(gw[:], rest[:crypto.HashSize])
		rest = rest[crypto.HashSize:]
		tid := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		exp := binary.BigEndian.Uint64(rest[:8])
		rest = rest[8:]
		leases = append(leases, Lease{
			Gateway:    gw,
			TunnelID:   tid,
			Expiration: time.UnixMilli(int64(exp)),
		})
	}

	sigSize := signatureWireSize(dest)
	if len(rest) < sigSize {
		return nil, nil, fmt.Errorf("%w: lease set signature truncated", util.ErrMalformed)
	}
	sig := make([]byte, sigSize)
	copy(sig, rest[:sigSize])
	rest = rest[sigSize:]

	ls := &LeaseSet{
		Destination: dest,
		EncKey:      encKey,
		Leases:      leases,
		Signature:   sig,
	}
	return ls, rest, nil
}
