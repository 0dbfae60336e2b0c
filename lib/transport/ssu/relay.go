package ssu

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync/atomic"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// relayTagSize is the width of the opaque tag an introducer hands out to
// a firewalled router, later quoted by an initiator's RelayRequest.
const relayTagSize = 4

// relayTagCounter allocates process-unique relay tags.
var relayTagCounter atomic.Uint32

// RequestRelay asks introducer (an already-established session with a
// router advertising capability C) to deliver a RelayIntro to the
// firewalled router that published relayTag, so it hole-punches back to
// us.
func (t *Transport) RequestRelay(introducer *Session, relayTag uint32) error {
	payload := make([]byte, 0, 4+crypto.DHKeySize)
	var tag [relayTagSize]byte
	binary.BigEndian.PutUint32(tag[:], relayTag)
	payload = append(payload, tag[:]...)

	// The DH public value rides along for the target's benefit; no pending
	// handshake is tracked here, because after the target's hole-punch the
	// initiator retries its own SessionRequest (see openViaIntroducer).
	_, pub, err := t.dh.Get()
	if err != nil {
		return err
	}
	payload = append(payload, pub[:]...)

	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return err
	}
	pkt, err := EncodePacket(introducer.macKey[:], introducer.layerKey[:], iv, Header{Type: PayloadRelayRequest, Timestamp: now32()}, payload)
	if err != nil {
		return err
	}
	t.writeTo(introducer.addr, pkt)
	return nil
}

// GrantRelayTag allocates a relay tag for sess, a firewalled peer that
// will advertise this router as its introducer; initiators later quote
// the tag in their RelayRequests.
func (t *Transport) GrantRelayTag(sess *Session) uint32 {
	tag := relayTagCounter.Add(1)
	t.mu.Lock()
	t.relayTags[tag] = sess
	t.mu.Unlock()
	return tag
}

// handleRelayRequest runs on an introducer: sess is the initiator asking
// to reach the firewalled router that published the quoted relay tag. We
// forward a RelayIntro carrying the initiator's observed address to that
// router (so it hole-punches) and ack the initiator with a
// RelayResponse.
func (t *Transport) handleRelayRequest(sess *Session, payload []byte) {
	if len(payload) < relayTagSize+crypto.DHKeySize {
		return
	}
	tag := binary.BigEndian.Uint32(payload[:relayTagSize])
	initiatorPub := payload[relayTagSize : relayTagSize+crypto.DHKeySize]

	t.mu.Lock()
	target := t.relayTags[tag]
	t.mu.Unlock()
	if target == nil {
		t.log.WithField("tag", tag).Debug("SSU relay request quotes an unknown tag")
		return
	}

	introPkt := make([]byte, 0, 6+crypto.DHKeySize)
	ipBytes := sess.addr.IP.To4()
	if ipBytes == nil {
		ipBytes = sess.addr.IP.To16()
	}
	introPkt = append(introPkt, byte(len(ipBytes)))
	introPkt = append(introPkt, ipBytes...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(sess.addr.Port))
	introPkt = append(introPkt, port[:]...)
	introPkt = append(introPkt, initiatorPub...)

	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		t.log.WithError(err).Warn("SSU relay intro IV generation failed")
		return
	}
	pkt, err := EncodePacket(target.macKey[:], target.layerKey[:], iv, Header{Type: PayloadRelayIntro, Timestamp: now32()}, introPkt)
	if err != nil {
		t.log.WithError(err).Warn("SSU relay intro encode failed")
		return
	}
	t.writeTo(target.addr, pkt)
	t.ackRelayRequest(sess, tag)

	t.log.WithFields(map[string]interface{}{"tag": tag, "firewalled": target.remote}).Debug("SSU relayed intro to firewalled peer")
}

// ackRelayRequest tells the initiator its RelayRequest was forwarded.
func (t *Transport) ackRelayRequest(sess *Session, tag uint32) {
	payload := make([]byte, relayTagSize)
	binary.BigEndian.PutUint32(payload, tag)
	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return
	}
	pkt, err := EncodePacket(sess.macKey[:], sess.layerKey[:], iv, Header{Type: PayloadRelayResponse, Timestamp: now32()}, payload)
	if err != nil {
		return
	}
	t.writeTo(sess.addr, pkt)
}

// handleRelayResponse is a no-op placeholder on the initiator side: the
// actual session establishment happens once the target's hole-punched
// SessionRequest arrives directly, not via this acknowledgement.
func (t *Transport) handleRelayResponse(sess *Session, payload []byte) {
	t.log.WithField("introducer", sess.remote).Debug("SSU relay response received")
}

// handleRelayIntro runs on the firewalled target: Bob has told us to
// expect Alice at the given address. We hole-punch by sending a
// throwaway datagram to her observed address. It opens our NAT mapping
// and is silently dropped on her side (it decodes under no key); her
// retried SessionRequest then reaches us directly.
func (t *Transport) handleRelayIntro(payload []byte) {
	if len(payload) < 1 {
		return
	}
	ipLen := int(payload[0])
	if len(payload) < 1+ipLen+2+crypto.DHKeySize {
		return
	}
	ip := net.IP(payload[1 : 1+ipLen])
	port := binary.BigEndian.Uint16(payload[1+ipLen : 3+ipLen])
	addr := &net.UDPAddr{IP: ip, Port: int(port)}

	punch := make([]byte, 32)
	if _, err := rand.Read(punch); err != nil {
		return
	}
	t.writeTo(addr, punch)
}
