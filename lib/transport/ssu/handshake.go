package ssu

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// pendingHandshake tracks one in-flight 3-message DH handshake
// (SessionRequest, SessionCreated, SessionConfirmed; no reply follows
// SessionConfirmed), keyed by
// the remote UDP address, analogous to NTCP's handshake but carried over
// independent datagrams rather than one stream.
type pendingHandshake struct {
	addr       *net.UDPAddr
	initiator  bool
	priv       *big.Int
	ourPub     [crypto.DHKeySize]byte
	peerPub    [crypto.DHKeySize]byte
	introKey   []byte // peer's published intro key, protects Phase 1/2
	started    time.Time
	peerRI     *common.RouterInfo // known on the initiating side
	resultCh   chan handshakeResult

	// sessionKey is derived by the accepting side as soon as Phase 1
	// arrives, since Phase 3 (SessionConfirmed) is already encrypted
	// under it rather than the intro key.
	sessionKey     [crypto.KeySize]byte
	haveSessionKey bool
}

type handshakeResult struct {
	sess *Session
	err  error
}

// buildSessionRequest encodes Phase 1: our DH public value, encrypted
// and MACed under the peer's intro key.
func (t *Transport) buildSessionRequest(ph *pendingHandshake) ([]byte, error) {
	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	h := Header{Type: PayloadSessionRequest, Timestamp: now32()}
	return EncodePacket(ph.introKey, ph.introKey, iv, h, ph.ourPub[:])
}

// handleSessionRequest is invoked on the accepting side when a
// SessionRequest packet is decoded under our own intro key.
func (t *Transport) handleSessionRequest(from *net.UDPAddr, payload []byte) {
	if len(payload) < crypto.DHKeySize {
		return
	}
	var peerPub [crypto.DHKeySize]byte
	copy(peerPub[:], payload[:crypto.DHKeySize])

	priv, pub, err := t.dh.Get()
	if err != nil {
		t.log.WithError(err).Warn("SSU DH keypair generation failed")
		return
	}

	ph := &pendingHandshake{
		addr:     from,
		priv:     priv,
		ourPub:   pub,
		peerPub:  peerPub,
		introKey: t.ourIntroKey,
		started:  time.Now(),
	}
	shared := crypto.DHSharedSecret(priv, peerPub)
	ph.sessionKey = crypto.SessionKeyFromSharedSecret(shared)
	ph.haveSessionKey = true
	t.trackPending(from.String(), ph)

	pkt, err := t.buildSessionCreated(ph, from)
	if err != nil {
		t.log.WithError(err).Warn("failed to build SSU SessionCreated")
		return
	}
	t.writeTo(from, pkt)
}

// buildSessionCreated encodes Phase 2: our DH public value plus the
// address we observed the request from. handleSessionCreated reads only
// the DH value; the observed address is not used by the initiator.
func (t *Transport) buildSessionCreated(ph *pendingHandshake, observedFrom *net.UDPAddr) ([]byte, error) {
	payload := make([]byte, 0, crypto.DHKeySize+1+16+2)
	payload = append(payload, ph.ourPub[:]...)
	ip := observedFrom.IP.To4()
	if ip == nil {
		ip = observedFrom.IP.To16()
	}
	payload = append(payload, byte(len(ip)))
	payload = append(payload, ip...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(observedFrom.Port))
	payload = append(payload, port[:]...)

	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	h := Header{Type: PayloadSessionCreated, Timestamp: now32()}
	return EncodePacket(ph.introKey, ph.introKey, iv, h, payload)
}

// handleSessionCreated runs on the initiating side once Bob's Phase 2
// packet arrives: it derives the session key and sends Phase 3, signed
// confirmation of our identity.
func (t *Transport) handleSessionCreated(ph *pendingHandshake, payload []byte) {
	if len(payload) < crypto.DHKeySize+1 {
		ph.resultCh <- handshakeResult{err: fmt.Errorf("%w: ssu session-created truncated", util.ErrMalformed)}
		return
	}
	var peerPub [crypto.DHKeySize]byte
	copy(peerPub[:], payload[:crypto.DHKeySize])
	ph.peerPub = peerPub

	shared := crypto.DHSharedSecret(ph.priv, peerPub)
	sessionKey := crypto.SessionKeyFromSharedSecret(shared)

	pkt, err := t.buildSessionConfirmed(ph, sessionKey)
	if err != nil {
		ph.resultCh <- handshakeResult{err: err}
		return
	}
	t.writeTo(ph.addr, pkt)

	sess := t.newSession(ph.addr, ph.peerRI.Identity.Hash(), sessionKey, ph.introKey)
	ph.resultCh <- handshakeResult{sess: sess}
}

// buildSessionConfirmed encodes Phase 3: our RouterIdentity and a
// signature over the exchanged DH values, analogous to NTCP's Phase 3.
func (t *Transport) buildSessionConfirmed(ph *pendingHandshake, sessionKey [crypto.KeySize]byte) ([]byte, error) {
	identBytes, err := t.identity.Bytes()
	if err != nil {
		return nil, err
	}
	sigInput := append(append([]byte{}, ph.ourPub[:]...), ph.peerPub[:]...)
	sig, err := t.signer.Sign(sigInput)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, 2+len(identBytes)+len(sig))
	var idLen [2]byte
	binary.BigEndian.PutUint16(idLen[:], uint16(len(identBytes)))
	payload = append(payload, idLen[:]...)
	payload = append(payload, identBytes...)
	payload = append(payload, sig...)

	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	h := Header{Type: PayloadSessionConfirmed, Timestamp: now32()}
	return EncodePacket(sessionKey[:], sessionKey[:], iv, h, payload)
}

// handleSessionConfirmed runs on the accepting side: it decodes Alice's
// identity, verifies her signature over the DH transcript, and
// completes the session.
func (t *Transport) handleSessionConfirmed(ph *pendingHandshake, payload []byte) {
	if len(payload) < 2 {
		return
	}
	idLen := int(binary.BigEndian.Uint16(payload[:2]))
	if len(payload) < 2+idLen {
		t.log.Warn("SSU SessionConfirmed truncated identity")
		return
	}
	identBytes := payload[2 : 2+idLen]
	sig := payload[2+idLen:]

	ident, _, err := common.ReadRouterIdentity(identBytes)
	if err != nil {
		t.log.WithError(err).Warn("SSU SessionConfirmed identity decode failed")
		return
	}

	sigInput := append(append([]byte{}, ph.peerPub[:]...), ph.ourPub[:]...)
	if err := ident.SigningKey.Verify(sigInput, sig); err != nil {
		t.log.WithError(err).Warn("SSU SessionConfirmed signature verification failed")
		return
	}

	t.newSession(ph.addr, ident.Hash(), ph.sessionKey, t.ourIntroKey)
}
