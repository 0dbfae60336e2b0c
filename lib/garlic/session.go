package garlic

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// inboundTagIndexSize bounds the process-wide inbound session-tag
// index, the same bounded-LRU scheme lib/transport and lib/netdb use.
const inboundTagIndexSize = 1 << 16

// OutboundSession is the per-remote-destination outbound garlic state:
// an AES session key bootstrapped via ElGamal on the first message, and a
// rotating set of session tags that identify that same key directly on
// subsequent messages.
type OutboundSession struct {
	mu sync.Mutex

	destPub crypto.ElGamalPublicKey

	sessionKey   [crypto.KeySize]byte
	bootstrapped bool // true once sessionKey has been delivered via ElGamal

	tags map[SessionTag]*tagEntry

	// unconfirmed maps a delivery-status nonce we generated to the batch
	// of tags it will confirm once the peer's DeliveryStatus arrives.
	unconfirmed map[uint32][]SessionTag
}

// NewOutboundSession creates a fresh, not-yet-bootstrapped session for a
// destination whose encryption public key is destPub.
func NewOutboundSession(destPub crypto.ElGamalPublicKey) *OutboundSession {
	return &OutboundSession{
		destPub:     destPub,
		tags:        make(map[SessionTag]*tagEntry),
		unconfirmed: make(map[uint32][]SessionTag),
	}
}

// LiveTagCount returns the number of tags currently usable for sending
// (state == tagLive).
func (s *OutboundSession) LiveTagCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.tags {
		if e.state == tagLive {
			n++
		}
	}
	return n
}

// wrapResult carries everything Wrap needs to hand back to the
// caller: the encoded wire bytes and, if new tags were minted, the nonce
// a delivery-status clove should carry so ConfirmTags can later promote
// them.
type wrapResult struct {
	Wire           []byte
	ConfirmNonce   uint32
	HasConfirmTags bool
}

// Wrap encodes cloves into an outbound garlic message. It consumes one
// live tag if the session has one, otherwise the message is
// ElGamal-bootstrapped; either way it attaches up to newTagCount (at most
// MaxTagsPerMessage) fresh tags as unconfirmed. When new tags are
// attached, Wrap returns a nonce (the caller's, if one is passed) the caller must
// embed in an accompanying delivery-status clove so a later ConfirmTags
// call can promote them.
func (s *OutboundSession) Wrap(cloves []Clove, newTagCount int, nonce ...uint32) (wrapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(time.Now())

	var tag SessionTag
	var tagKey [crypto.KeySize]byte
	haveLiveTag := false
	for t, e := range s.tags {
		if e.state == tagLive {
			tag = t
			tagKey = e.key
			haveLiveTag = true
			delete(s.tags, t) // a tag is used at most once
			break
		}
	}

	var newTags []SessionTag
	if newTagCount > MaxTagsPerMessage {
		newTagCount = MaxTagsPerMessage
	}
	for i := 0; i < newTagCount; i++ {
		t, err := newSessionTag()
		if err != nil {
			return wrapResult{}, err
		}
		newTags = append(newTags, t)
	}

	body := aesBody{NewTags: newTags, Cloves: cloves}
	plain := body.encode()

	var key [crypto.KeySize]byte
	var iv [crypto.BlockSize]byte
	var prefix []byte

	if haveLiveTag {
		key = tagKey
		iv = tagIV(tag)
	} else {
		// Bootstrap: generate a fresh session key and pre-IV and
		// ElGamal-encrypt them to the destination.
		sk, err := crypto.RandomBytes(crypto.KeySize)
		if err != nil {
			return wrapResult{}, err
		}
		copy(key[:], sk)
		s.sessionKey = key
		s.bootstrapped = true

		var preIV [32]byte
		piv, err := crypto.RandomBytes(32)
		if err != nil {
			return wrapResult{}, err
		}
		copy(preIV[:], piv)
		iv = preIVToBlockIV(preIV)

		block, err := encodeElGamalBlock(key, preIV)
		if err != nil {
			return wrapResult{}, err
		}
		ct, err := crypto.ElGamalEncrypt(&s.destPub, block, true)
		if err != nil {
			return wrapResult{}, err
		}
		prefix = ct
	}

	enc, err := crypto.CBCEncrypt(key[:], iv[:], plain)
	if err != nil {
		return wrapResult{}, err
	}

	out := make([]byte, 0, len(prefix)+len(enc))
	if haveLiveTag {
		out = append(out, tag[:]...)
	} else {
		out = append(out, prefix...)
	}
	out = append(out, enc...)

	res := wrapResult{Wire: out}
	if len(newTags) > 0 {
		n := util.NewID()
		if len(nonce) > 0 {
			n = nonce[0]
		}
		s.unconfirmed[n] = newTags
		for _, t := range newTags {
			s.tags[t] = &tagEntry{key: key, state: tagUnconfirmed, expires: time.Now().Add(UnconfirmedTagTimeout)}
		}
		res.ConfirmNonce = n
		res.HasConfirmTags = true
	}
	return res, nil
}

// ConfirmTags promotes the tag batch registered under nonce from
// unconfirmed to live, called when a DeliveryStatus I2NP message carrying
// that nonce arrives over our own tunnels.
func (s *OutboundSession) ConfirmTags(nonce uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.unconfirmed[nonce]
	if !ok {
		return false
	}
	delete(s.unconfirmed, nonce)
	now := time.Now()
	for _, t := range batch {
		if e, ok := s.tags[t]; ok && e.state == tagUnconfirmed {
			e.state = tagLive
			e.expires = now.Add(OutboundTagLifetime)
		}
	}
	return true
}

// expireLocked drops unconfirmed tags past UnconfirmedTagTimeout and live
// tags past OutboundTagLifetime; must be called with s.mu held.
func (s *OutboundSession) expireLocked(now time.Time) {
	for t, e := range s.tags {
		if now.After(e.expires) {
			delete(s.tags, t)
		}
	}
	for nonce, batch := range s.unconfirmed {
		live := batch[:0]
		for _, t := range batch {
			if _, ok := s.tags[t]; ok {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(s.unconfirmed, nonce)
		} else {
			s.unconfirmed[nonce] = live
		}
	}
}

// preIVToBlockIV derives the 16-byte AES-CBC IV actually used for the
// first message's body from the 32-byte preIV carried in the ElGamal
// block, the same truncated-SHA-256 scheme tagIV uses for tag-identified
// messages.
func preIVToBlockIV(preIV [32]byte) [crypto.BlockSize]byte {
	sum := crypto.SHA256(preIV[:])
	var iv [crypto.BlockSize]byte
	copy(iv[:], sum[:crypto.BlockSize])
	return iv
}

// InboundIndex is the process-wide inbound session-tag index: on receipt
// of a garlic message we try the leading 32 bytes as a tag lookup before
// falling back to ElGamal.
type InboundIndex struct {
	cache *lru.Cache[SessionTag, inboundTagEntry]
}

type inboundTagEntry struct {
	key     [crypto.KeySize]byte
	expires time.Time
}

// NewInboundIndex creates an empty inbound tag index.
func NewInboundIndex() *InboundIndex {
	c, err := lru.New[SessionTag, inboundTagEntry](inboundTagIndexSize)
	if err != nil {
		panic(err)
	}
	return &InboundIndex{cache: c}
}

// AddTags registers tags as usable for the given AES key, called when an
// inbound garlic message delivers new tags from a peer (the peer's
// outbound session tags become our inbound index entries), expiring after
// InboundTagLifetime.
func (ix *InboundIndex) AddTags(tags []SessionTag, key [crypto.KeySize]byte) {
	exp := time.Now().Add(InboundTagLifetime)
	for _, t := range tags {
		ix.cache.Add(t, inboundTagEntry{key: key, expires: exp})
	}
}

// lookup returns the AES key for tag if present and unexpired, consuming
// it.
func (ix *InboundIndex) lookup(tag SessionTag) ([crypto.KeySize]byte, bool) {
	e, ok := ix.cache.Get(tag)
	if !ok {
		return [crypto.KeySize]byte{}, false
	}
	ix.cache.Remove(tag)
	if time.Now().After(e.expires) {
		return [crypto.KeySize]byte{}, false
	}
	return e.key, true
}

// Destination aggregates the outbound session table and inbound tag
// index for one local identity's garlic layer, the garlic third of the
// trio a LocalDestination owns.
type Destination struct {
	log *logrus.Entry

	privKey *crypto.ElGamalPrivateKey

	mu       sync.Mutex
	sessions map[crypto.Hash]*OutboundSession

	inbound *InboundIndex
}

// NewDestination creates a garlic Destination decrypting with priv (the
// local destination's ElGamal private key).
func NewDestination(priv *crypto.ElGamalPrivateKey) *Destination {
	return &Destination{
		log:      logrus.WithField("component", "garlic"),
		privKey:  priv,
		sessions: make(map[crypto.Hash]*OutboundSession),
		inbound:  NewInboundIndex(),
	}
}

// sessionFor returns (creating if necessary) the outbound session for
// destHash, whose encryption public key is destPub.
func (d *Destination) sessionFor(destHash crypto.Hash, destPub crypto.ElGamalPublicKey) *OutboundSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[destHash]
	if !ok {
		s = NewOutboundSession(destPub)
		d.sessions[destHash] = s
	}
	return s
}

// WrapForDestination encodes cloves as an outbound garlic message to
// destHash/destPub, minting newTagCount fresh tags when the session needs
// to ElGamal-bootstrap or simply wants to replenish its tag supply. When
// the returned bool is true, the caller must also send a delivery-status
// clove carrying nonce so ConfirmTags can later promote the new tags.
// Nothing has to be registered with the peer out-of-band: the peer adds
// the new tags to its own InboundIndex when it decodes the message.
func (d *Destination) WrapForDestination(destHash crypto.Hash, destPub crypto.ElGamalPublicKey, cloves []Clove, newTagCount int, nonce ...uint32) (wire []byte, confirmNonce uint32, hasNonce bool, err error) {
	s := d.sessionFor(destHash, destPub)
	res, err := s.Wrap(cloves, newTagCount, nonce...)
	if err != nil {
		return nil, 0, false, err
	}
	return res.Wire, res.ConfirmNonce, res.HasConfirmTags, nil
}

// LiveTagCountFor reports the number of currently usable tags for
// destHash's outbound session, or 0 if no session has been established
// yet (a fresh session always needs an ElGamal bootstrap regardless).
func (d *Destination) LiveTagCountFor(destHash crypto.Hash) int {
	d.mu.Lock()
	s, ok := d.sessions[destHash]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return s.LiveTagCount()
}

// ConfirmTags forwards to the named destination's outbound session.
func (d *Destination) ConfirmTags(destHash crypto.Hash, nonce uint32) bool {
	d.mu.Lock()
	s, ok := d.sessions[destHash]
	d.mu.Unlock()
	if !ok {
		return false
	}
	return s.ConfirmTags(nonce)
}

// ConfirmAny tries nonce against every outbound session this destination
// holds, returning true on the first match. An inbound DeliveryStatus
// message carries only the nonce, not which remote destination it
// confirms tags for, so the caller cannot narrow the search itself.
func (d *Destination) ConfirmAny(nonce uint32) bool {
	d.mu.Lock()
	sessions := make([]*OutboundSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()
	for _, s := range sessions {
		if s.ConfirmTags(nonce) {
			return true
		}
	}
	return false
}

// Unwrap decrypts an inbound garlic message: try the leading 32 bytes as
// a tag lookup, falling back to ElGamal decryption with the local
// destination's private key. Returns the decoded cloves.
func (d *Destination) Unwrap(raw []byte) ([]Clove, error) {
	if len(raw) >= crypto.HashSize {
		var tag SessionTag
		copy(tag[:], raw[:crypto.HashSize])
		if key, ok := d.inbound.lookup(tag); ok {
			iv := tagIV(tag)
			plain, err := crypto.CBCDecrypt(key[:], iv[:], raw[crypto.HashSize:])
			if err == nil {
				body, err := decodeAESBody(plain)
				if err == nil {
					if len(body.NewTags) > 0 {
						d.inbound.AddTags(body.NewTags, key)
					}
					return d.routeExpired(body.Cloves)
				}
			}
		}
	}

	const elgCiphertextSize = 514
	if len(raw) < elgCiphertextSize {
		return nil, fmt.Errorf("%w: garlic message too short for ElGamal fallback", util.ErrDecryptCheckFailed)
	}
	block, err := crypto.ElGamalDecrypt(d.privKey, raw[:elgCiphertextSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrDecryptCheckFailed, err)
	}
	sessionKey, preIV, err := decodeElGamalBlock(block)
	if err != nil {
		return nil, err
	}
	iv := preIVToBlockIV(preIV)
	plain, err := crypto.CBCDecrypt(sessionKey[:], iv[:], raw[elgCiphertextSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrDecryptCheckFailed, err)
	}
	body, err := decodeAESBody(plain)
	if err != nil {
		return nil, err
	}
	if len(body.NewTags) > 0 {
		d.inbound.AddTags(body.NewTags, sessionKey)
	}
	return d.routeExpired(body.Cloves)
}

// routeExpired drops any clove whose expiration has already passed
// and returns the
// rest.
func (d *Destination) routeExpired(cloves []Clove) ([]Clove, error) {
	now := time.Now()
	out := cloves[:0]
	for _, c := range cloves {
		if c.Expired(now) {
			d.log.WithField("cloveID", c.CloveID).Debug("dropping expired clove")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
