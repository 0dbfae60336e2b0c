// Package ntcp implements the NTCP transport: a symmetric 4-phase
// Diffie-Hellman handshake over TCP followed by AES-256-CBC framed
// I2NP message delivery.
package ntcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/transport"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// IdleTimeout closes a session that has exchanged no frames for this
// long.
const IdleTimeout = 120 * time.Second

// BanDuration is how long a source IP is refused new connections after
// 3 consecutive corrupt frames.
const BanDuration = 70 * time.Second

// maxConsecutiveCorruptFrames is the threshold at which a session is
// torn down and its source IP banned.
const maxConsecutiveCorruptFrames = 3

// maxFramePayload bounds a single NTCP frame's payload so a malformed
// size field can't force an unbounded allocation.
const maxFramePayload = 64 * 1024

// SessionHandler is invoked for every I2NP message a session delivers.
type SessionHandler func(from crypto.Hash, msg *i2np.Message)

// CloseHandler is invoked when a session's connection is torn down, so
// the owning transport.Dispatcher can drop it from the peer table.
type CloseHandler func(s *Session)

// Transport accepts inbound NTCP connections and opens outbound ones,
// tracking every live session for shutdown.
type Transport struct {
	log *logrus.Entry

	identity *common.RouterIdentity
	signer   crypto.Signer

	onMessage SessionHandler
	onClose   CloseHandler

	dh *crypto.DHKeySupplier

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	banned   map[string]time.Time
	closed   atomic.Bool
	done     chan struct{}
}

// New creates an NTCP transport identified by identity/signer, used to
// prove our identity during handshakes.
func New(identity *common.RouterIdentity, signer crypto.Signer, onMessage SessionHandler, onClose CloseHandler) *Transport {
	return &Transport{
		log:       logrus.WithField("component", "ntcp"),
		identity:  identity,
		signer:    signer,
		onMessage: onMessage,
		onClose:   onClose,
		dh:        crypto.NewDHKeySupplier(),
		sessions:  make(map[*Session]struct{}),
		banned:    make(map[string]time.Time),
		done:      make(chan struct{}),
	}
}

// ListenAndServe binds addr and serves inbound connections until Close.
func (t *Transport) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return t.Serve(l)
}

// Serve accepts connections on l, handling each in its own goroutine.
func (t *Transport) Serve(l net.Listener) error {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		if t.isBanned(conn.RemoteAddr()) {
			conn.Close()
			continue
		}
		go t.acceptInbound(conn)
	}
}

func (t *Transport) isBanned(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.banned[host]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(t.banned, host)
		return false
	}
	return true
}

func (t *Transport) banHost(addr net.Addr) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	t.mu.Lock()
	t.banned[host] = time.Now().Add(BanDuration)
	t.mu.Unlock()
}

func (t *Transport) acceptInbound(conn net.Conn) {
	sess, err := acceptHandshake(conn, t.identity, t.signer, t.dh)
	if err != nil {
		t.log.WithError(err).Debug("NTCP inbound handshake failed")
		conn.Close()
		return
	}
	t.track(sess)
	go t.runSession(sess)
}

// Open performs the outbound 4-phase handshake to ri's published NTCP
// address and returns a live Session. The interface return type (rather
// than *Session) lets Transport satisfy transport.Opener directly.
func (t *Transport) Open(ri *common.RouterInfo) (transport.Session, error) {
	addr, err := ntcpAddress(ri)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", addr, SessionCreationTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: ntcp dial: %v", util.ErrUnreachable, err)
	}
	sess, err := initiateHandshake(conn, t.identity, t.signer, ri, t.dh)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.track(sess)
	go t.runSession(sess)
	return sess, nil
}

// SessionCreationTimeout bounds how long a handshake may take.
const SessionCreationTimeout = 10 * time.Second

func ntcpAddress(ri *common.RouterInfo) (string, error) {
	for _, a := range ri.Addresses {
		if a.Style == common.StyleNTCP {
			return fmt.Sprintf("%s:%d", a.Host(), a.Port()), nil
		}
	}
	return "", fmt.Errorf("%w: router has no published NTCP address", util.ErrUnreachable)
}

func (t *Transport) track(s *Session) {
	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) untrack(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

func (t *Transport) runSession(s *Session) {
	defer func() {
		t.untrack(s)
		s.Close()
		if t.onClose != nil {
			t.onClose(s)
		}
	}()

	for {
		s.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		msg, err := s.readFrame()
		if err != nil {
			if errors.Is(err, errKeepAlive) {
				s.consecutiveCorrupt = 0
				continue
			}
			if errors.Is(err, errCorruptFrame) {
				s.consecutiveCorrupt++
				if s.consecutiveCorrupt >= maxConsecutiveCorruptFrames {
					t.log.WithField("peer", s.remote).Warn("NTCP session banned after repeated frame corruption")
					t.banHost(s.conn.RemoteAddr())
					return
				}
				continue
			}
			return
		}
		s.consecutiveCorrupt = 0
		if t.onMessage != nil {
			t.onMessage(s.remote, msg)
		}
	}
}

// Close shuts down the transport: stops accepting, closes tracked
// sessions.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	t.dh.Close()
	t.mu.Lock()
	l := t.listener
	sessions := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()
	if l != nil {
		l.Close()
	}
	for _, s := range sessions {
		s.Close()
	}
	return nil
}

// errCorruptFrame signals a bad adler32, distinct from a connection
// error so the caller can apply the 3-strikes ban policy.
var errCorruptFrame = errors.New("ntcp: frame checksum mismatch")

// errKeepAlive signals a valid zero-size keep-alive record; the read
// loop skips it without delivering anything.
var errKeepAlive = errors.New("ntcp: keep-alive record")

// SendKeepAlive writes a zero-size record carrying the current Unix
// time, refreshing the peer's idle timer without delivering a message.
func (s *Session) SendKeepAlive() error {
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], uint32(time.Now().Unix()))
	s.mu.Lock()
	defer s.mu.Unlock()
	total := roundUp(2+4+4, crypto.BlockSize)
	body := make([]byte, total)
	copy(body[2:], ts[:])
	binary.BigEndian.PutUint32(body[total-4:], adler32.Checksum(body[:total-4]))
	ct, err := crypto.CBCEncrypt(s.layerKey[:], s.ivOut[:], body)
	if err != nil {
		return err
	}
	copy(s.ivOut[:], ct[len(ct)-crypto.BlockSize:])
	if _, err := s.conn.Write(ct); err != nil {
		return err
	}
	s.outBytes.Add(uint64(len(ct)))
	return nil
}

// Session is one established NTCP connection, post-handshake. Each
// direction chains its own CBC IV: the first outbound frame continues
// from the last ciphertext block this side wrote during the handshake,
// the first inbound frame from the last block it read.
type Session struct {
	conn   net.Conn
	remote crypto.Hash

	layerKey [crypto.KeySize]byte // AES-256-CBC session key derived from DH
	ivOut    [crypto.BlockSize]byte
	ivIn     [crypto.BlockSize]byte

	mu sync.Mutex

	inBytes, outBytes atomic.Uint64

	consecutiveCorrupt int
}

// RemoteIdentity returns the peer's RouterIdentity hash.
func (s *Session) RemoteIdentity() crypto.Hash { return s.remote }

// Counters returns cumulative inbound/outbound byte totals.
func (s *Session) Counters() (inBytes, outBytes uint64) {
	return s.inBytes.Load(), s.outBytes.Load()
}

// Close tears down the underlying TCP connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// SendMessages frames and writes each message in turn, serialized by the
// session's lock.
func (s *Session) SendMessages(msgs []*i2np.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		frame, err := s.encodeFrame(m.Encode())
		if err != nil {
			return err
		}
		if _, err := s.conn.Write(frame); err != nil {
			return err
		}
		s.outBytes.Add(uint64(len(frame)))
	}
	return nil
}

// encodeFrame builds `size u16be || payload || padding || adler32
// u32be` with the padding sized so the whole record, checksum included,
// is a multiple of the AES block size, then CBC-encrypts it under the
// session's layer key, advancing the outbound chained IV.
func (s *Session) encodeFrame(payload []byte) ([]byte, error) {
	total := roundUp(2+len(payload)+4, crypto.BlockSize)
	body := make([]byte, total)
	binary.BigEndian.PutUint16(body[:2], uint16(len(payload)))
	copy(body[2:], payload)
	sum := adler32.Checksum(body[:total-4])
	binary.BigEndian.PutUint32(body[total-4:], sum)

	ct, err := crypto.CBCEncrypt(s.layerKey[:], s.ivOut[:], body)
	if err != nil {
		return nil, err
	}
	copy(s.ivOut[:], ct[len(ct)-crypto.BlockSize:])
	return ct, nil
}

// readFrame reads and decrypts one NTCP frame from the connection,
// returning errCorruptFrame (not a connection error) if the adler32
// fails so the session can apply the 3-strikes ban policy.
func (s *Session) readFrame() (*i2np.Message, error) {
	// A minimal frame is one AES block; grow as needed once the
	// plaintext size field is known.
	block := make([]byte, crypto.BlockSize)
	if _, err := readFull(s.conn, block); err != nil {
		return nil, err
	}

	plain, err := crypto.CBCDecrypt(s.layerKey[:], s.ivIn[:], block)
	if err != nil {
		return nil, err
	}
	copy(s.ivIn[:], block[len(block)-crypto.BlockSize:])

	size := int(binary.BigEndian.Uint16(plain[:2]))
	if size > maxFramePayload {
		return nil, fmt.Errorf("%w: ntcp frame declares oversized payload", util.ErrMalformed)
	}

	total := roundUp(2+size+4, crypto.BlockSize)
	remaining := total - crypto.BlockSize
	rest := plain
	for remaining > 0 {
		next := make([]byte, crypto.BlockSize)
		if _, err := readFull(s.conn, next); err != nil {
			return nil, err
		}
		decNext, err := crypto.CBCDecrypt(s.layerKey[:], s.ivIn[:], next)
		if err != nil {
			return nil, err
		}
		copy(s.ivIn[:], next[len(next)-crypto.BlockSize:])
		rest = append(rest, decNext...)
		remaining -= crypto.BlockSize
	}

	wantSum := binary.BigEndian.Uint32(rest[total-4:])
	if adler32.Checksum(rest[:total-4]) != wantSum {
		return nil, errCorruptFrame
	}
	s.inBytes.Add(uint64(total))

	if size == 0 {
		// Keep-alive: a zero-size record whose payload region holds a
		// 4-byte timestamp. Nothing to deliver upward.
		return nil, errKeepAlive
	}

	payload := rest[2 : 2+size]
	msg, _, err := i2np.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: ntcp payload did not decode as i2np", util.ErrMalformed)
	}
	return msg, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
