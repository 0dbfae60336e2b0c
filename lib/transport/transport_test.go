package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

type fakeSession struct {
	remote crypto.Hash
	sent   [][]*i2np.Message
	closed bool
}

func (s *fakeSession) SendMessages(msgs []*i2np.Message) error {
	s.sent = append(s.sent, msgs)
	return nil
}
func (s *fakeSession) Close() error                           { s.closed = true; return nil }
func (s *fakeSession) RemoteIdentity() crypto.Hash            { return s.remote }
func (s *fakeSession) Counters() (inBytes, outBytes uint64)   { return 0, 0 }

type fakeOpener struct {
	opens int
	fail  bool
	last  *fakeSession
}

func (o *fakeOpener) Open(ri *common.RouterInfo) (Session, error) {
	o.opens++
	if o.fail {
		return nil, errors.New("open refused")
	}
	o.last = &fakeSession{remote: ri.Hash()}
	return o.last, nil
}

type fakeNetDb struct {
	routers map[crypto.Hash]*common.RouterInfo
}

func (f *fakeNetDb) FindRouterInfo(h crypto.Hash) (*common.RouterInfo, bool) {
	ri, ok := f.routers[h]
	return ri, ok
}

func testRouterInfo(t *testing.T) *common.RouterInfo {
	t.Helper()
	_, epub, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	priv, pub, err := crypto.GenerateEdDSAKeyPair()
	if err != nil {
		t.Fatalf("GenerateEdDSAKeyPair: %v", err)
	}
	id, err := common.NewRouterIdentity(*epub, pub)
	if err != nil {
		t.Fatalf("NewRouterIdentity: %v", err)
	}
	ri := &common.RouterInfo{Identity: id, Published: time.Now()}
	if err := ri.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return ri
}

func testMsg() *i2np.Message {
	return &i2np.Message{
		Type:       i2np.TypeData,
		MsgID:      42,
		Expiration: time.Now().Add(time.Minute),
		Payload:    []byte("payload"),
	}
}

func TestSendOpensNTCPBeforeSSU(t *testing.T) {
	ri := testRouterInfo(t)
	ntcp := &fakeOpener{}
	ssu := &fakeOpener{}
	db := &fakeNetDb{routers: map[crypto.Hash]*common.RouterInfo{ri.Hash(): ri}}
	d := NewDispatcher(ntcp, ssu, db)

	if err := d.Send(ri.Hash(), []*i2np.Message{testMsg()}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ntcp.opens != 1 || ssu.opens != 0 {
		t.Fatalf("opens = (ntcp %d, ssu %d), want (1, 0)", ntcp.opens, ssu.opens)
	}
	if len(ntcp.last.sent) != 1 {
		t.Fatalf("expected queued message flushed through new session")
	}

	// A second send reuses the live session without opening again.
	if err := d.Send(ri.Hash(), []*i2np.Message{testMsg()}); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if ntcp.opens != 1 {
		t.Fatalf("opens after reuse = %d, want 1", ntcp.opens)
	}
}

func TestSendFallsBackToSSU(t *testing.T) {
	ri := testRouterInfo(t)
	ntcp := &fakeOpener{fail: true}
	ssu := &fakeOpener{}
	db := &fakeNetDb{routers: map[crypto.Hash]*common.RouterInfo{ri.Hash(): ri}}
	d := NewDispatcher(ntcp, ssu, db)

	if err := d.Send(ri.Hash(), []*i2np.Message{testMsg()}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ntcp.opens != 1 || ssu.opens != 1 {
		t.Fatalf("opens = (ntcp %d, ssu %d), want (1, 1)", ntcp.opens, ssu.opens)
	}
}

func TestSendUnknownPeerIsUnreachable(t *testing.T) {
	d := NewDispatcher(&fakeOpener{}, &fakeOpener{}, &fakeNetDb{routers: map[crypto.Hash]*common.RouterInfo{}})
	err := d.Send(crypto.SHA256([]byte("nobody")), []*i2np.Message{testMsg()})
	if !errors.Is(err, util.ErrUnreachable) {
		t.Fatalf("Send = %v, want ErrUnreachable", err)
	}
}

func TestSendBothTransportsFailIncrementsAttempts(t *testing.T) {
	ri := testRouterInfo(t)
	db := &fakeNetDb{routers: map[crypto.Hash]*common.RouterInfo{ri.Hash(): ri}}
	d := NewDispatcher(&fakeOpener{fail: true}, &fakeOpener{fail: true}, db)

	err := d.Send(ri.Hash(), []*i2np.Message{testMsg()})
	if !errors.Is(err, util.ErrUnreachable) {
		t.Fatalf("Send = %v, want ErrUnreachable", err)
	}
	d.mu.Lock()
	p := d.peers[ri.Hash()]
	d.mu.Unlock()
	if p.NumAttempts != 1 {
		t.Fatalf("NumAttempts = %d, want 1", p.NumAttempts)
	}
	if len(p.Delayed) != 0 {
		t.Fatalf("delayed queue not cleared after failed open")
	}
}

func TestSeenSuppressesDuplicates(t *testing.T) {
	d := NewDispatcher(&fakeOpener{}, &fakeOpener{}, &fakeNetDb{})
	if d.Seen(100) {
		t.Fatalf("fresh msgID reported as seen")
	}
	if !d.Seen(100) {
		t.Fatalf("repeated msgID not reported as seen")
	}
}

func TestEvictIdleDropsSessionlessPeers(t *testing.T) {
	ri := testRouterInfo(t)
	db := &fakeNetDb{routers: map[crypto.Hash]*common.RouterInfo{ri.Hash(): ri}}
	d := NewDispatcher(&fakeOpener{fail: true}, &fakeOpener{fail: true}, db)
	d.Send(ri.Hash(), []*i2np.Message{testMsg()})

	if n := d.EvictIdle(time.Now()); n != 0 {
		t.Fatalf("evicted %d fresh peers, want 0", n)
	}
	if n := d.EvictIdle(time.Now().Add(PeerEvictionTimeout + time.Second)); n != 1 {
		t.Fatalf("evicted %d stale peers, want 1", n)
	}
	if d.PeerCount() != 0 {
		t.Fatalf("peer table not empty after eviction")
	}
}

func TestRemoveSessionDetaches(t *testing.T) {
	ri := testRouterInfo(t)
	ntcp := &fakeOpener{}
	db := &fakeNetDb{routers: map[crypto.Hash]*common.RouterInfo{ri.Hash(): ri}}
	d := NewDispatcher(ntcp, &fakeOpener{}, db)
	if err := d.Send(ri.Hash(), []*i2np.Message{testMsg()}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	d.RemoveSession(ri.Hash(), ntcp.last)
	if err := d.Send(ri.Hash(), []*i2np.Message{testMsg()}); err != nil {
		t.Fatalf("Send after removal: %v", err)
	}
	if ntcp.opens != 2 {
		t.Fatalf("opens = %d, want a re-open after session removal", ntcp.opens)
	}
}

func TestBandwidthSampling(t *testing.T) {
	d := NewDispatcher(&fakeOpener{}, &fakeOpener{}, &fakeNetDb{})
	d.RecordInbound(4096)
	d.outCount.Add(LowBandwidthLimit + 1)
	d.Sample(time.Second)

	in, out := d.Bandwidth()
	if in != 4096 {
		t.Fatalf("inBw = %d, want 4096", in)
	}
	if out != LowBandwidthLimit+1 {
		t.Fatalf("outBw = %d, want %d", out, LowBandwidthLimit+1)
	}
	if !d.OverLowBandwidthLimit() {
		t.Fatalf("expected low-bandwidth limit exceeded")
	}

	d.Sample(time.Second)
	if in, out = d.Bandwidth(); in != 0 || out != 0 {
		t.Fatalf("counters not reset after sample: in %d out %d", in, out)
	}
}
