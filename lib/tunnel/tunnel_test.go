package tunnel

import (
	"testing"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

func newTestHop(t *testing.T) (*common.RouterInfo, *crypto.ElGamalPrivateKey) {
	t.Helper()
	epriv, epub, err := crypto.GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	signer, verifier, err := crypto.GenerateEdDSAKeyPair()
	if err != nil {
		t.Fatalf("GenerateEdDSAKeyPair: %v", err)
	}
	id, err := common.NewRouterIdentity(*epub, verifier)
	if err != nil {
		t.Fatalf("NewRouterIdentity: %v", err)
	}
	ri := &common.RouterInfo{
		Identity:  id,
		Published: time.Now(),
		Options:   map[string]string{"caps": "f"},
	}
	if err := ri.Sign(signer); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return ri, epriv
}

func TestTunnelHealthyLifecycle(t *testing.T) {
	now := time.Now()
	tun := NewTunnel(1, Outbound, []Hop{{PeerHash: crypto.SHA256([]byte("peer"))}})
	tun.State = StateEstablished
	if !tun.Healthy(now) {
		t.Fatalf("expected freshly established tunnel to be healthy")
	}
	if tun.Expired(now) {
		t.Fatalf("expected tunnel not yet expired")
	}

	tun.ExpiresAt = now.Add(30 * time.Second)
	if !tun.Expiring(now) {
		t.Fatalf("expected tunnel within ExpiringThreshold to report expiring")
	}
	if tun.Healthy(now) {
		t.Fatalf("an expiring tunnel should no longer be selected as healthy")
	}

	tun.ExpiresAt = now.Add(-1 * time.Second)
	if !tun.Expired(now) {
		t.Fatalf("expected past-deadline tunnel to report expired")
	}
}

func TestBuildRequestRecordRoundTrip(t *testing.T) {
	rec := &BuildRequestRecord{
		RecvTunnel:  42,
		NextTunnel:  43,
		NextIdent:   crypto.SHA256([]byte("next")),
		RequestTime: 12345,
		SendMsgID:   99,
	}
	copy(rec.ToPeer[:], crypto.SHA256([]byte("topeer")).Bytes()[:16])

	encoded := rec.Encode()
	if len(encoded) != recordPlaintextSize {
		t.Fatalf("expected encoded record of %d bytes, got %d", recordPlaintextSize, len(encoded))
	}
	if recordPlaintextSize > crypto.ElGamalPayloadSize {
		t.Fatalf("build request record (%d bytes) exceeds ElGamal's payload ceiling (%d)", recordPlaintextSize, crypto.ElGamalPayloadSize)
	}

	decoded, err := DecodeBuildRequestRecord(encoded)
	if err != nil {
		t.Fatalf("DecodeBuildRequestRecord: %v", err)
	}
	if decoded.RecvTunnel != rec.RecvTunnel || decoded.NextTunnel != rec.NextTunnel {
		t.Fatalf("round-tripped record fields do not match")
	}
	if decoded.NextIdent != rec.NextIdent {
		t.Fatalf("round-tripped NextIdent does not match")
	}

	encoded[0] ^= 0xFF
	if _, err := DecodeBuildRequestRecord(encoded); err == nil {
		t.Fatalf("expected corrupted record to fail its hash check")
	}
}

func TestBuildMessageEncodeAndFindOwnRecord(t *testing.T) {
	hopRI, hopPriv := newTestHop(t)
	selfHash := hopRI.Hash()

	rec := &BuildRequestRecord{RecvTunnel: 7, NextTunnel: 8}
	copy(rec.ToPeer[:], selfHash.Bytes()[:16])

	msg, err := EncodeBuildMessage([]BuildRecordSlot{{Hop: hopRI, Record: rec}})
	if err != nil {
		t.Fatalf("EncodeBuildMessage: %v", err)
	}

	idx, found, err := FindOwnRecord(msg, selfHash, hopPriv)
	if err != nil {
		t.Fatalf("FindOwnRecord: %v", err)
	}
	if idx < 0 || idx >= RecordsPerBuild {
		t.Fatalf("unexpected record index %d", idx)
	}
	if found.RecvTunnel != rec.RecvTunnel || found.NextTunnel != rec.NextTunnel {
		t.Fatalf("decrypted record does not match original")
	}

	// A hop with no matching slot must not find a record.
	otherPriv, _, _ := crypto.GenerateElGamalKeyPair()
	_, _, err = FindOwnRecord(msg, crypto.SHA256([]byte("someone-else")), otherPriv)
	if err == nil {
		t.Fatalf("expected no record to be found for an uninvolved hop")
	}
}

func TestMaskOthersIsReversible(t *testing.T) {
	hopRI, _ := newTestHop(t)
	rec := &BuildRequestRecord{RecvTunnel: 1}
	copy(rec.ToPeer[:], hopRI.Hash().Bytes()[:16])

	msg, err := EncodeBuildMessage([]BuildRecordSlot{{Hop: hopRI, Record: rec}})
	if err != nil {
		t.Fatalf("EncodeBuildMessage: %v", err)
	}
	before := msg.Records[1]

	var key [crypto.KeySize]byte
	var iv [crypto.BlockSize]byte
	copy(key[:], crypto.SHA256([]byte("replykey")).Bytes())

	if err := MaskOthers(msg, 0, key, iv); err != nil {
		t.Fatalf("MaskOthers: %v", err)
	}
	if msg.Records[1] == before {
		t.Fatalf("expected masking to change non-owner records")
	}
	// Masking again with the same keystream un-masks it (XOR is its own inverse).
	if err := MaskOthers(msg, 0, key, iv); err != nil {
		t.Fatalf("MaskOthers (unmask): %v", err)
	}
	if msg.Records[1] != before {
		t.Fatalf("expected re-masking with the same key/IV to restore the original record")
	}
}

func TestParticipantTableCapacityAndExpiry(t *testing.T) {
	table := NewParticipantTable(1)
	now := time.Now()

	if err := table.Add(&Participating{RecvTunnelID: 1, ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := table.Add(&Participating{RecvTunnelID: 2, ExpiresAt: now.Add(time.Minute)}); err == nil {
		t.Fatalf("expected second Add beyond capacity to fail")
	}
	if table.Count() != 1 {
		t.Fatalf("expected table count 1, got %d", table.Count())
	}

	evicted := table.EvictExpired(now.Add(2 * time.Minute))
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("expected tunnel 1 to be evicted, got %v", evicted)
	}
	if table.Count() != 0 {
		t.Fatalf("expected table empty after eviction")
	}
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	var iv [frameIVSize]byte
	copy(iv[:], crypto.SHA256([]byte("frame-iv")).Bytes()[:frameIVSize])

	fragments := []Fragment{
		{Delivery: DeliveryTunnel, TunnelID: 5, Router: crypto.SHA256([]byte("gw")), IsInitial: true, Payload: []byte("hello i2np")},
		{Delivery: DeliveryLocal, IsInitial: false, MessageID: 77, Payload: []byte("second fragment")},
	}

	frame, err := EncodeFrame(iv, fragments)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(decoded) != len(fragments) {
		t.Fatalf("expected %d fragments, got %d", len(fragments), len(decoded))
	}
	if string(decoded[0].Payload) != "hello i2np" || decoded[0].TunnelID != 5 {
		t.Fatalf("first fragment mismatch: %+v", decoded[0])
	}
	if string(decoded[1].Payload) != "second fragment" || decoded[1].MessageID != 77 {
		t.Fatalf("second fragment mismatch: %+v", decoded[1])
	}

	frame[frameIVSize] ^= 0xFF // corrupt the checksum
	if _, err := DecodeFrame(frame); err == nil {
		t.Fatalf("expected corrupted checksum to be rejected")
	}
}

type fakeRouterSource struct {
	routers []*common.RouterInfo
}

func (f *fakeRouterSource) Floodfills() []*common.RouterInfo  { return nil }
func (f *fakeRouterSource) AllReachable() []*common.RouterInfo { return f.routers }

func TestChooseHopsRequiresDistinctCandidates(t *testing.T) {
	r1, _ := newTestHop(t)
	r2, _ := newTestHop(t)
	src := &fakeRouterSource{routers: []*common.RouterInfo{r1, r2}}

	chosen, err := ChooseHops(src, HopConstraints{Length: 2})
	if err != nil {
		t.Fatalf("ChooseHops: %v", err)
	}
	if len(chosen) != 2 {
		t.Fatalf("expected 2 hops, got %d", len(chosen))
	}

	_, err = ChooseHops(src, HopConstraints{Length: 3})
	if err == nil {
		t.Fatalf("expected ChooseHops to fail when fewer candidates than required")
	}
}

type fakeBuilder struct {
	nextID uint32
	fail   bool
}

func (b *fakeBuilder) Build(dir Direction, cfg PoolConfig) (*Tunnel, error) {
	if b.fail {
		return nil, errBuildFailedForTest
	}
	b.nextID++
	hops := make([]Hop, cfg.Length)
	for i := range hops {
		hops[i] = Hop{PeerHash: crypto.SHA256([]byte{byte(b.nextID), byte(i)})}
	}
	t := NewTunnel(b.nextID, dir, hops)
	t.State = StateEstablished
	return t, nil
}

var errBuildFailedForTest = &testBuildError{}

type testBuildError struct{}

func (*testBuildError) Error() string { return "simulated build failure" }

func TestPoolHousekeepFillsToTarget(t *testing.T) {
	builder := &fakeBuilder{}
	cfg := PoolConfig{InboundQuantity: 2, OutboundQuantity: 3, Length: 2}
	pool := NewPool(KindDestination, cfg, builder)

	var lastInbound []*Tunnel
	pool.OnLeaseSetChanged(func(ts []*Tunnel) { lastInbound = ts })

	pool.Housekeep(time.Now())

	if got := len(pool.Inbound()); got != cfg.InboundQuantity {
		t.Fatalf("expected %d inbound tunnels, got %d", cfg.InboundQuantity, got)
	}
	if got := len(pool.Outbound()); got != cfg.OutboundQuantity {
		t.Fatalf("expected %d outbound tunnels, got %d", cfg.OutboundQuantity, got)
	}
	if len(lastInbound) != cfg.InboundQuantity {
		t.Fatalf("expected LeaseSet-changed callback to observe %d inbound tunnels, got %d", cfg.InboundQuantity, len(lastInbound))
	}
}

func TestPoolSelectOutboundSkipsUnhealthy(t *testing.T) {
	builder := &fakeBuilder{}
	pool := NewPool(KindExploratory, PoolConfig{Length: 1}, builder)

	now := time.Now()
	healthy := NewTunnel(1, Outbound, []Hop{{PeerHash: crypto.SHA256([]byte("a"))}})
	healthy.State = StateEstablished
	expiring := NewTunnel(2, Outbound, []Hop{{PeerHash: crypto.SHA256([]byte("b"))}})
	expiring.State = StateEstablished
	expiring.ExpiresAt = now.Add(1 * time.Second)

	pool.outbound = []*Tunnel{expiring, healthy}

	selected, ok := pool.SelectOutbound(now)
	if !ok {
		t.Fatalf("expected a healthy outbound tunnel to be selected")
	}
	if selected != healthy {
		t.Fatalf("expected the healthy tunnel to be selected, got tunnel %d", selected.ID)
	}
}

func TestPoolDropsExpiredAndNotifies(t *testing.T) {
	builder := &fakeBuilder{}
	pool := NewPool(KindDestination, PoolConfig{InboundQuantity: 0, OutboundQuantity: 0, Length: 1}, builder)

	now := time.Now()
	gone := NewTunnel(1, Inbound, []Hop{{PeerHash: crypto.SHA256([]byte("c"))}})
	gone.State = StateEstablished
	gone.ExpiresAt = now.Add(-1 * time.Minute)
	pool.inbound = []*Tunnel{gone}

	notified := false
	pool.OnLeaseSetChanged(func(ts []*Tunnel) { notified = true })

	pool.Housekeep(now)

	if len(pool.Inbound()) != 0 {
		t.Fatalf("expected expired inbound tunnel to be dropped")
	}
	if !notified {
		t.Fatalf("expected LeaseSet-changed callback to fire after inbound set shrank")
	}
}
