package tunnel

import (
	"testing"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
)

// testNetwork wires a NetworkBuilder and a set of Participants together
// in-process, routing Sends between them directly instead of going
// through a real transport.
type testNetwork struct {
	participants map[crypto.Hash]*Participant
	builder      *NetworkBuilder
	builderHash  crypto.Hash
}

func (n *testNetwork) deliver(from, to crypto.Hash, msgs []*i2np.Message) error {
	for _, m := range msgs {
		switch m.Type {
		case i2np.TypeTunnelBuild:
			p, ok := n.participants[to]
			if !ok {
				continue // not part of this test network; drop
			}
			if err := p.HandleBuildRequest(from, m); err != nil {
				return err
			}
		case i2np.TypeTunnelBuildReply:
			if p, ok := n.participants[to]; ok {
				if err := p.HandleBuildReply(m); err != nil {
					return err
				}
				continue
			}
			if to == n.builderHash {
				bm, err := decodeBuildMessageWire(m.Payload)
				if err != nil {
					return err
				}
				n.builder.HandleReply(m.MsgID, bm)
			}
		}
	}
	return nil
}

// nodeSender tags outbound Sends with the hash of the node issuing them,
// standing in for a real transport.Dispatcher knowing its own identity.
type nodeSender struct {
	self crypto.Hash
	net  *testNetwork
}

func (s *nodeSender) Send(h crypto.Hash, msgs []*i2np.Message) error {
	return s.net.deliver(s.self, h, msgs)
}

func TestNetworkBuilderThreeHopRoundTrip(t *testing.T) {
	h0, p0 := newTestHop(t)
	h1, p1 := newTestHop(t)
	h2, p2 := newTestHop(t)

	src := &fakeRouterSource{routers: []*common.RouterInfo{h0, h1, h2}}
	selfHash := crypto.SHA256([]byte("requester"))

	net := &testNetwork{participants: make(map[crypto.Hash]*Participant), builderHash: selfHash}
	builder := NewNetworkBuilder(selfHash, src, &nodeSender{self: selfHash, net: net})
	net.builder = builder

	priv := map[crypto.Hash]*crypto.ElGamalPrivateKey{h0.Hash(): p0, h1.Hash(): p1, h2.Hash(): p2}
	for h, pk := range priv {
		net.participants[h] = NewParticipant(h, pk, NewParticipantTable(16), nil, nil)
	}
	for h, part := range net.participants {
		part.sender = &nodeSender{self: h, net: net}
	}

	tun, err := builder.Build(Outbound, PoolConfig{Length: 3})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tun.Len() != 3 {
		t.Fatalf("tunnel has %d hops, want 3", tun.Len())
	}
	if tun.State != StateEstablished {
		t.Fatalf("tunnel state = %v, want established", tun.State)
	}
	if tun.Endpoint != h2.Hash() {
		t.Fatalf("outbound tunnel endpoint should be the last hop")
	}
}

func TestNetworkBuilderInboundGatewayIsFirstHop(t *testing.T) {
	h0, p0 := newTestHop(t)
	h1, p1 := newTestHop(t)

	src := &fakeRouterSource{routers: []*common.RouterInfo{h0, h1}}
	selfHash := crypto.SHA256([]byte("requester-inbound"))

	net := &testNetwork{participants: make(map[crypto.Hash]*Participant), builderHash: selfHash}
	builder := NewNetworkBuilder(selfHash, src, &nodeSender{self: selfHash, net: net})
	net.builder = builder

	priv := map[crypto.Hash]*crypto.ElGamalPrivateKey{h0.Hash(): p0, h1.Hash(): p1}
	for h, pk := range priv {
		net.participants[h] = NewParticipant(h, pk, NewParticipantTable(16), nil, nil)
	}
	for h, part := range net.participants {
		part.sender = &nodeSender{self: h, net: net}
	}

	tun, err := builder.Build(Inbound, PoolConfig{Length: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tun.Gateway != h0.Hash() {
		t.Fatalf("inbound tunnel gateway should be the first hop")
	}
}

func TestNetworkBuilderRejectsOnBandwidthGate(t *testing.T) {
	h0, p0 := newTestHop(t)

	src := &fakeRouterSource{routers: []*common.RouterInfo{h0}}
	selfHash := crypto.SHA256([]byte("requester-reject"))

	net := &testNetwork{participants: make(map[crypto.Hash]*Participant), builderHash: selfHash}
	builder := NewNetworkBuilder(selfHash, src, &nodeSender{self: selfHash, net: net})
	net.builder = builder

	part := NewParticipant(h0.Hash(), p0, NewParticipantTable(16), nil, alwaysOverLimit{})
	part.sender = &nodeSender{self: h0.Hash(), net: net}
	net.participants[h0.Hash()] = part

	_, err := builder.Build(Outbound, PoolConfig{Length: 1})
	if err == nil {
		t.Fatalf("expected Build to fail when the only hop rejects for bandwidth")
	}
}

type alwaysOverLimit struct{}

func (alwaysOverLimit) OverLowBandwidthLimit() bool { return true }
