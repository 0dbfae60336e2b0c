// Package router wires every layer (crypto, identity, transports,
// tunnels, garlic, NetDb, streaming) into one running router process: a
// Context that owns every subsystem and a LocalDestination built on top
// of it for each locally hosted identity.
package router

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/config"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/i2np"
	"github.com/go-i2p/go-i2p-router/lib/netdb"
	"github.com/go-i2p/go-i2p-router/lib/transport"
	"github.com/go-i2p/go-i2p-router/lib/transport/ntcp"
	"github.com/go-i2p/go-i2p-router/lib/transport/ssu"
	"github.com/go-i2p/go-i2p-router/lib/tunnel"
)

// houseKeepInterval drives Pool.Housekeep, ParticipantTable/forward
// eviction, and transport bandwidth sampling, a single shared tick for
// every periodic maintenance task the router owns.
const houseKeepInterval = 10 * time.Second

// Context is the router-wide singleton: it owns the
// local identity, NetDb, both transports behind a shared Dispatcher, the
// participating-tunnel table, the exploratory pool, and every
// LocalDestination created on top of it.
type Context struct {
	log *logrus.Entry

	cfg      *config.Config
	identity *common.RouterIdentity
	keys     *privateKeys
	info     *common.RouterInfo

	db         *netdb.NetDb
	dispatcher *transport.Dispatcher
	ntcpT      *ntcp.Transport
	ssuT       *ssu.Transport
	peerTester *ssu.PeerTester

	dispatch    *i2np.Dispatcher
	participant *tunnel.Participant
	table       *tunnel.ParticipantTable
	relay       *tunnel.Relay
	builder     *tunnel.NetworkBuilder
	exploratory *tunnel.Pool
	lookups      *netdb.Lookups
	explorer     *netdb.Explorer
	store        *netdb.StoreHandler
	lookupServer *netdb.LookupServer

	mu           sync.Mutex
	destinations map[crypto.Hash]*LocalDestination
	endpoints    map[uint32]*endpointEntry // keyed by inbound Tunnel.ID, across every pool this Context owns

	cancel context.CancelFunc
	runCtx context.Context
	wg     sync.WaitGroup
	closed bool
}

// New builds a Context from cfg: it loads or generates the local identity,
// opens the NetDb, wires the transports behind a Dispatcher, and creates
// the participating-tunnel table and exploratory pool, but does not yet
// bind any socket or start background loops (call Start for that).
func New(cfg *config.Config) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	identity, keys, err := loadOrGenerateIdentity(cfg)
	if err != nil {
		return nil, err
	}
	selfHash := identity.Hash()

	db := netdb.New(cfg.DataDir)

	dispatch := i2np.NewDispatcher()
	table := tunnel.NewParticipantTable(4096)

	log := logrus.WithField("component", "router")

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Context{
		log:          log,
		cfg:          cfg,
		identity:     identity,
		keys:         keys,
		db:           db,
		dispatch:     dispatch,
		table:        table,
		destinations: make(map[crypto.Hash]*LocalDestination),
		endpoints:    make(map[uint32]*endpointEntry),
		cancel:       cancel,
		runCtx:       runCtx,
	}

	onMessage := func(from crypto.Hash, msg *i2np.Message) {
		c.handleInbound(from, msg)
	}
	onNTCPClose := func(s *ntcp.Session) { c.dispatcher.RemoveSession(s.RemoteIdentity(), s) }
	onSSUClose := func(s *ssu.Session) { c.dispatcher.RemoveSession(s.RemoteIdentity(), s) }

	introKey, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, err
	}

	c.ntcpT = ntcp.New(identity, keys.signer, onMessage, onNTCPClose)
	c.ssuT = ssu.New(identity, keys.signer, introKey, onMessage, onSSUClose)
	c.peerTester = ssu.NewPeerTester(c.ssuT)
	c.ssuT.SetPeerTester(c.peerTester)
	c.ssuT.SetBobForwardTarget(c.ssuT.AnySessionExcept)
	c.dispatcher = transport.NewDispatcher(c.ntcpT, c.ssuT, db)

	c.participant = tunnel.NewParticipant(selfHash, keys.elgPriv, table, c.dispatcher, c.dispatcher)
	c.relay = tunnel.NewRelay(table, c.dispatcher)
	c.builder = tunnel.NewNetworkBuilder(selfHash, db, c.dispatcher)
	c.exploratory = tunnel.NewPool(tunnel.KindExploratory, tunnel.DefaultPoolConfig(), c.builder)

	netSender := &dispatcherSender{d: c.dispatcher}
	c.lookups = netdb.NewLookups(db, netSender, selfHash)
	c.explorer = netdb.NewExplorer(db, c.lookups)
	c.store = netdb.NewStoreHandler(db, netSender, selfHash, cfg.Floodfill)
	c.lookupServer = netdb.NewLookupServer(db, netSender, selfHash)

	c.info, err = c.buildRouterInfo(nil)
	if err != nil {
		return nil, err
	}

	c.dispatch.Register(i2np.TypeTunnelBuildReply, handlerFunc(func(msg *i2np.Message) error {
		if err := c.participant.HandleBuildReply(msg); err == nil {
			return nil
		}
		return c.builder.HandleReplyMessage(msg)
	}))
	c.dispatch.Register(i2np.TypeDatabaseStore, c.store)
	c.dispatch.Register(i2np.TypeDatabaseLookup, c.lookupServer)
	c.dispatch.Register(i2np.TypeDatabaseSearchReply, handlerFunc(c.lookups.HandleSearchReplyMessage))
	c.dispatch.Register(i2np.TypeTunnelData, handlerFunc(c.handleTunnelData))
	c.dispatch.Register(i2np.TypeTunnelGateway, handlerFunc(func(msg *i2np.Message) error {
		return c.relay.HandleTunnelGateway(msg)
	}))
	c.dispatch.Register(i2np.TypeDeliveryStatus, handlerFunc(c.handleDeliveryStatus))

	c.exploratory.OnLeaseSetChanged(func(inbound []*tunnel.Tunnel) {
		c.syncEndpoints(inbound, func(_ tunnel.DeliveryType, _ uint32, _ crypto.Hash, msg *i2np.Message) {
			if err := c.dispatch.Dispatch(msg); err != nil {
				c.log.WithError(err).Debug("exploratory endpoint: dispatch failed")
			}
		})
	})

	return c, nil
}

// handleInbound is every transport's onMessage callback: it suppresses
// already-seen messages, special-cases TypeTunnelBuild (which needs the
// delivering peer's identity, unlike every other registered handler), and
// otherwise hands the message to the shared i2np.Dispatcher.
func (c *Context) handleInbound(from crypto.Hash, msg *i2np.Message) {
	if c.dispatcher.Seen(msg.MsgID) {
		return
	}
	if msg.Type == i2np.TypeTunnelBuild {
		if err := c.participant.HandleBuildRequest(from, msg); err != nil {
			c.log.WithError(err).WithField("peer", from).Debug("tunnel build request rejected")
		}
		return
	}
	if err := c.dispatch.Dispatch(msg); err != nil {
		c.log.WithError(err).WithField("peer", from).Debug("i2np dispatch failed")
	}
}

// handleTunnelData routes an arriving TypeTunnelData frame to whichever
// of our own inbound tunnels it names, or, failing that, to the relay
// for tunnels we only participate in on someone else's behalf.
func (c *Context) handleTunnelData(msg *i2np.Message) error {
	payload, err := i2np.DecodeTunnelData(msg.Payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	entry, ok := c.endpoints[payload.TunnelID]
	c.mu.Unlock()
	if ok {
		return entry.ep.HandleFrame(payload.Data, time.Now())
	}
	return c.relay.HandleTunnelData(msg)
}

// endpointEntry pairs an installed Endpoint with its tunnel's own expiry
// so houseKeepLoop can prune entries for tunnels the owning pool has
// already dropped.
type endpointEntry struct {
	ep        *tunnel.Endpoint
	expiresAt time.Time
}

// syncEndpoints installs an Endpoint for every inbound tunnel in tunnels
// not already registered, delivering reassembled messages to deliver.
// Meant to be called from a Pool's OnLeaseSetChanged callback, which
// fires with the pool's current inbound set whenever it changes.
func (c *Context) syncEndpoints(tunnels []*tunnel.Tunnel, deliver tunnel.DeliverFunc) {
	for _, t := range tunnels {
		c.mu.Lock()
		_, exists := c.endpoints[t.ID]
		c.mu.Unlock()
		if exists {
			continue
		}
		ep, err := tunnel.NewEndpoint(t, deliver)
		if err != nil {
			c.log.WithError(err).Warn("router: failed to register tunnel endpoint")
			continue
		}
		c.mu.Lock()
		c.endpoints[t.ID] = &endpointEntry{ep: ep, expiresAt: t.ExpiresAt}
		c.mu.Unlock()
	}
}

// pruneEndpoints drops Endpoint registrations whose tunnel has expired,
// run once per housekeeping tick.
func (c *Context) pruneEndpoints(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.endpoints {
		if now.After(e.expiresAt) {
			delete(c.endpoints, id)
		}
	}
}

// handleDeliveryStatus processes an inbound TypeDeliveryStatus message by
// trying its nonce against every open LocalDestination's garlic sessions.
// TypeGarlic messages never reach here through i2np.Dispatcher (each
// destination's own inbound tunnel endpoints deliver those directly, since
// Dispatcher.Register only keeps one handler per type and garlic messages
// are addressed by which destination's key decrypts them, not carried as a
// dispatch key); a DeliveryStatus ack, by contrast, carries nothing but a
// nonce, so there is no cheaper way to find which session it confirms.
func (c *Context) handleDeliveryStatus(msg *i2np.Message) error {
	payload, err := i2np.DecodeDeliveryStatus(msg.Payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	dests := make([]*LocalDestination, 0, len(c.destinations))
	for _, d := range c.destinations {
		dests = append(dests, d)
	}
	c.mu.Unlock()
	for _, d := range dests {
		if d.garlicD.ConfirmAny(payload.MsgID) {
			return nil
		}
	}
	return nil
}

// handlerFunc adapts a plain function to i2np.Handler.
type handlerFunc func(msg *i2np.Message) error

func (f handlerFunc) HandleI2NP(msg *i2np.Message) error { return f(msg) }

// dispatcherSender adapts *transport.Dispatcher to netdb.Sender's
// SendToPeer(ctx, peer, msg) shape. Dispatcher.Send has no context parameter; ctx is
// only checked for immediate cancellation before dispatching.
type dispatcherSender struct {
	d *transport.Dispatcher
}

func (s *dispatcherSender) SendToPeer(ctx context.Context, peer crypto.Hash, msg *i2np.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.d.Send(peer, []*i2np.Message{msg})
}

// buildRouterInfo assembles and signs this router's own advertisement
// from its identity and configured addresses. A non-empty
// intros list is attached to the SSU address as ihostN/iportN/itagN
// options, the advertisement a firewalled router publishes so peers can
// reach it through a relay.
func (c *Context) buildRouterInfo(intros []common.Introducer) (*common.RouterInfo, error) {
	var addrs []common.RouterAddress
	if c.cfg.NTCPPort != 0 {
		addrs = append(addrs, common.RouterAddress{
			Style: common.StyleNTCP,
			Cost:  10,
			Options: map[string]string{
				"host": c.cfg.Host,
				"port": fmt.Sprintf("%d", c.cfg.NTCPPort),
			},
		})
	}
	if c.cfg.SSUPort != 0 {
		opts := map[string]string{
			"host": c.cfg.Host,
			"port": fmt.Sprintf("%d", c.cfg.SSUPort),
		}
		for i, in := range intros {
			opts[fmt.Sprintf("ihost%d", i)] = in.Host
			opts[fmt.Sprintf("iport%d", i)] = fmt.Sprintf("%d", in.Port)
			opts[fmt.Sprintf("itag%d", i)] = fmt.Sprintf("%d", in.Tag)
		}
		addrs = append(addrs, common.RouterAddress{
			Style:   common.StyleSSU,
			Cost:    5,
			Options: opts,
		})
	}
	ri := &common.RouterInfo{
		Identity:  c.identity,
		Published: time.Now(),
		Addresses: addrs,
		Options:   map[string]string{"caps": c.cfg.Capabilities()},
	}
	if err := ri.Sign(c.keys.signer); err != nil {
		return nil, err
	}
	return ri, nil
}

// Identity returns the local RouterIdentity.
func (c *Context) Identity() *common.RouterIdentity { return c.identity }

// SelfHash returns H(identity), this router's stable name.
func (c *Context) SelfHash() crypto.Hash { return c.identity.Hash() }

// RouterInfo returns this router's own signed advertisement.
func (c *Context) RouterInfo() *common.RouterInfo { return c.info }

// NetDb returns the router's network database.
func (c *Context) NetDb() *netdb.NetDb { return c.db }

// Dispatcher returns the shared transport dispatcher, for a LocalDestination
// to send garlic-wrapped traffic to a remote tunnel gateway.
func (c *Context) Dispatcher() *transport.Dispatcher { return c.dispatcher }

// ExploratoryBuilder returns the tunnel.Builder new destination pools
// should build against when they have no destination-specific builder of
// their own.
func (c *Context) ExploratoryBuilder() tunnel.Builder { return c.builder }

// ProbeReachability opens an SSU session to bob (a peer-testing-capable
// router) and runs the 3-party peer test through it, returning the
// reachability conclusion. A router concluding
// Firewalled should advertise introducers in its next published
// RouterInfo.
func (c *Context) ProbeReachability(bob *common.RouterInfo) ssu.Status {
	sess, err := c.ssuT.Open(bob)
	if err != nil {
		return ssu.StatusUnknown
	}
	ssuSess, ok := sess.(*ssu.Session)
	if !ok {
		return ssu.StatusUnknown
	}
	return c.peerTester.Run(ssuSess)
}

// AdvertiseIntroducers rebuilds, re-signs, and re-stores this router's
// own RouterInfo with intros attached to its SSU address, called after a
// peer test concludes Firewalled.
func (c *Context) AdvertiseIntroducers(intros []common.Introducer) error {
	ri, err := c.buildRouterInfo(intros)
	if err != nil {
		return err
	}
	if err := c.db.StoreRouterInfo(ri); err != nil {
		return err
	}
	c.mu.Lock()
	c.info = ri
	c.mu.Unlock()
	return c.persistRouterInfo()
}

// persistRouterInfo writes the current signed RouterInfo to router.info
// under the data directory, alongside router.keys.
func (c *Context) persistRouterInfo() error {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	data, err := info.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cfg.DataDir, "router.info"), data, 0o644)
}

// Start binds both transports (when their ports are non-zero) and begins
// every background maintenance loop: NetDb load-from-disk, exploratory
// pool housekeeping, participant-table eviction, transport bandwidth
// sampling and idle-peer eviction, and periodic NetDb exploration.
func (c *Context) Start() error {
	if _, err := c.db.LoadFromDisk(); err != nil {
		c.log.WithError(err).Warn("netdb: partial load from disk")
	}
	if err := c.db.StoreRouterInfo(c.info); err != nil {
		return fmt.Errorf("router: storing own router info: %w", err)
	}
	if err := c.persistRouterInfo(); err != nil {
		c.log.WithError(err).Warn("router: could not persist router.info")
	}

	if c.cfg.NTCPPort != 0 {
		addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.NTCPPort)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("router: ntcp listen on %s: %w", addr, err)
		}
		go c.ntcpT.Serve(l)
	}
	if c.cfg.SSUPort != 0 {
		addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.SSUPort)
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("router: ssu listen on %s: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("router: ssu listen on %s: %w", addr, err)
		}
		go c.ssuT.Serve(conn)
	}

	c.wg.Add(1)
	go c.houseKeepLoop()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.explorer.Run(c.runCtx)
	}()

	c.log.WithFields(logrus.Fields{
		"hash":      fmt.Sprintf("%x", c.SelfHash().Bytes()[:8]),
		"floodfill": c.cfg.Floodfill,
	}).Info("router started")
	return nil
}

func (c *Context) houseKeepLoop() {
	defer c.wg.Done()
	t := time.NewTicker(houseKeepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case now := <-t.C:
			c.exploratory.Housekeep(now)
			c.table.EvictExpired(now)
			c.participant.EvictStaleForwards(now)
			c.pruneEndpoints(now)
			c.dispatcher.Sample(houseKeepInterval)
			c.dispatcher.EvictIdle(now)

			c.mu.Lock()
			dests := make([]*LocalDestination, 0, len(c.destinations))
			for _, d := range c.destinations {
				dests = append(dests, d)
			}
			c.mu.Unlock()
			for _, d := range dests {
				d.housekeep(now)
			}
		}
	}
}

// Stop signals every background loop to exit, closes both transports, and
// waits for shutdown to complete.
func (c *Context) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	var firstErr error
	if err := c.ntcpT.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.ssuT.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// OpenDestination creates (or returns the existing) LocalDestination for
// the given private signing/encryption key pair, starting its own tunnel
// pool against this Context's exploratory builder.
func (c *Context) OpenDestination(priv *crypto.ElGamalPrivateKey, signer crypto.Signer, verifier crypto.Verifier) (*LocalDestination, error) {
	pub, err := crypto.ElGamalPublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	identity, err := common.NewRouterIdentity(*pub, verifier)
	if err != nil {
		return nil, err
	}
	selfHash := identity.Hash()

	c.mu.Lock()
	if d, ok := c.destinations[selfHash]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	d := newLocalDestination(c, identity, priv, signer)

	c.mu.Lock()
	c.destinations[selfHash] = d
	c.mu.Unlock()

	return d, nil
}

// CloseDestination forgets a previously opened destination: it is no
// longer housekept or offered DeliveryStatus nonces. Its tunnels and
// streams are not torn down.
func (c *Context) CloseDestination(selfHash crypto.Hash) {
	c.mu.Lock()
	delete(c.destinations, selfHash)
	c.mu.Unlock()
}
