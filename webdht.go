// Package webdht wires the routing table, lookup engine, storage engine,
// signaling router, peer session manager and rendezvous transport into a
// single Node (spec.md §6.3), the system's public API.
//
// Grounded on the teacher's kernel/core/mesh/api.go (thin facade exposing
// a handful of verbs over an internal coordinator) and mesh_coordinator.go
// (NewMeshCoordinator's subsystem construction order, Start/Stop lifecycle,
// background goroutines dispatched with a detached context so they survive
// a caller's cancelled request context), narrowed to spec.md §6.3's closed
// method and event set.
package webdht

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/draeder/webdht-sub000/config"
	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/lookup"
	"github.com/draeder/webdht-sub000/rendezvous"
	"github.com/draeder/webdht-sub000/routing"
	"github.com/draeder/webdht-sub000/session"
	"github.com/draeder/webdht-sub000/signaling"
	"github.com/draeder/webdht-sub000/store"
	"github.com/draeder/webdht-sub000/werrors"
	"github.com/draeder/webdht-sub000/wire"
)

// Node is one DHT participant: routing table, lookup engine, storage
// engine, session manager, signaling router and rendezvous clients, wired
// together per spec.md §2's component diagram.
type Node struct {
	local  id.NodeID
	opts   config.Options
	logger *slog.Logger

	table   *routing.Table
	lookupE *lookup.Engine
	storeE  *store.Store
	rpc     *peerRPC
	sessMgr *session.Manager
	router  *signaling.Router
	rvs     []*rendezvous.Client

	events eventRegistry

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	bgWG   sync.WaitGroup
}

// New constructs and starts a Node: generates a local id, wires every
// component, dials any configured bootstrap rendezvous servers, and starts
// the replication/route-maintenance background loops. The only Fatal
// condition (spec.md §7) is the platform CSPRNG being unavailable when
// generating the local id.
func New(opts config.Options, logger *slog.Logger) (*Node, error) {
	return newNode(opts, logger, session.NewDefaultFactory(session.DefaultICEServers))
}

// newNode is New's implementation, parameterized over the session factory so
// tests can substitute a fake PeerConnectionFactory and drive a Node without
// real ICE/STUN activity (grounded on session.NewManager's own factory
// injection seam).
func newNode(opts config.Options, logger *slog.Logger, factory session.PeerConnectionFactory) (node *Node, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	defer func() {
		if r := recover(); r != nil {
			node = nil
			err = werrors.Wrap(werrors.KindFatal, "failed to initialize node identifier", asError(r))
		}
	}()

	local := id.Random()
	logger = logger.With("component", "webdht", "node_id", local.String()[:8])

	n := &Node{
		local:  local,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	n.table = routing.New(local, opts.K, logger)

	// sessMgr's dhtCapable callback and rpc's signal handler both reference
	// components constructed later; predeclare them so the closures below
	// close over the eventual values (all assignment happens before any
	// goroutine can observe them, matching the teacher's pattern of wiring
	// a coordinator's subsystems sequentially in its constructor).
	var router *signaling.Router
	var rpc *peerRPC

	sessionEvents := session.Events{
		OnConnected: func(peer id.NodeID) {
			n.handlePeerConnected(peer)
		},
		OnData: func(peer id.NodeID, data []byte) {
			if rpc != nil {
				rpc.HandleInbound(peer, data)
			}
		},
		OnClose: func(peer id.NodeID) {
			n.emitPeerDisconnect(peer, "closed")
		},
		OnError: func(peer id.NodeID, cause error) {
			n.emitPeerError(peer, cause)
		},
		OnSignalOut: func(peer id.NodeID, sig wire.Signal) {
			if router != nil {
				router.SendSignal(peer, sig)
			}
		},
		OnLimitReached: func(peer id.NodeID) {
			n.emitPeerLimitReached(peer)
		},
	}

	dhtCapable := func(peer id.NodeID) bool {
		if router == nil {
			return false
		}
		return router.Capable(peer)
	}
	n.sessMgr = session.NewManager(local, factory, opts.MaxPeers, dhtCapable, sessionEvents, logger)

	rpc = newPeerRPC(local, n.sessMgr, n.table, nil, logger)
	n.rpc = rpc

	n.lookupE = lookup.New(local, n.table, rpc, opts.K, opts.Alpha, opts.LookupTimeout, logger)

	storeCfg := store.Config{
		MaxStoreSize:           opts.MaxStoreSize,
		MaxKeySize:             opts.MaxKeySize,
		MaxValueSize:           opts.MaxValueSize,
		ReplicateInterval:      opts.ReplicateInterval,
		RepublishInterval:      opts.RepublishInterval,
		CompressValueThreshold: opts.CompressValueThreshold,
	}
	n.storeE = store.New(storeCfg, n.lookupE, rpc, logger)
	rpc.setStore(n.storeE)

	routerCfg := signaling.Config{
		DHTSignalThreshold:      opts.DHTSignalThreshold,
		DHTCapablePeerCount:     opts.DHTCapablePeerCount,
		DHTRouteRefreshInterval: opts.DHTRouteRefreshInterval,
		SignalAttemptTimeout:    opts.SignalAttemptTimeout,
		MaxConnectionRetries:    opts.MaxConnectionRetries,
		CooldownNeverConnected:  opts.CooldownNeverConnected,
		CooldownAfterConnected:  opts.CooldownAfterConnected,
		AggressiveRelayFanout:   opts.AggressiveRelayFanout,
		DefaultRelayFanout:      opts.DefaultRelayFanout,
		DefaultSignalTTL:        opts.DefaultSignalTTL,
	}
	router = signaling.New(local, n.sessMgr, &multiRendezvous{node: n}, routerCfg, signaling.Events{
		OnDeliver: func(from id.NodeID, sig wire.Signal) {
			n.handleInboundSignal(from, sig, true)
		},
	}, logger)
	n.router = router
	rpc.signal = router

	for _, addr := range opts.BootstrapAddrs {
		n.addRendezvous(addr)
	}

	n.storeE.StartScheduler(context.Background())
	n.router.StartMaintenance()

	n.emitReady()

	return n, nil
}

func asError(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return werrors.New(werrors.KindFatal, "panic during initialization")
}

// multiRendezvous satisfies signaling.Rendezvous by trying every configured
// rendezvous client in turn; spec.md §4.5 treats "the rendezvous" as one
// logical always-available relay even though a node may be bootstrapped
// against more than one address.
type multiRendezvous struct{ node *Node }

func (m *multiRendezvous) Signal(target id.NodeID, sig wire.Signal) error {
	m.node.mu.Lock()
	clients := append([]*rendezvous.Client{}, m.node.rvs...)
	m.node.mu.Unlock()

	if len(clients) == 0 {
		return werrors.New(werrors.KindNotReady, "no rendezvous configured")
	}
	var lastErr error
	for _, c := range clients {
		if err := c.Signal(target, sig); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (n *Node) addRendezvous(addr string) {
	c := rendezvous.New(n.local, addr, rendezvous.Events{
		OnPeerList: func(peers []id.NodeID) {
			n.handlePeerList(peers)
		},
		OnSignal: func(from id.NodeID, sig wire.Signal) {
			n.handleInboundSignal(from, sig, false)
		},
		OnDisconnect: func(err error) {
			n.logger.Debug("rendezvous disconnected", "addr", addr, "err", err)
			n.bgWG.Add(1)
			go func() {
				defer n.bgWG.Done()
				c.Reconnect(n.stopCh, time.Second, 30*time.Second)
			}()
		},
	}, n.logger)

	if err := c.Connect(); err != nil {
		n.logger.Debug("initial rendezvous connect failed, will retry", "addr", addr, "err", err)
		n.bgWG.Add(1)
		go func() {
			defer n.bgWG.Done()
			c.Reconnect(n.stopCh, time.Second, 30*time.Second)
		}()
	}

	n.mu.Lock()
	n.rvs = append(n.rvs, c)
	n.mu.Unlock()
}

// handlePeerList reacts to a rendezvous PEER_LIST broadcast by connecting
// to any advertised peer not already known (spec.md §2 "bootstrap peer
// discovery"); an Open Question resolution, since spec.md specifies the
// wire shape of PEER_LIST but not the client's reaction to it.
func (n *Node) handlePeerList(peers []id.NodeID) {
	for _, p := range peers {
		if _, exists := n.sessMgr.Get(p); exists {
			continue
		}
		peer := p
		n.bgWG.Add(1)
		go func() {
			defer n.bgWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := n.sessMgr.Connect(ctx, peer); err != nil {
				n.logger.Debug("bootstrap connect failed", "peer", peer.String(), "err", err)
			}
		}()
	}
}

func (n *Node) handlePeerConnected(peer id.NodeID) {
	n.table.Add(routing.Peer{ID: peer, LastSeen: time.Now()})
	n.router.MarkConnected(peer)
	n.rpc.sendPing(peer)

	n.bgWG.Add(1)
	go func() {
		defer n.bgWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
		defer cancel()
		n.storeE.OnPeerConnected(ctx, peer)
	}()

	n.emitPeerConnect(peer)
}

// handleInboundSignal feeds an inbound signal (arrived via rendezvous or
// DHT forwarding) into the session manager and fires the signal event.
func (n *Node) handleInboundSignal(from id.NodeID, sig wire.Signal, viaDHT bool) {
	n.emitSignal(from, sig, viaDHT)
	if err := n.sessMgr.Signal(from, sig); err != nil {
		n.logger.Debug("inbound signal rejected", "from", from.String(), "err", err)
	}
}

// Connect initiates (or returns the existing) WebRTC session with peer
// (spec.md §6.3 "connect(peer_id) -> Session").
func (n *Node) Connect(ctx context.Context, peer id.NodeID) (*session.Session, error) {
	return n.sessMgr.Connect(ctx, peer)
}

// Signal pushes an inbound signal from any external source into the node
// (spec.md §6.3 "signal({id, signal, via_dht})"). The built-in rendezvous
// and DHT-forwarding paths feed the same internal handler directly; Signal
// is exported so a host may also carry signals over a channel this module
// does not itself own. Only a signal that fails validation is returned as
// an error; a peer refused at the peer limit is reported through the
// peer:limit_reached event instead.
func (n *Node) Signal(peer id.NodeID, sig wire.Signal, viaDHT bool) error {
	if err := sig.Validate(); err != nil {
		return werrors.Wrap(werrors.KindSignalValidation, "invalid signal", err)
	}
	n.handleInboundSignal(peer, sig, viaDHT)
	return nil
}

// Put stores value under key locally and best-effort replicates it to the
// K closest peers (spec.md §6.3 "put(key, value) -> bool").
func (n *Node) Put(ctx context.Context, key string, value []byte) (bool, error) {
	return n.storeE.Put(ctx, key, value)
}

// Get returns the value for key, falling back to an iterative FIND_VALUE
// lookup (spec.md §6.3 "get(key) -> bytes | null").
func (n *Node) Get(ctx context.Context, key string) ([]byte, bool) {
	return n.storeE.Get(ctx, key, func(ctx context.Context, keyHash id.NodeID) ([]byte, bool) {
		return n.lookupE.FindValue(ctx, keyHash)
	})
}

// LocalID returns the node's own identifier.
func (n *Node) LocalID() id.NodeID { return n.local }

// Connected reports whether peer currently has a live session.
func (n *Node) Connected(peer id.NodeID) bool { return n.sessMgr.Connected(peer) }

// Peers returns the ids of every peer with a live or in-progress session.
func (n *Node) Peers() []id.NodeID { return n.sessMgr.Peers() }

// Close tears down every session, stops background loops, and disconnects
// from the rendezvous (spec.md §6.3 "close()").
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	rvs := append([]*rendezvous.Client{}, n.rvs...)
	n.mu.Unlock()

	close(n.stopCh)
	n.router.Stop()
	n.storeE.Stop()
	n.sessMgr.Close()
	for _, c := range rvs {
		_ = c.Close()
	}
	n.bgWG.Wait()
}
