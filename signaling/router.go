// Package signaling implements the Signaling Router (spec.md §4.5): routes
// WebRTC offer/answer/ICE candidates via the rendezvous, routes Ping/
// RouteTest control signals via the DHT overlay once the node is
// DHT-ready, forwards multi-hop SIGNAL messages with TTL and
// signal_path loop prevention, learns DHT routes, and runs periodic route
// maintenance.
//
// Grounded on github.com/nmxmxh/inos_v1's kernel/core/mesh/routing/gossip.go
// SDP-relay handlers (handleSDPNotify/handleSDPRelay/handleICERelay) for the
// relay-vs-direct decision shape, and on transport/transport.go's
// RPC retry/backoff plumbing (math.Pow-based backoff, retry counters) for
// the per-peer attempt state machine.
package signaling

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/wire"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Sessions is the subset of session.Manager the router needs: which peers
// have an open data channel and sending raw bytes to them. A *session.
// Manager satisfies this directly.
type Sessions interface {
	Connected(peer id.NodeID) bool
	Send(peer id.NodeID, data []byte) error
	Peers() []id.NodeID
}

// Rendezvous is the subset of rendezvous.Client the router needs to deliver
// a signal via the bootstrap server.
type Rendezvous interface {
	Signal(target id.NodeID, sig wire.Signal) error
}

// Config bounds and periods for a Router (see config.Options for the
// authoritative defaults).
type Config struct {
	DHTSignalThreshold      int
	DHTCapablePeerCount     int
	DHTRouteRefreshInterval time.Duration
	SignalAttemptTimeout    time.Duration
	MaxConnectionRetries    int
	CooldownNeverConnected  time.Duration
	CooldownAfterConnected  time.Duration
	AggressiveRelayFanout   int
	DefaultRelayFanout      int
	DefaultSignalTTL        int
}

// Events the router fires as it observes inbound signals and peer traffic.
type Events struct {
	// OnDeliver fires when a SIGNAL addressed to the local node arrives,
	// carrying the original sender and the payload to hand to the session
	// manager.
	OnDeliver func(originalSender id.NodeID, sig wire.Signal)
}

// Router implements spec.md §4.5.
type Router struct {
	local      id.NodeID
	sessions   Sessions
	rendezvous Rendezvous
	cfg        Config
	events     Events
	logger     *slog.Logger

	mu                sync.Mutex
	dhtCapablePeers   map[id.NodeID]int // success_count per neighbor
	dhtReady          bool
	lastReadyChange   time.Time
	dhtRoutes         map[id.NodeID]id.NodeID // original_sender -> learned next hop
	connectedOnce     map[id.NodeID]bool
	breakers          map[id.NodeID]*gobreaker.CircuitBreaker
	aggressive        bool

	dedupMu  sync.Mutex
	dedup    *bloom.BloomFilter

	limiterMu sync.Mutex
	outLimit  *limiter.TokenBucket

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Router. sessions and rendezvous must both be non-nil.
func New(local id.NodeID, sessions Sessions, rendezvous Rendezvous, cfg Config, events Events, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DHTSignalThreshold <= 0 {
		cfg.DHTSignalThreshold = 2
	}
	if cfg.DHTCapablePeerCount <= 0 {
		cfg.DHTCapablePeerCount = 2
	}
	if cfg.DHTRouteRefreshInterval <= 0 {
		cfg.DHTRouteRefreshInterval = 15 * time.Second
	}
	if cfg.SignalAttemptTimeout <= 0 {
		cfg.SignalAttemptTimeout = 15 * time.Second
	}
	if cfg.MaxConnectionRetries <= 0 {
		cfg.MaxConnectionRetries = 5
	}
	if cfg.CooldownNeverConnected <= 0 {
		cfg.CooldownNeverConnected = 15 * time.Minute
	}
	if cfg.CooldownAfterConnected <= 0 {
		cfg.CooldownAfterConnected = 5 * time.Minute
	}
	if cfg.AggressiveRelayFanout <= 0 {
		cfg.AggressiveRelayFanout = 3
	}
	if cfg.DefaultRelayFanout <= 0 {
		cfg.DefaultRelayFanout = 2
	}
	if cfg.DefaultSignalTTL <= 0 {
		cfg.DefaultSignalTTL = 5
	}

	limiterStore := store.NewMemoryStore(time.Minute)
	tb, _ := limiter.NewTokenBucket(limiter.Config{
		Rate:     50,
		Duration: time.Second,
		Burst:    200,
	}, limiterStore)

	return &Router{
		local:           local,
		sessions:        sessions,
		rendezvous:      rendezvous,
		cfg:             cfg,
		events:          events,
		logger:          logger.With("component", "signaling"),
		dhtCapablePeers: make(map[id.NodeID]int),
		dhtRoutes:       make(map[id.NodeID]id.NodeID),
		connectedOnce:   make(map[id.NodeID]bool),
		breakers:        make(map[id.NodeID]*gobreaker.CircuitBreaker),
		dedup:           bloom.NewWithEstimates(100000, 0.01),
		outLimit:        tb,
		stopCh:          make(chan struct{}),
	}
}

// MarkConnected records that peer has completed at least one connection,
// used to pick the cooldown window on circuit-breaker trip (spec.md §4.5
// "5 min / 15 min if never connected").
func (r *Router) MarkConnected(peer id.NodeID) {
	r.mu.Lock()
	r.connectedOnce[peer] = true
	r.mu.Unlock()
}

// DHTReady reports the current DHT-readiness state (spec.md §4.5
// "DHT-readiness").
func (r *Router) DHTReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dhtReady
}

// Capable reports whether peer has demonstrated enough successful DHT
// relays to count as dht-capable (spec.md §4.6 "Peer-limit eviction"
// prefers evicting non-capable peers first).
func (r *Router) Capable(peer id.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dhtCapablePeers[peer] >= r.cfg.DHTSignalThreshold
}

// SetAggressive toggles aggressive relay fanout (R=3 instead of R=2).
func (r *Router) SetAggressive(aggressive bool) {
	r.mu.Lock()
	r.aggressive = aggressive
	r.mu.Unlock()
}

// SendSignal dispatches a locally-originated signal per the routing policy:
// Offer/Answer/IceCandidate always via rendezvous; Ping/RouteTest via the
// DHT overlay when dht_ready, otherwise via rendezvous (spec.md §4.5
// "Policy").
func (r *Router) SendSignal(target id.NodeID, sig wire.Signal) {
	if err := sig.Validate(); err != nil {
		r.logger.Debug("refusing to send invalid signal", "target", target.String(), "err", err)
		return
	}

	switch sig.Kind {
	case wire.SignalOffer, wire.SignalAnswer, wire.SignalIceCandidate:
		r.attempt(target, func() error { return r.rendezvous.Signal(target, sig) })
	case wire.SignalPing, wire.SignalRouteTest:
		if r.DHTReady() {
			r.originateViaDHT(target, sig)
			return
		}
		r.attempt(target, func() error { return r.rendezvous.Signal(target, sig) })
	}
}

// originateViaDHT builds a fresh SignalMsg for a locally-originated control
// signal and routes it (spec.md §4.5 "Forwarding").
func (r *Router) originateViaDHT(target id.NodeID, sig wire.Signal) {
	msg := wire.SignalMsg{
		Envelope:       wire.Envelope{Type: wire.TypeSignal, Sender: r.local.String()},
		Target:         target.String(),
		OriginalSender: r.local.String(),
		Signal:         sig,
		TTL:            r.cfg.DefaultSignalTTL,
		ViaDHT:         true,
		SignalPath:     nil,
	}
	r.route(msg)
}

// HandleInbound processes a SIGNAL message arriving over a data channel,
// either delivering it locally or continuing its forward per spec.md §4.5
// steps 1-6.
func (r *Router) HandleInbound(msg wire.SignalMsg) {
	r.route(msg)
}

func (r *Router) route(msg wire.SignalMsg) {
	for _, hop := range msg.SignalPath {
		if hop == r.local.String() {
			r.logger.Debug("dropping signal, loop detected", "path", msg.SignalPath)
			return
		}
	}

	if r.isDuplicate(msg) {
		return
	}

	msg.SignalPath = append(append([]string(nil), msg.SignalPath...), r.local.String())

	if msg.Target == r.local.String() {
		r.deliverLocal(msg)
		return
	}

	targetID, err := id.ParseHex(msg.Target)
	if err != nil {
		r.logger.Debug("signal has malformed target", "target", msg.Target, "err", err)
		return
	}

	if r.sessions.Connected(targetID) {
		msg.TTL--
		msg.ViaDHT = true
		r.sendRaw(targetID, msg)
		return
	}

	if msg.TTL <= 0 {
		r.logger.Debug("dropping signal, ttl exhausted", "target", msg.Target)
		return
	}

	relays := r.selectRelays(msg, targetID)
	if len(relays) == 0 {
		return
	}
	msg.TTL--
	msg.ViaDHT = true
	for _, relay := range relays {
		r.sendRaw(relay, msg)
	}
}

// deliverLocal hands an arrived signal to the session manager and performs
// route learning (spec.md §4.5 "Route learning").
func (r *Router) deliverLocal(msg wire.SignalMsg) {
	original, err := id.ParseHex(msg.OriginalSender)
	if err != nil {
		r.logger.Debug("signal has malformed original_sender", "value", msg.OriginalSender, "err", err)
		return
	}

	if r.events.OnDeliver != nil {
		r.events.OnDeliver(original, msg.Signal)
	}

	if msg.ViaDHT && len(msg.SignalPath) >= 2 {
		lastHop := msg.SignalPath[len(msg.SignalPath)-2]
		hopID, err := id.ParseHex(lastHop)
		if err == nil {
			r.learnRoute(original, hopID)
		}
	}
}

// learnRoute records next-hop for original and credits the relaying
// neighbor's DHT-capability score (spec.md §4.5 "Route learning").
func (r *Router) learnRoute(original, nextHop id.NodeID) {
	r.mu.Lock()
	r.dhtRoutes[original] = nextHop
	r.dhtCapablePeers[nextHop]++
	r.recomputeReadiness()
	r.mu.Unlock()
}

// recomputeReadiness re-derives dht_ready under the 5-second hysteresis
// rule. Caller must hold r.mu.
func (r *Router) recomputeReadiness() {
	capable := 0
	for _, count := range r.dhtCapablePeers {
		if count >= r.cfg.DHTSignalThreshold {
			capable++
		}
	}
	wantReady := capable >= r.cfg.DHTCapablePeerCount
	if wantReady == r.dhtReady {
		return
	}
	if time.Since(r.lastReadyChange) < 5*time.Second {
		return
	}
	r.dhtReady = wantReady
	r.lastReadyChange = time.Now()
}

// selectRelays picks up to R connected peers to forward toward target,
// excluding signal_path/sender/original_sender/target/self, closest first
// by XOR distance, preferring DHT-capable peers (spec.md §4.5 step 5).
func (r *Router) selectRelays(msg wire.SignalMsg, target id.NodeID) []id.NodeID {
	excluded := map[string]struct{}{
		msg.Sender:         {},
		msg.OriginalSender: {},
		msg.Target:         {},
		r.local.String():   {},
	}
	for _, hop := range msg.SignalPath {
		excluded[hop] = struct{}{}
	}

	r.mu.Lock()
	aggressive := r.aggressive
	capable := make(map[id.NodeID]int, len(r.dhtCapablePeers))
	for k, v := range r.dhtCapablePeers {
		capable[k] = v
	}
	r.mu.Unlock()

	fanout := r.cfg.DefaultRelayFanout
	if aggressive {
		fanout = r.cfg.AggressiveRelayFanout
	}

	var candidates []id.NodeID
	for _, p := range r.sessions.Peers() {
		if _, skip := excluded[p.String()]; skip {
			continue
		}
		if !r.sessions.Connected(p) {
			continue
		}
		candidates = append(candidates, p)
	}

	sortByDistanceCapabilityFirst(candidates, target, capable)

	if len(candidates) > fanout {
		candidates = candidates[:fanout]
	}
	return candidates
}

func sortByDistanceCapabilityFirst(peers []id.NodeID, target id.NodeID, capable map[id.NodeID]int) {
	less := func(i, j int) bool {
		ci, cj := capable[peers[i]] > 0, capable[peers[j]] > 0
		if ci != cj {
			return ci // capable peers sort first
		}
		di, dj := id.Distance(peers[i], target), id.Distance(peers[j], target)
		return id.Compare(di, dj) < 0
	}
	bubbleSort(peers, less)
}

// bubbleSort avoids pulling in sort.Slice for a handful of relay
// candidates while keeping the comparator inline and readable.
func bubbleSort(peers []id.NodeID, less func(i, j int) bool) {
	for i := 0; i < len(peers); i++ {
		for j := 0; j < len(peers)-i-1; j++ {
			if !less(j, j+1) && less(j+1, j) {
				peers[j], peers[j+1] = peers[j+1], peers[j]
			}
		}
	}
}

// isDuplicate reports whether msg's (original_sender, target, signal kind,
// payload) tuple was already forwarded recently, per the bloom dedup cache
// (SPEC_FULL.md §5a). It is a fast-path cache only; signal_path remains the
// authoritative loop guard.
func (r *Router) isDuplicate(msg wire.SignalMsg) bool {
	key := dedupKey(msg)
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	if r.dedup.Test(key) {
		return true
	}
	r.dedup.Add(key)
	return false
}

func dedupKey(msg wire.SignalMsg) []byte {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s", msg.OriginalSender, msg.Target, msg.Signal.Kind)
	if msg.Signal.SDP != nil {
		fmt.Fprint(h, msg.Signal.SDP.SDP)
	}
	if msg.Signal.Candidate != nil {
		fmt.Fprint(h, msg.Signal.Candidate.Candidate)
	}
	return h.Sum(nil)
}

// sendRaw rate-limits and circuit-breaks a forward/delivery send to peer.
func (r *Router) sendRaw(peer id.NodeID, msg wire.SignalMsg) {
	r.limiterMu.Lock()
	allowed := r.outLimit.Allow(peer.String())
	r.limiterMu.Unlock()
	if !allowed {
		r.logger.Debug("outbound signal rate-limited", "peer", peer.String())
		return
	}

	data, err := marshalSignalMsg(msg)
	if err != nil {
		r.logger.Debug("failed to marshal signal message", "err", err)
		return
	}

	breaker := r.breakerFor(peer)
	_, err = breaker.Execute(func() (interface{}, error) {
		return nil, r.sessions.Send(peer, data)
	})
	if err != nil {
		r.logger.Debug("signal forward failed", "peer", peer.String(), "err", err)
	}
}

// breakerFor returns (creating if necessary) the per-peer circuit breaker
// implementing the retry/cooldown state machine (SPEC_FULL.md §5b).
func (r *Router) breakerFor(peer id.NodeID) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[peer]; ok {
		return b
	}

	cooldown := r.cfg.CooldownNeverConnected
	if r.connectedOnce[peer] {
		cooldown = r.cfg.CooldownAfterConnected
	}
	maxRetries := uint32(r.cfg.MaxConnectionRetries)

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        peer.String(),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxRetries
		},
	})
	r.breakers[peer] = b
	return b
}

// attempt runs send with retry, exponential backoff and 30% jitter
// (spec.md §4.5 "State machine per pending outbound signal"), stopping
// early once the peer's breaker trips open (the cooldown window).
func (r *Router) attempt(target id.NodeID, send func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		breaker := r.breakerFor(target)

		for retries := 0; retries < r.cfg.MaxConnectionRetries; retries++ {
			_, err := breaker.Execute(func() (interface{}, error) { return nil, send() })
			if err == nil {
				return
			}
			if err == gobreaker.ErrOpenState {
				return // already cooling down
			}

			backoff := backoffWithJitter(retries + 1)
			select {
			case <-time.After(backoff):
			case <-r.stopCh:
				return
			}
		}
	}()
}

// backoffWithJitter computes min(30s, 1s*2^retries) * (0.7 + 0.6*rand())
// (spec.md §4.5).
func backoffWithJitter(retries int) time.Duration {
	base := time.Duration(math.Min(30, math.Pow(2, float64(retries)))) * time.Second
	jitter := 0.7 + 0.6*rand.Float64()
	return time.Duration(float64(base) * jitter)
}

// StartMaintenance launches the periodic route-maintenance loop (spec.md
// §4.5 "Periodic route maintenance").
func (r *Router) StartMaintenance() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.DHTRouteRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.maintainRoutes()
			}
		}
	}()
}

// maintainRoutes sends a RouteTest toward each connected peer the local
// node has no learned dht_routes entry for yet. The full pairwise
// A/B-connection-count comparison spec.md describes requires visibility
// into a remote peer's own connection count, which a single node's router
// does not have; this node-local approximation (probe any connected peer
// missing a route) achieves the same goal — discovering/refreshing DHT
// paths — without that cross-node information (documented as an Open
// Question resolution).
func (r *Router) maintainRoutes() {
	for _, p := range r.sessions.Peers() {
		r.mu.Lock()
		_, known := r.dhtRoutes[p]
		r.mu.Unlock()
		if known {
			continue
		}
		r.SendSignal(p, wire.Signal{Kind: wire.SignalRouteTest})
	}
}

// Stop halts background goroutines (attempts in flight, route maintenance).
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func marshalSignalMsg(msg wire.SignalMsg) ([]byte, error) {
	return json.Marshal(msg)
}
