// Package session implements the Peer Session Manager (spec.md §4.6): the
// live set of WebRTC sessions keyed by remote node id, connection setup
// driven by inbound/outbound signals, peer-limit eviction, and the
// connected/data/close/error event set.
//
// Grounded on github.com/nmxmxh/inos_v1's kernel/core/mesh/transport/
// transport.go (connectViaWebRTC's OnICECandidate/OnConnectionStateChange
// wiring and its background-goroutine lifecycle), narrowed to the spec's
// simpler gathering/connecting/connected/closed/failed state machine and
// the spec's "data channel is an opaque transport" framing rather than the
// teacher's full connection-pool/metrics/RPC-correlation machinery.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/wire"
	"github.com/draeder/webdht-sub000/werrors"
	"github.com/pion/webrtc/v3"
)

// State is a session's position in the connection lifecycle
// (spec.md §4.6 "Session states").
type State int

const (
	Gathering State = iota
	Connecting
	Connected
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Gathering:
		return "gathering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role is which side of a session initiated the offer.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Session is one peer's WebRTC connection and its negotiation state.
type Session struct {
	PeerID    id.NodeID
	Role      Role
	CreatedAt time.Time

	mu             sync.Mutex
	state          State
	lastActivityAt time.Time
	pc             PeerConnection
	dc             DataChannel
	pendingICE     []webrtc.ICECandidateInit // queued until remote description is set
	remoteDescSet  bool
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// Send writes data over the session's data channel. Returns an error if the
// session is not yet connected.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	st := s.state
	s.mu.Unlock()
	if st != Connected || dc == nil {
		return werrors.New(werrors.KindNotConnected, "session not connected").WithContext("peer", s.PeerID.String())
	}
	return dc.Send(data)
}

// Events is the set of callbacks a Manager invokes as sessions progress.
// Each is optional; nil entries are simply not called.
type Events struct {
	// OnConnected fires once a session's data channel opens.
	OnConnected func(peer id.NodeID)
	// OnData fires for every inbound data-channel message.
	OnData func(peer id.NodeID, data []byte)
	// OnClose fires when a session's data channel or peer connection closes.
	OnClose func(peer id.NodeID)
	// OnError fires on a session failure (negotiation or transport).
	OnError func(peer id.NodeID, err error)
	// OnSignalOut fires when a session produces a signal (offer, answer, or
	// ICE candidate) that must be delivered to the peer out of band, via
	// rendezvous or DHT forwarding (spec.md §4.5).
	OnSignalOut func(peer id.NodeID, sig wire.Signal)
	// OnLimitReached fires when Connect or an inbound offer is refused
	// because the peer table is full and no eviction candidate qualifies
	// (spec.md §4.6).
	OnLimitReached func(peer id.NodeID)
}

// Manager owns the live set of peer Sessions.
type Manager struct {
	local      id.NodeID
	factory    PeerConnectionFactory
	maxPeers   int
	dhtCapable func(id.NodeID) bool
	events     Events
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[id.NodeID]*Session
}

// NewManager creates a session Manager. dhtCapable classifies a peer as
// DHT-capable for eviction preference (spec.md §4.6 "Peer-limit eviction");
// a nil dhtCapable treats every peer as non-capable.
func NewManager(local id.NodeID, factory PeerConnectionFactory, maxPeers int, dhtCapable func(id.NodeID) bool, events Events, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if dhtCapable == nil {
		dhtCapable = func(id.NodeID) bool { return false }
	}
	return &Manager{
		local:      local,
		factory:    factory,
		maxPeers:   maxPeers,
		dhtCapable: dhtCapable,
		events:     events,
		logger:     logger.With("component", "session"),
		sessions:   make(map[id.NodeID]*Session),
	}
}

// Get returns the current session for a peer, if any.
func (m *Manager) Get(peer id.NodeID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// Connected reports whether peer currently has an open, connected session.
// Satisfies the subset of Manager the signaling router depends on.
func (m *Manager) Connected(peer id.NodeID) bool {
	sess, ok := m.Get(peer)
	if !ok {
		return false
	}
	return sess.State() == Connected
}

// Peers returns the ids of all currently tracked sessions.
func (m *Manager) Peers() []id.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]id.NodeID, 0, len(m.sessions))
	for p := range m.sessions {
		out = append(out, p)
	}
	return out
}

// Connect initiates (or returns the existing) session with peer. Initiator
// role is decided lexicographically so both sides agree without
// coordination (spec.md §4.6 "Initiator selection").
func (m *Manager) Connect(ctx context.Context, peer id.NodeID) (*Session, error) {
	if existing, ok := m.Get(peer); ok {
		return existing, nil
	}

	if err := m.admit(peer); err != nil {
		return nil, err
	}

	role := Responder
	if id.Less(m.local, peer) {
		role = Initiator
	}

	sess, err := m.newSession(peer, role)
	if err != nil {
		return nil, err
	}

	if role == Initiator {
		if err := m.beginOffer(sess); err != nil {
			m.fail(sess, err)
			return nil, err
		}
	}

	return sess, nil
}

// admit enforces MaxPeers, evicting the least valuable existing session if
// the table is full. Returns an error if no session is evictable.
func (m *Manager) admit(peer id.NodeID) error {
	if m.maxPeers <= 0 {
		return nil
	}

	m.mu.Lock()
	full := len(m.sessions) >= m.maxPeers
	m.mu.Unlock()
	if !full {
		return nil
	}

	victim, ok := m.evictionCandidate(peer)
	if !ok {
		if m.events.OnLimitReached != nil {
			m.events.OnLimitReached(peer)
		}
		return werrors.PeerLimit(peer.String())
	}

	m.Disconnect(victim)
	return nil
}

// evictionCandidate picks the furthest session from the local id, preferring
// non-DHT-capable sessions for eviction over DHT-capable ones regardless of
// distance, then accepts newPeer in its place only if newPeer is itself
// closer to the local id than that furthest session (spec.md §4.6: "if the
// incoming peer is closer than furthest, evict furthest, else reject with
// PeerLimitReached").
func (m *Manager) evictionCandidate(newPeer id.NodeID) (id.NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var victim id.NodeID
	var victimDist id.NodeID
	haveVictim := false
	victimCapable := true

	for p := range m.sessions {
		capable := m.dhtCapable(p)
		d := id.Distance(p, m.local)

		if !haveVictim {
			victim, victimDist, victimCapable, haveVictim = p, d, capable, true
			continue
		}
		// Prefer evicting a non-capable peer over a capable one.
		if victimCapable && !capable {
			victim, victimDist, victimCapable = p, d, capable
			continue
		}
		if capable != victimCapable {
			continue // victimCapable already false and capable true: keep current victim
		}
		if id.Compare(d, victimDist) > 0 {
			victim, victimDist = p, d
		}
	}

	if !haveVictim {
		return id.NodeID{}, false
	}
	if id.Compare(id.Distance(newPeer, m.local), victimDist) >= 0 {
		return id.NodeID{}, false
	}
	return victim, true
}

func (m *Manager) newSession(peer id.NodeID, role Role) (*Session, error) {
	pc, err := m.factory.New()
	if err != nil {
		return nil, werrors.Wrap(werrors.KindTransport, "create peer connection", err).WithContext("peer", peer.String())
	}

	sess := &Session{
		PeerID:         peer,
		Role:           role,
		CreatedAt:      time.Now(),
		state:          Gathering,
		lastActivityAt: time.Now(),
		pc:             pc,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil || m.events.OnSignalOut == nil {
			return
		}
		m.events.OnSignalOut(peer, wire.Signal{Kind: wire.SignalIceCandidate, Candidate: c})
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			m.fail(sess, werrors.New(werrors.KindTransport, "peer connection "+st.String()))
		case webrtc.PeerConnectionStateClosed:
			m.closeAndRemove(sess)
		}
	})

	if role == Responder {
		pc.OnDataChannel(func(dc DataChannel) {
			m.bindDataChannel(sess, dc)
		})
	}

	m.mu.Lock()
	m.sessions[peer] = sess
	m.mu.Unlock()

	return sess, nil
}

func (m *Manager) bindDataChannel(sess *Session, dc DataChannel) {
	sess.mu.Lock()
	sess.dc = dc
	sess.mu.Unlock()

	dc.OnOpen(func() {
		sess.setState(Connected)
		if m.events.OnConnected != nil {
			m.events.OnConnected(sess.PeerID)
		}
	})
	dc.OnMessage(func(data []byte) {
		sess.mu.Lock()
		sess.lastActivityAt = time.Now()
		sess.mu.Unlock()
		if m.events.OnData != nil {
			m.events.OnData(sess.PeerID, data)
		}
	})
	dc.OnClose(func() {
		m.closeAndRemove(sess)
	})
}

// beginOffer creates the local data channel, produces an offer, and emits
// it as an outbound signal (spec.md §4.6 "Initiator: create data channel,
// offer").
func (m *Manager) beginOffer(sess *Session) error {
	sess.mu.Lock()
	pc := sess.pc
	sess.mu.Unlock()

	dc, err := pc.CreateDataChannel("dht")
	if err != nil {
		return werrors.Wrap(werrors.KindTransport, "create data channel", err)
	}
	m.bindDataChannel(sess, dc)

	sess.setState(Connecting)

	offer, err := pc.CreateOffer()
	if err != nil {
		return werrors.Wrap(werrors.KindTransport, "create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return werrors.Wrap(werrors.KindTransport, "set local description", err)
	}
	if m.events.OnSignalOut != nil {
		m.events.OnSignalOut(sess.PeerID, wire.Signal{Kind: wire.SignalOffer, SDP: &offer})
	}
	return nil
}

// Signal processes an inbound signal from peer, creating a responder
// session on first contact (spec.md §4.5 "signal delivery").
func (m *Manager) Signal(peer id.NodeID, sig wire.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	sess, ok := m.Get(peer)
	if !ok {
		if sig.Kind != wire.SignalOffer {
			return werrors.New(werrors.KindInvalidInput, "signal for unknown session").WithContext("peer", peer.String()).WithContext("kind", string(sig.Kind))
		}
		if err := m.admit(peer); err != nil {
			return err
		}
		created, err := m.newSession(peer, Responder)
		if err != nil {
			return err
		}
		sess = created
	}

	switch sig.Kind {
	case wire.SignalOffer:
		return m.handleOffer(sess, sig)
	case wire.SignalAnswer:
		return m.handleAnswer(sess, sig)
	case wire.SignalIceCandidate:
		return m.handleICE(sess, sig)
	default:
		return nil // PING/ROUTE_TEST are handled by the signaling router, not sessions
	}
}

func (m *Manager) handleOffer(sess *Session, sig wire.Signal) error {
	sess.mu.Lock()
	pc := sess.pc
	sess.mu.Unlock()

	if err := pc.SetRemoteDescription(*sig.SDP); err != nil {
		return werrors.Wrap(werrors.KindTransport, "set remote description", err)
	}
	sess.setState(Connecting)
	m.flushPendingICE(sess)

	answer, err := pc.CreateAnswer()
	if err != nil {
		return werrors.Wrap(werrors.KindTransport, "create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return werrors.Wrap(werrors.KindTransport, "set local description", err)
	}
	if m.events.OnSignalOut != nil {
		m.events.OnSignalOut(sess.PeerID, wire.Signal{Kind: wire.SignalAnswer, SDP: &answer})
	}
	return nil
}

func (m *Manager) handleAnswer(sess *Session, sig wire.Signal) error {
	sess.mu.Lock()
	pc := sess.pc
	sess.mu.Unlock()

	if err := pc.SetRemoteDescription(*sig.SDP); err != nil {
		return werrors.Wrap(werrors.KindTransport, "set remote description", err)
	}
	m.flushPendingICE(sess)
	return nil
}

func (m *Manager) handleICE(sess *Session, sig wire.Signal) error {
	sess.mu.Lock()
	pc := sess.pc
	remoteSet := sess.remoteDescSet
	sess.mu.Unlock()

	if !remoteSet {
		// Remote description not yet set (offer/answer still in flight);
		// queue until it is.
		sess.mu.Lock()
		sess.pendingICE = append(sess.pendingICE, *sig.Candidate)
		sess.mu.Unlock()
		return nil
	}
	return pc.AddICECandidate(*sig.Candidate)
}

func (m *Manager) flushPendingICE(sess *Session) {
	sess.mu.Lock()
	pending := sess.pendingICE
	sess.pendingICE = nil
	sess.remoteDescSet = true
	pc := sess.pc
	sess.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			m.logger.Debug("queued ice candidate rejected", "peer", sess.PeerID.String(), "err", err)
		}
	}
}

func (m *Manager) fail(sess *Session, err error) {
	sess.setState(Failed)
	if m.events.OnError != nil {
		m.events.OnError(sess.PeerID, err)
	}
	m.closeAndRemove(sess)
}

func (m *Manager) closeAndRemove(sess *Session) {
	m.mu.Lock()
	_, existed := m.sessions[sess.PeerID]
	delete(m.sessions, sess.PeerID)
	m.mu.Unlock()

	if !existed {
		return
	}

	already := sess.State() == Closed
	sess.setState(Closed)

	sess.mu.Lock()
	pc := sess.pc
	sess.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}

	if !already && m.events.OnClose != nil {
		m.events.OnClose(sess.PeerID)
	}
}

// Disconnect tears down and removes peer's session, if any.
func (m *Manager) Disconnect(peer id.NodeID) {
	sess, ok := m.Get(peer)
	if !ok {
		return
	}
	m.closeAndRemove(sess)
}

// Send writes data to peer's session, returning werrors.KindNotConnected if
// there is none.
func (m *Manager) Send(peer id.NodeID, data []byte) error {
	sess, ok := m.Get(peer)
	if !ok {
		return werrors.New(werrors.KindNotConnected, "no session").WithContext("peer", peer.String())
	}
	return sess.Send(data)
}

// Close tears down every session (spec.md §4.6, node shutdown).
func (m *Manager) Close() {
	for _, p := range m.Peers() {
		m.Disconnect(p)
	}
}
