package session

import (
	"sync"
	"testing"

	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/wire"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDataChannel is an in-memory DataChannel that loops Send back out
// through a test-controlled peer, avoiding any real SCTP/ICE activity.
type fakeDataChannel struct {
	mu       sync.Mutex
	onOpen   func()
	onMsg    func([]byte)
	onClose  func()
	sent     [][]byte
	closed   bool
}

func (d *fakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, append([]byte(nil), data...))
	return nil
}
func (d *fakeDataChannel) OnMessage(fn func([]byte)) { d.onMsg = fn }
func (d *fakeDataChannel) OnOpen(fn func())          { d.onOpen = fn }
func (d *fakeDataChannel) OnClose(fn func())         { d.onClose = fn }
func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	if d.onClose != nil {
		d.onClose()
	}
	return nil
}

func (d *fakeDataChannel) open() {
	if d.onOpen != nil {
		d.onOpen()
	}
}

func (d *fakeDataChannel) deliver(data []byte) {
	if d.onMsg != nil {
		d.onMsg(data)
	}
}

// fakePeerConnection fulfils PeerConnection without any real negotiation;
// CreateOffer/CreateAnswer return placeholder descriptions so Manager's
// bookkeeping can be tested independent of real SDP content.
type fakePeerConnection struct {
	mu         sync.Mutex
	dc         *fakeDataChannel
	onICE      func(*webrtc.ICECandidateInit)
	onDC       func(DataChannel)
	onState    func(webrtc.PeerConnectionState)
	closed     bool
	iceQueued  []webrtc.ICECandidateInit
	remoteSet  bool
}

func (p *fakePeerConnection) CreateDataChannel(label string) (DataChannel, error) {
	dc := &fakeDataChannel{}
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
	return dc, nil
}
func (p *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remoteSet = true
	p.mu.Unlock()
	return nil
}
func (p *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error { return nil }
func (p *fakePeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}
func (p *fakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}
func (p *fakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.iceQueued = append(p.iceQueued, c)
	p.mu.Unlock()
	return nil
}
func (p *fakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) { p.onICE = fn }
func (p *fakePeerConnection) OnDataChannel(fn func(DataChannel))              { p.onDC = fn }
func (p *fakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.onState = fn
}
func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// deliverDataChannel simulates the remote side opening a data channel onto
// a responder's peer connection.
func (p *fakePeerConnection) deliverDataChannel(dc *fakeDataChannel) {
	if p.onDC != nil {
		p.onDC(dc)
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakePeerConnection
}

func (f *fakeFactory) New() (PeerConnection, error) {
	pc := &fakePeerConnection{}
	f.mu.Lock()
	f.conns = append(f.conns, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func TestConnectInitiatorSelectionIsLexicographic(t *testing.T) {
	low := id.NodeID{}
	high := id.NodeID{}
	high[0] = 0xFF

	factory := &fakeFactory{}
	var signals []wire.Signal
	mgr := NewManager(low, factory, 0, nil, Events{
		OnSignalOut: func(peer id.NodeID, sig wire.Signal) { signals = append(signals, sig) },
	}, nil)

	sess, err := mgr.Connect(nil, high)
	require.NoError(t, err)
	assert.Equal(t, Initiator, sess.Role)
	require.Len(t, signals, 1)
	assert.Equal(t, wire.SignalOffer, signals[0].Kind)
}

func TestConnectResponderRoleWhenLocalIsHigher(t *testing.T) {
	low := id.NodeID{}
	high := id.NodeID{}
	high[0] = 0xFF

	factory := &fakeFactory{}
	mgr := NewManager(high, factory, 0, nil, Events{}, nil)

	sess, err := mgr.Connect(nil, low)
	require.NoError(t, err)
	assert.Equal(t, Responder, sess.Role)
}

func TestOfferAnswerHandshakeFiresConnected(t *testing.T) {
	local := id.NodeID{}
	remote := id.NodeID{}
	remote[0] = 0xFF // local < remote, local is Initiator

	factory := &fakeFactory{}
	var connected []id.NodeID
	var signals []wire.Signal
	mgr := NewManager(local, factory, 0, nil, Events{
		OnConnected: func(peer id.NodeID) { connected = append(connected, peer) },
		OnSignalOut: func(peer id.NodeID, sig wire.Signal) { signals = append(signals, sig) },
	}, nil)

	sess, err := mgr.Connect(nil, remote)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, wire.SignalOffer, signals[0].Kind)

	// Simulate the remote side answering.
	answerSDP := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
	require.NoError(t, mgr.Signal(remote, wire.Signal{Kind: wire.SignalAnswer, SDP: &answerSDP}))

	// Data channel opens once negotiation completes.
	pc := factory.last()
	pc.mu.Lock()
	dc := pc.dc
	pc.mu.Unlock()
	require.NotNil(t, dc)
	dc.open()

	require.Len(t, connected, 1)
	assert.Equal(t, remote, connected[0])
	assert.Equal(t, Connected, sess.State())
}

func TestSignalOfferCreatesResponderSessionAndAnswers(t *testing.T) {
	local := id.NodeID{}
	local[0] = 0xFF // local > remote, so an inbound offer makes local a Responder
	remote := id.NodeID{}

	factory := &fakeFactory{}
	var signals []wire.Signal
	mgr := NewManager(local, factory, 0, nil, Events{
		OnSignalOut: func(peer id.NodeID, sig wire.Signal) { signals = append(signals, sig) },
	}, nil)

	offerSDP := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	require.NoError(t, mgr.Signal(remote, wire.Signal{Kind: wire.SignalOffer, SDP: &offerSDP}))

	sess, ok := mgr.Get(remote)
	require.True(t, ok)
	assert.Equal(t, Responder, sess.Role)
	require.Len(t, signals, 1)
	assert.Equal(t, wire.SignalAnswer, signals[0].Kind)
}

func TestICEQueuedUntilRemoteDescriptionSet(t *testing.T) {
	local := id.NodeID{}
	remote := id.NodeID{}
	remote[0] = 0xFF

	factory := &fakeFactory{}
	mgr := NewManager(local, factory, 0, nil, Events{}, nil)

	_, err := mgr.Connect(nil, remote)
	require.NoError(t, err)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 udp"}
	require.NoError(t, mgr.Signal(remote, wire.Signal{Kind: wire.SignalIceCandidate, Candidate: &cand}))

	pc := factory.last()
	pc.mu.Lock()
	queued := len(pc.iceQueued)
	pc.mu.Unlock()
	assert.Equal(t, 0, queued, "candidate should be queued, not yet applied")

	answerSDP := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}
	require.NoError(t, mgr.Signal(remote, wire.Signal{Kind: wire.SignalAnswer, SDP: &answerSDP}))

	pc.mu.Lock()
	queued = len(pc.iceQueued)
	pc.mu.Unlock()
	assert.Equal(t, 1, queued, "queued candidate should flush once remote description is set")
}

func TestPeerLimitEvictsNonCapableBeforeCapable(t *testing.T) {
	local := id.NodeID{}
	capablePeer := id.NodeID{}
	capablePeer[0] = 0x30 // furthest, but DHT-capable
	nonCapablePeer := id.NodeID{}
	nonCapablePeer[0] = 0x20
	newPeer := id.NodeID{}
	newPeer[0] = 0x10 // closer than the non-capable victim

	factory := &fakeFactory{}
	dhtCapable := func(p id.NodeID) bool { return p == capablePeer }
	var closed []id.NodeID
	mgr := NewManager(local, factory, 2, dhtCapable, Events{
		OnClose: func(peer id.NodeID) { closed = append(closed, peer) },
	}, nil)

	_, err := mgr.Connect(nil, capablePeer)
	require.NoError(t, err)
	_, err = mgr.Connect(nil, nonCapablePeer)
	require.NoError(t, err)

	_, err = mgr.Connect(nil, newPeer)
	require.NoError(t, err)

	require.Len(t, closed, 1)
	assert.Equal(t, nonCapablePeer, closed[0])

	_, stillThere := mgr.Get(capablePeer)
	assert.True(t, stillThere)
}

func TestSendRequiresConnectedSession(t *testing.T) {
	local := id.NodeID{}
	remote := id.NodeID{}
	remote[0] = 0xFF

	factory := &fakeFactory{}
	mgr := NewManager(local, factory, 0, nil, Events{}, nil)

	err := mgr.Send(remote, []byte("x"))
	require.Error(t, err)

	_, err = mgr.Connect(nil, remote)
	require.NoError(t, err)

	// Still gathering/connecting, not yet Connected.
	err = mgr.Send(remote, []byte("x"))
	require.Error(t, err)
}

func TestDisconnectRemovesSessionAndFiresClose(t *testing.T) {
	local := id.NodeID{}
	remote := id.NodeID{}
	remote[0] = 0xFF

	factory := &fakeFactory{}
	var closed []id.NodeID
	mgr := NewManager(local, factory, 0, nil, Events{
		OnClose: func(peer id.NodeID) { closed = append(closed, peer) },
	}, nil)

	_, err := mgr.Connect(nil, remote)
	require.NoError(t, err)

	mgr.Disconnect(remote)
	_, ok := mgr.Get(remote)
	assert.False(t, ok)
	require.Len(t, closed, 1)
	assert.Equal(t, remote, closed[0])
}
