// Package session implements the Peer Session Manager (spec.md §4.6): the
// set of active WebRTC sessions keyed by remote node id, connect/signal/
// send/disconnect, and per-peer events.
//
// The actual data-channel transport is treated as an opaque bidirectional
// byte-oriented facility per spec.md §1; PeerConnection/DataChannel below
// are the narrow seams a real github.com/pion/webrtc/v3 connection is
// adapted through, grounded on the teacher's connectViaWebRTC in
// kernel/core/mesh/transport/transport.go (OnICECandidate /
// OnConnectionStateChange / CreateDataChannel wiring).
package session

import (
	"github.com/pion/webrtc/v3"
)

// DataChannel abstracts a pion data channel for the bidirectional byte
// transport the spec treats as opaque.
type DataChannel interface {
	Send(data []byte) error
	OnMessage(func(data []byte))
	OnOpen(func())
	OnClose(func())
	Close() error
}

// PeerConnection abstracts the subset of *webrtc.PeerConnection the session
// manager drives.
type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	SetLocalDescription(desc webrtc.SessionDescription) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(func(c *webrtc.ICECandidateInit))
	OnDataChannel(func(dc DataChannel))
	OnConnectionStateChange(func(s webrtc.PeerConnectionState))
	Close() error
}

// PeerConnectionFactory constructs PeerConnections, injected so tests can
// substitute a fake without real ICE/STUN activity.
type PeerConnectionFactory interface {
	New() (PeerConnection, error)
}

// pionPeerConnection adapts a real *webrtc.PeerConnection to PeerConnection.
type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeerConnection) OnICECandidate(fn func(c *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		fn(&init)
	})
}

func (p *pionPeerConnection) OnDataChannel(fn func(dc DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionDataChannel{dc: dc})
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(s webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConnection) Close() error { return p.pc.Close() }

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *pionDataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *pionDataChannel) OnOpen(fn func())  { d.dc.OnOpen(fn) }
func (d *pionDataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }
func (d *pionDataChannel) Close() error      { return d.dc.Close() }

// DefaultICEServers mirrors the teacher's DefaultTransportConfig STUN list.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// defaultFactory creates real pion PeerConnections configured with
// DefaultICEServers.
type defaultFactory struct {
	config webrtc.Configuration
}

// NewDefaultFactory builds a PeerConnectionFactory using the given ICE
// server URLs (DefaultICEServers if empty).
func NewDefaultFactory(iceServers []string) PeerConnectionFactory {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return &defaultFactory{
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
	}
}

func (f *defaultFactory) New() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{pc: pc}, nil
}
