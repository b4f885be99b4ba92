// Package wire defines the JSON message shapes exchanged over a peer data
// channel (spec.md §6.1) and over the rendezvous WebSocket (spec.md §6.2).
package wire

import "github.com/pion/webrtc/v3"

// MessageType enumerates the peer-to-peer wire message "type" field.
type MessageType string

const (
	TypePing              MessageType = "PING"
	TypePong              MessageType = "PONG"
	TypeFindNode          MessageType = "FIND_NODE"
	TypeFindNodeResponse  MessageType = "FIND_NODE_RESPONSE"
	TypeFindValue         MessageType = "FIND_VALUE"
	TypeFindValueResponse MessageType = "FIND_VALUE_RESPONSE"
	TypeStore             MessageType = "STORE"
	TypeStoreResponse     MessageType = "STORE_RESPONSE"
	TypeSignal            MessageType = "SIGNAL"
)

// NodeRef is the wire shape of a routing-table entry as returned in
// FIND_NODE_RESPONSE.
type NodeRef struct {
	ID string `json:"id"`
}

// Envelope is the common header every peer-to-peer message carries. Callers
// decode into Envelope first to dispatch on Type, then re-decode the same
// bytes into the type-specific struct below.
type Envelope struct {
	Type   MessageType `json:"type"`
	Sender string      `json:"sender"`
}

// FindNodeMsg is the FIND_NODE request body.
type FindNodeMsg struct {
	Envelope
	Target string `json:"target"`
}

// FindNodeResponseMsg is the FIND_NODE_RESPONSE body.
type FindNodeResponseMsg struct {
	Envelope
	Nodes []NodeRef `json:"nodes"`
}

// FindValueMsg is the FIND_VALUE request body.
type FindValueMsg struct {
	Envelope
	Key string `json:"key"`
}

// FindValueResponseMsg is the FIND_VALUE_RESPONSE body. Exactly one of
// Value or Nodes is populated, mirroring the spec's "value or nodes" union.
type FindValueResponseMsg struct {
	Envelope
	Key   string    `json:"key"`
	Value []byte    `json:"value,omitempty"`
	Nodes []NodeRef `json:"nodes,omitempty"`
}

// StoreMsg is the STORE request body. Key is the raw key when Put
// replicates a new value; periodic replication and new-peer replication
// send the 40-hex key hash instead, since the store keeps only the hash.
// The receiver hashes the key unless it already looks like a 40-hex digest
// (spec.md §9, last bullet).
type StoreMsg struct {
	Envelope
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// StoreResponseMsg is the STORE_RESPONSE body.
type StoreResponseMsg struct {
	Envelope
	Success bool   `json:"success"`
	Key     string `json:"key"`
	Error   string `json:"error,omitempty"`
}

// SignalKind enumerates the kinds of signal payload carried by SIGNAL
// messages and by the rendezvous relay.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalIceCandidate SignalKind = "ice-candidate"
	SignalPing         SignalKind = "ping"
	SignalRouteTest    SignalKind = "route-test"
)

// Signal is the payload carried inside a SIGNAL message or a rendezvous
// relay frame. SDP and ICECandidate reuse pion/webrtc's wire shapes instead
// of ad hoc structs, since the underlying WebRTC stack is opaque but its
// signal shapes are standard.
type Signal struct {
	Kind      SignalKind                 `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Validate rejects a Signal missing the field its Kind requires
// (spec.md §4.5, "Validation rejects missing SDP or candidate fields").
func (s Signal) Validate() error {
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.SDP == nil || s.SDP.SDP == "" {
			return errMissingSDP
		}
	case SignalIceCandidate:
		if s.Candidate == nil || s.Candidate.Candidate == "" {
			return errMissingCandidate
		}
	case SignalPing, SignalRouteTest:
		// no payload required
	default:
		return errUnknownSignalKind
	}
	return nil
}

// SignalMsg is the SIGNAL peer-to-peer message (spec.md §6.1) used both for
// direct delivery and for multi-hop forwarding.
type SignalMsg struct {
	Envelope
	Target         string   `json:"target"`
	OriginalSender string   `json:"original_sender"`
	Signal         Signal   `json:"signal"`
	TTL            int      `json:"ttl"`
	ViaDHT         bool     `json:"via_dht"`
	SignalPath     []string `json:"signal_path"`
}

// Rendezvous client -> server message types (spec.md §6.2).
const (
	RVTypeRegister  = "REGISTER"
	RVTypeSignal    = "SIGNAL"
	RVTypeGetPeers  = "GET_PEERS"
	RVTypeRegistered = "REGISTERED"
	RVTypePeerList  = "PEER_LIST"
)

// RVRegister is the client->server REGISTER frame.
type RVRegister struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

// RVSignalOut is the client->server SIGNAL relay frame.
type RVSignalOut struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Signal Signal `json:"signal"`
}

// RVGetPeers is the client->server GET_PEERS frame.
type RVGetPeers struct {
	Type string `json:"type"`
}

// RVRegistered is the server->client REGISTERED frame.
type RVRegistered struct {
	Type string `json:"type"`
}

// RVPeerList is the server->client PEER_LIST broadcast.
type RVPeerList struct {
	Type  string   `json:"type"`
	Peers []string `json:"peers"`
}

// RVSignalIn is the server->client SIGNAL relay frame.
type RVSignalIn struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Signal Signal `json:"signal"`
}

// RVEnvelope is used to sniff the "type" field of an inbound rendezvous
// frame before decoding into the concrete shape.
type RVEnvelope struct {
	Type string `json:"type"`
}
