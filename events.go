package webdht

// events.go implements the Node's closed event set (spec.md §6.3): ready,
// peer:connect, peer:disconnect, peer:error, peer:limit_reached, signal.
// Modeled as callback registries rather than channels, mirroring the
// teacher's in-process event style (session.Events, signaling.Events)
// already used throughout this module, narrowed to exactly the events
// spec.md names — no generic pub/sub, no wildcard subscriptions.
import (
	"sync"

	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/wire"
)

type eventRegistry struct {
	mu sync.Mutex

	ready            bool
	localID          id.NodeID
	onReady          []func(id.NodeID)
	onPeerConnect    []func(id.NodeID)
	onPeerDisconnect []func(id.NodeID, string)
	onPeerError      []func(id.NodeID, error)
	onPeerLimit      []func(id.NodeID)
	onSignal         []func(id.NodeID, wire.Signal, bool)
}

// OnReady registers fn to be called once with the local node id. If the
// node has already become ready, fn fires immediately.
func (n *Node) OnReady(fn func(nodeID id.NodeID)) {
	n.events.mu.Lock()
	ready := n.events.ready
	local := n.events.localID
	if !ready {
		n.events.onReady = append(n.events.onReady, fn)
	}
	n.events.mu.Unlock()
	if ready {
		fn(local)
	}
}

// OnPeerConnect registers fn for the peer:connect(id) event.
func (n *Node) OnPeerConnect(fn func(id.NodeID)) {
	n.events.mu.Lock()
	n.events.onPeerConnect = append(n.events.onPeerConnect, fn)
	n.events.mu.Unlock()
}

// OnPeerDisconnect registers fn for the peer:disconnect(id, reason) event.
func (n *Node) OnPeerDisconnect(fn func(id.NodeID, string)) {
	n.events.mu.Lock()
	n.events.onPeerDisconnect = append(n.events.onPeerDisconnect, fn)
	n.events.mu.Unlock()
}

// OnPeerError registers fn for the peer:error(id, err) event.
func (n *Node) OnPeerError(fn func(id.NodeID, error)) {
	n.events.mu.Lock()
	n.events.onPeerError = append(n.events.onPeerError, fn)
	n.events.mu.Unlock()
}

// OnPeerLimitReached registers fn for the peer:limit_reached(id) event.
func (n *Node) OnPeerLimitReached(fn func(id.NodeID)) {
	n.events.mu.Lock()
	n.events.onPeerLimit = append(n.events.onPeerLimit, fn)
	n.events.mu.Unlock()
}

// OnSignal registers fn for the signal({id, signal, via_dht}) event, fired
// for every inbound signal the node observes regardless of transport.
func (n *Node) OnSignal(fn func(from id.NodeID, sig wire.Signal, viaDHT bool)) {
	n.events.mu.Lock()
	n.events.onSignal = append(n.events.onSignal, fn)
	n.events.mu.Unlock()
}

func (n *Node) emitReady() {
	n.events.mu.Lock()
	n.events.ready = true
	n.events.localID = n.local
	subs := append([]func(id.NodeID){}, n.events.onReady...)
	n.events.mu.Unlock()
	for _, fn := range subs {
		fn(n.local)
	}
}

func (n *Node) emitPeerConnect(peer id.NodeID) {
	n.events.mu.Lock()
	subs := append([]func(id.NodeID){}, n.events.onPeerConnect...)
	n.events.mu.Unlock()
	for _, fn := range subs {
		fn(peer)
	}
}

func (n *Node) emitPeerDisconnect(peer id.NodeID, reason string) {
	n.events.mu.Lock()
	subs := append([]func(id.NodeID, string){}, n.events.onPeerDisconnect...)
	n.events.mu.Unlock()
	for _, fn := range subs {
		fn(peer, reason)
	}
}

func (n *Node) emitPeerError(peer id.NodeID, err error) {
	n.events.mu.Lock()
	subs := append([]func(id.NodeID, error){}, n.events.onPeerError...)
	n.events.mu.Unlock()
	for _, fn := range subs {
		fn(peer, err)
	}
}

func (n *Node) emitPeerLimitReached(peer id.NodeID) {
	n.events.mu.Lock()
	subs := append([]func(id.NodeID){}, n.events.onPeerLimit...)
	n.events.mu.Unlock()
	for _, fn := range subs {
		fn(peer)
	}
}

func (n *Node) emitSignal(peer id.NodeID, sig wire.Signal, viaDHT bool) {
	n.events.mu.Lock()
	subs := append([]func(id.NodeID, wire.Signal, bool){}, n.events.onSignal...)
	n.events.mu.Unlock()
	for _, fn := range subs {
		fn(peer, sig, viaDHT)
	}
}
