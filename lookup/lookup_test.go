package lookup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simNetwork is an in-memory network of routing tables wired together as a
// mock Transport, mirroring the teacher's MockDHTTransport style.
type simNetwork struct {
	mu     sync.Mutex
	tables map[id.NodeID]*routing.Table
	values map[id.NodeID][]byte // keyed by key hash
}

func newSimNetwork() *simNetwork {
	return &simNetwork{
		tables: make(map[id.NodeID]*routing.Table),
		values: make(map[id.NodeID][]byte),
	}
}

func (n *simNetwork) addNode(self id.NodeID) *routing.Table {
	t := routing.New(self, 20, nil)
	n.mu.Lock()
	n.tables[self] = t
	n.mu.Unlock()
	return t
}

func (n *simNetwork) link(a, b id.NodeID) {
	n.mu.Lock()
	ta, tb := n.tables[a], n.tables[b]
	n.mu.Unlock()
	ta.Add(routing.Peer{ID: b, LastSeen: time.Now()})
	tb.Add(routing.Peer{ID: a, LastSeen: time.Now()})
}

func (n *simNetwork) FindNode(ctx context.Context, peer id.NodeID, target id.NodeID) ([]routing.Peer, error) {
	n.mu.Lock()
	t, ok := n.tables[peer]
	n.mu.Unlock()
	if !ok {
		return nil, assert.AnError
	}
	return t.Closest(target, 20), nil
}

func (n *simNetwork) FindValue(ctx context.Context, peer id.NodeID, key id.NodeID) ([]byte, bool, []routing.Peer, error) {
	n.mu.Lock()
	t, ok := n.tables[peer]
	v, hasVal := n.values[key]
	n.mu.Unlock()
	if !ok {
		return nil, false, nil, assert.AnError
	}
	if hasVal {
		return v, true, nil, nil
	}
	return nil, false, t.Closest(key, 20), nil
}

func TestFindNodeConvergesOnSparseOverlay(t *testing.T) {
	net := newSimNetwork()

	nodes := make([]id.NodeID, 8)
	for i := range nodes {
		nodes[i] = id.Random()
		net.addNode(nodes[i])
	}
	// Ring plus a couple of chords so it's sparse but connected.
	for i := 0; i < len(nodes); i++ {
		net.link(nodes[i], nodes[(i+1)%len(nodes)])
	}
	net.link(nodes[0], nodes[3])
	net.link(nodes[2], nodes[6])

	target := nodes[7]
	engine := New(nodes[0], net.tables[nodes[0]], net, 20, 3, time.Second, nil)

	result := engine.FindNode(context.Background(), target)
	require.NotEmpty(t, result)

	found := false
	for _, p := range result {
		if p.ID == target {
			found = true
		}
	}
	assert.True(t, found, "expected lookup to discover the target node id")
}

func TestFindValueReturnsOnFirstHit(t *testing.T) {
	net := newSimNetwork()

	a := id.Random()
	b := id.Random()
	net.addNode(a)
	net.addNode(b)
	net.link(a, b)

	key := id.SHA1([]byte("hello"))
	net.values[key] = []byte("world")

	engine := New(a, net.tables[a], net, 20, 3, time.Second, nil)
	value, ok := engine.FindValue(context.Background(), key)

	require.True(t, ok)
	assert.Equal(t, []byte("world"), value)
}

func TestFindValueNotFoundReturnsFalse(t *testing.T) {
	net := newSimNetwork()
	a := id.Random()
	net.addNode(a)

	engine := New(a, net.tables[a], net, 20, 3, time.Second, nil)
	_, ok := engine.FindValue(context.Background(), id.Random())
	assert.False(t, ok)
}

func TestFindNodeEmptyTableReturnsEmpty(t *testing.T) {
	net := newSimNetwork()
	a := id.Random()
	net.addNode(a)

	engine := New(a, net.tables[a], net, 20, 3, time.Second, nil)
	result := engine.FindNode(context.Background(), id.Random())
	assert.Empty(t, result)
}

func TestFindNodeRespectsDeadline(t *testing.T) {
	net := newSimNetwork()
	a := id.Random()
	b := id.Random()
	net.addNode(a)
	net.addNode(b)
	net.link(a, b)

	engine := New(a, net.tables[a], net, 20, 3, time.Nanosecond, nil)
	// Should return promptly with partial (possibly empty) results, never
	// hang or error.
	done := make(chan struct{})
	go func() {
		engine.FindNode(context.Background(), id.Random())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup did not respect deadline")
	}
}
