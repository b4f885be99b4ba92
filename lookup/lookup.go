// Package lookup implements the iterative α-parallel FIND_NODE / FIND_VALUE
// lookup engine (spec.md §4.3).
//
// Grounded on github.com/nmxmxh/inos_v1's kernel/core/mesh/routing/dht.go
// iterativeFindNode / lookupChunk round structure, generalized from that
// teacher's fixed maxRounds cutoff to the spec's convergence-based stopping
// rule (a round that yields no closer candidate ends the lookup).
package lookup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/routing"
)

// Transport is the subset of peer RPC behavior the lookup engine needs. A
// real node backs this with its session manager; tests back it with a
// mock.
type Transport interface {
	// FindNode asks peer for its k-closest known nodes to target. An error
	// (including "not connected") means the peer is unreachable and is
	// skipped, not removed, from consideration.
	FindNode(ctx context.Context, peer id.NodeID, target id.NodeID) ([]routing.Peer, error)
	// FindValue asks peer for a value; if it returns ok == false, closer is
	// used to continue the lookup instead.
	FindValue(ctx context.Context, peer id.NodeID, key id.NodeID) (value []byte, ok bool, closer []routing.Peer, err error)
}

// Engine runs iterative lookups seeded from a routing table.
type Engine struct {
	local     id.NodeID
	table     *routing.Table
	transport Transport
	k         int
	alpha     int
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a lookup Engine.
func New(local id.NodeID, table *routing.Table, transport Transport, k, alpha int, timeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if k <= 0 {
		k = 20
	}
	if alpha <= 0 {
		alpha = 3
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{
		local:     local,
		table:     table,
		transport: transport,
		k:         k,
		alpha:     alpha,
		timeout:   timeout,
		logger:    logger.With("component", "lookup"),
	}
}

// candidate tracks a shortlist entry's query state.
type candidate struct {
	peer    routing.Peer
	queried bool
}

// shortlist is a distance-sorted, deduplicated working set for one lookup.
type shortlist struct {
	target id.NodeID
	items  []candidate
}

func newShortlist(target id.NodeID, seed []routing.Peer) *shortlist {
	sl := &shortlist{target: target}
	for _, p := range seed {
		sl.items = append(sl.items, candidate{peer: p})
	}
	sl.sort()
	return sl
}

func (sl *shortlist) sort() {
	sort.Slice(sl.items, func(i, j int) bool {
		di := id.Distance(sl.items[i].peer.ID, sl.target)
		dj := id.Distance(sl.items[j].peer.ID, sl.target)
		c := id.Compare(di, dj)
		if c != 0 {
			return c < 0
		}
		return id.Less(sl.items[i].peer.ID, sl.items[j].peer.ID)
	})
}

func (sl *shortlist) has(p id.NodeID) bool {
	for _, it := range sl.items {
		if it.peer.ID == p {
			return true
		}
	}
	return false
}

func (sl *shortlist) merge(peers []routing.Peer, excludeSelf id.NodeID) (addedCloser bool) {
	closestBefore := sl.closestDistance()
	for _, p := range peers {
		if p.ID == excludeSelf || sl.has(p.ID) {
			continue
		}
		sl.items = append(sl.items, candidate{peer: p})
	}
	sl.sort()
	if closestBefore == nil {
		return len(sl.items) > 0
	}
	newClosest := sl.closestDistance()
	return newClosest != nil && id.Compare(*newClosest, *closestBefore) < 0
}

func (sl *shortlist) closestDistance() *id.NodeID {
	if len(sl.items) == 0 {
		return nil
	}
	d := id.Distance(sl.items[0].peer.ID, sl.target)
	return &d
}

func (sl *shortlist) selectUnqueried(alpha int) []routing.Peer {
	var out []routing.Peer
	for i := range sl.items {
		if sl.items[i].queried {
			continue
		}
		out = append(out, sl.items[i].peer)
		sl.items[i].queried = true
		if len(out) >= alpha {
			break
		}
	}
	return out
}

func (sl *shortlist) allQueried() bool {
	for _, it := range sl.items {
		if !it.queried {
			return false
		}
	}
	return true
}

func (sl *shortlist) topK(k int) []routing.Peer {
	out := make([]routing.Peer, 0, k)
	for i, it := range sl.items {
		if i >= k {
			break
		}
		out = append(out, it.peer)
	}
	return out
}

// FindNode performs an iterative FIND_NODE lookup and returns the final
// K-closest peers known for target.
func (e *Engine) FindNode(ctx context.Context, target id.NodeID) []routing.Peer {
	seed := e.table.Closest(target, e.k)
	if len(seed) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	sl := newShortlist(target, seed)

	for {
		if ctx.Err() != nil {
			break
		}
		round := sl.selectUnqueried(e.alpha)
		if len(round) == 0 {
			break // every known candidate has been queried
		}

		closer := e.queryRoundFindNode(ctx, target, round)
		anyCloser := sl.merge(closer, e.local)

		if !anyCloser {
			break
		}
	}

	return sl.topK(e.k)
}

func (e *Engine) queryRoundFindNode(ctx context.Context, target id.NodeID, round []routing.Peer) []routing.Peer {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []routing.Peer
	)
	for _, p := range round {
		wg.Add(1)
		go func(p routing.Peer) {
			defer wg.Done()
			nodes, err := e.transport.FindNode(ctx, p.ID, target)
			if err != nil {
				e.logger.Debug("find_node rpc failed", "peer", p.ID.String(), "err", err)
				return
			}
			mu.Lock()
			results = append(results, nodes...)
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return results
}

// FindValue performs an iterative FIND_VALUE lookup. It returns the value
// and true on the first peer to return one; otherwise it behaves like
// FindNode and returns (nil, false).
func (e *Engine) FindValue(ctx context.Context, key id.NodeID) ([]byte, bool) {
	seed := e.table.Closest(key, e.k)
	if len(seed) == 0 {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	sl := newShortlist(key, seed)

	for {
		if ctx.Err() != nil {
			break
		}
		round := sl.selectUnqueried(e.alpha)
		if len(round) == 0 {
			break
		}

		value, found, closer := e.queryRoundFindValue(ctx, key, round)
		if found {
			return value, true
		}

		anyCloser := sl.merge(closer, e.local)
		if !anyCloser {
			break
		}
	}

	return nil, false
}

func (e *Engine) queryRoundFindValue(ctx context.Context, key id.NodeID, round []routing.Peer) ([]byte, bool, []routing.Peer) {
	type outcome struct {
		value  []byte
		found  bool
		closer []routing.Peer
	}

	resultCh := make(chan outcome, len(round))
	var wg sync.WaitGroup
	for _, p := range round {
		wg.Add(1)
		go func(p routing.Peer) {
			defer wg.Done()
			value, ok, closer, err := e.transport.FindValue(ctx, p.ID, key)
			if err != nil {
				e.logger.Debug("find_value rpc failed", "peer", p.ID.String(), "err", err)
				resultCh <- outcome{}
				return
			}
			resultCh <- outcome{value: value, found: ok, closer: closer}
		}(p)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var allCloser []routing.Peer
	var found []byte
	var hasValue bool
	for res := range resultCh {
		if res.found && !hasValue {
			found = res.value
			hasValue = true
			continue
		}
		allCloser = append(allCloser, res.closer...)
	}
	if hasValue {
		return found, true, nil
	}
	return nil, false, allCloser
}
