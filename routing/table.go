// Package routing implements the Kademlia k-bucket routing table: a binary
// trie of buckets addressed by longest-common-prefix with the local node
// id, with bucket splitting along the path that covers the local id.
//
// Grounded on github.com/nmxmxh/inos_v1's kernel/core/mesh/routing/dht.go
// bucket maintenance (AddPeer/getBucketIndex), generalized from that
// teacher's flat 160-slice array into the tree-with-split structure spec.md
// §4.2 requires.
package routing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/draeder/webdht-sub000/id"
)

// AddResult reports the outcome of Table.Add.
type AddResult int

const (
	Added AddResult = iota
	AlreadyPresent
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case AlreadyPresent:
		return "already_present"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Peer is a routing-table entry (spec.md §3 "Peer record").
type Peer struct {
	ID                id.NodeID
	LastSeen          time.Time
	ConnectionQuality float64 // 0.0..1.0, advisory, 0 means "unknown"
}

// node is a trie node: either a leaf holding up to K peers, or an interior
// node with exactly two children. Never both (spec.md §3 invariant).
type node struct {
	prefixLen int
	peers     []Peer // nil if interior
	left      *node  // bit 0 at prefixLen
	right     *node  // bit 1 at prefixLen
}

func (n *node) isLeaf() bool { return n.left == nil && n.right == nil }

// BucketStats describes the occupancy of one leaf bucket, returned by
// Table.Stats.
type BucketStats struct {
	PrefixLen int
	Count     int
}

// Table is a Kademlia routing table local to one node id.
type Table struct {
	mu      sync.RWMutex
	local   id.NodeID
	k       int
	root    *node
	members map[id.NodeID]struct{} // fast Contains/Get support across all leaves
	leafOf  map[id.NodeID]*node    // which leaf currently holds a given peer

	logger *slog.Logger
}

// New creates a routing table for the given local id with bucket size k.
func New(local id.NodeID, k int, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if k <= 0 {
		k = 20
	}
	return &Table{
		local:   local,
		k:       k,
		root:    &node{prefixLen: 0, peers: make([]Peer, 0, k)},
		members: make(map[id.NodeID]struct{}),
		leafOf:  make(map[id.NodeID]*node),
		logger:  logger.With("component", "routing"),
	}
}

// findLeaf walks the trie to the leaf that would hold target.
func (t *Table) findLeaf(target id.NodeID) *node {
	n := t.root
	for !n.isLeaf() {
		if id.Bit(target, n.prefixLen) == 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n
}

// Add inserts or refreshes peer p. See spec.md §4.2 for the exact policy.
func (t *Table) Add(p Peer) AddResult {
	if p.ID == t.local {
		return Rejected
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		leaf := t.findLeaf(p.ID)

		if existingLeaf, ok := t.leafOf[p.ID]; ok && existingLeaf == leaf {
			// Refresh: move to tail.
			idx := -1
			for i, existing := range leaf.peers {
				if existing.ID == p.ID {
					idx = i
					break
				}
			}
			if idx >= 0 {
				leaf.peers = append(leaf.peers[:idx], leaf.peers[idx+1:]...)
				leaf.peers = append(leaf.peers, p)
				return AlreadyPresent
			}
		}

		if len(leaf.peers) < t.k {
			leaf.peers = append(leaf.peers, p)
			t.members[p.ID] = struct{}{}
			t.leafOf[p.ID] = leaf
			return Added
		}

		// Bucket full. Split iff it is splittable.
		if t.canSplit(leaf) {
			t.split(leaf)
			continue // retry insertion into the now-split tree
		}

		return Rejected
	}
}

// canSplit reports whether leaf may split: prefix_length < 160 and the
// bucket covers the local id's prefix (spec.md §4.2). Since descending the
// trie always follows the target's own bits, a bucket covers the local id
// iff walking from the root with the local id lands on this exact leaf.
func (t *Table) canSplit(leaf *node) bool {
	if leaf.prefixLen >= id.Size*8 {
		return false
	}
	return t.findLeaf(t.local) == leaf
}

// split divides a full leaf into two children by the bit at prefixLen,
// redistributing its peers.
func (t *Table) split(leaf *node) {
	leaf.left = &node{prefixLen: leaf.prefixLen + 1, peers: make([]Peer, 0, t.k)}
	leaf.right = &node{prefixLen: leaf.prefixLen + 1, peers: make([]Peer, 0, t.k)}

	for _, p := range leaf.peers {
		var child *node
		if id.Bit(p.ID, leaf.prefixLen) == 0 {
			child = leaf.left
		} else {
			child = leaf.right
		}
		child.peers = append(child.peers, p)
		t.leafOf[p.ID] = child
	}
	leaf.peers = nil // now interior
}

// Remove deletes id from the table. Returns true if it was present.
func (t *Table) Remove(target id.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, ok := t.leafOf[target]
	if !ok {
		return false
	}
	for i, p := range leaf.peers {
		if p.ID == target {
			leaf.peers = append(leaf.peers[:i], leaf.peers[i+1:]...)
			delete(t.members, target)
			delete(t.leafOf, target)
			return true
		}
	}
	return false
}

// Contains reports whether id is currently in the table.
func (t *Table) Contains(target id.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[target]
	return ok
}

// Get returns the Peer record for id, if present.
func (t *Table) Get(target id.NodeID) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, ok := t.leafOf[target]
	if !ok {
		return Peer{}, false
	}
	for _, p := range leaf.peers {
		if p.ID == target {
			return p, true
		}
	}
	return Peer{}, false
}

// Closest returns up to n peers ordered by ascending XOR distance to
// target, with ties broken by lower id (spec.md §4.3).
func (t *Table) Closest(target id.NodeID, n int) []Peer {
	t.mu.RLock()
	all := make([]Peer, 0, len(t.members))
	t.collect(t.root, &all)
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di := id.Distance(all[i].ID, target)
		dj := id.Distance(all[j].ID, target)
		c := id.Compare(di, dj)
		if c != 0 {
			return c < 0
		}
		return id.Less(all[i].ID, all[j].ID)
	})

	if n < len(all) {
		all = all[:n]
	}
	return all
}

func (t *Table) collect(n *node, out *[]Peer) {
	if n == nil {
		return
	}
	if n.isLeaf() {
		*out = append(*out, n.peers...)
		return
	}
	t.collect(n.left, out)
	t.collect(n.right, out)
}

// Stats returns per-bucket occupancy across all leaves.
func (t *Table) Stats() []BucketStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats []BucketStats
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		if n.isLeaf() {
			stats = append(stats, BucketStats{PrefixLen: n.prefixLen, Count: len(n.peers)})
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(t.root)
	return stats
}

// Size returns the total number of peers currently tracked.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}
