package routing

import (
	"testing"
	"time"

	"github.com/draeder/webdht-sub000/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeer(i id.NodeID) Peer {
	return Peer{ID: i, LastSeen: time.Now()}
}

func TestAddRejectsLocalID(t *testing.T) {
	local := id.Random()
	tbl := New(local, 20, nil)
	assert.Equal(t, Rejected, tbl.Add(newPeer(local)))
	assert.Equal(t, 0, tbl.Size())
}

func TestAddIdempotentRefresh(t *testing.T) {
	local := id.Random()
	tbl := New(local, 20, nil)
	p := newPeer(id.Random())

	assert.Equal(t, Added, tbl.Add(p))
	assert.Equal(t, AlreadyPresent, tbl.Add(p))
	assert.Equal(t, 1, tbl.Size())
}

func TestClosestSortedAscendingUnique(t *testing.T) {
	local := id.Random()
	tbl := New(local, 20, nil)

	for i := 0; i < 10; i++ {
		tbl.Add(newPeer(id.Random()))
	}

	target := id.Random()
	closest := tbl.Closest(target, 20)

	require.Len(t, closest, 10)
	seen := make(map[id.NodeID]bool)
	for i, p := range closest {
		assert.False(t, seen[p.ID], "duplicate id in closest result")
		seen[p.ID] = true
		if i > 0 {
			prevDist := id.Distance(closest[i-1].ID, target)
			curDist := id.Distance(p.ID, target)
			assert.True(t, id.Compare(prevDist, curDist) <= 0)
		}
	}
}

func TestBucketSplitUnderLocalPrefix(t *testing.T) {
	var local id.NodeID // all-zero local id
	tbl := New(local, 20, nil)

	// Insert 21 peers that all share local's first byte (0x00) so they
	// land in the same initial bucket and force a split covering local.
	for i := 0; i < 21; i++ {
		p := id.Random()
		p[0] = 0x00
		res := tbl.Add(newPeer(p))
		assert.NotEqual(t, Rejected, res, "peer %d should not be rejected", i)
	}

	assert.Equal(t, 21, tbl.Size())

	closest := tbl.Closest(local, 21)
	assert.Len(t, closest, 21)
}

func TestRemoveAndContains(t *testing.T) {
	local := id.Random()
	tbl := New(local, 20, nil)
	p := newPeer(id.Random())

	tbl.Add(p)
	assert.True(t, tbl.Contains(p.ID))

	assert.True(t, tbl.Remove(p.ID))
	assert.False(t, tbl.Contains(p.ID))
	assert.False(t, tbl.Remove(p.ID))
}

func TestGetReturnsPeer(t *testing.T) {
	local := id.Random()
	tbl := New(local, 20, nil)
	p := newPeer(id.Random())
	tbl.Add(p)

	got, ok := tbl.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)

	_, ok = tbl.Get(id.Random())
	assert.False(t, ok)
}

func TestStatsBucketSizeNeverExceedsK(t *testing.T) {
	local := id.Random()
	tbl := New(local, 4, nil)

	for i := 0; i < 200; i++ {
		tbl.Add(newPeer(id.Random()))
	}

	for _, s := range tbl.Stats() {
		assert.LessOrEqual(t, s.Count, 4)
	}
}

func TestRejectedWhenBucketFullAndNotSplittable(t *testing.T) {
	local := id.Random()
	tbl := New(local, 2, nil)

	// Force peers into a bucket far from local that cannot split because
	// it does not cover local: pick ids whose first bit differs from
	// local's first bit so they all land in the sibling subtree, then fill
	// past k without ever matching local's deeper prefix.
	otherBit := 1 - id.Bit(local, 0)
	var rejectedSeen bool
	for i := 0; i < 64; i++ {
		p := id.Random()
		if id.Bit(p, 0) != otherBit {
			continue
		}
		res := tbl.Add(newPeer(p))
		if res == Rejected {
			rejectedSeen = true
			break
		}
	}
	assert.True(t, rejectedSeen, "expected eventual rejection once the non-local-covering bucket fills")
}
