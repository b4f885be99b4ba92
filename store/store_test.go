package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/routing"
	"github.com/draeder/webdht-sub000/werrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRepl struct {
	calls []string
	fail  bool
}

func (r *recordingRepl) Store(ctx context.Context, peer id.NodeID, key string, value []byte) (bool, error) {
	if r.fail {
		return false, errors.New("simulated failure")
	}
	r.calls = append(r.calls, peer.String()+":"+key)
	return true, nil
}

func TestPutGetLocalOnly(t *testing.T) {
	s := New(Config{}, nil, nil, nil)

	ok, err := s.Put(context.Background(), "hello", []byte("world"))
	require.NoError(t, err)
	assert.True(t, ok)

	value, found := s.Get(context.Background(), "hello", nil)
	require.True(t, found)
	assert.Equal(t, []byte("world"), value)
}

func TestPutRejectsOversizedKeyAndValue(t *testing.T) {
	s := New(Config{MaxKeySize: 4, MaxValueSize: 4}, nil, nil, nil)

	_, err := s.Put(context.Background(), "toolongkey", []byte("ok"))
	require.Error(t, err)
	var derr *werrors.DHTError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, werrors.KindKeyTooLarge, derr.Kind)

	_, err = s.Put(context.Background(), "ok", []byte("toolongvalue"))
	require.Error(t, err)
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, werrors.KindValueTooLarge, derr.Kind)
}

func TestGetMissingFallsBackToLookup(t *testing.T) {
	s := New(Config{}, nil, nil, nil)

	called := false
	lookupFn := func(ctx context.Context, key id.NodeID) ([]byte, bool) {
		called = true
		return []byte("remote-value"), true
	}

	value, found := s.Get(context.Background(), "missing", lookupFn)
	require.True(t, found)
	assert.True(t, called)
	assert.Equal(t, []byte("remote-value"), value)

	// Now cached locally.
	value2, found2 := s.Get(context.Background(), "missing", nil)
	require.True(t, found2)
	assert.Equal(t, []byte("remote-value"), value2)
}

func TestHandleStoreRejectsInvalidKeys(t *testing.T) {
	s := New(Config{}, nil, nil, nil)

	for _, bad := range []string{"", ":", "undefined", "null"} {
		err := s.HandleStore(bad, []byte("v"))
		assert.Error(t, err, "expected rejection for key %q", bad)
	}
}

func TestHandleStoreHashesRawKey(t *testing.T) {
	s := New(Config{}, nil, nil, nil)

	require.NoError(t, s.HandleStore("raw-key", []byte("v")))
	value, found := s.Get(context.Background(), "raw-key", nil)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestHandleStoreAcceptsAlreadyHashedKey(t *testing.T) {
	s := New(Config{}, nil, nil, nil)
	hash := id.SHA1([]byte("raw-key"))

	require.NoError(t, s.HandleStore(hash.String(), []byte("v")))

	value, found := s.Get(context.Background(), "raw-key", nil)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestEvictionPrefersNonLocalOldest(t *testing.T) {
	s := New(Config{MaxStoreSize: 2}, nil, nil, nil)

	_, err := s.Put(context.Background(), "local-1", []byte("v1")) // origin_local
	require.NoError(t, err)

	require.NoError(t, s.HandleStore("remote-1", []byte("v2"))) // non-local, oldest
	time.Sleep(time.Millisecond)
	require.NoError(t, s.HandleStore("remote-2", []byte("v3"))) // non-local, newer

	assert.Equal(t, 2, s.Size())

	_, found := s.Get(context.Background(), "remote-1", nil)
	assert.False(t, found, "oldest non-local entry should have been evicted")

	_, found = s.Get(context.Background(), "local-1", nil)
	assert.True(t, found, "locally-originated entry must never be evicted while alternatives exist")
}

func TestSizeNeverExceedsMax(t *testing.T) {
	s := New(Config{MaxStoreSize: 5}, nil, nil, nil)

	for i := 0; i < 50; i++ {
		key := id.Random().String()
		require.NoError(t, s.HandleStore(key, []byte("v")))
		assert.LessOrEqual(t, s.Size(), 5)
	}
}

func TestPutReplicatesToLookupResults(t *testing.T) {
	repl := &recordingRepl{}
	peerA := id.Random()
	lookup := fakeLookup{peers: []routing.Peer{{ID: peerA}}}

	s := New(Config{}, lookup, repl, nil)

	ok, err := s.Put(context.Background(), "k", []byte("v"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, repl.calls, 1)
}

type fakeLookup struct {
	peers []routing.Peer
}

func (f fakeLookup) FindNode(ctx context.Context, target id.NodeID) []routing.Peer {
	return f.peers
}

func TestOnPeerConnectedReplicatesMatchingEntries(t *testing.T) {
	repl := &recordingRepl{}
	target := id.Random()
	lookup := fakeLookup{peers: []routing.Peer{{ID: target}}}

	s := New(Config{}, lookup, repl, nil)
	_, err := s.Put(context.Background(), "k", []byte("v"))
	require.NoError(t, err)
	repl.calls = nil // clear the Put-triggered replication

	s.OnPeerConnected(context.Background(), target)
	assert.Len(t, repl.calls, 1)
}

func TestCompressionRoundTripsLargeValues(t *testing.T) {
	s := New(Config{CompressValueThreshold: 8}, nil, nil, nil)

	big := make([]byte, 1024)
	for i := range big {
		big[i] = byte(i % 7)
	}

	require.NoError(t, s.HandleStore("big-key", big))
	value, found := s.Get(context.Background(), "big-key", nil)
	require.True(t, found)
	assert.Equal(t, big, value)
}
