// Package store implements the local key→value table, replication against
// the K closest peers, and the periodic replicate/republish scheduler
// (spec.md §4.4).
//
// Grounded on github.com/nmxmxh/inos_v1's kernel/core/mesh/routing/dht.go
// Store/FindPeers/replicateChunk, generalized from that teacher's
// provider-list semantics ("who has this chunk") to direct value storage
// ("what is this value").
package store

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/routing"
	"github.com/draeder/webdht-sub000/werrors"
)

// Entry is one stored value (spec.md §3 "Stored entry").
type Entry struct {
	KeyHash      id.NodeID
	StoredAt     time.Time
	ReplicatedTo map[id.NodeID]struct{}
	OriginLocal  bool

	raw        []byte // on-heap representation, brotli-compressed iff compressed
	compressed bool
}

// Value returns the logical (decompressed) value held by this entry.
func (e *Entry) Value() []byte {
	if !e.compressed {
		return e.raw
	}
	v, err := decompressValue(e.raw)
	if err != nil {
		return nil
	}
	return v
}

// Lookup is the subset of the lookup engine a Store needs to find
// replication targets.
type Lookup interface {
	FindNode(ctx context.Context, target id.NodeID) []routing.Peer
}

// Replicator sends STORE to a remote peer and reports acceptance.
type Replicator interface {
	Store(ctx context.Context, peer id.NodeID, key string, value []byte) (bool, error)
}

// Config bounds and periods for a Store (see config.Options for the
// authoritative defaults; a Store takes only what it needs).
type Config struct {
	MaxStoreSize           int
	MaxKeySize             int
	MaxValueSize           int
	ReplicateInterval      time.Duration
	RepublishInterval      time.Duration
	CompressValueThreshold int
}

// Store is the local key→value table plus replication/republish scheduling.
type Store struct {
	mu      sync.Mutex
	entries map[id.NodeID]*Entry
	order   []id.NodeID // insertion order, used to break eviction ties

	cfg    Config
	lookup Lookup
	repl   Replicator
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Store. lookup/repl may be nil for a node operating purely
// locally (e.g. in unit tests); remote replication is then a no-op.
func New(cfg Config, lookup Lookup, repl Replicator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxStoreSize <= 0 {
		cfg.MaxStoreSize = 1000
	}
	if cfg.MaxKeySize <= 0 {
		cfg.MaxKeySize = 1024
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = 64 * 1024
	}
	if cfg.CompressValueThreshold <= 0 {
		cfg.CompressValueThreshold = 4096
	}
	return &Store{
		entries: make(map[id.NodeID]*Entry),
		cfg:     cfg,
		lookup:  lookup,
		repl:    repl,
		logger:  logger.With("component", "store"),
		stopCh:  make(chan struct{}),
	}
}

// Put validates, stores locally with origin_local=true, then best-effort
// replicates to the K closest nodes to sha1(key) (spec.md §4.4 "put").
func (s *Store) Put(ctx context.Context, key string, value []byte) (bool, error) {
	if err := s.validateSizes(key, value); err != nil {
		return false, err
	}

	keyHash := id.SHA1([]byte(key))
	s.writeLocal(keyHash, value, true)

	if s.lookup == nil || s.repl == nil {
		return true, nil
	}

	nodes := s.lookup.FindNode(ctx, keyHash)
	s.replicateTo(ctx, keyHash, key, value, nodes)

	return true, nil
}

// Get returns a locally-held value, falling back to an iterative FIND_VALUE
// lookup and caching any discovered value (spec.md §4.4 "get").
func (s *Store) Get(ctx context.Context, key string, valueLookup func(context.Context, id.NodeID) ([]byte, bool)) ([]byte, bool) {
	keyHash := id.SHA1([]byte(key))

	s.mu.Lock()
	if e, ok := s.entries[keyHash]; ok {
		v := e.Value()
		s.mu.Unlock()
		return v, true
	}
	s.mu.Unlock()

	if valueLookup == nil {
		return nil, false
	}

	value, ok := valueLookup(ctx, keyHash)
	if !ok {
		return nil, false
	}
	s.writeLocal(keyHash, value, false)
	return value, true
}

// GetByHash returns a locally-held value by its already-computed key hash,
// without consulting the lookup engine. Used to answer an inbound
// FIND_VALUE RPC, whose key field is always a key hash (spec.md §6.1),
// unlike Get's raw-key parameter.
func (s *Store) GetByHash(keyHash id.NodeID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[keyHash]
	if !ok {
		return nil, false
	}
	return e.Value(), true
}

// HandleStore processes an inbound STORE RPC (spec.md §4.4 "Inbound STORE
// handler"). key may be a raw key or an already-hashed 40-hex string.
func (s *Store) HandleStore(rawKey string, value []byte) error {
	if rawKey == "" || rawKey == ":" || rawKey == "undefined" || rawKey == "null" {
		return werrors.New(werrors.KindInvalidInput, "invalid store key").WithContext("key", rawKey)
	}
	if err := s.validateSizes(rawKey, value); err != nil {
		return err
	}

	var keyHash id.NodeID
	if id.LooksLikeHex(rawKey) {
		parsed, err := id.ParseHex(rawKey)
		if err != nil {
			keyHash = id.SHA1([]byte(rawKey))
		} else {
			keyHash = parsed
		}
	} else {
		keyHash = id.SHA1([]byte(rawKey))
	}

	s.writeLocal(keyHash, value, false)
	return nil
}

func (s *Store) validateSizes(key string, value []byte) error {
	if len(key) == 0 {
		return werrors.New(werrors.KindInvalidInput, "key must not be empty")
	}
	if len(key) > s.cfg.MaxKeySize {
		return werrors.KeyTooLarge(len(key), s.cfg.MaxKeySize)
	}
	if len(value) > s.cfg.MaxValueSize {
		return werrors.ValueTooLarge(len(value), s.cfg.MaxValueSize)
	}
	return nil
}

// writeLocal stores (or overwrites) an entry and evicts if necessary.
func (s *Store) writeLocal(keyHash id.NodeID, value []byte, originLocal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[keyHash]; !exists {
		s.order = append(s.order, keyHash)
	}

	raw, compressed := compressValue(value, s.cfg.CompressValueThreshold)

	s.entries[keyHash] = &Entry{
		KeyHash:      keyHash,
		StoredAt:     time.Now(),
		ReplicatedTo: make(map[id.NodeID]struct{}),
		OriginLocal:  originLocal,
		raw:          raw,
		compressed:   compressed,
	}

	s.evictIfNeeded()
}

// evictIfNeeded drops the entry with the smallest StoredAt among
// non-local-origin entries, ties broken by insertion order, and falls back
// to the oldest locally-originated entry once no non-local entry is left
// (spec.md §4.4 "Eviction"). Caller must hold s.mu.
func (s *Store) evictIfNeeded() {
	for len(s.entries) > s.cfg.MaxStoreSize {
		var victim id.NodeID
		var victimAt time.Time
		found := false

		for _, k := range s.order {
			e, ok := s.entries[k]
			if !ok || e.OriginLocal {
				continue
			}
			if !found || e.StoredAt.Before(victimAt) {
				victim = k
				victimAt = e.StoredAt
				found = true
			}
		}

		if !found {
			// Every remaining entry is locally-originated; evict the
			// oldest of them so the table stays within MaxStoreSize.
			for _, k := range s.order {
				e, ok := s.entries[k]
				if !ok {
					continue
				}
				if !found || e.StoredAt.Before(victimAt) {
					victim = k
					victimAt = e.StoredAt
					found = true
				}
			}
		}

		delete(s.entries, victim)
		s.removeFromOrder(victim)
	}
}

func (s *Store) removeFromOrder(target id.NodeID) {
	for i, k := range s.order {
		if k == target {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Size returns the number of entries currently held locally.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// snapshot returns copies of all locally-held entries; their raw key
// material is unavailable (the store only ever holds the hash). Used by
// the replication scheduler and new-peer replication.
func (s *Store) snapshot() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

func (s *Store) markReplicated(keyHash, peer id.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[keyHash]; ok {
		e.ReplicatedTo[peer] = struct{}{}
	}
}

// replicateTo sends STORE to each of nodes (excluding self by construction
// of the lookup engine) and records acks in replicated_to.
func (s *Store) replicateTo(ctx context.Context, keyHash id.NodeID, rawKey string, value []byte, nodes []routing.Peer) {
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(peer id.NodeID) {
			defer wg.Done()
			ok, err := s.repl.Store(ctx, peer, rawKey, value)
			if err != nil || !ok {
				return
			}
			s.markReplicated(keyHash, peer)
		}(n.ID)
	}
	wg.Wait()
}

// StartScheduler launches the periodic replication and republication loops
// (spec.md §4.4 "Replication (short period)" / "Republication (long
// period)"). Call Stop to terminate them.
func (s *Store) StartScheduler(ctx context.Context) {
	if s.lookup == nil || s.repl == nil {
		return
	}
	s.wg.Add(2)
	go s.runPeriodic(ctx, s.cfg.ReplicateInterval, s.replicateRound)
	go s.runPeriodic(ctx, s.cfg.RepublishInterval, s.replicateRound)
}

func (s *Store) runPeriodic(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// replicateRound implements one pass of "for each entry, compute K-closest
// to key_hash; send STORE to each connected one" (shared by both the
// replicate and republish intervals per spec.md §4.4).
func (s *Store) replicateRound(ctx context.Context) {
	for _, e := range s.snapshot() {
		nodes := s.lookup.FindNode(ctx, e.KeyHash)
		s.replicateTo(ctx, e.KeyHash, e.KeyHash.String(), e.Value(), nodes)
	}
}

// OnPeerConnected implements new-peer targeted replication: for each stored
// key, if the newly-connected peer is among its K closest, STORE to it
// (spec.md §4.4 "New-peer replication").
func (s *Store) OnPeerConnected(ctx context.Context, peer id.NodeID) {
	if s.lookup == nil || s.repl == nil {
		return
	}
	for _, e := range s.snapshot() {
		nodes := s.lookup.FindNode(ctx, e.KeyHash)
		for _, n := range nodes {
			if n.ID == peer {
				ok, err := s.repl.Store(ctx, peer, e.KeyHash.String(), e.Value())
				if err == nil && ok {
					s.markReplicated(e.KeyHash, peer)
				}
				break
			}
		}
	}
}

// Stop halts the replication/republish schedulers.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// compressValue brotli-compresses value if it meets the configured
// threshold (SPEC_FULL.md §4a). Returns the possibly-compressed bytes and
// whether compression was applied.
func compressValue(value []byte, threshold int) ([]byte, bool) {
	if len(value) < threshold {
		return value, false
	}
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return value, false
	}
	if err := w.Close(); err != nil {
		return value, false
	}
	if buf.Len() >= len(value) {
		return value, false // compression didn't help, keep raw
	}
	return buf.Bytes(), true
}

// decompressValue reverses compressValue.
func decompressValue(value []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(value))
	return io.ReadAll(r)
}
