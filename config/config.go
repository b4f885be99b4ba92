// Package config collects the tunable parameters of a DHT node into a
// single Options value, mirroring the teacher's DefaultTransportConfig /
// DefaultGossipConfig pattern. Loading options from flags, env, or files is
// explicitly out of scope (spec.md §1); callers construct Options directly.
package config

import "time"

// Options holds every tunable named by spec.md §6.3.
type Options struct {
	// Routing / lookup
	K                int           // bucket size and lookup result width, default 20
	Alpha            int           // lookup parallelism, default 3
	BucketCount      int           // default 1; not read by the routing table, which always starts from a single root bucket
	LookupTimeout    time.Duration // per-lookup wall clock deadline, default 5s
	RPCTimeout       time.Duration // deadline for new-peer replication after a session connects, default 5s; lookup RPCs have no separate per-RPC timeout and run under LookupTimeout

	// Storage
	MaxStoreSize int // max number of entries, default 1000
	MaxKeySize   int // bytes, default 1024
	MaxValueSize int // bytes, default 64*1024

	// Replication
	ReplicateInterval time.Duration // default 1h
	RepublishInterval time.Duration // default 24h

	// Sessions
	MaxPeers int // 0 = unbounded

	// Signaling router
	DHTSignalThreshold      int           // success_count needed to count as dht-capable, default 2
	DHTCapablePeerCount     int           // distinct capable peers needed for dht_ready, default 2
	DHTRouteRefreshInterval time.Duration // default 15s
	SignalAttemptTimeout    time.Duration // default 15s
	MaxConnectionRetries    int           // default 5
	CooldownNeverConnected  time.Duration // default 15m
	CooldownAfterConnected  time.Duration // default 5m
	AggressiveRelayFanout   int           // R in aggressive mode, default 3
	DefaultRelayFanout      int           // R otherwise, default 2
	DefaultSignalTTL        int           // default TTL stamped on a freshly originated signal, default 5

	// Compression (ambient addition, see SPEC_FULL.md §4a)
	CompressValueThreshold int // values >= this size are brotli-compressed, default 4096

	// Bootstrap
	BootstrapAddrs []string // rendezvous WebSocket URLs
}

// Default returns production-sensible defaults matching spec.md's defaults.
func Default() Options {
	return Options{
		K:             20,
		Alpha:         3,
		BucketCount:   1,
		LookupTimeout: 5 * time.Second,
		RPCTimeout:    5 * time.Second,

		MaxStoreSize: 1000,
		MaxKeySize:   1024,
		MaxValueSize: 64 * 1024,

		ReplicateInterval: time.Hour,
		RepublishInterval: 24 * time.Hour,

		MaxPeers: 0,

		DHTSignalThreshold:      2,
		DHTCapablePeerCount:     2,
		DHTRouteRefreshInterval: 15 * time.Second,
		SignalAttemptTimeout:    15 * time.Second,
		MaxConnectionRetries:    5,
		CooldownNeverConnected:  15 * time.Minute,
		CooldownAfterConnected:  5 * time.Minute,
		AggressiveRelayFanout:   3,
		DefaultRelayFanout:      2,
		DefaultSignalTTL:        5,

		CompressValueThreshold: 4096,
	}
}
