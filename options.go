package loadout

import (
	"runtime"
	"time"
)

// SourceOptions configures how definitions are fetched.
type SourceOptions struct {
	// FetchTimeout is the maximum time to wait for a definition load, in milliseconds.
	// Default: 5 seconds.
	FetchTimeout int64
}

// defaultSourceOptions returns sensible defaults.
func defaultSourceOptions() SourceOptions {
	return SourceOptions{
		FetchTimeout: 5_000, // 5 seconds
	}
}

// SourceOption configures a definition source.
type SourceOption func(*SourceOptions)

// WithFetchTimeout sets the fetch timeout in milliseconds.
func WithFetchTimeout(ms int64) SourceOption {
	return func(o *SourceOptions) {
		o.FetchTimeout = ms
	}
}

// ListOptions configures a ReplicatedEntryList.
type ListOptions struct {
	// MaxEntries bounds the handle space of the list.
	// Default: no bound beyond uint32.
	MaxEntries uint32

	// Remote marks the list as a read-only replica that only accepts deltas.
	Remote bool
}

// ListOption configures a ReplicatedEntryList.
type ListOption func(*ListOptions)

// WithListCapacity bounds the number of handles the list can issue.
func WithListCapacity(n uint32) ListOption {
	return func(o *ListOptions) {
		o.MaxEntries = n
	}
}

// AsReplica makes the list a remote replica.
func AsReplica() ListOption {
	return func(o *ListOptions) {
		o.Remote = true
	}
}

// ReplicatorOptions configures the replication loop.
type ReplicatorOptions struct {
	// TickRate is the interval between flushes.
	// Default: 50ms (20 TPS).
	TickRate time.Duration

	// Workers is the number of goroutines flushing actors in parallel.
	// Default: GOMAXPROCS.
	Workers int
}

// defaultReplicatorOptions returns sensible defaults.
func defaultReplicatorOptions() ReplicatorOptions {
	return ReplicatorOptions{
		TickRate: 50 * time.Millisecond,
		Workers:  max(runtime.GOMAXPROCS(0), 1),
	}
}

// ReplicatorOption configures the replication loop.
type ReplicatorOption func(*ReplicatorOptions)

// WithTickRate sets the flush interval.
func WithTickRate(d time.Duration) ReplicatorOption {
	return func(o *ReplicatorOptions) {
		o.TickRate = d
	}
}

// WithWorkers sets the number of flush workers.
func WithWorkers(n int) ReplicatorOption {
	return func(o *ReplicatorOptions) {
		o.Workers = n
	}
}
