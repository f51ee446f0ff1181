package loadout

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Replicator flushes the deltas of every actor on a fixed tick.
// Actors are flushed in parallel on a worker pool.
type Replicator struct {
	manager *Manager

	// Worker pool
	workers    int
	workerPool chan func()
	workerWG   sync.WaitGroup

	// Execution state
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Tick tracking
	tickRate   time.Duration
	lastTick   time.Time
	tickNumber atomic.Uint64
}

// newReplicator creates a new replicator.
func newReplicator(manager *Manager, opts ...ReplicatorOption) *Replicator {
	o := defaultReplicatorOptions()
	for _, opt := range opts {
		opt(&o)
	}
	workers := max(o.Workers, 1)

	return &Replicator{
		manager:    manager,
		workers:    workers,
		workerPool: make(chan func(), workers*4),
		tickRate:   o.TickRate,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the replication loop.
func (r *Replicator) Start() {
	if r.running.Swap(true) {
		return // Already running
	}

	for i := 0; i < r.workers; i++ {
		r.workerWG.Add(1)
		go r.worker()
	}

	go r.tickLoop()
}

// Stop gracefully shuts down the replicator. Pending deltas are flushed one
// last time before it returns.
func (r *Replicator) Stop() {
	if !r.running.Swap(false) {
		return // Not running
	}

	close(r.stopCh)
	<-r.doneCh

	close(r.workerPool)
	r.workerWG.Wait()
}

// TickNumber returns the number of ticks run so far.
func (r *Replicator) TickNumber() uint64 {
	return r.tickNumber.Load()
}

// worker is a pool worker that executes jobs.
func (r *Replicator) worker() {
	defer r.workerWG.Done()
	for fn := range r.workerPool {
		fn()
	}
}

// tickLoop is the main replication loop.
func (r *Replicator) tickLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.tick(time.Now())
			return

		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

// tick flushes every actor once.
func (r *Replicator) tick(now time.Time) {
	r.tickNumber.Add(1)
	r.lastTick = now

	var wg sync.WaitGroup
	for _, a := range r.manager.Actors() {
		wg.Add(1)
		job := func() {
			defer wg.Done()
			r.flushActor(a)
		}

		select {
		case r.workerPool <- job:
		default:
			// Worker pool full, run inline
			job()
		}
	}
	wg.Wait()
}

// flushActor flushes one actor, recovering from panics in transports and observers.
func (r *Replicator) flushActor(a *Actor) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlePanic(a, rec)
		}
	}()
	if err := a.flush(r.manager.transport); err != nil {
		slog.Warn("loadout: flush failed", "actor", a.name, "error", err)
	}
}

func (r *Replicator) handlePanic(a *Actor, recovered any) {
	err := fmt.Errorf("loadout: panic flushing %s: %v\n%s", a.name, recovered, debug.Stack())
	slog.Error(err.Error(), "actor", a.id)
}
