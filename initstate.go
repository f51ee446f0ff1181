package loadout

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// FeatureID names an actor feature, e.g. "inventory".
type FeatureID string

// Dependency gates a feature on a prerequisite: the dependent may not reach
// Stage or any later stage until Feature has reached Stage.
type Dependency struct {
	Feature FeatureID
	Stage   FeatureStage
}

// FeatureStateChange is passed to stage callbacks.
type FeatureStateChange struct {
	Feature FeatureID
	Stage   FeatureStage
}

// CallbackHandle identifies a registered stage callback.
type CallbackHandle uint64

type featureState struct {
	stage FeatureStage
	deps  []Dependency
}

type stageCallback struct {
	handle  CallbackHandle
	feature FeatureID
	stage   FeatureStage
	fn      func(FeatureStateChange)
}

// FeatureInitStateGraph tracks the initialisation stage of every feature of one
// actor. It is created with the actor and closed with it; nothing about it is
// process wide.
//
// Callbacks and listeners run synchronously on the goroutine that advanced the
// feature, without any graph lock held. Advances made from inside a callback are
// applied at once but their callbacks are queued behind the current dispatch.
type FeatureInitStateGraph struct {
	owner string

	mu        sync.Mutex
	features  map[FeatureID]*featureState
	order     []FeatureID
	callbacks []*stageCallback
	nextID    CallbackHandle

	listeners    map[int]func(FeatureID, FeatureStage)
	listenerSeq  []int
	nextListener int

	queue       []FeatureStateChange
	dispatching bool
	closed      bool
}

// NewFeatureInitStateGraph creates an empty graph. Owner is only used in logs.
func NewFeatureInitStateGraph(owner string) *FeatureInitStateGraph {
	return &FeatureInitStateGraph{
		owner:     owner,
		features:  make(map[FeatureID]*featureState),
		listeners: make(map[int]func(FeatureID, FeatureStage)),
	}
}

// Register declares a feature and its prerequisites. Registering a known feature
// adds the dependencies to the ones it already has. A rejected registration
// leaves the graph unchanged.
func (g *FeatureInitStateGraph) Register(feature FeatureID, deps ...Dependency) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}

	stage := g.stageLocked(feature)
	for _, dep := range deps {
		if !dep.Stage.Valid() {
			return fmt.Errorf("loadout: %s: invalid dependency stage %d", feature, dep.Stage)
		}
		if dep.Feature == feature || g.reachesLocked(dep.Feature, feature) {
			return fmt.Errorf("%s -> %s: %w", feature, dep.Feature, ErrDependencyCycle)
		}
		if stage >= dep.Stage && g.stageLocked(dep.Feature) < dep.Stage {
			d := dep
			return &TransitionError{Feature: feature, From: stage, To: stage, Blocker: &d}
		}
	}

	fs := g.featureLocked(feature)
	for _, dep := range deps {
		g.featureLocked(dep.Feature)
	}
	fs.deps = append(fs.deps, deps...)
	return nil
}

// RemoveFeature forgets a feature and drops the callbacks watching it.
// Features depending on it stay blocked as if it were uninitialised.
func (g *FeatureInitStateGraph) RemoveFeature(feature FeatureID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.features[feature]; !ok {
		return
	}
	delete(g.features, feature)
	g.order = slices.DeleteFunc(g.order, func(f FeatureID) bool { return f == feature })
	g.callbacks = slices.DeleteFunc(g.callbacks, func(cb *stageCallback) bool { return cb.feature == feature })
}

// Advance moves feature exactly one stage forward to stage.
//
// It fails with a *TransitionError, matching ErrInvalidTransition, when stage
// is not the next stage or a prerequisite has not reached the stage it gates.
// On failure nothing changes. On success the callbacks watching the new stage
// fire in registration order, then OnUnblocked listeners are told about
// dependents that can now advance.
func (g *FeatureInitStateGraph) Advance(feature FeatureID, stage FeatureStage) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}

	fs := g.featureLocked(feature)
	next, ok := fs.stage.Next()
	if !ok || next != stage {
		err := &TransitionError{Feature: feature, From: fs.stage, To: stage}
		g.mu.Unlock()
		return err
	}
	if blocker := g.blockerLocked(fs, stage); blocker != nil {
		err := &TransitionError{Feature: feature, From: fs.stage, To: stage, Blocker: blocker}
		g.mu.Unlock()
		return err
	}

	fs.stage = stage
	g.queue = append(g.queue, FeatureStateChange{Feature: feature, Stage: stage})
	slog.Debug("loadout: feature advanced", "owner", g.owner, "feature", feature, "stage", stage.String())

	if g.dispatching {
		g.mu.Unlock()
		return nil
	}
	g.dispatching = true
	g.mu.Unlock()

	g.dispatch()
	return nil
}

// dispatch drains the change queue. Only one goroutine dispatches at a time.
func (g *FeatureInitStateGraph) dispatch() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 || g.closed {
			g.queue = nil
			g.dispatching = false
			g.mu.Unlock()
			return
		}
		change := g.queue[0]
		g.queue = g.queue[1:]

		var fire []*stageCallback
		kept := g.callbacks[:0]
		for _, cb := range g.callbacks {
			if cb.feature == change.Feature && cb.stage == change.Stage {
				fire = append(fire, cb)
				continue
			}
			kept = append(kept, cb)
		}
		clear(g.callbacks[len(kept):])
		g.callbacks = kept

		unblocked := g.unblockedLocked(change)
		listeners := make([]func(FeatureID, FeatureStage), 0, len(g.listenerSeq))
		for _, id := range g.listenerSeq {
			listeners = append(listeners, g.listeners[id])
		}
		g.mu.Unlock()

		for _, cb := range fire {
			cb.fn(change)
		}
		for _, u := range unblocked {
			for _, fn := range listeners {
				fn(u.Feature, u.Stage)
			}
		}
	}
}

// unblockedLocked returns the dependents gated by change that can now advance,
// along with the stage they can advance to.
func (g *FeatureInitStateGraph) unblockedLocked(change FeatureStateChange) []FeatureStateChange {
	var out []FeatureStateChange
	for _, id := range g.order {
		fs := g.features[id]
		next, ok := fs.stage.Next()
		if !ok {
			continue
		}
		gated := false
		for _, dep := range fs.deps {
			if dep.Feature == change.Feature && dep.Stage == change.Stage && next >= dep.Stage {
				gated = true
				break
			}
		}
		if gated && g.blockerLocked(fs, next) == nil {
			out = append(out, FeatureStateChange{Feature: id, Stage: next})
		}
	}
	return out
}

// RegisterCallback calls fn once feature reaches stage. If it already has, fn is
// called before RegisterCallback returns and the returned handle is inert.
// Every callback fires at most once.
func (g *FeatureInitStateGraph) RegisterCallback(feature FeatureID, stage FeatureStage, fn func(FeatureStateChange)) CallbackHandle {
	g.mu.Lock()
	if g.closed || fn == nil {
		g.mu.Unlock()
		return 0
	}

	g.nextID++
	h := g.nextID

	fs := g.featureLocked(feature)
	if fs.stage >= stage {
		g.mu.Unlock()
		fn(FeatureStateChange{Feature: feature, Stage: stage})
		return h
	}

	g.callbacks = append(g.callbacks, &stageCallback{handle: h, feature: feature, stage: stage, fn: fn})
	g.mu.Unlock()
	return h
}

// Unregister removes a pending callback. It reports whether it was still pending.
func (g *FeatureInitStateGraph) Unregister(h CallbackHandle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := slices.IndexFunc(g.callbacks, func(cb *stageCallback) bool { return cb.handle == h })
	if i < 0 {
		return false
	}
	g.callbacks = slices.Delete(g.callbacks, i, i+1)
	return true
}

// OnUnblocked registers fn to be told when a feature becomes able to advance
// because a prerequisite advanced. The feature itself is left where it is.
func (g *FeatureInitStateGraph) OnUnblocked(fn func(feature FeatureID, next FeatureStage)) (cancel func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextListener
	g.nextListener++
	g.listeners[id] = fn
	g.listenerSeq = append(g.listenerSeq, id)

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, id)
		g.listenerSeq = slices.DeleteFunc(g.listenerSeq, func(v int) bool { return v == id })
	}
}

// Stage returns the current stage of feature. Unknown features are Uninitialized.
func (g *FeatureInitStateGraph) Stage(feature FeatureID) FeatureStage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fs, ok := g.features[feature]; ok {
		return fs.stage
	}
	return Uninitialized
}

// HasReached reports whether feature is at stage or later.
func (g *FeatureInitStateGraph) HasReached(feature FeatureID, stage FeatureStage) bool {
	return g.Stage(feature) >= stage
}

// CanAdvance reports whether feature could advance to its next stage now.
func (g *FeatureInitStateGraph) CanAdvance(feature FeatureID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	fs, ok := g.features[feature]
	if !ok {
		return true
	}
	next, ok := fs.stage.Next()
	return ok && g.blockerLocked(fs, next) == nil
}

// Blockers returns the dependencies that keep feature from its next stage.
func (g *FeatureInitStateGraph) Blockers(feature FeatureID) []Dependency {
	g.mu.Lock()
	defer g.mu.Unlock()

	fs, ok := g.features[feature]
	if !ok {
		return nil
	}
	next, ok := fs.stage.Next()
	if !ok {
		return nil
	}
	var out []Dependency
	for _, dep := range fs.deps {
		if next >= dep.Stage && g.stageLocked(dep.Feature) < dep.Stage {
			out = append(out, dep)
		}
	}
	return out
}

// Features returns every known feature in registration order.
func (g *FeatureInitStateGraph) Features() []FeatureID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.order)
}

// Pending returns the number of callbacks waiting to fire.
func (g *FeatureInitStateGraph) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.callbacks)
}

// Close drops every pending callback and listener. Further advances fail with
// ErrClosed.
func (g *FeatureInitStateGraph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	g.callbacks = nil
	g.queue = nil
	clear(g.listeners)
	g.listenerSeq = nil
}

func (g *FeatureInitStateGraph) featureLocked(feature FeatureID) *featureState {
	fs, ok := g.features[feature]
	if !ok {
		fs = &featureState{}
		g.features[feature] = fs
		g.order = append(g.order, feature)
	}
	return fs
}

func (g *FeatureInitStateGraph) stageLocked(feature FeatureID) FeatureStage {
	if fs, ok := g.features[feature]; ok {
		return fs.stage
	}
	return Uninitialized
}

// blockerLocked returns the first dependency that forbids fs from reaching stage.
func (g *FeatureInitStateGraph) blockerLocked(fs *featureState, stage FeatureStage) *Dependency {
	for i := range fs.deps {
		dep := fs.deps[i]
		if stage >= dep.Stage && g.stageLocked(dep.Feature) < dep.Stage {
			return &dep
		}
	}
	return nil
}

// reachesLocked reports whether from depends, directly or not, on to.
func (g *FeatureInitStateGraph) reachesLocked(from, to FeatureID) bool {
	seen := make(map[FeatureID]bool)
	stack := []FeatureID{from}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f == to {
			return true
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		if fs, ok := g.features[f]; ok {
			for _, dep := range fs.deps {
				stack = append(stack, dep.Feature)
			}
		}
	}
	return false
}
