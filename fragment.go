package loadout

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// FragmentKind names a capability kind, e.g. "storable". Kinds are the keys used
// by definition data files.
type FragmentKind string

// Fragment is a stateless rule object attached to a definition. Each fragment
// produces its own per-instance capability state and knows how to tear it down.
//
// New item behaviours are added by writing a Fragment and registering it; the
// entry list, definitions and instances never change.
type Fragment interface {
	Kind() FragmentKind

	// Instantiate creates the capability state for a newly created instance.
	Instantiate(inst *Instance) Capability

	// Teardown releases anything Instantiate set up. It runs when the entry is removed.
	Teardown(inst *Instance, c Capability)
}

// Capability is the mutable, per-instance state produced by a fragment. It must
// be a pointer to a JSON encodable struct; its fields are what gets replicated.
type Capability interface {
	Kind() FragmentKind
}

// FragmentFactory creates a zero fragment of one kind, ready to be decoded into.
type FragmentFactory func() Fragment

// ErrUnknownFragment is returned for fragment kinds that were never registered.
var ErrUnknownFragment = errors.New("loadout: unknown fragment kind")

// FragmentRegistry resolves the fragments of definitions and instantiates their
// capability state. Reads are lock-free; registration normally happens once at startup.
type FragmentRegistry struct {
	// factories maps FragmentKind to FragmentFactory
	factories sync.Map

	// kinds keeps registration order for Kinds
	kinds   []FragmentKind
	kindsMu sync.RWMutex
}

// NewFragmentRegistry creates a registry with the built-in fragment kinds registered.
func NewFragmentRegistry() *FragmentRegistry {
	r := &FragmentRegistry{}
	for kind, factory := range builtinFragments() {
		_ = r.Register(kind, factory)
	}
	return r
}

// Register adds a fragment kind. Registering the same kind twice is an error.
func (r *FragmentRegistry) Register(kind FragmentKind, factory FragmentFactory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("loadout: invalid fragment registration %q", kind)
	}
	if _, loaded := r.factories.LoadOrStore(kind, factory); loaded {
		return fmt.Errorf("loadout: fragment kind %q already registered", kind)
	}

	r.kindsMu.Lock()
	r.kinds = append(r.kinds, kind)
	slices.Sort(r.kinds)
	r.kindsMu.Unlock()
	return nil
}

// Registered reports whether kind has a factory.
func (r *FragmentRegistry) Registered(kind FragmentKind) bool {
	_, ok := r.factories.Load(kind)
	return ok
}

// New returns a zero fragment of the given kind.
func (r *FragmentRegistry) New(kind FragmentKind) (Fragment, error) {
	v, ok := r.factories.Load(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFragment, kind)
	}
	return v.(FragmentFactory)(), nil
}

// Kinds returns every registered kind in sorted order.
func (r *FragmentRegistry) Kinds() []FragmentKind {
	r.kindsMu.RLock()
	defer r.kindsMu.RUnlock()
	return slices.Clone(r.kinds)
}

// Resolve returns the fragments that apply to def, in definition order. Only the
// first fragment of each kind applies; nil fragments are skipped.
func (r *FragmentRegistry) Resolve(def *Definition) []Fragment {
	if def == nil {
		return nil
	}
	out := make([]Fragment, 0, len(def.Fragments))
	seen := make(map[FragmentKind]struct{}, len(def.Fragments))
	for _, f := range def.Fragments {
		if f == nil {
			continue
		}
		if _, dup := seen[f.Kind()]; dup {
			continue
		}
		seen[f.Kind()] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Instantiate creates the capability state of f for inst.
func (r *FragmentRegistry) Instantiate(f Fragment, inst *Instance) (Capability, error) {
	if !r.Registered(f.Kind()) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFragment, f.Kind())
	}
	c := f.Instantiate(inst)
	if c == nil {
		return nil, fmt.Errorf("loadout: fragment %q produced no capability", f.Kind())
	}
	if c.Kind() != f.Kind() {
		return nil, fmt.Errorf("loadout: fragment %q produced capability of kind %q", f.Kind(), c.Kind())
	}
	return c, nil
}

// Teardown tears down the capability state of f.
func (r *FragmentRegistry) Teardown(f Fragment, inst *Instance, c Capability) {
	if f == nil || c == nil {
		return
	}
	f.Teardown(inst, c)
}

// instantiateAll builds one capability per resolved fragment. On failure the
// capabilities created so far are torn down.
func (r *FragmentRegistry) instantiateAll(inst *Instance) error {
	frags := r.Resolve(inst.def)
	if len(frags) > MaxCapabilities {
		return fmt.Errorf("loadout: definition %q has %d fragments (max %d)", inst.def.ID, len(frags), MaxCapabilities)
	}

	inst.fragments = frags
	inst.caps = make([]Capability, 0, len(frags))
	for _, f := range frags {
		c, err := r.Instantiate(f, inst)
		if err != nil {
			r.teardownAll(inst)
			return err
		}
		inst.caps = append(inst.caps, c)
	}
	return nil
}

// teardownAll tears capabilities down in reverse creation order.
func (r *FragmentRegistry) teardownAll(inst *Instance) {
	for i := len(inst.caps) - 1; i >= 0; i-- {
		r.Teardown(inst.fragments[i], inst, inst.caps[i])
	}
	inst.caps = nil
}
