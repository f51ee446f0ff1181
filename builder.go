package loadout

// Builder configures loadout before initialization.
// Use NewBuilder() to create a builder and chain configuration methods.
type Builder struct {
	fragments      []fragmentRegistration
	source         DefinitionSource
	sourceOptions  []SourceOption
	preload        []DefinitionID
	transport      Transport
	abilities      func(*TagCounter) AbilityReceiver
	policies       []StoragePolicy
	loadout        *ItemSet
	slots          SlotMap
	listOptions    []ListOption
	replicatorOpts []ReplicatorOption
	noReplicator   bool
	onRemove       func(ActorSnapshot)
}

type fragmentRegistration struct {
	kind    FragmentKind
	factory FragmentFactory
}

// NewBuilder creates a new loadout builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Fragment registers a custom fragment kind next to the built-in ones.
func (b *Builder) Fragment(kind FragmentKind, factory FragmentFactory) *Builder {
	b.fragments = append(b.fragments, fragmentRegistration{kind, factory})
	return b
}

// Definitions sets the definition source. It is wrapped in a DefinitionCache.
//
// Example:
//
//	builder.Definitions(catalog, loadout.WithFetchTimeout(2000))
func (b *Builder) Definitions(src DefinitionSource, opts ...SourceOption) *Builder {
	b.source = src
	b.sourceOptions = opts
	return b
}

// Preload loads the given definitions during Init. A missing definition panics.
func (b *Builder) Preload(ids ...DefinitionID) *Builder {
	b.preload = append(b.preload, ids...)
	return b
}

// Transport sets the replication transport. Without one, deltas are acknowledged
// and dropped.
func (b *Builder) Transport(t Transport) *Builder {
	b.transport = t
	return b
}

// Abilities sets the factory of each actor's ability receiver.
// The default counts grants into the actor's TagCounter.
func (b *Builder) Abilities(factory func(*TagCounter) AbilityReceiver) *Builder {
	b.abilities = factory
	return b
}

// Policy adds a storage policy applied to every inventory.
func (b *Builder) Policy(p StoragePolicy) *Builder {
	b.policies = append(b.policies, p)
	return b
}

// Loadout sets the item set given to actors spawned without one.
func (b *Builder) Loadout(set ItemSet) *Builder {
	b.loadout = &set
	return b
}

// Slots sets the equipment slots of every actor. Without it any valid slot tag
// is accepted.
func (b *Builder) Slots(slots ...Tag) *Builder {
	b.slots = append(b.slots, slots...)
	return b
}

// Lists applies options to every list created for an actor.
func (b *Builder) Lists(opts ...ListOption) *Builder {
	b.listOptions = append(b.listOptions, opts...)
	return b
}

// Replicator configures the replication loop.
func (b *Builder) Replicator(opts ...ReplicatorOption) *Builder {
	b.replicatorOpts = append(b.replicatorOpts, opts...)
	return b
}

// OnRemove sets a function called with the last snapshot of every removed
// actor, before its equipment is torn down. Servers persist it here.
func (b *Builder) OnRemove(fn func(ActorSnapshot)) *Builder {
	b.onRemove = fn
	return b
}

// Manual disables the replication loop. Deltas are only sent by Manager.Flush.
func (b *Builder) Manual() *Builder {
	b.noReplicator = true
	return b
}

// Init initializes loadout with the configured settings and starts replicating.
// Returns the Manager instance which should be stored and used to spawn actors.
func (b *Builder) Init() *Manager {
	fragments := NewFragmentRegistry()
	for _, reg := range b.fragments {
		if err := fragments.Register(reg.kind, reg.factory); err != nil {
			panic("loadout: failed to register fragment: " + err.Error())
		}
	}

	src := b.source
	if src == nil {
		src = MapSource{}
	}
	defs := NewDefinitionCache(src, b.sourceOptions...)
	for _, id := range b.preload {
		if _, err := defs.Get(id); err != nil {
			panic("loadout: failed to preload definitions: " + err.Error())
		}
	}

	m := newManager(defs, fragments)
	if b.transport != nil {
		m.transport = b.transport
	}
	if b.abilities != nil {
		m.abilities = b.abilities
	}
	m.policies = b.policies
	m.loadout = b.loadout
	m.slots = b.slots
	m.listOpts = b.listOptions
	m.onRemove = b.onRemove

	if !b.noReplicator {
		m.replicator = newReplicator(m, b.replicatorOpts...)
		m.Start()
	}
	return m
}
