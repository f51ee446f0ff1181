package loadout

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Transport ships deltas of actor collections to observers. Implementations
// must deliver the deltas of one collection reliably and in version order.
type Transport interface {
	Send(actor uuid.UUID, d Delta) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(actor uuid.UUID, d Delta) error

// Send implements Transport.
func (f TransportFunc) Send(actor uuid.UUID, d Delta) error {
	return f(actor, d)
}

// discardTransport acknowledges every delta without sending it.
type discardTransport struct{}

func (discardTransport) Send(uuid.UUID, Delta) error { return nil }

// forgetter is implemented by transports that keep per-actor state.
type forgetter interface {
	Forget(actor uuid.UUID)
}

// ActorSnapshot is the persisted form of an actor.
type ActorSnapshot struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Inventory []EntrySnapshot `json:"inventory"`
	Equipment []DefinitionID  `json:"equipment"`
}

// Manager is the central loadout coordinator. It owns every actor, the shared
// definition cache and the replication loop. Multiple managers can coexist in
// the same process.
type Manager struct {
	defs      *DefinitionCache
	fragments *FragmentRegistry
	transport Transport
	abilities func(*TagCounter) AbilityReceiver
	policies  []StoragePolicy
	loadout   *ItemSet
	slots     SlotMap
	listOpts  []ListOption
	onRemove  func(ActorSnapshot)

	actors   map[uuid.UUID]*Actor
	actorsMu sync.RWMutex

	// spawning holds ids reserved by Spawn calls still in progress
	spawning map[uuid.UUID]struct{}

	// actorsByName provides Name-based actor lookup
	actorsByName   map[string]*Actor
	actorsByNameMu sync.RWMutex

	replicator *Replicator
}

// newManager creates a new manager.
func newManager(defs *DefinitionCache, fragments *FragmentRegistry) *Manager {
	return &Manager{
		defs:         defs,
		fragments:    fragments,
		transport:    discardTransport{},
		abilities:    func(c *TagCounter) AbilityReceiver { return NewTagAbilities(c) },
		actors:       make(map[uuid.UUID]*Actor),
		spawning:     make(map[uuid.UUID]struct{}),
		actorsByName: make(map[string]*Actor),
	}
}

// Definitions returns the shared definition cache.
func (m *Manager) Definitions() *DefinitionCache {
	return m.defs
}

// Fragments returns the fragment registry.
func (m *Manager) Fragments() *FragmentRegistry {
	return m.fragments
}

// Spawn creates an actor, gives its loadout and brings its features up.
func (m *Manager) Spawn(cfg ActorConfig) (*Actor, error) {
	id := cfg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if !m.reserve(id) {
		return nil, fmt.Errorf("spawn %s: actor already exists", id)
	}
	defer m.release(id)

	counter := NewTagCounter()
	abilities := m.abilities(counter)

	inv := NewReplicatedEntryList(CollectionInventory, m.defs, m.fragments, m.listOpts...)
	eq := NewReplicatedEntryList(CollectionEquipment, m.defs, m.fragments, m.listOpts...)

	a := &Actor{
		id:        id,
		name:      cfg.Name,
		position:  cfg.Position,
		manager:   m,
		graph:     NewFeatureInitStateGraph(cfg.Name),
		counter:   counter,
		bindings:  &TagBindings{},
		abilities: abilities,
		inventory: NewInventorySystem(inv, append(append([]StoragePolicy{}, m.policies...), cfg.Policies...)...),
		equipment: NewEquipmentSystem(eq, abilities),
	}
	a.bindings.Attach(counter)
	a.equipment.Watch(a.inventory)
	if cfg.Slots != nil {
		a.equipment.SetSlotMap(cfg.Slots)
	} else {
		a.equipment.SetSlotMap(m.slots)
	}

	if cfg.Loadout == nil && cfg.Restore == nil {
		cfg.Loadout = m.loadout
	}
	if err := a.wireFeatures(cfg); err != nil {
		a.close()
		return nil, fmt.Errorf("spawn %s: %w", cfg.Name, err)
	}

	m.addActor(a)
	slog.Debug("loadout: actor spawned", "actor", a.name, "id", a.id, "items", inv.Len())
	return a, nil
}

// Restore spawns an actor from a snapshot.
func (m *Manager) Restore(snap ActorSnapshot) (*Actor, error) {
	return m.Spawn(ActorConfig{
		ID:        snap.ID,
		Name:      snap.Name,
		Restore:   snap.Inventory,
		Equipment: snap.Equipment,
	})
}

// reserve claims id for a Spawn. It fails when an actor holds the id or
// another Spawn claimed it first.
func (m *Manager) reserve(id uuid.UUID) bool {
	m.actorsMu.Lock()
	defer m.actorsMu.Unlock()
	if _, ok := m.actors[id]; ok {
		return false
	}
	if _, ok := m.spawning[id]; ok {
		return false
	}
	m.spawning[id] = struct{}{}
	return true
}

func (m *Manager) release(id uuid.UUID) {
	m.actorsMu.Lock()
	delete(m.spawning, id)
	m.actorsMu.Unlock()
}

// addActor registers an actor with the manager.
func (m *Manager) addActor(a *Actor) {
	m.actorsMu.Lock()
	m.actors[a.id] = a
	m.actorsMu.Unlock()

	if a.name != "" {
		m.actorsByNameMu.Lock()
		m.actorsByName[a.name] = a
		m.actorsByNameMu.Unlock()
	}
}

// Remove closes an actor and unregisters it. Pending deltas are flushed first.
func (m *Manager) Remove(a *Actor) {
	if a == nil {
		return
	}
	if err := a.flush(m.transport); err != nil {
		slog.Warn("loadout: final flush failed", "actor", a.name, "error", err)
	}
	if m.onRemove != nil {
		if snap, err := m.Snapshot(a); err == nil {
			m.onRemove(snap)
		} else if !errors.Is(err, ErrClosed) {
			slog.Warn("loadout: snapshot on remove failed", "actor", a.name, "error", err)
		}
	}
	a.close()

	m.actorsMu.Lock()
	delete(m.actors, a.id)
	m.actorsMu.Unlock()

	m.actorsByNameMu.Lock()
	if m.actorsByName[a.name] == a {
		delete(m.actorsByName, a.name)
	}
	m.actorsByNameMu.Unlock()

	if f, ok := m.transport.(forgetter); ok {
		f.Forget(a.id)
	}
}

// Actor retrieves an actor by UUID.
func (m *Manager) Actor(id uuid.UUID) *Actor {
	m.actorsMu.RLock()
	defer m.actorsMu.RUnlock()
	return m.actors[id]
}

// ActorByName retrieves an actor by name.
func (m *Manager) ActorByName(name string) *Actor {
	m.actorsByNameMu.RLock()
	defer m.actorsByNameMu.RUnlock()
	return m.actorsByName[name]
}

// Actors returns every open actor.
func (m *Manager) Actors() []*Actor {
	m.actorsMu.RLock()
	defer m.actorsMu.RUnlock()

	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		if !a.closed.Load() {
			actors = append(actors, a)
		}
	}
	return actors
}

// ActorCount returns the number of actors.
func (m *Manager) ActorCount() int {
	m.actorsMu.RLock()
	defer m.actorsMu.RUnlock()
	return len(m.actors)
}

// Flush sends the pending deltas of every actor. Failures are logged and
// joined; a failed actor is retried on the next flush.
func (m *Manager) Flush() error {
	var errs []error
	for _, a := range m.Actors() {
		if err := a.flush(m.transport); err != nil {
			slog.Warn("loadout: flush failed", "actor", a.name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot captures an actor for persistence.
func (m *Manager) Snapshot(a *Actor) (ActorSnapshot, error) {
	snap := ActorSnapshot{ID: a.id, Name: a.name}
	err := a.Exec(func(a *Actor) error {
		entries, err := a.inventory.list.Snapshot()
		if err != nil {
			return err
		}
		snap.Inventory = entries

		// Equipment that came from an item is re-equipped through the item.
		for _, e := range a.equipment.list.Entries() {
			if _, fromItem := a.equipment.Source(e.handle); fromItem {
				continue
			}
			snap.Equipment = append(snap.Equipment, e.definition)
		}
		return nil
	})
	return snap, err
}

// Snapshots captures every actor.
func (m *Manager) Snapshots() ([]ActorSnapshot, error) {
	actors := m.Actors()
	out := make([]ActorSnapshot, 0, len(actors))
	for _, a := range actors {
		snap, err := m.Snapshot(a)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				continue
			}
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Start starts the replication loop.
func (m *Manager) Start() {
	if m.replicator != nil {
		m.replicator.Start()
	}
}

// Shutdown stops the replication loop and removes every actor.
func (m *Manager) Shutdown() {
	if m.replicator != nil {
		m.replicator.Stop()
	}
	for _, a := range m.Actors() {
		m.Remove(a)
	}
}
