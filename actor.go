package loadout

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Features every actor registers on spawn.
const (
	FeatureAbilities FeatureID = "abilities"
	FeatureInventory FeatureID = "inventory"
	FeatureEquipment FeatureID = "equipment"
)

// Collection ids of the lists owned by an actor.
const (
	CollectionInventory uint32 = 1
	CollectionEquipment uint32 = 2
)

// ActorConfig configures a new actor. It is used with Manager.Spawn.
type ActorConfig struct {
	// ID defaults to a random UUID.
	ID   uuid.UUID
	Name string

	Position mgl64.Vec3

	// Loadout is given on spawn. It is ignored when Restore is set.
	Loadout *ItemSet

	// Restore rebuilds the inventory from persisted snapshots.
	Restore []EntrySnapshot

	// Equipment is equipped once the equipment feature is unblocked.
	Equipment []DefinitionID

	// Policies are added to the manager's storage policies for this actor.
	Policies []StoragePolicy

	// Slots replaces the manager's slot map for this actor.
	Slots SlotMap
}

// Actor owns the inventory, equipment and feature graph of one player or NPC.
//
// Concurrency:
// Every collection of an actor has a single logical owner. All access to the
// inventory and equipment goes through Exec, which serialises callers.
type Actor struct {
	id       uuid.UUID
	name     string
	position mgl64.Vec3

	manager *Manager

	graph     *FeatureInitStateGraph
	counter   *TagCounter
	bindings  *TagBindings
	abilities AbilityReceiver
	inventory *InventorySystem
	equipment *EquipmentSystem

	// mu serialises Exec and flushes
	mu sync.Mutex

	closed atomic.Bool
}

// ID returns the actor's UUID.
func (a *Actor) ID() uuid.UUID {
	return a.id
}

// Name returns the actor's name.
func (a *Actor) Name() string {
	return a.name
}

// Manager returns the manager owning the actor.
func (a *Actor) Manager() *Manager {
	return a.manager
}

// Graph returns the feature graph of the actor.
func (a *Actor) Graph() *FeatureInitStateGraph {
	return a.graph
}

// Tags returns the counter holding the actor's granted tags.
func (a *Actor) Tags() *TagCounter {
	return a.counter
}

// Bindings returns the tag bindings attached to the actor's tag counter.
func (a *Actor) Bindings() *TagBindings {
	return a.bindings
}

// Inventory returns the inventory. Use it inside Exec.
func (a *Actor) Inventory() *InventorySystem {
	return a.inventory
}

// Equipment returns the equipment. Use it inside Exec.
func (a *Actor) Equipment() *EquipmentSystem {
	return a.equipment
}

// Position returns the last known position of the actor.
func (a *Actor) Position() mgl64.Vec3 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// SetPosition updates the last known position.
func (a *Actor) SetPosition(pos mgl64.Vec3) {
	a.mu.Lock()
	a.position = pos
	a.mu.Unlock()
}

// Exec runs fn with exclusive access to the actor.
// It returns ErrClosed once the actor has been removed.
//
// Usage:
//
//	err := actor.Exec(func(a *loadout.Actor) error {
//	    _, err := a.Inventory().Add("potion", 3)
//	    return err
//	})
func (a *Actor) Exec(fn func(a *Actor) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrClosed
	}
	return fn(a)
}

// Closed returns true if the actor has been removed.
func (a *Actor) Closed() bool {
	return a.closed.Load()
}

// Lists returns the replicated lists of the actor.
func (a *Actor) Lists() []*ReplicatedEntryList {
	return []*ReplicatedEntryList{a.inventory.list, a.equipment.list}
}

// Resync returns a delta that brings an empty replica of collection up to date.
// Late joiners apply it before any regular delta.
func (a *Actor) Resync(collection uint32) (Delta, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.Lists() {
		if l.ID() == collection {
			return l.ComputeDelta(0)
		}
	}
	return Delta{}, fmt.Errorf("resync %s: unknown collection %d", a.id, collection)
}

// String returns a string representation of the actor for debugging.
func (a *Actor) String() string {
	return fmt.Sprintf("Actor{Name: %s, UUID: %s, Inventory: %d, Equipment: %d}",
		a.name, a.id, a.inventory.list.Len(), a.equipment.list.Len())
}

// wireFeatures registers the actor features and brings them up.
// Abilities are ready at once; the inventory is ready once its content is in;
// equipment waits for both.
func (a *Actor) wireFeatures(cfg ActorConfig) error {
	g := a.graph
	if err := g.Register(FeatureAbilities); err != nil {
		return err
	}
	if err := g.Register(FeatureInventory); err != nil {
		return err
	}
	err := g.Register(FeatureEquipment,
		Dependency{Feature: FeatureInventory, Stage: DependenciesReady},
		Dependency{Feature: FeatureAbilities, Stage: Initialized},
	)
	if err != nil {
		return err
	}

	g.OnUnblocked(func(feature FeatureID, next FeatureStage) {
		if feature != FeatureEquipment {
			return
		}
		if err := g.Advance(feature, next); err != nil {
			slog.Warn("loadout: equipment advance failed", "actor", a.name, "error", err)
		}
	})
	g.RegisterCallback(FeatureEquipment, DependenciesReady, func(FeatureStateChange) {
		a.reequip()
		for _, id := range cfg.Equipment {
			if _, err := a.equipment.Equip(id, Handle{}); err != nil {
				slog.Warn("loadout: spawn equip failed", "actor", a.name, "equipment", id, "error", err)
			}
		}
		if err := g.Advance(FeatureEquipment, Initialized); err != nil {
			slog.Warn("loadout: equipment advance failed", "actor", a.name, "error", err)
		}
	})

	if err := advanceTo(g, FeatureAbilities, Initialized); err != nil {
		return err
	}
	if err := g.Advance(FeatureEquipment, DataAvailable); err != nil {
		return err
	}

	switch {
	case cfg.Restore != nil:
		if err := a.inventory.Restore(cfg.Restore); err != nil {
			slog.Warn("loadout: partial inventory restore", "actor", a.name, "error", err)
		}
	case cfg.Loadout != nil:
		if _, err := a.inventory.GiveSet(*cfg.Loadout); err != nil {
			return err
		}
	}
	return advanceTo(g, FeatureInventory, Initialized)
}

// reequip binds restored items that were equipped when the actor was saved.
func (a *Actor) reequip() {
	for _, e := range a.inventory.list.Entries() {
		st, ok := CapabilityOf[*EquippableState](e.instance)
		if !ok || !st.Equipped {
			continue
		}
		if _, err := a.equipment.EquipItem(a.inventory, e.handle, st.Slot); err != nil {
			slog.Warn("loadout: re-equip failed", "actor", a.name, "item", e.handle, "error", err)
			_ = a.inventory.list.Mutate(e.handle, func(inst *Instance) error {
				UpdateCapability(inst, func(st *EquippableState) { *st = EquippableState{} })
				return nil
			})
		}
	}
}

// advanceTo advances feature one stage at a time until it reaches stage.
func advanceTo(g *FeatureInitStateGraph, feature FeatureID, stage FeatureStage) error {
	for cur := g.Stage(feature); cur < stage; cur = g.Stage(feature) {
		next, _ := cur.Next()
		if err := g.Advance(feature, next); err != nil {
			return err
		}
	}
	return nil
}

// flush sends every pending delta of the actor and acknowledges what was sent.
// A failed send leaves the list unacknowledged; the next flush resends from the
// same version.
func (a *Actor) flush(t Transport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return nil
	}

	for _, l := range a.Lists() {
		if l.Version() == l.Sent() {
			continue
		}
		d, err := l.ComputeDelta(l.Sent())
		if err != nil {
			return err
		}
		if d.Empty() {
			// Everything since the last send cancelled out. Replicas stay at the
			// sent version so the next delta still starts where they are.
			continue
		}
		if err := t.Send(a.id, d); err != nil {
			return fmt.Errorf("send collection %d of %s: %w", l.ID(), a.id, err)
		}
		l.MarkSent(d.To)
	}
	return nil
}

// close tears down the actor. It is called by Manager.Remove.
func (a *Actor) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Swap(true) {
		return
	}

	if err := a.equipment.Close(); err != nil {
		slog.Warn("loadout: unequip on close failed", "actor", a.name, "error", err)
	}
	a.bindings.Detach()
	a.graph.Close()
}
