package loadout

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/go-gl/mathgl/mgl64"
)

// ItemSet is a named list of items given together, e.g. a default loadout.
type ItemSet struct {
	ID    string         `yaml:"id" json:"id"`
	Items []ItemSetEntry `yaml:"items" json:"items"`
}

// ItemSetEntry is one line of an ItemSet.
type ItemSetEntry struct {
	Definition DefinitionID `yaml:"definition" json:"definition"`
	Count      int          `yaml:"count" json:"count"`
}

// AddResult describes where added items went.
type AddResult struct {
	// Added is the number of items stored.
	Added int

	// Stacked are existing stacks that were topped up.
	Stacked []Handle

	// Created are the new stacks.
	Created []Handle
}

// Handles returns every stack touched by the add.
func (r AddResult) Handles() []Handle {
	return append(slices.Clone(r.Stacked), r.Created...)
}

// DroppedItem is what leaves an inventory through Drop.
type DroppedItem struct {
	Snapshot EntrySnapshot
	Position mgl64.Vec3
}

// InventorySystem is the server-side inventory of one actor. It owns a single
// authoritative ReplicatedEntryList of item instances and applies the stacking
// rules on top of it.
type InventorySystem struct {
	list     *ReplicatedEntryList
	policies []StoragePolicy
}

// NewInventorySystem wraps list, which must be authoritative.
func NewInventorySystem(list *ReplicatedEntryList, policies ...StoragePolicy) *InventorySystem {
	return &InventorySystem{list: list, policies: policies}
}

// List returns the underlying list.
func (s *InventorySystem) List() *ReplicatedEntryList {
	return s.list
}

// AddPolicy appends a storage policy.
func (s *InventorySystem) AddPolicy(p StoragePolicy) {
	s.policies = append(s.policies, p)
}

// Add stores count items of def.
//
// Existing stacks of the same definition are topped up to their stack limit
// before new stacks are created. Unique items are held at most once, in a
// stack of one. Definitions without a Storable fragment never stack.
func (s *InventorySystem) Add(id DefinitionID, count int) (AddResult, error) {
	var res AddResult
	if count <= 0 {
		return res, fmt.Errorf("add %d x %q: %w", count, id, ErrInvalidCount)
	}

	def, err := s.list.loadDefinition(id)
	if err != nil {
		return res, fmt.Errorf("add %q: %w", id, err)
	}
	if err := s.check(def, count); err != nil {
		return res, err
	}

	limit := stackLimit(def)
	remaining := count

	for _, e := range s.list.entries {
		if remaining == 0 {
			break
		}
		if e.definition != id || e.instance.stack >= limit {
			continue
		}
		n := min(limit-e.instance.stack, remaining)
		err := s.list.Mutate(e.handle, func(inst *Instance) error {
			inst.SetStackCount(inst.stack + n)
			return nil
		})
		if err != nil {
			return res, err
		}
		remaining -= n
		res.Added += n
		res.Stacked = append(res.Stacked, e.handle)
	}

	for remaining > 0 {
		n := min(limit, remaining)
		params := AddParams{StackCount: n}
		if def.HasFragment(KindStorable) {
			params.State = map[FragmentKind]json.RawMessage{
				KindStorable: slotState(s.freeSlot()),
			}
		}
		h, err := s.list.Add(id, params)
		if err != nil {
			return res, err
		}
		remaining -= n
		res.Added += n
		res.Created = append(res.Created, h)
	}
	return res, nil
}

// CanAdd reports whether Add(id, count) would be accepted.
func (s *InventorySystem) CanAdd(id DefinitionID, count int) bool {
	if count <= 0 {
		return false
	}
	def, err := s.list.loadDefinition(id)
	if err != nil {
		return false
	}
	return s.check(def, count) == nil
}

func (s *InventorySystem) check(def *Definition, count int) error {
	if def.Class != ClassItem {
		return fmt.Errorf("add %q: %s is not an item: %w", def.ID, def.Class, ErrWrongClass)
	}
	if storable, ok := FragmentOf[*Storable](def); ok && storable.Unique {
		if count > 1 || s.TotalCount(def.ID) > 0 {
			return fmt.Errorf("add %q: unique item: %w", def.ID, ErrStorageDenied)
		}
	}
	for _, p := range s.policies {
		if err := p.Allow(s, def, count); err != nil {
			return err
		}
	}
	return nil
}

// Remove removes the whole stack of h.
func (s *InventorySystem) Remove(h Handle) error {
	return s.list.Remove(h)
}

// RemoveCount takes n items from the stack of h, removing the stack when it
// runs out.
func (s *InventorySystem) RemoveCount(h Handle, n int) error {
	e, err := s.list.Resolve(h)
	if err != nil {
		return err
	}
	stack := e.instance.stack
	if n <= 0 || n > stack {
		return fmt.Errorf("remove %d of %d from %s: %w", n, stack, h, ErrInvalidCount)
	}
	if n == stack {
		return s.list.Remove(h)
	}
	return s.list.Mutate(h, func(inst *Instance) error {
		inst.SetStackCount(stack - n)
		return nil
	})
}

// RemoveDefinition takes count items of id across stacks, newest stacks first.
func (s *InventorySystem) RemoveDefinition(id DefinitionID, count int) error {
	if count <= 0 || count > s.TotalCount(id) {
		return fmt.Errorf("remove %d x %q: %w", count, id, ErrInvalidCount)
	}
	handles := s.HandlesOf(id)
	for i := len(handles) - 1; i >= 0 && count > 0; i-- {
		n, _ := s.StackCount(handles[i])
		n = min(n, count)
		if err := s.RemoveCount(handles[i], n); err != nil {
			return err
		}
		count -= n
	}
	return nil
}

// Move places the stack of h in slot. A stack already in that slot swaps with it.
func (s *InventorySystem) Move(h Handle, slot int) error {
	if slot < 0 {
		return fmt.Errorf("move %s to slot %d: %w", h, slot, ErrInvalidCount)
	}
	e, err := s.list.Resolve(h)
	if err != nil {
		return err
	}
	st, ok := CapabilityOf[*StorableState](e.instance)
	if !ok {
		return fmt.Errorf("move %s: %w: %s", h, ErrMissingCapability, KindStorable)
	}
	from := st.Slot
	if from == slot {
		return nil
	}

	if other, ok := s.InSlot(slot); ok {
		err := s.list.Mutate(other, func(inst *Instance) error {
			UpdateCapability(inst, func(st *StorableState) { st.Slot = from })
			return nil
		})
		if err != nil {
			return err
		}
	}
	return s.list.Mutate(h, func(inst *Instance) error {
		UpdateCapability(inst, func(st *StorableState) { st.Slot = slot })
		return nil
	})
}

// Transfer moves the whole stack of h into dst. The stack keeps its state but
// gets a new handle in dst.
func (s *InventorySystem) Transfer(h Handle, dst *InventorySystem) (Handle, error) {
	e, err := s.list.Resolve(h)
	if err != nil {
		return Handle{}, err
	}
	if err := dst.check(e.instance.def, e.instance.stack); err != nil {
		return Handle{}, err
	}
	snap, err := detachedSnapshot(e)
	if err != nil {
		return Handle{}, err
	}
	if _, ok := snap.State[KindStorable]; ok {
		snap.State[KindStorable] = slotState(dst.freeSlot())
	}

	nh, err := dst.list.Add(snap.Definition, AddParams{
		StackCount: snap.StackCount,
		Tags:       snap.Tags,
		ExactTags:  true,
		State:      snap.State,
	})
	if err != nil {
		return Handle{}, err
	}
	if err := s.list.Remove(h); err != nil {
		_ = dst.list.Remove(nh)
		return Handle{}, err
	}
	return nh, nil
}

// Consume uses the top item of the stack of h and returns the effects to apply.
// The stack shrinks once the item has no uses left.
func (s *InventorySystem) Consume(h Handle) ([]string, error) {
	e, err := s.list.Resolve(h)
	if err != nil {
		return nil, err
	}
	frag, ok := FragmentOf[*Consumable](e.instance.def)
	if !ok {
		return nil, fmt.Errorf("consume %s: %w: %s", h, ErrMissingCapability, KindConsumable)
	}

	spent := false
	err = s.list.Mutate(h, func(inst *Instance) error {
		UpdateCapability(inst, func(st *ConsumableState) {
			st.UsesLeft--
			if st.UsesLeft <= 0 {
				spent = true
				st.UsesLeft = frag.Uses()
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if spent {
		if err := s.RemoveCount(h, 1); err != nil {
			return nil, err
		}
	}
	return slices.Clone(frag.Effects), nil
}

// Drop takes the stack of h out of the inventory at pos.
func (s *InventorySystem) Drop(h Handle, pos mgl64.Vec3) (DroppedItem, error) {
	e, err := s.list.Resolve(h)
	if err != nil {
		return DroppedItem{}, err
	}
	if !e.instance.def.HasFragment(KindDropable) {
		return DroppedItem{}, fmt.Errorf("drop %s: %w: %s", h, ErrMissingCapability, KindDropable)
	}

	err = s.list.Mutate(h, func(inst *Instance) error {
		UpdateCapability(inst, func(st *DropableState) {
			st.Dropped = true
			st.Position = pos
		})
		return nil
	})
	if err != nil {
		return DroppedItem{}, err
	}

	snap, err := detachedSnapshot(e)
	if err != nil {
		return DroppedItem{}, err
	}
	if err := s.list.Remove(h); err != nil {
		return DroppedItem{}, err
	}
	return DroppedItem{Snapshot: snap, Position: pos}, nil
}

// DropOnDeath removes every stack that is not persistent on death and returns
// their snapshots.
func (s *InventorySystem) DropOnDeath() ([]EntrySnapshot, error) {
	var out []EntrySnapshot
	for _, e := range slices.Clone(s.list.entries) {
		if storable, ok := FragmentOf[*Storable](e.instance.def); ok && storable.PersistentOnDeath {
			continue
		}
		snap, err := detachedSnapshot(e)
		if err != nil {
			return out, err
		}
		if err := s.list.Remove(e.handle); err != nil {
			return out, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Find returns the first stack of id.
func (s *InventorySystem) Find(id DefinitionID) (Handle, bool) {
	for _, e := range s.list.entries {
		if e.definition == id {
			return e.handle, true
		}
	}
	return Handle{}, false
}

// FindTagged returns the first stack owning tag t.
func (s *InventorySystem) FindTagged(t Tag) (Handle, bool) {
	for _, e := range s.list.entries {
		if e.instance.HasTag(t) {
			return e.handle, true
		}
	}
	return Handle{}, false
}

// HandlesOf returns every stack of id in list order.
func (s *InventorySystem) HandlesOf(id DefinitionID) []Handle {
	var out []Handle
	for _, e := range s.list.entries {
		if e.definition == id {
			out = append(out, e.handle)
		}
	}
	return out
}

// InSlot returns the stack placed in slot.
func (s *InventorySystem) InSlot(slot int) (Handle, bool) {
	for _, e := range s.list.entries {
		if st, ok := CapabilityOf[*StorableState](e.instance); ok && st.Slot == slot {
			return e.handle, true
		}
	}
	return Handle{}, false
}

// StackCount returns the stack count of h.
func (s *InventorySystem) StackCount(h Handle) (int, error) {
	e, err := s.list.Resolve(h)
	if err != nil {
		return 0, err
	}
	return e.instance.stack, nil
}

// TotalCount returns the number of items of id across stacks.
func (s *InventorySystem) TotalCount(id DefinitionID) int {
	total := 0
	for _, e := range s.list.entries {
		if e.definition == id {
			total += e.instance.stack
		}
	}
	return total
}

// TotalWeight returns the summed Storable weight of every item.
func (s *InventorySystem) TotalWeight() float64 {
	var total float64
	for _, e := range s.list.entries {
		if storable, ok := FragmentOf[*Storable](e.instance.def); ok {
			total += storable.Weight * float64(e.instance.stack)
		}
	}
	return total
}

// Empty reports whether the inventory holds nothing.
func (s *InventorySystem) Empty() bool {
	return s.list.Len() == 0
}

// GiveSet adds every item of set. It stops at the first failure; items already
// given stay.
func (s *InventorySystem) GiveSet(set ItemSet) ([]AddResult, error) {
	results := make([]AddResult, 0, len(set.Items))
	for _, item := range set.Items {
		res, err := s.Add(item.Definition, max(item.Count, 1))
		if err != nil {
			return results, fmt.Errorf("give set %q: %w", set.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Restore replaces the content of the inventory with snapshots, e.g. loaded
// from a store. Restored entries get new handles. Entries that fail to restore
// are skipped and reported together.
func (s *InventorySystem) Restore(snapshots []EntrySnapshot) error {
	s.list.Clear()

	var errs []error
	for _, snap := range snapshots {
		_, err := s.list.Add(snap.Definition, AddParams{
			StackCount: snap.StackCount,
			Tags:       snap.Tags,
			ExactTags:  true,
			State:      snap.State,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// freeSlot returns the lowest slot no stack occupies.
func (s *InventorySystem) freeSlot() int {
	used := make(map[int]bool, s.list.Len())
	for _, e := range s.list.entries {
		if st, ok := CapabilityOf[*StorableState](e.instance); ok && st.Slot >= 0 {
			used[st.Slot] = true
		}
	}
	slot := 0
	for used[slot] {
		slot++
	}
	return slot
}

// detachedSnapshot snapshots e as it exists once it leaves the inventory.
// Equipment bindings stay behind, so the item is no longer equipped.
func detachedSnapshot(e *Entry) (EntrySnapshot, error) {
	snap, err := snapshotEntry(e)
	if err != nil {
		return EntrySnapshot{}, err
	}
	if _, ok := snap.State[KindEquippable]; ok {
		raw, _ := json.Marshal(EquippableState{})
		snap.State[KindEquippable] = raw
	}
	return snap, nil
}

func stackLimit(def *Definition) int {
	if storable, ok := FragmentOf[*Storable](def); ok {
		return storable.StackLimit()
	}
	return 1
}

func slotState(slot int) json.RawMessage {
	raw, _ := json.Marshal(StorableState{Slot: slot})
	return raw
}
