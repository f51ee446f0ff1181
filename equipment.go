package loadout

import (
	"fmt"
	"slices"
)

type slotBinding struct {
	inv       *InventorySystem
	item      Handle
	equipment Handle

	// tokens granted by the item's Equippable fragment
	tokens []GrantToken
}

// EquipmentSystem is the server-side equipment of one actor. It owns a single
// authoritative ReplicatedEntryList of equipment instances and hands their
// ability sets to an AbilityReceiver while they are equipped.
//
// Grant tokens never leave the server.
type EquipmentSystem struct {
	list     *ReplicatedEntryList
	receiver AbilityReceiver

	tokens  map[Handle][]GrantToken
	sources map[Handle]Handle
	slots   map[Tag]*slotBinding
	slotMap SlotMap
	cancels []func()
}

// NewEquipmentSystem wraps list, which must be authoritative.
func NewEquipmentSystem(list *ReplicatedEntryList, receiver AbilityReceiver) *EquipmentSystem {
	return &EquipmentSystem{
		list:     list,
		receiver: receiver,
		tokens:   make(map[Handle][]GrantToken),
		sources:  make(map[Handle]Handle),
		slots:    make(map[Tag]*slotBinding),
	}
}

// List returns the underlying list.
func (s *EquipmentSystem) List() *ReplicatedEntryList {
	return s.list
}

// SetSlotMap restricts EquipItem to the slots of m. Occupied slots missing
// from m stay equipped.
func (s *EquipmentSystem) SetSlotMap(m SlotMap) {
	s.slotMap = m
}

// SlotMap returns the accepted slots, nil when any slot is accepted.
func (s *EquipmentSystem) SlotMap() SlotMap {
	return s.slotMap
}

// Equip spawns an instance of the equipment definition and grants its ability
// sets. Source is the item the equipment came from, or the zero handle.
func (s *EquipmentSystem) Equip(id DefinitionID, source Handle) (Handle, error) {
	def, err := s.list.loadDefinition(id)
	if err != nil {
		return Handle{}, fmt.Errorf("equip %q: %w", id, err)
	}
	if def.Class != ClassEquipment {
		return Handle{}, fmt.Errorf("equip %q: %s is not equipment: %w", id, def.Class, ErrWrongClass)
	}

	h, err := s.list.Add(id, AddParams{})
	if err != nil {
		return Handle{}, err
	}

	var tokens []GrantToken
	for _, set := range def.AbilitySets {
		granted, err := s.receiver.Grant(set, h)
		if err != nil {
			s.receiver.Revoke(tokens)
			_ = s.list.Remove(h)
			return Handle{}, fmt.Errorf("equip %q: grant %q: %w", id, set.ID, err)
		}
		tokens = append(tokens, granted...)
	}
	s.tokens[h] = tokens
	s.sources[h] = source

	e, _ := s.list.Resolve(h)
	if st, ok := CapabilityOf[*BlessableState](e.instance); ok && st.Blessed {
		if err := s.grantBlessing(e); err != nil {
			_ = s.Unequip(h)
			return Handle{}, err
		}
	}
	return h, nil
}

// Unequip revokes the grants of h and removes it.
func (s *EquipmentSystem) Unequip(h Handle) error {
	e, err := s.list.Resolve(h)
	if err != nil {
		return err
	}

	if st, ok := CapabilityOf[*BlessableState](e.instance); ok {
		s.receiver.Revoke(st.Tokens)
		st.Tokens = nil
	}
	s.receiver.Revoke(s.tokens[h])
	delete(s.tokens, h)
	delete(s.sources, h)

	for _, b := range s.slots {
		if b.equipment == h {
			b.equipment = Handle{}
		}
	}
	return s.list.Remove(h)
}

// Bless marks the equipment of h as blessed and grants the blessing.
// Blessing twice is a no-op.
func (s *EquipmentSystem) Bless(h Handle) error {
	e, err := s.list.Resolve(h)
	if err != nil {
		return err
	}
	st, ok := CapabilityOf[*BlessableState](e.instance)
	if !ok {
		return fmt.Errorf("bless %s: %w: %s", h, ErrMissingCapability, KindBlessable)
	}
	if st.Blessed {
		return nil
	}

	err = s.list.Mutate(h, func(inst *Instance) error {
		UpdateCapability(inst, func(st *BlessableState) { st.Blessed = true })
		return nil
	})
	if err != nil {
		return err
	}
	return s.grantBlessing(e)
}

func (s *EquipmentSystem) grantBlessing(e *Entry) error {
	frag, ok := FragmentOf[*Blessable](e.instance.def)
	if !ok {
		return nil
	}
	tokens, err := s.receiver.Grant(frag.AbilitySet(), e.handle)
	if err != nil {
		return fmt.Errorf("bless %s: %w", e.handle, err)
	}
	if st, ok := CapabilityOf[*BlessableState](e.instance); ok {
		st.Tokens = tokens
	}
	return nil
}

// Tokens returns the grant tokens held for h.
func (s *EquipmentSystem) Tokens(h Handle) []GrantToken {
	out := slices.Clone(s.tokens[h])
	if e, err := s.list.Resolve(h); err == nil {
		if st, ok := CapabilityOf[*BlessableState](e.instance); ok {
			out = append(out, st.Tokens...)
		}
	}
	return out
}

// Source returns the item h was equipped from.
func (s *EquipmentSystem) Source(h Handle) (Handle, bool) {
	src, ok := s.sources[h]
	return src, ok && !src.IsZero()
}

// EquipItem equips an item of inv into slot. An empty slot falls back to the
// slot named by the item's Equippable fragment. Whatever occupies the slot is
// unequipped first.
//
// The slot must be in the slot map. It fails with ErrSlotBlocked when an item
// in another slot blocks it, or when the new item would block an occupied slot.
//
// It returns the handle of the spawned equipment, which is zero when the item
// names no equipment definition.
func (s *EquipmentSystem) EquipItem(inv *InventorySystem, item Handle, slot Tag) (Handle, error) {
	e, err := inv.list.Resolve(item)
	if err != nil {
		return Handle{}, err
	}
	frag, ok := FragmentOf[*Equippable](e.instance.def)
	if !ok {
		return Handle{}, fmt.Errorf("equip %s: %w", item, ErrNotEquippable)
	}
	if slot == "" {
		slot = frag.Slot
	}
	if !slot.Valid() {
		return Handle{}, fmt.Errorf("equip %s: invalid slot %q: %w", item, slot, ErrNotEquippable)
	}
	if !s.slotMap.Allows(slot) {
		return Handle{}, fmt.Errorf("equip %s into %s: %w", item, slot, ErrUnknownSlot)
	}
	if err := s.checkBlocked(inv, item, frag, slot); err != nil {
		return Handle{}, err
	}
	// The item's own state may name a slot another item holds by now; only
	// bindings of this item are released.
	for _, held := range s.Slots() {
		if b := s.slots[held]; b.inv == inv && b.item == item {
			if err := s.UnequipSlot(held); err != nil {
				return Handle{}, err
			}
		}
	}
	if _, occupied := s.slots[slot]; occupied {
		if err := s.UnequipSlot(slot); err != nil {
			return Handle{}, err
		}
	}

	tokens, err := frag.OnEquip(s.receiver, item)
	if err != nil {
		return Handle{}, fmt.Errorf("equip %s: %w", item, err)
	}

	var eq Handle
	if frag.Equipment != "" {
		eq, err = s.Equip(frag.Equipment, item)
		if err != nil {
			frag.OnUnequip(s.receiver, item, tokens)
			return Handle{}, err
		}
	}

	err = inv.list.Mutate(item, func(inst *Instance) error {
		UpdateCapability(inst, func(st *EquippableState) {
			st.Equipped = true
			st.Slot = slot
			st.Tokens = tokens
		})
		return nil
	})
	if err != nil {
		frag.OnUnequip(s.receiver, item, tokens)
		if !eq.IsZero() {
			_ = s.Unequip(eq)
		}
		return Handle{}, err
	}

	s.slots[slot] = &slotBinding{inv: inv, item: item, equipment: eq, tokens: tokens}
	return eq, nil
}

// checkBlocked rejects slot when it conflicts with the items equipped in other
// slots. Bindings the equip would release, the item's own and the slot's
// current occupant, are ignored.
func (s *EquipmentSystem) checkBlocked(inv *InventorySystem, item Handle, frag *Equippable, slot Tag) error {
	for held, b := range s.slots {
		if held == slot || (b.inv == inv && b.item == item) {
			continue
		}
		if frag.BlocksSlot(slot, held) {
			return fmt.Errorf("equip %s into %s: would block %s: %w", item, slot, held, ErrSlotBlocked)
		}
		e, err := b.inv.list.Resolve(b.item)
		if err != nil {
			continue
		}
		if other, ok := FragmentOf[*Equippable](e.instance.def); ok && other.BlocksSlot(held, slot) {
			return fmt.Errorf("equip %s into %s: blocked by %s in %s: %w", item, slot, b.item, held, ErrSlotBlocked)
		}
	}
	return nil
}

// UnequipSlot unequips whatever occupies slot. An empty slot is a no-op.
func (s *EquipmentSystem) UnequipSlot(slot Tag) error {
	b, ok := s.slots[slot]
	if !ok {
		return nil
	}
	delete(s.slots, slot)

	if !b.equipment.IsZero() {
		if err := s.Unequip(b.equipment); err != nil {
			return err
		}
	}

	e, err := b.inv.list.Resolve(b.item)
	if err != nil {
		// The item left the inventory; its grants still have to go.
		s.receiver.Revoke(b.tokens)
		return nil
	}
	if frag, ok := FragmentOf[*Equippable](e.instance.def); ok {
		frag.OnUnequip(s.receiver, b.item, b.tokens)
	} else {
		s.receiver.Revoke(b.tokens)
	}
	return b.inv.list.Mutate(b.item, func(inst *Instance) error {
		UpdateCapability(inst, func(st *EquippableState) {
			st.Equipped = false
			st.Slot = ""
			st.Tokens = nil
		})
		return nil
	})
}

// InSlot returns the item and equipment occupying slot.
func (s *EquipmentSystem) InSlot(slot Tag) (item, equipment Handle, ok bool) {
	b, ok := s.slots[slot]
	if !ok {
		return Handle{}, Handle{}, false
	}
	return b.item, b.equipment, true
}

// Slots returns the occupied slots in sorted order.
func (s *EquipmentSystem) Slots() []Tag {
	out := make([]Tag, 0, len(s.slots))
	for slot := range s.slots {
		out = append(out, slot)
	}
	slices.Sort(out)
	return out
}

// Watch unequips items of inv as soon as they leave it.
func (s *EquipmentSystem) Watch(inv *InventorySystem) {
	cancel := inv.list.Subscribe(func(c EntryChange) {
		if c.Kind != ChangeRemoved {
			return
		}
		for _, slot := range s.Slots() {
			if b, ok := s.slots[slot]; ok && b.inv == inv && b.item == c.Handle {
				_ = s.UnequipSlot(slot)
			}
		}
	})
	s.cancels = append(s.cancels, cancel)
}

// UnequipAll unequips every slot and every remaining equipment entry.
func (s *EquipmentSystem) UnequipAll() error {
	var first error
	for _, slot := range s.Slots() {
		if err := s.UnequipSlot(slot); err != nil && first == nil {
			first = err
		}
	}
	for _, e := range s.list.Entries() {
		if err := s.Unequip(e.handle); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close stops watching inventories and unequips everything.
func (s *EquipmentSystem) Close() error {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return s.UnequipAll()
}
