package loadout

import (
	"fmt"
	"slices"
)

// StoragePolicy decides whether items may enter an inventory.
// Policies are checked before any stack is touched.
type StoragePolicy interface {
	Allow(inv *InventorySystem, def *Definition, count int) error
}

// StoragePolicyFunc adapts a function to StoragePolicy.
type StoragePolicyFunc func(inv *InventorySystem, def *Definition, count int) error

// Allow implements StoragePolicy.
func (f StoragePolicyFunc) Allow(inv *InventorySystem, def *Definition, count int) error {
	return f(inv, def, count)
}

// TagRequirement admits definitions by their tags. With Exact set, tags must
// match exactly; otherwise a tag also satisfies its ancestors.
type TagRequirement struct {
	Required  TagSet `yaml:"required"`
	Forbidden TagSet `yaml:"forbidden"`
	Exact     bool   `yaml:"exact"`
}

// Allow implements StoragePolicy.
func (p TagRequirement) Allow(_ *InventorySystem, def *Definition, _ int) error {
	hasAll, hasAny := def.Tags.HasAll, def.Tags.HasAny
	if p.Exact {
		hasAll, hasAny = def.Tags.HasAllExact, def.Tags.HasAnyExact
	}
	if len(p.Required) > 0 && !hasAll(p.Required) {
		return fmt.Errorf("%q lacks required tags %v: %w", def.ID, p.Required, ErrStorageDenied)
	}
	if len(p.Forbidden) > 0 && hasAny(p.Forbidden) {
		return fmt.Errorf("%q carries forbidden tags %v: %w", def.ID, p.Forbidden, ErrStorageDenied)
	}
	return nil
}

// WeightLimit caps the total Storable weight of an inventory.
type WeightLimit struct {
	Max float64 `yaml:"max"`
}

// Allow implements StoragePolicy.
func (p WeightLimit) Allow(inv *InventorySystem, def *Definition, count int) error {
	storable, ok := FragmentOf[*Storable](def)
	if !ok || storable.Weight <= 0 {
		return nil
	}
	if inv.TotalWeight()+storable.Weight*float64(count) > p.Max {
		return fmt.Errorf("%d x %q exceeds weight limit %.2f: %w", count, def.ID, p.Max, ErrStorageDenied)
	}
	return nil
}

// SlotMap lists the equipment slots of an actor. A nil map accepts every valid
// slot tag.
type SlotMap []Tag

// Allows reports whether slot is one of the slots of m.
func (m SlotMap) Allows(slot Tag) bool {
	return m == nil || slices.Contains(m, slot)
}
