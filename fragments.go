package loadout

import (
	"github.com/go-gl/mathgl/mgl64"
)

// Built-in fragment kinds.
const (
	KindConsumable  FragmentKind = "consumable"
	KindStorable    FragmentKind = "storable"
	KindEquippable  FragmentKind = "equippable"
	KindTradable    FragmentKind = "tradable"
	KindDropable    FragmentKind = "dropable"
	KindTagModifier FragmentKind = "tag_modifier"
	KindBlessable   FragmentKind = "blessable"
)

func builtinFragments() map[FragmentKind]FragmentFactory {
	return map[FragmentKind]FragmentFactory{
		KindConsumable:  func() Fragment { return &Consumable{} },
		KindStorable:    func() Fragment { return &Storable{} },
		KindEquippable:  func() Fragment { return &Equippable{} },
		KindTradable:    func() Fragment { return &Tradable{} },
		KindDropable:    func() Fragment { return &Dropable{} },
		KindTagModifier: func() Fragment { return &TagModifier{} },
		KindBlessable:   func() Fragment { return &Blessable{} },
	}
}

// Consumable lets an item be used up. Each use applies Effects; the stack shrinks
// by one once MaxUses uses have been spent.
type Consumable struct {
	MaxUses int      `yaml:"max_uses"`
	Effects []string `yaml:"effects"`
}

// ConsumableState tracks the uses left on the top item of the stack.
type ConsumableState struct {
	UsesLeft int `json:"uses_left"`
}

func (*Consumable) Kind() FragmentKind      { return KindConsumable }
func (*ConsumableState) Kind() FragmentKind { return KindConsumable }

// Uses returns the number of uses per item, at least one.
func (f *Consumable) Uses() int {
	return max(f.MaxUses, 1)
}

func (f *Consumable) Instantiate(*Instance) Capability {
	return &ConsumableState{UsesLeft: f.Uses()}
}

func (f *Consumable) Teardown(*Instance, Capability) {}

// Storable defines how an item is kept in an inventory.
type Storable struct {
	MaxStack          int     `yaml:"max_stack"`
	Weight            float64 `yaml:"weight"`
	Unique            bool    `yaml:"unique"`
	PersistentOnDeath bool    `yaml:"persistent_on_death"`
}

// StorableState holds the container slot of the stack, -1 when unplaced.
type StorableState struct {
	Slot int `json:"slot"`
}

func (*Storable) Kind() FragmentKind      { return KindStorable }
func (*StorableState) Kind() FragmentKind { return KindStorable }

// CanStack reports whether more than one item fits in a stack.
func (f *Storable) CanStack() bool {
	return f.MaxStack > 1
}

// StackLimit returns the maximum stack size, at least one.
func (f *Storable) StackLimit() int {
	if f.Unique {
		return 1
	}
	return max(f.MaxStack, 1)
}

func (f *Storable) Instantiate(*Instance) Capability {
	return &StorableState{Slot: -1}
}

func (f *Storable) Teardown(*Instance, Capability) {}

// Equippable lets an item be equipped. Equipment names the equipment definition
// spawned while equipped; AbilitySets are granted to the wearer on top of it.
type Equippable struct {
	Equipment   DefinitionID `yaml:"equipment"`
	Slot        Tag          `yaml:"slot"`
	AbilitySets []AbilitySet `yaml:"ability_sets"`

	// Blocks are slots nothing else may occupy while the item is equipped.
	// A blocked tag covers its descendants.
	Blocks    []Tag `yaml:"blocks"`
	BlocksAll bool  `yaml:"blocks_all"`
}

// EquippableState records whether the item is currently equipped.
// Grant tokens stay on the server and are never replicated.
type EquippableState struct {
	Equipped bool         `json:"equipped"`
	Slot     Tag          `json:"slot"`
	Tokens   []GrantToken `json:"-"`
}

func (*Equippable) Kind() FragmentKind      { return KindEquippable }
func (*EquippableState) Kind() FragmentKind { return KindEquippable }

func (f *Equippable) Instantiate(*Instance) Capability {
	return &EquippableState{}
}

// Teardown drops any tokens still held. Revocation is done by OnUnequip before removal.
func (f *Equippable) Teardown(_ *Instance, c Capability) {
	if st, ok := c.(*EquippableState); ok {
		st.Tokens = nil
	}
}

// BlocksSlot reports whether the item, equipped in own, keeps slot from being
// used. An item never blocks its own slot.
func (f *Equippable) BlocksSlot(own, slot Tag) bool {
	if slot == own {
		return false
	}
	if f.BlocksAll {
		return true
	}
	for _, b := range f.Blocks {
		if slot.Matches(b) {
			return true
		}
	}
	return false
}

// OnEquip grants every ability set of the fragment for the item at h.
// On failure, grants made so far are revoked.
func (f *Equippable) OnEquip(receiver AbilityReceiver, h Handle) ([]GrantToken, error) {
	var tokens []GrantToken
	for _, set := range f.AbilitySets {
		granted, err := receiver.Grant(set, h)
		if err != nil {
			receiver.Revoke(tokens)
			return nil, err
		}
		tokens = append(tokens, granted...)
	}
	return tokens, nil
}

// OnUnequip revokes the tokens returned by OnEquip.
func (f *Equippable) OnUnequip(receiver AbilityReceiver, _ Handle, tokens []GrantToken) {
	receiver.Revoke(tokens)
}

// Tradable gives an item a trade value.
type Tradable struct {
	Value    int    `yaml:"value"`
	Currency string `yaml:"currency"`
}

// TradableState locks an item out of trades, e.g. while it is listed.
type TradableState struct {
	Locked bool `json:"locked"`
}

func (*Tradable) Kind() FragmentKind      { return KindTradable }
func (*TradableState) Kind() FragmentKind { return KindTradable }

func (f *Tradable) Instantiate(*Instance) Capability { return &TradableState{} }
func (f *Tradable) Teardown(*Instance, Capability)    {}

// Dropable lets an item be dropped into the world.
type Dropable struct {
	Model string `yaml:"model"`
}

// DropableState records where the item was dropped.
type DropableState struct {
	Dropped  bool       `json:"dropped"`
	Position mgl64.Vec3 `json:"position"`
}

func (*Dropable) Kind() FragmentKind      { return KindDropable }
func (*DropableState) Kind() FragmentKind { return KindDropable }

func (f *Dropable) Instantiate(*Instance) Capability { return &DropableState{} }
func (f *Dropable) Teardown(*Instance, Capability)    {}

// TagModifier edits the tags of an instance when it is created.
type TagModifier struct {
	Add    []Tag `yaml:"add"`
	Remove []Tag `yaml:"remove"`
}

// TagModifierState remembers which edits took effect so they can be reverted.
type TagModifierState struct {
	Added   []Tag `json:"added"`
	Removed []Tag `json:"removed"`
}

func (*TagModifier) Kind() FragmentKind      { return KindTagModifier }
func (*TagModifierState) Kind() FragmentKind { return KindTagModifier }

func (f *TagModifier) Instantiate(inst *Instance) Capability {
	st := &TagModifierState{}
	for _, t := range f.Add {
		if !inst.tags.HasExact(t) {
			inst.AddTag(t)
			st.Added = append(st.Added, t)
		}
	}
	for _, t := range f.Remove {
		if inst.tags.HasExact(t) {
			inst.RemoveTag(t)
			st.Removed = append(st.Removed, t)
		}
	}
	return st
}

func (f *TagModifier) Teardown(inst *Instance, c Capability) {
	st, ok := c.(*TagModifierState)
	if !ok {
		return
	}
	for _, t := range st.Added {
		inst.RemoveTag(t)
	}
	for _, t := range st.Removed {
		inst.AddTag(t)
	}
}

// Blessable is an equipment fragment. Once blessed, the equipment grants extra
// abilities and effects to its wearer.
type Blessable struct {
	Abilities     []string `yaml:"abilities"`
	Effects       []string `yaml:"effects"`
	BlessedOnGive bool     `yaml:"blessed_on_give"`
}

// BlessableState records whether the equipment is blessed.
type BlessableState struct {
	Blessed bool         `json:"blessed"`
	Tokens  []GrantToken `json:"-"`
}

func (*Blessable) Kind() FragmentKind      { return KindBlessable }
func (*BlessableState) Kind() FragmentKind { return KindBlessable }

func (f *Blessable) Instantiate(*Instance) Capability {
	return &BlessableState{Blessed: f.BlessedOnGive}
}

func (f *Blessable) Teardown(_ *Instance, c Capability) {
	if st, ok := c.(*BlessableState); ok {
		st.Tokens = nil
	}
}

// AbilitySet returns the grants of a blessing as an ability set.
func (f *Blessable) AbilitySet() AbilitySet {
	return AbilitySet{ID: "blessing", Abilities: f.Abilities, Effects: f.Effects}
}
