package loadout

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Instance is the mutable, per-entry state built from a definition: a stack count,
// a tag set and one capability state per fragment. It is owned by exactly one entry.
//
// Every setter records the field it changed so that only those fields are sent
// in the next delta.
type Instance struct {
	handle Handle
	def    *Definition

	stack int
	tags  TagSet

	// fragments and caps are parallel: caps[i] was produced by fragments[i]
	fragments []Fragment
	caps      []Capability

	// dirty collects fields changed since the last call to takeDirty
	dirty FieldMask
}

func newInstance(h Handle, def *Definition) *Instance {
	return &Instance{handle: h, def: def}
}

// Handle returns the handle of the entry owning the instance.
func (i *Instance) Handle() Handle {
	return i.handle
}

// Definition returns the shared definition of the instance.
func (i *Instance) Definition() *Definition {
	return i.def
}

// StackCount returns the number of items in this stack.
func (i *Instance) StackCount() int {
	return i.stack
}

// SetStackCount sets the stack count.
func (i *Instance) SetStackCount(n int) {
	if n == i.stack {
		return
	}
	i.stack = n
	i.dirty.Set(FieldStackCount)
}

// Tags returns the owned tags of the instance.
func (i *Instance) Tags() TagSet {
	return slices.Clone(i.tags)
}

// HasTag reports whether the instance owns t or a descendant of it.
func (i *Instance) HasTag(t Tag) bool {
	return i.tags.Has(t)
}

// AddTag adds t to the instance.
func (i *Instance) AddTag(t Tag) {
	if i.tags.HasExact(t) {
		return
	}
	i.tags = i.tags.With(t)
	i.dirty.Set(FieldTags)
}

// RemoveTag removes t from the instance.
func (i *Instance) RemoveTag(t Tag) {
	if !i.tags.HasExact(t) {
		return
	}
	i.tags = i.tags.Without(t)
	i.dirty.Set(FieldTags)
}

// Capability returns the capability state produced by the fragment of the given kind.
func (i *Instance) Capability(kind FragmentKind) Capability {
	if idx := i.capabilityIndex(kind); idx >= 0 {
		return i.caps[idx]
	}
	return nil
}

// Capabilities returns every capability state in fragment order.
func (i *Instance) Capabilities() []Capability {
	return slices.Clone(i.caps)
}

// Update calls fn with the capability of the given kind and marks it dirty.
// It returns false if the instance has no such capability.
func (i *Instance) Update(kind FragmentKind, fn func(Capability)) bool {
	idx := i.capabilityIndex(kind)
	if idx < 0 {
		return false
	}
	fn(i.caps[idx])
	i.dirty.Set(CapabilityField(idx))
	return true
}

// CapabilityOf returns the first capability of inst with concrete type T.
//
//	if st, ok := loadout.CapabilityOf[*loadout.ConsumableState](inst); ok { ... }
func CapabilityOf[T Capability](inst *Instance) (T, bool) {
	var zero T
	if inst == nil {
		return zero, false
	}
	for _, c := range inst.caps {
		if v, ok := c.(T); ok {
			return v, true
		}
	}
	return zero, false
}

// UpdateCapability calls fn with the capability of type T and marks it dirty.
func UpdateCapability[T Capability](inst *Instance, fn func(T)) bool {
	for idx, c := range inst.caps {
		if v, ok := c.(T); ok {
			fn(v)
			inst.dirty.Set(CapabilityField(idx))
			return true
		}
	}
	return false
}

func (i *Instance) capabilityIndex(kind FragmentKind) int {
	for idx, c := range i.caps {
		if c.Kind() == kind {
			return idx
		}
	}
	return -1
}

// fieldCount returns the number of replicated fields of the instance.
func (i *Instance) fieldCount() int {
	return int(fieldCapabilityBase) + len(i.caps)
}

// allFields returns a mask with every field of the instance set.
func (i *Instance) allFields() FieldMask {
	var m FieldMask
	for id := range i.fieldCount() {
		m.Set(FieldID(id))
	}
	return m
}

// takeDirty returns and clears the fields changed since the last call.
func (i *Instance) takeDirty() FieldMask {
	d := i.dirty
	i.dirty = FieldMask{}
	return d
}

// encodeField returns the wire value of a field.
func (i *Instance) encodeField(id FieldID) (json.RawMessage, error) {
	switch id {
	case FieldStackCount:
		return json.Marshal(i.stack)
	case FieldTags:
		if i.tags == nil {
			return json.RawMessage("[]"), nil
		}
		return json.Marshal(i.tags)
	}
	idx := int(id - fieldCapabilityBase)
	if idx >= len(i.caps) {
		return nil, fmt.Errorf("loadout: field %d out of range", id)
	}
	return json.Marshal(i.caps[idx])
}

// decodeField overwrites a field from its wire value.
func (i *Instance) decodeField(id FieldID, raw json.RawMessage) error {
	switch id {
	case FieldStackCount:
		return json.Unmarshal(raw, &i.stack)
	case FieldTags:
		var tags []Tag
		if err := json.Unmarshal(raw, &tags); err != nil {
			return err
		}
		i.tags = NewTagSet(tags...)
		return nil
	}
	idx := int(id - fieldCapabilityBase)
	if idx >= len(i.caps) {
		return fmt.Errorf("loadout: field %d out of range", id)
	}
	return json.Unmarshal(raw, i.caps[idx])
}
