package loadout

import (
	"math/bits"
)

// FieldID identifies one replicated field of an entry.
// Field 0 is the stack count, field 1 the tag set and field 2+i the capability
// state produced by the i-th fragment of the definition.
type FieldID uint8

const (
	FieldStackCount FieldID = 0
	FieldTags       FieldID = 1

	// fieldCapabilityBase is the first field used by capability states.
	fieldCapabilityBase FieldID = 2

	// MaxCapabilities is the maximum number of fragments a definition may carry.
	MaxCapabilities = 256 - int(fieldCapabilityBase)
)

// CapabilityField returns the field id of the i-th capability state.
func CapabilityField(i int) FieldID {
	return fieldCapabilityBase + FieldID(i)
}

// FieldMask is a 256-bit set of dirty fields.
type FieldMask [4]uint64

// Set sets the bit for the given field.
func (m *FieldMask) Set(id FieldID) {
	m[id/64] |= 1 << (id % 64)
}

// Clear clears the bit for the given field.
func (m *FieldMask) Clear(id FieldID) {
	m[id/64] &^= 1 << (id % 64)
}

// Has returns true if the bit for the given field is set.
func (m *FieldMask) Has(id FieldID) bool {
	return m[id/64]&(1<<(id%64)) != 0
}

// ContainsAll returns true if all bits set in other are also set in m.
func (m *FieldMask) ContainsAll(other FieldMask) bool {
	return (m[0]&other[0] == other[0]) &&
		(m[1]&other[1] == other[1]) &&
		(m[2]&other[2] == other[2]) &&
		(m[3]&other[3] == other[3])
}

// IsZero returns true if no bits are set.
func (m *FieldMask) IsZero() bool {
	return m[0] == 0 && m[1] == 0 && m[2] == 0 && m[3] == 0
}

// Or returns a new mask with bits set from both m and other.
func (m FieldMask) Or(other FieldMask) FieldMask {
	return FieldMask{
		m[0] | other[0],
		m[1] | other[1],
		m[2] | other[2],
		m[3] | other[3],
	}
}

// Count returns the number of bits set.
func (m *FieldMask) Count() int {
	return bits.OnesCount64(m[0]) +
		bits.OnesCount64(m[1]) +
		bits.OnesCount64(m[2]) +
		bits.OnesCount64(m[3])
}

// Fields returns the set field ids in ascending order.
func (m FieldMask) Fields() []FieldID {
	out := make([]FieldID, 0, m.Count())
	for word := range 4 {
		w := m[word]
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, FieldID(word*64+b))
			w &= w - 1
		}
	}
	return out
}
