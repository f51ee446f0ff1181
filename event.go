package loadout

import (
	"encoding/json"
)

// OpKind is the kind of a single delta operation.
type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpMutate
	OpRemove
)

// String returns the string representation of the op kind.
func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "Add"
	case OpMutate:
		return "Mutate"
	case OpRemove:
		return "Remove"
	default:
		return "Unknown"
	}
}

// Delta is the ordered list of changes a collection went through between two
// versions. It is what the replication transport ships to observers.
type Delta struct {
	Collection uint32 `json:"collection"`
	From       uint64 `json:"from"`
	To         uint64 `json:"to"`
	Ops        []Op   `json:"ops"`
}

// Empty reports whether the delta carries no operations.
func (d Delta) Empty() bool {
	return len(d.Ops) == 0
}

// Op is one operation of a delta. Add ops carry every field of the entry,
// Mutate ops only the changed ones and Remove ops none.
type Op struct {
	Kind       OpKind       `json:"kind"`
	Handle     Handle       `json:"handle"`
	Definition DefinitionID `json:"definition,omitempty"`
	Fields     []FieldValue `json:"fields,omitempty"`
}

// FieldValue is the encoded value of one field.
type FieldValue struct {
	ID    FieldID         `json:"id"`
	Value json.RawMessage `json:"value"`
}

// ChangeKind is the kind of change reported to observers.
type ChangeKind uint8

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

// String returns the string representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "Added"
	case ChangeModified:
		return "Modified"
	case ChangeRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// EntryChange is delivered to observers once per logical change of an entry.
type EntryChange struct {
	Collection uint32
	Handle     Handle
	Kind       ChangeKind
	Definition DefinitionID

	// OldCount and NewCount are the stack counts before and after the change.
	OldCount int
	NewCount int

	// Fields lists the fields that changed for ChangeModified.
	Fields FieldMask
}

// ApplyReport summarises the application of a delta on a replica.
type ApplyReport struct {
	// Stale is true when the delta was already applied and was ignored.
	Stale bool

	// Changes are the notifications fired, in order.
	Changes []EntryChange

	// Errors are the entries that could not be applied.
	Errors []*EntryError
}
