package loadout

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandle is returned when a handle is stale or was never issued by the collection.
	ErrInvalidHandle = errors.New("loadout: invalid handle")

	// ErrInvalidTransition is returned when a feature stage advance skips a stage,
	// moves backwards, or is blocked by a prerequisite.
	ErrInvalidTransition = errors.New("loadout: invalid transition")

	// ErrDefinitionNotFound is returned when a definition id cannot be resolved.
	ErrDefinitionNotFound = errors.New("loadout: definition not found")

	// ErrHandleSpaceExhausted is fatal for the collection that returned it.
	// The collection must be recreated.
	ErrHandleSpaceExhausted = errors.New("loadout: handle space exhausted")

	ErrInvalidCount    = errors.New("loadout: invalid count")
	ErrVersionGap      = errors.New("loadout: delta does not follow applied version")
	ErrDependencyCycle = errors.New("loadout: dependency cycle")
	ErrStorageDenied   = errors.New("loadout: storage denied")
	ErrNotEquippable   = errors.New("loadout: definition is not equippable")
	ErrWrongClass      = errors.New("loadout: definition class mismatch")
	ErrClosed          = errors.New("loadout: closed")
	ErrUnknownSlot     = errors.New("loadout: unknown equipment slot")
	ErrSlotBlocked     = errors.New("loadout: equipment slot blocked")

	// ErrMissingCapability is returned when an operation needs a fragment the
	// definition does not carry, e.g. consuming a non-consumable item.
	ErrMissingCapability = errors.New("loadout: missing capability")
)

// TransitionError describes a rejected feature stage advance.
type TransitionError struct {
	Feature FeatureID
	From    FeatureStage
	To      FeatureStage

	// Blocker is the prerequisite that prevented the advance, if any.
	Blocker *Dependency
}

func (e *TransitionError) Error() string {
	if e.Blocker != nil {
		return fmt.Sprintf("loadout: %s cannot advance %s -> %s: requires %s at %s",
			e.Feature, e.From, e.To, e.Blocker.Feature, e.Blocker.Stage)
	}
	return fmt.Sprintf("loadout: %s cannot advance %s -> %s", e.Feature, e.From, e.To)
}

// Is reports ErrInvalidTransition so callers can match with errors.Is.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// EntryError is a failure isolated to a single entry of a delta.
type EntryError struct {
	Handle Handle
	Op     OpKind
	Err    error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("loadout: %s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}
