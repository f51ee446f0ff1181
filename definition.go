package loadout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefinitionID identifies a definition in the definition source.
type DefinitionID string

// DefinitionClass separates item definitions from equipment definitions.
type DefinitionClass int

const (
	ClassItem DefinitionClass = iota
	ClassEquipment
)

// String returns the string representation of the class.
func (c DefinitionClass) String() string {
	switch c {
	case ClassItem:
		return "item"
	case ClassEquipment:
		return "equipment"
	default:
		return "unknown"
	}
}

// Definition is the immutable description of an item or a piece of equipment.
// It is loaded once and shared by every entry referencing it.
type Definition struct {
	ID          DefinitionID
	Class       DefinitionClass
	DisplayName string
	Description string

	// Fragments grant capabilities. Only the first fragment of each kind applies.
	Fragments []Fragment

	// AbilitySets are granted while an equipment definition is equipped.
	AbilitySets []AbilitySet

	// Slot is the default equipment slot.
	Slot Tag

	// Tags are owned by every instance created from the definition.
	Tags TagSet
}

// Fragment returns the first fragment of the given kind, or nil.
func (d *Definition) Fragment(kind FragmentKind) Fragment {
	if d == nil {
		return nil
	}
	for _, f := range d.Fragments {
		if f != nil && f.Kind() == kind {
			return f
		}
	}
	return nil
}

// HasFragment reports whether the definition carries a fragment of the given kind.
func (d *Definition) HasFragment(kind FragmentKind) bool {
	return d.Fragment(kind) != nil
}

// Dedupe drops every fragment whose kind already appeared earlier in the list.
// It returns the kinds that were dropped.
func (d *Definition) Dedupe() []FragmentKind {
	var dropped []FragmentKind
	seen := make(map[FragmentKind]struct{}, len(d.Fragments))
	kept := d.Fragments[:0]
	for _, f := range d.Fragments {
		if f == nil {
			continue
		}
		if _, dup := seen[f.Kind()]; dup {
			dropped = append(dropped, f.Kind())
			continue
		}
		seen[f.Kind()] = struct{}{}
		kept = append(kept, f)
	}
	d.Fragments = kept
	return dropped
}

// FragmentOf returns the first fragment of def with concrete type T.
//
//	if st, ok := loadout.FragmentOf[*loadout.Storable](def); ok { ... }
func FragmentOf[T Fragment](def *Definition) (T, bool) {
	var zero T
	if def == nil {
		return zero, false
	}
	for _, f := range def.Fragments {
		if v, ok := f.(T); ok {
			return v, true
		}
	}
	return zero, false
}

// DefinitionSource supplies immutable definitions by id.
// Implementations return an error wrapping ErrDefinitionNotFound for unknown ids.
type DefinitionSource interface {
	Load(ctx context.Context, id DefinitionID) (*Definition, error)
}

// MapSource is an in-memory DefinitionSource.
type MapSource map[DefinitionID]*Definition

// Load implements DefinitionSource.
func (m MapSource) Load(_ context.Context, id DefinitionID) (*Definition, error) {
	if def, ok := m[id]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("%q: %w", id, ErrDefinitionNotFound)
}

// DefinitionCache caches the definitions of a source indefinitely.
// Failed loads are not cached.
type DefinitionCache struct {
	source  DefinitionSource
	options SourceOptions

	mu   sync.RWMutex
	defs map[DefinitionID]*Definition
}

// NewDefinitionCache wraps source in a cache.
func NewDefinitionCache(source DefinitionSource, opts ...SourceOption) *DefinitionCache {
	o := defaultSourceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &DefinitionCache{
		source:  source,
		options: o,
		defs:    make(map[DefinitionID]*Definition),
	}
}

// Load implements DefinitionSource.
func (c *DefinitionCache) Load(ctx context.Context, id DefinitionID) (*Definition, error) {
	c.mu.RLock()
	def, ok := c.defs[id]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.options.FetchTimeout)*time.Millisecond)
	defer cancel()

	def, err := c.source.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrDefinitionNotFound) {
			slog.Warn("loadout: definition load failed", "definition", id, "error", err)
		}
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("%q: %w", id, ErrDefinitionNotFound)
	}

	c.mu.Lock()
	if cached, ok := c.defs[id]; ok {
		def = cached
	} else {
		c.defs[id] = def
	}
	c.mu.Unlock()
	return def, nil
}

// Get loads id with a background context bounded by the fetch timeout.
func (c *DefinitionCache) Get(id DefinitionID) (*Definition, error) {
	return c.Load(context.Background(), id)
}

// Preload loads every id, returning the first error.
func (c *DefinitionCache) Preload(ctx context.Context, ids ...DefinitionID) error {
	for _, id := range ids {
		if _, err := c.Load(ctx, id); err != nil {
			return fmt.Errorf("preload %q: %w", id, err)
		}
	}
	return nil
}

// Cached reports whether id is already cached.
func (c *DefinitionCache) Cached(id DefinitionID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.defs[id]
	return ok
}

// Len returns the number of cached definitions.
func (c *DefinitionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}
