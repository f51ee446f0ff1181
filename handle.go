package loadout

import (
	"fmt"
	"math"
)

// Handle is a stable reference to an entry of a single collection.
// It stays valid across reordering and partial updates, and becomes permanently
// invalid once the entry is removed.
type Handle struct {
	Collection uint32 `json:"c"`
	Entry      uint32 `json:"e"`
	Generation uint16 `json:"g"`
}

// IsZero reports whether h is the zero handle. The zero handle is never issued.
func (h Handle) IsZero() bool {
	return h.Generation == 0
}

// String returns a string representation of the handle for debugging.
func (h Handle) String() string {
	return fmt.Sprintf("%d:%d#%d", h.Collection, h.Entry, h.Generation)
}

// HandleAllocator issues collision-free handles for one collection.
//
// Allocation always picks the lowest free slot. Freeing a handle bumps the
// generation of its slot, so the old handle never resolves again. A slot whose
// generation would overflow is retired instead of wrapping around.
type HandleAllocator struct {
	collection uint32

	// generations holds the current generation of every slot ever handed out
	generations []uint16

	// live marks slots that currently back an issued handle
	live []bool

	// free is a min-heap of released slot indices
	free []uint32

	// maxEntries bounds the number of slots
	maxEntries uint32

	liveCount int
	retired   int
}

// AllocatorOption configures a HandleAllocator.
type AllocatorOption func(*HandleAllocator)

// WithMaxEntries bounds the id space of the allocator to n slots.
func WithMaxEntries(n uint32) AllocatorOption {
	return func(a *HandleAllocator) {
		a.maxEntries = n
	}
}

// NewHandleAllocator creates an allocator for the given collection id.
func NewHandleAllocator(collection uint32, opts ...AllocatorOption) *HandleAllocator {
	a := &HandleAllocator{
		collection: collection,
		maxEntries: math.MaxUint32,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collection returns the collection id stamped on every issued handle.
func (a *HandleAllocator) Collection() uint32 {
	return a.collection
}

// Allocate issues a new handle. It fails with ErrHandleSpaceExhausted once every
// slot is either live or retired.
func (a *HandleAllocator) Allocate() (Handle, error) {
	var slot uint32
	if len(a.free) > 0 {
		slot = a.popFree()
	} else {
		if uint64(len(a.generations)) >= uint64(a.maxEntries) {
			return Handle{}, fmt.Errorf("collection %d: %w", a.collection, ErrHandleSpaceExhausted)
		}
		slot = uint32(len(a.generations))
		a.generations = append(a.generations, 1)
		a.live = append(a.live, false)
	}

	a.live[slot] = true
	a.liveCount++
	return Handle{Collection: a.collection, Entry: slot, Generation: a.generations[slot]}, nil
}

// Free releases a live handle.
func (a *HandleAllocator) Free(h Handle) error {
	if !a.Valid(h) {
		return fmt.Errorf("free %s: %w", h, ErrInvalidHandle)
	}

	a.live[h.Entry] = false
	a.liveCount--

	if a.generations[h.Entry] == math.MaxUint16 {
		// Generation space for this slot is spent; never hand it out again.
		a.retired++
		return nil
	}
	a.generations[h.Entry]++
	a.pushFree(h.Entry)
	return nil
}

// Valid reports whether h is live in this allocator.
func (a *HandleAllocator) Valid(h Handle) bool {
	if h.Collection != a.collection || h.IsZero() {
		return false
	}
	if int(h.Entry) >= len(a.generations) {
		return false
	}
	return a.live[h.Entry] && a.generations[h.Entry] == h.Generation
}

// Live returns the number of live handles.
func (a *HandleAllocator) Live() int {
	return a.liveCount
}

// Retired returns the number of slots permanently taken out of circulation.
func (a *HandleAllocator) Retired() int {
	return a.retired
}

// pushFree adds a slot to the free heap.
func (a *HandleAllocator) pushFree(slot uint32) {
	a.free = append(a.free, slot)
	a.up(len(a.free) - 1)
}

// popFree removes and returns the lowest free slot.
func (a *HandleAllocator) popFree() uint32 {
	n := len(a.free) - 1
	a.free[0], a.free[n] = a.free[n], a.free[0]
	a.down(0, n)
	slot := a.free[n]
	a.free = a.free[:n]
	return slot
}

func (a *HandleAllocator) up(i int) {
	for {
		parent := (i - 1) / 2
		if parent == i || a.free[i] >= a.free[parent] {
			break
		}
		a.free[i], a.free[parent] = a.free[parent], a.free[i]
		i = parent
	}
}

func (a *HandleAllocator) down(i, n int) {
	for {
		left := 2*i + 1
		if left >= n || left < 0 {
			break
		}
		j := left
		if right := left + 1; right < n && a.free[right] < a.free[left] {
			j = right
		}
		if a.free[j] >= a.free[i] {
			break
		}
		a.free[i], a.free[j] = a.free[j], a.free[i]
		i = j
	}
}
