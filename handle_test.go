package loadout

import (
	"errors"
	"math"
	"testing"
)

func TestHandleAllocatorLowestFreeSlot(t *testing.T) {
	a := NewHandleAllocator(7)

	var hs []Handle
	for range 4 {
		h, err := a.Allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		hs = append(hs, h)
	}
	for i, h := range hs {
		if h.Collection != 7 || h.Entry != uint32(i) || h.Generation != 1 {
			t.Fatalf("handle %d = %s", i, h)
		}
	}

	if err := a.Free(hs[2]); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := a.Free(hs[0]); err != nil {
		t.Fatalf("free: %v", err)
	}

	h, _ := a.Allocate()
	if h.Entry != 0 || h.Generation != 2 {
		t.Fatalf("expected slot 0 generation 2, got %s", h)
	}
	h, _ = a.Allocate()
	if h.Entry != 2 || h.Generation != 2 {
		t.Fatalf("expected slot 2 generation 2, got %s", h)
	}
	h, _ = a.Allocate()
	if h.Entry != 4 {
		t.Fatalf("expected fresh slot 4, got %s", h)
	}
	if a.Live() != 5 {
		t.Fatalf("live = %d, want 5", a.Live())
	}
}

func TestHandleAllocatorStaleHandles(t *testing.T) {
	a := NewHandleAllocator(1)
	h, _ := a.Allocate()
	if err := a.Free(h); err != nil {
		t.Fatalf("free: %v", err)
	}

	tests := []struct {
		name string
		h    Handle
	}{
		{"freed", h},
		{"zero", Handle{}},
		{"foreign collection", Handle{Collection: 2, Entry: 0, Generation: 1}},
		{"never issued", Handle{Collection: 1, Entry: 42, Generation: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if a.Valid(tt.h) {
				t.Fatalf("%s reported valid", tt.h)
			}
			if err := a.Free(tt.h); !errors.Is(err, ErrInvalidHandle) {
				t.Fatalf("free %s: got %v, want ErrInvalidHandle", tt.h, err)
			}
		})
	}

	reused, _ := a.Allocate()
	if reused == h {
		t.Fatalf("reused slot returned the stale handle %s", h)
	}
	if !a.Valid(reused) {
		t.Fatalf("fresh handle %s not valid", reused)
	}
}

func TestHandleAllocatorExhaustion(t *testing.T) {
	a := NewHandleAllocator(1, WithMaxEntries(2))
	if _, err := a.Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(); !errors.Is(err, ErrHandleSpaceExhausted) {
		t.Fatalf("got %v, want ErrHandleSpaceExhausted", err)
	}
}

func TestHandleAllocatorRetiresSpentSlot(t *testing.T) {
	a := NewHandleAllocator(1, WithMaxEntries(1))

	seen := make(map[Handle]bool)
	for {
		h, err := a.Allocate()
		if errors.Is(err, ErrHandleSpaceExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if seen[h] {
			t.Fatalf("handle %s issued twice", h)
		}
		seen[h] = true
		if err := a.Free(h); err != nil {
			t.Fatalf("free: %v", err)
		}
	}

	if len(seen) != math.MaxUint16 {
		t.Fatalf("issued %d handles, want %d", len(seen), math.MaxUint16)
	}
	if a.Retired() != 1 {
		t.Fatalf("retired = %d, want 1", a.Retired())
	}
}
