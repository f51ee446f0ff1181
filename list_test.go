package loadout

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestListReplicaConverges(t *testing.T) {
	src := newTestList(1)
	dst := newTestReplica(1)

	bread := mustAdd(t, src, "bread", 3)
	sword := mustAdd(t, src, "sword", 1)
	rock := mustAdd(t, src, "rock", 1)
	ship(t, src, dst)
	assertConverged(t, src, dst)

	err := src.Mutate(bread, func(inst *Instance) error {
		inst.SetStackCount(5)
		UpdateCapability(inst, func(st *ConsumableState) { st.UsesLeft = 1 })
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := src.Mutate(sword, func(inst *Instance) error {
		inst.AddTag("state.enchanted")
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := src.Remove(rock); err != nil {
		t.Fatalf("remove: %v", err)
	}
	mustAdd(t, src, "relic", 1)

	ship(t, src, dst)
	assertConverged(t, src, dst)

	if dst.Version() != src.Version() {
		t.Fatalf("replica version %d, authority %d", dst.Version(), src.Version())
	}
	if _, err := dst.Resolve(rock); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("removed entry still resolves on replica: %v", err)
	}
}

func TestListDeltaIsIdempotent(t *testing.T) {
	src := newTestList(1)
	dst := newTestReplica(1)

	mustAdd(t, src, "bread", 2)
	mustAdd(t, src, "sword", 1)
	d, err := src.ComputeDelta(0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := dst.ApplyDelta(d); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	report, err := dst.ApplyDelta(d)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !report.Stale || len(report.Changes) != 0 {
		t.Fatalf("duplicate delta not ignored: %+v", report)
	}
	assertConverged(t, src, dst)
}

func TestListOverlappingResync(t *testing.T) {
	src := newTestList(1)
	dst := newTestReplica(1)

	h := mustAdd(t, src, "bread", 2)
	ship(t, src, dst)

	if err := src.Mutate(h, func(inst *Instance) error {
		inst.SetStackCount(7)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	mustAdd(t, src, "sword", 1)

	// A full delta overlaps what the replica already holds.
	full, err := src.ComputeDelta(0)
	if err != nil {
		t.Fatal(err)
	}
	report, err := dst.ApplyDelta(full)
	if err != nil {
		t.Fatalf("apply full delta: %v", err)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected entry errors: %v", report.Errors)
	}
	assertConverged(t, src, dst)
}

func TestListVersionGap(t *testing.T) {
	src := newTestList(1)
	mustAdd(t, src, "bread", 1)
	ship(t, src, newTestReplica(1))

	mustAdd(t, src, "rock", 1)
	d, err := src.ComputeDelta(src.Sent())
	if err != nil {
		t.Fatal(err)
	}

	fresh := newTestReplica(1)
	if _, err := fresh.ApplyDelta(d); !errors.Is(err, ErrVersionGap) {
		t.Fatalf("got %v, want ErrVersionGap", err)
	}
	if fresh.Len() != 0 || fresh.Version() != 0 {
		t.Fatalf("gap delta changed the replica: len %d version %d", fresh.Len(), fresh.Version())
	}
}

func TestListUnsentRemovalCoalesces(t *testing.T) {
	src := newTestList(1)
	dst := newTestReplica(1)

	h := mustAdd(t, src, "bread", 1)
	if err := src.Remove(h); err != nil {
		t.Fatal(err)
	}
	if src.PendingRemovals() != 0 {
		t.Fatalf("unsent entry left a removal marker")
	}

	d, report := ship(t, src, dst)
	if len(d.Ops) != 0 {
		t.Fatalf("expected no ops, got %+v", d.Ops)
	}
	if len(report.Changes) != 0 {
		t.Fatalf("observers saw a coalesced entry: %+v", report.Changes)
	}

	// The slot was released immediately, under a new generation.
	next := mustAdd(t, src, "rock", 1)
	if next.Entry != h.Entry || next.Generation == h.Generation {
		t.Fatalf("expected slot %d reused with a new generation, got %s", h.Entry, next)
	}
}

func TestListSentRemovalIsReplicated(t *testing.T) {
	src := newTestList(1)
	dst := newTestReplica(1)

	h := mustAdd(t, src, "bread", 1)
	ship(t, src, dst)

	if err := src.Remove(h); err != nil {
		t.Fatal(err)
	}
	if src.PendingRemovals() != 1 {
		t.Fatalf("pending removals = %d, want 1", src.PendingRemovals())
	}

	// The slot stays reserved until the removal went out.
	held := mustAdd(t, src, "rock", 1)
	if held.Entry == h.Entry {
		t.Fatalf("slot %d reused before its removal was sent", h.Entry)
	}

	d, report := ship(t, src, dst)
	var removes int
	for _, op := range d.Ops {
		if op.Kind == OpRemove {
			removes++
			if op.Handle != h {
				t.Fatalf("remove op for %s, want %s", op.Handle, h)
			}
		}
	}
	if removes != 1 {
		t.Fatalf("got %d remove ops, want 1", removes)
	}
	if src.PendingRemovals() != 0 {
		t.Fatalf("removal marker kept after MarkSent")
	}

	var removed bool
	for _, c := range report.Changes {
		if c.Kind == ChangeRemoved && c.Handle == h && c.OldCount == 1 {
			removed = true
		}
	}
	if !removed {
		t.Fatalf("no removal change reported: %+v", report.Changes)
	}

	reused := mustAdd(t, src, "sword", 1)
	if reused.Entry != h.Entry || reused.Generation != h.Generation+1 {
		t.Fatalf("expected slot %d generation %d, got %s", h.Entry, h.Generation+1, reused)
	}
	ship(t, src, dst)
	assertConverged(t, src, dst)
}

func TestListFieldLevelDeltas(t *testing.T) {
	src := newTestList(1)
	dst := newTestReplica(1)
	h := mustAdd(t, src, "bread", 4)
	ship(t, src, dst)

	tests := []struct {
		name   string
		mutate func(*Instance)
		fields []FieldID
	}{
		{
			name:   "stack count",
			mutate: func(inst *Instance) { inst.SetStackCount(9) },
			fields: []FieldID{FieldStackCount},
		},
		{
			name:   "tags",
			mutate: func(inst *Instance) { inst.AddTag("state.stale") },
			fields: []FieldID{FieldTags},
		},
		{
			name: "consumable state",
			mutate: func(inst *Instance) {
				UpdateCapability(inst, func(st *ConsumableState) { st.UsesLeft = 1 })
			},
			fields: []FieldID{CapabilityField(1)},
		},
		{
			name: "two capabilities",
			mutate: func(inst *Instance) {
				UpdateCapability(inst, func(st *StorableState) { st.Slot = 3 })
				UpdateCapability(inst, func(st *DropableState) { st.Dropped = true })
			},
			fields: []FieldID{CapabilityField(0), CapabilityField(2)},
		},
		{
			name:   "unchanged value",
			mutate: func(inst *Instance) { inst.SetStackCount(inst.StackCount()) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := src.Version()
			if err := src.Mutate(h, func(inst *Instance) error {
				tt.mutate(inst)
				return nil
			}); err != nil {
				t.Fatal(err)
			}

			d, _ := ship(t, src, dst)
			if len(tt.fields) == 0 {
				if src.Version() != before || len(d.Ops) != 0 {
					t.Fatalf("no-op mutation produced version %d ops %+v", src.Version(), d.Ops)
				}
				return
			}
			if len(d.Ops) != 1 || d.Ops[0].Kind != OpMutate {
				t.Fatalf("expected one mutate op, got %+v", d.Ops)
			}
			var got []FieldID
			for _, f := range d.Ops[0].Fields {
				got = append(got, f.ID)
			}
			if len(got) != len(tt.fields) {
				t.Fatalf("fields %v, want %v", got, tt.fields)
			}
			for i := range got {
				if got[i] != tt.fields[i] {
					t.Fatalf("fields %v, want %v", got, tt.fields)
				}
			}
			assertConverged(t, src, dst)
		})
	}
}

func TestListMutateError(t *testing.T) {
	src := newTestList(1)
	h := mustAdd(t, src, "bread", 1)
	boom := errors.New("boom")

	v := src.Version()
	err := src.Mutate(h, func(*Instance) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if src.Version() != v {
		t.Fatalf("failed no-op mutation bumped the version")
	}

	err = src.Mutate(h, func(inst *Instance) error {
		inst.SetStackCount(3)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if src.Version() != v+1 {
		t.Fatalf("partial change not versioned: version %d, want %d", src.Version(), v+1)
	}
	e, _ := src.Resolve(h)
	if m := e.DirtySince(v); !m.Has(FieldStackCount) {
		t.Fatalf("stack count not dirty after partial change")
	}
}

func TestListRoles(t *testing.T) {
	src := newTestList(1)
	dst := newTestReplica(1)
	h := mustAdd(t, src, "bread", 1)

	if _, err := dst.Add("bread", AddParams{}); !errors.Is(err, ErrReplica) {
		t.Fatalf("replica add: got %v", err)
	}
	if err := dst.Remove(h); !errors.Is(err, ErrReplica) {
		t.Fatalf("replica remove: got %v", err)
	}
	if err := dst.Mutate(h, func(*Instance) error { return nil }); !errors.Is(err, ErrReplica) {
		t.Fatalf("replica mutate: got %v", err)
	}
	if _, err := dst.ComputeDelta(0); !errors.Is(err, ErrReplica) {
		t.Fatalf("replica compute delta: got %v", err)
	}
	if _, err := src.ApplyDelta(Delta{Collection: 1, To: 5}); !errors.Is(err, ErrReplica) {
		t.Fatalf("authority apply delta: got %v", err)
	}
	if _, err := dst.ApplyDelta(Delta{Collection: 2, To: 1}); err == nil {
		t.Fatalf("replica accepted a delta of another collection")
	}
}

func TestListObserversSeeOneChangePerEntry(t *testing.T) {
	src := newTestList(1)
	dst := newTestReplica(1)

	var changes []EntryChange
	cancel := dst.Subscribe(func(c EntryChange) { changes = append(changes, c) })

	h := mustAdd(t, src, "bread", 1)
	for n := 2; n <= 4; n++ {
		if err := src.Mutate(h, func(inst *Instance) error {
			inst.SetStackCount(n)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	ship(t, src, dst)

	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1: %+v", len(changes), changes)
	}
	if c := changes[0]; c.Kind != ChangeAdded || c.Handle != h || c.NewCount != 4 {
		t.Fatalf("unexpected change %+v", c)
	}

	changes = nil
	if err := src.Mutate(h, func(inst *Instance) error {
		inst.SetStackCount(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	ship(t, src, dst)
	if len(changes) != 1 || changes[0].Kind != ChangeModified || changes[0].OldCount != 4 || changes[0].NewCount != 1 {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if !changes[0].Fields.Has(FieldStackCount) {
		t.Fatalf("modified change does not name the stack count field")
	}

	cancel()
	changes = nil
	if err := src.Remove(h); err != nil {
		t.Fatal(err)
	}
	ship(t, src, dst)
	if len(changes) != 0 {
		t.Fatalf("cancelled observer still notified: %+v", changes)
	}
}

func TestListEntryFailuresAreIsolated(t *testing.T) {
	dst := newTestReplica(1)

	d := Delta{
		Collection: 1,
		From:       0,
		To:         3,
		Ops: []Op{
			{Kind: OpAdd, Handle: Handle{Collection: 1, Entry: 0, Generation: 1}, Definition: "ghost"},
			{Kind: OpAdd, Handle: Handle{Collection: 1, Entry: 1, Generation: 1}, Definition: "rock", Fields: []FieldValue{
				{ID: FieldStackCount, Value: json.RawMessage("2")},
				{ID: FieldTags, Value: json.RawMessage(`["item.mineral"]`)},
			}},
			{Kind: OpMutate, Handle: Handle{Collection: 1, Entry: 9, Generation: 1}, Fields: []FieldValue{
				{ID: FieldStackCount, Value: json.RawMessage("5")},
			}},
			{Kind: OpRemove, Handle: Handle{Collection: 1, Entry: 8, Generation: 1}},
		},
	}

	report, err := dst.ApplyDelta(d)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(report.Errors) != 2 {
		t.Fatalf("got %d entry errors, want 2: %v", len(report.Errors), report.Errors)
	}
	if !errors.Is(report.Errors[0], ErrDefinitionNotFound) {
		t.Fatalf("first error %v, want ErrDefinitionNotFound", report.Errors[0])
	}
	if !errors.Is(report.Errors[1], ErrInvalidHandle) {
		t.Fatalf("second error %v, want ErrInvalidHandle", report.Errors[1])
	}
	if dst.Len() != 1 || dst.Version() != 3 {
		t.Fatalf("replica len %d version %d, want 1 and 3", dst.Len(), dst.Version())
	}

	e, err := dst.Resolve(Handle{Collection: 1, Entry: 1, Generation: 1})
	if err != nil {
		t.Fatalf("resolve rock: %v", err)
	}
	if e.Instance().StackCount() != 2 || !e.Instance().HasTag("item") {
		t.Fatalf("rock decoded as stack %d tags %v", e.Instance().StackCount(), e.Instance().Tags())
	}
}

func TestListHandleSpaceExhausted(t *testing.T) {
	src := newTestList(1, WithListCapacity(2))
	mustAdd(t, src, "rock", 1)
	mustAdd(t, src, "rock", 1)
	if _, err := src.Add("rock", AddParams{}); !errors.Is(err, ErrHandleSpaceExhausted) {
		t.Fatalf("got %v, want ErrHandleSpaceExhausted", err)
	}
}

func TestListAddSeedsTagsAndState(t *testing.T) {
	src := newTestList(1)
	h, err := src.Add("relic", AddParams{
		Tags:  []Tag{"state.bound"},
		State: map[FragmentKind]json.RawMessage{KindStorable: json.RawMessage(`{"slot":4}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	e, _ := src.Resolve(h)
	inst := e.Instance()

	for _, tag := range []Tag{"item.quest", "state.bound", "status.cursed"} {
		if !inst.Tags().HasExact(tag) {
			t.Errorf("missing tag %s in %v", tag, inst.Tags())
		}
	}
	st, ok := CapabilityOf[*StorableState](inst)
	if !ok || st.Slot != 4 {
		t.Fatalf("storable state %+v, want slot 4", st)
	}
}

func TestListRemovalReachesResyncedReplica(t *testing.T) {
	src := newTestList(1)
	live := newTestReplica(1)
	mustAdd(t, src, "bread", 2)
	ship(t, src, live)

	h := mustAdd(t, src, "sword", 1)

	// A late joiner picks the sword up from a full resync before any flush.
	late := newTestReplica(1)
	full, err := src.ComputeDelta(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := late.ApplyDelta(full); err != nil {
		t.Fatal(err)
	}

	if err := src.Remove(h); err != nil {
		t.Fatal(err)
	}
	if src.PendingRemovals() != 1 {
		t.Fatalf("resynced entry removed without a marker")
	}

	d, _ := ship(t, src, live)
	if _, err := late.ApplyDelta(d); err != nil {
		t.Fatalf("apply %d..%d at %d: %v", d.From, d.To, late.Version(), err)
	}
	assertConverged(t, src, live)
	assertConverged(t, src, late)
	if src.PendingRemovals() != 0 {
		t.Fatalf("removal marker kept after MarkSent")
	}
}
