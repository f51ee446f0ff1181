package loadout

import (
	"encoding/json"
	"reflect"
	"testing"
)

// testDefinitions returns a small catalog covering every built-in fragment.
func testDefinitions() MapSource {
	return MapSource{
		"bread": {
			ID:          "bread",
			Class:       ClassItem,
			DisplayName: "Bread",
			Tags:        NewTagSet("item.food"),
			Fragments: []Fragment{
				&Storable{MaxStack: 16, Weight: 0.5},
				&Consumable{MaxUses: 2, Effects: []string{"saturation"}},
				&Dropable{},
			},
		},
		"sword": {
			ID:    "sword",
			Class: ClassItem,
			Tags:  NewTagSet("item.weapon.sword"),
			Fragments: []Fragment{
				&Storable{MaxStack: 1, Weight: 3},
				&Equippable{
					Equipment:   "sword_eq",
					Slot:        "slot.hand",
					AbilitySets: []AbilitySet{{ID: "swing", Abilities: []string{"swing"}}},
				},
				&Dropable{},
				&Tradable{Value: 10},
			},
		},
		"shield": {
			ID:    "shield",
			Class: ClassItem,
			Tags:  NewTagSet("item.armor.shield"),
			Fragments: []Fragment{
				&Storable{MaxStack: 1, Weight: 4},
				&Equippable{Slot: "slot.hand", AbilitySets: []AbilitySet{{ID: "block", Abilities: []string{"block"}}}},
			},
		},
		"greatsword": {
			ID:    "greatsword",
			Class: ClassItem,
			Tags:  NewTagSet("item.weapon.sword"),
			Fragments: []Fragment{
				&Storable{MaxStack: 1, Weight: 8},
				&Equippable{Slot: "slot.hand", Blocks: []Tag{"slot.offhand"}},
			},
		},
		"relic": {
			ID:    "relic",
			Class: ClassItem,
			Tags:  NewTagSet("item.quest"),
			Fragments: []Fragment{
				&Storable{MaxStack: 1, Unique: true, PersistentOnDeath: true},
				&TagModifier{Add: []Tag{"status.cursed"}},
			},
		},
		"rock": {
			ID:    "rock",
			Class: ClassItem,
		},
		"sword_eq": {
			ID:          "sword_eq",
			Class:       ClassEquipment,
			Slot:        "slot.hand",
			AbilitySets: []AbilitySet{{ID: "sharp", Effects: []string{"sharp"}, Tags: []Tag{"state.armed"}}},
			Fragments:   []Fragment{&Blessable{Abilities: []string{"smite"}}},
		},
		"halo_eq": {
			ID:          "halo_eq",
			Class:       ClassEquipment,
			AbilitySets: []AbilitySet{{ID: "glow", Effects: []string{"glow"}}},
			Fragments:   []Fragment{&Blessable{Effects: []string{"holy"}, BlessedOnGive: true}},
		},
	}
}

func newTestList(id uint32, opts ...ListOption) *ReplicatedEntryList {
	return NewReplicatedEntryList(id, testDefinitions(), nil, opts...)
}

func newTestReplica(id uint32) *ReplicatedEntryList {
	return NewReplicatedEntryList(id, testDefinitions(), nil, AsReplica())
}

// ship sends everything src has not sent yet to dst and acknowledges it.
func ship(t *testing.T, src, dst *ReplicatedEntryList) (Delta, ApplyReport) {
	t.Helper()
	d, err := src.ComputeDelta(src.Sent())
	if err != nil {
		t.Fatalf("compute delta: %v", err)
	}
	report, err := dst.ApplyDelta(d)
	if err != nil {
		t.Fatalf("apply delta %d..%d: %v", d.From, d.To, err)
	}
	src.MarkSent(d.To)
	return d, report
}

func assertConverged(t *testing.T, src, dst *ReplicatedEntryList) {
	t.Helper()
	want, err := src.Snapshot()
	if err != nil {
		t.Fatalf("snapshot authority: %v", err)
	}
	got, err := dst.Snapshot()
	if err != nil {
		t.Fatalf("snapshot replica: %v", err)
	}
	if !reflect.DeepEqual(normalize(want), normalize(got)) {
		t.Fatalf("replica diverged\nauthority: %+v\nreplica:   %+v", want, got)
	}
}

// normalize turns raw capability state into comparable values.
func normalize(snaps []EntrySnapshot) []map[string]any {
	out := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		state := make(map[FragmentKind]any, len(s.State))
		for k, raw := range s.State {
			var v any
			_ = json.Unmarshal(raw, &v)
			state[k] = v
		}
		out = append(out, map[string]any{
			"handle":     s.Handle,
			"definition": s.Definition,
			"stack":      s.StackCount,
			"tags":       []Tag(s.Tags),
			"state":      state,
		})
	}
	return out
}

func mustAdd(t *testing.T, l *ReplicatedEntryList, id DefinitionID, stack int) Handle {
	t.Helper()
	h, err := l.Add(id, AddParams{StackCount: stack})
	if err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
	return h
}
