// Package loadout provides server-authoritative inventories and equipment for
// Dragonfly servers.
//
// Loadout is built from three pieces:
//   - ReplicatedEntryList: handle-indexed collections shipped to observers as deltas
//   - Fragments: composable rules that give definitions their capabilities
//   - FeatureInitStateGraph: per-actor coordination of feature initialisation
//
// InventorySystem and EquipmentSystem sit on top and are owned by an Actor.
//
// # Quick Start
//
//	mngr := loadout.NewBuilder().
//	    Definitions(catalog).
//	    Transport(hub).
//	    Loadout(loadout.ItemSet{ID: "starter", Items: []loadout.ItemSetEntry{{Definition: "bread", Count: 8}}}).
//	    Init()
//
//	for p := range srv.Accept() {
//	    if _, err := mngr.Join(p, loadout.ActorConfig{}, nil); err != nil {
//	        p.Disconnect("failed to load inventory")
//	    }
//	}
//
// # Definitions and fragments
//
// A Definition is immutable and shared. Its fragments decide what instances can
// do; each fragment produces its own capability state per instance:
//
//	def := &loadout.Definition{
//	    ID:    "iron_sword",
//	    Class: loadout.ClassItem,
//	    Fragments: []loadout.Fragment{
//	        &loadout.Storable{MaxStack: 1},
//	        &loadout.Equippable{Equipment: "iron_sword_eq", Slot: "slot.hand"},
//	    },
//	}
//
// New behaviours are new Fragment types registered with Builder.Fragment.
//
// # Replication
//
// Every change to a list bumps its version. The replication loop sends
// ComputeDelta(sent) to the Transport and acknowledges it with MarkSent.
// Replicas apply deltas with ApplyDelta; stale and duplicate deltas are ignored.
package loadout

// Version is the loadout version.
const Version = "0.1.0"
