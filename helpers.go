package loadout

import (
	"fmt"
	"strings"

	"github.com/df-mc/dragonfly/server/cmd"
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
)

// actorFromPlayer extracts the actor from a player's handler.
// Returns nil if the player doesn't have a PlayerHandler.
func actorFromPlayer(p *player.Player) *Actor {
	h, ok := p.Handler().(*PlayerHandler)
	if !ok {
		return nil
	}
	return h.actor
}

// Command extracts the player and actor from a command source.
// Returns (nil, nil) if the source is not a player or has no actor.
//
// Usage:
//
//	func (c MyCommand) Run(src cmd.Source, out *cmd.Output, tx *world.Tx) {
//	    p, actor := loadout.Command(src)
//	    if p == nil || actor == nil {
//	        out.Error("Player-only command")
//	        return
//	    }
//	}
func Command(src cmd.Source) (*player.Player, *Actor) {
	p, ok := src.(*player.Player)
	if !ok {
		return nil, nil
	}
	return p, actorFromPlayer(p)
}

// InventoryCommand lists the items of the running player.
//
//	cmd.Register(cmd.New("inventory", "Lists your items", []string{"inv"}, loadout.InventoryCommand{}))
type InventoryCommand struct{}

// Run implements cmd.Runnable.
func (InventoryCommand) Run(src cmd.Source, o *cmd.Output, _ *world.Tx) {
	_, a := Command(src)
	if a == nil {
		o.Error("Player-only command")
		return
	}

	var lines []string
	err := a.Exec(func(a *Actor) error {
		for _, e := range a.inventory.list.Entries() {
			lines = append(lines, describeEntry(e))
		}
		for _, e := range a.equipment.list.Entries() {
			lines = append(lines, "[equipped] "+describeEntry(e))
		}
		return nil
	})
	if err != nil {
		o.Error(err)
		return
	}
	if len(lines) == 0 {
		o.Print("Your inventory is empty.")
		return
	}
	o.Print(strings.Join(lines, "\n"))
}

// EquipCommand equips the first stack of a definition.
type EquipCommand struct {
	Item string               `cmd:"item"`
	Slot cmd.Optional[string] `cmd:"slot"`
}

// Run implements cmd.Runnable.
func (c EquipCommand) Run(src cmd.Source, o *cmd.Output, _ *world.Tx) {
	_, a := Command(src)
	if a == nil {
		o.Error("Player-only command")
		return
	}

	err := a.Exec(func(a *Actor) error {
		h, ok := a.inventory.Find(DefinitionID(c.Item))
		if !ok {
			return fmt.Errorf("you have no %s", c.Item)
		}
		slot, _ := c.Slot.Load()
		_, err := a.equipment.EquipItem(a.inventory, h, Tag(slot))
		return err
	})
	if err != nil {
		o.Error(err)
		return
	}
	o.Printf("Equipped %s.", c.Item)
}

func describeEntry(e *Entry) string {
	name := string(e.definition)
	if def := e.instance.Definition(); def != nil && def.DisplayName != "" {
		name = def.DisplayName
	}
	return fmt.Sprintf("%s x%d (%s)", name, e.instance.StackCount(), e.handle)
}
