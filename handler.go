package loadout

import (
	"errors"
	"log/slog"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/item"
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/go-gl/mathgl/mgl64"
)

// ItemMapper maps a Dragonfly item stack to the definition that tracks it.
// It returns false for items the inventory does not track.
type ItemMapper func(it item.Stack) (DefinitionID, bool)

// DefaultItemMapper maps a stack to its encoded item name, e.g. "minecraft:apple".
func DefaultItemMapper(it item.Stack) (DefinitionID, bool) {
	if it.Empty() {
		return "", false
	}
	name, _ := it.Item().EncodeItem()
	return DefinitionID(name), true
}

// PlayerHandler mirrors a player's item events into the inventory of its actor.
//
// Concurrency:
// Handlers are executed synchronously by Dragonfly. Inventory access still goes
// through Actor.Exec, so the replication loop never observes a half-applied event.
type PlayerHandler struct {
	player.NopHandler

	actor  *Actor
	mapper ItemMapper
}

// NewPlayerHandler creates a handler for the actor. A nil mapper uses DefaultItemMapper.
func NewPlayerHandler(a *Actor, mapper ItemMapper) *PlayerHandler {
	if mapper == nil {
		mapper = DefaultItemMapper
	}
	return &PlayerHandler{actor: a, mapper: mapper}
}

// Compile-time check that PlayerHandler implements player.Handler.
var _ player.Handler = (*PlayerHandler)(nil)

// Actor returns the actor associated with this handler.
func (h *PlayerHandler) Actor() *Actor {
	return h.actor
}

// HandleMove keeps the actor position current for drops.
func (h *PlayerHandler) HandleMove(_ *player.Context, newPos mgl64.Vec3, _ cube.Rotation) {
	h.actor.SetPosition(newPos)
}

// HandleItemPickup stores picked up items. The pickup is cancelled when the
// inventory refuses them.
func (h *PlayerHandler) HandleItemPickup(ctx *player.Context, it *item.Stack) {
	id, ok := h.mapper(*it)
	if !ok {
		return
	}
	err := h.actor.Exec(func(a *Actor) error {
		_, err := a.inventory.Add(id, it.Count())
		return err
	})
	switch {
	case err == nil, errors.Is(err, ErrDefinitionNotFound):
	default:
		slog.Debug("loadout: pickup refused", "actor", h.actor.name, "item", id, "error", err)
		ctx.Cancel()
	}
}

// HandleItemDrop takes dropped items out of the inventory. Items that cannot be
// dropped stay in the player's hands.
func (h *PlayerHandler) HandleItemDrop(ctx *player.Context, it item.Stack) {
	id, ok := h.mapper(it)
	if !ok {
		return
	}
	pos := ctx.Val().Position()
	err := h.actor.Exec(func(a *Actor) error {
		inv := a.inventory
		if inv.TotalCount(id) == 0 {
			return nil
		}
		def, err := inv.list.loadDefinition(id)
		if err != nil {
			return err
		}
		if !def.HasFragment(KindDropable) {
			return ErrMissingCapability
		}
		return h.dropCount(inv, id, it.Count(), pos)
	})
	if errors.Is(err, ErrMissingCapability) {
		ctx.Cancel()
		return
	}
	if err != nil {
		slog.Warn("loadout: drop failed", "actor", h.actor.name, "item", id, "error", err)
	}
}

// dropCount drops whole stacks while they fit in count and trims the rest.
func (h *PlayerHandler) dropCount(inv *InventorySystem, id DefinitionID, count int, pos mgl64.Vec3) error {
	handles := inv.HandlesOf(id)
	for i := len(handles) - 1; i >= 0 && count > 0; i-- {
		n, err := inv.StackCount(handles[i])
		if err != nil {
			return err
		}
		if n <= count {
			if _, err := inv.Drop(handles[i], pos); err != nil {
				return err
			}
			count -= n
			continue
		}
		return inv.RemoveCount(handles[i], count)
	}
	return nil
}

// HandleItemConsume spends one use of the consumed item.
func (h *PlayerHandler) HandleItemConsume(_ *player.Context, it item.Stack) {
	id, ok := h.mapper(it)
	if !ok {
		return
	}
	err := h.actor.Exec(func(a *Actor) error {
		handle, ok := a.inventory.Find(id)
		if !ok {
			return nil
		}
		effects, err := a.inventory.Consume(handle)
		if err != nil {
			return err
		}
		for _, e := range effects {
			a.counter.Add(Tag("effect."+e), 1)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrMissingCapability) {
		slog.Warn("loadout: consume failed", "actor", h.actor.name, "item", id, "error", err)
	}
}

// HandleDeath drops every item that does not persist on death, unless the
// inventory is kept.
func (h *PlayerHandler) HandleDeath(_ *player.Player, _ world.DamageSource, keepInv *bool) {
	if keepInv != nil && *keepInv {
		return
	}
	err := h.actor.Exec(func(a *Actor) error {
		_, err := a.inventory.DropOnDeath()
		return err
	})
	if err != nil {
		slog.Warn("loadout: death drop failed", "actor", h.actor.name, "error", err)
	}
}

// HandleQuit removes the actor.
func (h *PlayerHandler) HandleQuit(*player.Player) {
	h.actor.manager.Remove(h.actor)
}

// Join spawns an actor for p and installs its handler.
func (m *Manager) Join(p *player.Player, cfg ActorConfig, mapper ItemMapper) (*Actor, error) {
	cfg.ID = p.UUID()
	cfg.Name = p.Name()
	cfg.Position = p.Position()

	a, err := m.Spawn(cfg)
	if err != nil {
		return nil, err
	}
	p.Handle(NewPlayerHandler(a, mapper))
	return a, nil
}
