// Command loadoutd runs a Dragonfly server whose player inventories and
// equipment are managed by loadout, persisted in SQLite and replicated to
// websocket observers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/df-mc/dragonfly/server"
	"github.com/df-mc/dragonfly/server/cmd"
	"github.com/df-mc/dragonfly/server/player/chat"

	"github.com/oriumgames/loadout"
	"github.com/oriumgames/loadout/catalog"
	"github.com/oriumgames/loadout/config"
	"github.com/oriumgames/loadout/store"
	"github.com/oriumgames/loadout/transport/ws"
	"github.com/oriumgames/loadout/wire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loadoutd: config", "error", err)
		os.Exit(1)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("loadoutd: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	cat, err := catalog.Load(cfg.CatalogPath, nil)
	if err != nil {
		return err
	}
	log.Info("loadoutd: catalog loaded", "definitions", cat.Len(), "digest", cat.Digest())

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	codec, err := wire.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()
	hub := ws.NewServer(codec, cat.Digest())

	b := loadout.NewBuilder().
		Definitions(cat).
		Transport(hub).
		Replicator(replicatorOptions(cfg)...).
		Slots(cat.Slots()...).
		OnRemove(func(snap loadout.ActorSnapshot) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := db.Save(ctx, snap); err != nil {
				log.Warn("loadoutd: save on leave failed", "actor", snap.Name, "error", err)
			}
		})
	if cfg.MaxEntries > 0 {
		b.Lists(loadout.WithListCapacity(cfg.MaxEntries))
	}
	if set, ok := cat.ItemSet(cfg.StarterSet); ok {
		b.Loadout(set)
	} else if cfg.StarterSet != "" {
		log.Warn("loadoutd: starter set not found", "set", cfg.StarterSet)
	}
	mngr := b.Init()
	hub.Bind(mngr)

	if cfg.ObserverAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/v1/observe", hub.Handler())
		httpSrv := &http.Server{Addr: cfg.ObserverAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("loadoutd: observer listener", "error", err)
			}
		}()
		defer httpSrv.Close()
	}

	stopSaves := make(chan struct{})
	go saveLoop(mngr, db, cfg.SaveInterval, log, stopSaves)

	cmd.Register(cmd.New("inventory", "Lists your items", []string{"inv"}, loadout.InventoryCommand{}))
	cmd.Register(cmd.New("equip", "Equips an item", nil, loadout.EquipCommand{}))

	chat.Global.Subscribe(chat.StdoutSubscriber{})
	uc := server.DefaultConfig()
	uc.Network.Address = cfg.Addr
	conf, err := uc.Config(log)
	if err != nil {
		return err
	}
	srv := conf.New()
	srv.CloseOnProgramEnd()
	srv.Listen()

	equipment := make([]loadout.DefinitionID, 0, len(cfg.Equipment))
	for _, id := range cfg.Equipment {
		equipment = append(equipment, loadout.DefinitionID(id))
	}

	for p := range srv.Accept() {
		ac := loadout.ActorConfig{Equipment: equipment}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snap, err := db.Load(ctx, p.UUID())
		cancel()
		switch {
		case err == nil:
			ac.Restore = snap.Inventory
			ac.Equipment = snap.Equipment
		case errors.Is(err, store.ErrNotFound):
		default:
			log.Error("loadoutd: load snapshot", "player", p.Name(), "error", err)
			p.Disconnect("Failed to load your inventory.")
			continue
		}

		if _, err := mngr.Join(p, ac, nil); err != nil {
			log.Error("loadoutd: join", "player", p.Name(), "error", err)
			p.Disconnect("Failed to load your inventory.")
		}
	}

	close(stopSaves)
	mngr.Shutdown()
	return nil
}

func replicatorOptions(cfg config.Config) []loadout.ReplicatorOption {
	opts := []loadout.ReplicatorOption{loadout.WithTickRate(cfg.TickRate)}
	if cfg.Workers > 0 {
		opts = append(opts, loadout.WithWorkers(cfg.Workers))
	}
	return opts
}

// saveLoop periodically persists every actor until stop is closed.
func saveLoop(m *loadout.Manager, db *store.Store, interval time.Duration, log *slog.Logger, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snaps, err := m.Snapshots()
			if err != nil {
				log.Warn("loadoutd: snapshot failed", "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := db.SaveAll(ctx, snaps); err != nil {
				log.Warn("loadoutd: periodic save failed", "error", err)
			} else {
				log.Debug("loadoutd: saved actors", "count", len(snaps))
			}
			cancel()
		}
	}
}
