package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":19132" || cfg.TickRate != 50*time.Millisecond || cfg.StarterSet != "starter" {
		t.Fatalf("defaults %+v", cfg)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Fatalf("level %v", cfg.Level())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOADOUT_ADDR", ":20000")
	t.Setenv("LOADOUT_EQUIPMENT", "halo_eq,cape_eq")
	t.Setenv("LOADOUT_TICK_RATE", "100ms")
	t.Setenv("LOADOUT_WORKERS", "4")
	t.Setenv("LOADOUT_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":20000" || cfg.TickRate != 100*time.Millisecond || cfg.Workers != 4 {
		t.Fatalf("config %+v", cfg)
	}
	if len(cfg.Equipment) != 2 || cfg.Equipment[1] != "cape_eq" {
		t.Fatalf("equipment %v", cfg.Equipment)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Fatalf("level %v", cfg.Level())
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad duration", "LOADOUT_TICK_RATE", "soon"},
		{"zero tick", "LOADOUT_TICK_RATE", "0s"},
		{"negative workers", "LOADOUT_WORKERS", "-1"},
		{"bad level", "LOADOUT_LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s accepted", tt.key, tt.value)
			}
		})
	}
}
