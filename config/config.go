// Package config reads the loadoutd configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls the loadoutd server.
type Config struct {
	// Addr is the Minecraft listener address.
	Addr         string        `env:"LOADOUT_ADDR"          envDefault:":19132"`
	// ObserverAddr serves the websocket replication endpoint. Empty disables it.
	ObserverAddr string        `env:"LOADOUT_OBSERVER_ADDR" envDefault:":8090"`
	CatalogPath  string        `env:"LOADOUT_CATALOG"       envDefault:"catalog.yaml"`
	DBPath       string        `env:"LOADOUT_DB"            envDefault:"data/loadout.sqlite"`
	StarterSet   string        `env:"LOADOUT_STARTER_SET"   envDefault:"starter"`
	Equipment    []string      `env:"LOADOUT_EQUIPMENT"     envSeparator:","`
	TickRate     time.Duration `env:"LOADOUT_TICK_RATE"     envDefault:"50ms"`
	Workers      int           `env:"LOADOUT_WORKERS"       envDefault:"0"`
	SaveInterval time.Duration `env:"LOADOUT_SAVE_INTERVAL" envDefault:"1m"`
	MaxEntries   uint32        `env:"LOADOUT_MAX_ENTRIES"   envDefault:"0"`
	LogLevel     string        `env:"LOADOUT_LOG_LEVEL"     envDefault:"info"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("LOADOUT_ADDR is empty")
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("LOADOUT_CATALOG is empty")
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("LOADOUT_TICK_RATE must be positive, got %s", c.TickRate)
	}
	if c.Workers < 0 {
		return fmt.Errorf("LOADOUT_WORKERS must not be negative, got %d", c.Workers)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOADOUT_LOG_LEVEL: %w", err)
	}
	return l, nil
}
