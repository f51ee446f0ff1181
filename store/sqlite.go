// Package store persists actor snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/oriumgames/loadout"
	"github.com/oriumgames/loadout/wire"
)

// ErrNotFound is returned when no snapshot exists for an actor.
var ErrNotFound = errors.New("loadout: snapshot not found")

// SnapshotVersion is stored with every row. Rows with another version are
// refused on load.
const SnapshotVersion = 1

// Store keeps one snapshot per actor. Snapshots are stored as zstd compressed
// JSON.
type Store struct {
	db    *sql.DB
	codec *wire.Codec
}

// Entry describes a stored snapshot without decoding it.
type Entry struct {
	ID        uuid.UUID
	Name      string
	Size      int
	UpdatedAt time.Time
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := wire.NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, codec: codec}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS actors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		snapshot BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS actors_name ON actors(name);`)
	return err
}

// Save writes snap, replacing the previous snapshot of the actor.
func (s *Store) Save(ctx context.Context, snap loadout.ActorSnapshot) error {
	blob, err := s.codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actors (id, name, version, snapshot, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, version = excluded.version,
			snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		snap.ID.String(), snap.Name, SnapshotVersion, blob, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// SaveAll writes every snapshot in a single transaction.
func (s *Store) SaveAll(ctx context.Context, snaps []loadout.ActorSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO actors (id, name, version, snapshot, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, version = excluded.version,
			snapshot = excluded.snapshot, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, snap := range snaps {
		blob, err := s.codec.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, snap.ID.String(), snap.Name, SnapshotVersion, blob, now); err != nil {
			return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
		}
	}
	return tx.Commit()
}

// Load returns the snapshot of actor id.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (loadout.ActorSnapshot, error) {
	var (
		version int
		blob    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, snapshot FROM actors WHERE id = ?`, id.String(),
	).Scan(&version, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return loadout.ActorSnapshot{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return loadout.ActorSnapshot{}, err
	}
	if version != SnapshotVersion {
		return loadout.ActorSnapshot{}, fmt.Errorf("snapshot %s: unsupported version %d", id, version)
	}

	var snap loadout.ActorSnapshot
	if err := s.codec.Unmarshal(blob, &snap); err != nil {
		return loadout.ActorSnapshot{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return snap, nil
}

// Delete removes the snapshot of actor id. Deleting a missing snapshot is not
// an error.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM actors WHERE id = ?`, id.String())
	return err
}

// List returns every stored snapshot, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, length(snapshot), updated_at FROM actors ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			id      string
			updated int64
		)
		if err := rows.Scan(&id, &e.Name, &e.Size, &updated); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad actor id %q: %w", id, err)
		}
		e.UpdatedAt = time.UnixMilli(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.codec.Close()
	return s.db.Close()
}
