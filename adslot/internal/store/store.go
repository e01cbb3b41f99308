// Package store persists the route-group fallback table in SQLite so it can
// be edited while the runtime is live. Every write to route_groups bumps a
// version row through triggers; the Watcher polls that version and reloads.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/adslot/adnet"
)

// ErrInvalid is returned for rows naming an unknown device class or position.
var ErrInvalid = errors.New("store: invalid route group entry")

// Schema creates the route_groups table, its version bookkeeping and the
// control audit log.
const Schema = `
CREATE TABLE IF NOT EXISTS route_groups (
	route_group TEXT NOT NULL,
	device      TEXT NOT NULL,
	position    TEXT NOT NULL,
	placement   TEXT NOT NULL,
	updated_at  INTEGER NOT NULL DEFAULT (unixepoch()),
	PRIMARY KEY (route_group, device, position)
);

CREATE TABLE IF NOT EXISTS route_groups_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
INSERT OR IGNORE INTO route_groups_version (id, version) VALUES (1, 0);

CREATE TRIGGER IF NOT EXISTS route_groups_ai AFTER INSERT ON route_groups
BEGIN UPDATE route_groups_version SET version = version + 1 WHERE id = 1; END;
CREATE TRIGGER IF NOT EXISTS route_groups_au AFTER UPDATE ON route_groups
BEGIN UPDATE route_groups_version SET version = version + 1 WHERE id = 1; END;
CREATE TRIGGER IF NOT EXISTS route_groups_ad AFTER DELETE ON route_groups
BEGIN UPDATE route_groups_version SET version = version + 1 WHERE id = 1; END;

CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	operation     TEXT NOT NULL,
	transport     TEXT,
	session_id    TEXT,
	request_id    TEXT,
	parameters    TEXT NOT NULL DEFAULT '{}',
	error_message TEXT,
	duration_ms   INTEGER,
	status        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation);
`

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with production
// pragmas and the schema applied.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for tests. All queries share one
// connection since each ":memory:" connection is a separate database.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// DB exposes the handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Load reads the whole table.
func (s *Store) Load(ctx context.Context) (adnet.RouteGroupTable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT route_group, device, position, placement
		FROM route_groups
		WHERE placement != ''
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	defer rows.Close()

	table := adnet.RouteGroupTable{}
	for rows.Next() {
		var group, device, position, placement string
		if err := rows.Scan(&group, &device, &position, &placement); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		cfg, ok := table[group]
		if !ok {
			cfg = adnet.AdUnitsConfig{}
			table[group] = cfg
		}
		dc := adnet.DeviceClass(device)
		if cfg[dc] == nil {
			cfg[dc] = map[adnet.Position]string{}
		}
		cfg[dc][adnet.Position(position)] = placement
	}
	return table, rows.Err()
}

// Put upserts one placement.
func (s *Store) Put(ctx context.Context, group string, device adnet.DeviceClass, pos adnet.Position, placement string) error {
	if !device.Valid() || !pos.Valid() {
		return fmt.Errorf("%w: %s/%s", ErrInvalid, device, pos)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO route_groups (route_group, device, position, placement, updated_at)
		VALUES (?, ?, ?, ?, unixepoch())
		ON CONFLICT (route_group, device, position)
		DO UPDATE SET placement = excluded.placement, updated_at = excluded.updated_at
	`, group, string(device), string(pos), placement)
	if err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

// Replace swaps the stored table for t in one transaction.
func (s *Store) Replace(ctx context.Context, t adnet.RouteGroupTable) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_groups`); err != nil {
		return fmt.Errorf("store: replace: %w", err)
	}
	for group, cfg := range t {
		for device, positions := range cfg {
			for pos, placement := range positions {
				if !device.Valid() || !pos.Valid() {
					return fmt.Errorf("%w: %s/%s/%s", ErrInvalid, group, device, pos)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO route_groups (route_group, device, position, placement)
					VALUES (?, ?, ?, ?)
				`, group, string(device), string(pos), placement); err != nil {
					return fmt.Errorf("store: replace: %w", err)
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Delete removes every entry of a route group and reports how many rows went.
func (s *Store) Delete(ctx context.Context, group string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM route_groups WHERE route_group = ?`, group)
	if err != nil {
		return 0, fmt.Errorf("store: delete: %w", err)
	}
	return res.RowsAffected()
}

// Version returns the write counter maintained by the triggers.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM route_groups_version WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("store: version: %w", err)
	}
	return v, nil
}
