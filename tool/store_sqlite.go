package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteDescriptorSchema = `
CREATE TABLE IF NOT EXISTS tool_descriptors (
	server_id TEXT NOT NULL,
	name TEXT NOT NULL,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (server_id, name)
);`

const (
	defaultSQLiteDir = ".trellis"
	defaultSQLiteDB  = "trellis.db"
)

// SQLiteStoreConfig configures the SQLite-backed descriptor store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists tool descriptors in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultSQLitePath returns the default database path for daemon storage.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tool: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteDir, defaultSQLiteDB), nil
}

// NewSQLiteStore opens (or creates) a SQLite-backed descriptor store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("tool: sqlite store dsn is required")
	}
	if dir := filepath.Dir(dsn); dir != "" && dir != "." && !strings.Contains(dsn, "mode=memory") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tool: create sqlite store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteDescriptorSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// List returns all persisted descriptors.
func (s *SQLiteStore) List(ctx context.Context) ([]Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM tool_descriptors ORDER BY server_id, name")
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite store list: %w", err)
	}
	defer rows.Close()

	out := make([]Descriptor, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("tool: sqlite store scan: %w", err)
		}
		var desc Descriptor
		if err := json.Unmarshal(payload, &desc); err != nil {
			return nil, fmt.Errorf("tool: sqlite store decode descriptor: %w", err)
		}
		out = append(out, desc)
	}
	return out, rows.Err()
}

// Upsert writes a descriptor, replacing any existing (server, name) row.
func (s *SQLiteStore) Upsert(ctx context.Context, desc Descriptor) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("tool: sqlite store encode descriptor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_descriptors (server_id, name, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (server_id, name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		desc.ServerID, desc.Name, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("tool: sqlite store upsert %q: %w", desc.Name, err)
	}
	return nil
}

// Delete removes a descriptor row.
func (s *SQLiteStore) Delete(ctx context.Context, serverID, name string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM tool_descriptors WHERE server_id = ? AND name = ?", serverID, name); err != nil {
		return fmt.Errorf("tool: sqlite store delete %q: %w", name, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
