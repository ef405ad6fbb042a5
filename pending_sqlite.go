package trellis

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

const sqlitePendingSchema = `
CREATE TABLE IF NOT EXISTS pending_invocations (
	id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL
);`

// SQLitePendingStore persists pending invocations so correlation ids survive
// a gateway restart.
type SQLitePendingStore struct {
	db *sql.DB
}

// NewSQLitePendingStore opens (or creates) a SQLite-backed pending store.
// The same DSN as the descriptor store may be used; tables do not collide.
func NewSQLitePendingStore(dsn string) (*SQLitePendingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("trellis: pending store dsn is required")
	}
	if dir := filepath.Dir(dsn); dir != "" && dir != "." && !strings.Contains(dsn, "mode=memory") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("trellis: create pending store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("trellis: pending store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trellis: pending store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqlitePendingSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trellis: pending store create schema: %w", err)
	}
	return &SQLitePendingStore{db: db}, nil
}

// Put writes or replaces a pending invocation.
func (s *SQLitePendingStore) Put(ctx context.Context, inv PendingInvocation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("trellis: pending store encode %q: %w", inv.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_invocations (id, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload`,
		inv.ID, payload, inv.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("trellis: pending store upsert %q: %w", inv.ID, err)
	}
	return nil
}

// Get loads one pending invocation by correlation id.
func (s *SQLitePendingStore) Get(ctx context.Context, id string) (PendingInvocation, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM pending_invocations WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingInvocation{}, false, nil
	}
	if err != nil {
		return PendingInvocation{}, false, fmt.Errorf("trellis: pending store get %q: %w", id, err)
	}
	var inv PendingInvocation
	if err := json.Unmarshal(payload, &inv); err != nil {
		return PendingInvocation{}, false, fmt.Errorf("trellis: pending store decode %q: %w", id, err)
	}
	return inv, true, nil
}

// List returns all pending invocations ordered by creation time.
func (s *SQLitePendingStore) List(ctx context.Context) ([]PendingInvocation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM pending_invocations ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("trellis: pending store list: %w", err)
	}
	defer rows.Close()

	out := make([]PendingInvocation, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("trellis: pending store scan: %w", err)
		}
		var inv PendingInvocation
		if err := json.Unmarshal(payload, &inv); err != nil {
			return nil, fmt.Errorf("trellis: pending store decode: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Delete removes one pending invocation.
func (s *SQLitePendingStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_invocations WHERE id = ?", id); err != nil {
		return fmt.Errorf("trellis: pending store delete %q: %w", id, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLitePendingStore) Close() error {
	return s.db.Close()
}
