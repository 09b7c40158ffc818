package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gwi.com/coursechat/internal/core"
)

type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string, ttl time.Duration, now func() time.Time) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if now == nil {
		now = time.Now
	}
	store := &SQLiteStore{db: db, ttl: ttl, now: now}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        state_json TEXT NOT NULL,
        version INTEGER NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        accessed_at DATETIME NOT NULL -- last read or write, drives idle expiry
    );

    CREATE INDEX IF NOT EXISTS idx_sessions_accessed_at ON sessions (accessed_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, state *core.State) error {
	now := s.now().UTC()
	state.CreatedAt = now
	state.UpdatedAt = now
	state.Version = 1

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, state_json, version, created_at, updated_at, accessed_at) VALUES (?, ?, ?, ?, ?, ?)",
		state.ID, string(stateJSON), state.Version, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*core.State, error) {
	var stateJSON string
	var accessedAt time.Time
	err := s.db.QueryRowContext(ctx, "SELECT state_json, accessed_at FROM sessions WHERE id = ?", id).Scan(&stateJSON, &accessedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Session not found
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if s.now().Sub(accessedAt) > s.ttl {
		return nil, nil
	}

	var state core.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE sessions SET accessed_at = ? WHERE id = ?", s.now().UTC(), id); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	return &state, nil
}

func (s *SQLiteStore) Update(ctx context.Context, state *core.State) error {
	next := state.Clone()
	next.Version = state.Version + 1
	next.UpdatedAt = s.now().UTC()

	stateJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET state_json = ?, version = ?, updated_at = ?, accessed_at = ? WHERE id = ? AND version = ? AND accessed_at >= ?",
		string(stateJSON), next.Version, next.UpdatedAt, next.UpdatedAt, state.ID, state.Version, s.now().UTC().Add(-s.ttl))
	if err != nil {
		return fmt.Errorf("failed to execute session update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		current, err := s.Get(ctx, state.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	state.Version = next.Version
	state.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions idle for longer than the TTL and returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE accessed_at < ?", s.now().UTC().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
