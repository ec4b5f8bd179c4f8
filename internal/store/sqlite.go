package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			gateway_url TEXT NOT NULL DEFAULT '',
			gateway_token TEXT NOT NULL DEFAULT '',
			sync_secret TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			data_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (workspace_id, data_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collections_workspace_id ON collections(workspace_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Workspaces ---

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workspaces (id, name, gateway_url, gateway_token, sync_secret, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		ws.ID, ws.Name, ws.GatewayURL, ws.GatewayToken, ws.SyncSecret, ws.CreatedAt)
	return err
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, gateway_url, gateway_token, sync_secret, created_at FROM workspaces WHERE id = ?", id,
	).Scan(&ws.ID, &ws.Name, &ws.GatewayURL, &ws.GatewayToken, &ws.SyncSecret, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, gateway_url, gateway_token, sync_secret, created_at FROM workspaces ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.GatewayURL, &ws.GatewayToken, &ws.SyncSecret, &ws.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE workspaces SET name = ?, gateway_url = ?, gateway_token = ?, sync_secret = ? WHERE id = ?",
		ws.Name, ws.GatewayURL, ws.GatewayToken, ws.SyncSecret, ws.ID)
	return err
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM collections WHERE workspace_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	return err
}

// --- Collections ---

func (s *SQLiteStore) GetCollection(ctx context.Context, workspaceID, dataType string) (json.RawMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM collections WHERE workspace_id = ? AND data_type = ?",
		workspaceID, dataType,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

func (s *SQLiteStore) PutCollection(ctx context.Context, workspaceID, dataType string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (workspace_id, data_type, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(workspace_id, data_type) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		workspaceID, dataType, string(payload), time.Now().UTC())
	return err
}

func (s *SQLiteStore) ListCollections(ctx context.Context, workspaceID string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data_type, payload FROM collections WHERE workspace_id = ?", workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var dataType, payload string
		if err := rows.Scan(&dataType, &payload); err != nil {
			return nil, err
		}
		out[dataType] = json.RawMessage(payload)
	}
	return out, rows.Err()
}
