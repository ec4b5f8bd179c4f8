package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			gateway_url TEXT NOT NULL DEFAULT '',
			gateway_token TEXT NOT NULL DEFAULT '',
			sync_secret TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			data_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Workspaces ---

func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workspaces (id, name, gateway_url, gateway_token, sync_secret, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		ws.ID, ws.Name, ws.GatewayURL, ws.GatewayToken, ws.SyncSecret, ws.CreatedAt)
	return err
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, gateway_url, gateway_token, sync_secret, created_at FROM workspaces WHERE id = $1", id,
	).Scan(&ws.ID, &ws.Name, &ws.GatewayURL, &ws.GatewayToken, &ws.SyncSecret, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
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

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE workspaces SET name = $1, gateway_url = $2, gateway_token = $3, sync_secret = $4 WHERE id = $5",
		ws.Name, ws.GatewayURL, ws.GatewayToken, ws.SyncSecret, ws.ID)
	return err
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM collections WHERE workspace_id = $1", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = $1", id)
	return err
}

// --- Collections ---

func (s *PostgresStore) GetCollection(ctx context.Context, workspaceID, dataType string) (json.RawMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM collections WHERE workspace_id = $1 AND data_type = $2",
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

func (s *PostgresStore) PutCollection(ctx context.Context, workspaceID, dataType string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (workspace_id, data_type, payload, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(workspace_id, data_type) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		workspaceID, dataType, string(payload), time.Now().UTC())
	return err
}

func (s *PostgresStore) ListCollections(ctx context.Context, workspaceID string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data_type, payload FROM collections WHERE workspace_id = $1", workspaceID)
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
