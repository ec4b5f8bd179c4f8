// Package store defines the canonical persistence interface for the dashboard
// and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the dashboard server. Collections
// hold one JSON array per (workspace, data type); the reconciler owns all
// read-modify-write cycles against them. Get methods return (nil, nil) when
// the row does not exist.
type Store interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error

	// Collections
	GetCollection(ctx context.Context, workspaceID, dataType string) (json.RawMessage, error)
	PutCollection(ctx context.Context, workspaceID, dataType string, payload json.RawMessage) error
	ListCollections(ctx context.Context, workspaceID string) (map[string]json.RawMessage, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Workspace is one tenant: a gateway endpoint plus the shared secret its
// local agent pushes with.
type Workspace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	GatewayURL   string    `json:"gateway_url"`
	GatewayToken string    `json:"-"`
	SyncSecret   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
