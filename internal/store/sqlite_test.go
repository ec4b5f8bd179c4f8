package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteWorkspaceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ws := &Workspace{
		ID:           "acme",
		Name:         "Acme Corp",
		GatewayURL:   "wss://gw.acme.example/ws",
		GatewayToken: "token-acme",
		SyncSecret:   "secret-acme",
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	got, err := s.GetWorkspace(ctx, "acme")
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if got == nil || got.Name != "Acme Corp" || got.SyncSecret != "secret-acme" {
		t.Fatalf("GetWorkspace = %+v", got)
	}

	got.Name = "Acme Inc"
	got.GatewayToken = "token-rotated"
	if err := s.UpdateWorkspace(ctx, got); err != nil {
		t.Fatalf("UpdateWorkspace: %v", err)
	}
	got, err = s.GetWorkspace(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Acme Inc" || got.GatewayToken != "token-rotated" {
		t.Errorf("after update: %+v", got)
	}

	list, err := s.ListWorkspaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("ListWorkspaces = %d entries, want 1", len(list))
	}

	if err := s.DeleteWorkspace(ctx, "acme"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	got, err = s.GetWorkspace(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("workspace survived delete: %+v", got)
	}
}

func TestSQLiteGetWorkspaceMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetWorkspace(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for missing workspace, got %+v", got)
	}
}

func TestSQLiteCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateWorkspace(ctx, &Workspace{ID: "acme", SyncSecret: "x"}); err != nil {
		t.Fatal(err)
	}

	// Missing collection reads as nil.
	payload, err := s.GetCollection(ctx, "acme", "tasks")
	if err != nil {
		t.Fatal(err)
	}
	if payload != nil {
		t.Errorf("expected nil for missing collection, got %s", payload)
	}

	tasks := json.RawMessage(`[{"id":"t1","title":"first"}]`)
	if err := s.PutCollection(ctx, "acme", "tasks", tasks); err != nil {
		t.Fatalf("PutCollection: %v", err)
	}
	payload, err = s.GetCollection(ctx, "acme", "tasks")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != string(tasks) {
		t.Errorf("GetCollection = %s, want %s", payload, tasks)
	}

	// Upsert replaces.
	tasks2 := json.RawMessage(`[{"id":"t1"},{"id":"t2"}]`)
	if err := s.PutCollection(ctx, "acme", "tasks", tasks2); err != nil {
		t.Fatal(err)
	}
	payload, _ = s.GetCollection(ctx, "acme", "tasks")
	if string(payload) != string(tasks2) {
		t.Errorf("after upsert = %s, want %s", payload, tasks2)
	}

	if err := s.PutCollection(ctx, "acme", "stats", json.RawMessage(`[{"calls":7}]`)); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListCollections(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("ListCollections = %d types, want 2", len(all))
	}
	if _, ok := all["stats"]; !ok {
		t.Error("stats collection missing from list")
	}
}
