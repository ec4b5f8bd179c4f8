package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openbrain/openbrain/internal/config"
	"github.com/openbrain/openbrain/internal/replica"
	"github.com/openbrain/openbrain/pkg/protocol"
)

func newTestBridge(t *testing.T, handler http.HandlerFunc) (*Bridge, *replica.Replica) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rep, err := replica.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.SyncConfig{
		ServerURL:   srv.URL,
		WorkspaceID: "acme",
		Secret:      "push-secret",
	}
	b, err := New(cfg, rep, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return b, rep
}

func TestPushOnce_SendsReplicaWithHeaders(t *testing.T) {
	var gotSecret, gotWorkspace, gotPath string
	var gotBody map[string]json.RawMessage

	b, rep := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSecret = r.Header.Get(protocol.HeaderSyncSecret)
		gotWorkspace = r.Header.Get(protocol.HeaderWorkspaceID)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(protocol.SyncResponse{OK: true, Synced: []string{"tasks"}})
	})

	if err := rep.Write("tasks", json.RawMessage(`[{"id":"t1"}]`)); err != nil {
		t.Fatal(err)
	}
	if err := b.PushOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if gotPath != "/sync" {
		t.Errorf("path = %q, want /sync", gotPath)
	}
	if gotSecret != "push-secret" {
		t.Errorf("secret header = %q", gotSecret)
	}
	if gotWorkspace != "acme" {
		t.Errorf("workspace header = %q", gotWorkspace)
	}
	if _, ok := gotBody["tasks"]; !ok {
		t.Errorf("body = %v, want tasks key", gotBody)
	}
}

func TestPushOnce_AppliesMergedArrays(t *testing.T) {
	b, rep := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protocol.SyncResponse{
			OK:     true,
			Synced: []string{"tasks"},
			Merged: map[string]json.RawMessage{
				"tasks": json.RawMessage(`[{"id":"t1"},{"id":"server-side"}]`),
			},
		})
	})

	if err := rep.Write("tasks", json.RawMessage(`[{"id":"t1"}]`)); err != nil {
		t.Fatal(err)
	}
	if err := b.PushOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := rep.Read("tasks")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `[{"id":"t1"},{"id":"server-side"}]` {
		t.Errorf("replica after push = %s", got)
	}
}

func TestPushOnce_RejectedSecret(t *testing.T) {
	b, rep := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid sync secret", http.StatusUnauthorized)
	})

	if err := rep.Write("tasks", json.RawMessage(`[]`)); err != nil {
		t.Fatal(err)
	}
	if err := b.PushOnce(context.Background()); err == nil {
		t.Fatal("expected error for rejected secret")
	}
}

func TestPushOnce_EmptyReplicaSkipsRequest(t *testing.T) {
	called := false
	b, _ := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	if err := b.PushOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("empty replica must not hit the server")
	}
}
