package replica

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	payload := json.RawMessage(`[{"id":"t1","title":"first"}]`)
	if err := r.Write("tasks", payload); err != nil {
		t.Fatal(err)
	}

	got, err := r.Read("tasks")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("Read = %s, want %s", got, payload)
	}
}

func TestReadMissingFile(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Read("tasks")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for missing file, got %s", got)
	}
}

func TestReadAll(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write("tasks", json.RawMessage(`[]`)); err != nil {
		t.Fatal(err)
	}
	if err := r.Write("stats", json.RawMessage(`[{"calls":3}]`)); err != nil {
		t.Fatal(err)
	}
	// Stray files are ignored.
	if err := os.WriteFile(filepath.Join(r.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("ReadAll = %d types, want 2", len(all))
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write("tasks", json.RawMessage(`[1,2,3]`)); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(r.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestInvalidDataTypeRejected(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "../escape", "a/b", "a.b"} {
		if err := r.Write(name, json.RawMessage(`[]`)); err == nil {
			t.Errorf("Write(%q) accepted", name)
		}
	}
}

func TestCorruptFileRejected(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir(), "tasks.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read("tasks"); err == nil {
		t.Error("expected error for corrupt file")
	}
}
