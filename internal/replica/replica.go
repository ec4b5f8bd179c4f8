// Package replica manages the local agent's on-disk copy of workspace data:
// one JSON array file per data type under the configured data directory.
package replica

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Replica reads and writes the per-type JSON files an agent workspace keeps
// on disk. Writes are atomic: data lands in a temp file first and is renamed
// over the target, so a crashed agent never leaves a half-written file.
type Replica struct {
	dir string
}

// Open prepares a replica rooted at dir, creating it if needed.
func Open(dir string) (*Replica, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Replica{dir: dir}, nil
}

// Dir returns the replica's root directory.
func (r *Replica) Dir() string { return r.dir }

// Read returns the stored array for one data type, or nil when the file does
// not exist yet.
func (r *Replica) Read(dataType string) (json.RawMessage, error) {
	path, err := r.path(dataType)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dataType, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("corrupt replica file %s", path)
	}
	return json.RawMessage(data), nil
}

// ReadAll returns every data type present on disk.
func (r *Replica) ReadAll() (map[string]json.RawMessage, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	out := make(map[string]json.RawMessage)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		dataType := strings.TrimSuffix(name, ".json")
		payload, err := r.Read(dataType)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			out[dataType] = payload
		}
	}
	return out, nil
}

// Write atomically replaces the stored array for one data type.
func (r *Replica) Write(dataType string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("invalid %s payload", dataType)
	}
	path, err := r.path(dataType)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.dir, dataType+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dataType, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", dataType, err)
	}
	return nil
}

// path rejects data type names that would escape the data directory.
func (r *Replica) path(dataType string) (string, error) {
	if dataType == "" || strings.ContainsAny(dataType, "/\\.") {
		return "", fmt.Errorf("invalid data type %q", dataType)
	}
	return filepath.Join(r.dir, dataType+".json"), nil
}
