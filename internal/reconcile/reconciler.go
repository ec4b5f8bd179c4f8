// Package reconcile merges data pushed by workspace agents into the canonical
// store and applies dashboard edits back onto it.
//
// Editable collections (tasks, leads, content) merge additively: a pushed
// record is appended only when its id is new and not tombstoned, and canonical
// records are never overwritten or removed by a push. Derived collections
// (activity, stats, config, inbox) are snapshots owned by the agent and
// replace the canonical copy wholesale.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openbrain/openbrain/internal/kmutex"
	"github.com/openbrain/openbrain/internal/store"
)

// Data types accepted from agents.
var (
	EditableTypes = []string{"tasks", "leads", "content"}
	DerivedTypes  = []string{"activity", "stats", "config", "inbox"}
)

// IsEditable reports whether dataType merges additively.
func IsEditable(dataType string) bool {
	for _, t := range EditableTypes {
		if t == dataType {
			return true
		}
	}
	return false
}

// IsKnown reports whether dataType is accepted at all.
func IsKnown(dataType string) bool {
	if IsEditable(dataType) {
		return true
	}
	for _, t := range DerivedTypes {
		if t == dataType {
			return true
		}
	}
	return false
}

// PushResult reports the outcome of one agent push.
type PushResult struct {
	// Synced lists the data types whose cycle completed.
	Synced []string
	// Merged holds the canonical array per editable type in the push. The
	// agent overwrites its local copy with these so both sides converge.
	Merged map[string]json.RawMessage
	// Errors maps failed data types to their error text. A failure aborts
	// only that type's cycle.
	Errors map[string]string
}

// Reconciler owns all read-modify-write cycles against canonical collections.
// Every mutation for a workspace runs under that workspace's key lock, so a
// push and a dashboard edit can never interleave within one collection.
type Reconciler struct {
	store  store.Store
	locks  *kmutex.KeyedMutex
	logger *slog.Logger

	// Tombstones are in-memory and reset on restart. A record deleted from
	// the dashboard stays deleted only until the process restarts AND the
	// agent pushes it again; acceptable for operational data.
	mu         sync.Mutex
	tombstones map[string]map[string]map[string]bool // workspace -> type -> id
}

// New creates a Reconciler.
func New(st store.Store, locks *kmutex.KeyedMutex, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:      st,
		locks:      locks,
		logger:     logger.With("component", "reconciler"),
		tombstones: make(map[string]map[string]map[string]bool),
	}
}

// Push merges one agent payload into the canonical store. Data types are
// processed independently: a storage failure in one type is recorded in the
// result and the rest continue.
func (r *Reconciler) Push(ctx context.Context, workspaceID string, data map[string]json.RawMessage) (*PushResult, error) {
	result := &PushResult{
		Merged: make(map[string]json.RawMessage),
		Errors: make(map[string]string),
	}

	err := r.locks.WithLock(ctx, workspaceID, func() error {
		for dataType, payload := range data {
			if !IsKnown(dataType) {
				r.logger.Warn("ignoring unknown data type", "workspace", workspaceID, "type", dataType)
				continue
			}

			var err error
			if IsEditable(dataType) {
				var merged json.RawMessage
				merged, err = r.mergeEditable(ctx, workspaceID, dataType, payload)
				if err == nil {
					result.Merged[dataType] = merged
				}
			} else {
				err = r.replaceDerived(ctx, workspaceID, dataType, payload)
			}

			if err != nil {
				r.logger.Error("sync cycle failed", "workspace", workspaceID, "type", dataType, "error", err)
				result.Errors[dataType] = err.Error()
				continue
			}
			result.Synced = append(result.Synced, dataType)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mergeEditable appends pushed records with unseen, non-tombstoned ids to the
// canonical array. The store write is skipped entirely when nothing new
// qualifies. Returns the canonical array either way.
func (r *Reconciler) mergeEditable(ctx context.Context, workspaceID, dataType string, payload json.RawMessage) (json.RawMessage, error) {
	incoming, err := decodeArray(payload)
	if err != nil {
		return nil, fmt.Errorf("decode pushed %s: %w", dataType, err)
	}

	canonicalRaw, err := r.store.GetCollection(ctx, workspaceID, dataType)
	if err != nil {
		return nil, fmt.Errorf("read canonical %s: %w", dataType, err)
	}
	canonical, err := decodeArray(canonicalRaw)
	if err != nil {
		return nil, fmt.Errorf("decode canonical %s: %w", dataType, err)
	}

	seen := make(map[string]bool, len(canonical))
	for _, rec := range canonical {
		if id, ok := recordID(rec); ok {
			seen[id] = true
		}
	}

	added := 0
	for _, rec := range incoming {
		id, ok := recordID(rec)
		if !ok {
			r.logger.Warn("skipping pushed record without id", "workspace", workspaceID, "type", dataType)
			continue
		}
		if seen[id] || r.isTombstoned(workspaceID, dataType, id) {
			continue
		}
		seen[id] = true
		canonical = append(canonical, rec)
		added++
	}

	merged, err := encodeArray(canonical)
	if err != nil {
		return nil, err
	}
	if added == 0 {
		// Nothing new: leave the stored row untouched.
		return merged, nil
	}
	if err := r.store.PutCollection(ctx, workspaceID, dataType, merged); err != nil {
		return nil, fmt.Errorf("write %s: %w", dataType, err)
	}
	return merged, nil
}

// replaceDerived overwrites the canonical snapshot with the pushed one.
func (r *Reconciler) replaceDerived(ctx context.Context, workspaceID, dataType string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("invalid pushed %s payload", dataType)
	}
	if err := r.store.PutCollection(ctx, workspaceID, dataType, payload); err != nil {
		return fmt.Errorf("write %s: %w", dataType, err)
	}
	return nil
}

// Get returns the canonical array for one data type, never nil.
func (r *Reconciler) Get(ctx context.Context, workspaceID, dataType string) (json.RawMessage, error) {
	if !IsKnown(dataType) {
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
	payload, err := r.store.GetCollection(ctx, workspaceID, dataType)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return json.RawMessage("[]"), nil
	}
	return payload, nil
}

// UpdateRecord shallow-merges patch fields into the record with the given id
// and returns the updated record.
func (r *Reconciler) UpdateRecord(ctx context.Context, workspaceID, dataType, id string, patch json.RawMessage) (json.RawMessage, error) {
	if !IsEditable(dataType) {
		return nil, fmt.Errorf("data type %q is not editable", dataType)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	delete(fields, "id") // the id is the record's identity, never patched

	var updated json.RawMessage
	err := r.locks.WithLock(ctx, workspaceID, func() error {
		canonical, err := r.loadEditable(ctx, workspaceID, dataType)
		if err != nil {
			return err
		}

		idx := findRecord(canonical, id)
		if idx < 0 {
			return fmt.Errorf("record %q not found in %s", id, dataType)
		}

		var rec map[string]json.RawMessage
		if err := json.Unmarshal(canonical[idx], &rec); err != nil {
			return fmt.Errorf("decode record %q: %w", id, err)
		}
		for k, v := range fields {
			rec[k] = v
		}
		merged, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		canonical[idx] = merged
		updated = merged

		return r.writeEditable(ctx, workspaceID, dataType, canonical)
	})
	return updated, err
}

// DeleteRecord removes the record and tombstones its id so later pushes
// cannot resurrect it. Deleting an unknown id still records the tombstone.
func (r *Reconciler) DeleteRecord(ctx context.Context, workspaceID, dataType, id string) error {
	if !IsEditable(dataType) {
		return fmt.Errorf("data type %q is not editable", dataType)
	}

	return r.locks.WithLock(ctx, workspaceID, func() error {
		r.bury(workspaceID, dataType, id)

		canonical, err := r.loadEditable(ctx, workspaceID, dataType)
		if err != nil {
			return err
		}
		idx := findRecord(canonical, id)
		if idx < 0 {
			return nil
		}
		canonical = append(canonical[:idx], canonical[idx+1:]...)
		return r.writeEditable(ctx, workspaceID, dataType, canonical)
	})
}

// ReorderRecords rewrites the canonical array in the order given by ids.
// Records missing from ids keep their relative order after the listed ones;
// ids naming no record are ignored.
func (r *Reconciler) ReorderRecords(ctx context.Context, workspaceID, dataType string, ids []string) error {
	if !IsEditable(dataType) {
		return fmt.Errorf("data type %q is not editable", dataType)
	}

	return r.locks.WithLock(ctx, workspaceID, func() error {
		canonical, err := r.loadEditable(ctx, workspaceID, dataType)
		if err != nil {
			return err
		}

		byID := make(map[string]int, len(canonical))
		for i, rec := range canonical {
			if id, ok := recordID(rec); ok {
				byID[id] = i
			}
		}

		ordered := make([]json.RawMessage, 0, len(canonical))
		taken := make(map[int]bool, len(canonical))
		for _, id := range ids {
			if i, ok := byID[id]; ok && !taken[i] {
				ordered = append(ordered, canonical[i])
				taken[i] = true
			}
		}
		for i, rec := range canonical {
			if !taken[i] {
				ordered = append(ordered, rec)
			}
		}

		return r.writeEditable(ctx, workspaceID, dataType, ordered)
	})
}

// DropTombstones clears the tombstone set for a workspace, e.g. when the
// workspace is deleted.
func (r *Reconciler) DropTombstones(workspaceID string) {
	r.mu.Lock()
	delete(r.tombstones, workspaceID)
	r.mu.Unlock()
}

func (r *Reconciler) loadEditable(ctx context.Context, workspaceID, dataType string) ([]json.RawMessage, error) {
	raw, err := r.store.GetCollection(ctx, workspaceID, dataType)
	if err != nil {
		return nil, fmt.Errorf("read canonical %s: %w", dataType, err)
	}
	recs, err := decodeArray(raw)
	if err != nil {
		return nil, fmt.Errorf("decode canonical %s: %w", dataType, err)
	}
	return recs, nil
}

func (r *Reconciler) writeEditable(ctx context.Context, workspaceID, dataType string, recs []json.RawMessage) error {
	payload, err := encodeArray(recs)
	if err != nil {
		return err
	}
	if err := r.store.PutCollection(ctx, workspaceID, dataType, payload); err != nil {
		return fmt.Errorf("write %s: %w", dataType, err)
	}
	return nil
}

func (r *Reconciler) isTombstoned(workspaceID, dataType, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tombstones[workspaceID][dataType][id]
}

func (r *Reconciler) bury(workspaceID, dataType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.tombstones[workspaceID]
	if !ok {
		byType = make(map[string]map[string]bool)
		r.tombstones[workspaceID] = byType
	}
	ids, ok := byType[dataType]
	if !ok {
		ids = make(map[string]bool)
		byType[dataType] = ids
	}
	ids[id] = true
}

// decodeArray parses a JSON array into its raw elements. A nil payload reads
// as empty.
func decodeArray(payload json.RawMessage) ([]json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var recs []json.RawMessage
	if err := json.Unmarshal(payload, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func encodeArray(recs []json.RawMessage) (json.RawMessage, error) {
	if len(recs) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(recs)
}

// recordID extracts the record's id as a string key. Numeric ids are
// normalized through json.Number so 1 and "1" address the same record.
func recordID(rec json.RawMessage) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(rec, &obj); err != nil {
		return "", false
	}
	raw, ok := obj["id"]
	if !ok {
		return "", false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		return id.String(), true
	default:
		return "", false
	}
}

func findRecord(recs []json.RawMessage, id string) int {
	for i, rec := range recs {
		if rid, ok := recordID(rec); ok && rid == id {
			return i
		}
	}
	return -1
}
