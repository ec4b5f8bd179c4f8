package protocol

import "encoding/json"

// Sync HTTP contract. The local agent POSTs a map of data type to payload and
// receives the canonical arrays for editable types back, so cloud-originated
// edits propagate to the local replica.

// Headers carried on the sync request.
const (
	HeaderSyncSecret  = "x-sync-secret"
	HeaderWorkspaceID = "x-workspace-id"
)

// SyncRequest is the POST /sync body: one entry per data type being pushed.
type SyncRequest map[string]json.RawMessage

// SyncResponse is the POST /sync reply.
type SyncResponse struct {
	OK     bool                       `json:"ok"`
	Synced []string                   `json:"synced"`
	Merged map[string]json.RawMessage `json:"merged,omitempty"`
	Error  string                     `json:"error,omitempty"`
}
