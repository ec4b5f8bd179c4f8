package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/openbrain/openbrain/pkg/protocol"
)

// handleSync accepts one agent push. Authentication is the per-workspace
// shared secret, compared in constant time; the response carries the merged
// canonical arrays the agent folds back into its replica.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.Header.Get(protocol.HeaderWorkspaceID)
	secret := r.Header.Get(protocol.HeaderSyncSecret)
	if workspaceID == "" || secret == "" {
		writeError(w, http.StatusUnauthorized, "missing sync credentials")
		return
	}

	ws, err := s.store.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		s.logger.Error("workspace lookup failed", "workspace", workspaceID, "error", err)
		writeError(w, http.StatusInternalServerError, "workspace lookup failed")
		return
	}
	// Unknown workspace and bad secret are indistinguishable to the caller.
	if ws == nil || subtle.ConstantTimeCompare([]byte(ws.SyncSecret), []byte(secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid sync credentials")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var data map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.reconciler.Push(r.Context(), workspaceID, data)
	if err != nil {
		s.logger.Error("push failed", "workspace", workspaceID, "error", err)
		writeError(w, http.StatusInternalServerError, "push failed")
		return
	}

	// OK means the push was processed; per-type failures ride along in Error
	// and simply retry on the agent's next interval.
	resp := protocol.SyncResponse{
		OK:     true,
		Synced: result.Synced,
		Merged: result.Merged,
	}
	sort.Strings(resp.Synced)
	if len(result.Errors) > 0 {
		parts := make([]string, 0, len(result.Errors))
		for dataType, msg := range result.Errors {
			parts = append(parts, dataType+": "+msg)
		}
		sort.Strings(parts)
		resp.Error = strings.Join(parts, "; ")
	}
	writeJSON(w, http.StatusOK, resp)
}
