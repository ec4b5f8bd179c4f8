package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openbrain/openbrain/internal/reconcile"
	"github.com/openbrain/openbrain/internal/store"
)

// --- Workspace handlers ---

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		s.logger.Error("list workspaces failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list workspaces failed")
		return
	}
	if list == nil {
		list = []store.Workspace{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		GatewayURL   string `json:"gateway_url"`
		GatewayToken string `json:"gateway_token"`
		SyncSecret   string `json:"sync_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SyncSecret == "" {
		writeError(w, http.StatusBadRequest, "sync_secret is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	existing, err := s.store.GetWorkspace(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "workspace lookup failed")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "workspace already exists")
		return
	}

	ws := &store.Workspace{
		ID:           req.ID,
		Name:         req.Name,
		GatewayURL:   req.GatewayURL,
		GatewayToken: req.GatewayToken,
		SyncSecret:   req.SyncSecret,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateWorkspace(r.Context(), ws); err != nil {
		s.logger.Error("create workspace failed", "workspace", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "create workspace failed")
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	s.pool.Disconnect(workspaceID)
	s.reconciler.DropTombstones(workspaceID)
	if err := s.store.DeleteWorkspace(r.Context(), workspaceID); err != nil {
		s.logger.Error("delete workspace failed", "workspace", workspaceID, "error", err)
		writeError(w, http.StatusInternalServerError, "delete workspace failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": workspaceID})
}

// --- Record handlers ---

func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	dataType := chi.URLParam(r, "dataType")

	payload, err := s.reconciler.Get(r.Context(), workspaceID, dataType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	dataType := chi.URLParam(r, "dataType")
	recordID := chi.URLParam(r, "recordID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	patch, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(patch) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.reconciler.UpdateRecord(r.Context(), workspaceID, dataType, recordID, patch)
	if err != nil {
		if !reconcile.IsEditable(dataType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(updated)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	dataType := chi.URLParam(r, "dataType")
	recordID := chi.URLParam(r, "recordID")

	if err := s.reconciler.DeleteRecord(r.Context(), workspaceID, dataType, recordID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": recordID})
}

func (s *Server) handleReorderRecords(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	dataType := chi.URLParam(r, "dataType")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.reconciler.ReorderRecords(r.Context(), workspaceID, dataType, req.IDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := s.reconciler.Get(r.Context(), workspaceID, dataType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
