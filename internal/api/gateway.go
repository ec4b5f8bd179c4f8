package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openbrain/openbrain/internal/gateway"
)

// workspaceClient resolves the workspace's pooled gateway client, connecting
// lazily on first use.
func (s *Server) workspaceClient(w http.ResponseWriter, r *http.Request) *gateway.Client {
	workspaceID := chi.URLParam(r, "workspaceID")

	ws, err := s.store.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "workspace lookup failed")
		return nil
	}
	if ws == nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return nil
	}
	if ws.GatewayURL == "" {
		writeError(w, http.StatusConflict, "workspace has no gateway configured")
		return nil
	}

	client, err := s.pool.GetOrConnect(r.Context(), workspaceID, gateway.Config{
		URL:            ws.GatewayURL,
		Token:          ws.GatewayToken,
		Client:         s.gatewayCfg.Client,
		Mode:           s.gatewayCfg.Mode,
		Role:           s.gatewayCfg.Role,
		Scopes:         s.gatewayCfg.Scopes,
		ReconnectDelay: s.gatewayCfg.ReconnectDelay.Duration,
	})
	if err != nil {
		s.logger.Warn("gateway connect failed", "workspace", workspaceID, "error", err)
		if errors.Is(err, gateway.ErrAuthFailed) {
			writeError(w, http.StatusBadGateway, "gateway rejected our credentials")
			return nil
		}
		writeError(w, http.StatusGatewayTimeout, "gateway unreachable")
		return nil
	}
	return client
}

// gatewayProxy forwards one RPC to the workspace's gateway and relays the
// raw payload.
func (s *Server) gatewayProxy(call func(*gateway.Client, context.Context) (json.RawMessage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := s.workspaceClient(w, r)
		if client == nil {
			return
		}

		payload, err := call(client, r.Context())
		if err != nil {
			var rpcErr *gateway.RPCError
			if errors.As(err, &rpcErr) {
				writeJSON(w, http.StatusBadGateway, map[string]string{
					"error": rpcErr.Message,
					"code":  rpcErr.Code,
				})
				return
			}
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if len(payload) == 0 {
			_, _ = w.Write([]byte("null"))
			return
		}
		_, _ = w.Write(payload)
	}
}

// handleGatewayConnection reports the pooled connection's state without
// forcing a connect.
func (s *Server) handleGatewayConnection(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	client := s.pool.Get(workspaceID)
	if client == nil {
		writeJSON(w, http.StatusOK, map[string]any{"state": "disconnected", "pooled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     string(client.State()),
		"pooled":    true,
		"device_id": client.DeviceID(),
	})
}

// handleGatewayDisconnect evicts the workspace's pooled connection, e.g.
// after rotating its gateway token.
func (s *Server) handleGatewayDisconnect(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	s.pool.Disconnect(workspaceID)
	writeJSON(w, http.StatusOK, map[string]string{"disconnected": workspaceID})
}
