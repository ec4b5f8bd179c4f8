// Package bridge implements the workspace agent's push loop: it periodically
// sends the local replica to the dashboard's /sync endpoint and folds the
// returned canonical arrays back into the replica so both sides converge.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openbrain/openbrain/internal/config"
	"github.com/openbrain/openbrain/internal/replica"
	"github.com/openbrain/openbrain/pkg/protocol"
)

// Bridge pushes one workspace's replica to the dashboard server.
type Bridge struct {
	cfg     config.SyncConfig
	replica *replica.Replica
	client  *http.Client
	logger  *slog.Logger
}

// New creates a bridge. The sync config must carry server_url, workspace_id
// and secret.
func New(cfg config.SyncConfig, rep *replica.Replica, logger *slog.Logger) (*Bridge, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("sync.server_url is required")
	}
	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("sync.workspace_id is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("sync.secret is required")
	}
	return &Bridge{
		cfg:     cfg,
		replica: rep,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "bridge", "workspace", cfg.WorkspaceID),
	}, nil
}

// Run pushes immediately and then on every interval tick until ctx is
// canceled. Push failures are logged and retried on the next tick.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.PushOnce(ctx); err != nil {
		b.logger.Error("sync push failed", "error", err)
	}

	ticker := time.NewTicker(b.cfg.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.PushOnce(ctx); err != nil {
				b.logger.Error("sync push failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PushOnce sends the whole replica and applies the server's merged arrays.
func (b *Bridge) PushOnce(ctx context.Context) error {
	data, err := b.replica.ReadAll()
	if err != nil {
		return fmt.Errorf("read replica: %w", err)
	}
	if len(data) == 0 {
		b.logger.Debug("replica empty, nothing to push")
		return nil
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}

	url := strings.TrimRight(b.cfg.ServerURL, "/") + "/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderSyncSecret, b.cfg.Secret)
	req.Header.Set(protocol.HeaderWorkspaceID, b.cfg.WorkspaceID)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("post sync: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sync rejected: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var sr protocol.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !sr.OK {
		return fmt.Errorf("sync failed: %s", sr.Error)
	}

	// The merged arrays are canonical: records edited or deleted on the
	// dashboard disappear from the replica here.
	for dataType, payload := range sr.Merged {
		if err := b.replica.Write(dataType, payload); err != nil {
			return fmt.Errorf("apply merged %s: %w", dataType, err)
		}
	}

	b.logger.Info("sync push complete", "synced", sr.Synced, "merged", len(sr.Merged))
	return nil
}
