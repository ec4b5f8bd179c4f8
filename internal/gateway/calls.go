package gateway

import (
	"context"
	"encoding/json"

	"github.com/openbrain/openbrain/pkg/protocol"
)

// Convenience wrappers over Call for the gateway methods the dashboard
// consumes. Payloads are passed through verbatim; callers that need structure
// unmarshal on their side.

// Health reports gateway liveness.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, protocol.MethodHealth, nil)
}

// Status returns the gateway's operational status summary.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, protocol.MethodStatus, nil)
}

// CronList returns the gateway's scheduled jobs.
func (c *Client) CronList(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, protocol.MethodCronList, map[string]any{"includeDisabled": true})
}

// SessionsList returns active agent sessions.
func (c *Client) SessionsList(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, protocol.MethodSessionsList, nil)
}

// AgentsList returns the configured agents.
func (c *Client) AgentsList(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, protocol.MethodAgentsList, nil)
}

// SkillsStatus returns the skill catalog status.
func (c *Client) SkillsStatus(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, protocol.MethodSkillsStatus, nil)
}
