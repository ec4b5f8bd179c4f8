// Package protocol defines the wire protocol spoken between openbrain and a
// gateway runtime over WebSocket.
//
// All frames are JSON text messages sharing a common shape determined by the
// "type" field: "event" frames carry server-initiated notifications, "req"
// frames carry client requests, and "res" frames carry the correlated
// responses.
package protocol

import "encoding/json"

// Frame types.
const (
	TypeEvent    = "event"
	TypeRequest  = "req"
	TypeResponse = "res"
)

// EventConnectChallenge is the gateway's handshake challenge. It is consumed
// internally by the client and never dispatched to event subscribers.
const EventConnectChallenge = "connect.challenge"

// Protocol versions negotiated on connect. v2 adds the challenge nonce to the
// signed device payload.
const (
	MinProtocol = 1
	MaxProtocol = 2
)

// Frame is the top-level wire format for all messages in both directions.
// Exactly one of the type-specific field sets is populated.
type Frame struct {
	Type string `json:"type"`

	// Event frames.
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Request frames.
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`

	// Response frames.
	OK    *bool     `json:"ok,omitempty"`
	Error *RPCError `json:"error,omitempty"`
}

// RPCError is the error shape carried by failed responses.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeUnauthorized on a connect response is terminal: the client stops
// reconnecting.
const CodeUnauthorized = "unauthorized"

// ConnectChallenge is the payload of the connect.challenge event.
type ConnectChallenge struct {
	Nonce string `json:"nonce"`
}

// ConnectParams is the params object of the signed "connect" request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Device      DeviceParams `json:"device"`
	Auth        AuthParams   `json:"auth"`
	Caps        []string     `json:"caps"`
}

// ClientInfo identifies the connecting client installation.
type ClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// DeviceParams carries the deterministic device identity and the signed
// handshake payload.
type DeviceParams struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// AuthParams carries the shared token.
type AuthParams struct {
	Token string `json:"token"`
}

// Gateway RPC method names exposed as convenience wrappers on the client.
const (
	MethodHealth       = "health"
	MethodStatus       = "status"
	MethodCronList     = "cron.list"
	MethodSessionsList = "sessions.list"
	MethodAgentsList   = "agents.list"
	MethodSkillsStatus = "skills.status"
)
