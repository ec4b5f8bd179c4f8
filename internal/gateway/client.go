// Package gateway maintains authenticated WebSocket control channels to
// gateway runtimes: one Client per connection, pooled per workspace by Pool.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openbrain/openbrain/internal/identity"
	"github.com/openbrain/openbrain/pkg/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateAuthFailed is terminal: the gateway rejected the signed connect
	// with an unauthorized code and the client will not reconnect.
	StateAuthFailed State = "auth-failed"
)

var (
	// ErrNotConnected is returned by Call while the channel is down. Transport
	// failures never surface through Call directly; they only manifest as this.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrDisconnected rejects calls that were in flight when the socket closed.
	ErrDisconnected = errors.New("gateway: disconnected")
	// ErrRPCTimeout rejects calls with no response within the call timeout.
	ErrRPCTimeout = errors.New("gateway: rpc timeout")
	// ErrAuthFailed reports a terminal handshake rejection.
	ErrAuthFailed = errors.New("gateway: unauthorized")
)

// RPCError is a structured error returned by the gateway for a single call.
// It leaves the connection usable.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway rpc error %s: %s", e.Code, e.Message)
}

// Event is an inbound gateway event dispatched to subscribers.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// EventHandler receives gateway events. Panics are recovered per handler so
// one failing subscriber never blocks the others.
type EventHandler func(Event)

// Config describes one gateway connection.
type Config struct {
	URL    string
	Token  string
	Client string // client id, e.g. "openbrain-dashboard"
	Mode   string // "local" or "cloud"
	Role   string
	Scopes []string

	Version    string // client version string sent in connect params
	InstanceID string

	// Timeouts default to the package constants when zero. Tests shrink them.
	DialTimeout    time.Duration
	HandshakeGrace time.Duration
	CallTimeout    time.Duration
	ReconnectDelay time.Duration
}

const (
	defaultDialTimeout    = 10 * time.Second
	defaultHandshakeGrace = 2 * time.Second
	defaultCallTimeout    = 10 * time.Second
	// Reconnect delay is fixed, not exponential. Fine at current tenant
	// counts; revisit if the pool ever holds hundreds of gateways.
	defaultReconnectDelay = 3 * time.Second
)

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HandshakeGrace == 0 {
		c.HandshakeGrace = defaultHandshakeGrace
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.Client == "" {
		c.Client = "openbrain"
	}
	if c.Mode == "" {
		c.Mode = "local"
	}
	if c.Role == "" {
		c.Role = "operator"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

type pendingCall struct {
	ch chan callResult
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Client is one WebSocket connection to a gateway: challenge/response
// handshake, RPC correlation, event fan-out, and reconnection.
type Client struct {
	cfg    Config
	device *identity.Device
	logger *slog.Logger

	writeMu sync.Mutex // serializes writes to the active socket

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            int // connection generation; stale readers are ignored
	nextID         int64
	pending        map[int64]*pendingCall
	handlers       []EventHandler
	challengeCh    chan protocol.ConnectChallenge
	reconnectTimer *time.Timer
	reconnectOff   bool
	stopKeepalive  func()
}

// NewClient creates a client. It does not connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		device:  identity.Derive(cfg.Token),
		logger:  logger.With("component", "gateway-client"),
		state:   StateDisconnected,
		pending: make(map[int64]*pendingCall),
	}
}

// DeviceID returns the deterministic device id derived from the token.
func (c *Client) DeviceID() string { return c.device.ID }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the handshake has completed.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// OnEvent subscribes to every inbound event except the internal
// connect.challenge.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Connect starts a connection attempt in the background. It is a no-op when a
// handshake is already in flight or the connection is up; a terminal auth
// failure is surfaced as ErrAuthFailed.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateAuthFailed:
		return ErrAuthFailed
	case StateConnecting, StateConnected:
		return nil
	}
	c.reconnectOff = false
	c.state = StateConnecting
	c.gen++
	go c.attempt(c.gen)
	return nil
}

// attempt dials the gateway and performs the signed handshake for one
// connection generation.
func (c *Client) attempt(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, http.Header{})
	if err != nil {
		c.logger.Warn("dial failed", "url", c.cfg.URL, "error", err)
		c.connLost(gen, false)
		return
	}

	challengeCh := make(chan protocol.ConnectChallenge, 1)
	c.mu.Lock()
	if gen != c.gen || c.reconnectOff {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.challengeCh = challengeCh
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	// Wait briefly for the async challenge, then send exactly one signed
	// connect request either way. With a nonce the handshake is v2, else v1.
	var nonce string
	select {
	case ch := <-challengeCh:
		nonce = ch.Nonce
	case <-time.After(c.cfg.HandshakeGrace):
	}

	payload, err := c.sendCall(context.Background(), "connect", c.connectParams(nonce))
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeUnauthorized {
			c.logger.Error("gateway rejected device, not reconnecting", "device_id", c.device.ID)
			c.failAuth(gen, conn)
			return
		}
		c.logger.Warn("handshake failed", "error", err)
		_ = conn.Close()
		// The read loop observes the close and schedules the reconnect.
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.stopKeepalive = startKeepalive(conn, &c.writeMu)
	c.mu.Unlock()
	c.logger.Info("connected", "url", c.cfg.URL, "device_id", c.device.ID, "payload", string(payload))
}

// connectParams builds the signed connect request params.
func (c *Client) connectParams(nonce string) protocol.ConnectParams {
	version := "v1"
	if nonce != "" {
		version = "v2"
	}
	signedAt := time.Now().UnixMilli()

	parts := []string{
		version,
		c.device.ID,
		c.cfg.Client,
		c.cfg.Mode,
		c.cfg.Role,
		strings.Join(c.cfg.Scopes, ","),
		strconv.FormatInt(signedAt, 10),
		c.cfg.Token,
	}
	if nonce != "" {
		parts = append(parts, nonce)
	}
	msg := strings.Join(parts, "|")

	return protocol.ConnectParams{
		MinProtocol: protocol.MinProtocol,
		MaxProtocol: protocol.MaxProtocol,
		Client: protocol.ClientInfo{
			ID:         c.cfg.Client,
			Version:    c.cfg.Version,
			Platform:   runtime.GOOS,
			Mode:       c.cfg.Mode,
			InstanceID: c.cfg.InstanceID,
		},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Device: protocol.DeviceParams{
			ID:        c.device.ID,
			PublicKey: c.device.PublicKeyBase64(),
			Signature: c.device.SignBase64([]byte(msg)),
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
		Auth: protocol.AuthParams{Token: c.cfg.Token},
		Caps: []string{},
	}
}

// Call issues an RPC over the connected channel and waits for the correlated
// response, the fixed call timeout, or ctx. RPC errors and timeouts propagate
// to the caller only; the connection stays usable.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()
	return c.sendCall(ctx, method, params)
}

// sendCall registers a pending entry and writes the request frame. It is also
// used for the handshake, before the client is formally connected.
func (c *Client) sendCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{ch: make(chan callResult, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	frame := protocol.Frame{Type: protocol.TypeRequest, ID: id, Method: method, Params: params}
	if err := c.writeFrame(conn, frame); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-pc.ch:
		return res.payload, res.err
	case <-time.After(c.cfg.CallTimeout):
		if c.removePending(id) {
			return nil, fmt.Errorf("%s: %w", method, ErrRPCTimeout)
		}
		// The response raced the timeout and won.
		res := <-pc.ch
		return res.payload, res.err
	case <-ctx.Done():
		if c.removePending(id) {
			return nil, ctx.Err()
		}
		res := <-pc.ch
		return res.payload, res.err
	}
}

// removePending deletes the entry for id, reporting whether the caller owned
// its settlement. Settlement is exactly-once: whoever removes the entry wins.
func (c *Client) removePending(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) writeFrame(conn *websocket.Conn, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop processes inbound frames in arrival order until the socket closes.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("read loop ended", "error", err)
			c.connLost(gen, true)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("invalid frame from gateway", "error", err)
			continue
		}

		switch frame.Type {
		case protocol.TypeResponse:
			c.dispatchResponse(frame)
		case protocol.TypeEvent:
			c.dispatchEvent(gen, frame)
		default:
			c.logger.Warn("unknown frame type", "type", frame.Type)
		}
	}
}

func (c *Client) dispatchResponse(frame protocol.Frame) {
	c.mu.Lock()
	pc, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Unrecognized id: late response after timeout, or never ours. Ignore.
		return
	}

	if frame.OK != nil && *frame.OK {
		pc.ch <- callResult{payload: frame.Payload}
		return
	}
	rpcErr := &RPCError{Code: "error", Message: "request failed"}
	if frame.Error != nil {
		rpcErr.Code = frame.Error.Code
		rpcErr.Message = frame.Error.Message
	}
	pc.ch <- callResult{err: rpcErr}
}

func (c *Client) dispatchEvent(gen int, frame protocol.Frame) {
	if frame.Event == protocol.EventConnectChallenge {
		var ch protocol.ConnectChallenge
		if err := json.Unmarshal(frame.Payload, &ch); err != nil {
			c.logger.Warn("invalid connect challenge", "error", err)
			return
		}
		c.mu.Lock()
		dest := c.challengeCh
		stale := gen != c.gen
		c.mu.Unlock()
		if stale || dest == nil {
			return
		}
		select {
		case dest <- ch:
		default:
		}
		return
	}

	c.mu.Lock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	ev := Event{Name: frame.Event, Payload: frame.Payload}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("event handler panicked", "event", ev.Name, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// connLost tears down the current generation's state: outstanding calls are
// rejected with ErrDisconnected and, unless reconnection is disabled, a single
// reconnect timer is scheduled.
func (c *Client) connLost(gen int, hadConn bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if hadConn && c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.stopKeepalive != nil {
		c.stopKeepalive()
		c.stopKeepalive = nil
	}
	c.challengeCh = nil
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	if c.state != StateAuthFailed {
		c.state = StateDisconnected
	}
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- callResult{err: ErrDisconnected}
	}
}

// failAuth marks the terminal auth-failed state: no reconnect is ever
// scheduled again until an explicit Connect after credential change.
func (c *Client) failAuth(gen int, conn *websocket.Conn) {
	c.mu.Lock()
	if gen == c.gen {
		c.state = StateAuthFailed
		c.reconnectOff = true
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// scheduleReconnectLocked arms the single reconnect timer. At most one timer
// is ever pending.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectOff || c.state == StateAuthFailed || c.reconnectTimer != nil {
		return
	}
	c.logger.Info("reconnecting", "delay", c.cfg.ReconnectDelay)
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.reconnectOff || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.gen++
		gen := c.gen
		c.mu.Unlock()
		c.attempt(gen)
	})
}

// Disconnect cancels any pending reconnect, closes the socket, and disables
// future reconnection. Outstanding calls are rejected with ErrDisconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectOff = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.stopKeepalive != nil {
		c.stopKeepalive()
		c.stopKeepalive = nil
	}
	c.gen++ // orphan any in-flight attempt or reader
	conn := c.conn
	c.conn = nil
	c.challengeCh = nil
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	if c.state != StateAuthFailed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, pc := range pending {
		pc.ch <- callResult{err: ErrDisconnected}
	}
}

// WaitForConnection polls until the handshake completes or the timeout
// elapses. A terminal auth failure returns immediately.
func (c *Client) WaitForConnection(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		switch c.State() {
		case StateConnected:
			return nil
		case StateAuthFailed:
			return ErrAuthFailed
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gateway: connect wait timed out after %s", timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
