package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openbrain/openbrain/pkg/protocol"
)

// fakeGateway is a scripted in-process gateway for client tests.
type fakeGateway struct {
	t *testing.T

	sendChallenge bool
	nonce         string
	// reject, when non-nil, is returned as the connect error.
	reject *protocol.RPCError
	// mute suppresses the connect response entirely.
	mute bool
	// handle serves non-connect methods; nil echoes {"ok":true}.
	handle func(method string, params json.RawMessage) (any, *protocol.RPCError)

	mu       sync.Mutex
	connects []protocol.ConnectParams
	conns    []*websocket.Conn

	srv *httptest.Server
}

func newFakeGateway(t *testing.T, g *fakeGateway) *fakeGateway {
	t.Helper()
	g.t = t
	if g.nonce == "" {
		g.nonce = "nonce-1"
	}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()
		g.serve(conn)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) serve(conn *websocket.Conn) {
	if g.sendChallenge {
		payload, _ := json.Marshal(protocol.ConnectChallenge{Nonce: g.nonce})
		_ = conn.WriteJSON(protocol.Frame{
			Type:    protocol.TypeEvent,
			Event:   protocol.EventConnectChallenge,
			Payload: payload,
		})
	}

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != protocol.TypeRequest {
			continue
		}

		params, _ := json.Marshal(frame.Params)

		if frame.Method == "connect" {
			var cp protocol.ConnectParams
			_ = json.Unmarshal(params, &cp)
			g.mu.Lock()
			g.connects = append(g.connects, cp)
			g.mu.Unlock()

			if g.mute {
				continue
			}
			if g.reject != nil {
				no := false
				_ = conn.WriteJSON(protocol.Frame{Type: protocol.TypeResponse, ID: frame.ID, OK: &no, Error: g.reject})
				_ = conn.Close()
				return
			}
			yes := true
			_ = conn.WriteJSON(protocol.Frame{Type: protocol.TypeResponse, ID: frame.ID, OK: &yes, Payload: json.RawMessage(`{"type":"hello-ok"}`)})
			continue
		}

		if g.handle == nil {
			yes := true
			_ = conn.WriteJSON(protocol.Frame{Type: protocol.TypeResponse, ID: frame.ID, OK: &yes, Payload: json.RawMessage(`{"ok":true}`)})
			continue
		}
		result, rpcErr := g.handle(frame.Method, params)
		if rpcErr != nil {
			no := false
			_ = conn.WriteJSON(protocol.Frame{Type: protocol.TypeResponse, ID: frame.ID, OK: &no, Error: rpcErr})
			continue
		}
		payload, _ := json.Marshal(result)
		yes := true
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.TypeResponse, ID: frame.ID, OK: &yes, Payload: payload})
	}
}

func (g *fakeGateway) connectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.connects)
}

func (g *fakeGateway) lastConnect() protocol.ConnectParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.connects) == 0 {
		g.t.Fatal("no connect request recorded")
	}
	return g.connects[len(g.connects)-1]
}

func (g *fakeGateway) closeConns() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		Token:          "test-token",
		Client:         "openbrain-test",
		Mode:           "cloud",
		Role:           "operator",
		Scopes:         []string{"operator.read", "operator.write"},
		HandshakeGrace: 100 * time.Millisecond,
		CallTimeout:    500 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	c := NewClient(testConfig(g.url()), slog.Default())
	t.Cleanup(c.Disconnect)
	return c
}

func connectedClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	c := newTestClient(t, g)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitForConnection(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	return c
}

func (c *Client) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func TestConnect_WithChallenge_SignsV2(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{sendChallenge: true})
	c := connectedClient(t, g)

	cp := g.lastConnect()
	if cp.Device.Nonce != "nonce-1" {
		t.Errorf("nonce = %q, want nonce-1", cp.Device.Nonce)
	}
	if cp.Device.ID != c.DeviceID() {
		t.Errorf("device id mismatch: %q vs %q", cp.Device.ID, c.DeviceID())
	}

	// Reconstruct and verify the v2 signed message.
	msg := strings.Join([]string{
		"v2", cp.Device.ID, "openbrain-test", "cloud", "operator",
		"operator.read,operator.write",
		strconv.FormatInt(cp.Device.SignedAt, 10),
		"test-token", "nonce-1",
	}, "|")
	pub, err := base64.RawURLEncoding.DecodeString(cp.Device.PublicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(cp.Device.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		t.Error("v2 handshake signature does not verify")
	}
}

func TestConnect_WithoutChallenge_SendsV1AfterGrace(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{sendChallenge: false})
	c := connectedClient(t, g)

	cp := g.lastConnect()
	if cp.Device.Nonce != "" {
		t.Errorf("expected no nonce, got %q", cp.Device.Nonce)
	}

	msg := strings.Join([]string{
		"v1", cp.Device.ID, "openbrain-test", "cloud", "operator",
		"operator.read,operator.write",
		strconv.FormatInt(cp.Device.SignedAt, 10),
		"test-token",
	}, "|")
	pub, _ := base64.RawURLEncoding.DecodeString(cp.Device.PublicKey)
	sig, _ := base64.RawURLEncoding.DecodeString(cp.Device.Signature)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		t.Error("v1 handshake signature does not verify")
	}
	if !c.IsConnected() {
		t.Error("expected connected state")
	}
}

func TestConnect_Unauthorized_IsTerminal(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{
		reject: &protocol.RPCError{Code: protocol.CodeUnauthorized, Message: "bad device"},
	})
	c := newTestClient(t, g)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	if err := c.WaitForConnection(2 * time.Second); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}

	// No reconnect may ever be scheduled: wait well past the delay and check
	// the gateway saw exactly one connect attempt.
	time.Sleep(300 * time.Millisecond)
	if got := g.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1 (terminal auth failure must not reconnect)", got)
	}
	if st := c.State(); st != StateAuthFailed {
		t.Errorf("state = %s, want auth-failed", st)
	}
}

func TestCall_ConcurrentSettleExactlyOnce(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{sendChallenge: true})
	c := connectedClient(t, g)

	const n = 25
	var settled int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), fmt.Sprintf("m-%d", i), map[string]int{"i": i})
			if err != nil {
				t.Errorf("call %d failed: %v", i, err)
			}
			atomic.AddInt32(&settled, 1)
		}()
	}
	wg.Wait()

	if settled != n {
		t.Errorf("settled = %d, want %d", settled, n)
	}
	if got := c.pendingCount(); got != 0 {
		t.Errorf("pending after settle = %d, want 0", got)
	}
}

func TestCall_RPCErrorPropagatesAndConnectionStaysUsable(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{
		sendChallenge: true,
		handle: func(method string, _ json.RawMessage) (any, *protocol.RPCError) {
			if method == "cron.run" {
				return nil, &protocol.RPCError{Code: "not_found", Message: "no such job"}
			}
			return map[string]bool{"ok": true}, nil
		},
	})
	c := connectedClient(t, g)

	_, err := c.Call(context.Background(), "cron.run", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != "not_found" {
		t.Fatalf("err = %v, want RPCError not_found", err)
	}

	if _, err := c.Call(context.Background(), "health", nil); err != nil {
		t.Fatalf("connection unusable after rpc error: %v", err)
	}
}

func TestCall_Timeout(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{
		sendChallenge: true,
		handle: func(method string, _ json.RawMessage) (any, *protocol.RPCError) {
			time.Sleep(5 * time.Second)
			return nil, nil
		},
	})
	c := connectedClient(t, g)

	_, err := c.Call(context.Background(), "slow", nil)
	if !errors.Is(err, ErrRPCTimeout) {
		t.Fatalf("err = %v, want ErrRPCTimeout", err)
	}
	if got := c.pendingCount(); got != 0 {
		t.Errorf("pending after timeout = %d, want 0", got)
	}
}

func TestResponse_UnknownIDIgnored(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{sendChallenge: true})
	c := connectedClient(t, g)

	// Push a response with an id nobody is waiting on.
	g.mu.Lock()
	conn := g.conns[len(g.conns)-1]
	g.mu.Unlock()
	yes := true
	_ = conn.WriteJSON(protocol.Frame{Type: protocol.TypeResponse, ID: 9999, OK: &yes})

	// A normal call still works.
	if _, err := c.Call(context.Background(), "health", nil); err != nil {
		t.Fatalf("call after stray response failed: %v", err)
	}
	if got := c.pendingCount(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestDisconnect_RejectsInFlightCalls(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{
		sendChallenge: true,
		handle: func(method string, _ json.RawMessage) (any, *protocol.RPCError) {
			time.Sleep(5 * time.Second)
			return nil, nil
		},
	})
	c := connectedClient(t, g)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	if err := <-errCh; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
	if _, err := c.Call(context.Background(), "health", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected after disconnect", err)
	}
}

func TestReconnect_AfterSocketClose(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{sendChallenge: true})
	c := connectedClient(t, g)

	g.closeConns()

	// The fixed-delay reconnect should re-handshake against the same server.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsConnected() && g.connectCount() >= 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("client did not reconnect: state=%s connects=%d", c.State(), g.connectCount())
}

func TestOnEvent_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{sendChallenge: true})
	c := connectedClient(t, g)

	got := make(chan Event, 1)
	c.OnEvent(func(Event) { panic("bad subscriber") })
	c.OnEvent(func(ev Event) { got <- ev })

	g.mu.Lock()
	conn := g.conns[len(g.conns)-1]
	g.mu.Unlock()
	_ = conn.WriteJSON(protocol.Frame{
		Type:    protocol.TypeEvent,
		Event:   "cron.finished",
		Payload: json.RawMessage(`{"job":"daily"}`),
	})

	select {
	case ev := <-got:
		if ev.Name != "cron.finished" {
			t.Errorf("event = %q, want cron.finished", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestOnEvent_ChallengeNotDispatched(t *testing.T) {
	g := newFakeGateway(t, &fakeGateway{sendChallenge: true})
	c := newTestClient(t, g)

	seen := make(chan string, 4)
	c.OnEvent(func(ev Event) { seen <- ev.Name })

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitForConnection(2 * time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-seen:
		t.Errorf("internal event %q leaked to subscribers", name)
	case <-time.After(200 * time.Millisecond):
	}
}
