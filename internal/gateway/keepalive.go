package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pingInterval is how often the client sends WebSocket ping frames.
	pingInterval = 30 * time.Second
	// pongWait is the maximum time to wait for a pong before the read loop
	// observes a dead socket.
	pongWait = 60 * time.Second
)

// startKeepalive sets up WebSocket-level ping/pong on an established
// connection. The returned cancel function stops the ping goroutine. The
// provided mutex must be the same one used for all writes to the connection.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
