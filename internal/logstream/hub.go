// Package logstream fans process log lines out to WebSocket viewers.
package logstream

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 5 * time.Second
	readWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	clientQueue = 256
)

// Hub is an io.Writer; every Write is one message to every viewer. Slow
// viewers drop lines instead of blocking the logger.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan []byte]struct{}
	history [][]byte
	keep    int
}

// NewHub keeps the last keep lines for viewers that connect later.
func NewHub(keep int) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     sameOrigin,
		},
		clients: make(map[chan []byte]struct{}),
		keep:    max(0, keep),
	}
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (h *Hub) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keep > 0 {
		h.history = append(h.history, line)
		if over := len(h.history) - h.keep; over > 0 {
			h.history = h.history[over:]
		}
	}
	for ch := range h.clients {
		select {
		case ch <- line:
		default:
		}
	}
	return len(p), nil
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, clientQueue+h.keep)
	h.mu.Lock()
	for _, line := range h.history {
		ch <- line
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams lines until the viewer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-stop:
				return
			case line := <-ch:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	// Viewers only listen; reading keeps pongs and close frames flowing.
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	<-done
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
}
