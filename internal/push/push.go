// Package push is the WebSocket fan-out channel of §5: a connection
// manager holding the active connection set, with best-effort broadcast
// (a failed write drops that connection, nothing is retried). It bridges
// EventBus alert traffic to connected operators.
package push

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/logging"
)

// Conn is the subset of *websocket.Conn the hub needs; tests substitute
// a recording fake.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Message is the envelope broadcast to connected operators.
type Message struct {
	Type    string         `json:"type"`
	Project string         `json:"project,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Hub is the connection manager.
type Hub struct {
	log *logging.Logger

	mu    sync.Mutex
	conns map[Conn]struct{}

	upgrader websocket.Upgrader
}

// NewHub creates a Hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.NewDefault()
	}
	return &Hub{
		log:   log,
		conns: make(map[Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register adds a connection to the broadcast set.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// Unregister removes and closes a connection.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Count reports the active connection count.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast writes msg to every connection in a snapshot of the set.
// Per-connection failures drop that connection; no retry, no ordering
// guarantee.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	snapshot := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		if err := c.WriteJSON(msg); err != nil {
			h.log.Debugf("push: dropping connection after write failure: %v", err)
			h.Unregister(c)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and keeps the connection
// registered until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("push: upgrade failed: %v", err)
		return
	}
	h.Register(ws)
	go func() {
		defer h.Unregister(ws)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// BindBus subscribes the hub to the alert-bearing event types so
// connected operators see engine output in real time.
func (h *Hub) BindBus(bus *eventbus.Bus) {
	forward := func(ev eventbus.Event) {
		h.Broadcast(Message{Type: string(ev.Type), Project: ev.Project, Data: ev.Data})
	}
	for _, typ := range []eventbus.EventType{
		eventbus.ProactiveAlert,
		eventbus.HighRiskAlert,
		eventbus.AnomalyDetected,
		eventbus.CorrelationFound,
		eventbus.BatchJobCompleted,
		eventbus.BatchJobFailed,
	} {
		bus.Subscribe(typ, forward)
	}
}
