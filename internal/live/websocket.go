package live

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// WSFrame is one JSON text frame sent to a hibernating WebSocket client:
// either a data delivery or a control transition, per spec.md §4.5's
// WebSocket read mode.
type WSFrame struct {
	Type    string      `json:"type"` // "data" | "control"
	Payload interface{} `json:"payload,omitempty"`
}

// WSHandle is the serialisable handle spec.md §9 calls for: an opaque
// reference the runtime can rehydrate. In-process, it wraps the
// connection directly; an out-of-process host would instead carry just
// the connection id and look the live socket up from its own registry.
type WSHandle struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	parked bool
	wake   chan struct{}
}

// Park marks the handle hibernated. Writes are not queued: the next Send
// wakes the handle and writes immediately, as does an explicit Wake.
// Nothing in this package parks a handle on inactivity; callers decide
// when to call Park.
func (h *WSHandle) Park() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.parked {
		return
	}
	h.parked = true
	h.wake = make(chan struct{})
}

// Wake resumes a parked handle.
func (h *WSHandle) Wake() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.parked {
		return
	}
	h.parked = false
	close(h.wake)
}

// WSSet is the hibernation-safe WebSocket registry of spec.md §4.6.
type WSSet struct {
	mu      sync.Mutex
	clients map[string]*WSHandle
}

// NewWSSet returns an empty set.
func NewWSSet() *WSSet {
	return &WSSet{clients: make(map[string]*WSHandle)}
}

// Attach registers a connection under id and returns its handle.
func (s *WSSet) Attach(id string, conn *websocket.Conn) *WSHandle {
	h := &WSHandle{id: id, conn: conn}
	s.mu.Lock()
	s.clients[id] = h
	s.mu.Unlock()
	return h
}

// Detach removes and closes a connection.
func (s *WSSet) Detach(id string) {
	s.mu.Lock()
	h, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if ok {
		h.conn.Close()
	}
}

// List returns all attached handles.
func (s *WSSet) List() []*WSHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*WSHandle, 0, len(s.clients))
	for _, h := range s.clients {
		out = append(out, h)
	}
	return out
}

// Send writes one JSON text frame to handle h. Parked handles wake first.
func (s *WSSet) Send(h *WSHandle, frame WSFrame) error {
	h.mu.Lock()
	if h.parked {
		h.parked = false
		close(h.wake)
	}
	h.mu.Unlock()

	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return h.conn.WriteMessage(websocket.TextMessage, body)
}

// Broadcast sends frame to every attached handle, logging nothing on
// individual failures — a dead socket is cleaned up on its own read loop's
// next error, not synchronously here.
func (s *WSSet) Broadcast(frame WSFrame) {
	for _, h := range s.List() {
		_ = s.Send(h, frame)
	}
}
