package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/courier-dispatch/internal/notify"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// wsSession represents a connected courier
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Hub holds one websocket session per courier. A new connection replaces
// the previous one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func NewHub() *Hub { return &Hub{sessions: make(map[string]*wsSession)} }

func (h *Hub) Name() string { return "ws" }

func (h *Hub) Add(courierID string, conn *websocket.Conn) {
	h.mu.Lock()
	old := h.sessions[courierID]
	h.sessions[courierID] = &wsSession{conn: conn}
	h.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

// Remove drops the session only if conn is still the registered one.
func (h *Hub) Remove(courierID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[courierID]; ok && s.conn == conn {
		delete(h.sessions, courierID)
	}
}

func (h *Hub) Connected(courierID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[courierID]
	return ok
}

func (h *Hub) Notify(ctx context.Context, courierID string, ev notify.Event) error {
	h.mu.RLock()
	s, ok := h.sessions[courierID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(ev); err != nil {
		h.Remove(courierID, s.conn)
		s.conn.Close()
		return err
	}
	return nil
}
