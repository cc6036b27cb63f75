// Package fanout delivers domain events to connected UI sessions over
// WebSocket. Delivery is best effort: events published while a user has no
// session are dropped, and sessions that stop draining are disconnected.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub routes published events to sessions by target user. A user may hold
// several sessions at once; targeted events reach all of them.
type Hub struct {
	sessions map[*Session]bool
	byUser   map[string]map[*Session]bool

	publish    chan models.DomainEvent
	register   chan *Session
	unregister chan *Session
	done       chan struct{}
	mu         sync.RWMutex
	logger     *common.Logger
}

// Session is one connected WebSocket client bound to a user. Its send
// channel preserves publish order for that session.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// NewHub creates an event fan-out hub.
func NewHub(logger *common.Logger) *Hub {
	return &Hub{
		sessions:   make(map[*Session]bool),
		byUser:     make(map[string]map[*Session]bool),
		publish:    make(chan models.DomainEvent, 256),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. Should be called as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case session := <-h.register:
			h.mu.Lock()
			h.sessions[session] = true
			if h.byUser[session.userID] == nil {
				h.byUser[session.userID] = make(map[*Session]bool)
			}
			h.byUser[session.userID][session] = true
			count := len(h.sessions)
			h.mu.Unlock()
			h.logger.Debug().Str("user_id", session.userID).Int("sessions", count).Msg("Event session connected")

		case session := <-h.unregister:
			h.mu.Lock()
			h.drop(session)
			count := len(h.sessions)
			h.mu.Unlock()
			h.logger.Debug().Str("user_id", session.userID).Int("sessions", count).Msg("Event session disconnected")

		case event := <-h.publish:
			h.deliver(event)
		}
	}
}

// drop removes a session from both indexes. Caller holds the write lock.
// Idempotent so a slow-session disconnect racing readPump is safe.
func (h *Hub) drop(session *Session) {
	if _, ok := h.sessions[session]; !ok {
		return
	}
	delete(h.sessions, session)
	if peers, ok := h.byUser[session.userID]; ok {
		delete(peers, session)
		if len(peers) == 0 {
			delete(h.byUser, session.userID)
		}
	}
	close(session.send)
}

// deliver fans one event out to its target sessions, disconnecting any
// session whose buffer is full rather than blocking the loop.
func (h *Hub) deliver(event models.DomainEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("Failed to marshal domain event")
		return
	}

	h.mu.RLock()
	var targets []*Session
	if event.Broadcast() {
		for session := range h.sessions {
			targets = append(targets, session)
		}
	} else {
		for session := range h.byUser[event.TargetUserID] {
			targets = append(targets, session)
		}
	}

	var slow []*Session
	for _, session := range targets {
		select {
		case session.send <- data:
		default:
			slow = append(slow, session)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, session := range slow {
			h.logger.Warn().Str("user_id", session.userID).Msg("Dropping slow event session")
			h.drop(session)
		}
		h.mu.Unlock()
	}
}

// Publish queues an event for delivery. Non-blocking; when the hub's queue
// is full the event is dropped, consistent with best-effort delivery.
func (h *Hub) Publish(event models.DomainEvent) {
	select {
	case h.publish <- event:
	default:
		h.logger.Warn().Str("kind", string(event.Kind)).Msg("Event queue full, dropping event")
	}
}

// Stop signals the hub's event loop to exit.
func (h *Hub) Stop() {
	select {
	case <-h.done:
		// Already stopped
	default:
		close(h.done)
	}
}

// ServeWS upgrades an HTTP connection and registers a session for userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	session := &Session{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
	}

	select {
	case h.register <- session:
	case <-h.done:
		// Hub already stopped; nothing will drain the register channel.
		conn.Close()
		return
	}

	go session.writePump()
	go session.readPump()
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// UserSessionCount returns the number of sessions held by one user.
func (h *Hub) UserSessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// writePump sends queued events to the WebSocket connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads from the connection, mainly to detect close.
func (s *Session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			break
		}
	}
}
