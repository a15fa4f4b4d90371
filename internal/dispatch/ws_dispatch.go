package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

// Conn is the write side of a client connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// WSSession represents a connected client
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Hub holds client sessions and their room memberships. Rooms are named
// "<role>" for role groups and "<role>_<id>" for a single party.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	rooms    map[string]map[string]struct{}
	memberOf map[string][]string
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]*WSSession),
		rooms:    make(map[string]map[string]struct{}),
		memberOf: make(map[string][]string),
		logger:   logger,
	}
}

func RoleRoom(role models.Role) string { return string(role) }

// PartyRoom is the personal room of one user or provider.
func PartyRoom(role models.Role, id string) string { return string(role) + "_" + id }

func (h *Hub) Add(connID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[connID]; !ok {
		observability.ConnectionsOpen.Inc()
	}
	h.sessions[connID] = &WSSession{conn: conn}
}

// Join adds the connection to rooms. Joining twice is harmless.
func (h *Hub) Join(connID string, rooms ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[connID]; !ok {
		return ErrNoSession
	}
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[string]struct{})
			h.rooms[room] = members
		}
		if _, in := members[connID]; in {
			continue
		}
		members[connID] = struct{}{}
		h.memberOf[connID] = append(h.memberOf[connID], room)
	}
	return nil
}

// Remove drops the connection and all its room memberships.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[connID]; !ok {
		return
	}
	delete(h.sessions, connID)
	for _, room := range h.memberOf[connID] {
		delete(h.rooms[room], connID)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.memberOf, connID)
	observability.ConnectionsOpen.Dec()
}

func (h *Hub) Send(connID string, msg Message) error {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(msg); err != nil {
		observability.NotificationFailures.WithLabelValues(msg.Event).Inc()
		h.logger.Warn("ws send error", "conn_id", connID, "event", msg.Event, "err", err)
		return err
	}
	return nil
}

// Publish sends msg to every member of room except the excluded connections
// and returns how many deliveries succeeded. A failed member never stops
// delivery to the others.
func (h *Hub) Publish(room string, msg Message, exclude ...string) int {
	h.mu.RLock()
	targets := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		targets = append(targets, id)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, id := range targets {
		if contains(exclude, id) {
			continue
		}
		if err := h.Send(id, msg); err == nil {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

var ErrNoSession = errors.New("no ws session")
