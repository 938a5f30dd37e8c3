package signalws

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/coordinator"
	"github.com/croshq/meetpoint/internal/domain"
)

type hubEntry struct {
	Conn    *Conn
	Session *coordinator.Session
	Cancel  context.CancelFunc
}

// Hub tracks every live signaling connection on this process and routes
// broadcast frames to them.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*hubEntry
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*hubEntry)}
}

func (h *Hub) Bind(conn *Conn, session *coordinator.Session, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID()] = &hubEntry{Conn: conn, Session: session, Cancel: cancel}
	log.Info().Str("module", "signalws.hub").Str("conn", conn.ID()).Msg("bound connection")
}

func (h *Hub) Unbind(connID string) {
	h.mu.Lock()
	entry, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if !ok {
		return
	}
	if entry.Cancel != nil {
		entry.Cancel()
	}
	log.Info().Str("module", "signalws.hub").Str("conn", connID).Msg("unbound connection")
}

func (h *Hub) Session(connID string) (*coordinator.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.conns[connID]
	if !ok {
		return nil, false
	}
	return entry.Session, true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends data to every connection attached to meetingID, except the
// origin connection and any connection announced under exceptEmail. An empty
// meetingID reaches every connection. Backpressured peers are skipped.
func (h *Hub) Broadcast(meetingID domain.MeetingID, exceptConn, exceptEmail string, data []byte) {
	h.mu.RLock()
	targets := make([]*hubEntry, 0, len(h.conns))
	for id, entry := range h.conns {
		if id == exceptConn {
			continue
		}
		identity, announced := entry.Session.Identity()
		if exceptEmail != "" && announced && identity.Email == exceptEmail {
			continue
		}
		if meetingID != "" && (!announced || identity.MeetingID != meetingID) {
			continue
		}
		targets = append(targets, entry)
	}
	h.mu.RUnlock()

	for _, entry := range targets {
		if err := entry.Conn.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "signalws.hub").
				Str("conn", entry.Conn.ID()).
				Msg("broadcast dropped")
		}
	}
}

// CloseAll tears down every connection, leaving sessions to their cancel
// funcs.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.conns))
	for id, entry := range h.conns {
		entries = append(entries, entry)
		delete(h.conns, id)
	}
	h.mu.Unlock()
	for _, entry := range entries {
		if entry.Cancel != nil {
			entry.Cancel()
		}
		entry.Conn.Close()
	}
}
