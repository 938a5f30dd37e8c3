package coordinator

import (
	"sync"

	"github.com/croshq/meetpoint/internal/domain"
	"github.com/croshq/meetpoint/internal/engine"
)

// ProducerRef names which connection owns a producer and what it carries.
type ProducerRef struct {
	ConnID string
	Kind   engine.MediaKind
}

// ProducerDirectory maps producer ids to their owning connections. The global
// and per-connection views are updated under one lock so they cannot drift
// apart; removing a connection invalidates both at once.
type ProducerDirectory struct {
	mu     sync.RWMutex
	byID   map[domain.ProducerID]ProducerRef
	byConn map[string][]domain.ProducerID
}

func NewProducerDirectory() *ProducerDirectory {
	return &ProducerDirectory{
		byID:   make(map[domain.ProducerID]ProducerRef),
		byConn: make(map[string][]domain.ProducerID),
	}
}

func (d *ProducerDirectory) Register(connID string, id domain.ProducerID, kind engine.MediaKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[id] = ProducerRef{ConnID: connID, Kind: kind}
	d.byConn[connID] = append(d.byConn[connID], id)
}

func (d *ProducerDirectory) Lookup(id domain.ProducerID) (ProducerRef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ref, ok := d.byID[id]
	return ref, ok
}

// RemoveConn drops every producer registered by connID and returns their ids.
func (d *ProducerDirectory) RemoveConn(connID string) []domain.ProducerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := d.byConn[connID]
	delete(d.byConn, connID)
	for _, id := range ids {
		delete(d.byID, id)
	}
	return ids
}
