package session

import (
	"fmt"
	"sync"

	"github.com/edvolabs/tutorvoice/internal/config"
	"github.com/edvolabs/tutorvoice/internal/turn"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
)

// Manager tracks the live lanes, one per conversation. Lanes never share
// state; the manager only registers and unregisters them.
type Manager struct {
	cfg   *config.Settings
	store *Store
	caps  Capabilities
	log   *Logger.Logger

	mu    sync.RWMutex
	lanes map[string]*Lane
}

func NewManager(cfg *config.Settings, store *Store, caps Capabilities, log *Logger.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		store: store,
		caps:  caps,
		log:   log,
		lanes: make(map[string]*Lane),
	}
}

// Open registers a lane for the conversation. One live transport per
// conversation; a second connection is refused until the first is gone.
func (m *Manager) Open(convID string, emitter turn.Emitter) (*Lane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lanes[convID]; ok {
		return nil, fmt.Errorf("conversation %s already has a live connection", convID)
	}
	lane := NewLane(convID, m.cfg, m.store, m.caps, emitter, m.log.Named("lane"))
	m.lanes[convID] = lane
	m.log.Infof("session %s opened (%d live)", convID, len(m.lanes))
	return lane, nil
}

// Close unregisters the lane once its Run loop has returned.
func (m *Manager) Close(convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lanes[convID]; !ok {
		return
	}
	delete(m.lanes, convID)
	m.log.Infof("session %s closed (%d live)", convID, len(m.lanes))
}

// Snapshot returns the lane's current view, false when no lane is live.
func (m *Manager) Snapshot(convID string) (Snapshot, bool) {
	m.mu.RLock()
	lane, ok := m.lanes[convID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return lane.Snapshot()
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lanes)
}
