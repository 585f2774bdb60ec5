package computer

import "sync"

// ConnectionManager holds the single active link. The most recent
// connection wins; a superseded link keeps running until its own transport
// closes but can no longer be reached through the manager.
type ConnectionManager struct {
	mu     sync.Mutex
	active *Link
}

// NewConnectionManager returns a manager with no active link.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// SetActive registers link as the active connection and returns the link it replaced, if any.
func (m *ConnectionManager) SetActive(link *Link) (previous *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous, m.active = m.active, link
	return previous
}

// Active returns the active link, or nil.
func (m *ConnectionManager) Active() *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ClearIfMatches clears the active link only if it is still link. A late
// close of a superseded connection therefore leaves its replacement alone.
func (m *ConnectionManager) ClearIfMatches(link *Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active != link {
		return false
	}
	m.active = nil
	return true
}
