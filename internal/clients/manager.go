// Package clients tracks the live session and child process behind each
// active mount, keyed by the mount's child handle.
package clients

import (
	"context"
	"sync"

	"mcpregistry/internal/launcher"
	"mcpregistry/internal/session"
	"mcpregistry/pkg/logging"
)

// Client pairs a mount's MCP session with its child process.
type Client struct {
	Session *session.Session
	Child   *launcher.Child
}

// Manager is the handle→client lookup table. Tool executors resolve their
// session through it at call time, so a removed mount fails fast instead of
// writing to a dead pipe.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{clients: make(map[string]*Client)}
}

// Register associates a handle with its session and child. Re-registering a
// handle replaces the previous association.
func (m *Manager) Register(handle string, sess *session.Session, child *launcher.Child) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[handle] = &Client{Session: sess, Child: child}
	logging.Debug("Clients", "Registered client %s (%d total)", handle, len(m.clients))
}

// Get returns the client for a handle.
func (m *Manager) Get(handle string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[handle]
	return c, ok
}

// Session returns just the session for a handle.
func (m *Manager) Session(handle string) (*session.Session, bool) {
	c, ok := m.Get(handle)
	if !ok {
		return nil, false
	}
	return c.Session, true
}

// Count returns the number of registered clients.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Remove drops the handle and releases its resources: the session is closed
// (which closes the child's stdin) and the child is reaped, force-killed if
// it ignores the graceful window. Removing an unknown handle is a no-op.
func (m *Manager) Remove(ctx context.Context, handle string) error {
	m.mu.Lock()
	c, ok := m.clients[handle]
	if ok {
		delete(m.clients, handle)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := c.Session.Close(); err != nil {
		logging.Debug("Clients", "Closing session %s: %v", handle, err)
	}
	if err := c.Child.Teardown(ctx); err != nil {
		return err
	}
	logging.Debug("Clients", "Removed client %s", handle)
	return nil
}
