package realtime

import "connmgr/internal/transport"

// ConnectUser wraps t in a new Connection and adds it.
// It exists for callers still on the connect/disconnect API.
func (m *Manager) ConnectUser(userID string, t transport.Transport, metadata map[string]string) (*Connection, error) {
	c := NewConnection("", userID, t, metadata)
	if err := m.AddConnection(c); err != nil {
		return nil, err
	}
	return c, nil
}

// DisconnectUser removes the user's connection wrapping t, if any.
func (m *Manager) DisconnectUser(userID string, t transport.Transport) bool {
	c := m.registry.Find(userID, t)
	if c == nil {
		return false
	}
	return m.RemoveConnection(c.ID)
}
