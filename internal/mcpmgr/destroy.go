package mcpmgr

// Destroy closes every live connection's client session, forgets the
// connections and invalidates the callback cache, as part of the agent-wide
// destroy cascade. It does not touch the persisted server table; that table
// is dropped with the agent's other tables by store.Store.Destroy.
func (m *Manager) Destroy() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.RLock()
		client := c.client
		c.mu.RUnlock()
		if client != nil {
			_ = client.Close()
		}
	}

	m.invalidateCallbackCache()
}
