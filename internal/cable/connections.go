package cable

import (
	"sort"
	"sync"
)

// connectionRegistry tracks the open connections of this process.
type connectionRegistry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{connections: make(map[string]*Connection)}
}

func (r *connectionRegistry) add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[c.id] = c
}

func (r *connectionRegistry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, c.id)
}

// all returns the open connections ordered by start time.
func (r *connectionRegistry) all() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].startedAt.Before(conns[j].startedAt)
	})
	return conns
}

func (r *connectionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// where returns the local connections whose identifiers include every
// name/value pair in identifiers.
func (r *connectionRegistry) where(identifiers map[string]string) []*Connection {
	var matches []*Connection
	for _, c := range r.all() {
		ids := c.Identifiers()
		match := true
		for k, v := range identifiers {
			if ids[k] != v {
				match = false
				break
			}
		}
		if match {
			matches = append(matches, c)
		}
	}
	return matches
}
