package room

import (
	"sort"
	"sync"
)

// Manager keeps the two-way index between connections and rooms. It does no
// authorization: callers check participation before calling Join on a
// conversation key.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[Key]map[string]struct{} // room -> connIDs
	byConn map[string]map[Key]struct{} // connID -> rooms
}

func NewManager() *Manager {
	return &Manager{
		rooms:  make(map[Key]map[string]struct{}),
		byConn: make(map[string]map[Key]struct{}),
	}
}

// Join adds connID to the room. Joining twice is a no-op; the return value
// reports whether membership changed.
func (m *Manager) Join(connID string, key Key) bool {
	if key.IsZero() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[key]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[key] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}

	joined, ok := m.byConn[connID]
	if !ok {
		joined = make(map[Key]struct{})
		m.byConn[connID] = joined
	}
	joined[key] = struct{}{}
	return true
}

// Leave removes connID from the room. Unknown pairs are a no-op.
func (m *Manager) Leave(connID string, key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(connID, key)
}

func (m *Manager) leaveLocked(connID string, key Key) bool {
	members, ok := m.rooms[key]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, key)
	}
	if joined, ok := m.byConn[connID]; ok {
		delete(joined, key)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}
	return true
}

// LeaveAll removes the connection from every room and returns the rooms it
// was in.
func (m *Manager) LeaveAll(connID string) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined := m.byConn[connID]
	keys := make([]Key, 0, len(joined))
	for key := range joined {
		keys = append(keys, key)
	}
	for _, key := range keys {
		m.leaveLocked(connID, key)
	}
	sortKeys(keys)
	return keys
}

func (m *Manager) RoomsOf(connID string) []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := m.byConn[connID]
	keys := make([]Key, 0, len(joined))
	for key := range joined {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys
}

func (m *Manager) MembersOf(key Key) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[key]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) IsMember(connID string, key Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[key][connID]
	return ok
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
