package internal

import "sync"

// Conn is a live client socket as seen by the registry and fan-out. Send must
// not block; it returns an error when the socket is not open for writing.
type Conn interface {
	ID() string
	Send(data []byte) error
}

type registration struct {
	userID int64
	rooms  map[string]struct{}
}

// Registry indexes live connections by user and by room. Both indices sit
// behind one lock so a connection is never visible in one and gone from the
// other. Empty buckets are pruned.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[Conn]struct{}
	rooms map[string]map[Conn]struct{}
	conns map[Conn]*registration
}

// RegistryStats is a point-in-time count of the registry contents.
type RegistryStats struct {
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[int64]map[Conn]struct{}),
		rooms: make(map[string]map[Conn]struct{}),
		conns: make(map[Conn]*registration),
	}
}

// Register adds conn to the user's bucket. A connection's user is fixed at
// first registration; registering it again under another user is refused.
func (r *Registry) Register(userID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, exists := r.conns[conn]; exists {
		return reg.userID == userID
	}
	r.conns[conn] = &registration{userID: userID, rooms: make(map[string]struct{})}
	addTo(r.users, userID, conn)
	return true
}

// Unregister removes conn from the user's bucket and from every room it
// occupies. It is a no-op when conn is not registered under userID.
func (r *Registry) Unregister(userID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, exists := r.conns[conn]
	if !exists || reg.userID != userID {
		return false
	}
	r.removeLocked(conn, reg)
	return true
}

// Remove drops conn from both indices in one step. It is what a socket close
// or error calls.
func (r *Registry) Remove(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, exists := r.conns[conn]
	if !exists {
		return false
	}
	r.removeLocked(conn, reg)
	return true
}

func (r *Registry) removeLocked(conn Conn, reg *registration) {
	for roomID := range reg.rooms {
		removeFrom(r.rooms, roomID, conn)
	}
	removeFrom(r.users, reg.userID, conn)
	delete(r.conns, conn)
}

// JoinRoom adds conn to the room's bucket. Only registered connections can
// join. Leaving a previous room is the caller's job.
func (r *Registry) JoinRoom(roomID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, exists := r.conns[conn]
	if !exists || roomID == "" {
		return false
	}
	reg.rooms[roomID] = struct{}{}
	addTo(r.rooms, roomID, conn)
	return true
}

// LeaveRoom removes conn from the room's bucket. Leaving a room the
// connection is not in is not an error.
func (r *Registry) LeaveRoom(roomID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, exists := r.conns[conn]
	if !exists {
		return false
	}
	if _, member := reg.rooms[roomID]; !member {
		return false
	}
	delete(reg.rooms, roomID)
	removeFrom(r.rooms, roomID, conn)
	return true
}

// UserConns returns a snapshot of the user's live connections.
func (r *Registry) UserConns(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[userID])
}

// RoomConns returns a snapshot of the connections joined to the room.
func (r *Registry) RoomConns(roomID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[roomID])
}

// Conns returns a snapshot of every registered connection.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// RoomsOf returns the rooms conn currently occupies.
func (r *Registry) RoomsOf(conn Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, exists := r.conns[conn]
	if !exists {
		return nil
	}
	rooms := make([]string, 0, len(reg.rooms))
	for roomID := range reg.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{Users: len(r.users), Rooms: len(r.rooms), Connections: len(r.conns)}
}

func addTo[K comparable](index map[K]map[Conn]struct{}, key K, conn Conn) {
	bucket, exists := index[key]
	if !exists {
		bucket = make(map[Conn]struct{})
		index[key] = bucket
	}
	bucket[conn] = struct{}{}
}

func removeFrom[K comparable](index map[K]map[Conn]struct{}, key K, conn Conn) {
	bucket, exists := index[key]
	if !exists {
		return
	}
	delete(bucket, conn)
	if len(bucket) == 0 {
		delete(index, key)
	}
}

func snapshot(bucket map[Conn]struct{}) []Conn {
	if len(bucket) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(bucket))
	for conn := range bucket {
		out = append(out, conn)
	}
	return out
}
