package gateway

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// ConnectionState is the registry entry of one device. Entries are never
// removed; a reconnect overwrites the previous state.
type ConnectionState struct {
	DeviceID      uint32    `json:"device_id"`
	DeviceAddress string    `json:"device_address"`
	HostAddress   string    `json:"host_address"`
	Connected     bool      `json:"connected"`
	Session       uint64    `json:"session"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Registry tracks the connection state of every device. The lock is held only
// around map access.
type Registry struct {
	mu      sync.Mutex
	states  map[uint32]ConnectionState
	pending map[uint32]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states:  make(map[uint32]ConnectionState),
		pending: make(map[uint32]struct{}),
	}
}

// Get returns the state of id.
func (r *Registry) Get(id uint32) (ConnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	return s, ok
}

// Set stores the state of id.
func (r *Registry) Set(id uint32, state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state.DeviceID = id
	r.states[id] = state
}

// MarkDisconnected flips id to disconnected. It reports whether id was
// connected.
func (r *Registry) MarkDisconnected(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[id]
	if !ok || !s.Connected {
		return false
	}
	s.Connected = false
	r.states[id] = s
	return true
}

// endSession marks id disconnected only if session is still the current one,
// so a stale receive loop cannot end a newer session.
func (r *Registry) endSession(id uint32, session uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[id]
	if !ok || !s.Connected || s.Session != session {
		return false
	}
	s.Connected = false
	r.states[id] = s
	return true
}

// Reserve claims id for a connect attempt. It fails with ErrAlreadyConnected
// if id is connected or another connect holds the reservation.
func (r *Registry) Reserve(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.states[id]; ok && s.Connected {
		return ErrAlreadyConnected
	}
	if _, ok := r.pending[id]; ok {
		return ErrAlreadyConnected
	}
	r.pending[id] = struct{}{}
	return nil
}

// Release drops the reservation taken by Reserve.
func (r *Registry) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// IsCurrent reports whether id is connected with the given session.
func (r *Registry) IsCurrent(id uint32, session uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	return ok && s.Connected && s.Session == session
}

// Snapshot returns every state ordered by device id.
func (r *Registry) Snapshot() []ConnectionState {
	r.mu.Lock()
	out := make([]ConnectionState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b ConnectionState) int {
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}
