// Package session manages the client session identity.
//
// A session id correlates every transport connection belonging to one
// logical client session. Ids are generated from a cryptographically
// strong random source; math/rand must never be used here.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Manager holds the current session id and notifies a registered
// callback when the identity changes.
type Manager struct {
	mu       sync.Mutex
	id       string
	onChange func(id string)
}

// NewManager creates a Manager with no session id assigned yet.
// The first call to Current generates one lazily.
func NewManager() *Manager {
	return &Manager{}
}

// OnChange registers the session-change callback. Only one callback is
// held; registering replaces any previous one.
func (m *Manager) OnChange(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Current returns the session id, generating one on first access.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.id == "" {
		m.id = generateID()
	}
	return m.id
}

// New generates a fresh session id, adopts it, and fires the
// change callback.
func (m *Manager) New() string {
	m.mu.Lock()
	m.id = generateID()
	id := m.id
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(id)
	}
	return id
}

// SwitchTo adopts the given session id and fires the change callback.
// Switching to the id already in use is a no-op: the callback must not
// fire for idempotent switches.
func (m *Manager) SwitchTo(id string) {
	m.mu.Lock()
	if id == m.id {
		m.mu.Unlock()
		return
	}
	m.id = id
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(id)
	}
}

// Adopt silently takes over a session id without firing the change
// callback. Used when a transport discovers or is assigned an id by
// the server.
func (m *Manager) Adopt(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}

// generateID builds an id of the form session_<unixMillis>_<base36>.
func generateID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read does not fail on supported platforms.
		panic(fmt.Sprintf("session: read random source: %v", err))
	}
	entropy := strconv.FormatUint(binary.BigEndian.Uint64(buf[:]), 36)
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), entropy)
}
