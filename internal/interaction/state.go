// Package interaction guarantees that one inbound trigger produces exactly
// one acknowledgement, whatever the pipeline behind it does.
package interaction

import (
	"sync"
	"time"
)

// DefaultLifetime is how long a platform accepts responses to a request.
const DefaultLifetime = 15 * time.Minute

// State is the acknowledgement state of one request. Flags only move from
// false to true, except Editing which is held for the duration of an edit.
type State struct {
	Deferred  bool      `json:"deferred"`
	Replied   bool      `json:"replied"`
	Editing   bool      `json:"editing"`
	Failed    bool      `json:"failed"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// Acknowledged reports whether the platform has seen any response.
func (s State) Acknowledged() bool {
	return s.Deferred || s.Replied
}

// Entry is the stored state with the lock that serializes responses.
type Entry struct {
	createdAt time.Time

	mu    sync.Mutex
	state State
}

func newEntry(createdAt time.Time) *Entry {
	return &Entry{createdAt: createdAt, state: State{CreatedAt: createdAt}}
}

// Snapshot returns a copy of the current state.
func (e *Entry) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// expired does not take the lock; createdAt never changes.
func (e *Entry) expired(now time.Time, lifetime time.Duration) bool {
	return now.Sub(e.createdAt) >= lifetime
}
