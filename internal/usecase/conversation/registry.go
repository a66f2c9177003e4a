package conversation

import (
	"sync"
	"sync/atomic"
)

// DriveSlot is held by the single goroutine driving a session.
type DriveSlot struct {
	done      chan struct{}
	cancel    atomic.Bool
	leaseLost atomic.Bool
}

// Done is closed when the drive that owns the slot has finished.
func (s *DriveSlot) Done() <-chan struct{} { return s.done }

// RequestCancel flags the drive for cancellation at its next turn boundary.
func (s *DriveSlot) RequestCancel() { s.cancel.Store(true) }

// CancelRequested reports whether RequestCancel was called.
func (s *DriveSlot) CancelRequested() bool { return s.cancel.Load() }

// LeaseLost reports whether the session lease was taken by another driver.
func (s *DriveSlot) LeaseLost() bool { return s.leaseLost.Load() }

func (s *DriveSlot) markLeaseLost() { s.leaseLost.Store(true) }

// SessionRegistry provides in-process single-writer exclusion per session.
// Unlike a mutex it never queues: a second claim on a driven session fails
// immediately.
type SessionRegistry struct {
	mu      sync.Mutex
	active  map[string]*DriveSlot
	lastErr map[string]error
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		active:  make(map[string]*DriveSlot),
		lastErr: make(map[string]error),
	}
}

// TryAcquire claims the slot for sessionID. ok is false when the session
// is already being driven.
func (r *SessionRegistry) TryAcquire(sessionID string) (slot *DriveSlot, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sessionID]; busy {
		return nil, false
	}
	slot = &DriveSlot{done: make(chan struct{})}
	r.active[sessionID] = slot
	delete(r.lastErr, sessionID)
	return slot, true
}

// Lookup returns the slot of a session that is currently being driven.
func (r *SessionRegistry) Lookup(sessionID string) (*DriveSlot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.active[sessionID]
	return slot, ok
}

// Release frees the slot and records how the drive ended. Releasing a slot
// that no longer owns the session is a no-op.
func (r *SessionRegistry) Release(sessionID string, slot *DriveSlot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[sessionID] != slot {
		return
	}
	delete(r.active, sessionID)
	if err != nil {
		r.lastErr[sessionID] = err
	}
	close(slot.done)
}

// LastError returns the terminal error of the most recent finished drive.
func (r *SessionRegistry) LastError(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr[sessionID]
}

// ActiveCount returns the number of sessions being driven.
func (r *SessionRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
