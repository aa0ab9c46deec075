package control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/HyphaGroup/vigil/internal/logger"
)

var (
	ErrAlreadyRegistered = errors.New("execution already registered")
	ErrNotRegistered     = errors.New("execution not registered")
)

// Listener is notified after every control transition.
// Implementations must not call Pause, Resume or Stop for the same execution.
type Listener interface {
	OnControl(executionID string, cmd Command)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(executionID string, cmd Command)

// OnControl calls f(executionID, cmd)
func (f ListenerFunc) OnControl(executionID string, cmd Command) {
	f(executionID, cmd)
}

// ListenerID identifies a registered listener for removal
type ListenerID uint64

type listenerEntry struct {
	id       ListenerID
	listener Listener
}

// Snapshot is a read-only view of an execution's control state
type Snapshot struct {
	ExecutionID string `json:"execution_id"`
	Paused      bool   `json:"paused"`
	Stopping    bool   `json:"stopping"`
}

// Registry holds the control state of every live execution
type Registry struct {
	mu     sync.RWMutex
	states map[string]*State

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      ListenerID
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		states: make(map[string]*State),
	}
}

// Register creates an open-gated state for executionID
func (r *Registry) Register(executionID string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[executionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, executionID)
	}
	s := newState(executionID)
	r.states[executionID] = s
	return s, nil
}

// Release removes the state for executionID. Safe to call for unknown ids.
// Any goroutine still blocked on the gate is woken and told to stop.
func (r *Registry) Release(executionID string) {
	r.mu.Lock()
	s, ok := r.states[executionID]
	delete(r.states, executionID)
	r.mu.Unlock()

	if ok {
		s.stop()
	}
}

func (r *Registry) lookup(executionID string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[executionID]
}

// Pause closes the gate. Returns false if the execution is unknown or stopping.
// Pausing an already paused execution succeeds without notifying listeners.
func (r *Registry) Pause(executionID string) bool {
	s := r.lookup(executionID)
	if s == nil {
		return false
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	ok, changed := s.pause()
	if changed {
		r.notify(executionID, CommandPaused)
	}
	return ok
}

// Resume reopens the gate. Returns false if the execution is unknown, not
// paused, or stopping.
func (r *Registry) Resume(executionID string) bool {
	s := r.lookup(executionID)
	if s == nil {
		return false
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	if !s.resume() {
		return false
	}
	r.notify(executionID, CommandResumed)
	return true
}

// Stop requests cooperative cancellation. Returns false only if the execution
// is unknown; repeated stops succeed but notify once.
func (r *Registry) Stop(executionID string) bool {
	s := r.lookup(executionID)
	if s == nil {
		return false
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	if s.stop() {
		r.notify(executionID, CommandStopping)
	}
	return true
}

// WaitIfPaused blocks while the execution is paused. It returns false when
// the execution is stopping, unknown, or ctx ends while blocked.
func (r *Registry) WaitIfPaused(ctx context.Context, executionID string) bool {
	s := r.lookup(executionID)
	if s == nil {
		return false
	}
	return s.WaitIfPaused(ctx)
}

// Snapshot returns the control state of executionID
func (r *Registry) Snapshot(executionID string) (Snapshot, bool) {
	s := r.lookup(executionID)
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Len returns the number of registered executions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// AddListener registers l for every subsequent transition
func (r *Registry) AddListener(l Listener) ListenerID {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	r.nextID++
	r.listeners = append(r.listeners, listenerEntry{id: r.nextID, listener: l})
	return r.nextID
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (r *Registry) RemoveListener(id ListenerID) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	for i, e := range r.listeners {
		if e.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(executionID string, cmd Command) {
	r.listenersMu.RLock()
	entries := make([]listenerEntry, len(r.listeners))
	copy(entries, r.listeners)
	r.listenersMu.RUnlock()

	for _, e := range entries {
		invoke(e.listener, executionID, cmd)
	}
}

// invoke calls a listener, swallowing panics so a faulty listener cannot
// affect the transition that triggered it.
func invoke(l Listener, executionID string, cmd Command) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("control listener panicked on %s for %s: %v", cmd, executionID, rec)
		}
	}()
	l.OnControl(executionID, cmd)
}
