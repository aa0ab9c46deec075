package control

import (
	"context"
	"sync"
)

// Command names a control transition reported to listeners
type Command string

const (
	CommandPaused   Command = "paused"
	CommandResumed  Command = "resumed"
	CommandStopping Command = "stopping"
)

// State is the pause/stop gate for one execution.
//
// The gate is modelled as a channel that is closed while the gate is open.
// Pausing swaps in a fresh, unclosed channel; resuming or stopping closes it.
// Once stopping is set it is never cleared, and the gate stays open for good
// so a paused run can observe the stop at its next checkpoint.
type State struct {
	executionID string

	// transition serializes state changes together with their listener
	// notifications, so listeners observe transitions in the order they happened.
	transition sync.Mutex

	mu       sync.Mutex
	paused   bool
	stopping bool
	gate     chan struct{}
}

func newState(executionID string) *State {
	gate := make(chan struct{})
	close(gate)
	return &State{
		executionID: executionID,
		gate:        gate,
	}
}

// ExecutionID returns the execution this state belongs to
func (s *State) ExecutionID() string {
	return s.executionID
}

// Paused reports whether the gate is currently closed by a pause
func (s *State) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused && !s.stopping
}

// Stopping reports whether a stop has been requested
func (s *State) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// pause closes the gate. ok is false when the run is stopping; changed is
// false when the run was already paused.
func (s *State) pause() (ok, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false, false
	}
	if s.paused {
		return true, false
	}
	s.paused = true
	s.gate = make(chan struct{})
	return true, true
}

func (s *State) resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || !s.paused {
		return false
	}
	s.paused = false
	close(s.gate)
	return true
}

// stop latches stopping and force-opens the gate. Reports whether this call
// performed the transition.
func (s *State) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}
	if s.paused {
		close(s.gate)
	}
	s.stopping = true
	return true
}

// WaitIfPaused blocks while the gate is closed. It returns false when the run
// is stopping or ctx ends while blocked, true otherwise.
func (s *State) WaitIfPaused(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return false
		}
		if !s.paused {
			s.mu.Unlock()
			return true
		}
		gate := s.gate
		s.mu.Unlock()

		select {
		case <-gate:
			// Re-check: the gate may have been opened by a stop, or closed
			// again by a pause that raced the wakeup.
		case <-ctx.Done():
			return false
		}
	}
}

func (s *State) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ExecutionID: s.executionID,
		Paused:      s.paused && !s.stopping,
		Stopping:    s.stopping,
	}
}
