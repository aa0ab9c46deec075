package execution

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/metrics"
)

// Execution is the live view of one run
type Execution struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	StepCount  int       `json:"step_count"`
	StepBudget int       `json:"step_budget"`
	Deadline   time.Time `json:"deadline,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Driver     string    `json:"driver,omitempty"`
}

// Tracker indexes the executions currently running in this process
type Tracker struct {
	mu        sync.RWMutex
	runs      map[string]*Execution
	maxActive int
}

// NewTracker creates a tracker. maxActive <= 0 means unlimited.
func NewTracker(maxActive int) *Tracker {
	return &Tracker{
		runs:      make(map[string]*Execution),
		maxActive: maxActive,
	}
}

// Add registers exec as running
func (t *Tracker) Add(exec Execution) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.runs[exec.ID]; exists {
		return fmt.Errorf("execution %s is already tracked", exec.ID)
	}
	if t.maxActive > 0 && len(t.runs) >= t.maxActive {
		logger.Error("Execution %s rejected: max concurrent executions (%d) reached", exec.ID, t.maxActive)
		return fmt.Errorf("%w: limit is %d", ErrTooManyRuns, t.maxActive)
	}

	t.runs[exec.ID] = &exec
	metrics.RecordExecutionStart()
	logger.Info("Execution registered: %s (budget: %d, driver: %s)", exec.ID, exec.StepBudget, exec.Driver)
	return nil
}

// Get returns a copy of the execution
func (t *Tracker) Get(id string) (Execution, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	exec, ok := t.runs[id]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// SetStatus updates the status of a tracked execution. Terminal executions
// keep their status.
func (t *Tracker) SetStatus(id string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if exec, ok := t.runs[id]; ok && !exec.Status.Terminal() {
		exec.Status = status
	}
}

// SetStepCount records the number of completed steps
func (t *Tracker) SetStepCount(id string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if exec, ok := t.runs[id]; ok {
		exec.StepCount = n
	}
}

// Remove forgets an execution and records its duration
func (t *Tracker) Remove(id string, outcome *Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	exec, ok := t.runs[id]
	if !ok {
		return
	}
	delete(t.runs, id)

	status, reason := string(exec.Status), ""
	if outcome != nil {
		status, reason = string(outcome.Status), string(outcome.Reason)
	}
	metrics.RecordExecutionEnd(status, reason, time.Since(exec.StartedAt).Seconds())
	logger.Info("Execution removed: %s (status: %s, steps: %d)", id, status, exec.StepCount)
}

// List returns all tracked executions, oldest first
func (t *Tracker) List() []Execution {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Execution, 0, len(t.runs))
	for _, exec := range t.runs {
		out = append(out, *exec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Count returns the number of tracked executions
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.runs)
}
