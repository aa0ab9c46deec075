package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/control"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/metrics"
	"github.com/HyphaGroup/vigil/internal/screencast"
)

// DriverFactory builds a driver from caller-supplied parameters
type DriverFactory func(params json.RawMessage) (Driver, error)

// Defaults fill in fields a StartRequest leaves empty
type Defaults struct {
	StepBudget  int
	StepTimeout time.Duration
}

// StartRequest asks the service to launch a run in the background
type StartRequest struct {
	ExecutionID    string          `json:"execution_id,omitempty"`
	Driver         string          `json:"driver"`
	Params         json.RawMessage `json:"params,omitempty"`
	StepBudget     int             `json:"step_budget,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// View is the combined live state of an execution
type View struct {
	Execution  Execution            `json:"execution"`
	Control    control.Snapshot     `json:"control"`
	Screencast screencast.Status    `json:"screencast"`
	Cache      broadcast.CacheStats `json:"cache"`
	Observers  int                  `json:"observers"`
}

// Service launches runs in the background and exposes the control API
type Service struct {
	orch     *Orchestrator
	controls *control.Registry
	hub      *broadcast.Hub
	streams  *screencast.Manager
	defaults Defaults

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	drivers map[string]DriverFactory
	handles map[string]*Handle
	recent  map[string]*Outcome
	order   []string
}

// recentOutcomes bounds how many finished outcomes Wait can still return
const recentOutcomes = 256

// NewService creates a service around orch
func NewService(orch *Orchestrator, defaults Defaults) *Service {
	if defaults.StepBudget <= 0 {
		defaults.StepBudget = 20
	}
	if defaults.StepTimeout <= 0 {
		defaults.StepTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:     orch,
		controls: orch.controls,
		hub:      orch.hub,
		streams:  orch.streams,
		defaults: defaults,
		ctx:      ctx,
		cancel:   cancel,
		drivers:  make(map[string]DriverFactory),
		handles:  make(map[string]*Handle),
		recent:   make(map[string]*Outcome),
	}
}

// RegisterDriver makes a driver available to Start under name
func (s *Service) RegisterDriver(name string, factory DriverFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[name] = factory
}

// Drivers returns the registered driver names
func (s *Service) Drivers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.drivers))
	for name := range s.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hub returns the live event hub
func (s *Service) Hub() *broadcast.Hub {
	return s.hub
}

// Screencasts returns the screencast manager
func (s *Service) Screencasts() *screencast.Manager {
	return s.streams
}

// Start launches a run in the background. The deadline defaults to the step
// budget multiplied by the per-step timeout.
func (s *Service) Start(req StartRequest) (Execution, error) {
	s.mu.RLock()
	factory, ok := s.drivers[req.Driver]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Execution{}, ErrServiceClosed
	}
	if !ok {
		return Execution{}, fmt.Errorf("%w: %q", ErrUnknownDriver, req.Driver)
	}

	driver, err := factory(req.Params)
	if err != nil {
		return Execution{}, fmt.Errorf("failed to create %s driver: %w", req.Driver, err)
	}

	id := req.ExecutionID
	if id == "" {
		id = "exec_" + uuid.New().String()[:8]
	}
	budget := req.StepBudget
	if budget <= 0 {
		budget = s.defaults.StepBudget
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(budget) * s.defaults.StepTimeout
	}

	h, err := s.orch.Begin(Request{
		ExecutionID: id,
		StepBudget:  budget,
		Timeout:     timeout,
		Driver:      driver,
		DriverName:  req.Driver,
	})
	if err != nil {
		closeDriver(driver, req.Driver)
		return Execution{}, err
	}

	exec, _ := s.orch.tracker.Get(id)

	// wg.Add happens under mu so Close cannot start waiting in between
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// s.ctx is already canceled, so this only tears the run down
		h.Execute(s.ctx)
		return Execution{}, ErrServiceClosed
	}
	s.handles[id] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.retire(id, h.Execute(s.ctx))
	}()

	return exec, nil
}

// closeDriver releases a driver that never got to run
func closeDriver(d Driver, name string) {
	closer, ok := d.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.WarnContext(context.Background(), "failed to close unused driver", "driver", name, "error", err)
	}
}

// retire moves a finished run from the live handles to the recent outcomes
func (s *Service) retire(id string, outcome *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handles, id)
	if _, seen := s.recent[id]; !seen {
		s.order = append(s.order, id)
	}
	s.recent[id] = outcome
	for len(s.order) > recentOutcomes {
		delete(s.recent, s.order[0])
		s.order = s.order[1:]
	}
}

// Outcome returns the outcome of a recently finished run
func (s *Service) Outcome(id string) (*Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if out, ok := s.recent[id]; ok {
		return out, true
	}
	if h, ok := s.handles[id]; ok {
		select {
		case <-h.Done():
			return h.Outcome(), true
		default:
		}
	}
	return nil, false
}

// Wait blocks until the run started under id finishes and returns its
// outcome. Recently finished runs return immediately.
func (s *Service) Wait(ctx context.Context, id string) (*Outcome, error) {
	s.mu.RLock()
	h, ok := s.handles[id]
	out, finished := s.recent[id]
	s.mu.RUnlock()
	if finished && !ok {
		return out, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-h.Done():
		return h.Outcome(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause suspends id at its next step boundary
func (s *Service) Pause(id string) bool {
	ok := s.controls.Pause(id)
	metrics.RecordControlCommand(string(control.CommandPaused), ok)
	return ok
}

// Resume lets a paused id continue
func (s *Service) Resume(id string) bool {
	ok := s.controls.Resume(id)
	metrics.RecordControlCommand(string(control.CommandResumed), ok)
	return ok
}

// Stop asks id to end at its next step boundary
func (s *Service) Stop(id string) bool {
	ok := s.controls.Stop(id)
	metrics.RecordControlCommand(string(control.CommandStopping), ok)
	return ok
}

// Get returns the combined live view of id
func (s *Service) Get(id string) (View, bool) {
	exec, ok := s.orch.tracker.Get(id)
	if !ok {
		return View{}, false
	}

	v := View{
		Execution:  exec,
		Screencast: s.streams.Status(id),
		Observers:  s.hub.Subscribers(id),
	}
	v.Control, _ = s.controls.Snapshot(id)
	v.Cache, _ = s.hub.Stats(id)
	return v, true
}

// List returns the executions running in this process
func (s *Service) List() []Execution {
	return s.orch.tracker.List()
}

// Running reports whether id is running in this process
func (s *Service) Running(id string) bool {
	_, ok := s.orch.tracker.Get(id)
	return ok
}

// Close stops accepting work, cancels every run, and waits for their teardown
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.orch.Close()
	logger.Info("Execution service closed")
}
