// Package execution drives the step loop of a run and owns the teardown of
// every piece of per-execution state when the run ends.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/control"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/metrics"
	"github.com/HyphaGroup/vigil/internal/screencast"
)

// DefaultScreenshotInterval is how often drivers implementing Screenshotter
// are polled for a fresh frame
const DefaultScreenshotInterval = time.Second

// Orchestrator runs executions against the control registry, broadcast hub
// and screencast manager
type Orchestrator struct {
	controls *control.Registry
	hub      *broadcast.Hub
	streams  *screencast.Manager
	tracker  *Tracker
	recorder Recorder

	screenshotInterval time.Duration
	listenerID         control.ListenerID
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRecorder persists run history through r
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithTracker uses t as the index of running executions
func WithTracker(t *Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = t
	}
}

// WithScreenshotInterval sets the screenshot poll interval; zero disables polling
func WithScreenshotInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.screenshotInterval = d
	}
}

// NewOrchestrator creates an orchestrator and subscribes it to control
// transitions so they reach observers as control_update records
func NewOrchestrator(controls *control.Registry, hub *broadcast.Hub, streams *screencast.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		controls:           controls,
		hub:                hub,
		streams:            streams,
		screenshotInterval: DefaultScreenshotInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = NewTracker(0)
	}
	o.listenerID = controls.AddListener(control.ListenerFunc(o.onControl))
	return o
}

// Close detaches the orchestrator from the control registry
func (o *Orchestrator) Close() {
	o.controls.RemoveListener(o.listenerID)
}

// Tracker returns the index of running executions
func (o *Orchestrator) Tracker() *Tracker {
	return o.tracker
}

func (o *Orchestrator) onControl(executionID string, cmd control.Command) {
	switch cmd {
	case control.CommandPaused:
		o.tracker.SetStatus(executionID, StatusPaused)
	case control.CommandResumed:
		o.tracker.SetStatus(executionID, StatusRunning)
	case control.CommandStopping:
		o.tracker.SetStatus(executionID, StatusStopping)
	}
	if o.hub.Has(executionID) {
		o.hub.Publish(executionID, event.NewControlUpdate(executionID, string(cmd)))
	}
}

// Run executes req to completion and returns its terminal outcome. The error
// is non-nil only when the run could not be started.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	r, err := o.Begin(req)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx), nil
}

// Handle is a registered run that has not necessarily started executing
type Handle struct {
	o       *Orchestrator
	req     Request
	started time.Time

	once    sync.Once
	done    chan struct{}
	outcome *Outcome
}

// Begin validates req and registers its control state. The returned handle
// must be executed, or the registration leaks.
func (o *Orchestrator) Begin(req Request) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := o.controls.Register(req.ExecutionID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := Execution{
		ID:         req.ExecutionID,
		Status:     StatusPending,
		StepBudget: req.StepBudget,
		StartedAt:  now,
		Driver:     req.DriverName,
	}
	if req.Timeout > 0 {
		exec.Deadline = now.Add(req.Timeout)
	}
	if err := o.tracker.Add(exec); err != nil {
		o.controls.Release(req.ExecutionID)
		return nil, err
	}
	// the id may belong to an earlier run whose stream was released
	o.hub.Open(req.ExecutionID)

	return &Handle{
		o:       o,
		req:     req,
		started: now,
		done:    make(chan struct{}),
	}, nil
}

// ID returns the execution id
func (h *Handle) ID() string {
	return h.req.ExecutionID
}

// Done is closed once the run has been torn down
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal outcome, or nil while the run is in progress
func (h *Handle) Outcome() *Outcome {
	select {
	case <-h.done:
		return h.outcome
	default:
		return nil
	}
}

// Execute runs the step loop. Every exit path publishes one
// execution_complete record and releases all per-execution state.
func (h *Handle) Execute(ctx context.Context) *Outcome {
	h.once.Do(func() {
		h.outcome = h.execute(ctx)
		close(h.done)
	})
	<-h.done
	return h.outcome
}

func (h *Handle) execute(ctx context.Context) (outcome *Outcome) {
	o, req := h.o, h.req
	id := req.ExecutionID
	ctx = logger.ContextWithExecutionID(ctx, id)

	defer func() {
		if outcome == nil {
			outcome = h.newOutcome(StatusFailed, ReasonDriverError, errors.New("run aborted"), 0)
		}
		o.finish(ctx, req, outcome)
	}()

	if p, ok := req.Driver.(FrameSourceProvider); ok {
		if src := p.FrameSource(); src != nil {
			if err := o.streams.RegisterSource(id, src); err != nil {
				logger.WarnContext(ctx, "live view disabled", "error", err)
			}
		}
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	o.tracker.SetStatus(id, StatusRunning)
	if o.recorder != nil {
		if exec, ok := o.tracker.Get(id); ok {
			if err := o.recorder.RecordStart(context.WithoutCancel(ctx), exec); err != nil {
				logger.ErrorContext(ctx, "failed to record execution start", "error", err)
			}
		}
	}
	o.hub.Publish(id, event.NewLog(id, event.LevelInfo, fmt.Sprintf("execution started (budget: %d steps)", req.StepBudget)))
	logger.InfoContext(ctx, "execution started", "step_budget", req.StepBudget, "timeout", req.Timeout)

	stopPoller := o.startPoller(runCtx, req)
	defer stopPoller()

	outcome = h.loop(runCtx)
	stopPoller()
	return outcome
}

func (h *Handle) newOutcome(status Status, reason Reason, err error, steps int) *Outcome {
	out := &Outcome{
		ExecutionID:    h.req.ExecutionID,
		Status:         status,
		Reason:         reason,
		Err:            err,
		StepsCompleted: steps,
		StepBudget:     h.req.StepBudget,
		StartedAt:      h.started,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// interrupted classifies a run that can no longer proceed because it was
// stopped or its context ended. An expired deadline is a failure and is
// reported ahead of a latched stop.
func (h *Handle) interrupted(ctx context.Context, steps int) *Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return h.newOutcome(StatusFailed, ReasonTimeout, fmt.Errorf("%w after %v", ErrTimeout, h.req.Timeout), steps)
	}
	if snap, ok := h.o.controls.Snapshot(h.req.ExecutionID); ok && snap.Stopping {
		return h.newOutcome(StatusStopped, ReasonStopped, nil, steps)
	}
	return h.newOutcome(StatusStopped, ReasonCanceled, nil, steps)
}

func (h *Handle) loop(ctx context.Context) *Outcome {
	o, req := h.o, h.req
	id := req.ExecutionID
	steps := 0

	for {
		if !o.controls.WaitIfPaused(ctx, id) || ctx.Err() != nil {
			return h.interrupted(ctx, steps)
		}
		if steps >= req.StepBudget {
			return h.newOutcome(StatusFailed, ReasonBudgetExceeded,
				fmt.Errorf("%w: %d of %d steps used", ErrBudgetExceeded, steps, req.StepBudget), steps)
		}

		n := steps + 1
		o.hub.Publish(id, event.NewStepUpdate(id, event.StepUpdate{StepNumber: n, Status: event.StepRunning}))

		started := time.Now()
		res, err := callStep(ctx, req.Driver, n)
		elapsed := time.Since(started)

		if err != nil {
			update := event.StepUpdate{
				StepNumber:   n,
				Status:       event.StepFailed,
				DurationMS:   elapsed.Milliseconds(),
				ErrorMessage: err.Error(),
			}
			o.hub.Publish(id, event.NewStepUpdate(id, update))
			o.hub.Publish(id, event.NewLog(id, event.LevelError, fmt.Sprintf("step %d failed: %v", n, err)))
			o.recordStep(ctx, id, update)
			metrics.RecordStep(string(event.StepFailed))

			if ctx.Err() != nil {
				return h.interrupted(ctx, steps)
			}
			return h.newOutcome(StatusFailed, ReasonDriverError, &DriverError{Step: n, Err: err}, steps)
		}

		steps = n
		o.tracker.SetStepCount(id, steps)

		update := event.StepUpdate{
			StepNumber:  n,
			ActionType:  res.ActionType,
			Description: res.Description,
			Status:      event.StepCompleted,
			DurationMS:  elapsed.Milliseconds(),
		}
		o.hub.Publish(id, event.NewStepUpdate(id, update))
		for _, line := range res.Logs {
			o.hub.Publish(id, event.NewLog(id, event.LevelInfo, line))
		}
		if len(res.Screenshot) > 0 {
			o.hub.Publish(id, event.NewScreenshot(id, res.Screenshot, res.ScreenshotFormat))
		}
		o.hub.Publish(id, event.NewProgress(id, steps, req.StepBudget))
		o.recordStep(ctx, id, update)
		metrics.RecordStep(string(event.StepCompleted))

		if res.Done {
			out := h.newOutcome(StatusCompleted, ReasonCompleted, nil, steps)
			out.Result = res.Result
			return out
		}
	}
}

// callStep runs one driver step, converting a panic into an error
func callStep(ctx context.Context, d Driver, n int) (res *StepResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("driver panic: %v", rec)
		}
	}()

	res, err = d.Step(ctx, n)
	if err == nil && res == nil {
		res = &StepResult{}
	}
	return res, err
}

func (o *Orchestrator) recordStep(ctx context.Context, id string, update event.StepUpdate) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordStep(context.WithoutCancel(ctx), id, update); err != nil {
		logger.ErrorContext(ctx, "failed to record step", "step", update.StepNumber, "error", err)
	}
}

// finish publishes the terminal record and then releases, unconditionally,
// the control state, the frame source, and the hub entry of the run
func (o *Orchestrator) finish(ctx context.Context, req Request, outcome *Outcome) {
	id := req.ExecutionID
	outcome.FinishedAt = time.Now().UTC()

	level := event.LevelInfo
	if outcome.Status == StatusFailed {
		level = event.LevelError
	}
	o.hub.Publish(id, event.NewLog(id, level, fmt.Sprintf("execution %s (%s)", outcome.Status, outcome.Reason)))
	o.hub.Publish(id, event.NewCompletion(id, outcome.completion()))

	o.controls.Release(id)
	o.streams.UnregisterSource(id)
	o.hub.Release(id)

	if closer, ok := req.Driver.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close driver", "error", err)
		}
	}

	o.tracker.Remove(id, outcome)

	if o.recorder != nil {
		if err := o.recorder.RecordOutcome(context.WithoutCancel(ctx), outcome); err != nil {
			logger.ErrorContext(ctx, "failed to record outcome", "error", err)
		}
	}

	logger.InfoContext(ctx, "execution finished",
		"status", outcome.Status,
		"reason", outcome.Reason,
		"steps", outcome.StepsCompleted,
		"duration", outcome.Duration())
}
