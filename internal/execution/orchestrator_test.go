package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/control"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/execution"
	"github.com/HyphaGroup/vigil/internal/screencast"
	"github.com/HyphaGroup/vigil/internal/testutil"
)

type harness struct {
	controls *control.Registry
	hub      *broadcast.Hub
	streams  *screencast.Manager
	orch     *execution.Orchestrator
}

func newHarness(t *testing.T, opts ...execution.Option) *harness {
	t.Helper()
	h := &harness{
		controls: control.NewRegistry(),
		hub:      broadcast.NewHub(),
		streams:  screencast.NewManager(nil),
	}
	opts = append([]execution.Option{execution.WithScreenshotInterval(0)}, opts...)
	h.orch = execution.NewOrchestrator(h.controls, h.hub, h.streams, opts...)
	t.Cleanup(func() {
		h.orch.Close()
		h.streams.Close()
	})
	return h
}

// begin registers req and subscribes a recording sink before the loop starts
func (h *harness) begin(t *testing.T, req execution.Request) (*execution.Handle, *testutil.RecordingSink) {
	t.Helper()
	run, err := h.orch.Begin(req)
	require.NoError(t, err)
	sink := testutil.NewRecordingSink()
	require.NoError(t, h.hub.Join(req.ExecutionID, sink))
	return run, sink
}

func (h *harness) assertReleased(t *testing.T, id string) {
	t.Helper()
	assert.False(t, h.hub.Has(id), "hub entry released")
	_, ok := h.controls.Snapshot(id)
	assert.False(t, ok, "control state released")
	assert.False(t, h.streams.Status(id).Available, "frame source released")
	_, ok = h.orch.Tracker().Get(id)
	assert.False(t, ok, "tracker entry removed")
}

func executeAsync(ctx context.Context, run *execution.Handle) <-chan *execution.Outcome {
	done := make(chan *execution.Outcome, 1)
	go func() {
		done <- run.Execute(ctx)
	}()
	return done
}

func awaitOutcome(t *testing.T, done <-chan *execution.Outcome) *execution.Outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
		return nil
	}
}

func stepNumbers(sink *testutil.RecordingSink, status event.StepStatus) []int {
	var out []int
	for _, rec := range sink.OfType(event.TypeStepUpdate) {
		if rec.Step.Status == status {
			out = append(out, rec.Step.StepNumber)
		}
	}
	return out
}

func TestOrchestrator_RunCompletes(t *testing.T) {
	h := newHarness(t)
	drv := &testutil.ScriptedDriver{DoneAt: 3}
	run, sink := h.begin(t, execution.Request{ExecutionID: "exec-ok", StepBudget: 5, Driver: drv})

	out := run.Execute(context.Background())

	assert.Equal(t, execution.StatusCompleted, out.Status)
	assert.Equal(t, execution.ReasonCompleted, out.Reason)
	assert.NoError(t, out.Err)
	assert.Equal(t, 3, out.StepsCompleted)
	assert.Equal(t, 3, drv.Calls())
	assert.True(t, drv.Closed(), "driver closed on teardown")
	assert.False(t, out.FinishedAt.Before(out.StartedAt))

	records := sink.Records()
	require.NotEmpty(t, records)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Seq, "records arrive in sequence order")
	}
	last := records[len(records)-1]
	require.Equal(t, event.TypeExecutionComplete, last.Type)
	assert.Equal(t, "completed", last.Complete.Status)
	assert.Equal(t, 3, last.Complete.StepsCompleted)
	assert.Equal(t, 1, sink.Count(event.TypeExecutionComplete))

	assert.Equal(t, []int{1, 2, 3}, stepNumbers(sink, event.StepCompleted))
	progress := sink.OfType(event.TypeProgressUpdate)
	require.Len(t, progress, 3)
	assert.Equal(t, 60.0, progress[2].Progress.Percentage)

	h.assertReleased(t, "exec-ok")
	assert.Same(t, out, run.Outcome())
}

func TestOrchestrator_PauseHoldsAtStepBoundary(t *testing.T) {
	h := newHarness(t)
	id := "exec-pause"
	drv := &testutil.ScriptedDriver{
		OnStep: func(ctx context.Context, step int) (*execution.StepResult, error) {
			if step == 2 {
				h.controls.Pause(id)
			}
			return &execution.StepResult{ActionType: "click", Done: step == 5}, nil
		},
	}
	run, sink := h.begin(t, execution.Request{ExecutionID: id, StepBudget: 5, Driver: drv})
	done := executeAsync(context.Background(), run)

	testutil.WaitFor(t, time.Second, func() bool {
		exec, ok := h.orch.Tracker().Get(id)
		return ok && exec.StepCount == 2
	}, "step 2 to complete")

	// Nothing past the boundary may run while paused.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, drv.Calls())
	assert.Equal(t, []int{1, 2}, stepNumbers(sink, event.StepRunning))
	exec, _ := h.orch.Tracker().Get(id)
	assert.Equal(t, execution.StatusPaused, exec.Status)

	require.True(t, h.controls.Resume(id))
	out := awaitOutcome(t, done)

	assert.Equal(t, execution.StatusCompleted, out.Status)
	assert.Equal(t, 5, out.StepsCompleted)
	assert.Equal(t, 5, drv.Calls())

	var actions []string
	for _, rec := range sink.OfType(event.TypeControlUpdate) {
		actions = append(actions, rec.Control.Action)
	}
	assert.Equal(t, []string{"paused", "resumed"}, actions)
	h.assertReleased(t, id)
}

func TestOrchestrator_StopWhilePaused(t *testing.T) {
	h := newHarness(t)
	id := "exec-stop-paused"
	drv := &testutil.ScriptedDriver{
		OnStep: func(ctx context.Context, step int) (*execution.StepResult, error) {
			if step == 2 {
				h.controls.Pause(id)
			}
			return &execution.StepResult{}, nil
		},
	}
	run, sink := h.begin(t, execution.Request{ExecutionID: id, StepBudget: 5, Driver: drv})
	done := executeAsync(context.Background(), run)

	testutil.WaitFor(t, time.Second, func() bool {
		exec, ok := h.orch.Tracker().Get(id)
		return ok && exec.Status == execution.StatusPaused && exec.StepCount == 2
	}, "run to pause")

	require.True(t, h.controls.Stop(id))
	out := awaitOutcome(t, done)

	assert.Equal(t, execution.StatusStopped, out.Status)
	assert.Equal(t, execution.ReasonStopped, out.Reason)
	assert.NoError(t, out.Err, "a stop is not a failure")
	assert.Equal(t, 2, out.StepsCompleted)
	assert.Equal(t, 2, drv.Calls())

	complete := sink.OfType(event.TypeExecutionComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "stopped", complete[0].Complete.Status)
	h.assertReleased(t, id)
}

func TestOrchestrator_StopWhileRunning(t *testing.T) {
	h := newHarness(t)
	id := "exec-stop"
	drv := &testutil.ScriptedDriver{
		OnStep: func(ctx context.Context, step int) (*execution.StepResult, error) {
			h.controls.Stop(id)
			return &execution.StepResult{}, nil
		},
	}

	out, err := h.orch.Run(context.Background(), execution.Request{ExecutionID: id, StepBudget: 5, Driver: drv})
	require.NoError(t, err)

	assert.Equal(t, execution.StatusStopped, out.Status)
	assert.Equal(t, 1, out.StepsCompleted, "the in-flight step finishes before the stop is honored")
	assert.Equal(t, 1, drv.Calls())
}

func TestOrchestrator_TimeoutOutranksLatchedStop(t *testing.T) {
	h := newHarness(t)
	id := "exec-stop-timeout"
	drv := &testutil.ScriptedDriver{
		OnStep: func(ctx context.Context, step int) (*execution.StepResult, error) {
			h.controls.Stop(id)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	run, sink := h.begin(t, execution.Request{
		ExecutionID: id,
		StepBudget:  5,
		Timeout:     50 * time.Millisecond,
		Driver:      drv,
	})

	out := awaitOutcome(t, executeAsync(context.Background(), run))

	assert.Equal(t, execution.StatusFailed, out.Status)
	assert.Equal(t, execution.ReasonTimeout, out.Reason)
	assert.ErrorIs(t, out.Err, execution.ErrTimeout)

	complete := sink.OfType(event.TypeExecutionComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, string(execution.ReasonTimeout), complete[0].Complete.Reason)
	h.assertReleased(t, id)
}

func TestOrchestrator_TerminalPaths(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		budget  int
		timeout time.Duration
		step    testutil.StepFunc
		cancel  bool
		status  execution.Status
		reason  execution.Reason
		steps   int
		wantErr error
	}{
		{
			name:    "budget exceeded",
			budget:  2,
			status:  execution.StatusFailed,
			reason:  execution.ReasonBudgetExceeded,
			steps:   2,
			wantErr: execution.ErrBudgetExceeded,
		},
		{
			name:   "driver error",
			budget: 5,
			step: func(ctx context.Context, step int) (*execution.StepResult, error) {
				if step == 2 {
					return nil, boom
				}
				return &execution.StepResult{}, nil
			},
			status:  execution.StatusFailed,
			reason:  execution.ReasonDriverError,
			steps:   1,
			wantErr: boom,
		},
		{
			name:   "driver panic",
			budget: 5,
			step: func(ctx context.Context, step int) (*execution.StepResult, error) {
				panic("driver exploded")
			},
			status: execution.StatusFailed,
			reason: execution.ReasonDriverError,
			steps:  0,
		},
		{
			name:    "timeout",
			budget:  5,
			timeout: 50 * time.Millisecond,
			step: func(ctx context.Context, step int) (*execution.StepResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			status:  execution.StatusFailed,
			reason:  execution.ReasonTimeout,
			steps:   0,
			wantErr: execution.ErrTimeout,
		},
		{
			name:   "canceled",
			budget: 5,
			cancel: true,
			status: execution.StatusStopped,
			reason: execution.ReasonCanceled,
			steps:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := "exec-terminal"
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			step := tt.step
			if tt.cancel {
				step = func(_ context.Context, n int) (*execution.StepResult, error) {
					if n == 2 {
						cancel()
					}
					return &execution.StepResult{}, nil
				}
			}
			drv := &testutil.ScriptedDriver{OnStep: step}
			run, sink := h.begin(t, execution.Request{
				ExecutionID: id,
				StepBudget:  tt.budget,
				Timeout:     tt.timeout,
				Driver:      drv,
			})

			out := run.Execute(ctx)

			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, tt.steps, out.StepsCompleted)
			if tt.wantErr != nil {
				assert.ErrorIs(t, out.Err, tt.wantErr)
			}
			if tt.status == execution.StatusFailed {
				require.Error(t, out.Err)
				assert.NotEmpty(t, out.Error)
			} else {
				assert.NoError(t, out.Err)
			}

			complete := sink.OfType(event.TypeExecutionComplete)
			require.Len(t, complete, 1, "exactly one completion record")
			assert.Equal(t, string(tt.reason), complete[0].Complete.Reason)
			assert.True(t, drv.Closed())
			h.assertReleased(t, id)
		})
	}
}

func TestOrchestrator_DriverErrorIsTyped(t *testing.T) {
	h := newHarness(t)
	drv := &testutil.ScriptedDriver{
		OnStep: func(ctx context.Context, step int) (*execution.StepResult, error) {
			return nil, errors.New("element not found")
		},
	}

	out, err := h.orch.Run(context.Background(), execution.Request{ExecutionID: "exec-derr", StepBudget: 3, Driver: drv})
	require.NoError(t, err)

	var derr *execution.DriverError
	require.ErrorAs(t, out.Err, &derr)
	assert.Equal(t, 1, derr.Step)
	assert.Contains(t, out.Error, "element not found")
}

func TestOrchestrator_BeginRejects(t *testing.T) {
	h := newHarness(t, execution.WithTracker(execution.NewTracker(1)))
	drv := &testutil.ScriptedDriver{}

	_, err := h.orch.Begin(execution.Request{StepBudget: 1, Driver: drv})
	assert.ErrorIs(t, err, execution.ErrInvalidRequest)

	_, err = h.orch.Begin(execution.Request{ExecutionID: "x", StepBudget: 0, Driver: drv})
	assert.ErrorIs(t, err, execution.ErrInvalidRequest)

	_, err = h.orch.Begin(execution.Request{ExecutionID: "x", StepBudget: 1})
	assert.ErrorIs(t, err, execution.ErrInvalidRequest)

	first, err := h.orch.Begin(execution.Request{ExecutionID: "exec-a", StepBudget: 1, Driver: drv})
	require.NoError(t, err)

	_, err = h.orch.Begin(execution.Request{ExecutionID: "exec-a", StepBudget: 1, Driver: drv})
	assert.ErrorIs(t, err, control.ErrAlreadyRegistered)

	_, err = h.orch.Begin(execution.Request{ExecutionID: "exec-b", StepBudget: 1, Driver: drv})
	assert.ErrorIs(t, err, execution.ErrTooManyRuns)
	_, ok := h.controls.Snapshot("exec-b")
	assert.False(t, ok, "rejected run leaves no control state")

	first.Execute(context.Background())
	assert.Equal(t, 0, h.controls.Len())
}

func TestOrchestrator_RegistersFrameSource(t *testing.T) {
	h := newHarness(t)
	id := "exec-cast"
	var availableDuringRun bool
	drv := &testutil.ScriptedDriver{Source: testutil.NewFrameSource()}
	drv.OnStep = func(ctx context.Context, step int) (*execution.StepResult, error) {
		availableDuringRun = h.streams.Status(id).Available
		return &execution.StepResult{Done: true}, nil
	}

	_, err := h.orch.Run(context.Background(), execution.Request{ExecutionID: id, StepBudget: 1, Driver: drv})
	require.NoError(t, err)

	assert.True(t, availableDuringRun)
	h.assertReleased(t, id)
}

func TestOrchestrator_ScreenshotPoller(t *testing.T) {
	h := newHarness(t, execution.WithScreenshotInterval(10*time.Millisecond))
	id := "exec-poll"
	drv := &testutil.ScriptedDriver{Shot: []byte{0x89, 'P', 'N', 'G'}}
	drv.OnStep = func(ctx context.Context, step int) (*execution.StepResult, error) {
		deadline := time.Now().Add(time.Second)
		for drv.Shots() < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		return &execution.StepResult{Done: true}, nil
	}
	run, sink := h.begin(t, execution.Request{ExecutionID: id, StepBudget: 1, Driver: drv})

	run.Execute(context.Background())

	shots := sink.OfType(event.TypeScreenshotUpdate)
	require.GreaterOrEqual(t, len(shots), 2)
	assert.Equal(t, "png", shots[0].Screenshot.Format)

	polled := drv.Shots()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polled, drv.Shots(), "poller stops with the run")
}

func TestOrchestrator_LateObserverSeesCachedState(t *testing.T) {
	h := newHarness(t)
	id := "exec-late"
	joined := make(chan *testutil.RecordingSink, 1)
	drv := &testutil.ScriptedDriver{}
	drv.OnStep = func(ctx context.Context, step int) (*execution.StepResult, error) {
		if step == 3 {
			late := testutil.NewRecordingSink()
			if err := h.hub.Join(id, late); err != nil {
				return nil, err
			}
			joined <- late
		}
		return &execution.StepResult{
			Screenshot:       []byte{byte(step)},
			ScreenshotFormat: "png",
			Logs:             []string{"working"},
			Done:             step == 3,
		}, nil
	}

	_, err := h.orch.Run(context.Background(), execution.Request{ExecutionID: id, StepBudget: 3, Driver: drv})
	require.NoError(t, err)

	late := <-joined
	records := late.Records()
	require.NotEmpty(t, records)
	require.Equal(t, event.TypeScreenshotUpdate, records[0].Type, "replay starts with the latest screenshot")
	assert.Equal(t, []byte{2}, records[0].Screenshot.Data)
	assert.Equal(t, event.TypeExecutionComplete, records[len(records)-1].Type)
	assert.Equal(t, 1, late.Count(event.TypeStepUpdate), "only the step completed after the join is delivered")
}

type fakeRecorder struct {
	mu       sync.Mutex
	fail     error
	starts   int
	steps    []event.StepUpdate
	outcomes []*execution.Outcome
}

func (r *fakeRecorder) RecordStart(ctx context.Context, exec execution.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return r.fail
}

func (r *fakeRecorder) RecordStep(ctx context.Context, id string, step event.StepUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	return r.fail
}

func (r *fakeRecorder) RecordOutcome(ctx context.Context, out *execution.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
	return r.fail
}

func TestOrchestrator_Recorder(t *testing.T) {
	for _, fail := range []error{nil, errors.New("disk full")} {
		rec := &fakeRecorder{fail: fail}
		h := newHarness(t, execution.WithRecorder(rec))

		out, err := h.orch.Run(context.Background(), execution.Request{
			ExecutionID: "exec-rec",
			StepBudget:  3,
			Driver:      &testutil.ScriptedDriver{DoneAt: 2},
		})
		require.NoError(t, err)

		assert.Equal(t, execution.StatusCompleted, out.Status, "recorder failures never fail a run")
		assert.Equal(t, 1, rec.starts)
		assert.Len(t, rec.steps, 2)
		require.Len(t, rec.outcomes, 1)
		assert.Same(t, out, rec.outcomes[0])
	}
}
