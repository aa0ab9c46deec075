package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/screencast"
)

// Status is the lifecycle state of an execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed
}

// Reason distinguishes why an execution ended
type Reason string

const (
	ReasonCompleted      Reason = "completed"
	ReasonStopped        Reason = "stopped"
	ReasonCanceled       Reason = "canceled"
	ReasonBudgetExceeded Reason = "budget_exceeded"
	ReasonTimeout        Reason = "timeout"
	ReasonDriverError    Reason = "driver_error"
)

var (
	// ErrStopped marks a run that honored a stop request. It is never set as
	// Outcome.Err since a stop is not a failure.
	ErrStopped        = errors.New("execution stopped")
	ErrBudgetExceeded = errors.New("step budget exceeded")
	ErrTimeout        = errors.New("execution timed out")
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrTooManyRuns    = errors.New("too many concurrent executions")
	ErrUnknownDriver  = errors.New("unknown driver")
	ErrNotFound       = errors.New("execution not found")
	ErrServiceClosed  = errors.New("execution service closed")
)

// DriverError wraps a failure reported by the step driver
type DriverError struct {
	Step int
	Err  error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("step %d failed: %v", e.Step, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// StepResult is what a driver reports for one completed unit of work
type StepResult struct {
	ActionType       string
	Description      string
	Screenshot       []byte
	ScreenshotFormat string
	Logs             []string
	// Done ends the run as completed after this step
	Done   bool
	Result string
}

// Driver executes the opaque units of work of a run
type Driver interface {
	Step(ctx context.Context, step int) (*StepResult, error)
}

// FrameSourceProvider is implemented by drivers that own a live surface
// which can be screencast
type FrameSourceProvider interface {
	FrameSource() screencast.Source
}

// Screenshotter is implemented by drivers that can capture a still frame
// on demand. It feeds the interval screenshot poller.
type Screenshotter interface {
	Screenshot(ctx context.Context) (data []byte, format string, err error)
}

// Request describes a run to start
type Request struct {
	ExecutionID string
	StepBudget  int
	Timeout     time.Duration
	Driver      Driver
	DriverName  string
}

func (r Request) validate() error {
	if r.ExecutionID == "" {
		return fmt.Errorf("%w: execution id is required", ErrInvalidRequest)
	}
	if r.StepBudget <= 0 {
		return fmt.Errorf("%w: step budget must be positive, got %d", ErrInvalidRequest, r.StepBudget)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if r.Driver == nil {
		return fmt.Errorf("%w: driver is required", ErrInvalidRequest)
	}
	return nil
}

// Outcome is the terminal result of a run
type Outcome struct {
	ExecutionID    string    `json:"execution_id"`
	Status         Status    `json:"status"`
	Reason         Reason    `json:"reason"`
	Err            error     `json:"-"`
	Error          string    `json:"error,omitempty"`
	StepsCompleted int       `json:"steps_completed"`
	StepBudget     int       `json:"step_budget"`
	Result         string    `json:"result,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Duration returns how long the run took
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

func (o *Outcome) completion() event.Completion {
	return event.Completion{
		Status:         string(o.Status),
		Reason:         string(o.Reason),
		Error:          o.Error,
		StepsCompleted: o.StepsCompleted,
		Result:         o.Result,
	}
}

// Recorder persists run history. Failures are logged, never fatal to a run.
type Recorder interface {
	RecordStart(ctx context.Context, exec Execution) error
	RecordStep(ctx context.Context, executionID string, step event.StepUpdate) error
	RecordOutcome(ctx context.Context, outcome *Outcome) error
}
