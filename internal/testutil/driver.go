package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/HyphaGroup/vigil/internal/execution"
	"github.com/HyphaGroup/vigil/internal/screencast"
)

// StepFunc scripts one step of a ScriptedDriver
type StepFunc func(ctx context.Context, step int) (*execution.StepResult, error)

// ScriptedDriver is an execution.Driver whose steps are supplied by the test.
// Without OnStep every step succeeds; DoneAt ends the run at that step.
type ScriptedDriver struct {
	OnStep StepFunc
	DoneAt int
	Source screencast.Source
	Shot   []byte

	mu     sync.Mutex
	calls  int
	shots  int
	closed bool
}

// Step implements execution.Driver
func (d *ScriptedDriver) Step(ctx context.Context, step int) (*execution.StepResult, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if d.OnStep != nil {
		return d.OnStep(ctx, step)
	}
	return &execution.StepResult{
		ActionType:  "noop",
		Description: fmt.Sprintf("step %d", step),
		Logs:        []string{fmt.Sprintf("did step %d", step)},
		Done:        d.DoneAt > 0 && step >= d.DoneAt,
	}, nil
}

// FrameSource implements execution.FrameSourceProvider
func (d *ScriptedDriver) FrameSource() screencast.Source {
	return d.Source
}

// Screenshot implements execution.Screenshotter
func (d *ScriptedDriver) Screenshot(ctx context.Context) ([]byte, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shots++
	return d.Shot, "png", nil
}

// Close implements io.Closer
func (d *ScriptedDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Calls returns how many steps were attempted
func (d *ScriptedDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Shots returns how many screenshots were taken
func (d *ScriptedDriver) Shots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shots
}

// Closed reports whether Close was called
func (d *ScriptedDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
