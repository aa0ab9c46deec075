// Package synthetic provides a self-contained driver that renders generated
// frames. It backs `vigil demo` and lets dashboards be exercised without a
// real browser.
package synthetic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/vigil/internal/execution"
	"github.com/HyphaGroup/vigil/internal/screencast"
)

// Name is the driver name registered with the execution service
const Name = "synthetic"

// Config controls the synthetic run
type Config struct {
	Steps           int `json:"steps"`
	StepDelayMS     int `json:"step_delay_ms"`
	FailAt          int `json:"fail_at"`
	Width           int `json:"width"`
	Height          int `json:"height"`
	FrameIntervalMS int `json:"frame_interval_ms"`
}

// DefaultConfig returns a 10 step run at 500ms per step
func DefaultConfig() Config {
	return Config{
		Steps:           10,
		StepDelayMS:     500,
		Width:           640,
		Height:          360,
		FrameIntervalMS: 100,
	}
}

var actions = []string{"navigate", "click", "type", "scroll", "wait", "extract"}

// Driver simulates a browser-like run. Each step waits StepDelay, renders a
// new screen, and reports an action.
type Driver struct {
	cfg Config

	mu     sync.Mutex
	step   int
	closed bool
}

var (
	_ execution.Driver              = (*Driver)(nil)
	_ execution.FrameSourceProvider = (*Driver)(nil)
	_ execution.Screenshotter       = (*Driver)(nil)
	_ screencast.Source             = (*Driver)(nil)
)

// New creates a driver. Zero fields fall back to DefaultConfig.
func New(cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.Steps <= 0 {
		cfg.Steps = def.Steps
	}
	if cfg.StepDelayMS < 0 {
		cfg.StepDelayMS = 0
	}
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.FrameIntervalMS <= 0 {
		cfg.FrameIntervalMS = def.FrameIntervalMS
	}
	return &Driver{cfg: cfg}
}

// Factory builds drivers from JSON parameters for execution.Service
func Factory(params json.RawMessage) (execution.Driver, error) {
	cfg := DefaultConfig()
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, fmt.Errorf("invalid synthetic driver params: %w", err)
		}
	}
	return New(cfg), nil
}

// Step implements execution.Driver
func (d *Driver) Step(ctx context.Context, step int) (*execution.StepResult, error) {
	if delay := time.Duration(d.cfg.StepDelayMS) * time.Millisecond; delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("driver closed")
	}
	d.step = step
	d.mu.Unlock()

	if d.cfg.FailAt > 0 && step == d.cfg.FailAt {
		return nil, fmt.Errorf("simulated failure at step %d", step)
	}

	shot, err := render(d.cfg.Width, d.cfg.Height, step, d.cfg.Steps, 0, "png", 0)
	if err != nil {
		return nil, err
	}

	action := actions[(step-1)%len(actions)]
	res := &execution.StepResult{
		ActionType:       action,
		Description:      fmt.Sprintf("synthetic %s %d of %d", action, step, d.cfg.Steps),
		Screenshot:       shot,
		ScreenshotFormat: "png",
		Logs:             []string{fmt.Sprintf("performed %s", action)},
		Done:             step >= d.cfg.Steps,
	}
	if res.Done {
		res.Result = fmt.Sprintf("synthetic run finished after %d steps", step)
	}
	return res, nil
}

// Screenshot implements execution.Screenshotter
func (d *Driver) Screenshot(ctx context.Context) ([]byte, string, error) {
	d.mu.Lock()
	step, closed := d.step, d.closed
	d.mu.Unlock()
	if closed {
		return nil, "", errors.New("driver closed")
	}
	data, err := render(d.cfg.Width, d.cfg.Height, step, d.cfg.Steps, time.Now().UnixMilli()/100, "png", 0)
	return data, "png", err
}

// FrameSource implements execution.FrameSourceProvider
func (d *Driver) FrameSource() screencast.Source {
	return d
}

// Close implements io.Closer
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) currentStep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.step
}
