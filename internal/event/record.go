// Package event defines the records published to live observers of an execution.
package event

import (
	"time"
)

// Type identifies the kind of a Record
type Type string

const (
	TypeStepUpdate        Type = "step_update"
	TypeLog               Type = "log"
	TypeScreenshotUpdate  Type = "screenshot_update"
	TypeControlUpdate     Type = "control_update"
	TypeProgressUpdate    Type = "progress_update"
	TypeExecutionComplete Type = "execution_complete"
	TypeFrame             Type = "frame"
	TypeError             Type = "error"
)

// StepStatus is the state carried by a step_update
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Log levels used by log records
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Record is one event published for an execution. Exactly one of the payload
// pointers is set, matching Type.
type Record struct {
	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`

	Step       *StepUpdate    `json:"step,omitempty"`
	Log        *LogEntry      `json:"log,omitempty"`
	Screenshot *Screenshot    `json:"screenshot,omitempty"`
	Control    *ControlUpdate `json:"control,omitempty"`
	Progress   *Progress      `json:"progress,omitempty"`
	Complete   *Completion    `json:"complete,omitempty"`
	Frame      *Frame         `json:"frame,omitempty"`
	Error      *StreamError   `json:"error,omitempty"`
}

// StepUpdate describes a step starting, completing, or failing
type StepUpdate struct {
	StepNumber   int        `json:"step_number"`
	ActionType   string     `json:"action_type,omitempty"`
	Description  string     `json:"description,omitempty"`
	Status       StepStatus `json:"status"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// LogEntry is a single log line
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Screenshot is a full still image of the execution's surface
type Screenshot struct {
	Data   []byte `json:"data"`
	Format string `json:"format"`
}

// ControlUpdate reports a pause, resume, or stop transition
type ControlUpdate struct {
	Action string `json:"action"`
}

// Progress reports step progress against the budget
type Progress struct {
	CurrentStep int     `json:"current_step"`
	TotalSteps  int     `json:"total_steps"`
	Percentage  float64 `json:"percentage"`
}

// Completion is the terminal record of an execution
type Completion struct {
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	Error          string `json:"error,omitempty"`
	StepsCompleted int    `json:"steps_completed"`
	Result         string `json:"result,omitempty"`
}

// Frame is one screencast frame awaiting acknowledgment
type Frame struct {
	ID     uint64 `json:"frame_id"`
	Data   []byte `json:"data"`
	Format string `json:"format"`
}

// StreamError reports a failure of a live stream
type StreamError struct {
	Message string `json:"message"`
}

func newRecord(t Type, executionID string) *Record {
	return &Record{
		Type:        t,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

// NewStepUpdate creates a step_update record
func NewStepUpdate(executionID string, step StepUpdate) *Record {
	r := newRecord(TypeStepUpdate, executionID)
	r.Step = &step
	return r
}

// NewLog creates a log record
func NewLog(executionID, level, message string) *Record {
	r := newRecord(TypeLog, executionID)
	r.Log = &LogEntry{Level: level, Message: message}
	return r
}

// NewScreenshot creates a screenshot_update record
func NewScreenshot(executionID string, data []byte, format string) *Record {
	r := newRecord(TypeScreenshotUpdate, executionID)
	r.Screenshot = &Screenshot{Data: data, Format: format}
	return r
}

// NewControlUpdate creates a control_update record
func NewControlUpdate(executionID, action string) *Record {
	r := newRecord(TypeControlUpdate, executionID)
	r.Control = &ControlUpdate{Action: action}
	return r
}

// NewProgress creates a progress_update record
func NewProgress(executionID string, current, total int) *Record {
	r := newRecord(TypeProgressUpdate, executionID)
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	r.Progress = &Progress{CurrentStep: current, TotalSteps: total, Percentage: pct}
	return r
}

// NewCompletion creates an execution_complete record
func NewCompletion(executionID string, c Completion) *Record {
	r := newRecord(TypeExecutionComplete, executionID)
	r.Complete = &c
	return r
}

// NewFrame creates a screencast frame record
func NewFrame(executionID string, id uint64, data []byte, format string) *Record {
	r := newRecord(TypeFrame, executionID)
	r.Frame = &Frame{ID: id, Data: data, Format: format}
	return r
}

// NewError creates a stream error record
func NewError(executionID, message string) *Record {
	r := newRecord(TypeError, executionID)
	r.Error = &StreamError{Message: message}
	return r
}

// Cacheable reports whether records of this type are retained for replay
func (t Type) Cacheable() bool {
	return t == TypeScreenshotUpdate || t == TypeLog
}
