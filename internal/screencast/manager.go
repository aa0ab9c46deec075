package screencast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/metrics"
)

var (
	ErrStreamUnavailable = errors.New("live view unavailable")
	ErrSourceRegistered  = errors.New("frame source already registered")
	ErrProducerStopped   = errors.New("screencast producer stopped")
)

// Status describes the streaming session of one execution
type Status struct {
	ExecutionID string `json:"execution_id"`
	Available   bool   `json:"available"`
	Streaming   bool   `json:"streaming"`
	ViewerCount int    `json:"viewer_count"`
	FramesSent  uint64 `json:"frames_sent"`
	LastFrameID uint64 `json:"last_frame_id,omitempty"`
}

// Manager owns one streaming session per execution with a registered source.
// Frames are fanned out to viewers through a dedicated broadcast hub.
type Manager struct {
	frames *broadcast.Hub
	opts   Options
	maxFPS float64

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the per-execution streaming state.
//
// transition serializes viewer joins/leaves and producer start/stop calls.
// mu guards the fields read by the frame path, which never takes transition,
// so a producer blocked in emit cannot deadlock a Stop.
type session struct {
	executionID string
	source      Source

	transition sync.Mutex
	sinks      map[broadcast.Sink]struct{}

	mu         sync.Mutex
	viewers    int
	active     bool
	closed     bool
	gen        uint64
	producer   Producer
	cancel     context.CancelFunc
	stopped    chan struct{}
	limiter    *rate.Limiter
	nextFrame  uint64
	pending    uint64
	acked      chan struct{}
	lastFrame  *event.Record
	framesSent uint64
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithOptions sets the options passed to every started screencast
func WithOptions(opts Options) ManagerOption {
	return func(m *Manager) {
		m.opts = opts
	}
}

// WithMaxFPS paces frame delivery; zero disables pacing
func WithMaxFPS(fps float64) ManagerOption {
	return func(m *Manager) {
		m.maxFPS = fps
	}
}

// NewManager creates a manager delivering frames through frames.
// A nil hub gets a private one.
func NewManager(frames *broadcast.Hub, opts ...ManagerOption) *Manager {
	if frames == nil {
		frames = broadcast.NewHub(broadcast.WithName("frames"))
	}
	m := &Manager{
		frames:   frames,
		opts:     DefaultOptions(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Frames returns the hub frames are published on
func (m *Manager) Frames() *broadcast.Hub {
	return m.frames
}

// RegisterSource attaches src to executionID without starting it
func (m *Manager) RegisterSource(executionID string, src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[executionID]; exists {
		return fmt.Errorf("%w: %s", ErrSourceRegistered, executionID)
	}
	m.sessions[executionID] = &session{
		executionID: executionID,
		source:      src,
		sinks:       make(map[broadcast.Sink]struct{}),
	}
	return nil
}

// UnregisterSource detaches the source of executionID, stopping the producer
// regardless of how many viewers remain. Safe to call for unknown ids.
func (m *Manager) UnregisterSource(executionID string) {
	m.mu.Lock()
	s, ok := m.sessions[executionID]
	delete(m.sessions, executionID)
	m.mu.Unlock()

	if !ok {
		return
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	m.stopLocked(s)
	if n := len(s.sinks); n > 0 {
		m.frames.Publish(executionID, event.NewError(executionID, "screencast ended: frame source released"))
		metrics.RecordViewerLeave(n)
	}
	s.sinks = make(map[broadcast.Sink]struct{})
	m.frames.Release(executionID)
}

func (m *Manager) session(executionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[executionID]
}

// StartViewing adds sink as a viewer of executionID. The first viewer starts
// the producer. Returns ErrStreamUnavailable when no source is registered or
// the producer cannot be started.
func (m *Manager) StartViewing(executionID string, sink broadcast.Sink) error {
	s := m.session(executionID)
	if s == nil {
		return fmt.Errorf("%w: no frame source for %s", ErrStreamUnavailable, executionID)
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: frame source for %s was released", ErrStreamUnavailable, executionID)
	}
	if _, dup := s.sinks[sink]; dup {
		return nil
	}

	// A previous producer may have released the topic when it failed
	if len(s.sinks) == 0 {
		m.frames.Open(executionID)
	}
	// Join before starting so the first frame has someone to acknowledge it
	if err := m.frames.Join(executionID, sink); err != nil {
		return err
	}

	if len(s.sinks) == 0 {
		if err := m.startLocked(s); err != nil {
			m.frames.Leave(executionID, sink)
			return fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
		}
	} else {
		s.mu.Lock()
		s.viewers++
		pending := s.lastFrame
		if s.pending == 0 {
			pending = nil
		}
		s.mu.Unlock()
		// A frame still awaiting its ack is handed to the newcomer too, so a
		// stalled earlier viewer cannot starve it.
		if pending != nil {
			_ = sink.Send(pending)
		}
	}

	s.sinks[sink] = struct{}{}
	metrics.RecordViewerJoin()
	return nil
}

// StopViewing removes sink as a viewer of executionID. The last viewer
// leaving stops the producer.
func (m *Manager) StopViewing(executionID string, sink broadcast.Sink) {
	s := m.session(executionID)
	if s == nil {
		return
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	if _, ok := s.sinks[sink]; !ok {
		return
	}
	delete(s.sinks, sink)
	m.frames.Leave(executionID, sink)
	metrics.RecordViewerLeave(1)

	s.mu.Lock()
	s.viewers--
	last := s.viewers == 0
	s.mu.Unlock()

	if last {
		m.stopLocked(s)
	}
}

// Ack acknowledges frameID, letting the producer emit the next frame.
// Returns false if frameID is not the frame currently awaiting an ack.
func (m *Manager) Ack(executionID string, frameID uint64) bool {
	s := m.session(executionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acked == nil || s.pending != frameID {
		return false
	}
	close(s.acked)
	s.acked = nil
	s.pending = 0
	return true
}

// startLocked starts the producer for the 0->1 transition.
// Caller holds s.transition.
func (m *Manager) startLocked(s *session) error {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.ContextWithExecutionID(ctx, s.executionID)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.active = true
	s.viewers = 1
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.limiter = nil
	if m.maxFPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(m.maxFPS), 1)
	}
	s.mu.Unlock()

	prod, err := s.source.StartScreencast(ctx, m.opts, m.emitter(s, gen))
	if err != nil {
		s.mu.Lock()
		s.active = false
		s.viewers = 0
		close(s.stopped)
		s.mu.Unlock()
		cancel()
		metrics.RecordProducerFailure("start")
		logger.Error("screencast start failed for %s: %v", s.executionID, err)
		return err
	}

	s.mu.Lock()
	s.producer = prod
	s.mu.Unlock()

	metrics.RecordProducerStart()
	logger.Info("screencast started for %s", s.executionID)
	go m.watch(s, gen, prod)
	return nil
}

// stopLocked stops the producer for the 1->0 transition or a forced teardown.
// Caller holds s.transition. Does nothing if the session is inactive.
func (m *Manager) stopLocked(s *session) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.viewers = 0
	close(s.stopped)
	s.pending = 0
	s.acked = nil
	cancel := s.cancel
	prod := s.producer
	s.producer = nil
	s.mu.Unlock()

	cancel()
	if prod != nil {
		if err := prod.Stop(); err != nil {
			logger.Error("screencast stop failed for %s: %v", s.executionID, err)
		}
	}
	metrics.RecordProducerStop()
	logger.Info("screencast stopped for %s", s.executionID)
}

// watch handles a producer that ends on its own while still current: viewers
// get an error record and are dropped, and the session returns to inactive.
func (m *Manager) watch(s *session, gen uint64, prod Producer) {
	err := prod.Wait()

	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	current := s.active && s.gen == gen && !s.closed
	s.mu.Unlock()
	if !current {
		return
	}

	msg := "screencast ended unexpectedly"
	if err != nil {
		msg = fmt.Sprintf("screencast failed: %v", err)
	}
	logger.Error("%s for %s", msg, s.executionID)
	metrics.RecordProducerFailure("stream")

	m.frames.Publish(s.executionID, event.NewError(s.executionID, msg))
	m.stopLocked(s)

	if n := len(s.sinks); n > 0 {
		metrics.RecordViewerLeave(n)
	}
	s.sinks = make(map[broadcast.Sink]struct{})
	m.frames.Release(s.executionID)
}

// emitter returns the EmitFunc bound to one producer generation
func (m *Manager) emitter(s *session, gen uint64) EmitFunc {
	return func(ctx context.Context, f Frame) error {
		s.mu.Lock()
		limiter := s.limiter
		s.mu.Unlock()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		s.mu.Lock()
		if s.closed || !s.active || s.gen != gen {
			s.mu.Unlock()
			return ErrProducerStopped
		}
		s.nextFrame++
		rec := event.NewFrame(s.executionID, s.nextFrame, f.Data, f.Format)
		acked := make(chan struct{})
		s.pending = s.nextFrame
		s.acked = acked
		s.lastFrame = rec
		s.framesSent++
		stopped := s.stopped
		// Publishing under mu keeps frames from reaching the hub after a
		// teardown has released it.
		m.frames.Publish(s.executionID, rec)
		s.mu.Unlock()

		metrics.RecordFrame()
		start := time.Now()
		select {
		case <-acked:
			metrics.ObserveAckWait(time.Since(start))
			return nil
		case <-stopped:
			return ErrProducerStopped
		case <-ctx.Done():
			select {
			case <-stopped:
				return ErrProducerStopped
			default:
				return ctx.Err()
			}
		}
	}
}

// Status reports the streaming state of executionID. Available is false
// when no source is registered.
func (m *Manager) Status(executionID string) Status {
	s := m.session(executionID)
	if s == nil {
		return Status{ExecutionID: executionID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ExecutionID: executionID,
		Available:   !s.closed,
		Streaming:   s.active,
		ViewerCount: s.viewers,
		FramesSent:  s.framesSent,
	}
	if s.lastFrame != nil {
		st.LastFrameID = s.lastFrame.Frame.ID
	}
	return st
}

// LastFrame returns the most recent frame produced for executionID
func (m *Manager) LastFrame(executionID string) (*event.Record, bool) {
	s := m.session(executionID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame, s.lastFrame != nil
}

// Viewers returns the current viewer count of executionID
func (m *Manager) Viewers(executionID string) int {
	return m.Status(executionID).ViewerCount
}

// Streaming reports whether the producer of executionID is running
func (m *Manager) Streaming(executionID string) bool {
	return m.Status(executionID).Streaming
}

// Close unregisters every source
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.UnregisterSource(id)
	}
}
