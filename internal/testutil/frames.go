package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/HyphaGroup/vigil/internal/screencast"
)

// FrameSource is a screencast.Source driven by the test: frames are pushed
// with Emit and failures injected with Fail.
type FrameSource struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	opts     screencast.Options
	current  *FakeProducer
}

// NewFrameSource creates a fake source
func NewFrameSource() *FrameSource {
	return &FrameSource{}
}

// FailStarts makes subsequent StartScreencast calls return err
func (s *FrameSource) FailStarts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// StartScreencast implements screencast.Source
func (s *FrameSource) StartScreencast(ctx context.Context, opts screencast.Options, emit screencast.EmitFunc) (screencast.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startErr != nil {
		return nil, s.startErr
	}
	s.starts++
	s.opts = opts
	p := &FakeProducer{
		source: s,
		ctx:    ctx,
		emit:   emit,
		done:   make(chan struct{}),
	}
	s.current = p
	return p, nil
}

// Emit pushes a frame through the current producer and blocks until it is
// acknowledged or the producer stops
func (s *FrameSource) Emit(ctx context.Context, data []byte) error {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p == nil {
		return errors.New("no running producer")
	}
	return p.emit(ctx, screencast.Frame{Data: data, Format: "jpeg"})
}

// Fail ends the current producer with err, as a mid-stream failure
func (s *FrameSource) Fail(err error) {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p != nil {
		p.finish(err)
	}
}

// Starts returns how many producers were started
func (s *FrameSource) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Stops returns how many producers were stopped
func (s *FrameSource) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Options returns the options of the last started producer
func (s *FrameSource) Options() screencast.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// FakeProducer is the screencast.Producer returned by FrameSource
type FakeProducer struct {
	source *FrameSource
	ctx    context.Context
	emit   screencast.EmitFunc

	once sync.Once
	err  error
	done chan struct{}
}

func (p *FakeProducer) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Wait implements screencast.Producer
func (p *FakeProducer) Wait() error {
	select {
	case <-p.done:
		return p.err
	case <-p.ctx.Done():
		return nil
	}
}

// Stop implements screencast.Producer
func (p *FakeProducer) Stop() error {
	p.source.mu.Lock()
	p.source.stops++
	if p.source.current == p {
		p.source.current = nil
	}
	p.source.mu.Unlock()
	p.finish(nil)
	return nil
}
