package broadcast

import (
	"errors"
	"sync"

	"github.com/HyphaGroup/vigil/internal/event"
)

var (
	ErrSinkClosed = errors.New("sink closed")
	ErrSinkFull   = errors.New("sink buffer full")
)

// Sink receives records for one subscriber.
//
// Send is called with the topic lock held and must not block: a sink that
// cannot accept a record should return an error, after which the hub prunes
// it. Sinks are compared by identity, so implementations should be pointers.
type Sink interface {
	Send(rec *event.Record) error
}

// DefaultSinkBuffer is the channel capacity used when none is configured
const DefaultSinkBuffer = 64

// ChannelSink buffers records in a channel drained by the transport.
// A full buffer fails the send and closes the sink, so a stalled consumer is
// pruned instead of holding up the publisher, and its transport sees the
// channel close once the buffered records are drained.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan *event.Record
	closed bool
}

// NewChannelSink creates a sink with the given buffer capacity
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	return &ChannelSink{ch: make(chan *event.Record, buffer)}
}

// Send enqueues rec without blocking
func (s *ChannelSink) Send(rec *event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- rec:
		return nil
	default:
		s.closed = true
		close(s.ch)
		return ErrSinkFull
	}
}

// C returns the channel the transport reads from. It is closed by Close.
func (s *ChannelSink) C() <-chan *event.Record {
	return s.ch
}

// Close marks the sink unusable; later sends fail with ErrSinkClosed
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Closed reports whether Close has been called
func (s *ChannelSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
