package testutil

import (
	"sync"

	"github.com/HyphaGroup/vigil/internal/event"
)

// RecordingSink is a broadcast.Sink that keeps every record it receives
type RecordingSink struct {
	mu      sync.Mutex
	records []*event.Record
}

// NewRecordingSink creates an empty sink
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Send implements broadcast.Sink
func (s *RecordingSink) Send(rec *event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of the received records
func (s *RecordingSink) Records() []*event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*event.Record, len(s.records))
	copy(out, s.records)
	return out
}

// OfType returns the received records of type t
func (s *RecordingSink) OfType(t event.Type) []*event.Record {
	var out []*event.Record
	for _, rec := range s.Records() {
		if rec.Type == t {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns how many records of type t were received
func (s *RecordingSink) Count(t event.Type) int {
	return len(s.OfType(t))
}
