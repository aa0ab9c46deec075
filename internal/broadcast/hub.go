// Package broadcast fans execution events out to live subscribers and keeps
// the replay cache that late joiners start from.
package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/metrics"
)

// Hub maps execution ids to their subscribers and replay cache.
//
// All operations on one execution are serialized by that execution's topic
// mutex. Publish delivers under the same lock, which is what keeps every
// subscriber's view in emission order and makes Join's replay atomic with
// respect to concurrent publishes.
type Hub struct {
	name      string
	cacheSize int

	mu     sync.RWMutex
	topics map[string]*topic

	// released ids refuse new topics until reopened, so a publish or join
	// racing with Release cannot resurrect a finished execution
	released     map[string]uint64
	releaseOrder []tombstone
	releaseGen   uint64
}

type tombstone struct {
	id  string
	gen uint64
}

// maxReleased bounds how many released ids are remembered
const maxReleased = 4096

// ErrReleased is returned when joining an execution whose stream has ended
var ErrReleased = errors.New("execution stream already ended")

type topic struct {
	mu     sync.Mutex
	seq    uint64
	subs   []Sink
	cache  *Cache
	closed bool
}

// Option configures a Hub
type Option func(*Hub)

// WithLogCacheSize sets how many log records each execution retains
func WithLogCacheSize(n int) Option {
	return func(h *Hub) {
		h.cacheSize = n
	}
}

// WithName labels the hub in logs and metrics
func WithName(name string) Option {
	return func(h *Hub) {
		h.name = name
	}
}

// NewHub creates an empty hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		name:      "live",
		cacheSize: DefaultLogCacheSize,
		topics:    make(map[string]*topic),
		released:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) lookup(executionID string) *topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[executionID]
}

// getOrCreate returns the topic for executionID, creating it unless the id
// was released. Returns nil for released ids.
func (h *Hub) getOrCreate(executionID string) *topic {
	if t := h.lookup(executionID); t != nil {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[executionID]; ok {
		return t
	}
	if _, gone := h.released[executionID]; gone {
		return nil
	}
	t := &topic{cache: NewCache(executionID, h.cacheSize)}
	h.topics[executionID] = t
	return t
}

// Open allows a released executionID to be used again, as when a new run
// reuses the id
func (h *Hub) Open(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.released, executionID)
}

// ReplayBuffer returns the channel capacity a ChannelSink needs to absorb a
// full replay on Join and still hold live records
func (h *Hub) ReplayBuffer(live int) int {
	if live <= 0 {
		live = DefaultSinkBuffer
	}
	return h.cacheSize + 1 + live
}

// Publish assigns rec the next sequence number for executionID, updates the
// replay cache, and delivers it to every subscriber. Subscribers whose sink
// fails are removed once the delivery pass is complete.
//
// Records for a released execution are dropped.
func (h *Hub) Publish(executionID string, rec *event.Record) {
	t := h.getOrCreate(executionID)
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if rec.ExecutionID == "" {
		rec.ExecutionID = executionID
	}
	t.seq++
	rec.Seq = t.seq
	t.cache.Put(rec)

	var failed []Sink
	for _, s := range t.subs {
		if err := s.Send(rec); err != nil {
			logger.Printf("[%s] dropping subscriber of %s: %v", h.name, executionID, err)
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		t.remove(s)
	}
	if len(failed) > 0 {
		metrics.RecordSubscribersPruned(h.name, len(failed))
		metrics.RecordSubscribersLeft(h.name, len(failed))
	}
	metrics.RecordEventPublished(h.name, string(rec.Type))
}

// Join subscribes sink to executionID and replays the cached snapshot to it
// before any later publish can reach it. Joining twice with the same sink is
// a no-op. A sink that fails during replay is not subscribed. Joining a
// released execution returns ErrReleased.
func (h *Hub) Join(executionID string, sink Sink) error {
	t := h.getOrCreate(executionID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrReleased, executionID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: %s", ErrReleased, executionID)
	}

	if t.has(sink) {
		return nil
	}
	for _, rec := range t.cache.Snapshot() {
		if err := sink.Send(rec); err != nil {
			return fmt.Errorf("failed to replay snapshot for %s: %w", executionID, err)
		}
	}
	t.subs = append(t.subs, sink)
	metrics.RecordSubscriberJoin(h.name)
	return nil
}

// Leave unsubscribes sink. The cache is kept even when no subscribers remain.
// Returns false if sink was not subscribed.
func (h *Hub) Leave(executionID string, sink Sink) bool {
	t := h.lookup(executionID)
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remove(sink) {
		return false
	}
	metrics.RecordSubscribersLeft(h.name, 1)
	return true
}

// Release purges the cache and subscriber list for executionID. Later
// publishes are dropped and joins fail until Open is called.
func (h *Hub) Release(executionID string) {
	h.mu.Lock()
	t, ok := h.topics[executionID]
	delete(h.topics, executionID)
	h.tombstoneLocked(executionID)
	h.mu.Unlock()

	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if n := len(t.subs); n > 0 {
		metrics.RecordSubscribersLeft(h.name, n)
	}
	t.subs = nil
}

// tombstoneLocked marks executionID released, forgetting the oldest
// tombstones beyond maxReleased. Caller holds h.mu.
func (h *Hub) tombstoneLocked(executionID string) {
	h.releaseGen++
	h.released[executionID] = h.releaseGen
	h.releaseOrder = append(h.releaseOrder, tombstone{id: executionID, gen: h.releaseGen})
	for len(h.releaseOrder) > maxReleased {
		old := h.releaseOrder[0]
		h.releaseOrder = h.releaseOrder[1:]
		if h.released[old.id] == old.gen {
			delete(h.released, old.id)
		}
	}
}

// Has reports whether the hub holds any state for executionID
func (h *Hub) Has(executionID string) bool {
	return h.lookup(executionID) != nil
}

// Subscribers returns the number of live subscribers for executionID
func (h *Hub) Subscribers(executionID string) int {
	t := h.lookup(executionID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// CachedFrame returns the latest screenshot for executionID
func (h *Hub) CachedFrame(executionID string) (*event.Record, bool) {
	t := h.lookup(executionID)
	if t == nil {
		return nil, false
	}
	return t.cache.Screenshot()
}

// CachedLogs returns the retained log records for executionID, oldest first
func (h *Hub) CachedLogs(executionID string) ([]*event.Record, bool) {
	t := h.lookup(executionID)
	if t == nil {
		return nil, false
	}
	return t.cache.Logs(), true
}

// Stats returns cache statistics for executionID
func (h *Hub) Stats(executionID string) (CacheStats, bool) {
	t := h.lookup(executionID)
	if t == nil {
		return CacheStats{}, false
	}
	return t.cache.Stats(), true
}

func (t *topic) has(sink Sink) bool {
	for _, s := range t.subs {
		if s == sink {
			return true
		}
	}
	return false
}

func (t *topic) remove(sink Sink) bool {
	for i, s := range t.subs {
		if s == sink {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return true
		}
	}
	return false
}
