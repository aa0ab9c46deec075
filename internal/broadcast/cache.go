package broadcast

import (
	"sync"

	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/metrics"
)

/*
EVENT CACHE - REPLAY STATE FOR LATE JOINERS

Each execution keeps just enough state for a newly joined observer to render
a consistent picture without replaying the whole event history:

    ┌──────────────┐   ┌─────────────────────────────────────────┐
    │ latest frame │   │ log ring: [head] log log log ... [tail] │
    └──────────────┘   └─────────────────────────────────────────┘
     replaced on every    fixed capacity, oldest entry overwritten
     screenshot_update    once full (dropped counter incremented)

RING LAYOUT:

    logs is allocated once at capacity. head is the physical slot of the
    oldest entry and count the number of valid entries:
    - logical i  ->  physical (head + i) % capacity
    - append when full overwrites slot head and advances head

The cache survives periods with zero subscribers; it is purged only when the
hub releases the execution.
*/

// DefaultLogCacheSize is the number of log records retained per execution
const DefaultLogCacheSize = 100

// Cache holds the replay snapshot for one execution
type Cache struct {
	executionID string
	screenshot  *event.Record
	logs        []*event.Record
	head        int
	count       int
	droppedLogs int64
	mu          sync.RWMutex
}

// CacheStats describes the cache contents
type CacheStats struct {
	ExecutionID   string `json:"execution_id"`
	HasScreenshot bool   `json:"has_screenshot"`
	Logs          int    `json:"logs"`
	Capacity      int    `json:"capacity"`
	DroppedLogs   int64  `json:"dropped_logs"`
}

// NewCache creates a cache retaining up to logCapacity log records
func NewCache(executionID string, logCapacity int) *Cache {
	if logCapacity <= 0 {
		logCapacity = DefaultLogCacheSize
	}
	return &Cache{
		executionID: executionID,
		logs:        make([]*event.Record, logCapacity),
	}
}

// Put stores rec if its type is cacheable. Returns false for other types.
func (c *Cache) Put(rec *event.Record) bool {
	switch rec.Type {
	case event.TypeScreenshotUpdate:
		c.mu.Lock()
		c.screenshot = rec
		c.mu.Unlock()
		return true
	case event.TypeLog:
		c.appendLog(rec)
		return true
	default:
		return false
	}
}

func (c *Cache) appendLog(rec *event.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	capacity := len(c.logs)
	if c.count < capacity {
		c.logs[(c.head+c.count)%capacity] = rec
		c.count++
		return
	}

	c.logs[c.head] = rec
	c.head = (c.head + 1) % capacity
	c.droppedLogs++
	metrics.RecordLogCacheDrop()
}

// Screenshot returns the most recent screenshot record, if any
func (c *Cache) Screenshot() (*event.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.screenshot, c.screenshot != nil
}

// Logs returns the cached log records, oldest first
func (c *Cache) Logs() []*event.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logsLocked()
}

func (c *Cache) logsLocked() []*event.Record {
	out := make([]*event.Record, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.logs[(c.head+i)%len(c.logs)]
	}
	return out
}

// Snapshot returns the replay sequence for a new subscriber: the latest
// screenshot (if any) followed by the cached logs.
func (c *Cache) Snapshot() []*event.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*event.Record, 0, c.count+1)
	if c.screenshot != nil {
		out = append(out, c.screenshot)
	}
	return append(out, c.logsLocked()...)
}

// Stats returns current cache statistics
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		ExecutionID:   c.executionID,
		HasScreenshot: c.screenshot != nil,
		Logs:          c.count,
		Capacity:      len(c.logs),
		DroppedLogs:   c.droppedLogs,
	}
}
