// Package cleanup sweeps expired run history on a cron schedule.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/metrics"
)

var ErrInvalidCron = errors.New("invalid cron expression")

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks if a cron expression is valid
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return nil
}

// NextRun returns the first activation of expr after t
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return sched.Next(after), nil
}

// Sweeper deletes history rows that finished before cutoff
type Sweeper interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds cleanup configuration.
type Config struct {
	Schedule         string        // Cron expression for sweeps
	Retention        time.Duration // How long to keep finished runs
	DataDir          string        // Directory whose disk usage is checked; empty disables
	DiskWarnPercent  float64
	DiskErrorPercent float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:         "0 * * * *",
		Retention:        168 * time.Hour,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}
}

// Cleaner performs periodic history cleanup.
type Cleaner struct {
	store     Sweeper
	schedule  string
	retention time.Duration
	dataDir   string
	diskWarn  float64
	diskError float64

	cron *cron.Cron

	mu          sync.Mutex
	lastRun     time.Time
	lastRemoved int64
}

// New creates a Cleaner. The schedule must be a valid 5-field cron expression.
func New(store Sweeper, cfg Config) (*Cleaner, error) {
	if err := ValidateCron(cfg.Schedule); err != nil {
		return nil, err
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %v", cfg.Retention)
	}
	return &Cleaner{
		store:     store,
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
		dataDir:   cfg.DataDir,
		diskWarn:  cfg.DiskWarnPercent,
		diskError: cfg.DiskErrorPercent,
	}, nil
}

// Start runs one sweep immediately and then on every cron activation.
func (c *Cleaner) Start() error {
	c.cron = cron.New(cron.WithParser(cronParser))
	if _, err := c.cron.AddFunc(c.schedule, c.runCleanup); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}

	c.runCleanup()
	c.cron.Start()

	logger.Printf("History cleanup started (schedule=%q, retention=%v)", c.schedule, c.retention)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (c *Cleaner) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
		logger.Println("History cleanup stopped")
	}
}

func (c *Cleaner) runCleanup() {
	if _, err := c.RunOnce(context.Background()); err != nil {
		logger.Error("History cleanup failed: %v", err)
	}
	c.checkDiskUsage()
}

// RunOnce removes runs that finished more than the retention period ago
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-c.retention)
	removed, err := c.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.lastRun = time.Now()
	c.lastRemoved = removed
	c.mu.Unlock()

	if removed > 0 {
		metrics.RecordHistorySwept(removed)
		logger.Printf("Removed %d runs finished before %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

// LastRun returns when the last successful sweep ran and how many runs it removed
func (c *Cleaner) LastRun() (time.Time, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun, c.lastRemoved
}

// checkDiskUsage monitors disk usage of the data directory and logs warnings.
func (c *Cleaner) checkDiskUsage() {
	if c.dataDir == "" {
		return
	}
	_, _, usedPercent, err := DiskUsage(c.dataDir)
	if err != nil {
		return
	}

	if usedPercent >= c.diskError {
		logger.Printf("CRITICAL: Disk usage at %.1f%% (data dir)", usedPercent)
	} else if usedPercent >= c.diskWarn {
		logger.Printf("WARNING: Disk usage at %.1f%% (data dir)", usedPercent)
	}
}

// DiskUsage returns disk usage stats for the filesystem holding dir.
func DiskUsage(dir string) (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(dir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}
	return
}
