package execution

import (
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/logger"
)

// startPoller periodically republishes a full screenshot for drivers that
// implement Screenshotter. This runs alongside the screencast push path so
// observers still see fresh frames when no screencast can be started.
// After a failed capture the poller waits twice the interval before retrying.
// The returned stop function is idempotent and waits for the poller to exit.
func (o *Orchestrator) startPoller(ctx context.Context, req Request) func() {
	shooter, ok := req.Driver.(Screenshotter)
	if !ok || o.screenshotInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	id := req.ExecutionID
	interval := o.screenshotInterval

	go func() {
		defer close(done)

		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			next := interval
			data, format, err := shooter.Screenshot(ctx)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				logger.DebugContext(ctx, "screenshot poll failed", "error", err)
				next = 2 * interval
			case len(data) > 0:
				o.hub.Publish(id, event.NewScreenshot(id, data, format))
			}
			timer.Reset(next)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
