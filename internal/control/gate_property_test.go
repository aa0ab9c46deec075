package control

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// blocks reports whether WaitIfPaused is still blocked after a short grace period
func blocks(r *Registry, id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()
	return !r.WaitIfPaused(ctx, id) && ctx.Err() != nil
}

// TestGateProperty checks that for any pause/resume sequence WaitIfPaused
// blocks exactly when the modelled gate is closed, and that a trailing stop
// always opens the gate with a false result.
func TestGateProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	parameters.MaxSize = 12
	properties := gopter.NewProperties(parameters)

	properties.Property("gate is closed iff model is paused", prop.ForAll(
		func(ops []bool) bool {
			r := NewRegistry()
			if _, err := r.Register("exec"); err != nil {
				return false
			}

			paused := false
			for _, pause := range ops {
				if pause {
					if !r.Pause("exec") {
						return false
					}
					paused = true
				} else {
					if r.Resume("exec") != paused {
						return false
					}
					paused = false
				}
				if blocks(r, "exec") != paused {
					return false
				}
			}

			if !r.Stop("exec") {
				return false
			}
			return !r.WaitIfPaused(context.Background(), "exec") && !r.Resume("exec")
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
