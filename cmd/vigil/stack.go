package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/config"
	"github.com/HyphaGroup/vigil/internal/control"
	"github.com/HyphaGroup/vigil/internal/driver/synthetic"
	"github.com/HyphaGroup/vigil/internal/execution"
	"github.com/HyphaGroup/vigil/internal/history"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/screencast"
)

// loadConfig resolves and loads the config named by --config
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, err := config.FindConfigPath(explicit)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openHistory opens the history database, creating its directory
func openHistory(cfg *config.Config) (*history.Store, error) {
	if dir := filepath.Dir(cfg.History.Database); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	return history.NewStore(cfg.History.Database)
}

// stack is the in-process execution machinery shared by serve and demo
type stack struct {
	cfg     *config.Config
	store   *history.Store
	hub     *broadcast.Hub
	streams *screencast.Manager
	svc     *execution.Service
}

// newStack wires the control registry, hubs, screencast manager, and
// execution service from cfg. The synthetic driver is always registered.
func newStack(cfg *config.Config, withHistory bool) (*stack, error) {
	st := &stack{cfg: cfg}

	opts := []execution.Option{
		execution.WithTracker(execution.NewTracker(cfg.Execution.MaxConcurrentRuns)),
		execution.WithScreenshotInterval(cfg.ScreenshotInterval()),
	}
	if withHistory && cfg.History.Enabled {
		store, err := openHistory(cfg)
		if err != nil {
			return nil, err
		}
		st.store = store
		opts = append(opts, execution.WithRecorder(store))
		logger.Printf("📚 History database: %s", cfg.History.Database)
	}

	st.hub = broadcast.NewHub(
		broadcast.WithName("live"),
		broadcast.WithLogCacheSize(cfg.Live.LogCacheSize),
	)
	st.streams = screencast.NewManager(
		broadcast.NewHub(broadcast.WithName("frames")),
		screencast.WithOptions(screencast.Options{
			Format:        cfg.Screencast.Format,
			Quality:       cfg.Screencast.Quality,
			MaxWidth:      cfg.Screencast.MaxWidth,
			MaxHeight:     cfg.Screencast.MaxHeight,
			EveryNthFrame: cfg.Screencast.EveryNthFrame,
		}),
		screencast.WithMaxFPS(cfg.Screencast.MaxFPS),
	)

	orch := execution.NewOrchestrator(control.NewRegistry(), st.hub, st.streams, opts...)
	st.svc = execution.NewService(orch, execution.Defaults{
		StepBudget:  cfg.Execution.DefaultStepBudget,
		StepTimeout: cfg.StepTimeout(),
	})
	st.svc.RegisterDriver(synthetic.Name, synthetic.Factory)
	return st, nil
}

// Close cancels running executions and releases the stack's resources
func (st *stack) Close() {
	st.svc.Close()
	st.streams.Close()
	if st.store != nil {
		_ = st.store.Close()
	}
}
