package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/HyphaGroup/vigil/internal/cleanup"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/mcp"
	"github.com/HyphaGroup/vigil/internal/ratelimit"
	"github.com/HyphaGroup/vigil/internal/relay"
	"github.com/HyphaGroup/vigil/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP and websocket server",
	Long: `Starts vigil in server mode. Executions are controlled through the MCP
endpoint at /mcp; live events and screencast frames are also served over
websockets at /ws/live/{id} and /ws/screencast/{id}.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.address)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Address = addr
	}

	if err := logger.Init(cfg.Logging.Dir); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(cfg.Logging.Dir, cfg.Logging.JSON, cfg.Logging.Debug); err != nil {
		return fmt.Errorf("failed to initialize structured logger: %w", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Println("👁️  vigil - live execution control")
	if cfg.Path != "" {
		logger.Printf("⚙️  Config: %s", cfg.Path)
	} else {
		logger.Println("⚙️  No config file found, using defaults")
	}

	st, err := newStack(cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Printf("🤖 Drivers: %v", st.svc.Drivers())

	var cleaner *cleanup.Cleaner
	if st.store != nil {
		cleaner, err = cleanup.New(st.store, cleanup.Config{
			Schedule:         cfg.History.SweepCron,
			Retention:        cfg.Retention(),
			DataDir:          filepath.Dir(cfg.History.Database),
			DiskWarnPercent:  80,
			DiskErrorPercent: 90,
		})
		if err != nil {
			return fmt.Errorf("failed to configure history cleanup: %w", err)
		}
		if err := cleaner.Start(); err != nil {
			return fmt.Errorf("failed to start history cleanup: %w", err)
		}
		defer cleaner.Stop()
	}

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		instanceID := cfg.Relay.InstanceID
		if instanceID == "" {
			instanceID = uuid.New().String()
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		rl = relay.New(client, st.svc, cfg.Relay.Channel, instanceID)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := rl.Start(ctx)
		cancel()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to start control relay: %w", err)
		}
		defer func() {
			_ = rl.Close()
			_ = client.Close()
		}()
		logger.Printf("📡 Control relay: redis %s channel %s", cfg.Relay.RedisAddr, cfg.Relay.Channel)
	}

	server, err := mcp.NewServer(st.svc, &mcp.ServerConfig{
		History:          st.store,
		Relay:            rl,
		RateLimiter:      ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		SubscriberBuffer: cfg.Live.SubscriberBuffer,
		MaxStepBudget:    cfg.Execution.MaxStepBudget,
		Version:          Version,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ws.NewHandler(st.hub, st.streams, st.svc, ws.Config{
		PingInterval:     cfg.PingInterval(),
		SubscriberBuffer: cfg.Live.SubscriberBuffer,
	}).Mount(server.Handle)

	addr := cfg.Server.Address
	logger.Printf("📡 MCP endpoint: http://localhost%s/mcp", addr)
	logger.Printf("🔴 Live events: ws://localhost%s/ws/live/{id}", addr)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(addr)
	}()

	select {
	case err := <-serverErr:
		server.Close()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Println("   Stopping HTTP server...")
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("   %v", err)
	}
	logger.Println("   Stopping running executions...")
	return nil
}
