package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/open-codex/agentd/internal/config"
	"github.com/open-codex/agentd/internal/gateway"
	"github.com/open-codex/agentd/internal/httpapi"
	"github.com/open-codex/agentd/internal/orchestrator"
	"github.com/open-codex/agentd/internal/providers"
	"github.com/open-codex/agentd/internal/sandbox"
	"github.com/open-codex/agentd/internal/secrets"
	"github.com/open-codex/agentd/internal/store"
	"github.com/open-codex/agentd/internal/store/pg"
	"github.com/open-codex/agentd/internal/store/sqlite"
	"github.com/open-codex/agentd/internal/stream"
	"github.com/open-codex/agentd/internal/telemetry"
	"github.com/open-codex/agentd/internal/workspace"
)

const taskGCInterval = time.Minute

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agentd server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logger := setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without traces", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	stores, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	// Workspace storage: local FS, mirrored to S3 when a bucket is set.
	local, err := workspace.NewLocal(cfg.WorkspaceRoot())
	if err != nil {
		logger.Error("workspace init failed", "error", err)
		os.Exit(1)
	}
	var wsStorage workspace.Storage = local
	if cfg.Workspace.Bucket != "" {
		s3ws, err := workspace.NewS3(ctx, local, workspace.S3Config{
			Bucket: cfg.Workspace.Bucket,
			Prefix: cfg.Workspace.Prefix,
			Region: cfg.Workspace.Region,
		}, logger)
		if err != nil {
			logger.Error("s3 workspace init failed", "error", err)
			os.Exit(1)
		}
		wsStorage = s3ws
		logger.Info("workspace s3 mirroring enabled", "bucket", cfg.Workspace.Bucket)
	}

	buffer := stream.NewBuffer()
	bus := stream.NewBus(logger)
	registry := orchestrator.NewRegistry(logger)

	sandboxes, err := sandbox.NewManager(sandbox.ManagerConfig{
		Image:         cfg.Sandbox.Image,
		PoolSize:      cfg.Sandbox.PoolSize,
		MemoryMB:      cfg.Sandbox.MemoryMB,
		CPUs:          cfg.Sandbox.CPUs,
		Network:       cfg.Sandbox.Network,
		WorkspaceRoot: cfg.WorkspaceRoot(),
		Prepare: func(ctx context.Context, key string) (string, error) {
			sessionID, err := uuid.Parse(key)
			if err != nil {
				return "", err
			}
			return wsStorage.Prepare(ctx, sessionID)
		},
	}, func(key string) bool {
		sessionID, err := uuid.Parse(key)
		if err != nil {
			return false
		}
		return registry.IsRunning(sessionID)
	}, logger)
	if err != nil {
		logger.Error("sandbox manager init failed", "error", err)
		os.Exit(1)
	}

	// Key encryption is optional; without a master key only env-supplied
	// provider keys work and the key management API is not mounted.
	var cipher *secrets.Cipher
	var resolver providers.KeyResolver
	if cfg.Secrets.MasterKey != "" {
		cipher, err = secrets.NewCipher(cfg.Secrets.MasterKey)
		if err != nil {
			logger.Error("cipher init failed", "error", err)
			os.Exit(1)
		}
		resolver = secrets.NewStoreResolver(stores.ApiKeys, cipher)
	} else {
		logger.Warn("MASTER_ENCRYPTION_KEY not set; stored API keys disabled")
	}

	factory := providers.NewFactory(resolver, map[string]string{
		"anthropic": cfg.Providers.AnthropicAPIKey,
		"openai":    cfg.Providers.OpenAIAPIKey,
	})

	orch := orchestrator.New(stores, buffer, bus, registry, sandboxes, factory, cfg.Agent, logger)

	// Push workspace state to durable storage after each finalized turn.
	bus.Subscribe(stream.EventPersistSuccess, 0, func(ev stream.Event) error {
		sid, _ := ev.Payload["session_id"].(string)
		sessionID, err := uuid.Parse(sid)
		if err != nil {
			return nil
		}
		syncCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		return wsStorage.Sync(syncCtx, sessionID)
	})

	go registry.RunGC(ctx, taskGCInterval, cfg.Agent.TaskMaxAge.Duration())

	teardown := func(ctx context.Context, sessionID uuid.UUID) {
		registry.Cancel(sessionID)
		if err := sandboxes.Destroy(ctx, sessionID.String()); err != nil {
			logger.Warn("sandbox teardown failed", "session_id", sessionID, "error", err)
		}
		if err := wsStorage.Remove(ctx, sessionID); err != nil {
			logger.Warn("workspace teardown failed", "session_id", sessionID, "error", err)
		}
	}

	handlers := []gateway.RouteRegistrar{
		httpapi.NewProjectsHandler(stores.Projects),
		httpapi.NewSessionsHandler(stores.Sessions, stores.Messages, teardown),
	}
	if cipher != nil {
		handlers = append(handlers, httpapi.NewKeysHandler(stores.ApiKeys, cipher, factory))
	}

	server := gateway.NewServer(cfg, orch, bus, stores.Sessions, logger, handlers...)
	if err := server.Start(ctx); err != nil {
		logger.Error("server exited", "error", err)
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	bus.Close(cleanupCtx)
	sandboxes.Shutdown(cleanupCtx)
	if err := shutdownTelemetry(cleanupCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func openStores(cfg *config.Config, logger *slog.Logger) (*store.Stores, error) {
	if cfg.UsePostgres() {
		logger.Info("using postgres backend")
		return pg.NewStores(cfg.Database.URL)
	}
	logger.Info("using sqlite backend", "path", cfg.SQLitePath())
	return sqlite.NewStores(cfg.SQLitePath())
}

func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
