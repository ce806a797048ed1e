// Package app wires every component into the two long-running modes this
// binary supports: api (HTTP control surface) and worker (the background
// claim loop plus slot-lease reaper). A third mode, migrate, applies the
// migrations and exits.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/oroboros/controlplane/internal/config"
	"github.com/oroboros/controlplane/internal/httpserver"
	"github.com/oroboros/controlplane/internal/notify"
	"github.com/oroboros/controlplane/internal/platform"
	"github.com/oroboros/controlplane/internal/store"
	"github.com/oroboros/controlplane/internal/telemetry"
	"github.com/oroboros/controlplane/internal/version"
	"github.com/oroboros/controlplane/pkg/artifact"
	"github.com/oroboros/controlplane/pkg/eventlog"
	"github.com/oroboros/controlplane/pkg/mergegate"
	"github.com/oroboros/controlplane/pkg/metrics"
	"github.com/oroboros/controlplane/pkg/release"
	"github.com/oroboros/controlplane/pkg/run"
	"github.com/oroboros/controlplane/pkg/slotlease"
	"github.com/oroboros/controlplane/pkg/worker"
	"github.com/oroboros/controlplane/pkg/worktree"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting oroborosd", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "oroborosd", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	if cfg.Mode == "migrate" {
		return nil
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	slots := slotlease.NewManager(cfg.SlotIDs, cfg.SlotLeaseTTL)
	worktrees := worktree.NewManager(cfg.SlotIDs, cfg.RepoRootPath, cfg.WorktreeRootPath)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, slots, worktrees)
	case "worker":
		return runWorker(ctx, cfg, logger, db, slots, worktrees)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, slots *slotlease.Manager, worktrees *worktree.Manager) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	runStore := run.NewStoreWithResources(db, slots, worktrees, rdb)
	artifactStore := artifact.NewStore(db, cfg.ArtifactRoot)
	releaseStore := release.NewStore(db)
	gate := mergegate.NewGate(db, slots, worktrees, mergeGateConfig(cfg), logger)

	run.NewHandler(runStore).Routes(srv.APIRouter)
	slotlease.NewHandler(slots, db).Routes(srv.APIRouter)
	worktree.NewHandler(worktrees, db).Routes(srv.APIRouter)
	artifact.NewHandler(artifactStore).Routes(srv.APIRouter)
	mergegate.NewHandler(gate).Routes(srv.APIRouter)
	release.NewHandler(releaseStore).Routes(srv.APIRouter)
	metrics.NewHandler(db).Routes(srv.APIRouter)

	eventsHandler := eventlog.NewHandler(store.NewPool(db), rdb)
	srv.APIRouter.Get("/runs/{id}/events", eventsHandler.ListEvents)
	srv.APIRouter.Get("/runs/{id}/events/stream", eventsHandler.Stream)
	srv.APIRouter.Get("/runs/{id}/events/ws", eventsHandler.StreamWS)
	srv.APIRouter.Get("/events/schema", eventsHandler.Schema)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, slots *slotlease.Manager, worktrees *worktree.Manager) error {
	logger.Info("worker started")

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	orchestrator := worker.NewOrchestrator(db, slots, worktrees, workerConfig(cfg), logger)

	reapInterval := 30 * time.Second
	go runSlotReaper(ctx, db, slots, logger, reapInterval)
	go runTerminalNotifier(ctx, db, notifier, logger, 5*time.Second)

	return orchestrator.Run(ctx)
}

// runTerminalNotifier polls for runs that reached a terminal status since
// the last tick and posts a best-effort Slack notification for each.
func runTerminalNotifier(ctx context.Context, db *pgxpool.Pool, notifier *notify.Notifier, logger *slog.Logger, interval time.Duration) {
	if !notifier.IsEnabled() {
		return
	}

	runStore := run.NewStore(db)
	since := time.Now().UTC()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newSince := time.Now().UTC()
			for _, status := range []string{"merged", "failed", "canceled", "expired"} {
				rows, err := runStore.List(ctx, run.ListFilters{Status: status, Limit: 50})
				if err != nil {
					logger.Error("terminal notifier: listing runs", "status", status, "error", err)
					continue
				}
				for _, r := range rows {
					if r.UpdatedAt.Before(since) || r.UpdatedAt.After(newSince) {
						continue
					}
					notifier.RunTerminal(ctx, r)
				}
			}
			since = newSince
		}
	}
}

func runSlotReaper(ctx context.Context, db *pgxpool.Pool, slots *slotlease.Manager, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := store.WithTxResult(ctx, db, func(ctx context.Context, tx store.DBTX) (slotlease.ReapResult, error) {
				return slots.ReapExpired(ctx, tx)
			})
			if err != nil {
				logger.Error("slot lease reaper cycle failed", "error", err)
				continue
			}
			if result.ExpiredCount > 0 {
				logger.Info("reaped expired slot leases", "count", result.ExpiredCount, "slots", result.ExpiredSlots)
			}
		}
	}
}

func mergeGateConfig(cfg *config.Config) mergegate.Config {
	return mergegate.Config{
		RequiredChecks: cfg.MergeGateRequiredChecks,
		CheckCommand: func(name string) string {
			return config.CheckCommand("MERGE_GATE", name)
		},
		CheckTimeout: func(name string, fallback time.Duration) time.Duration {
			return time.Duration(config.CheckTimeoutSeconds("MERGE_GATE", name, int(fallback.Seconds()))) * time.Second
		},
		DefaultTimeout:      5 * time.Minute,
		ArtifactRoot:        cfg.ArtifactRoot,
		GitPushMode:         mergegate.PushMode(cfg.MergeGateGitPushMode),
		GitPushRemote:       cfg.MergeGateGitPushRemote,
		GitPushBranch:       cfg.MergeGateGitPushBranch,
		GitPushTimeout:      time.Duration(cfg.MergeGateGitPushTimeoutSeconds) * time.Second,
		DeployReloadCommand: cfg.MergeGateDeployReloadCommand,
		DeployHealthCommand: cfg.MergeGateDeployHealthCommand,
		DeployStepTimeout:   time.Duration(cfg.PublishStepTimeoutSeconds) * time.Second,
		TrunkBranch:         cfg.TrunkBranch,
		RepoRoot:            cfg.RepoRootPath,
		SubprocessEnvAllow:  cfg.WorkerSubprocessEnvAllow,
		SubprocessEnvBlock:  cfg.WorkerSubprocessEnvBlock,
	}
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		RunTimeout:           time.Duration(cfg.WorkerRunTimeoutSeconds) * time.Second,
		PollInterval:         time.Duration(cfg.WorkerPollIntervalSeconds * float64(time.Second)),
		HeartbeatInterval:    time.Duration(cfg.WorkerHeartbeatSeconds) * time.Second,
		CancelCheckInterval:  time.Duration(cfg.WorkerCancelCheckSeconds) * time.Second,
		ArtifactRoot:         cfg.ArtifactRoot,
		CodexBin:             cfg.WorkerCodexBin,
		CodexArgs:            cfg.WorkerCodexArgs,
		CodexCommandTemplate: cfg.WorkerCodexCommandTemplate,
		AllowedCommands:      cfg.WorkerAllowedCommands,
		AllowedPaths:         cfg.WorkerAllowedPaths,
		SubprocessEnvAllow:   cfg.WorkerSubprocessEnvAllow,
		SubprocessEnvBlock:   cfg.WorkerSubprocessEnvBlock,

		GitAuthorName:  cfg.WorkerGitAuthorName,
		GitAuthorEmail: cfg.WorkerGitAuthorEmail,

		RequiredChecks: cfg.WorkerRequiredChecks,
		CheckCommand: func(name string) string {
			return config.CheckCommand("WORKER", name)
		},
		CheckTimeout: func(name string, fallback time.Duration) time.Duration {
			return time.Duration(config.CheckTimeoutSeconds("WORKER", name, int(fallback.Seconds()))) * time.Second
		},
		DefaultCheckTimeout: 5 * time.Minute,

		PreviewDBResetScript:          cfg.PreviewDBResetScript,
		PreviewDBResetStrategy:        cfg.PreviewDBResetStrategy,
		PreviewDBResetSeedVersion:     cfg.PreviewDBResetSeedVersion,
		PreviewDBResetSnapshotVersion: cfg.PreviewDBResetSnapshotVersion,
		PreviewDBResetDryRun:          cfg.PreviewDBResetDryRun,
		PreviewDBResetTimeout:         time.Duration(cfg.PreviewDBResetTimeoutSeconds) * time.Second,

		Publish: worker.PublishConfig{
			FrontendInstallCommand: cfg.PublishFrontendInstallCommand,
			FrontendBuildCommand:   cfg.PublishFrontendBuildCommand,
			SyncCommand:            cfg.PublishSyncCommand,
			BackendSyncCommand:     cfg.PublishBackendSyncCommand,
			BackendMigrateCommand:  cfg.PublishBackendMigrateCommand,
			BackendRestartCommand:  cfg.PublishBackendRestartCommand,
			FrontendHealthCommand:  cfg.PublishFrontendHealthCommand,
			BackendHealthCommand:   cfg.PublishBackendHealthCommand,
			StepTimeout:            time.Duration(cfg.PublishStepTimeoutSeconds) * time.Second,
		},

		SlotProbeBaseURLTemplate: cfg.SlotProbeBaseURLTemplate,
		SlotProbeTimeout:         time.Duration(cfg.SlotProbeTimeoutSeconds) * time.Second,
	}
}
