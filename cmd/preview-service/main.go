// preview-service is the HTTP API server for the poster preview renderer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"previewstudio/internal/api"
	"previewstudio/internal/artifact"
	"previewstudio/internal/config"
	"previewstudio/internal/events"
	"previewstudio/internal/health"
	"previewstudio/internal/job"
	"previewstudio/internal/notify"
	"previewstudio/internal/observability"
	"previewstudio/internal/orchestrator"
	"previewstudio/internal/queue"
	"previewstudio/internal/runner"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	queueCfg := queue.LoadConfigFromEnv()
	notifierCfg := notify.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback notifier
	notifier := notify.NewMemory(notifierCfg, metrics)

	// Create job store, event bus and container runner
	store, err := job.NewStore(filepath.Join(svcCfg.DataDir, "jobs"))
	if err != nil {
		return err
	}
	bus := events.NewBus()

	jobsHostRoot := ""
	if svcCfg.HostDataDir != "" {
		jobsHostRoot = filepath.Join(svcCfg.HostDataDir, "jobs")
	}
	containerRunner, err := runner.NewRunner(runner.Config{
		Image:           svcCfg.RendererImage,
		FontsDir:        svcCfg.FontsDir,
		AssetsDir:       svcCfg.AssetsDir,
		BackupConfigDir: svcCfg.BackupConfigDir,
		CacheDir:        svcCfg.CacheDir,
		JobsLocalRoot:   store.Root(),
		JobsHostRoot:    jobsHostRoot,
	}, bus)
	if err != nil {
		return err
	}
	defer containerRunner.Close()

	slog.Info("Connected to Docker daemon")

	// Create orchestrator (recovers interrupted queue entries)
	orc, err := orchestrator.New(orchestrator.Config{
		Store:          store,
		Runner:         containerRunner,
		Bus:            bus,
		Resolver:       artifact.NewResolver(store),
		Notifier:       notifier,
		Metrics:        metrics,
		QueueRoot:      filepath.Join(svcCfg.DataDir, "queue"),
		Queue:          queueCfg,
		ResolveTargets: resolveTargetsFromOptions,
	})
	if err != nil {
		return err
	}
	defer orc.Close()

	// Create health checker
	healthChecker := health.NewChecker(containerRunner)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Orchestrator:  orc,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Report queue depths on the metrics gauge
	go reportQueueDepth(ctx, orc, metrics)

	// Create API server
	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain callback notifier
	slog.Info("Draining callback notifier")
	notifierCtx, notifierCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifierCancel()
	if err := notifier.Close(notifierCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	// Log final notifier stats
	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// An interrupted render is re-flagged as stalled on the next start; the
	// orchestrator's Close stops the worker after the current attempt's
	// container exits or the process dies.
	slog.Info("Shutdown complete")
	return nil
}

// resolveTargetsFromOptions is the built-in target resolver: one render
// target per requested item id. Deployments with a metadata service in
// front of this API replace it with a resolver that fills in titles and
// artwork sources.
func resolveTargetsFromOptions(ctx context.Context, payload job.Payload) ([]job.Target, []string, error) {
	var warnings []string
	if len(payload.Options.ItemIDs) == 0 {
		warnings = append(warnings, "no item ids given, rendering whole library "+payload.Options.Library)
	}

	targets := make([]job.Target, 0, len(payload.Options.ItemIDs))
	seen := make(map[string]bool, len(payload.Options.ItemIDs))
	for _, id := range payload.Options.ItemIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		targets = append(targets, job.Target{
			ID:                id,
			Title:             id,
			Type:              job.TargetMovie,
			BaseArtworkSource: job.ArtworkNone,
		})
	}
	if len(payload.Options.ItemIDs) > 0 && len(targets) == 0 {
		return nil, nil, fmt.Errorf("no usable item ids in submission")
	}
	return targets, warnings, nil
}

// reportQueueDepth samples per-state queue depths for the metrics gauge.
func reportQueueDepth(ctx context.Context, orc *orchestrator.Orchestrator, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for state, depth := range orc.QueueCounts() {
				metrics.RecordQueueDepth(ctx, string(state), int64(depth))
			}
		}
	}
}
