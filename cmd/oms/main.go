package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/oms/internal/di"
	"github.com/hanko-field/oms/internal/handlers"
	"github.com/hanko-field/oms/internal/platform/config"
	"github.com/hanko-field/oms/internal/platform/observability"
	"github.com/hanko-field/oms/internal/platform/secrets"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}
	logLevel := envValues["OMS_LOG_LEVEL"]

	bootLogger, err := observability.NewLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = bootLogger.Sync()
	}()

	fetcher, err := newSecretFetcher(ctx, bootLogger, envValues)
	if err != nil {
		bootLogger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			bootLogger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			bootLogger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		bootLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	telemetry, err := observability.SetupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		bootLogger.Fatal("failed to initialise telemetry", zap.Error(err))
	}
	baseLogger, err := observability.NewLogger(logLevel, telemetry.LogCore())
	if err != nil {
		bootLogger.Fatal("failed to initialise logger", zap.Error(err))
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("oms")

	container, err := di.NewContainer(ctx, cfg, logger,
		di.WithBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
		di.WithTracerProvider(otel.GetTracerProvider()),
	)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("order service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	container.Reaper.Start(workerCtx)

	consumerDone := make(chan struct{})
	if container.Consumer != nil {
		go func() {
			defer close(consumerDone)
			consumerLogger := logger.Named("messaging").With(zap.String("driver", cfg.Messaging.Driver))
			consumerLogger.Info("deferred close consumer started")
			if err := container.Consumer.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				consumerLogger.Error("deferred close consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received; draining requests")
	case err := <-serverErr:
		logger.Error("http server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	cancelWorkers()
	container.Reaper.Stop()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("deferred close consumer did not stop in time")
	}

	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown error", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["OMS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["OMS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("OMS_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("OMS_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
	}
	if path := lookup("OMS_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentials := lookup("OMS_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
