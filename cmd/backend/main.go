package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	configloader "github.com/foxseedlab/kikitori/external/config"
	"github.com/foxseedlab/kikitori/external/realtime"
	repositoryimpl "github.com/foxseedlab/kikitori/external/repository"
	transcriberimpl "github.com/foxseedlab/kikitori/external/transcriber"
	webhookimpl "github.com/foxseedlab/kikitori/external/webhook"
	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/samber/do/v2"
)

const (
	orphanCleanupTimeout = 15 * time.Second
	shutdownTimeout      = 30 * time.Second
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching realtime server")
	runServer(injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	session.RegisterDI(injector)
	realtime.RegisterDI(injector)

	return injector
}

func runServer(injector do.Injector) {
	svc, err := do.Invoke[*session.Service](injector)
	if err != nil {
		slog.Error("failed to resolve session service", "error", err)
		os.Exit(1)
	}
	server, err := do.Invoke[*realtime.Server](injector)
	if err != nil {
		slog.Error("failed to resolve realtime server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), orphanCleanupTimeout)
	if err := svc.CompleteOrphanedSessions(ctx); err != nil {
		slog.Error("failed to complete orphaned sessions", "error", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		if err := server.ListenAndServe(); err != nil {
			slog.Error("realtime server failed", "error", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-done:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	// The server shuts down before the session service, which waits for
	// finalization before the database pool closes.
	report := injector.ShutdownWithContext(shutdownCtx)
	if !report.Succeed {
		slog.Error("shutdown finished with errors", "error", report.Error())
	}
}
