package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/rangeget/internal/cleanup"
	"github.com/italolelis/rangeget/internal/config"
	"github.com/italolelis/rangeget/internal/http/rest"
	"github.com/italolelis/rangeget/internal/logctx"
	"github.com/italolelis/rangeget/internal/manager"
	"github.com/italolelis/rangeget/internal/notifier"
	"github.com/italolelis/rangeget/internal/telemetry"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download manager with its HTTP API",
		Long: `Runs the download manager as a service. Configuration is read from the
environment (TARGET_DIR, MAX_CONCURRENT, RESUME_STORE, WEB_BIND_ADDRESS, ...).
Transfers interrupted by a previous run are restored as paused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ctx = setupLogger(ctx, cfg)

			logger := logctx.LoggerFromContext(ctx)
			logger.Info("rangeget starting...",
				"log_level", cfg.LogLevel,
				"version", version,
				"instance_id", telemetry.InstanceID(),
			)

			if err := serve(ctx, cfg); err != nil {
				logger.Error("fatal error", "err", err)

				return err
			}

			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	// =========================================================================
	// Start Engine
	eng, err := newEngine(ctx, cfg, manager.WithObserver(observer(ctx, notif)))
	if err != nil {
		return err
	}

	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("failed to close engine", "err", err)
		}
	}()

	restored, err := eng.mgr.RestorePaused(ctx)
	if err != nil {
		logger.Error("failed to restore paused transfers", "err", err)
	} else if restored > 0 {
		logger.Info("restored paused transfers", "count", restored)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	schedulerDone := make(chan error, 1)

	go func() {
		schedulerDone <- eng.mgr.Run(runCtx)
	}()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, eng, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"max_concurrent", cfg.MaxConcurrent,
		"queue_limit", cfg.QueueLimit,
		"retention", cfg.KeepResumeDataFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	go runCleanup(ctx, eng, cfg)

	select {
	case err := <-serverErrors:
		cancelRun()
		<-schedulerDone

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	// Running transfers are paused and their resume data saved.
	if err := <-schedulerDone; err != nil {
		logger.Error("scheduler stopped with error", "err", err)
	}

	return nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, eng *engine, cfg *config.Config) *http.Server {
	handler := rest.NewDownloadsHandler(eng.mgr, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(eng.tel).Middleware)
	r.Handle("/metrics", eng.tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// observer logs every finished transfer and forwards it to notif when set.
func observer(ctx context.Context, notif notifier.Notifier) manager.Callbacks {
	logger := logctx.LoggerFromContext(ctx)

	notify := func(content string) {
		if notif == nil {
			return
		}

		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()

		if err := notif.Notify(notifyCtx, content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	return manager.Callbacks{
		OnSuccess: func(s manager.Success) {
			logger.Info("download finished", "task_id", s.ID, "url", s.URL, "path", s.Path, "bytes", s.Bytes)

			notify("✅ Download finished: " + s.Path)
		},
		OnFailure: func(f manager.Failure) {
			logger.Warn("download stopped",
				"task_id", f.ID,
				"url", f.URL,
				"kind", string(f.Kind),
				"resumable", f.Resumable,
				"err", f.Err,
			)

			notify(fmt.Sprintf("❌ Download stopped (%s): %s", f.Kind, f.URL))
		},
	}
}

func runCleanup(ctx context.Context, eng *engine, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	inUse := func(id string) bool {
		st, err := eng.mgr.Status(id)

		return err == nil && st.IsActive()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			removed, err := cleanup.DeleteExpiredResumeData(ctx, eng.store, cfg.KeepResumeDataFor, inUse)
			if err != nil {
				logger.Error("failed to delete expired resume data", "err", err)

				continue
			}

			if removed > 0 {
				logger.Info("expired resume data removed", "count", removed)
			}
		}
	}
}
