package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/italolelis/rangeget/internal/config"
	"github.com/italolelis/rangeget/internal/downloader"
	"github.com/italolelis/rangeget/internal/logctx"
	"github.com/italolelis/rangeget/internal/manager"
	"github.com/italolelis/rangeget/internal/scheduler"
	"github.com/italolelis/rangeget/internal/storage"
	"github.com/italolelis/rangeget/internal/storage/filestore"
	"github.com/italolelis/rangeget/internal/storage/sqlite"
	"github.com/italolelis/rangeget/internal/telemetry"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rangeget",
		Short:        "Resumable HTTP download manager",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd(), newGetCmd(), newBatchCmd())

	return root
}

// setupLogger installs the JSON logger used by every command and returns a
// context carrying it.
func setupLogger(ctx context.Context, cfg *config.Config) context.Context {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	return logctx.WithLogger(ctx, logger)
}

// engine is the download stack shared by the commands.
type engine struct {
	mgr     *manager.Manager
	store   storage.ResumeStore
	tel     *telemetry.Telemetry
	closers []func() error
}

func newEngine(ctx context.Context, cfg *config.Config, options ...manager.Option) (*engine, error) {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	e := &engine{tel: tel}
	e.closers = append(e.closers, func() error { return tel.Shutdown(context.Background()) })

	// =========================================================================
	// Start Resume Store
	store, err := buildResumeStore(cfg, tel, e)
	if err != nil {
		_ = e.Close()

		return nil, err
	}

	e.store = store

	// =========================================================================
	// Start Download Manager
	fetchOpts := downloader.Options{
		ChunkSize:        cfg.ChunkSize,
		ProgressInterval: cfg.ProgressInterval,
		IdleTimeout:      cfg.IdleTimeout,
	}

	fetcher := downloader.NewInstrumentedFetcher(
		downloader.NewFetcher(downloader.NewHTTPClient(tel, fetchOpts), fetchOpts),
		tel,
	)

	e.mgr = manager.New(fetcher, store, cfg.TargetDir, tel, scheduler.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		QueueLimit:    cfg.QueueLimit,
	}, options...)

	logger.Debug("download engine ready",
		"target_dir", cfg.TargetDir,
		"resume_store", cfg.ResumeStore,
		"max_concurrent", cfg.MaxConcurrent,
	)

	return e, nil
}

// This is an abstract factory for the resume store.
func buildResumeStore(cfg *config.Config, tel *telemetry.Telemetry, e *engine) (storage.ResumeStore, error) {
	switch cfg.ResumeStore {
	case config.ResumeStoreSQLite:
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open resume database: %w", err)
		}

		e.closers = append(e.closers, db.Close)

		return sqlite.NewInstrumentedResumeRepository(db, tel), nil
	case config.ResumeStoreFile:
		fs, err := filestore.New(cfg.StateDir)
		if err != nil {
			return nil, err
		}

		return storage.NewInstrumentedStore(fs, tel), nil
	}

	return nil, fmt.Errorf("invalid resume store: %s", cfg.ResumeStore)
}

// Close releases the store and flushes telemetry, newest first.
func (e *engine) Close() error {
	var errs []error

	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
