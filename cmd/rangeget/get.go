package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/rangeget/internal/config"
	"github.com/italolelis/rangeget/internal/logctx"
	"github.com/italolelis/rangeget/internal/manager"
	"github.com/spf13/cobra"
)

// errIncomplete is returned when at least one download did not finish.
var errIncomplete = errors.New("some downloads did not complete")

// target is one URL to fetch and the name to save it under.
type target struct {
	URL      string `yaml:"url"`
	FileName string `yaml:"file_name"`
}

type result struct {
	target  target
	success *manager.Success
	failure *manager.Failure
}

func newGetCmd() *cobra.Command {
	var (
		output string
		dir    string
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Download a single URL, resuming a previous partial download",
		Long: `Downloads URL into --dir. If an earlier run of the same command was
interrupted, the transfer continues from where it stopped as long as the
server still reports the same ETag or Last-Modified value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCLIConfig(dir)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ctx = setupLogger(ctx, cfg)

			var progress io.Writer
			if !quiet {
				progress = cmd.ErrOrStderr()
			}

			return fetchAll(ctx, cfg, []target{{URL: args[0], FileName: output}}, cmd.OutOrStdout(), progress)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "File name to save as (default: derived from the URL)")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Directory to save into (default: TARGET_DIR or the working directory)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")

	return cmd
}

// loadCLIConfig reads the environment like serve does, but defaults the
// target directory to the working directory and only logs warnings unless
// LOG_LEVEL says otherwise. Metrics are not exported from one-shot runs.
func loadCLIConfig(dir string) (*config.Config, error) {
	if dir == "" && os.Getenv("TARGET_DIR") == "" {
		dir = "."
	}

	cfg, err := config.LoadConfig(config.WithTargetDir(dir))
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "WARN"
	}

	cfg.Telemetry.Enabled = false

	return cfg, nil
}

// fetchAll submits every target, waits for each to succeed or fail and
// prints a summary line per target to out. Progress lines go to progress
// when it is not nil.
func fetchAll(ctx context.Context, cfg *config.Config, targets []target, out, progress io.Writer) error {
	logger := logctx.LoggerFromContext(ctx)

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("failed to close engine", "err", err)
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	schedulerDone := make(chan error, 1)

	go func() {
		schedulerDone <- eng.mgr.Run(runCtx)
	}()

	results := make(chan result, len(targets))
	pending := 0

	for _, tg := range targets {
		tg := tg

		_, err := eng.mgr.Download(ctx, tg.URL, tg.FileName, manager.Callbacks{
			OnProgress: func(p manager.Progress) {
				printProgress(progress, p)
			},
			OnSuccess: func(s manager.Success) {
				results <- result{target: tg, success: &s}
			},
			OnFailure: func(f manager.Failure) {
				results <- result{target: tg, failure: &f}
			},
		})
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", tg.URL, err)

			continue
		}

		pending++
	}

	failed := len(targets) - pending

	for ; pending > 0; pending-- {
		r := <-results

		switch {
		case r.success != nil:
			fmt.Fprintf(out, "OK   %s -> %s (%s)\n", r.target.URL, r.success.Path, humanize.IBytes(uint64(r.success.Bytes)))
		case r.failure.Resumable:
			failed++

			fmt.Fprintf(out, "STOP %s: %v (run again to resume)\n", r.target.URL, r.failure.Err)
		default:
			failed++

			fmt.Fprintf(out, "FAIL %s: %v\n", r.target.URL, r.failure.Err)
		}
	}

	cancelRun()

	if err := <-schedulerDone; err != nil {
		return fmt.Errorf("scheduler stopped: %w", err)
	}

	if failed > 0 {
		return errIncomplete
	}

	return nil
}

func printProgress(w io.Writer, p manager.Progress) {
	if w == nil {
		return
	}

	if p.Fraction < 0 {
		fmt.Fprintf(w, "%s: %s\n", p.ID[:8], humanize.IBytes(uint64(p.Received)))

		return
	}

	fmt.Fprintf(w, "%s: %s / %s (%.1f%%)\n",
		p.ID[:8],
		humanize.IBytes(uint64(p.Received)),
		humanize.IBytes(uint64(p.Total)),
		p.Fraction*100,
	)
}
