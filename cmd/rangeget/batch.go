package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newBatchCmd() *cobra.Command {
	var (
		dir   string
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "batch MANIFEST",
		Short: "Download every entry of a YAML manifest",
		Long: `Reads a YAML list of downloads and runs them with the configured
concurrency:

  - url: https://example.com/a.iso
    file_name: a.iso
  - url: https://example.com/b.tar.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := readManifest(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadCLIConfig(dir)
			if err != nil {
				return err
			}

			// Every entry is submitted up front.
			cfg.QueueLimit = max(cfg.QueueLimit, len(targets))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ctx = setupLogger(ctx, cfg)

			var progress io.Writer
			if !quiet {
				progress = cmd.ErrOrStderr()
			}

			return fetchAll(ctx, cfg, targets, cmd.OutOrStdout(), progress)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Directory to save into (default: TARGET_DIR or the working directory)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")

	return cmd
}

func readManifest(path string) ([]target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var targets []target
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	for i, tg := range targets {
		if tg.URL == "" {
			return nil, fmt.Errorf("manifest entry %d has no url", i+1)
		}
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("manifest %s has no entries", path)
	}

	return targets, nil
}
