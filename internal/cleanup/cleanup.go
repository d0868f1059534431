package cleanup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/italolelis/rangeget/internal/downloader"
	"github.com/italolelis/rangeget/internal/logctx"
	"github.com/italolelis/rangeget/internal/storage"
)

// DeleteExpiredResumeData removes resume records last updated more than
// keepDuration ago together with their partial files. Records for which
// inUse returns true are left alone. It returns how many were removed.
func DeleteExpiredResumeData(ctx context.Context, store storage.ResumeStore, keepDuration time.Duration, inUse func(id string) bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list resume records: %w", err)
	}

	now := time.Now()
	removed := 0

	for _, rec := range records {
		if now.Sub(rec.UpdatedAt) <= keepDuration {
			continue
		}

		if inUse != nil && inUse(rec.ID) {
			continue
		}

		partPath := downloader.PartPath(rec.DestinationPath)
		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete expired partial file", "file", partPath, "err", err)

			return removed, err
		}

		if err := store.Clear(ctx, rec.ID); err != nil {
			return removed, fmt.Errorf("failed to clear expired resume record: %w", err)
		}

		removed++

		logger.Info("deleted expired resume data", "task_id", rec.ID, "file", partPath, "age", now.Sub(rec.UpdatedAt).String())
	}

	return removed, nil
}
