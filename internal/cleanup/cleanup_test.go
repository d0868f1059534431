package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/rangeget/internal/downloader"
	"github.com/italolelis/rangeget/internal/storage"
	"github.com/italolelis/rangeget/internal/storage/filestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteExpiredResumeData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := filestore.New(filepath.Join(dir, "state"))
	require.NoError(t, err)

	now := time.Now().UTC()

	records := []storage.ResumeRecord{
		{ID: "fresh", DestinationPath: filepath.Join(dir, "fresh.bin"), UpdatedAt: now.Add(-time.Minute)},
		{ID: "stale", DestinationPath: filepath.Join(dir, "stale.bin"), UpdatedAt: now.Add(-48 * time.Hour)},
		{ID: "busy", DestinationPath: filepath.Join(dir, "busy.bin"), UpdatedAt: now.Add(-48 * time.Hour)},
	}

	for _, rec := range records {
		require.NoError(t, store.Save(ctx, rec))
		require.NoError(t, os.WriteFile(downloader.PartPath(rec.DestinationPath), []byte("partial"), 0o644))
	}

	removed, err := DeleteExpiredResumeData(ctx, store, 24*time.Hour, func(id string) bool { return id == "busy" })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Load(ctx, "stale")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoFileExists(t, downloader.PartPath(records[1].DestinationPath))

	for _, id := range []string{"fresh", "busy"} {
		_, err := store.Load(ctx, id)
		require.NoError(t, err, id)
	}

	assert.FileExists(t, downloader.PartPath(records[0].DestinationPath))
	assert.FileExists(t, downloader.PartPath(records[2].DestinationPath))
}

func TestDeleteExpiredResumeData_MissingPartFile(t *testing.T) {
	ctx := context.Background()

	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, storage.ResumeRecord{
		ID:              "gone",
		DestinationPath: filepath.Join(t.TempDir(), "gone.bin"),
		UpdatedAt:       time.Now().Add(-time.Hour),
	}))

	removed, err := DeleteExpiredResumeData(ctx, store, time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
