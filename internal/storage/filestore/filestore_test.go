package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/rangeget/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoadClear(t *testing.T) {
	ctx := context.Background()

	store, err := New(filepath.Join(t.TempDir(), "resume"))
	require.NoError(t, err)

	rec := storage.ResumeRecord{
		ID:              "a1b2",
		URL:             "https://example.com/big.iso",
		DestinationPath: "/downloads/big.iso",
		ReceivedBytes:   1 << 20,
		TotalBytes:      -1,
		Validator:       `"33a64df5"`,
		UpdatedAt:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Load(ctx, "a1b2")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)

	require.NoError(t, store.Clear(ctx, "a1b2"))
	require.NoError(t, store.Clear(ctx, "a1b2"))

	_, err = store.Load(ctx, "a1b2")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, storage.ResumeRecord{ID: "x", URL: "u", DestinationPath: "d", ReceivedBytes: 7}))

	reopened, err := New(dir)
	require.NoError(t, err)

	got, err := reopened.Load(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ReceivedBytes)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStore_ListSkipsForeignFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New(dir)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, storage.ResumeRecord{ID: "new", UpdatedAt: now}))
	require.NoError(t, store.Save(ctx, storage.ResumeRecord{ID: "old", UpdatedAt: now.Add(-time.Hour)}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "old", all[0].ID)
	assert.Equal(t, "new", all[1].ID)
}

func TestStore_RejectsPathLikeIDs(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "a/b", "a.b"} {
		require.Error(t, store.Save(context.Background(), storage.ResumeRecord{ID: id}), "id %q", id)
	}
}
