package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValerySidorin/ferry/pkg/history/record"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id, status string, finished time.Time) record.Entry {
	return record.Entry{
		ID:         id,
		Source:     "https://example.com/" + id,
		Format:     "best",
		Container:  "mp4",
		Status:     status,
		CreatedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
	}
}

func TestStoreSaveAndList(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, Config{Path: ":memory:"}, log.NewNopLogger())
	require.NoError(t, err)
	defer s.Close(ctx)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, entry("a", "completed", base)))
	require.NoError(t, s.Save(ctx, entry("b", "failed", base.Add(time.Second))))
	require.NoError(t, s.Save(ctx, entry("c", "cancelled", base.Add(2*time.Second))))

	entries, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
	assert.True(t, entries[1].FinishedAt.Equal(base.Add(time.Second)))
}

func TestStoreSaveUpserts(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, Config{Path: ":memory:"}, log.NewNopLogger())
	require.NoError(t, err)
	defer s.Close(ctx)

	now := time.Now().UTC()
	e := entry("a", "failed", now)
	e.ErrorKind = "network"
	require.NoError(t, s.Save(ctx, e))

	e.Status = "completed"
	e.ErrorKind = ""
	e.Path = "/downloads/a/a.mp4"
	e.Size = 1024
	e.AudioOnly = true
	require.NoError(t, s.Save(ctx, e))

	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "completed", entries[0].Status)
	assert.Empty(t, entries[0].ErrorKind)
	assert.Equal(t, int64(1024), entries[0].Size)
	assert.False(t, entries[0].AudioOnly)
}

func TestStorePersistsToFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := NewStore(ctx, Config{Path: path}, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, entry("a", "completed", time.Now())))
	require.NoError(t, s.Close(ctx))

	s, err = NewStore(ctx, Config{Path: path}, log.NewNopLogger())
	require.NoError(t, err)
	defer s.Close(ctx)

	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)
}
