package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGet(t *testing.T) {
	r := New()
	rec := r.Create(job.Request{Source: "https://example.com/a"})

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, job.StatusQueued, rec.Status)

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "https://example.com/a", got.Request.Source)
}

func TestCreateWithOptions(t *testing.T) {
	r := New()
	rec := r.Create(job.Request{Source: "x"}, func(rec *job.Record) {
		rec.Parent = "parent"
		rec.Title = "first entry"
	})

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "parent", got.Parent)
	assert.Equal(t, "first entry", got.Title)
	assert.Equal(t, uint64(1), got.Revision)
}

func TestGetNotFound(t *testing.T) {
	r := New()

	_, err := r.Get("nonexistent-id")
	assert.True(t, errors.Is(err, job.ErrNotFound))

	_, err = r.Update("nonexistent-id", func(rec *job.Record) error { return nil })
	assert.True(t, errors.Is(err, job.ErrNotFound))

	assert.True(t, errors.Is(r.Remove("nonexistent-id"), job.ErrNotFound))
}

func TestCreateUniqueIDs(t *testing.T) {
	r := New()
	ids := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		ids[r.Create(job.Request{Source: "x"}).ID] = struct{}{}
	}

	assert.Len(t, ids, 1000)
}

func TestUpdateFailedMutatorLeavesRecord(t *testing.T) {
	r := New()
	rec := r.Create(job.Request{Source: "x"})

	_, err := r.Update(rec.ID, func(rec *job.Record) error {
		rec.Title = "changed"
		return errors.New("nope")
	})
	require.Error(t, err)

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Title)
	assert.Equal(t, rec.Revision, got.Revision)
}

func TestUpdateKeepsIdentity(t *testing.T) {
	r := New()
	rec := r.Create(job.Request{Source: "x"})

	got, err := r.Update(rec.ID, func(rec *job.Record) error {
		rec.ID = "other"
		rec.Request.Source = "y"
		return rec.Transition(job.StatusRunning, job.StageStarting)
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "x", got.Request.Source)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Greater(t, got.Revision, rec.Revision)
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	rec := r.Create(job.Request{Source: "x"})

	got, _ := r.Get(rec.ID)
	got.Status = job.StatusFailed

	again, _ := r.Get(rec.ID)
	assert.Equal(t, job.StatusQueued, again.Status)
}

func TestWatchWakesOnUpdate(t *testing.T) {
	r := New()
	rec := r.Create(job.Request{Source: "x"})

	_, ch, err := r.Watch(rec.ID)
	require.NoError(t, err)

	go func() {
		_, _ = r.Update(rec.ID, func(rec *job.Record) error {
			return rec.Transition(job.StatusRunning, job.StageStarting)
		})
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watch channel was not closed")
	}

	got, _, err := r.Watch(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
}

func TestWatchWakesOnRemove(t *testing.T) {
	r := New()
	rec := r.Create(job.Request{Source: "x"})

	_, ch, err := r.Watch(rec.ID)
	require.NoError(t, err)
	require.NoError(t, r.Remove(rec.ID))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watch channel was not closed")
	}

	_, _, err = r.Watch(rec.ID)
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestConcurrentUpdates(t *testing.T) {
	r := New()
	recs := make([]job.Record, 8)
	for i := range recs {
		recs[i] = r.Create(job.Request{Source: "x"})
		_, err := r.Update(recs[i].ID, func(rec *job.Record) error {
			return rec.Transition(job.StatusRunning, job.StageDownloading)
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, rec := range recs {
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(1); i <= 200; i++ {
				_, _ = r.Update(rec.ID, func(rec *job.Record) error {
					return rec.ApplyProgress(job.Progress{DownloadedBytes: i})
				})
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for i := 0; i < 200; i++ {
				got, err := r.Get(rec.ID)
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, got.Progress.DownloadedBytes, last)
				last = got.Progress.DownloadedBytes
				_ = r.List()
			}
		}()
	}
	wg.Wait()

	for _, rec := range recs {
		got, err := r.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(200), got.Progress.DownloadedBytes)
	}
}

func TestEvict(t *testing.T) {
	r := New()
	now := time.Now()
	r.now = func() time.Time { return now.Add(-7 * time.Hour) }

	old := r.Create(job.Request{Source: "old"})
	_, err := r.Update(old.ID, func(rec *job.Record) error { return rec.Cancel() })
	require.NoError(t, err)

	oldActive := r.Create(job.Request{Source: "old-active"})

	r.now = func() time.Time { return now }
	fresh := r.Create(job.Request{Source: "fresh"})
	_, err = r.Update(fresh.ID, func(rec *job.Record) error { return rec.Cancel() })
	require.NoError(t, err)

	var evicted []string
	e := NewEvictor(RetentionConfig{Period: 6 * time.Hour}, r, func(rec job.Record) {
		evicted = append(evicted, rec.ID)
	}, log.NewNopLogger())

	res := e.Evict(now)
	require.Len(t, res, 1)
	assert.Equal(t, []string{old.ID}, evicted)

	_, err = r.Get(old.ID)
	assert.True(t, errors.Is(err, job.ErrNotFound))
	_, err = r.Get(oldActive.ID)
	assert.NoError(t, err)
	_, err = r.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestEvictDisabled(t *testing.T) {
	r := New()
	rec := r.Create(job.Request{Source: "x"})
	_, err := r.Update(rec.ID, func(rec *job.Record) error { return rec.Cancel() })
	require.NoError(t, err)

	e := NewEvictor(RetentionConfig{}, r, nil, log.NewNopLogger())
	assert.Empty(t, e.Evict(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, r.Len())
}
