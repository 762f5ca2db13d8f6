package job

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitionTest struct {
	from   Status
	to     Status
	output bool
}

var transitionTests = []transitionTest{
	{StatusQueued, StatusRunning, true},
	{StatusQueued, StatusCancelled, true},
	{StatusQueued, StatusMerging, false},
	{StatusQueued, StatusCompleted, false},
	{StatusQueued, StatusFailed, false},
	{StatusRunning, StatusMerging, true},
	{StatusRunning, StatusCompleted, true},
	{StatusRunning, StatusFailed, true},
	{StatusRunning, StatusCancelled, true},
	{StatusRunning, StatusQueued, false},
	{StatusMerging, StatusCompleted, true},
	{StatusMerging, StatusFailed, true},
	{StatusMerging, StatusCancelled, true},
	{StatusMerging, StatusRunning, false},
	{StatusCompleted, StatusCancelled, false},
	{StatusFailed, StatusRunning, false},
	{StatusCancelled, StatusQueued, false},
}

func TestCanTransitionTo(t *testing.T) {
	for _, v := range transitionTests {
		res := v.from.CanTransitionTo(v.to)
		assert.Equal(t, v.output, res, fmt.Sprintf("%s -> %s", v.from, v.to))
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s.String())
	}
	for _, s := range []Status{StatusQueued, StatusRunning, StatusMerging} {
		assert.False(t, s.IsTerminal(), s.String())
	}
}

func newRunning(t *testing.T) Record {
	t.Helper()
	rec := New(NewID(), Request{Source: "https://example.com/v"}, time.Now())
	require.NoError(t, rec.Transition(StatusRunning, StageStarting))
	return rec
}

func TestApplyProgressIsMonotonic(t *testing.T) {
	rec := newRunning(t)

	total := int64(1000)
	require.NoError(t, rec.ApplyProgress(Progress{DownloadedBytes: 400, TotalBytes: &total, Stage: StageDownloading}))
	require.NoError(t, rec.ApplyProgress(Progress{DownloadedBytes: 100, TotalBytes: &total, Stage: StageDownloading}))

	assert.Equal(t, int64(400), rec.Progress.DownloadedBytes)
	assert.Equal(t, StageDownloading, rec.Progress.Stage)
}

func TestApplyProgressAfterTerminal(t *testing.T) {
	rec := newRunning(t)
	require.NoError(t, rec.Cancel())

	err := rec.ApplyProgress(Progress{DownloadedBytes: 10})
	assert.True(t, errors.Is(err, ErrAlreadyTerminal))
	assert.Equal(t, int64(0), rec.Progress.DownloadedBytes)
}

func TestCompleteSetsResultOnly(t *testing.T) {
	rec := newRunning(t)
	require.NoError(t, rec.Complete(Result{Path: "/tmp/x.mp4", Size: 42}))

	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, int64(42), rec.Result.Size)
	assert.Nil(t, rec.Error)

	err := rec.Cancel()
	assert.True(t, errors.Is(err, ErrAlreadyTerminal))
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestFailSetsErrorOnly(t *testing.T) {
	rec := newRunning(t)
	require.NoError(t, rec.Fail(KindNetwork, "connection reset"))

	assert.Equal(t, StatusFailed, rec.Status)
	assert.Nil(t, rec.Result)
	require.NotNil(t, rec.Error)
	assert.Equal(t, KindNetwork, rec.Error.Kind)
}

func TestFailFromQueuedIsInvalid(t *testing.T) {
	rec := New(NewID(), Request{Source: "x"}, time.Now())

	err := rec.Fail(KindIO, "boom")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusQueued, rec.Status)
}

func TestTransitionRejectsTerminal(t *testing.T) {
	rec := newRunning(t)

	err := rec.Transition(StatusCompleted, StageFinished)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusRunning, rec.Status)
}

func TestCloneIsDeep(t *testing.T) {
	rec := newRunning(t)
	total := int64(10)
	require.NoError(t, rec.ApplyProgress(Progress{DownloadedBytes: 1, TotalBytes: &total}))
	require.NoError(t, rec.Complete(Result{Path: "a", Size: 1}))

	c := rec.Clone()
	*c.Progress.TotalBytes = 99
	c.Result.Path = "b"

	assert.Equal(t, int64(10), *rec.Progress.TotalBytes)
	assert.Equal(t, "a", rec.Result.Path)
}

func TestCloneCopiesLogAndChildren(t *testing.T) {
	rec := newRunning(t)
	rec.AddLog(time.Now(), LogWarn, "slow")
	rec.Children = []string{"a", "b"}

	c := rec.Clone()
	c.Log[0].Message = "changed"
	c.Children[0] = "z"

	assert.Equal(t, "slow", rec.Log[0].Message)
	assert.Equal(t, []string{"a", "b"}, rec.Children)
}

func TestAddLogKeepsNewest(t *testing.T) {
	rec := newRunning(t)
	now := time.Now()
	for i := 0; i < MaxLogEntries+5; i++ {
		rec.AddLog(now, LogInfo, fmt.Sprintf("line %d", i))
	}

	require.Len(t, rec.Log, MaxLogEntries)
	assert.Equal(t, "line 5", rec.Log[0].Message)
	assert.Equal(t, fmt.Sprintf("line %d", MaxLogEntries+4), rec.Log[MaxLogEntries-1].Message)
}

type normalizeTest struct {
	req       Request
	format    string
	container string
	isErr     bool
}

var normalizeTests = []normalizeTest{
	{Request{Source: " https://example.com/v "}, FormatBest, "mp4", false},
	{Request{Source: "https://example.com/v", Format: "720P", Container: ".MKV"}, "720p", "mkv", false},
	{Request{Source: "https://example.com/v", AudioOnly: true}, FormatBest, "mp3", false},
	{Request{Source: "https://example.com/v", AudioOnly: true, Container: "m4a"}, FormatBest, "m4a", false},
	{Request{Source: "https://example.com/v", AudioOnly: true, Container: "mkv"}, "", "", true},
	{Request{Source: "https://example.com/v", Format: "999x"}, "", "", true},
	{Request{Source: "   "}, "", "", true},
	{Request{Source: "not a url at all"}, FormatBest, "mp4", false},
}

func TestNormalize(t *testing.T) {
	for _, v := range normalizeTests {
		res, err := v.req.Normalize()
		if v.isErr {
			assert.True(t, errors.Is(err, ErrInvalidRequest), fmt.Sprintf("%+v", v.req))
			continue
		}

		require.NoError(t, err)
		assert.Equal(t, v.format, res.Format)
		assert.Equal(t, v.container, res.Container)
	}
}

func TestHeight(t *testing.T) {
	assert.Equal(t, 1080, Request{Format: "1080p"}.Height())
	assert.Equal(t, 0, Request{Format: FormatBest}.Height())
	assert.Equal(t, 0, Request{Format: ""}.Height())
}
