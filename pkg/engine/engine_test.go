package engine

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifyTest struct {
	msg  string
	kind job.ErrorKind
}

var classifyTests = []classifyTest{
	{"ERROR: Unsupported URL: https://example.invalid/x", job.KindUnsupportedSource},
	{"ERROR: 'not a url' is not a valid URL", job.KindUnsupportedSource},
	{"ERROR: [generic] Unable to download webpage: <urlopen error [Errno -2] Name or service not known>", job.KindNetwork},
	{"read tcp: connection reset by peer", job.KindNetwork},
	{"ERROR: Postprocessing: something odd", job.KindEngine},
}

func TestClassifyMessage(t *testing.T) {
	for _, v := range classifyTests {
		assert.Equal(t, v.kind, ClassifyMessage(v.msg), v.msg)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, job.KindMergeFailed, KindOf(NewError(job.KindMergeFailed, errors.New("x"))))
	assert.Equal(t, job.KindIO, KindOf(errors.Wrap(NewError(job.KindIO, errors.New("disk")), "wrapped")))
	assert.Equal(t, job.KindNetwork, KindOf(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, job.KindNetwork, KindOf(context.DeadlineExceeded))
	assert.Equal(t, job.KindEngine, KindOf(errors.New("exit status 1")))
	assert.Nil(t, NewError(job.KindIO, nil))
}

func TestIsDirect(t *testing.T) {
	tests := map[string]bool{
		"https://cdn.example.com/clip.mp4":         true,
		"http://cdn.example.com/a/b/track.MP3?x=1": true,
		"https://www.youtube.com/watch?v=abc":      false,
		"https://example.com/page.html":            false,
		"ftp://example.com/clip.mp4":               false,
		"clip.mp4":                                 false,
	}
	for src, direct := range tests {
		assert.Equal(t, direct, IsDirect(src), fmt.Sprintf("source %q", src))
	}
}

type namedEngine struct {
	name string
	got  *string
}

func (n namedEngine) Name() string { return n.name }

func (n namedEngine) Download(_ context.Context, _ Options, _ ProgressFunc) (*Outcome, error) {
	*n.got = n.name
	return &Outcome{}, nil
}

func TestRouter(t *testing.T) {
	var got string
	r := &Router{
		Extractor: namedEngine{name: "ytdlp", got: &got},
		Direct:    namedEngine{name: "http", got: &got},
	}
	assert.Equal(t, "auto(ytdlp,http)", r.Name())

	_, err := r.Download(context.Background(), Options{Source: "https://cdn.example.com/a.mp4"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http", got)

	_, err = r.Download(context.Background(), Options{Source: "https://cdn.example.com/a.mp4", AudioOnly: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ytdlp", got)

	_, err = r.Download(context.Background(), Options{Source: "https://video.example.com/watch?v=1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ytdlp", got)
}

func TestReportProgress(t *testing.T) {
	p := Report{DownloadedBytes: 10, TotalBytes: 0, ETA: -1, Stage: job.StageDownloading}.Progress()
	assert.Nil(t, p.TotalBytes)
	assert.Nil(t, p.ETASeconds)

	p = Report{DownloadedBytes: 10, TotalBytes: 100, ETA: 2600 * time.Millisecond}.Progress()
	require.NotNil(t, p.TotalBytes)
	assert.Equal(t, int64(100), *p.TotalBytes)
	require.NotNil(t, p.ETASeconds)
	assert.Equal(t, int64(3), *p.ETASeconds)
}

func TestTitleFromURL(t *testing.T) {
	assert.Equal(t, "clip", TitleFromURL("https://cdn.example.com/media/clip.mp4?sig=1"))
	assert.Equal(t, "my video", TitleFromURL("https://cdn.example.com/my%20video.webm"))
	assert.Equal(t, "", TitleFromURL("https://cdn.example.com/"))
}

func TestRouterInspect(t *testing.T) {
	var got string
	r := &Router{
		Extractor: namedEngine{name: "ytdlp", got: &got},
		Direct:    namedEngine{name: "http", got: &got},
	}

	info, err := r.Inspect(context.Background(), "https://cdn.example.com/a.mp4", 0)
	require.NoError(t, err)
	assert.False(t, info.IsPlaylist)
	require.Len(t, info.Entries, 1)
	assert.Equal(t, "a", info.Entries[0].Title)

	_, err = r.Inspect(context.Background(), "https://video.example.com/watch?v=1", 0)
	assert.True(t, errors.Is(err, ErrInspectUnsupported))
}

func TestLogLines(t *testing.T) {
	var got []string
	LogLines("[youtube] abc: Downloading webpage\nWARNING: [youtube] falling back\nERROR: Video unavailable\n", func(lvl, msg string) {
		got = append(got, lvl+" "+msg)
	})

	assert.Equal(t, []string{"warn [youtube] falling back", "error Video unavailable"}, got)
	LogLines("WARNING: ignored", nil)
}
