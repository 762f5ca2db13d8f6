// Package enginetest provides a scripted engine for tests.
package enginetest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValerySidorin/ferry/pkg/engine"
	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

type File struct {
	Suffix string
	Size   int
}

// Engine writes Files into the job directory chunk by chunk, reporting
// cumulative progress after every chunk.
type Engine struct {
	Files  []File
	Chunks int
	Delay  time.Duration

	// Block keeps the transfer open after the first chunk until ctx ends.
	Block bool
	// Errors fails sources listed here after the first chunk.
	Errors map[string]error
	// Playlists are returned by Inspect for their source; any other source
	// is described as a single video.
	Playlists map[string]*engine.Info
	// Warnings are logged on every job before the first chunk.
	Warnings []string

	Calls *atomic.Int32

	mu      sync.Mutex
	started map[string]chan struct{}
}

func New() *Engine {
	return &Engine{
		Files:  []File{{Suffix: ".mp4", Size: 4096}},
		Chunks: 4,
		Delay:  5 * time.Millisecond,
		Calls:  atomic.NewInt32(0),
	}
}

// Split makes the engine produce a separate video and audio stream.
func (e *Engine) Split() *Engine {
	e.Files = []File{
		{Suffix: ".f137.mp4", Size: 4096},
		{Suffix: ".f140.m4a", Size: 1024},
	}
	return e
}

func (e *Engine) Name() string {
	return "fake"
}

// Started returns a channel closed once the job's first chunk is written.
func (e *Engine) Started(jobID string) <-chan struct{} {
	return e.startedCh(jobID)
}

func (e *Engine) startedCh(jobID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started == nil {
		e.started = make(map[string]chan struct{})
	}
	ch, ok := e.started[jobID]
	if !ok {
		ch = make(chan struct{})
		e.started[jobID] = ch
	}

	return ch
}

func (e *Engine) Inspect(ctx context.Context, source string, limit int) (*engine.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := e.Errors[source]; ok {
		return nil, err
	}

	if info, ok := e.Playlists[source]; ok {
		out := *info
		out.Entries = append([]engine.Entry(nil), info.Entries...)
		if limit > 0 && len(out.Entries) > limit {
			out.Entries = out.Entries[:limit]
		}
		return &out, nil
	}

	return &engine.Info{
		Title:   "fake " + source,
		Entries: []engine.Entry{{Source: source, Title: "fake " + source}},
	}, nil
}

func (e *Engine) Download(ctx context.Context, opts engine.Options, progress engine.ProgressFunc) (*engine.Outcome, error) {
	e.Calls.Inc()

	if opts.Log != nil {
		for _, w := range e.Warnings {
			opts.Log(job.LogWarn, w)
		}
	}

	var total int64
	for _, f := range e.Files {
		total += int64(f.Size)
	}

	chunks := e.Chunks
	if chunks <= 0 {
		chunks = 1
	}

	var done int64
	var files []string
	first := true
	for _, f := range e.Files {
		name := filepath.Join(opts.Dir, opts.JobID+f.Suffix)
		fh, err := os.Create(name)
		if err != nil {
			return nil, engine.NewError(job.KindIO, err)
		}
		files = append(files, name)

		chunk := f.Size / chunks
		for i := 0; i < chunks; i++ {
			n := chunk
			if i == chunks-1 {
				n = f.Size - chunk*(chunks-1)
			}
			if _, err := fh.Write(make([]byte, n)); err != nil {
				fh.Close()
				return nil, engine.NewError(job.KindIO, err)
			}
			done += int64(n)

			if progress != nil {
				var speed float64
				if e.Delay > 0 {
					speed = float64(n) / e.Delay.Seconds()
				}
				progress(engine.Report{
					Stage:           job.StageDownloading,
					DownloadedBytes: done,
					TotalBytes:      total,
					SpeedBps:        speed,
					ETA:             -1,
					Filename:        name,
					Title:           "fake " + opts.Source,
				})
			}

			if first {
				first = false
				close(e.startedCh(opts.JobID))

				if err, ok := e.Errors[opts.Source]; ok {
					fh.Close()
					return nil, err
				}
				if e.Block {
					<-ctx.Done()
					fh.Close()
					return nil, ctx.Err()
				}
			}

			select {
			case <-ctx.Done():
				fh.Close()
				return nil, ctx.Err()
			case <-time.After(e.Delay):
			}
		}

		if err := fh.Close(); err != nil {
			return nil, engine.NewError(job.KindIO, err)
		}
	}

	if len(files) == 0 {
		return nil, errors.New("fake engine has no files configured")
	}

	return &engine.Outcome{Files: files, Title: "fake " + opts.Source}, nil
}

// Muxer concatenates both inputs into out after Delay.
type Muxer struct {
	Err   error
	Delay time.Duration
	Calls *atomic.Int32
}

func NewMuxer() *Muxer {
	return &Muxer{Calls: atomic.NewInt32(0)}
}

func (m *Muxer) Available() bool {
	return true
}

func (m *Muxer) Merge(ctx context.Context, video, audio, out string) error {
	m.Calls.Inc()
	if m.Err != nil {
		return m.Err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Delay):
	}

	var buf []byte
	for _, in := range []string{video, audio} {
		b, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		buf = append(buf, b...)
	}

	return os.WriteFile(out, buf, 0o644)
}
