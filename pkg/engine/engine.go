package engine

import (
	"context"
	"time"

	"github.com/ValerySidorin/ferry/pkg/job"
)

// Options describe a single transfer. Dir already exists and belongs to
// the job alone.
type Options struct {
	JobID     string
	Source    string
	Format    string
	Height    int
	Container string
	AudioOnly bool
	Dir       string

	// Log receives engine warnings and errors worth showing on the job.
	// It may be nil.
	Log LogFunc
}

// LogFunc takes a job log level (job.LogWarn, job.LogError) and a message.
type LogFunc func(level, msg string)

func OptionsFor(id, dir string, req job.Request) Options {
	return Options{
		JobID:     id,
		Source:    req.Source,
		Format:    req.Format,
		Height:    req.Height(),
		Container: req.Container,
		AudioOnly: req.AudioOnly,
		Dir:       dir,
	}
}

// Report is a progress sample. DownloadedBytes is cumulative over all
// streams of the job. TotalBytes is zero and ETA negative when unknown.
type Report struct {
	Stage           string
	DownloadedBytes int64
	TotalBytes      int64
	SpeedBps        float64
	ETA             time.Duration
	Filename        string
	Title           string
}

// Progress converts the report into the record representation.
func (r Report) Progress() job.Progress {
	p := job.Progress{
		DownloadedBytes: r.DownloadedBytes,
		SpeedBps:        r.SpeedBps,
		Stage:           r.Stage,
	}
	if r.TotalBytes > 0 {
		total := r.TotalBytes
		p.TotalBytes = &total
	}
	if r.ETA >= 0 {
		eta := int64(r.ETA.Round(time.Second) / time.Second)
		p.ETASeconds = &eta
	}

	return p
}

type ProgressFunc func(r Report)

// Outcome lists the produced files in download order: for split downloads
// the video stream comes first, then the audio stream.
type Outcome struct {
	Files []string
	Title string
}

type Engine interface {
	Name() string
	// Download blocks until the transfer ends. It must stop promptly
	// once ctx is cancelled.
	Download(ctx context.Context, opts Options, progress ProgressFunc) (*Outcome, error)
}
