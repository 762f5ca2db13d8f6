package httpdl

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ValerySidorin/ferry/pkg/engine"
	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/cavaliergopher/grab/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const Name = "http"

type Config struct {
	BufferSize     int           `yaml:"buffer_size"`
	RetryMax       int           `yaml:"retry_max"`
	Timeout        time.Duration `yaml:"timeout"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	ReportInterval time.Duration `yaml:"report_interval"`
	UserAgent      string        `yaml:"user_agent"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.IntVar(&c.BufferSize, flagPrefix+"buffer-size", 32*1024, `Copy buffer size of direct HTTP downloads.`)
	f.IntVar(&c.RetryMax, flagPrefix+"retry-max", 3, `Maximum retries of the initial HTTP request.`)
	f.DurationVar(&c.Timeout, flagPrefix+"timeout", 0, `Overall HTTP client timeout. 0 means no timeout.`)
	f.DurationVar(&c.StallTimeout, flagPrefix+"stall-timeout", 30*time.Second, `Abort a transfer that made no progress for this long.`)
	f.DurationVar(&c.ReportInterval, flagPrefix+"report-interval", 500*time.Millisecond, `How often transfer progress is reported.`)
	f.StringVar(&c.UserAgent, flagPrefix+"user-agent", "ferry", `User agent of direct HTTP downloads.`)
}

// Engine fetches direct media links.
type Engine struct {
	cfg        Config
	grabClient *grab.Client
	log        log.Logger
}

func New(cfg Config, logger log.Logger) *Engine {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil

	c := grab.NewClient()
	c.HTTPClient = rc.StandardClient()
	if cfg.BufferSize > 0 {
		c.BufferSize = cfg.BufferSize
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Engine{
		cfg:        cfg,
		grabClient: c,
		log:        log.With(logger, "engine", Name),
	}
}

func (e *Engine) Name() string {
	return Name
}

func (e *Engine) Download(ctx context.Context, opts engine.Options, progress engine.ProgressFunc) (*engine.Outcome, error) {
	dst := filepath.Join(opts.Dir, targetName(opts))

	req, err := grab.NewRequest(dst, opts.Source)
	if err != nil {
		return nil, engine.NewError(job.KindUnsupportedSource, errors.Wrap(err, "http engine create request"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req = req.WithContext(ctx)

	_ = level.Debug(e.log).Log("msg", fmt.Sprintf("start downloading file: %s", opts.Source), "job", opts.JobID)
	resp := e.grabClient.Do(req)

	stalled := make(chan struct{})
	go e.watchStall(resp, cancel, stalled)

	interval := e.cfg.ReportInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

Loop:
	for {
		select {
		case <-t.C:
			if progress != nil {
				progress(report(resp, job.StageDownloading))
			}
		case <-resp.Done:
			break Loop
		}
	}

	if err := resp.Err(); err != nil {
		select {
		case <-stalled:
			if opts.Log != nil {
				opts.Log(job.LogWarn, fmt.Sprintf("no progress for %s, transfer aborted", e.cfg.StallTimeout))
			}
			return nil, engine.NewError(job.KindNetwork, errors.Wrap(err, "transfer stalled"))
		default:
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, classify(err)
	}

	if progress != nil {
		progress(report(resp, job.StageFinished))
	}

	return &engine.Outcome{
		Files: []string{resp.Filename},
		Title: engine.TitleFromURL(opts.Source),
	}, nil
}

// Sometimes a connection is lost without an error surfacing, so the
// transfer is aborted once it makes no progress for StallTimeout.
func (e *Engine) watchStall(resp *grab.Response, cancel context.CancelFunc, stalled chan<- struct{}) {
	if e.cfg.StallTimeout <= 0 {
		return
	}

	t := time.NewTicker(e.cfg.StallTimeout)
	defer t.Stop()

	prev := resp.BytesComplete()
	for {
		select {
		case <-t.C:
			curr := resp.BytesComplete()
			if curr == prev {
				_ = level.Warn(e.log).Log("msg", "transfer made no progress, canceling", "file", resp.Filename)
				close(stalled)
				cancel()
				return
			}
			prev = curr
		case <-resp.Done:
			return
		}
	}
}

func report(resp *grab.Response, stage string) engine.Report {
	r := engine.Report{
		Stage:           stage,
		DownloadedBytes: resp.BytesComplete(),
		SpeedBps:        resp.BytesPerSecond(),
		ETA:             -1,
		Filename:        resp.Filename,
	}

	if size := resp.Size(); size > 0 {
		r.TotalBytes = size
		if r.SpeedBps > 0 {
			r.ETA = time.Duration(float64(size-r.DownloadedBytes) / r.SpeedBps * float64(time.Second))
		}
	}

	return r
}

func classify(err error) error {
	if grab.IsStatusCodeError(err) {
		var code grab.StatusCodeError
		if errors.As(err, &code) && int(code) >= 500 {
			return engine.NewError(job.KindNetwork, err)
		}

		return engine.NewError(job.KindUnsupportedSource, err)
	}

	return engine.NewError(engine.KindOf(err), err)
}

// targetName keeps the extension of the remote file but names the file
// after the job.
func targetName(opts engine.Options) string {
	ext := ""
	if u, err := url.Parse(opts.Source); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == "" && opts.Container != "" {
		ext = "." + opts.Container
	}

	return opts.JobID + ext
}
