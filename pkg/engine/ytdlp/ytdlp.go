package ytdlp

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ValerySidorin/ferry/pkg/engine"
	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/lrstanley/go-ytdlp"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const Name = "ytdlp"

var partialExtensions = []string{".part", ".ytdl", ".temp", ".tmp"}

type Config struct {
	Executable     string        `yaml:"executable"`
	FFmpegLocation string        `yaml:"ffmpeg_location"`
	AudioQuality   string        `yaml:"audio_quality"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Executable, flagPrefix+"executable", "", `Path to the yt-dlp binary. Resolved from PATH when empty.`)
	f.StringVar(&c.FFmpegLocation, flagPrefix+"ffmpeg-location", "", `ffmpeg location passed to yt-dlp for audio extraction.`)
	f.StringVar(&c.AudioQuality, flagPrefix+"audio-quality", "192K", `Audio quality of extracted audio.`)
	f.DurationVar(&c.ReportInterval, flagPrefix+"report-interval", 500*time.Millisecond, `How often yt-dlp progress is reported.`)
}

// Engine drives the yt-dlp binary. Video and audio are fetched as
// separate streams; muxing them is left to the caller.
type Engine struct {
	cfg Config
	log log.Logger
}

func New(cfg Config, logger log.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		log: log.With(logger, "engine", Name),
	}
}

func (e *Engine) Name() string {
	return Name
}

func (e *Engine) Download(ctx context.Context, opts engine.Options, progress engine.ProgressFunc) (*engine.Outcome, error) {
	dl := e.command(opts)

	acc := newAccumulator()
	interval := e.cfg.ReportInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	dl.ProgressFunc(interval, func(update ytdlp.ProgressUpdate) {
		r := acc.add(update)
		if progress != nil {
			progress(r)
		}
	})

	_ = level.Debug(e.log).Log("msg", fmt.Sprintf("start downloading: %s", opts.Source), "job", opts.JobID)
	res, err := dl.Run(ctx, opts.Source)
	if res != nil {
		engine.LogLines(res.Stderr, opts.Log)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, classify(err, res)
	}

	files, err := collectFiles(opts.Dir, acc.order())
	if err != nil {
		return nil, engine.NewError(job.KindIO, errors.Wrap(err, "ytdlp engine collect output"))
	}
	if len(files) == 0 {
		return nil, engine.NewError(job.KindEngine, errors.New("yt-dlp finished without producing a file"))
	}

	return &engine.Outcome{
		Files: files,
		Title: acc.title(),
	}, nil
}

// Inspect lists the source without downloading it. Playlist entries are
// resolved flat, so only their URL and basic metadata are known.
func (e *Engine) Inspect(ctx context.Context, source string, limit int) (*engine.Info, error) {
	dl := ytdlp.New().
		FlatPlaylist().
		DumpSingleJSON().
		SkipDownload()

	if limit > 0 {
		dl.PlaylistItems(fmt.Sprintf("1-%d", limit))
	}
	if e.cfg.Executable != "" {
		dl.SetExecutable(e.cfg.Executable)
	}

	res, err := dl.Run(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, classify(err, res)
	}

	raw := json.RawMessage(res.Stdout)
	info, err := ytdlp.ParseExtractedInfo(&raw)
	if err != nil {
		return nil, engine.NewError(job.KindEngine, errors.Wrap(err, "ytdlp engine parse info"))
	}

	return infoOf(info, source), nil
}

func infoOf(info *ytdlp.ExtractedInfo, source string) *engine.Info {
	out := &engine.Info{
		Title:     lo.FromPtr(info.Title),
		Thumbnail: lo.FromPtr(info.Thumbnail),
	}
	if out.Title == "" {
		out.Title = info.ID
	}

	if info.Type != ytdlp.ExtractedTypePlaylist {
		out.Entries = []engine.Entry{entryOf(info, source)}
		return out
	}

	out.IsPlaylist = true
	out.Entries = lo.FilterMap(info.Entries, func(item *ytdlp.ExtractedInfo, _ int) (engine.Entry, bool) {
		if item == nil {
			return engine.Entry{}, false
		}
		src := lo.FromPtr(item.URL)
		if src == "" {
			src = lo.FromPtr(item.WebpageURL)
		}
		return entryOf(item, src), src != ""
	})

	return out
}

func entryOf(info *ytdlp.ExtractedInfo, source string) engine.Entry {
	title := lo.FromPtr(info.Title)
	if title == "" {
		title = info.ID
	}

	return engine.Entry{
		Source:    source,
		Title:     title,
		Duration:  lo.FromPtr(info.Duration),
		Thumbnail: lo.FromPtr(info.Thumbnail),
		Uploader:  lo.FromPtr(info.Uploader),
	}
}

func (e *Engine) command(opts engine.Options) *ytdlp.Command {
	dl := ytdlp.New().
		NoPlaylist().
		ForceOverwrites().
		Format(formatSelector(opts))

	if e.cfg.Executable != "" {
		dl.SetExecutable(e.cfg.Executable)
	}
	if e.cfg.FFmpegLocation != "" {
		dl.FFmpegLocation(e.cfg.FFmpegLocation)
	}

	if opts.AudioOnly {
		dl.Output(filepath.Join(opts.Dir, opts.JobID+".%(ext)s")).
			ExtractAudio().
			AudioFormat(opts.Container)
		if e.cfg.AudioQuality != "" {
			dl.AudioQuality(e.cfg.AudioQuality)
		}
		return dl
	}

	return dl.Output(filepath.Join(opts.Dir, opts.JobID+".f%(format_id)s.%(ext)s"))
}

// formatSelector builds a yt-dlp format expression. The comma makes yt-dlp
// download the video and the audio stream as two separate files.
func formatSelector(opts engine.Options) string {
	if opts.AudioOnly {
		if opts.Format == job.FormatWorst {
			return "worstaudio/worst"
		}
		return "bestaudio/best"
	}

	if opts.Format == job.FormatWorst {
		return "worstvideo/worst,worstaudio"
	}

	video := "bestvideo"
	if opts.Height > 0 {
		video = fmt.Sprintf("bestvideo[height<=%d]", opts.Height)
	}

	var vExt, aExt string
	switch opts.Container {
	case "mp4":
		vExt, aExt = "mp4", "m4a"
	case "webm":
		vExt, aExt = "webm", "webm"
	}

	videoAlts := []string{video}
	if vExt != "" {
		videoAlts = append([]string{video + "[ext=" + vExt + "]"}, videoAlts...)
	}
	if opts.Height > 0 {
		videoAlts = append(videoAlts, fmt.Sprintf("best[height<=%d]", opts.Height))
	}
	videoAlts = append(videoAlts, "best")

	audioAlts := []string{"bestaudio"}
	if aExt != "" {
		audioAlts = append([]string{"bestaudio[ext=" + aExt + "]"}, audioAlts...)
	}

	return strings.Join(videoAlts, "/") + "," + strings.Join(audioAlts, "/")
}

func classify(err error, res *ytdlp.Result) error {
	msg := err.Error()
	if res != nil && res.Stderr != "" {
		msg = res.Stderr
	}

	kind := engine.ClassifyMessage(msg)
	if line := lastErrorLine(msg); line != "" {
		return engine.NewError(kind, errors.Wrap(err, line))
	}

	return engine.NewError(kind, err)
}

func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(lines[i], "ERROR:"))
		}
	}

	return ""
}

// collectFiles returns the finished files of dir, ordered by the first
// appearance of their name in progress updates.
func collectFiles(dir string, seen []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := lo.FilterMap(entries, func(item os.DirEntry, _ int) (string, bool) {
		if item.IsDir() {
			return "", false
		}
		ext := strings.ToLower(filepath.Ext(item.Name()))
		return filepath.Join(dir, item.Name()), !lo.Contains(partialExtensions, ext)
	})

	rank := make(map[string]int, len(seen))
	for i, s := range seen {
		rank[filepath.Clean(s)] = i
	}

	sort.SliceStable(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})

	return names, nil
}

// accumulator turns per-file progress updates into job-wide cumulative
// counters.
type accumulator struct {
	mu      sync.Mutex
	files   []string
	done    map[string]int64
	totals  map[string]int64
	started time.Time
	name    string
}

func newAccumulator() *accumulator {
	return &accumulator{
		done:   make(map[string]int64),
		totals: make(map[string]int64),
	}
}

func (a *accumulator) add(u ytdlp.ProgressUpdate) engine.Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started.IsZero() {
		a.started = u.Started
		if a.started.IsZero() {
			a.started = time.Now()
		}
	}
	if u.Info != nil && u.Info.Title != nil && a.name == "" {
		a.name = *u.Info.Title
	}

	if u.Filename != "" {
		if _, ok := a.done[u.Filename]; !ok {
			a.files = append(a.files, u.Filename)
			a.done[u.Filename] = 0
		}
		if int64(u.DownloadedBytes) > a.done[u.Filename] {
			a.done[u.Filename] = int64(u.DownloadedBytes)
		}
		if u.TotalBytes > 0 {
			a.totals[u.Filename] = int64(u.TotalBytes)
		}
	}

	r := engine.Report{
		Stage:           stageOf(u.Status),
		DownloadedBytes: lo.Sum(lo.Values(a.done)),
		TotalBytes:      lo.Sum(lo.Values(a.totals)),
		ETA:             -1,
		Filename:        u.Filename,
		Title:           a.name,
	}
	if r.TotalBytes < r.DownloadedBytes {
		r.TotalBytes = 0
	}
	if elapsed := time.Since(a.started).Seconds(); elapsed > 0 {
		r.SpeedBps = float64(r.DownloadedBytes) / elapsed
	}
	if eta := u.ETA(); eta > 0 {
		r.ETA = eta
	}

	return r
}

func (a *accumulator) order() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.files...)
}

func (a *accumulator) title() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.name
}

func stageOf(s ytdlp.ProgressStatus) string {
	switch s {
	case ytdlp.ProgressStatusPostProcessing:
		return job.StageProcessing
	case ytdlp.ProgressStatusStarting:
		return job.StageStarting
	default:
		return job.StageDownloading
	}
}
