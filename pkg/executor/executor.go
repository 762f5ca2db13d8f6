package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValerySidorin/ferry/pkg/engine"
	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/ValerySidorin/ferry/pkg/mux"
	"github.com/ValerySidorin/ferry/pkg/objstore"
	"github.com/ValerySidorin/ferry/pkg/registry"
	util_io "github.com/ValerySidorin/ferry/pkg/util/io"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/atomic"
)

// Listener is told about every job reaching a terminal state. JobFinished
// is called from the job's goroutine and must not block.
type Listener interface {
	JobFinished(rec job.Record)
}

var errNotQueued = errors.New("job is not queued")

type task struct {
	id  string
	req job.Request
}

type handle struct {
	cancelled *atomic.Bool
	// parent is set for playlist children; cancelling the playlist job
	// cancels them too.
	parent *handle
}

func newHandle(parent *handle) *handle {
	return &handle{cancelled: atomic.NewBool(false), parent: parent}
}

func (h *handle) isCancelled() bool {
	return h.cancelled.Load() || (h.parent != nil && h.parent.isCancelled())
}

// Executor runs jobs on a bounded worker pool. Start only enqueues, so
// callers never wait for a free worker.
type Executor struct {
	services.Service

	cfg Config
	log gklog.Logger

	jobs      *registry.Registry
	engine    engine.Engine
	muxer     mux.Muxer
	uploader  objstore.Writer
	listeners []Listener
	metrics   *metrics

	mu      sync.Mutex
	closed  bool
	queue   []task
	handles map[string]*handle
	wake    chan struct{}

	workerPool *pool.Pool
}

func New(cfg Config, jobs *registry.Registry, eng engine.Engine, muxer mux.Muxer, reg prometheus.Registerer, log gklog.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}

	p := pool.New()
	if cfg.MaxParallel > 0 {
		p = p.WithMaxGoroutines(cfg.MaxParallel)
	}

	e := &Executor{
		cfg:        cfg,
		log:        gklog.With(log, "component", "executor", "engine", eng.Name()),
		jobs:       jobs,
		engine:     eng,
		muxer:      muxer,
		metrics:    newMetrics(reg),
		handles:    make(map[string]*handle),
		wake:       make(chan struct{}, 1),
		workerPool: p,
	}

	e.Service = services.NewBasicService(nil, e.running, e.stopping)

	return e
}

// SetUploader makes completed outputs go to object storage as well.
func (e *Executor) SetUploader(w objstore.Writer) {
	e.uploader = w
}

func (e *Executor) AddJobListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Start queues the job. A job started once the executor is stopping is
// cancelled right away.
func (e *Executor) Start(id string, req job.Request) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.finish(id, cancel)
		return
	}
	e.handles[id] = newHandle(nil)
	e.queue = append(e.queue, task{id: id, req: req})
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Cancel flags the job for cancellation. A job still waiting for a worker
// is cancelled right away; a running one observes the flag within
// PollInterval. It reports false when the executor does not own the job.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	h, ok := e.handles[id]
	e.mu.Unlock()

	if !ok {
		return false
	}

	h.cancelled.Store(true)
	e.finish(id, func(rec *job.Record) error {
		if rec.Status != job.StatusQueued {
			return errNotQueued
		}
		return rec.Cancel()
	})

	return true
}

func (e *Executor) JobDir(id string) string {
	return filepath.Join(e.cfg.OutputDir, id)
}

// RemoveOutput deletes everything the job wrote to disk.
func (e *Executor) RemoveOutput(id string) error {
	if err := os.RemoveAll(e.JobDir(id)); err != nil {
		return errors.Wrap(err, "executor remove job output")
	}

	return nil
}

func (e *Executor) Engine() engine.Engine {
	return e.engine
}

func (e *Executor) Muxer() mux.Muxer {
	return e.muxer
}

func (e *Executor) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		}

		for _, t := range e.drain() {
			t := t
			e.workerPool.Go(func() {
				e.run(ctx, t)
			})
		}
	}
}

func (e *Executor) stopping(_ error) error {
	e.mu.Lock()
	e.closed = true
	for _, h := range e.handles {
		h.cancelled.Store(true)
	}
	e.mu.Unlock()

	e.workerPool.Wait()

	for _, t := range e.drain() {
		e.finish(t.id, cancel)
		e.release(t.id)
	}

	_ = level.Info(e.log).Log("msg", "executor stopped")
	return nil
}

func (e *Executor) drain() []task {
	e.mu.Lock()
	defer e.mu.Unlock()

	tasks := e.queue
	e.queue = nil
	return tasks
}

func (e *Executor) handle(id string) *handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.handles[id]
	if !ok {
		h = newHandle(nil)
		e.handles[id] = h
	}

	return h
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.handles, id)
	e.mu.Unlock()
}

func (e *Executor) run(ctx context.Context, t task) {
	h := e.handle(t.id)
	defer e.release(t.id)

	log := gklog.With(e.log, "job", t.id)
	dir := e.JobDir(t.id)

	if h.isCancelled() || ctx.Err() != nil {
		e.finish(t.id, cancel)
		return
	}

	if _, err := e.jobs.Update(t.id, func(rec *job.Record) error {
		return rec.Transition(job.StatusRunning, job.StageStarting)
	}); err != nil {
		_ = level.Debug(log).Log("msg", "job is no longer runnable", "err", err)
		return
	}

	e.metrics.started.Inc()
	e.metrics.running.Inc()
	defer e.metrics.running.Dec()

	jobCtx, stop := context.WithCancel(ctx)
	defer stop()
	go e.watch(jobCtx, h, stop)

	if t.req.Playlist && e.expand(jobCtx, h, t, log) {
		return
	}

	res, kind, err := e.execute(jobCtx, h, t, dir)
	switch {
	case h.isCancelled() || ctx.Err() != nil || errors.Is(err, context.Canceled):
		e.cleanup(dir, log)
		e.finish(t.id, cancel)
	case err != nil:
		_ = level.Warn(log).Log("msg", "job failed", "kind", kind, "err", err)
		e.cleanup(dir, log)
		e.finish(t.id, fail(kind, err))
	default:
		if !e.finish(t.id, complete(res, "saved "+filepath.Base(res.Path))) {
			// The record was deleted while the job ran.
			e.cleanup(dir, log)
		}
	}
}

// watch turns the cancellation flag into context cancellation, which
// stops the engine process.
func (e *Executor) watch(ctx context.Context, h *handle, stop context.CancelFunc) {
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if h.isCancelled() {
				stop()
				return
			}
		}
	}
}

func (e *Executor) execute(ctx context.Context, h *handle, t task, dir string) (job.Result, job.ErrorKind, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return job.Result{}, job.KindIO, errors.Wrap(err, "create job directory")
	}

	sink := newReportSink()
	applied := make(chan struct{})
	go e.apply(t.id, sink.ch, applied)

	opts := engine.OptionsFor(t.id, dir, t.req)
	opts.Log = e.logTo(t.id)

	out, err := e.engine.Download(ctx, opts, func(r engine.Report) {
		if h.isCancelled() {
			return
		}
		sink.offer(r)
	})
	sink.close()
	<-applied

	if err != nil {
		if ctx.Err() != nil {
			return job.Result{}, "", context.Canceled
		}
		return job.Result{}, engine.KindOf(err), err
	}
	if len(out.Files) == 0 {
		return job.Result{}, job.KindEngine, errors.New("engine produced no output")
	}

	if out.Title != "" {
		_, _ = e.jobs.Update(t.id, func(rec *job.Record) error {
			if rec.Status.IsTerminal() {
				return job.ErrAlreadyTerminal
			}
			if rec.Title == "" {
				rec.Title = out.Title
			}
			return nil
		})
	}

	path := out.Files[0]
	if len(out.Files) > 1 && !t.req.AudioOnly {
		if h.isCancelled() {
			return job.Result{}, "", context.Canceled
		}

		if _, err := e.jobs.Update(t.id, func(rec *job.Record) error {
			return rec.Transition(job.StatusMerging, job.StageMerging)
		}); err != nil {
			return job.Result{}, "", context.Canceled
		}

		path = filepath.Join(dir, t.id+"."+t.req.Container)
		if err := e.muxer.Merge(ctx, out.Files[0], out.Files[1], path); err != nil {
			if ctx.Err() != nil {
				return job.Result{}, "", context.Canceled
			}
			return job.Result{}, job.KindMergeFailed, err
		}

		for _, f := range out.Files {
			if f != path {
				_ = os.Remove(f)
			}
		}
	}

	size, err := util_io.FileSize(path)
	if err != nil {
		return job.Result{}, job.KindIO, errors.Wrap(err, "verify output")
	}
	if size == 0 {
		return job.Result{}, job.KindIO, errors.Errorf("output %s is empty", filepath.Base(path))
	}

	res := job.Result{Path: path, Size: size}
	if e.uploader != nil {
		key, err := e.upload(ctx, t.id, path)
		if err != nil {
			if ctx.Err() != nil {
				return job.Result{}, "", context.Canceled
			}
			return job.Result{}, job.KindIO, err
		}
		res.ObjectKey = key
	}

	return res, "", nil
}

func (e *Executor) upload(ctx context.Context, id, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open output for upload")
	}
	defer f.Close()

	key := id + "/" + filepath.Base(path)
	if err := e.uploader.Store(ctx, key, f); err != nil {
		return "", errors.Wrap(err, "upload output")
	}

	return key, nil
}

// apply is the only writer of progress into the registry for a job.
func (e *Executor) apply(id string, reports <-chan engine.Report, done chan<- struct{}) {
	defer close(done)

	var last int64
	for r := range reports {
		rec, err := e.jobs.Update(id, func(rec *job.Record) error {
			if err := rec.ApplyProgress(r.Progress()); err != nil {
				return err
			}
			if rec.Title == "" && r.Title != "" {
				rec.Title = r.Title
			}
			return nil
		})
		if err != nil {
			continue
		}

		if delta := rec.Progress.DownloadedBytes - last; delta > 0 {
			e.metrics.downloadedBytes.Add(float64(delta))
			last = rec.Progress.DownloadedBytes
		}
	}
}

// expand turns a playlist job into one child job per entry and runs the
// children one after another on the playlist job's worker. It reports
// false when the source is not a playlist, so the job downloads as usual.
func (e *Executor) expand(ctx context.Context, h *handle, t task, log gklog.Logger) bool {
	inspector, ok := e.engine.(engine.Inspector)
	if !ok {
		return false
	}

	_, _ = e.jobs.Update(t.id, func(rec *job.Record) error {
		return rec.ApplyProgress(job.Progress{Stage: job.StagePlaylist})
	})

	info, err := inspector.Inspect(ctx, t.req.Source, e.cfg.PlaylistLimit)
	switch {
	case h.isCancelled() || ctx.Err() != nil:
		e.finish(t.id, cancel)
		return true
	case err != nil:
		kind := engine.KindOf(err)
		_ = level.Warn(log).Log("msg", "playlist lookup failed", "kind", kind, "err", err)
		e.finish(t.id, fail(kind, err))
		return true
	case !info.IsPlaylist:
		return false
	case len(info.Entries) == 0:
		e.finish(t.id, fail(job.KindUnsupportedSource, errors.New("playlist has no entries")))
		return true
	}

	children := e.spawn(t, h, info)
	_ = level.Info(log).Log("msg", fmt.Sprintf("playlist expanded into %d jobs", len(children)))

	var size int64
	var done int
	for _, c := range children {
		e.run(ctx, c)

		rec, err := e.jobs.Get(c.id)
		if err != nil || rec.Status != job.StatusCompleted {
			continue
		}
		done++
		size += rec.Result.Size
		_, _ = e.jobs.Update(t.id, func(rec *job.Record) error {
			return rec.ApplyProgress(job.Progress{DownloadedBytes: size, Stage: job.StagePlaylist})
		})
	}

	switch {
	case h.isCancelled() || ctx.Err() != nil:
		e.finish(t.id, cancel)
	case done == 0:
		e.finish(t.id, fail(job.KindEngine, errors.Errorf("none of %d playlist entries was downloaded", len(children))))
	default:
		e.finish(t.id, complete(job.Result{Size: size}, fmt.Sprintf("%d of %d playlist entries downloaded", done, len(children))))
	}

	return true
}

// spawn registers the child jobs of a playlist, queued and linked to the
// parent, before any of them runs.
func (e *Executor) spawn(t task, h *handle, info *engine.Info) []task {
	children := make([]task, 0, len(info.Entries))
	for _, entry := range info.Entries {
		entry := entry
		req := t.req
		req.Source = entry.Source
		req.Playlist = false

		rec := e.jobs.Create(req, func(rec *job.Record) {
			rec.Parent = t.id
			rec.Title = entry.Title
		})

		e.mu.Lock()
		e.handles[rec.ID] = newHandle(h)
		e.mu.Unlock()

		children = append(children, task{id: rec.ID, req: req})
	}

	ids := lo.Map(children, func(c task, _ int) string { return c.id })
	_, _ = e.jobs.Update(t.id, func(rec *job.Record) error {
		if rec.Status.IsTerminal() {
			return job.ErrAlreadyTerminal
		}
		if info.Title != "" {
			rec.Title = info.Title
		}
		rec.Children = ids
		rec.AddLog(time.Now().UTC(), job.LogInfo, fmt.Sprintf("playlist expanded into %d jobs", len(ids)))
		return nil
	})

	return children
}

// logTo appends engine diagnostics to the job log while the job is live.
func (e *Executor) logTo(id string) engine.LogFunc {
	return func(lvl, msg string) {
		_, _ = e.jobs.Update(id, func(rec *job.Record) error {
			if rec.Status.IsTerminal() {
				return job.ErrAlreadyTerminal
			}
			rec.AddLog(time.Now().UTC(), lvl, msg)
			return nil
		})
	}
}

func cancel(rec *job.Record) error {
	return rec.Cancel()
}

func fail(kind job.ErrorKind, cause error) func(rec *job.Record) error {
	return func(rec *job.Record) error {
		if err := rec.Fail(kind, cause.Error()); err != nil {
			return err
		}
		rec.AddLog(time.Now().UTC(), job.LogError, cause.Error())
		return nil
	}
}

func complete(res job.Result, msg string) func(rec *job.Record) error {
	return func(rec *job.Record) error {
		if err := rec.Complete(res); err != nil {
			return err
		}
		rec.AddLog(time.Now().UTC(), job.LogInfo, msg)
		return nil
	}
}

func (e *Executor) finish(id string, fn func(rec *job.Record) error) bool {
	rec, err := e.jobs.Update(id, fn)
	if err != nil {
		_ = level.Debug(e.log).Log("msg", "skip terminal write", "job", id, "err", err)
		return false
	}

	e.metrics.finished.WithLabelValues(rec.Status.String()).Inc()
	_ = level.Info(e.log).Log("msg", fmt.Sprintf("job %s", rec.Status), "job", id)

	for _, l := range e.listeners {
		l.JobFinished(rec)
	}

	return true
}

func (e *Executor) cleanup(dir string, log gklog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		_ = level.Error(log).Log("msg", "remove partial output", "err", err)
	}
}

// reportSink is a one-slot mailbox that keeps only the newest report.
type reportSink struct {
	mu     sync.Mutex
	ch     chan engine.Report
	closed bool
}

func newReportSink() *reportSink {
	return &reportSink{ch: make(chan engine.Report, 1)}
}

func (s *reportSink) offer(r engine.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- r:
			return
		default:
		}

		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *reportSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
