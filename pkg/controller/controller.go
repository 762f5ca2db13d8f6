package controller

import (
	"context"
	"sort"
	"strings"

	"github.com/ValerySidorin/ferry/pkg/engine"
	"github.com/ValerySidorin/ferry/pkg/executor"
	"github.com/ValerySidorin/ferry/pkg/history"
	"github.com/ValerySidorin/ferry/pkg/history/record"
	"github.com/ValerySidorin/ferry/pkg/intake"
	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/ValerySidorin/ferry/pkg/mux"
	"github.com/ValerySidorin/ferry/pkg/notifier"
	"github.com/ValerySidorin/ferry/pkg/objstore"
	"github.com/ValerySidorin/ferry/pkg/publisher"
	"github.com/ValerySidorin/ferry/pkg/registry"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 1000

	// PreviewLimit caps the playlist entries listed by Inspect.
	PreviewLimit = 50
)

var ErrHistoryDisabled = errors.New("history is disabled")

type CancelOutcome string

const (
	CancelRequested       CancelOutcome = "requested"
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
)

type Health struct {
	Engine string `json:"engine"`
	FFmpeg bool   `json:"ffmpeg"`
	Jobs   int    `json:"jobs"`
}

type Storage struct {
	executor.Usage
	Jobs int `json:"job_count"`
}

// Controller is the control surface over jobs: it validates and registers
// submissions, hands them to the executor and answers queries from the
// registry.
type Controller struct {
	services.Service

	cfg Config
	log gklog.Logger

	jobs      *registry.Registry
	exec      *executor.Executor
	publisher *publisher.Publisher
	evictor   *registry.Evictor
	notifier  *notifier.Notifier
	archiver  *history.Archiver
	intake    *intake.Intake

	// Sinks for finished jobs. They start before and stop after the
	// executor so no terminal state goes unreported.
	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher

	submitted prometheus.Counter
	evicted   prometheus.Counter
}

func New(ctx context.Context, cfg Config, eng engine.Engine, muxer mux.Muxer, reg prometheus.Registerer, log gklog.Logger) (*Controller, error) {
	log = gklog.With(log, "service", "controller")
	jobs := registry.New()

	c := &Controller{
		cfg:       cfg,
		log:       log,
		jobs:      jobs,
		exec:      executor.New(cfg.Executor, jobs, eng, muxer, reg, log),
		publisher: publisher.New(cfg.Publisher, jobs, reg, log),
		submitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "jobs_submitted_total",
			Help:      "Accepted job submissions.",
		}),
		evicted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "jobs_evicted_total",
			Help:      "Finished jobs dropped from memory after the retention period.",
		}),
	}
	c.evictor = registry.NewEvictor(cfg.Retention, jobs, c.evict, log)

	uploader, err := objstore.NewWriter(ctx, cfg.ObjStore)
	if err != nil {
		return nil, errors.Wrap(err, "controller connect to obj store as writer")
	}
	if uploader != nil {
		c.exec.SetUploader(uploader)
	}

	subservices := []services.Service{c.evictor}

	if cfg.Notifier.Queue.Enabled() {
		n, err := notifier.New(cfg.Notifier, reg, log)
		if err != nil {
			return nil, errors.Wrap(err, "controller init notifier")
		}
		c.notifier = n
		c.exec.AddJobListener(n)
		subservices = append(subservices, n)
	}

	if cfg.History.Enabled() {
		store, err := history.NewStore(ctx, cfg.History, log)
		if err != nil {
			return nil, errors.Wrap(err, "controller init history store")
		}
		c.archiver = history.NewArchiver(cfg.History, store, reg, log)
		c.exec.AddJobListener(c.archiver)
		subservices = append(subservices, c.archiver)
	}

	if cfg.Intake.Queue.Enabled() {
		i, err := intake.New(cfg.Intake, c, reg, log)
		if err != nil {
			return nil, errors.Wrap(err, "controller init intake")
		}
		c.intake = i
	}

	manager, err := services.NewManager(subservices...)
	if err != nil {
		return nil, errors.Wrap(err, "init service manager for controller")
	}
	c.subservices = manager
	c.subservicesWatcher = services.NewFailureWatcher()
	c.subservicesWatcher.WatchManager(manager)

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)

	return c, nil
}

func (c *Controller) starting(ctx context.Context) error {
	if err := services.StartManagerAndAwaitHealthy(ctx, c.subservices); err != nil {
		return errors.Wrap(err, "controller start subservices")
	}
	if err := services.StartAndAwaitRunning(ctx, c.exec); err != nil {
		return errors.Wrap(err, "controller start executor")
	}
	if c.intake != nil {
		if err := services.StartAndAwaitRunning(ctx, c.intake); err != nil {
			return errors.Wrap(err, "controller start intake")
		}
	}

	_ = level.Info(c.log).Log("msg", "controller started", "engine", c.exec.Engine().Name())
	return nil
}

func (c *Controller) running(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-c.subservicesWatcher.Chan():
		return errors.Wrap(err, "controller subservice failed")
	}
}

func (c *Controller) stopping(_ error) error {
	ctx := context.Background()

	if c.intake != nil {
		if err := services.StopAndAwaitTerminated(ctx, c.intake); err != nil {
			_ = level.Warn(c.log).Log("msg", "stop intake", "err", err)
		}
	}
	if err := services.StopAndAwaitTerminated(ctx, c.exec); err != nil {
		_ = level.Warn(c.log).Log("msg", "stop executor", "err", err)
	}

	return services.StopManagerAndAwaitStopped(ctx, c.subservices)
}

// Submit validates the request and queues it. It returns as soon as the job
// is registered; the download itself runs in the background.
func (c *Controller) Submit(req job.Request) (string, error) {
	req, err := req.Normalize()
	if err != nil {
		return "", err
	}

	rec := c.jobs.Create(req)
	c.exec.Start(rec.ID, rec.Request)
	c.submitted.Inc()

	_ = level.Debug(c.log).Log("msg", "job submitted", "job", rec.ID, "source", req.Source)
	return rec.ID, nil
}

func (c *Controller) Status(id string) (job.Record, error) {
	return c.jobs.Get(id)
}

// List returns every job still held in memory, newest first.
func (c *Controller) List() []job.Record {
	recs := c.jobs.List()
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})

	return recs
}

// Cancel requests cancellation. It is idempotent: repeating it, or calling
// it for a job that already finished, changes nothing.
func (c *Controller) Cancel(id string) (CancelOutcome, error) {
	rec, err := c.jobs.Get(id)
	if err != nil {
		return "", err
	}
	if rec.Status.IsTerminal() {
		return CancelAlreadyTerminal, nil
	}

	if c.exec.Cancel(id) {
		return CancelRequested, nil
	}

	// The executor let go of the job in the meantime.
	rec, err = c.jobs.Update(id, func(rec *job.Record) error { return rec.Cancel() })
	switch {
	case errors.Is(err, job.ErrAlreadyTerminal):
		return CancelAlreadyTerminal, nil
	case err != nil:
		return "", err
	}

	return CancelRequested, nil
}

func (c *Controller) Subscribe(ctx context.Context, id string) (<-chan publisher.Event, error) {
	return c.publisher.Subscribe(ctx, id)
}

// Delete cancels the job if it is still active, forgets it and removes its
// files. Deleting a playlist job deletes its children as well. Open
// subscriptions end.
func (c *Controller) Delete(id string) error {
	rec, err := c.jobs.Get(id)
	if err != nil {
		return err
	}

	if err := c.remove(rec); err != nil {
		return err
	}
	for _, childID := range rec.Children {
		child, err := c.jobs.Get(childID)
		if err != nil {
			continue
		}
		if err := c.remove(child); err != nil && !errors.Is(err, job.ErrNotFound) {
			return err
		}
	}

	_ = level.Debug(c.log).Log("msg", "job deleted", "job", id)
	return nil
}

func (c *Controller) remove(rec job.Record) error {
	if !rec.Status.IsTerminal() {
		c.exec.Cancel(rec.ID)
	}

	if err := c.jobs.Remove(rec.ID); err != nil {
		return err
	}

	return c.exec.RemoveOutput(rec.ID)
}

// Clear deletes every job, then whatever else is left in the output dir.
// It returns the number of jobs removed.
func (c *Controller) Clear() (int, error) {
	removed := 0
	for _, rec := range c.jobs.List() {
		err := c.Delete(rec.ID)
		if err != nil && !errors.Is(err, job.ErrNotFound) {
			return removed, err
		}
		removed++
	}

	if _, err := c.exec.Prune(func(id string) bool {
		_, err := c.jobs.Get(id)
		return err == nil
	}); err != nil {
		return removed, err
	}

	_ = level.Info(c.log).Log("msg", "all jobs cleared", "removed", removed)
	return removed, nil
}

// Inspect describes what a source holds without downloading it.
func (c *Controller) Inspect(ctx context.Context, source string) (*engine.Info, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.Wrap(job.ErrInvalidRequest, "source is empty")
	}

	info, err := engine.Inspect(ctx, c.exec.Engine(), source, PreviewLimit)
	if err != nil {
		if engine.KindOf(err) == job.KindUnsupportedSource {
			return nil, errors.Wrap(job.ErrInvalidRequest, err.Error())
		}
		return nil, err
	}

	return info, nil
}

func (c *Controller) Storage() (Storage, error) {
	u, err := c.exec.Usage()
	if err != nil {
		return Storage{}, err
	}

	return Storage{Usage: u, Jobs: c.jobs.Len()}, nil
}

func (c *Controller) evict(rec job.Record) {
	c.evicted.Inc()
	if err := c.exec.RemoveOutput(rec.ID); err != nil {
		_ = level.Warn(c.log).Log("msg", "remove evicted job output", "job", rec.ID, "err", err)
	}
}

// History returns archived finished jobs, most recent first.
func (c *Controller) History(ctx context.Context, limit int) ([]record.Entry, error) {
	if c.archiver == nil {
		return nil, ErrHistoryDisabled
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	return c.archiver.List(ctx, limit)
}

func (c *Controller) Health() Health {
	return Health{
		Engine: c.exec.Engine().Name(),
		FFmpeg: c.exec.Muxer().Available(),
		Jobs:   c.jobs.Len(),
	}
}
