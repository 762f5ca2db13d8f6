package history

import (
	"context"
	"time"

	"github.com/ValerySidorin/ferry/pkg/history/record"
	"github.com/ValerySidorin/ferry/pkg/job"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const saveTimeout = 10 * time.Second

// Archiver writes finished jobs to the history store in the background.
type Archiver struct {
	services.Service

	log   gklog.Logger
	store Store

	pending chan record.Entry

	saved   *prometheus.CounterVec
	dropped prometheus.Counter
}

func NewArchiver(cfg Config, store Store, reg prometheus.Registerer, log gklog.Logger) *Archiver {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}

	a := &Archiver{
		log:     gklog.With(log, "component", "archiver"),
		store:   store,
		pending: make(chan record.Entry, cfg.Buffer),
		saved: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "history_saves_total",
			Help:      "Finished jobs written to history by result.",
		}, []string{"result"}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "history_dropped_total",
			Help:      "Finished jobs not archived because the buffer was full.",
		}),
	}

	a.Service = services.NewBasicService(nil, a.running, a.stopping)

	return a
}

func (a *Archiver) JobFinished(rec job.Record) {
	select {
	case a.pending <- record.FromJob(rec):
	default:
		a.dropped.Inc()
		_ = level.Warn(a.log).Log("msg", "history buffer full, dropping entry", "job", rec.ID)
	}
}

func (a *Archiver) List(ctx context.Context, limit int) ([]record.Entry, error) {
	return a.store.List(ctx, limit)
}

func (a *Archiver) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-a.pending:
			a.save(e)
		}
	}
}

func (a *Archiver) stopping(_ error) error {
	for {
		select {
		case e := <-a.pending:
			a.save(e)
		default:
			return a.store.Close(context.Background())
		}
	}
}

func (a *Archiver) save(e record.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := a.store.Save(ctx, e); err != nil {
		a.saved.WithLabelValues("error").Inc()
		_ = level.Error(a.log).Log("msg", "archive finished job", "job", e.ID, "err", err)
		return
	}

	a.saved.WithLabelValues("ok").Inc()
}
