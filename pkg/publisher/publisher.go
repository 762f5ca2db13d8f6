package publisher

import (
	"context"
	"flag"
	"time"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/ValerySidorin/ferry/pkg/registry"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

type Config struct {
	MinInterval time.Duration `yaml:"min_interval"`
	Buffer      int           `yaml:"buffer"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.DurationVar(&c.MinInterval, flagPrefix+"min-interval", 250*time.Millisecond, `Minimum time between two events of one subscription.`)
	f.IntVar(&c.Buffer, flagPrefix+"buffer", 16, `Events buffered per subscriber before the oldest is dropped.`)
}

// Event is a full snapshot of a job as pushed to subscribers. Children
// grows as a playlist job spawns its entries.
type Event struct {
	ID       string         `json:"id"`
	Status   job.Status     `json:"status"`
	Title    string         `json:"title,omitempty"`
	Progress job.Progress   `json:"progress"`
	Result   *job.Result    `json:"result"`
	Error    *job.Error     `json:"error"`
	Log      []job.LogEntry `json:"log"`
	Parent   string         `json:"parent,omitempty"`
	Children []string       `json:"children,omitempty"`
}

func EventFromRecord(rec job.Record) Event {
	rec = rec.Clone()
	return Event{
		ID:       rec.ID,
		Status:   rec.Status,
		Title:    rec.Title,
		Progress: rec.Progress,
		Result:   rec.Result,
		Error:    rec.Error,
		Log:      rec.Log,
		Parent:   rec.Parent,
		Children: rec.Children,
	}
}

func (e Event) Terminal() bool {
	return e.Status.IsTerminal()
}

type Publisher struct {
	cfg  Config
	log  gklog.Logger
	jobs *registry.Registry

	subscribers prometheus.Gauge
	dropped     prometheus.Counter
}

func New(cfg Config, jobs *registry.Registry, reg prometheus.Registerer, log gklog.Logger) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}

	return &Publisher{
		cfg:  cfg,
		log:  gklog.With(log, "component", "publisher"),
		jobs: jobs,
		subscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "ferry",
			Name:      "subscribers",
			Help:      "Number of open progress subscriptions.",
		}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "subscriber_dropped_events_total",
			Help:      "Events dropped because a subscriber fell behind.",
		}),
	}
}

// Subscribe streams snapshots of the job, starting with the current one.
// Updates are coalesced to at most one per MinInterval. The channel is
// closed after the terminal event, when ctx ends, or when the job is
// removed. A slow reader loses its oldest undelivered events, never the
// newest one.
func (p *Publisher) Subscribe(ctx context.Context, id string) (<-chan Event, error) {
	rec, changed, err := p.jobs.Watch(id)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, p.cfg.Buffer)
	p.subscribers.Inc()
	go p.stream(ctx, id, rec, changed, out)

	return out, nil
}

func (p *Publisher) stream(ctx context.Context, id string, rec job.Record, changed <-chan struct{}, out chan Event) {
	defer p.subscribers.Dec()
	defer close(out)

	var limiter *rate.Limiter
	if p.cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(p.cfg.MinInterval), 1)
		limiter.Allow()
	}

	var sent uint64
	for {
		if rec.Revision != sent {
			p.push(out, EventFromRecord(rec))
			sent = rec.Revision
		}
		if rec.Status.IsTerminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		var err error
		rec, changed, err = p.jobs.Watch(id)
		if err != nil {
			_ = level.Debug(p.log).Log("msg", "subscription ended, job removed", "job", id)
			return
		}
	}
}

func (p *Publisher) push(out chan Event, ev Event) {
	for {
		select {
		case out <- ev:
			return
		default:
		}

		select {
		case <-out:
			p.dropped.Inc()
		default:
		}
	}
}
