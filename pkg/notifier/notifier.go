package notifier

import (
	"context"
	"flag"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/ValerySidorin/ferry/pkg/queue"
	"github.com/ValerySidorin/ferry/pkg/queue/message"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Config struct {
	Queue   queue.Config `yaml:"queue"`
	Subject string       `yaml:"subject"`
	Buffer  int          `yaml:"buffer"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Queue.RegisterFlags(flagPrefix+"queue.", f)
	f.StringVar(&c.Subject, flagPrefix+"subject", "ferry.jobs", `Subject prefix finished jobs are announced on. The job status is appended.`)
	f.IntVar(&c.Buffer, flagPrefix+"buffer", 256, `Finished jobs waiting to be announced before new ones are dropped.`)
}

// Notifier announces finished jobs on the message queue.
type Notifier struct {
	services.Service

	cfg Config
	log gklog.Logger
	pub queue.Publisher

	pending chan job.Record

	sent    *prometheus.CounterVec
	dropped prometheus.Counter
}

func New(cfg Config, reg prometheus.Registerer, log gklog.Logger) (*Notifier, error) {
	pub, err := queue.NewPublisher(cfg.Queue, log)
	if err != nil {
		return nil, errors.Wrap(err, "notifier connect to queue")
	}

	return NewWithPublisher(cfg, pub, reg, log), nil
}

func NewWithPublisher(cfg Config, pub queue.Publisher, reg prometheus.Registerer, log gklog.Logger) *Notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.Subject == "" {
		cfg.Subject = "ferry.jobs"
	}

	n := &Notifier{
		cfg:     cfg,
		log:     gklog.With(log, "component", "notifier"),
		pub:     pub,
		pending: make(chan job.Record, cfg.Buffer),
		sent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "notifier_messages_total",
			Help:      "Finished job announcements by result.",
		}, []string{"result"}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "notifier_dropped_total",
			Help:      "Finished jobs not announced because the buffer was full.",
		}),
	}

	n.Service = services.NewBasicService(nil, n.running, n.stopping)

	return n
}

// JobFinished queues the announcement without blocking the caller.
func (n *Notifier) JobFinished(rec job.Record) {
	select {
	case n.pending <- rec.Clone():
	default:
		n.dropped.Inc()
		_ = level.Warn(n.log).Log("msg", "notifier buffer full, dropping announcement", "job", rec.ID)
	}
}

func (n *Notifier) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-n.pending:
			n.send(rec)
		}
	}
}

func (n *Notifier) stopping(_ error) error {
	for {
		select {
		case rec := <-n.pending:
			n.send(rec)
		default:
			return n.pub.Close()
		}
	}
}

func (n *Notifier) send(rec job.Record) {
	msg, err := message.NewFinished(rec).Bytes()
	if err != nil {
		n.sent.WithLabelValues("error").Inc()
		_ = level.Error(n.log).Log("msg", err.Error())
		return
	}

	subject := message.Subject(n.cfg.Subject, rec.Status)
	if err := n.pub.Pub(subject, msg); err != nil {
		n.sent.WithLabelValues("error").Inc()
		_ = level.Error(n.log).Log("msg", "announce finished job", "job", rec.ID, "err", err)
		return
	}

	n.sent.WithLabelValues("ok").Inc()
	_ = level.Debug(n.log).Log("msg", "sent message", "subject", subject, "job", rec.ID)
}
