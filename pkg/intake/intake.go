package intake

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
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Queue.RegisterFlags(flagPrefix+"queue.", f)
	f.StringVar(&c.Subject, flagPrefix+"subject", "ferry.submit", `Subject download requests are consumed from.`)
}

type Submitter interface {
	Submit(req job.Request) (string, error)
}

// Intake accepts download requests from the message queue.
type Intake struct {
	services.Service

	cfg       Config
	log       gklog.Logger
	sub       queue.Subscriber
	submitter Submitter

	received *prometheus.CounterVec
}

func New(cfg Config, submitter Submitter, reg prometheus.Registerer, log gklog.Logger) (*Intake, error) {
	sub, err := queue.NewSubscriber(cfg.Queue, log)
	if err != nil {
		return nil, errors.Wrap(err, "intake connect to queue")
	}

	return NewWithSubscriber(cfg, sub, submitter, reg, log), nil
}

func NewWithSubscriber(cfg Config, sub queue.Subscriber, submitter Submitter, reg prometheus.Registerer, log gklog.Logger) *Intake {
	if cfg.Subject == "" {
		cfg.Subject = "ferry.submit"
	}

	i := &Intake{
		cfg:       cfg,
		log:       gklog.With(log, "component", "intake"),
		sub:       sub,
		submitter: submitter,
		received: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "intake_messages_total",
			Help:      "Download requests received from the queue by result.",
		}, []string{"result"}),
	}

	i.Service = services.NewIdleService(i.starting, i.stopping)

	return i
}

func (i *Intake) starting(_ context.Context) error {
	if err := i.sub.Sub(i.cfg.Subject, i.handle); err != nil {
		return errors.Wrap(err, "intake subscribe")
	}

	_ = level.Info(i.log).Log("msg", "consuming download requests", "subject", i.cfg.Subject)
	return nil
}

func (i *Intake) stopping(_ error) error {
	return i.sub.Close()
}

func (i *Intake) handle(data []byte) {
	msg, err := message.NewSubmit(data)
	if err != nil {
		i.received.WithLabelValues("invalid").Inc()
		_ = level.Warn(i.log).Log("msg", "skip message", "err", err)
		return
	}

	id, err := i.submitter.Submit(msg.Request)
	if err != nil {
		i.received.WithLabelValues("rejected").Inc()
		_ = level.Warn(i.log).Log("msg", "request rejected", "source", msg.Request.Source, "err", err)
		return
	}

	i.received.WithLabelValues("accepted").Inc()
	_ = level.Debug(i.log).Log("msg", "request accepted", "job", id)
}
