package registry

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/samber/lo"
)

type RetentionConfig struct {
	Period        time.Duration `yaml:"period"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

func (c *RetentionConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.DurationVar(&c.Period, flagPrefix+"period", 6*time.Hour, `How long finished jobs are kept in memory. 0 disables eviction.`)
	f.DurationVar(&c.CheckInterval, flagPrefix+"check-interval", 10*time.Minute, `How often finished jobs are checked for eviction.`)
}

// Evictor periodically drops finished records older than the retention
// period.
type Evictor struct {
	services.Service

	cfg     RetentionConfig
	log     log.Logger
	reg     *Registry
	onEvict func(rec job.Record)
}

func NewEvictor(cfg RetentionConfig, reg *Registry, onEvict func(rec job.Record), logger log.Logger) *Evictor {
	e := &Evictor{
		cfg:     cfg,
		log:     log.With(logger, "component", "evictor"),
		reg:     reg,
		onEvict: onEvict,
	}

	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	e.Service = services.NewTimerService(interval, nil, e.iteration, nil)

	return e
}

func (e *Evictor) iteration(_ context.Context) error {
	e.Evict(e.reg.now())
	return nil
}

// Evict removes every terminal record last updated before now minus the
// retention period and returns the evicted records.
func (e *Evictor) Evict(now time.Time) []job.Record {
	if e.cfg.Period <= 0 {
		return nil
	}

	deadline := now.Add(-e.cfg.Period)
	stale := lo.Filter(e.reg.List(), func(rec job.Record, _ int) bool {
		return rec.Status.IsTerminal() && rec.UpdatedAt.Before(deadline)
	})

	evicted := make([]job.Record, 0, len(stale))
	for _, rec := range stale {
		if err := e.reg.Remove(rec.ID); err != nil {
			continue
		}
		if e.onEvict != nil {
			e.onEvict(rec)
		}
		evicted = append(evicted, rec)
	}

	if len(evicted) > 0 {
		_ = level.Info(e.log).Log("msg", fmt.Sprintf("evicted %d finished jobs", len(evicted)))
	}

	return evicted
}
