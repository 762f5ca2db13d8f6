package ferry

import (
	"context"

	"github.com/ValerySidorin/ferry/pkg/api"
	"github.com/ValerySidorin/ferry/pkg/controller"
	util_log "github.com/ValerySidorin/ferry/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type Ferry struct {
	Cfg Config

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// set during initialization
	ServiceMap    map[string]services.Service
	ModuleManager *modules.Manager

	Controller *controller.Controller
	Server     *api.Server
}

func New(cfg Config, reg *prometheus.Registry) (*Ferry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	f := &Ferry{
		Cfg:        cfg,
		Registerer: reg,
		Gatherer:   reg,
	}

	if err := f.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "setup module manager")
	}

	return f, nil
}

// Run starts the configured targets and blocks until ctx ends or a
// module fails.
func (f *Ferry) Run(ctx context.Context) error {
	serviceMap, err := f.ModuleManager.InitModuleServices(f.Cfg.Target...)
	if err != nil {
		return errors.Wrap(err, "init module services")
	}
	f.ServiceMap = serviceMap

	servs := make([]services.Service, 0, len(serviceMap))
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return errors.Wrap(err, "init service manager")
	}

	watcher := services.NewFailureWatcher()
	watcher.WatchManager(sm)

	if err := services.StartManagerAndAwaitHealthy(ctx, sm); err != nil {
		return errors.Wrap(err, "start modules")
	}
	_ = level.Info(util_log.Logger).Log("msg", "ferry started", "target", f.Cfg.Target.String())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-watcher.Chan():
		_ = level.Error(util_log.Logger).Log("msg", "module failed", "err", runErr)
	}

	if err := services.StopManagerAndAwaitStopped(context.Background(), sm); err != nil {
		return errors.Wrap(err, "stop modules")
	}
	_ = level.Info(util_log.Logger).Log("msg", "ferry stopped")

	return runErr
}
