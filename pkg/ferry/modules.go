package ferry

import (
	"context"

	"github.com/ValerySidorin/ferry/pkg/api"
	"github.com/ValerySidorin/ferry/pkg/controller"
	"github.com/ValerySidorin/ferry/pkg/executor"
	"github.com/ValerySidorin/ferry/pkg/mux"
	util_log "github.com/ValerySidorin/ferry/pkg/util/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
)

const (
	Controller = "controller"
	Server     = "server"
	All        = "all"
)

func (f *Ferry) initController() (services.Service, error) {
	eng, err := executor.NewEngine(f.Cfg.Jobs.Executor.Engine, util_log.Logger)
	if err != nil {
		return nil, err
	}
	muxer := mux.New(f.Cfg.Jobs.Executor.Mux, util_log.Logger)

	f.Controller, err = controller.New(context.Background(), f.Cfg.Jobs, eng, muxer, f.Registerer, util_log.Logger)
	if err != nil {
		return nil, err
	}

	return f.Controller, nil
}

func (f *Ferry) initServer() (services.Service, error) {
	f.Server = api.NewServer(f.Cfg.Server, f.Controller, f.Gatherer, util_log.Logger)
	return f.Server, nil
}

func (f *Ferry) setupModuleManager() error {
	mm := modules.NewManager(util_log.Logger)

	mm.RegisterModule(Controller, f.initController, modules.UserInvisibleTargetableModule)
	mm.RegisterModule(Server, f.initServer, modules.UserInvisibleTargetableModule)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Server: {Controller},
		All:    {Server, Controller},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	f.ModuleManager = mm
	return nil
}
