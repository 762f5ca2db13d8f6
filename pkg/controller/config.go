package controller

import (
	"flag"

	"github.com/ValerySidorin/ferry/pkg/executor"
	"github.com/ValerySidorin/ferry/pkg/history"
	"github.com/ValerySidorin/ferry/pkg/intake"
	"github.com/ValerySidorin/ferry/pkg/notifier"
	"github.com/ValerySidorin/ferry/pkg/objstore"
	"github.com/ValerySidorin/ferry/pkg/publisher"
	"github.com/ValerySidorin/ferry/pkg/registry"
)

type Config struct {
	Executor  executor.Config          `yaml:"executor"`
	Publisher publisher.Config         `yaml:"publisher"`
	Retention registry.RetentionConfig `yaml:"retention"`
	Notifier  notifier.Config          `yaml:"notifier"`
	Intake    intake.Config            `yaml:"intake"`
	History   history.Config           `yaml:"history"`
	ObjStore  objstore.Config          `yaml:"obj_store"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Executor.RegisterFlags(flagPrefix+"executor.", f)
	c.Publisher.RegisterFlags(flagPrefix+"publisher.", f)
	c.Retention.RegisterFlags(flagPrefix+"retention.", f)
	c.Notifier.RegisterFlags(flagPrefix+"notifier.", f)
	c.Intake.RegisterFlags(flagPrefix+"intake.", f)
	c.History.RegisterFlags(flagPrefix+"history.", f)
	c.ObjStore.RegisterFlags(flagPrefix+"obj-store.", f)
}
