package history

import (
	"context"
	"flag"

	"github.com/ValerySidorin/ferry/pkg/history/record"
	"github.com/ValerySidorin/ferry/pkg/history/store/pg"
	"github.com/ValerySidorin/ferry/pkg/history/store/sqlite"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

const (
	StorePg     = "pg"
	StoreSQLite = "sqlite"
)

type Config struct {
	Store       string `yaml:"store"`
	Buffer      int    `yaml:"buffer"`
	StoreConfig `yaml:",inline"`
}

type StoreConfig struct {
	Pg     pg.Config     `yaml:"pg"`
	SQLite sqlite.Config `yaml:"sqlite"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Pg.RegisterFlags(flagPrefix, f)
	c.SQLite.RegisterFlags(flagPrefix, f)

	f.StringVar(&c.Store, flagPrefix+"store", "", `Store finished jobs are archived to. Empty disables history, "pg" and "sqlite" are supported.`)
	f.IntVar(&c.Buffer, flagPrefix+"buffer", 256, `Finished jobs waiting to be archived before new ones are dropped.`)
}

func (c *Config) Enabled() bool {
	return c.Store != ""
}

type Store interface {
	Save(ctx context.Context, e record.Entry) error
	// List returns at most limit entries, most recently finished first.
	List(ctx context.Context, limit int) ([]record.Entry, error)
	Close(ctx context.Context) error
}

func NewStore(ctx context.Context, cfg Config, log log.Logger) (Store, error) {
	switch cfg.Store {
	case StorePg:
		return pg.NewStore(ctx, cfg.Pg, log)
	case StoreSQLite:
		return sqlite.NewStore(ctx, cfg.SQLite, log)
	default:
		return nil, errors.Errorf("invalid history store: %q", cfg.Store)
	}
}
