package executor

import (
	"flag"
	"time"

	"github.com/ValerySidorin/ferry/pkg/engine"
	"github.com/ValerySidorin/ferry/pkg/engine/httpdl"
	"github.com/ValerySidorin/ferry/pkg/engine/ytdlp"
	"github.com/ValerySidorin/ferry/pkg/mux"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

const (
	BackendAuto  = "auto"
	BackendYtDlp = ytdlp.Name
	BackendHTTP  = httpdl.Name
)

type Config struct {
	OutputDir     string        `yaml:"output_dir"`
	MaxParallel   int           `yaml:"max_parallel"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	PlaylistLimit int           `yaml:"playlist_limit"`

	Engine EngineConfig `yaml:"engine"`
	Mux    mux.Config   `yaml:"mux"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.OutputDir, flagPrefix+"output-dir", "./downloads", `Directory job outputs are written to, one subdirectory per job.`)
	f.IntVar(&c.MaxParallel, flagPrefix+"max-parallel", 4, `Maximum number of jobs running at once. 0 means unbounded.`)
	f.DurationVar(&c.PollInterval, flagPrefix+"poll-interval", 250*time.Millisecond, `How often running jobs check for cancellation.`)
	f.IntVar(&c.PlaylistLimit, flagPrefix+"playlist-limit", 200, `Maximum number of entries a playlist job expands into. 0 means no limit.`)

	c.Engine.RegisterFlags(flagPrefix+"engine.", f)
	c.Mux.RegisterFlags(flagPrefix+"mux.", f)
}

type EngineConfig struct {
	Backend string        `yaml:"backend"`
	YtDlp   ytdlp.Config  `yaml:"ytdlp"`
	HTTP    httpdl.Config `yaml:"http"`
}

func (c *EngineConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Backend, flagPrefix+"backend", BackendAuto, `Download engine: auto, ytdlp or http.`)
	c.YtDlp.RegisterFlags(flagPrefix+"ytdlp.", f)
	c.HTTP.RegisterFlags(flagPrefix+"http.", f)
}

func NewEngine(cfg EngineConfig, logger log.Logger) (engine.Engine, error) {
	switch cfg.Backend {
	case BackendYtDlp:
		return ytdlp.New(cfg.YtDlp, logger), nil
	case BackendHTTP:
		return httpdl.New(cfg.HTTP, logger), nil
	case BackendAuto, "":
		return &engine.Router{
			Extractor: ytdlp.New(cfg.YtDlp, logger),
			Direct:    httpdl.New(cfg.HTTP, logger),
		}, nil
	}

	return nil, errors.Errorf("invalid engine backend: %s", cfg.Backend)
}
