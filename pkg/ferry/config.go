package ferry

import (
	"flag"
	"os"

	"github.com/ValerySidorin/ferry/pkg/api"
	"github.com/ValerySidorin/ferry/pkg/controller"
	util_log "github.com/ValerySidorin/ferry/pkg/util/log"
	"github.com/grafana/dskit/flagext"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Target    flagext.StringSliceCSV `yaml:"target"`
	LogConfig util_log.Config        `yaml:",inline"`

	Server api.Config        `yaml:"server"`
	Jobs   controller.Config `yaml:"jobs"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Target = []string{All}
	f.Var(&c.Target, "target", `Comma-separated list of modules to run: "all", "server" or "controller".`)

	c.LogConfig.RegisterFlags(f)
	c.Server.RegisterFlags(f)
	c.Jobs.RegisterFlags("jobs.", f)
}

func (c *Config) Validate() error {
	for _, t := range c.Target {
		switch t {
		case All, Server, Controller:
		default:
			return errors.Errorf("unknown target %q", t)
		}
	}
	if c.Jobs.Executor.OutputDir == "" {
		return errors.New("jobs.executor.output-dir must not be empty")
	}
	if c.Jobs.Executor.MaxParallel < 0 {
		return errors.New("jobs.executor.max-parallel must not be negative")
	}

	return nil
}

// LoadConfig reads YAML from filename over the values already in cfg.
// With expandEnv, ${VAR} references are replaced first.
func LoadConfig(filename string, expandEnv bool, cfg *Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}

	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return errors.Wrapf(err, "parse config file %s", filename)
	}

	return nil
}

// LoadEnv loads variables from an env file. A missing file is fine.
func LoadEnv(filename string) error {
	if filename == "" {
		return nil
	}

	if err := godotenv.Load(filename); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "load env file %s", filename)
	}

	return nil
}
