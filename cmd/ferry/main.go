package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValerySidorin/ferry/pkg/ferry"
	util_log "github.com/ValerySidorin/ferry/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	configFileOption = "config.file"
	configExpandEnv  = "config.expand-env"
	envFileOption    = "config.env-file"
)

func main() {
	var (
		cfg        ferry.Config
		configFile string
		expandEnv  bool
		envFile    string
	)

	configFile, expandEnv, envFile = parseConfigFileParameter(os.Args[1:])

	// Already parsed above, registered so flag.Parse accepts them.
	flag.String(configFileOption, "", "Configuration file to load.")
	flag.Bool(configExpandEnv, false, "Expands ${var} in config according to the values of the environment variables.")
	flag.String(envFileOption, ".env", "Env file loaded before the config. Missing file is ignored.")
	cfg.RegisterFlags(flag.CommandLine)

	if err := ferry.LoadEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error loading env file: %v\n", err)
		os.Exit(1)
	}

	if configFile != "" {
		if err := ferry.LoadConfig(configFile, expandEnv, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}

	// Command-line flags win over the config file.
	flag.Parse()

	util_log.InitLogger(&cfg.LogConfig)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f, err := ferry.New(cfg, reg)
	util_log.CheckFatal("initializing ferry", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = level.Info(util_log.Logger).Log("msg", "starting ferry")
	util_log.CheckFatal("running ferry", f.Run(ctx))
}

// parseConfigFileParameter picks the config related flags out of args
// before the full flag set exists.
func parseConfigFileParameter(args []string) (configFile string, expandEnv bool, envFile string) {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&expandEnv, configExpandEnv, false, "")
	fs.StringVar(&envFile, envFileOption, ".env", "")

	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	return
}
