package queue

import (
	"flag"

	"github.com/ValerySidorin/ferry/pkg/queue/nats"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

type Config struct {
	Type string      `yaml:"type"`
	Nats nats.Config `yaml:"nats"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Type, flagPrefix+"type", "", `Message queue type. Empty disables the queue, "nats" is supported.`)
	c.Nats.RegisterFlags(flagPrefix+"nats.", f)
}

func (c *Config) Enabled() bool {
	return c.Type != ""
}

type Publisher interface {
	Pub(subject string, data []byte) error
	Close() error
}

type Subscriber interface {
	Sub(subject string, action func(data []byte)) error
	Close() error
}

func NewPublisher(cfg Config, log log.Logger) (Publisher, error) {
	switch cfg.Type {
	case "nats":
		return nats.NewNatsClient(cfg.Nats, log)
	default:
		return nil, errors.Errorf("invalid queue type: %q", cfg.Type)
	}
}

func NewSubscriber(cfg Config, log log.Logger) (Subscriber, error) {
	switch cfg.Type {
	case "nats":
		return nats.NewNatsClient(cfg.Nats, log)
	default:
		return nil, errors.Errorf("invalid queue type: %q", cfg.Type)
	}
}
