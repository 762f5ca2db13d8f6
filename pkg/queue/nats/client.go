package nats

import (
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type Config struct {
	Url        string `yaml:"url"`
	QueueGroup string `yaml:"queue_group"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Url, flagPrefix+"url", nats.DefaultURL, `NATS server URL.`)
	f.StringVar(&c.QueueGroup, flagPrefix+"queue-group", "ferry", `Queue group shared by ferry instances consuming the same subject.`)
}

type NatsClient struct {
	cfg  Config
	conn *nats.Conn
	log  log.Logger
}

func NewNatsClient(cfg Config, logger log.Logger) (*NatsClient, error) {
	conn, err := nats.Connect(cfg.Url,
		nats.Name("ferry"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				_ = level.Warn(logger).Log("msg", "nats disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "initialize nats connection")
	}

	return &NatsClient{
		cfg:  cfg,
		conn: conn,
		log:  logger,
	}, nil
}

func (n *NatsClient) Sub(subject string, action func(data []byte)) error {
	_, err := n.conn.QueueSubscribe(subject, n.cfg.QueueGroup, func(msg *nats.Msg) {
		action(msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, "nats subscribe")
	}

	return nil
}

func (n *NatsClient) Pub(subject string, data []byte) error {
	if err := n.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, "nats publish")
	}

	return nil
}

func (n *NatsClient) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return errors.Wrap(err, "nats drain")
	}

	return nil
}
