package objstore

import (
	"context"
	"flag"
	"io"

	"github.com/ValerySidorin/ferry/pkg/objstore/minio"
	"github.com/pkg/errors"
)

const (
	Bucket = "ferry"
)

type Config struct {
	Store  string       `yaml:"store"`
	Bucket string       `yaml:"bucket"`
	Minio  minio.Config `yaml:"minio"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Store, flagPrefix+"store", "", `Object storage completed downloads are uploaded to. Empty disables uploads.`)
	f.StringVar(&c.Bucket, flagPrefix+"bucket", Bucket, `Bucket for uploaded downloads.`)
	c.Minio.RegisterFlags(flagPrefix+"minio.", f)
}

type Writer interface {
	Store(ctx context.Context, key string, r io.Reader) error
}

// NewWriter returns nil when no store is configured.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = Bucket
	}

	switch cfg.Store {
	case "":
		return nil, nil
	case "minio":
		return minio.NewWriter(ctx, cfg.Minio, bucket)
	}

	return nil, errors.Errorf("invalid store for writer: %s", cfg.Store)
}
