package api

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/netutil"
)

type Config struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	MaxConnections          int           `yaml:"http_max_connections"`
	ReadHeaderTimeout       time.Duration `yaml:"http_read_header_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.HTTPListenAddress, "server.http-listen-address", "", `HTTP server listen address.`)
	f.IntVar(&c.HTTPListenPort, "server.http-listen-port", 8080, `HTTP server listen port.`)
	f.IntVar(&c.MaxConnections, "server.http-max-connections", 0, `Maximum number of simultaneous HTTP connections, 0 means unlimited.`)
	f.DurationVar(&c.ReadHeaderTimeout, "server.http-read-header-timeout", 10*time.Second, `Time allowed to read request headers.`)
	f.DurationVar(&c.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, `Timeout for graceful shutdown.`)
}

// Server serves the job API over HTTP.
type Server struct {
	services.Service

	cfg Config
	log gklog.Logger

	router   *mux.Router
	srv      *http.Server
	listener net.Listener

	// Cancelled on shutdown so long-lived event streams let go.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewServer(cfg Config, jobs Jobs, gatherer prometheus.Gatherer, log gklog.Logger) *Server {
	log = gklog.With(log, "service", "server")

	s := &Server{
		cfg:    cfg,
		log:    log,
		router: NewRouter(jobs, gatherer, log),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)

	return s
}

// Addr returns the bound address once the server is running.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) starting(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.HTTPListenAddress, s.cfg.HTTPListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "server listen")
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.listener = ln

	_ = level.Info(s.log).Log("msg", "server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) running(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.srv.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server serve")
	}
}

func (s *Server) stopping(_ error) error {
	s.cancelBase()

	timeout := s.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
		return errors.Wrap(err, "server shutdown")
	}

	return nil
}
