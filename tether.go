// Package tether supervises a single long-lived backend process for a host
// application: it locates the backend, clears stale instances, starts it,
// checks that it becomes reachable and stops it on shutdown.
package tether

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"vawter.tech/stopper"

	cfg "github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/resolve"
	iapi "github.com/loykin/tether/internal/server"
	"github.com/loykin/tether/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Status = supervisor.Status

type State = supervisor.State

type Event = history.Event

type HistorySink = history.Sink

const (
	StateUnstarted = supervisor.StateUnstarted
	StateStarting  = supervisor.StateStarting
	StateRunning   = supervisor.StateRunning
	StateStopped   = supervisor.StateStopped
	StateFailed    = supervisor.StateFailed
)

var (
	ErrBackendNotFound = resolve.ErrBackendNotFound
	ErrLaunchFailed    = supervisor.ErrLaunchFailed
	ErrAlreadyStarted  = supervisor.ErrAlreadyStarted
	ErrShutdown        = errors.New("backend shut down")
)

// shutdownGrace bounds how long Shutdown waits for the launch goroutine.
const shutdownGrace = 5 * time.Second

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() Config { return cfg.Default() }

type options struct {
	logger *slog.Logger
	sinks  []history.Sink
	cwd    string
}

type Option func(*options)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithHistorySinks adds sinks next to the one configured by history.dsn.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// WithWorkingDir sets the directory the sibling source layout is searched
// from. It defaults to the process working directory.
func WithWorkingDir(dir string) Option { return func(o *options) { o.cwd = dir } }

// Backend is the embeddable facade. Create one per host application and
// call Shutdown from every exit path.
type Backend struct {
	cfg   *Config
	sup   *supervisor.Supervisor
	log   *slog.Logger
	sinks []history.Sink

	closeLog io.Closer

	mu       sync.Mutex
	sctx     *stopper.Context
	cancel   context.CancelFunc
	launched bool
	shutdown bool
}

func New(c *Config, opts ...Option) (*Backend, error) {
	if c == nil {
		d := cfg.Default()
		c = &d
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	log, closeLog := o.logger, io.Closer(nil)
	if log == nil {
		log, closeLog = c.LoggerConfig().NewSlogger()
	}

	sinks := append([]history.Sink(nil), o.sinks...)
	if c.History.Enabled && c.History.DSN != "" {
		s, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			if closeLog != nil {
				_ = closeLog.Close()
			}
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	cwd := o.cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	sup := supervisor.FromConfig(c, cwd, log, sinks)
	return &Backend{cfg: c, sup: sup, log: log, sinks: sinks, closeLog: closeLog}, nil
}

// Launch runs resolve, reclaim, start and the readiness probe on a
// background goroutine and returns at once. The channel receives the launch
// outcome (not the probe result) and is then closed; callers may ignore it.
// A Backend launches at most once.
func (b *Backend) Launch(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.shutdown:
		out <- ErrShutdown
		close(out)
		return out
	case b.launched:
		out <- ErrAlreadyStarted
		close(out)
		return out
	}
	b.launched = true

	b.sctx = stopper.WithContext(ctx)
	lctx, cancel := context.WithCancel(b.sctx)
	b.cancel = cancel
	accepted := b.sctx.Go(func(*stopper.Context) error {
		defer close(out)
		err := b.sup.Launch(lctx)
		out <- err
		// failures are logged by the supervisor and never stop the host
		return nil
	})
	if !accepted {
		// ctx was already stopping; allow a later Launch with a live context
		cancel()
		b.sctx, b.cancel, b.launched = nil, nil, false
		b.log.Warn("backend launch refused, context is stopping")
		out <- ErrShutdown
		close(out)
	}
	return out
}

// Shutdown cancels an in-flight launch, stops the backend and releases the
// history sinks and log file. It is safe to call more than once.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	first := !b.shutdown
	b.shutdown = true
	cancel, sctx := b.cancel, b.sctx
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := b.sup.Stop()
	if !first {
		return err
	}
	if sctx != nil {
		sctx.Stop(shutdownGrace)
		if werr := sctx.Wait(); werr != nil {
			err = errors.Join(err, werr)
		}
	}
	for _, s := range b.sinks {
		if cerr := s.Close(); cerr != nil {
			b.log.Debug("history sink close", "error", cerr)
		}
	}
	if b.closeLog != nil {
		_ = b.closeLog.Close()
	}
	return err
}

func (b *Backend) Status() Status { return b.sup.Status() }

func (b *Backend) State() State { return b.sup.State() }

// Recent returns stored lifecycle events from the first readable sink.
func (b *Backend) Recent(ctx context.Context, limit int) ([]Event, error) {
	if r := b.reader(); r != nil {
		return r.Recent(ctx, limit)
	}
	return nil, errors.New("no readable history sink configured")
}

func (b *Backend) reader() history.Reader {
	for _, s := range b.sinks {
		if r, ok := s.(history.Reader); ok {
			return r
		}
	}
	return nil
}

// Handler returns the status router for mounting in the host's own server.
func (b *Backend) Handler(basePath string) http.Handler {
	return b.router(basePath, false).Handler()
}

func (b *Backend) router(basePath string, withMetrics bool) *iapi.Router {
	var opts []iapi.Option
	if r := b.reader(); r != nil {
		opts = append(opts, iapi.WithHistory(r))
	}
	if withMetrics {
		opts = append(opts, iapi.WithMetrics())
	}
	return iapi.NewRouter(b.sup, basePath, opts...)
}

// NewHTTPServer serves the status router on addr, plus /metrics when withMetrics is set.
func (b *Backend) NewHTTPServer(addr, basePath string, withMetrics bool) (*http.Server, error) {
	return iapi.NewServer(addr, b.router(basePath, withMetrics))
}

// Logger returns the logger the backend writes to.
func (b *Backend) Logger() *slog.Logger { return b.log }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	return metricsServer(addr).ListenAndServe()
}

// NewMetricsServer binds addr and serves /metrics in the background. The
// caller owns the returned server and should Shutdown it.
func NewMetricsServer(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := metricsServer(ln.Addr().String())
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Config returns a copy of the configuration the backend was built from.
func (b *Backend) Config() Config { return *b.cfg }
