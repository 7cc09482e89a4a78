package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/tether"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/supervisor"
)

type command struct {
	flags *GlobalFlags
}

func (c command) config() (*tether.Config, error) {
	return tether.LoadConfig(c.flags.ConfigPath)
}

// Run launches the backend and blocks until a shutdown signal arrives.
func (c command) Run(ctx context.Context, f RunFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if f.StatusListen != "" {
		cfg.Status.Enabled = true
		cfg.Status.Listen = f.StatusListen
	}
	if f.MetricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = f.MetricsListen
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b, err := tether.New(cfg)
	if err != nil {
		return err
	}
	log := b.Logger()

	var servers []*http.Server
	if cfg.Metrics.Enabled {
		if err := tether.RegisterMetricsDefault(); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
	}
	if cfg.Status.Enabled {
		srv, err := b.NewHTTPServer(cfg.Status.Listen, cfg.Status.BasePath, cfg.Metrics.Enabled && cfg.Metrics.Listen == cfg.Status.Listen)
		if err != nil {
			_ = b.Shutdown()
			return fmt.Errorf("status server: %w", err)
		}
		servers = append(servers, srv)
		log.Info("status server listening", "addr", srv.Addr, "base_path", cfg.Status.BasePath)
	}
	if cfg.Metrics.Enabled && (!cfg.Status.Enabled || cfg.Metrics.Listen != cfg.Status.Listen) {
		srv, err := tether.NewMetricsServer(cfg.Metrics.Listen)
		if err != nil {
			shutdownServers(servers)
			_ = b.Shutdown()
			return fmt.Errorf("metrics server: %w", err)
		}
		servers = append(servers, srv)
		log.Info("metrics server listening", "addr", srv.Addr)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	launched := b.Launch(sigCtx)
	var runErr error
	select {
	case err := <-launched:
		if err != nil && f.ExitOnFailure {
			runErr = err
			break
		}
		<-sigCtx.Done()
	case <-sigCtx.Done():
	}
	log.Info("shutting down")

	shutdownServers(servers)
	return errors.Join(runErr, b.Shutdown())
}

func shutdownServers(servers []*http.Server) {
	for _, srv := range servers {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
}

// Resolve prints the location the supervisor would launch.
func (c command) Resolve() error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	cwd, _ := os.Getwd()
	r := supervisor.NewResolver(cfg, cwd)
	loc, err := r.Resolve()
	if err != nil {
		return err
	}
	printJSON(struct {
		Layout     string   `json:"layout"`
		Executable string   `json:"executable"`
		WorkDir    string   `json:"work_dir"`
		Args       []string `json:"args,omitempty"`
		Fallback   string   `json:"fallback,omitempty"`
	}{loc.Layout.String(), loc.Executable, loc.WorkDir, loc.Args, loc.Fallback})
	return nil
}

// Probe checks the port range once and fails when nothing answers.
func (c command) Probe(ctx context.Context, f ProbeFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	// a one-off check has nothing to wait for
	cfg.Probe.Settle = 0
	p := supervisor.NewProber(cfg)
	res := p.Probe(ctx)
	printJSON(res)
	if !res.Ready {
		return fmt.Errorf("backend not reachable on %s", p.Range())
	}
	return nil
}

// Reclaim lists stale instances and, unless DryRun, terminates them.
func (c command) Reclaim(ctx context.Context, f ReclaimFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if f.DryRun {
		type found struct {
			Finder  string `json:"finder"`
			PID     int32  `json:"pid"`
			Process string `json:"process"`
		}
		out := []found{}
		var errs []error
		for _, fd := range supervisor.Finders(cfg) {
			ts, err := fd.Find(ctx)
			if err != nil {
				errs = append(errs, err)
			}
			for _, t := range ts {
				out = append(out, found{Finder: fd.Describe(), PID: t.PID(), Process: t.Describe()})
			}
		}
		printJSON(out)
		return errors.Join(errs...)
	}
	log, closeLog := cfg.LoggerConfig().NewSlogger()
	if closeLog != nil {
		defer func() { _ = closeLog.Close() }()
	}
	res, err := supervisor.NewReclaimer(cfg, log).Reclaim(ctx)
	printJSON(res)
	return err
}

// History prints recent events from a readable sink.
func (c command) History(ctx context.Context, f HistoryFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dsn := f.DSN
	if dsn == "" {
		dsn = cfg.History.DSN
	}
	if dsn == "" {
		return errors.New("no history DSN: set history.dsn or --dsn")
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()
	r, ok := sink.(history.Reader)
	if !ok {
		return fmt.Errorf("history sink for %q cannot be read back", dsn)
	}
	events, err := r.Recent(ctx, f.Limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []history.Event{}
	}
	printJSON(events)
	return nil
}
