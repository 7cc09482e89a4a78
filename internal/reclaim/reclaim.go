// Package reclaim terminates backend instances left over from a previous run
// so a fresh instance can bind the expected ports.
package reclaim

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrReclaimFailed marks a best-effort cleanup that did not fully succeed.
var ErrReclaimFailed = errors.New("reclaim failed")

// Error aggregates the failures of one Reclaim call.
type Error struct {
	Errs []error
}

func (e *Error) Error() string {
	return ErrReclaimFailed.Error() + ": " + errors.Join(e.Errs...).Error()
}

func (e *Error) Is(target error) bool { return target == ErrReclaimFailed }

func (e *Error) Unwrap() []error { return e.Errs }

// Target is a running process that looks like a stale backend.
type Target interface {
	PID() int32
	Describe() string
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error
	Running(ctx context.Context) bool
}

// Finder is a strategy that discovers stale instances.
// It must be safe for concurrent use.
type Finder interface {
	Find(ctx context.Context) ([]Target, error)
	// Describe returns a human-readable description of the discovery method.
	Describe() string
}

// Result reports what a Reclaim call did.
type Result struct {
	Found  []int32 `json:"found"`  // PIDs matched by any finder
	Killed []int32 `json:"killed"` // PIDs that needed a kill after the grace period
}

type Options struct {
	Finders []Finder
	Grace   time.Duration // wait between terminate and kill
	Settle  time.Duration // wait after signalling so the OS releases ports
	Logger  *slog.Logger
}

type Reclaimer struct {
	finders []Finder
	grace   time.Duration
	settle  time.Duration
	log     *slog.Logger
	poll    time.Duration
}

func New(opts Options) *Reclaimer {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Reclaimer{
		finders: opts.Finders,
		grace:   opts.Grace,
		settle:  opts.Settle,
		log:     l.With("component", "reclaim"),
		poll:    50 * time.Millisecond,
	}
}

// Reclaim terminates every stale instance found, escalating to a kill after
// the grace period, then waits the settle delay. It never panics; failures are
// returned as *Error for the caller to log. The settle delay is skipped when
// nothing was found.
func (r *Reclaimer) Reclaim(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	seen := make(map[int32]bool)
	var targets []Target
	for _, f := range r.finders {
		found, err := f.Find(ctx)
		if err != nil {
			errs = append(errs, err)
			r.log.Warn("stale instance discovery failed", "finder", f.Describe(), "error", err)
		}
		for _, t := range found {
			if seen[t.PID()] {
				continue
			}
			seen[t.PID()] = true
			targets = append(targets, t)
			res.Found = append(res.Found, t.PID())
			r.log.Info("stale backend instance found", "finder", f.Describe(), "pid", t.PID(), "process", t.Describe())
		}
	}
	if len(targets) == 0 {
		return res, joinErr(errs)
	}

	for _, t := range targets {
		if err := t.Terminate(ctx); err != nil && t.Running(ctx) {
			errs = append(errs, err)
		}
	}
	remaining := r.waitGone(ctx, targets)
	for _, t := range remaining {
		r.log.Warn("stale instance ignored terminate, killing", "pid", t.PID())
		if err := t.Kill(ctx); err != nil && t.Running(ctx) {
			errs = append(errs, err)
			continue
		}
		res.Killed = append(res.Killed, t.PID())
	}

	if err := sleepCtx(ctx, r.settle); err != nil {
		errs = append(errs, err)
	}
	return res, joinErr(errs)
}

// waitGone polls until every target exited or the grace period elapsed and
// returns the ones still running.
func (r *Reclaimer) waitGone(ctx context.Context, targets []Target) []Target {
	deadline := time.Now().Add(r.grace)
	for {
		var alive []Target
		for _, t := range targets {
			if t.Running(ctx) {
				alive = append(alive, t)
			}
		}
		if len(alive) == 0 || !time.Now().Before(deadline) {
			return alive
		}
		if sleepCtx(ctx, r.poll) != nil {
			return alive
		}
		targets = alive
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func joinErr(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &Error{Errs: errs}
}
