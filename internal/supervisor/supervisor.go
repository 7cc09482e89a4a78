package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/probe"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/reclaim"
	"github.com/loykin/tether/internal/resolve"
)

const historyTimeout = 2 * time.Second

// Resolver locates the backend on disk.
type Resolver interface {
	Resolve() (resolve.Location, error)
}

// Reclaimer terminates stale backend instances.
type Reclaimer interface {
	Reclaim(ctx context.Context) (reclaim.Result, error)
}

// Prober checks backend reachability without blocking the caller.
type Prober interface {
	Go(ctx context.Context, onResult func(probe.Result)) <-chan probe.Result
	Range() string
}

type Options struct {
	Name      string
	Resolver  Resolver
	Reclaimer Reclaimer // optional
	Prober    Prober    // optional
	Sinks     []history.Sink
	Logger    *slog.Logger

	// Launch parameters for the backend process.
	Host      string // exported to the backend as HOST and used for {host}
	Port      int    // exported as PORT and used for {port}
	Env       []string
	PIDFile   string
	StopGrace time.Duration
	Log       logger.Config
}

// Supervisor owns exactly one backend process at a time.
//
// Lock order: opMu then mu. opMu serializes Reclaim, Start and Stop so a stop
// always finishes before the next start binds ports; mu guards the fields below and
// is never held across a blocking wait.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	proc        *process.Process
	loc         resolve.Location
	runID       string
	lastErr     error
	readiness   *probe.Result
	probeCancel context.CancelFunc
	reclaimed   []int32
}

func New(opts Options) *Supervisor {
	if opts.Name == "" {
		opts.Name = "backend"
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	s := &Supervisor{
		opts:  opts,
		log:   l.With("component", "supervisor", "backend", opts.Name),
		state: StateUnstarted,
	}
	metrics.RecordTransition(opts.Name, "", StateUnstarted.String())
	return s
}

func (s *Supervisor) Name() string { return s.opts.Name }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	metrics.RecordTransition(s.opts.Name, from.String(), to.String())
	s.log.Debug("state transition", "from", from.String(), "to", to.String())
}

// Resolve locates the backend. A failure is logged and recorded; no process
// is started.
func (s *Supervisor) Resolve() (resolve.Location, error) {
	if s.opts.Resolver == nil {
		return resolve.Location{}, &resolve.NotFoundError{}
	}
	loc, err := s.opts.Resolver.Resolve()
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		metrics.IncLaunch(s.opts.Name, "not_found")
		s.log.Error("backend not found, continuing without backend", "error", err)
		return resolve.Location{}, err
	}
	s.log.Info("backend resolved",
		"layout", loc.Layout.String(),
		"executable", loc.Executable,
		"work_dir", loc.WorkDir,
	)
	return loc, nil
}

// Reclaim terminates stale instances left by an earlier run. It is best
// effort: errors are logged and swallowed. While a backend is held it does
// nothing, since the finders would match the held instance too.
func (s *Supervisor) Reclaim(ctx context.Context) reclaim.Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.reclaimLocked(ctx)
}

func (s *Supervisor) reclaimLocked(ctx context.Context) reclaim.Result {
	if s.opts.Reclaimer == nil {
		return reclaim.Result{}
	}
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if !st.canStart() {
		s.log.Warn("reclaim skipped, backend is held", "state", st.String())
		return reclaim.Result{}
	}
	res, err := s.opts.Reclaimer.Reclaim(ctx)
	if err != nil {
		s.log.Warn("stale instance reclaim failed, ignoring", "error", err)
	}
	if n := len(res.Found); n > 0 {
		metrics.AddReclaimed(s.opts.Name, n)
		for _, pid := range res.Found {
			s.emit(history.EventReclaim, history.Record{Name: s.opts.Name, PID: int(pid)})
		}
		s.log.Info("stale instances reclaimed", "found", n, "killed", len(res.Killed))
	}
	s.mu.Lock()
	s.reclaimed = append([]int32(nil), res.Found...)
	s.mu.Unlock()
	return res
}

// Start launches the backend at loc. If the primary executable cannot be
// spawned and loc names a fallback interpreter, one retry is made with it.
// Start rejects a second call while a backend is held with ErrAlreadyStarted
// and does not begin once ctx is done.
func (s *Supervisor) Start(ctx context.Context, loc resolve.Location) (process.Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx, loc)
}

func (s *Supervisor) startLocked(ctx context.Context, loc resolve.Location) (process.Status, error) {
	s.mu.Lock()
	if !s.state.canStart() {
		st := s.state
		s.mu.Unlock()
		s.log.Warn("start rejected", "state", st.String())
		return process.Status{}, ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return process.Status{}, err
	}
	s.setStateLocked(StateStarting)
	runID := uuid.NewString()
	s.runID = runID
	s.loc = loc
	s.lastErr = nil
	s.readiness = nil
	s.mu.Unlock()

	proc, result, err := s.spawn(loc)

	s.mu.Lock()
	if err != nil {
		s.lastErr = err
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		metrics.IncLaunch(s.opts.Name, "failed")
		s.log.Error("backend launch failed", "run_id", runID, "error", err)
		s.emit(history.EventFailed, history.Record{
			RunID:      runID,
			Name:       s.opts.Name,
			Executable: loc.Executable,
			Error:      err.Error(),
		})
		return process.Status{}, err
	}
	s.proc = proc
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	st := proc.Snapshot()
	spec := proc.Spec()
	if st.PIDFileErr != nil {
		s.log.Warn("pid file not written, next run cannot reclaim by pid", "run_id", runID, "error", st.PIDFileErr)
	}
	metrics.IncLaunch(s.opts.Name, result)
	s.log.Info("backend started",
		"run_id", runID,
		"pid", st.PID,
		"cmd", spec.CommandLine(),
		"work_dir", spec.WorkDir,
	)
	s.emit(history.EventStart, history.Record{
		RunID:      runID,
		Name:       s.opts.Name,
		PID:        st.PID,
		Executable: spec.Path,
		StartedAt:  st.StartedAt,
	})
	return st, nil
}

// spawn starts loc's executable, then the fallback once. result is the
// launch metric label.
func (s *Supervisor) spawn(loc resolve.Location) (*process.Process, string, error) {
	if loc.Executable == "" {
		return nil, "", &LaunchError{Cause: errors.New("empty executable path")}
	}
	proc := process.New(s.specFor(loc, loc.Executable))
	err := proc.Start()
	if err == nil {
		return proc, "ok", nil
	}
	if loc.Fallback == "" || loc.Fallback == loc.Executable {
		return nil, "", &LaunchError{Executable: loc.Executable, Cause: err}
	}
	s.log.Warn("launch failed, retrying with fallback interpreter",
		"executable", loc.Executable,
		"fallback", loc.Fallback,
		"error", err,
	)
	proc = process.New(s.specFor(loc, loc.Fallback))
	if ferr := proc.Start(); ferr != nil {
		return nil, "", &LaunchError{Executable: loc.Executable, Fallback: loc.Fallback, Cause: errors.Join(err, ferr)}
	}
	return proc, "fallback", nil
}

func (s *Supervisor) specFor(loc resolve.Location, exe string) process.Spec {
	// HOST and PORT first so configured entries override them
	env := []string{"HOST=" + s.opts.Host}
	if s.opts.Port > 0 {
		env = append(env, "PORT="+strconv.Itoa(s.opts.Port))
	}
	env = append(env, s.opts.Env...)
	return process.Spec{
		Name:    s.opts.Name,
		Path:    exe,
		Args:    resolve.ExpandArgs(loc.Args, s.opts.Host, s.opts.Port),
		WorkDir: loc.WorkDir,
		Env:     env,
		PIDFile: s.opts.PIDFile,
		Exec:    loc.Layout == resolve.LayoutPackaged,
		Log:     s.opts.Log,
	}
}

// AwaitReady starts the readiness probe on its own goroutine and returns at
// once. The result is logged and recorded; the state is never changed by it.
// The channel receives exactly one result. Callers need not read it.
func (s *Supervisor) AwaitReady(ctx context.Context) <-chan probe.Result {
	s.mu.Lock()
	if s.proc == nil || s.opts.Prober == nil {
		s.mu.Unlock()
		ch := make(chan probe.Result, 1)
		ch <- probe.NotReady
		close(ch)
		return ch
	}
	runID := s.runID
	pid := s.proc.PID()
	pctx, cancel := context.WithCancel(ctx)
	if s.probeCancel != nil {
		s.probeCancel()
	}
	s.probeCancel = cancel
	s.mu.Unlock()

	begin := time.Now()
	rng := s.opts.Prober.Range()
	return s.opts.Prober.Go(pctx, func(r probe.Result) {
		defer cancel()
		s.recordReadiness(runID, pid, rng, r, time.Since(begin))
	})
}

func (s *Supervisor) recordReadiness(runID string, pid int, rng string, r probe.Result, took time.Duration) {
	if !s.isCurrent(runID) {
		return
	}

	rec := history.Record{RunID: runID, Name: s.opts.Name, PID: pid, Port: r.Port}
	if r.Ready {
		metrics.ObserveProbe(s.opts.Name, "ready", took.Seconds())
		metrics.SetReadyPort(s.opts.Name, r.Port)
		s.log.Info("backend ready", "run_id", runID, "port", r.Port, "attempts", r.Tried, "took", took)
		s.emit(history.EventReady, rec)
	} else {
		metrics.ObserveProbe(s.opts.Name, "not_ready", took.Seconds())
		metrics.SetReadyPort(s.opts.Name, 0)
		s.log.Warn("backend not reachable", "run_id", runID, "range", rng, "attempts", r.Tried, "took", took)
		rec.Error = fmt.Sprintf("no listener on %s", rng)
		s.emit(history.EventNotReady, rec)
	}

	// published last so Status never reports a verdict before it was recorded
	s.mu.Lock()
	if s.runID == runID && s.proc != nil {
		s.readiness = &r
	}
	s.mu.Unlock()
}

func (s *Supervisor) isCurrent(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID == runID && s.proc != nil
}

// Stop terminates the held backend and clears it. Without a held backend it
// is a no-op and returns nil, so every shutdown path may call it.
func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	if s.probeCancel != nil {
		s.probeCancel()
		s.probeCancel = nil
	}
	runID := s.runID
	s.mu.Unlock()
	if proc == nil {
		return nil
	}

	pid := proc.PID()
	err := proc.Stop(s.opts.StopGrace)

	s.mu.Lock()
	s.setStateLocked(StateStopped)
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	metrics.IncStop(s.opts.Name)
	metrics.SetReadyPort(s.opts.Name, 0)
	rec := history.Record{RunID: runID, Name: s.opts.Name, PID: pid}
	if err != nil {
		rec.Error = err.Error()
		s.log.Error("backend stop failed", "run_id", runID, "pid", pid, "error", err)
	} else {
		s.log.Info("backend stopped", "run_id", runID, "pid", pid)
	}
	s.emit(history.EventStop, rec)
	return err
}

// Launch runs the full sequence: resolve, reclaim, start, then an
// asynchronous readiness probe. Failures are logged and returned; Launch
// never panics.
func (s *Supervisor) Launch(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("launch panic: %v", r)
			s.log.Error("backend launch panicked", "panic", r)
			s.mu.Lock()
			s.lastErr = err
			if s.state == StateStarting {
				s.setStateLocked(StateFailed)
			}
			s.mu.Unlock()
		}
	}()

	if err := s.resolveReclaimStart(ctx); err != nil {
		return err
	}
	s.AwaitReady(ctx)
	return nil
}

// resolveReclaimStart holds opMu from the state check through Start so a held
// backend is never reclaimed by its own supervisor.
func (s *Supervisor) resolveReclaimStart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if !st.canStart() {
		s.log.Warn("launch rejected", "state", st.String())
		return ErrAlreadyStarted
	}
	loc, err := s.Resolve()
	if err != nil {
		return err
	}
	s.reclaimLocked(ctx)
	_, err = s.startLocked(ctx, loc)
	return err
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	RunID      string    `json:"run_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Alive      bool      `json:"alive"`
	Executable string    `json:"executable,omitempty"`
	WorkDir    string    `json:"work_dir,omitempty"`
	Layout     string    `json:"layout,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Probed     bool      `json:"probed"`
	Ready      bool      `json:"ready"`
	Port       int       `json:"port,omitempty"`
	Reclaimed  []int32   `json:"reclaimed,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Stderr     string    `json:"stderr_tail,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Name:      s.opts.Name,
		State:     s.state,
		RunID:     s.runID,
		Reclaimed: append([]int32(nil), s.reclaimed...),
	}
	if s.loc.Executable != "" {
		st.Executable = s.loc.Executable
		st.WorkDir = s.loc.WorkDir
		st.Layout = s.loc.Layout.String()
	}
	if s.readiness != nil {
		st.Probed = true
		st.Ready = s.readiness.Ready
		st.Port = s.readiness.Port
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		ps := proc.Snapshot()
		st.PID = ps.PID
		st.StartedAt = ps.StartedAt
		st.Alive = proc.Alive()
		st.Executable = proc.Spec().Path
		_, st.Stderr = proc.Output()
	}
	return st
}

func (s *Supervisor) emit(t history.EventType, rec history.Record) {
	if len(s.opts.Sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	e := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	if err := history.Fanout(ctx, s.opts.Sinks, e); err != nil {
		s.log.Debug("history sink error", "event", string(t), "error", err)
	}
}
