package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/tether/internal/env"
)

// ErrAlreadyStarted is returned by Start on a handle that already ran.
var ErrAlreadyStarted = errors.New("process already started")

// killWait bounds how long Stop and Kill wait for the reaper after SIGKILL.
const killWait = 2 * time.Second

// Process is a handle on one launched child. A Process is started at most once.
type Process struct {
	spec    Spec
	mu      sync.Mutex
	cmd     *exec.Cmd
	status  Status
	stdout  *tailBuffer
	stderr  *tailBuffer
	closers []io.Closer
	done    chan struct{} // closed by the reaper when cmd.Wait returns
}

func New(spec Spec) *Process {
	return &Process{
		spec:   spec,
		stdout: newTailBuffer(spec.Tail),
		stderr: newTailBuffer(spec.Tail),
		status: Status{Name: spec.Name},
	}
}

// Spec returns a copy of the launch spec.
func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// configureCmd builds the *exec.Cmd with environment, process group and
// output capture. Capture writers are returned so the reaper can close them.
func (p *Process) configureCmd() (*exec.Cmd, []io.Closer, error) {
	spec := p.spec
	cmd := spec.BuildCommand()
	cmd.Env = env.Merge(spec.Env)
	configureSysProcAttr(cmd)
	cmd.WaitDelay = time.Second

	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture files: %w", err)
	}
	var closers []io.Closer
	stdout := io.Writer(p.stdout)
	if outW != nil {
		stdout = io.MultiWriter(outW, p.stdout)
		closers = append(closers, outW)
	}
	stderr := io.Writer(p.stderr)
	if errW != nil {
		stderr = io.MultiWriter(errW, p.stderr)
		closers = append(closers, errW)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd, closers, nil
}

// Start launches the child and begins reaping it in the background.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	if p.spec.Exec {
		if err := ensureExecutable(p.spec.Path); err != nil {
			return fmt.Errorf("ensure executable %s: %w", p.spec.Path, err)
		}
	}
	cmd, closers, err := p.configureCmd()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return err
	}
	pid := cmd.Process.Pid
	p.cmd = cmd
	p.closers = closers
	p.done = make(chan struct{})
	p.status.Running = true
	p.status.PID = pid
	p.status.StartedAt = time.Now()

	go p.reap(cmd, p.done)

	// a pid file failure does not undo a running start; it is reported in
	// the status for the caller to log
	if p.spec.PIDFile != "" {
		rec := PIDRecord{PID: pid, StartUnix: StartUnix(pid), Name: p.spec.Name}
		if err := WritePIDFile(p.spec.PIDFile, rec); err != nil {
			p.status.PIDFileErr = fmt.Errorf("write pid file %s: %w", p.spec.PIDFile, err)
		}
	}
	return nil
}

func (p *Process) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	closeAll(closers)
	close(done)
}

// Done is closed once the child has exited and been reaped. It is nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// PID returns the child's PID, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	done := p.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	return pidAlive(p.PID())
}

// Output returns the retained tail of stdout and stderr.
func (p *Process) Output() (stdout, stderr string) {
	return p.stdout.String(), p.stderr.String()
}

// Stop sends a termination signal to the child's process group and waits up
// to grace for it to exit before escalating to a kill. Stopping a process that
// was never started or has already exited is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	defer p.removePIDFile()

	select {
	case <-done:
		return nil
	default:
	}
	pid := cmd.Process.Pid
	_ = terminate(pid)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
	}
	return p.killAndWait(pid, done)
}

// Kill sends a kill signal to the child's process group and waits for it to be reaped.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	defer p.removePIDFile()
	return p.killAndWait(cmd.Process.Pid, done)
}

func (p *Process) killAndWait(pid int, done <-chan struct{}) error {
	_ = kill(pid)
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %d still running after kill", pid)
	}
}

func (p *Process) removePIDFile() {
	p.mu.Lock()
	path := p.spec.PIDFile
	p.mu.Unlock()
	if path != "" {
		_ = RemovePIDFile(path)
	}
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
