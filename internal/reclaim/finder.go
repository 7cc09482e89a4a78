package reclaim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/tether/internal/process"
)

// procTarget adapts a gopsutil process to Target.
type procTarget struct {
	p    *gopsproc.Process
	desc string
}

func (t procTarget) PID() int32                          { return t.p.Pid }
func (t procTarget) Describe() string                    { return t.desc }
func (t procTarget) Terminate(ctx context.Context) error { return t.p.TerminateWithContext(ctx) }
func (t procTarget) Kill(ctx context.Context) error      { return t.p.KillWithContext(ctx) }
func (t procTarget) Running(ctx context.Context) bool {
	ok, err := t.p.IsRunningWithContext(ctx)
	return err == nil && ok
}

// isSelf excludes the supervisor and its parent shell from matching.
func isSelf(pid int32) bool {
	return int(pid) == os.Getpid() || int(pid) == os.Getppid()
}

// SignatureFinder matches processes whose executable name or command line
// contains one of the signatures. Renaming the backend artifact requires
// updating the signatures.
type SignatureFinder struct {
	Signatures []string
}

func (f SignatureFinder) Describe() string {
	return "signature:" + strings.Join(f.Signatures, "|")
}

func (f SignatureFinder) Find(ctx context.Context) ([]Target, error) {
	if len(f.Signatures) == 0 {
		return nil, nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []Target
	for _, p := range procs {
		if isSelf(p.Pid) {
			continue
		}
		// processes vanish or deny access while we iterate; skip those
		name, _ := p.NameWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		if name == "" && cmdline == "" {
			continue
		}
		if f.matches(name) || f.matches(cmdline) {
			desc := cmdline
			if desc == "" {
				desc = name
			}
			out = append(out, procTarget{p: p, desc: desc})
		}
	}
	return out, nil
}

func (f SignatureFinder) matches(s string) bool {
	if s == "" {
		return false
	}
	for _, sig := range f.Signatures {
		if sig != "" && strings.Contains(s, sig) {
			return true
		}
	}
	return false
}

// PIDFileFinder reports the process recorded in the pid file of a previous
// run. A PID whose start time differs from the recorded one was reused by an
// unrelated process and is ignored; stale files are removed.
type PIDFileFinder struct {
	Path string
}

func (f PIDFileFinder) Describe() string { return "pidfile:" + f.Path }

func (f PIDFileFinder) Find(ctx context.Context) ([]Target, error) {
	if f.Path == "" {
		return nil, nil
	}
	rec, err := process.ReadPIDFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		_ = process.RemovePIDFile(f.Path)
		return nil, fmt.Errorf("read pid file %s: %w", f.Path, err)
	}
	if rec.PID <= 0 || isSelf(int32(rec.PID)) {
		_ = process.RemovePIDFile(f.Path)
		return nil, nil
	}
	if rec.StartUnix > 0 {
		if cur := process.StartUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			_ = process.RemovePIDFile(f.Path)
			return nil, nil
		}
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(rec.PID))
	if err != nil {
		// not running anymore
		_ = process.RemovePIDFile(f.Path)
		return nil, nil
	}
	desc := rec.Name
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil && cmdline != "" {
		desc = cmdline
	}
	return []Target{procTarget{p: p, desc: desc}}, nil
}
