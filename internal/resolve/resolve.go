// Package resolve locates the backend executable across deployment layouts.
package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrBackendNotFound is returned when no candidate location exists on disk.
var ErrBackendNotFound = errors.New("backend not found")

// NotFoundError lists the candidates that were tried.
type NotFoundError struct {
	Tried []string
}

func (e *NotFoundError) Error() string {
	if len(e.Tried) == 0 {
		return ErrBackendNotFound.Error() + ": no candidates configured"
	}
	return ErrBackendNotFound.Error() + ": tried " + strings.Join(e.Tried, ", ")
}

func (e *NotFoundError) Is(target error) bool { return target == ErrBackendNotFound }

// Layout is the deployment shape of a candidate directory.
type Layout int

const (
	// LayoutPackaged is a resource directory holding the compiled backend artifact.
	LayoutPackaged Layout = iota
	// LayoutSource is a backend source tree run through an interpreter.
	LayoutSource
)

func (l Layout) String() string {
	switch l {
	case LayoutPackaged:
		return "packaged"
	case LayoutSource:
		return "source"
	default:
		return "unknown"
	}
}

// Candidate is one directory to try.
type Candidate struct {
	Dir    string
	Layout Layout
}

func (c Candidate) String() string { return c.Layout.String() + ":" + c.Dir }

// Location is a resolved backend. It is only built after the executable and
// working directory were found on disk.
type Location struct {
	Executable string   `json:"executable"`
	WorkDir    string   `json:"work_dir"`
	Args       []string `json:"args,omitempty"`
	Layout     Layout   `json:"layout"`
	// Fallback is an alternate interpreter for a single retry when the launch fails.
	Fallback string `json:"fallback,omitempty"`
}

// Options configures a Resolver.
type Options struct {
	Candidates         []Candidate
	Artifact           string   // file name inside a packaged directory
	PackagedArgs       []string // args for the packaged artifact
	VenvInterpreter    string   // relative to a source directory
	SystemInterpreters []string // looked up on PATH in order
	ModuleArgs         []string // args for the interpreter in source layout
}

// Resolver produces a Location from an ordered candidate list.
type Resolver struct {
	opts     Options
	stat     func(string) (fs.FileInfo, error)
	lookPath func(string) (string, error)
}

func New(opts Options) *Resolver {
	return &Resolver{opts: opts, stat: os.Stat, lookPath: exec.LookPath}
}

// Candidates returns the configured search order.
func (r *Resolver) Candidates() []Candidate {
	return append([]Candidate(nil), r.opts.Candidates...)
}

// Resolve returns the first candidate that exists, or ErrBackendNotFound.
func (r *Resolver) Resolve() (Location, error) {
	tried := make([]string, 0, len(r.opts.Candidates))
	for _, c := range r.opts.Candidates {
		if strings.TrimSpace(c.Dir) == "" {
			continue
		}
		tried = append(tried, c.String())
		var (
			loc Location
			ok  bool
		)
		switch c.Layout {
		case LayoutPackaged:
			loc, ok = r.packaged(c.Dir)
		case LayoutSource:
			loc, ok = r.source(c.Dir)
		}
		if ok {
			return loc, nil
		}
	}
	return Location{}, &NotFoundError{Tried: tried}
}

func (r *Resolver) packaged(dir string) (Location, bool) {
	if r.opts.Artifact == "" {
		return Location{}, false
	}
	exe := filepath.Join(dir, r.opts.Artifact)
	fi, err := r.stat(exe)
	if err != nil || !fi.Mode().IsRegular() {
		return Location{}, false
	}
	return Location{
		Executable: exe,
		WorkDir:    filepath.Clean(dir),
		Args:       append([]string(nil), r.opts.PackagedArgs...),
		Layout:     LayoutPackaged,
	}, true
}

func (r *Resolver) source(dir string) (Location, bool) {
	fi, err := r.stat(dir)
	if err != nil || !fi.IsDir() {
		return Location{}, false
	}
	dir = filepath.Clean(dir)
	loc := Location{
		WorkDir: dir,
		Args:    append([]string(nil), r.opts.ModuleArgs...),
		Layout:  LayoutSource,
	}
	// venv interpreter beats anything on PATH
	if r.opts.VenvInterpreter != "" {
		venv := filepath.Join(dir, r.opts.VenvInterpreter)
		if vi, err := r.stat(venv); err == nil && !vi.IsDir() {
			loc.Executable = venv
		}
	}
	for _, name := range r.opts.SystemInterpreters {
		p, err := r.lookPath(name)
		if err != nil {
			continue
		}
		if loc.Executable == "" {
			loc.Executable = p
			continue
		}
		if p != loc.Executable {
			loc.Fallback = p
			break
		}
	}
	if loc.Executable == "" {
		return Location{}, false
	}
	return loc, true
}

// DefaultCandidates builds the standard search order: the packaged resource
// directory, the sibling source directory next to cwd, then roots.
func DefaultCandidates(resourceDir, cwd, sourceDirName string, roots []string) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)
	add := func(dir string, l Layout) {
		if dir == "" {
			return
		}
		key := l.String() + ":" + filepath.Clean(dir)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Candidate{Dir: filepath.Clean(dir), Layout: l})
	}
	add(resourceDir, LayoutPackaged)
	if cwd != "" && sourceDirName != "" {
		add(filepath.Join(filepath.Dir(cwd), sourceDirName), LayoutSource)
		add(filepath.Join(cwd, sourceDirName), LayoutSource)
	}
	for _, r := range roots {
		add(r, LayoutSource)
	}
	return out
}

// ExpandArgs substitutes {host} and {port} placeholders.
func ExpandArgs(args []string, host string, port int) []string {
	rep := strings.NewReplacer("{host}", host, "{port}", fmt.Sprint(port))
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = rep.Replace(a)
	}
	return out
}
