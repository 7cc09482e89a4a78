package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noInterpreters(string) (string, error) { return "", errors.New("not found") }

func TestResolve_FirstExistingCandidate(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	require.NoError(t, os.MkdirAll(filepath.Join(b, "venv", "bin"), 0o755))
	py := filepath.Join(b, "venv", "bin", "python")
	require.NoError(t, os.WriteFile(py, []byte("#!/bin/sh\n"), 0o755))

	r := New(Options{
		Candidates: []Candidate{
			{Dir: a, Layout: LayoutSource},
			{Dir: b, Layout: LayoutSource},
		},
		VenvInterpreter: "venv/bin/python",
		ModuleArgs:      []string{"-m", "uvicorn", "app.main:app"},
	})
	r.lookPath = noInterpreters

	loc, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, py, loc.Executable)
	assert.Equal(t, b, loc.WorkDir)
	assert.Equal(t, LayoutSource, loc.Layout)
	assert.Equal(t, []string{"-m", "uvicorn", "app.main:app"}, loc.Args)
}

func TestResolve_NoneExist(t *testing.T) {
	root := t.TempDir()
	r := New(Options{
		Candidates: []Candidate{
			{Dir: filepath.Join(root, "pkg"), Layout: LayoutPackaged},
			{Dir: filepath.Join(root, "src"), Layout: LayoutSource},
		},
		Artifact:           "neptune-backend",
		SystemInterpreters: []string{"python3"},
	})
	r.lookPath = func(string) (string, error) { return "/usr/bin/python3", nil }

	_, err := r.Resolve()
	require.ErrorIs(t, err, ErrBackendNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Len(t, nf.Tried, 2)
	assert.Contains(t, err.Error(), "packaged:"+filepath.Join(root, "pkg"))
}

func TestResolve_NoCandidates(t *testing.T) {
	_, err := New(Options{}).Resolve()
	require.ErrorIs(t, err, ErrBackendNotFound)
	assert.Contains(t, err.Error(), "no candidates configured")
}

func TestResolve_PackagedArtifact(t *testing.T) {
	dir := t.TempDir()
	// directory with the artifact name must not count
	require.NoError(t, os.Mkdir(filepath.Join(dir, "neptune-backend"), 0o755))
	pkg := t.TempDir()
	exe := filepath.Join(pkg, "neptune-backend")
	require.NoError(t, os.WriteFile(exe, []byte("bin"), 0o644))

	r := New(Options{
		Candidates: []Candidate{
			{Dir: dir, Layout: LayoutPackaged},
			{Dir: pkg, Layout: LayoutPackaged},
		},
		Artifact:     "neptune-backend",
		PackagedArgs: []string{"--port", "{port}"},
	})
	loc, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, exe, loc.Executable)
	assert.Equal(t, pkg, loc.WorkDir)
	assert.Equal(t, LayoutPackaged, loc.Layout)
	assert.Equal(t, []string{"--port", "{port}"}, loc.Args)
	assert.Empty(t, loc.Fallback)
}

func TestResolve_SystemInterpreterAndFallback(t *testing.T) {
	src := t.TempDir()
	r := New(Options{
		Candidates:         []Candidate{{Dir: src, Layout: LayoutSource}},
		VenvInterpreter:    "venv/bin/python",
		SystemInterpreters: []string{"python3", "python"},
	})
	r.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }

	loc, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3", loc.Executable)
	assert.Equal(t, "/usr/bin/python", loc.Fallback)
}

func TestResolve_VenvPreferredSystemIsFallback(t *testing.T) {
	src := t.TempDir()
	venv := filepath.Join(src, "venv", "bin", "python")
	require.NoError(t, os.MkdirAll(filepath.Dir(venv), 0o755))
	require.NoError(t, os.WriteFile(venv, nil, 0o755))

	r := New(Options{
		Candidates:         []Candidate{{Dir: src, Layout: LayoutSource}},
		VenvInterpreter:    "venv/bin/python",
		SystemInterpreters: []string{"python3"},
	})
	r.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }

	loc, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, venv, loc.Executable)
	assert.Equal(t, "/usr/bin/python3", loc.Fallback)
}

func TestResolve_SourceWithoutInterpreterSkipped(t *testing.T) {
	src := t.TempDir()
	r := New(Options{
		Candidates:         []Candidate{{Dir: src, Layout: LayoutSource}},
		SystemInterpreters: []string{"python3"},
	})
	r.lookPath = noInterpreters
	_, err := r.Resolve()
	require.ErrorIs(t, err, ErrBackendNotFound)
}

func TestDefaultCandidates(t *testing.T) {
	cwd := filepath.Join("/work", "app")
	got := DefaultCandidates("/res", cwd, "neptune-backend", []string{"/opt/neptune", "/work/neptune-backend"})
	want := []Candidate{
		{Dir: "/res", Layout: LayoutPackaged},
		{Dir: "/work/neptune-backend", Layout: LayoutSource},
		{Dir: "/work/app/neptune-backend", Layout: LayoutSource},
		{Dir: "/opt/neptune", Layout: LayoutSource},
	}
	assert.Equal(t, want, got)

	assert.Empty(t, DefaultCandidates("", "", "x", nil))
}

func TestExpandArgs(t *testing.T) {
	in := []string{"--host", "{host}", "--port", "{port}", "{host}:{port}"}
	out := ExpandArgs(in, "127.0.0.1", 8000)
	assert.Equal(t, []string{"--host", "127.0.0.1", "--port", "8000", "127.0.0.1:8000"}, out)
	assert.Equal(t, "{host}", in[1], "input must not be modified")
}
