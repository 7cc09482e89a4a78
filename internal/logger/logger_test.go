package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessWriters_Dir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	c := Config{File: FileConfig{Dir: dir}}
	out, errW, err := c.ProcessWriters("neptune-backend")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotNil(t, errW)
	_, _ = out.Write([]byte("hello\n"))
	_, _ = errW.Write([]byte("oops\n"))
	require.NoError(t, out.Close())
	require.NoError(t, errW.Close())

	b, err := os.ReadFile(filepath.Join(dir, "neptune-backend.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "neptune-backend.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(b))
}

func TestProcessWriters_ExplicitPathsAndNone(t *testing.T) {
	dir := t.TempDir()
	c := Config{File: FileConfig{StdoutPath: filepath.Join(dir, "out.log")}}
	out, errW, err := c.ProcessWriters("x")
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Nil(t, errW)
	_ = out.Close()

	out, errW, err = Config{}.ProcessWriters("x")
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, errW)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	l := slog.New(h).With("component", "supervisor").WithGroup("backend")
	l.Error("launch failed", "pid", 42)

	line := buf.String()
	assert.Contains(t, line, "\033[31mERROR\033[0m")
	assert.Contains(t, line, "component=supervisor")
	assert.Contains(t, line, "backend.pid=42")
	assert.NotContains(t, line, "time=")
}

func TestNewSlogger_FileFanout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.log")
	c := Config{Slog: SlogConfig{Level: "info", Format: FormatJSON, Path: path}}
	l, closer := c.NewSlogger()
	l.Debug("hidden")
	l.Info("backend started", "pid", 7)
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"backend started"`)
	assert.Contains(t, lines[0], `"pid":7`)
}

func TestDetectColor(t *testing.T) {
	assert.False(t, DetectColor(nil))
	f, err := os.CreateTemp(t.TempDir(), "notatty")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.False(t, DetectColor(f))
	t.Setenv("NO_COLOR", "1")
	assert.False(t, DetectColor(os.Stderr))
}
