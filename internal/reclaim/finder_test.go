package reclaim

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tether/internal/process"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sleep")
	}
}

// startSleeper launches sleep with a distinctive duration so its command
// line can serve as a signature. The child is reaped in the background.
func startSleeper(t *testing.T) (*exec.Cmd, string, <-chan struct{}) {
	t.Helper()
	sig := "47." + strconv.Itoa(os.Getpid()%100000)
	cmd := exec.Command("sleep", sig)
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd, sig, done
}

func TestSignatureFinder_ReclaimsMatchingProcess(t *testing.T) {
	requireUnix(t)
	cmd, sig, done := startSleeper(t)

	f := SignatureFinder{Signatures: []string{sig}}
	targets, err := f.Find(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, int32(cmd.Process.Pid), targets[0].PID())

	r := New(Options{Finders: []Finder{f}, Grace: 2 * time.Second, Logger: quiet()})
	res, err := r.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{int32(cmd.Process.Pid)}, res.Found)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stale process still running")
	}
}

func TestSignatureFinder_Empty(t *testing.T) {
	targets, err := SignatureFinder{}.Find(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)
	assert.False(t, SignatureFinder{Signatures: []string{""}}.matches("anything"))
}

func TestPIDFileFinder(t *testing.T) {
	requireUnix(t)
	cmd, _, _ := startSleeper(t)
	pid := cmd.Process.Pid
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		targets, err := PIDFileFinder{Path: filepath.Join(dir, "none.pid")}.Find(context.Background())
		require.NoError(t, err)
		assert.Empty(t, targets)
	})

	t.Run("live process", func(t *testing.T) {
		path := filepath.Join(dir, "live.pid")
		require.NoError(t, process.WritePIDFile(path, process.PIDRecord{PID: pid, StartUnix: process.StartUnix(pid), Name: "sleeper"}))
		targets, err := PIDFileFinder{Path: path}.Find(context.Background())
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, int32(pid), targets[0].PID())
	})

	t.Run("reused pid", func(t *testing.T) {
		path := filepath.Join(dir, "reused.pid")
		require.NoError(t, process.WritePIDFile(path, process.PIDRecord{PID: pid, StartUnix: 12345, Name: "old"}))
		targets, err := PIDFileFinder{Path: path}.Find(context.Background())
		require.NoError(t, err)
		assert.Empty(t, targets)
		assert.NoFileExists(t, path)
	})

	t.Run("self", func(t *testing.T) {
		path := filepath.Join(dir, "self.pid")
		require.NoError(t, process.WritePIDFile(path, process.PIDRecord{PID: os.Getpid()}))
		targets, err := PIDFileFinder{Path: path}.Find(context.Background())
		require.NoError(t, err)
		assert.Empty(t, targets)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pid")
		require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o600))
		_, err := PIDFileFinder{Path: path}.Find(context.Background())
		require.Error(t, err)
		assert.NoFileExists(t, path)
	})
}
