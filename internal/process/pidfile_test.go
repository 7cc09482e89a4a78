package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backend.pid")
	require.NoError(t, WritePIDFile(path, PIDRecord{PID: 4321, StartUnix: 1700000000, Name: "neptune-backend"}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4321\n{\"start_unix\":1700000000,\"name\":\"neptune-backend\"}\n", string(b))

	rec, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, PIDRecord{PID: 4321, StartUnix: 1700000000, Name: "neptune-backend"}, rec)

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path), "removing a missing file is not an error")
}

func TestReadPIDFile_PlainPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.pid")
	require.NoError(t, os.WriteFile(path, []byte(" 99 \r\n"), 0o600))
	rec, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 99, rec.PID)
	assert.Zero(t, rec.StartUnix)
}

func TestReadPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))
	_, err := ReadPIDFile(path)
	require.Error(t, err)
}

func TestStartUnix(t *testing.T) {
	assert.Zero(t, StartUnix(0))
	self := StartUnix(os.Getpid())
	if self == 0 {
		t.Skip("start time unavailable on this platform")
	}
	assert.InDelta(t, float64(self), float64(time.Now().Unix()), 24*3600)
}
