package process

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2/maybe"
)

// PIDRecord is the content of the backend pid file: the PID on the first line,
// followed by a JSON line with metadata used to detect PID reuse.
type PIDRecord struct {
	PID       int    `json:"-"`
	StartUnix int64  `json:"start_unix"`
	Name      string `json:"name"`
}

func (r PIDRecord) encode() []byte {
	meta, _ := json.Marshal(r)
	return []byte(strconv.Itoa(r.PID) + "\n" + string(meta) + "\n")
}

// WritePIDFile writes rec to path atomically, creating the parent directory.
func WritePIDFile(path string, rec PIDRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	// atomic rename where the platform supports it
	return maybe.WriteFile(path, rec.encode(), 0o600)
}

// ReadPIDFile reads a pid file written by WritePIDFile. Files holding only a PID
// are accepted; StartUnix is then zero.
func ReadPIDFile(path string) (PIDRecord, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PIDRecord{}, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return PIDRecord{}, err
	}
	var rec PIDRecord
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &rec)
	}
	rec.PID = pid
	return rec, nil
}

// RemovePIDFile removes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
