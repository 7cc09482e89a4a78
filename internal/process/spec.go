package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/tether/internal/logger"
)

// DefaultTailBytes is how much of each output stream is kept in memory.
const DefaultTailBytes = 16 << 10

// Spec describes the backend process to launch.
type Spec struct {
	Name    string        `json:"name"`
	Path    string        `json:"path"`        // executable
	Args    []string      `json:"args"`        // arguments, not including Path
	WorkDir string        `json:"work_dir"`    // working directory for the child
	Env     []string      `json:"env"`         // extra KEY=VALUE entries on top of the parent env
	PIDFile string        `json:"pid_file"`    // optional; written atomically after start
	Exec    bool          `json:"ensure_exec"` // set the executable bit before launch
	Tail    int           `json:"tail_bytes"`  // in-memory output tail per stream (default 16KiB)
	Log     logger.Config `json:"-"`           // stdout/stderr capture files
}

// BuildCommand constructs an *exec.Cmd for the spec. Arguments are passed
// verbatim; no shell is involved.
func (s *Spec) BuildCommand() *exec.Cmd {
	// ok: intentional execution of the resolved backend
	// #nosec G204
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	return cmd
}

// CommandLine renders the invocation for logs.
func (s *Spec) CommandLine() string {
	parts := append([]string{s.Path}, s.Args...)
	return strings.Join(parts, " ")
}
