package process

import "time"

// Status is a point-in-time copy of the process state.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"-"`
	// PIDFileErr is set when the pid file could not be written after start.
	PIDFileErr error `json:"-"`
}

// ExitError returns the exit error text, if any.
func (s Status) ExitError() string {
	if s.ExitErr == nil {
		return ""
	}
	return s.ExitErr.Error()
}
