package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventFailed   EventType = "failed"
	EventReady    EventType = "ready"
	EventNotReady EventType = "not_ready"
	EventReclaim  EventType = "reclaim"
)

// Record describes one backend run.
type Record struct {
	RunID      string    `json:"run_id" db:"run_id"`
	Name       string    `json:"name" db:"name"`
	PID        int       `json:"pid" db:"pid"`
	Port       int       `json:"port,omitempty" db:"port"`
	Executable string    `json:"executable,omitempty" db:"executable"`
	StartedAt  time.Time `json:"started_at,omitzero" db:"-"`
	Error      string    `json:"error,omitempty" db:"error"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Reader is implemented by sinks that can return what they stored.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Fanout sends e to every sink and joins the errors.
func Fanout(ctx context.Context, sinks []Sink, e Event) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
