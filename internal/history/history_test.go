package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error { return nil }

func TestFanout(t *testing.T) {
	ok := &memSink{}
	bad := &memSink{err: errors.New("down")}
	e := Event{Type: EventStart, OccurredAt: time.Now(), Record: Record{Name: "b", PID: 1}}

	err := Fanout(context.Background(), []Sink{bad, ok}, e)
	require.Error(t, err)
	require.Contains(t, err.Error(), "down")
	require.Len(t, ok.events, 1, "a failing sink must not starve the others")

	require.NoError(t, Fanout(context.Background(), nil, e))
}
