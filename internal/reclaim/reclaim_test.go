package reclaim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	pid        int32
	stubborn   bool // ignores terminate
	running    atomic.Bool
	terminated atomic.Bool
	killed     atomic.Bool
}

func newFake(pid int32, stubborn bool) *fakeTarget {
	f := &fakeTarget{pid: pid, stubborn: stubborn}
	f.running.Store(true)
	return f
}

func (f *fakeTarget) PID() int32       { return f.pid }
func (f *fakeTarget) Describe() string { return "fake" }
func (f *fakeTarget) Terminate(context.Context) error {
	f.terminated.Store(true)
	if !f.stubborn {
		f.running.Store(false)
	}
	return nil
}
func (f *fakeTarget) Kill(context.Context) error {
	f.killed.Store(true)
	f.running.Store(false)
	return nil
}
func (f *fakeTarget) Running(context.Context) bool { return f.running.Load() }

type fakeFinder struct {
	targets []Target
	err     error
}

func (f fakeFinder) Find(context.Context) ([]Target, error) { return f.targets, f.err }
func (f fakeFinder) Describe() string                       { return "fake" }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReclaim_NothingFoundSkipsSettle(t *testing.T) {
	r := New(Options{Finders: []Finder{fakeFinder{}}, Settle: time.Hour, Logger: quiet()})
	start := time.Now()
	res, err := r.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Found)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReclaim_TerminateThenKillStubborn(t *testing.T) {
	polite := newFake(100, false)
	stubborn := newFake(200, true)
	r := New(Options{
		Finders: []Finder{
			fakeFinder{targets: []Target{polite, stubborn}},
			fakeFinder{targets: []Target{polite}}, // duplicates are signalled once
		},
		Grace:  100 * time.Millisecond,
		Settle: 10 * time.Millisecond,
		Logger: quiet(),
	})
	res, err := r.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{100, 200}, res.Found)
	assert.Equal(t, []int32{200}, res.Killed)
	assert.True(t, polite.terminated.Load())
	assert.False(t, polite.killed.Load())
	assert.True(t, stubborn.killed.Load())
}

func TestReclaim_FinderErrorIsReported(t *testing.T) {
	tgt := newFake(300, false)
	r := New(Options{
		Finders: []Finder{
			fakeFinder{err: errors.New("permission denied")},
			fakeFinder{targets: []Target{tgt}},
		},
		Logger: quiet(),
	})
	res, err := r.Reclaim(context.Background())
	require.ErrorIs(t, err, ErrReclaimFailed)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, []int32{300}, res.Found, "other finders still run")
	assert.False(t, tgt.Running(context.Background()))
}

func TestReclaim_CancelledDuringSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Options{
		Finders: []Finder{fakeFinder{targets: []Target{newFake(1, false)}}},
		Settle:  time.Hour,
		Logger:  quiet(),
	})
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := r.Reclaim(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
