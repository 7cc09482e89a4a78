package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refuseDialer struct {
	mu    sync.Mutex
	addrs []string
}

func (d *refuseDialer) DialContext(_ context.Context, _, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addr)
	d.mu.Unlock()
	return nil, errors.New("refused")
}

func TestProbe_NoneReachable(t *testing.T) {
	d := &refuseDialer{}
	p := New(Options{FirstPort: 8000, LastPort: 8009, Dialer: d})
	r := p.Probe(context.Background())
	assert.False(t, r.Ready)
	assert.Equal(t, 10, r.Tried)
	require.Len(t, d.addrs, 10)
	assert.Equal(t, "127.0.0.1:8000", d.addrs[0])
	assert.Equal(t, "127.0.0.1:8009", d.addrs[9])
	assert.Equal(t, "not_ready", r.String())
}

func TestProbe_RealListenerFirstReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	p := New(Options{FirstPort: port, LastPort: port + 2, DialTimeout: time.Second})
	r := p.Probe(context.Background())
	require.True(t, r.Ready)
	assert.Equal(t, port, r.Port)
	assert.Equal(t, 1, r.Tried)
	assert.Equal(t, "ready:"+strconv.Itoa(port), r.String())
}

func TestProbe_CancelDuringSettle(t *testing.T) {
	p := New(Options{FirstPort: 8000, LastPort: 8009, Settle: time.Hour, Dialer: &refuseDialer{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, NotReady, p.Probe(ctx))
}

func TestProbe_GoDeliversOnce(t *testing.T) {
	p := New(Options{FirstPort: 8000, LastPort: 8001, Dialer: &refuseDialer{}})
	var got []Result
	ch := p.Go(context.Background(), func(r Result) { got = append(got, r) })
	r, ok := <-ch
	require.True(t, ok)
	assert.False(t, r.Ready)
	_, ok = <-ch
	assert.False(t, ok, "channel must be closed after one result")
	require.Len(t, got, 1)
}

func TestProber_Ports(t *testing.T) {
	p := New(Options{FirstPort: 8000, LastPort: 8003})
	assert.Equal(t, []int{8000, 8001, 8002, 8003}, p.Ports())
	assert.Equal(t, "127.0.0.1:8000-8003", p.Range())

	single := New(Options{Host: "localhost", FirstPort: 9000, LastPort: 1})
	assert.Equal(t, []int{9000}, single.Ports())
}
