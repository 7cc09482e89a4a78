// Package probe checks whether the backend became network-reachable.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Result is the outcome of one readiness probe.
type Result struct {
	Ready bool `json:"ready"`
	Port  int  `json:"port,omitempty"`
	// Tried is the number of ports attempted.
	Tried int `json:"tried"`
}

// Ready returns a successful result for port.
func Ready(port int) Result { return Result{Ready: true, Port: port} }

// NotReady is the result when no port in the range answered.
var NotReady = Result{}

func (r Result) String() string {
	if r.Ready {
		return "ready:" + strconv.Itoa(r.Port)
	}
	return "not_ready"
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Options struct {
	Host        string
	FirstPort   int
	LastPort    int
	Settle      time.Duration // wait before the first attempt
	DialTimeout time.Duration // per port
	Dialer      Dialer
}

// Prober attempts bare TCP connections over a contiguous port range.
type Prober struct {
	host        string
	first, last int
	settle      time.Duration
	timeout     time.Duration
	dialer      Dialer
}

func New(opts Options) *Prober {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	last := opts.LastPort
	if last < opts.FirstPort {
		last = opts.FirstPort
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	d := opts.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	return &Prober{host: host, first: opts.FirstPort, last: last, settle: opts.Settle, timeout: timeout, dialer: d}
}

// Ports returns the probed range in ascending order.
func (p *Prober) Ports() []int {
	out := make([]int, 0, p.last-p.first+1)
	for port := p.first; port <= p.last; port++ {
		out = append(out, port)
	}
	return out
}

// Range describes the probed ports for logs.
func (p *Prober) Range() string { return fmt.Sprintf("%s:%d-%d", p.host, p.first, p.last) }

// Probe waits the settle interval and then tries each port in ascending order,
// stopping at the first successful connection. Cancelling ctx yields NotReady.
func (p *Prober) Probe(ctx context.Context) Result {
	if p.settle > 0 {
		t := time.NewTimer(p.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return NotReady
		}
	}
	res := NotReady
	for port := p.first; port <= p.last; port++ {
		if ctx.Err() != nil {
			return res
		}
		res.Tried++
		if p.dial(ctx, port) {
			return Result{Ready: true, Port: port, Tried: res.Tried}
		}
	}
	return res
}

func (p *Prober) dial(ctx context.Context, port int) bool {
	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dialer.DialContext(dctx, "tcp", net.JoinHostPort(p.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Go runs Probe on its own goroutine. The returned channel receives exactly
// one Result and is then closed; callers may ignore it.
func (p *Prober) Go(ctx context.Context, onResult func(Result)) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		r := p.Probe(ctx)
		if onResult != nil {
			onResult(r)
		}
		ch <- r
	}()
	return ch
}
