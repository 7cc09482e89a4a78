package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/supervisor"
)

// StatusSource is implemented by *supervisor.Supervisor.
type StatusSource interface {
	Status() supervisor.Status
}

// Router provides embeddable, read-only HTTP handlers for the supervised backend.
// Endpoints:
//
//	GET {basePath}/status          current supervisor status
//	GET {basePath}/ready           200 when the last probe succeeded, 503 otherwise
//	GET {basePath}/history?limit=N recent lifecycle events (when a reader is set)
//	GET /metrics                   Prometheus metrics (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	hist     history.Reader
	metrics  bool
	basePath string
}

type Option func(*Router)

// WithHistory serves recent events from r.
func WithHistory(r history.Reader) Option { return func(rt *Router) { rt.hist = r } }

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() Option { return func(rt *Router) { rt.metrics = true } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src StatusSource, basePath string, opts ...Option) *Router {
	r := &Router{src: src, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/ready", r.handleReady)
	if r.hist != nil {
		group.GET("/history", r.handleHistory)
	}
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Listen errors are returned; serve errors after that are dropped.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type readyResp struct {
	Ready  bool   `json:"ready"`
	Port   int    `json:"port,omitempty"`
	State  string `json:"state"`
	Probed bool   `json:"probed"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Status())
}

func (r *Router) handleReady(c *gin.Context) {
	st := r.src.Status()
	resp := readyResp{
		Ready:  st.Ready && st.State == supervisor.StateRunning,
		Port:   st.Port,
		State:  st.State.String(),
		Probed: st.Probed,
	}
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	events, err := r.hist.Recent(ctx, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
