package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "backend",
			Name:      "launches_total",
			Help:      "Backend launch attempts by result (ok, fallback, failed, not_found).",
		}, []string{"name", "result"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of backend stops issued by the supervisor.",
		}, []string{"name"},
	)
	reclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "backend",
			Name:      "reclaimed_total",
			Help:      "Stale backend instances terminated before launch.",
		}, []string{"name"},
	)
	readiness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "backend",
			Name:      "ready_port",
			Help:      "Port the backend answered on after launch, 0 when not ready.",
		}, []string{"name"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "backend",
			Name:      "probe_duration_seconds",
			Help:      "Time from launch to the readiness verdict.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, stops, reclaimed, readiness, probeDuration, stateTransitions, currentState}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeded.

func IncLaunch(name, result string) {
	if regOK.Load() {
		launches.WithLabelValues(name, result).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		stops.WithLabelValues(name).Inc()
	}
}

func AddReclaimed(name string, n int) {
	if regOK.Load() && n > 0 {
		reclaimed.WithLabelValues(name).Add(float64(n))
	}
}

func SetReadyPort(name string, port int) {
	if regOK.Load() {
		readiness.WithLabelValues(name).Set(float64(port))
	}
}

func ObserveProbe(name, result string, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(name, result).Observe(seconds)
	}
}

// RecordTransition counts from→to and flips the current_state gauge.
func RecordTransition(name, from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(name, from, to).Inc()
	if from != "" {
		currentState.WithLabelValues(name, from).Set(0)
	}
	currentState.WithLabelValues(name, to).Set(1)
}
