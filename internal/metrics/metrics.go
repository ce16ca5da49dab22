// Package metrics exposes Prometheus counters for timeline transitions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates transition metrics. A nil *Collector is a no-op, so
// the engine can run without metrics wired (tests, CLI one-shots).
type Collector struct {
	registry           *prometheus.Registry
	transitionsTotal   *prometheus.CounterVec
	transitionFailures *prometheus.CounterVec
	transitionLatency  prometheus.Histogram
}

func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}
	c.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "caseline_transitions_total",
		Help: "Accepted timeline transitions by activity type.",
	}, []string{"type"})
	c.transitionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "caseline_transition_failures_total",
		Help: "Rejected timeline transitions by reason.",
	}, []string{"reason"})
	c.transitionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "caseline_transition_duration_seconds",
		Help:    "Latency of timeline transitions including persistence.",
		Buckets: prometheus.DefBuckets,
	})
	c.registry.MustRegister(c.transitionsTotal, c.transitionFailures, c.transitionLatency)
	return c
}

// TransitionApplied records one accepted transition.
func (c *Collector) TransitionApplied(activityType string, d time.Duration) {
	if c == nil {
		return
	}
	c.transitionsTotal.WithLabelValues(activityType).Inc()
	c.transitionLatency.Observe(d.Seconds())
}

// TransitionFailed records one rejected transition.
func (c *Collector) TransitionFailed(reason string) {
	if c == nil {
		return
	}
	c.transitionFailures.WithLabelValues(reason).Inc()
}

// Handler serves the collector in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
