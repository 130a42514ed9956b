// Package metrics provides Hook implementations for observing limiter
// decisions.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ratelink/ratelink-go/types"
)

// RateLimitMetrics keeps in-process counters of limiter outcomes. It
// implements types.Hook so it can be attached directly to a limiter.
type RateLimitMetrics struct {
	TotalRequests    int64
	AllowedRequests  int64
	RejectedRequests int64
}

func NewRateLimitMetrics() *RateLimitMetrics {
	return &RateLimitMetrics{}
}

func (r *RateLimitMetrics) RecordRequest(allowed bool) {
	atomic.AddInt64(&r.TotalRequests, 1)
	if allowed {
		atomic.AddInt64(&r.AllowedRequests, 1)
	} else {
		atomic.AddInt64(&r.RejectedRequests, 1)
	}
}

// Observe implements types.Hook.
func (r *RateLimitMetrics) Observe(e types.Event) {
	r.RecordRequest(e.Allowed)
}

// Snapshot returns a consistent-enough read of the counters for reporting.
func (r *RateLimitMetrics) Snapshot() (total, allowed, rejected int64) {
	return atomic.LoadInt64(&r.TotalRequests),
		atomic.LoadInt64(&r.AllowedRequests),
		atomic.LoadInt64(&r.RejectedRequests)
}

// PrometheusHook exports limiter decisions as Prometheus metrics, labeled by
// limiter name, algorithm and outcome.
type PrometheusHook struct {
	decisions *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewPrometheusHook creates the hook and registers its collectors with reg.
// Pass prometheus.DefaultRegisterer for the default registry.
func NewPrometheusHook(reg prometheus.Registerer) (*PrometheusHook, error) {
	h := &PrometheusHook{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelink",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by limiter, algorithm and outcome.",
		}, []string{"limiter", "algorithm", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratelink",
			Name:      "check_duration_seconds",
			Help:      "Latency of rate limit checks, including backend round trips.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}, []string{"limiter", "algorithm"}),
	}
	for _, c := range []prometheus.Collector{h.decisions, h.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Observe implements types.Hook.
func (h *PrometheusHook) Observe(e types.Event) {
	outcome := "denied"
	if e.Allowed {
		outcome = "allowed"
	}
	h.decisions.WithLabelValues(e.Limiter, e.Algorithm, outcome).Inc()
	h.latency.WithLabelValues(e.Limiter, e.Algorithm).Observe(e.Latency.Seconds())
}
