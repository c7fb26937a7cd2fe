// Package metrics exposes SubnetGrid's Prometheus instrumentation. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subnetgrid"

// Outcome labels.
const (
	OutcomeSuccess       = "success"
	OutcomeError         = "error"
	OutcomeCanceled      = "canceled"
	OutcomeCompleted     = "completed"
	OutcomeFailed        = "failed"
	OutcomePollExhausted = "poll_exhausted"
	OutcomeStartFailed   = "start_failed"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	scans          *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	gridAddresses  *prometheus.GaugeVec
	trafficTests   *prometheus.CounterVec
	trafficPollers prometheus.Gauge
	pollErrors     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Backend calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Backend call latency by operation.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"op"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grid",
			Name:      "scans_total",
			Help:      "Subnet scans by outcome.",
		}, []string{"outcome"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grid",
			Name:      "scan_duration_seconds",
			Help:      "Wall time of subnet scans.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		gridAddresses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "grid",
			Name:      "addresses",
			Help:      "Addresses of the selected subnet by status.",
		}, []string{"status"}),
		trafficTests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "traffic",
			Name:      "tests_total",
			Help:      "Traffic tests by final outcome.",
		}, []string{"outcome"}),
		trafficPollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "traffic",
			Name:      "pollers",
			Help:      "Traffic tests currently being polled.",
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed ticks of fixed-cadence loops.",
		}, []string{"loop"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.backendCalls,
		m.backendLatency,
		m.scans,
		m.scanDuration,
		m.gridAddresses,
		m.trafficTests,
		m.trafficPollers,
		m.pollErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// ObserveBackend records one backend call. Its signature matches
// backend.Observer.
func (m *Metrics) ObserveBackend(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(op, outcome(err)).Inc()
	m.backendLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ScanFinished records one scan.
func (m *Metrics) ScanFinished(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome(err)).Inc()
	m.scanDuration.Observe(elapsed.Seconds())
}

// SetGridAddresses sets the per-status address gauge.
func (m *Metrics) SetGridAddresses(status string, n int) {
	if m == nil {
		return
	}
	m.gridAddresses.WithLabelValues(status).Set(float64(n))
}

// TrafficTestFinished counts a traffic test that left the polling loop.
func (m *Metrics) TrafficTestFinished(outcome string) {
	if m == nil {
		return
	}
	m.trafficTests.WithLabelValues(outcome).Inc()
}

// SetTrafficPollers sets the number of live traffic pollers.
func (m *Metrics) SetTrafficPollers(n int) {
	if m == nil {
		return
	}
	m.trafficPollers.Set(float64(n))
}

// PollError counts a failed tick of the named loop.
func (m *Metrics) PollError(loop string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(loop).Inc()
}
