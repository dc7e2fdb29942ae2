// Package metrics exposes pipeline, content store and interaction counters
// to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memoryweaver"

// Metrics implements the observer interfaces of the pipeline, the IPFS
// client and the interaction tracker.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	uploadedBytes prometheus.Counter
	ipfsAttempts  *prometheus.CounterVec
	acks          *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of upload pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"stage", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Pipeline failures by stage and error code.",
		}, []string{"stage", "code"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes committed to the object store.",
		}),
		ipfsAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipfs_attempts_total",
			Help:      "IPFS delivery attempts by auth strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interaction_acks_total",
			Help:      "Interaction responses by verb and outcome.",
		}, []string{"verb", "outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_entries_total",
			Help:      "Expired entries removed by periodic sweeps.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageDuration, m.failures, m.uploadedBytes, m.ipfsAttempts, m.acks, m.sweeps,
	)
	return m
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.failures.WithLabelValues(stage, string(common.CodeOf(err))).Inc()
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) RecordUploadedBytes(n int) {
	m.uploadedBytes.Add(float64(n))
}

func (m *Metrics) RecordIPFSAttempt(strategy, outcome string) {
	m.ipfsAttempts.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) RecordAck(verb, outcome string) {
	m.acks.WithLabelValues(verb, outcome).Inc()
}

func (m *Metrics) RecordSweep(kind string, n int) {
	m.sweeps.WithLabelValues(kind).Add(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
