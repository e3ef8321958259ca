// Package metrics exposes the bridge's Prometheus collectors
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zkbridge"

// Metrics holds every collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	SyncTotal     *prometheus.CounterVec
	RecordsSynced *prometheus.CounterVec
	SyncDuration  *prometheus.HistogramVec
	DeviceErrors  *prometheus.CounterVec
	Enrollments   *prometheus.CounterVec
}

// New creates and registers the collectors. activeSessions reports the pool size.
func New(activeSessions func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Attendance sync cycles by result.",
		}, []string{"result"}),
		RecordsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_synced_total",
			Help:      "Attendance records written to the store.",
		}, []string{"device"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of attendance sync cycles.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"protocol"}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Failed device operations by diagnostic kind.",
		}, []string{"operation", "kind"}),
		Enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Fingerprint enrollments by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.SyncTotal,
		m.RecordsSynced,
		m.SyncDuration,
		m.DeviceErrors,
		m.Enrollments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if activeSessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Device sessions currently tracked by the connection pool.",
		}, activeSessions))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
