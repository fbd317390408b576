// Package metrics exposes the server and edge agent's Prometheus
// surface, grounded on the GaugeFunc-over-atomics pattern in
// dj-oyu-rdk-x5_smart-pet-camera/src/streaming_server/internal/metrics.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters/gauges both cmd/ff-edge and cmd/ff-server
// populate and expose. Every component touches its own fields directly;
// Metrics itself never computes anything — it only registers them.
type Metrics struct {
	// Edge: Local Store and Retry Sender
	UnsentFootRows    atomic.Int64
	UnsentAccelRows   atomic.Int64
	RetryBackoffMs    atomic.Int64
	MalformedFrames   atomic.Uint64
	ThrottledReadings atomic.Uint64

	// Server: Windowing Engine and Vector Store Facade
	WindowsEmitted  atomic.Uint64
	ReadingsDropped atomic.Uint64
	ReadingsLate    atomic.Uint64
	UpsertLatencyMs atomic.Uint64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauge := func(name, help string, f func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, f))
	}

	gauge("ff_edge_unsent_foot_rows", "Unsent rows in the foot Local Store.",
		func() float64 { return float64(m.UnsentFootRows.Load()) })
	gauge("ff_edge_unsent_accel_rows", "Unsent rows in the accelerometer Local Store.",
		func() float64 { return float64(m.UnsentAccelRows.Load()) })
	gauge("ff_edge_retry_backoff_ms", "Current Retry Sender backoff duration, in milliseconds.",
		func() float64 { return float64(m.RetryBackoffMs.Load()) })
	gauge("ff_edge_malformed_frames_total", "Frames rejected by a packet parser.",
		func() float64 { return float64(m.MalformedFrames.Load()) })
	gauge("ff_edge_throttled_readings_total", "Readings skipped by a sensor's throttle setting.",
		func() float64 { return float64(m.ThrottledReadings.Load()) })

	gauge("ff_server_windows_emitted_total", "Windows closed and upserted to the vector store.",
		func() float64 { return float64(m.WindowsEmitted.Load()) })
	gauge("ff_server_readings_dropped_total", "Readings dropped: no active session, or before its created_at.",
		func() float64 { return float64(m.ReadingsDropped.Load()) })
	gauge("ff_server_readings_late_total", "Readings arriving for an already-closed bucket.",
		func() float64 { return float64(m.ReadingsLate.Load()) })
	gauge("ff_server_upsert_latency_ms", "Most recent vector store upsert latency, in milliseconds.",
		func() float64 { return float64(m.UpsertLatencyMs.Load()) })
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
