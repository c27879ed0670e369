// Package telemetry wires the daemon's Prometheus counters (SPEC_FULL.md
// §2 ambient stack / §6 "GET /metrics"), grounded on the teacher's
// dependency on github.com/prometheus/client_golang (present in
// rclone's go.mod).
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects every counter the daemon's components increment.
// Fields are exported *prometheus.Counter/*CounterVec so components can
// call .Inc()/.Add() directly without an extra method-call layer.
type Metrics struct {
	registry *prometheus.Registry

	NarinfosSentUpstream       prometheus.Counter
	NarinfosNegativeCacheHits  prometheus.Counter
	NarinfosNegativeCacheMiss  prometheus.Counter
	NarUploadsTotal            prometheus.Counter
	NarUploadBytesTotal        prometheus.Counter
	DescriptorUploadsTotal     prometheus.Counter
	UploadFailuresTotal        *prometheus.CounterVec
	CircuitBreakerTripped      *prometheus.GaugeVec
	BuildEventsMalformedTotal  prometheus.Counter
	PathsEnqueuedTotal         prometheus.Counter
}

// New registers every counter against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		NarinfosSentUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narinfos_sent_upstream",
			Help: "narinfo GETs redirected to the configured upstream substituter",
		}),
		NarinfosNegativeCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narinfos_negative_cache_hits",
			Help: "narinfo GETs resolved without a backend call via the negative cache",
		}),
		NarinfosNegativeCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narinfos_negative_cache_misses",
			Help: "narinfo GETs that missed the backend and populated the negative cache",
		}),
		NarUploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nar_uploads_total",
			Help: "completed NAR uploads to the backend",
		}),
		NarUploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nar_upload_bytes_total",
			Help: "compressed bytes written to the backend across NAR uploads",
		}),
		DescriptorUploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "descriptor_uploads_total",
			Help: "completed narinfo descriptor uploads to the backend",
		}),
		UploadFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_failures_total",
			Help: "upload pipeline failures by stage",
		}, []string{"stage"}),
		CircuitBreakerTripped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_tripped",
			Help: "1 if the named backend's circuit breaker has tripped",
		}, []string{"backend"}),
		BuildEventsMalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "build_events_malformed_total",
			Help: "build events that failed to parse and were skipped",
		}),
		PathsEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paths_enqueued_total",
			Help: "store paths enqueued to the upload queue",
		}),
	}
	reg.MustRegister(
		m.NarinfosSentUpstream,
		m.NarinfosNegativeCacheHits,
		m.NarinfosNegativeCacheMiss,
		m.NarUploadsTotal,
		m.NarUploadBytesTotal,
		m.DescriptorUploadsTotal,
		m.UploadFailuresTotal,
		m.CircuitBreakerTripped,
		m.BuildEventsMalformedTotal,
		m.PathsEnqueuedTotal,
	)
	return m
}

// Handler returns the promhttp handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PushFunc pushes the current metric set to wherever telemetry is meant
// to end up (e.g. a Prometheus pushgateway). The real destination is an
// external collaborator; nil is a valid, no-op choice.
type PushFunc func(ctx context.Context) error

// Flush runs push (if non-nil) bounded by a 3s timeout, matching
// spec.md §5 ("3 s timeout on the telemetry flush"). Errors are returned
// for the caller to log; per spec.md §7, shutdown-drain errors are
// logged but never block process exit.
func (m *Metrics) Flush(ctx context.Context, push PushFunc) error {
	if push == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return push(ctx)
}
