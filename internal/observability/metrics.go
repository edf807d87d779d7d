// Package observability — metrics.go
//
// Prometheus metrics for the LinuxIO authentication broker.
//
// Endpoint: GET /metrics on 127.0.0.1:9110 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure, since the broker is
// single-shot and a metrics endpoint is only ever scraped locally.
//
// Metric naming convention: linuxio_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// code in the same process. The registry is exposed only through
// ServeMetrics; there is no file or push export.
//
// Cardinality control:
//   - disposition is a bounded enum (internal/audit.Disposition).
//   - uid is NOT used as a label (unbounded cardinality); per-uid counts
//     belong in the audit ledger, not in metrics.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the broker.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Requests ─────────────────────────────────────────────────────────

	// RequestsTotal counts completed requests, by final disposition.
	RequestsTotal *prometheus.CounterVec

	// LastPhaseReached is set to 1 for the phase the most recent request
	// reached before completing, 0 for all others — a single-process
	// broker has no meaningful "current" gauge across requests, so this
	// records the terminal point of the one request this process served.
	LastPhaseReached *prometheus.GaugeVec

	// ─── Authentication ───────────────────────────────────────────────────

	// AuthenticationLatency records host-verifier round-trip latency.
	AuthenticationLatency prometheus.Histogram

	// ElevationProbeLatency records the elevation prober's (C5) latency.
	ElevationProbeLatency prometheus.Histogram

	// ElevationProbeTimeoutsTotal counts probes that hit the configured
	// deadline rather than returning a definitive yes/no.
	ElevationProbeTimeoutsTotal prometheus.Counter

	// ─── Spawn ────────────────────────────────────────────────────────────

	// ExecConfirmationLatency records time from spawn to a confirmed exec.
	ExecConfirmationLatency prometheus.Histogram

	// SpawnFailuresTotal counts failures to launch the bridge binary.
	SpawnFailuresTotal prometheus.Counter

	// ─── Rate limiting ────────────────────────────────────────────────────

	// RateLimitedTotal counts requests rejected by internal/ratelimit.
	RateLimitedTotal prometheus.Counter

	// ─── Process ──────────────────────────────────────────────────────────

	// ProcessDurationSeconds is the wall-clock time this broker invocation
	// spent handling its single request, set once just before exit.
	ProcessDurationSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all broker Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linuxio",
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Total requests handled, by final disposition.",
		}, []string{"disposition"}),

		LastPhaseReached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "linuxio",
			Subsystem: "broker",
			Name:      "last_phase_reached",
			Help:      "1 for the pipeline phase this process's request reached, 0 for all others.",
		}, []string{"phase"}),

		AuthenticationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "linuxio",
			Subsystem: "hostauth",
			Name:      "latency_seconds",
			Help:      "Host-verifier (PAM) authentication round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		ElevationProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "linuxio",
			Subsystem: "elevate",
			Name:      "probe_latency_seconds",
			Help:      "Elevation probe (sudo -v) latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 30},
		}),

		ElevationProbeTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linuxio",
			Subsystem: "elevate",
			Name:      "probe_timeouts_total",
			Help:      "Total elevation probes that hit the configured deadline.",
		}),

		ExecConfirmationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "linuxio",
			Subsystem: "spawn",
			Name:      "exec_confirmation_latency_seconds",
			Help:      "Time from process spawn to confirmed successful exec of the bridge binary.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		SpawnFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linuxio",
			Subsystem: "spawn",
			Name:      "failures_total",
			Help:      "Total failures to launch or confirm exec of the bridge binary.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linuxio",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Total requests rejected for exceeding the per-identity attempt window.",
		}),

		ProcessDurationSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linuxio",
			Subsystem: "broker",
			Name:      "process_duration_seconds",
			Help:      "Wall-clock time this broker invocation spent handling its request.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.LastPhaseReached,
		m.AuthenticationLatency,
		m.ElevationProbeLatency,
		m.ElevationProbeTimeoutsTotal,
		m.ExecConfirmationLatency,
		m.SpawnFailuresTotal,
		m.RateLimitedTotal,
		m.ProcessDurationSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// SetLastPhase records phaseName as the one reached, zeroing no others —
// a fresh GaugeVec starts every label at absent (treated as 0 on scrape),
// so only the reached phase needs setting.
func (m *Metrics) SetLastPhase(phaseName string) {
	m.LastPhaseReached.WithLabelValues(phaseName).Set(1)
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr and
// blocks until ctx is cancelled or the server fails. cmd/linuxio-auth does
// not call it, so a normal broker invocation records its metrics in the
// registry without exposing them.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// Finish records the total process duration. Call once, when the
// invocation's request handling is over (cmd/linuxio-auth defers it, so it
// runs after broker.Handle has returned).
func (m *Metrics) Finish() {
	m.ProcessDurationSeconds.Set(time.Since(m.startTime).Seconds())
}
