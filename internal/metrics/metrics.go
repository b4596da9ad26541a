// Package metrics — metrics.go
//
// Prometheus metrics for the babbler gossip overlay and supervisor.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: babbler_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for babbler.
//
// ConversationsEnded, ConversationsActive, FramesSentTotal,
// FramesReceivedTotal, FramesDroppedTotal, CheckResultsTotal,
// StoreWriteLatency and StoreWatchEventsTotal are registered and exported,
// but no code in the module updates them, so they stay at zero.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Conversations ────────────────────────────────────────────────────────

	// ConversationsStarted counts Start() calls, by direction (inbound/outbound).
	ConversationsStarted *prometheus.CounterVec

	// ConversationsEnded counts transitions into DISMISSING, by reason.
	ConversationsEnded *prometheus.CounterVec

	// ConversationsActive is the current number of GOING_ON conversations.
	ConversationsActive prometheus.Gauge

	// FramesSentTotal counts frames written to the wire, by type.
	FramesSentTotal *prometheus.CounterVec

	// FramesReceivedTotal counts frames read from the wire, by type.
	FramesReceivedTotal *prometheus.CounterVec

	// FramesDroppedTotal counts frames dropped (unknown type, short read).
	FramesDroppedTotal *prometheus.CounterVec

	// ─── Babblemouth / membership ─────────────────────────────────────────────

	// PeerTableSize is the current number of known identifiers.
	PeerTableSize prometheus.Gauge

	// DialAttemptsTotal counts outbound dial attempts, by outcome.
	DialAttemptsTotal *prometheus.CounterVec

	// ContactUpdatesTotal counts accepted/rejected Contact updates.
	ContactUpdatesTotal *prometheus.CounterVec

	// ─── Supervisor ───────────────────────────────────────────────────────────

	// ServicesQueued is the current number of entries in the supervisor heap.
	ServicesQueued prometheus.Gauge

	// ChecksPerformedTotal counts checkservice() invocations, by protocol.
	ChecksPerformedTotal *prometheus.CounterVec

	// CheckResultsTotal counts probe results, by laststatus.
	CheckResultsTotal *prometheus.CounterVec

	// ReconciliationsTotal counts reconciliation passes.
	ReconciliationsTotal prometheus.Counter

	// ─── Store ────────────────────────────────────────────────────────────────

	// StoreWriteLatency records adapter write transaction latency.
	StoreWriteLatency prometheus.Histogram

	// StoreWatchEventsTotal counts change-feed events delivered.
	StoreWatchEventsTotal prometheus.Counter

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since process start.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// New creates and registers all babbler Prometheus metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ConversationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "conversation",
			Name:      "started_total",
			Help:      "Total conversations started, by direction (inbound/outbound).",
		}, []string{"direction"}),

		ConversationsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "conversation",
			Name:      "ended_total",
			Help:      "Total conversations transitioned to DISMISSING, by reason.",
		}, []string{"reason"}),

		ConversationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "babbler",
			Subsystem: "conversation",
			Name:      "active",
			Help:      "Current number of conversations in state GOING_ON.",
		}),

		FramesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "wire",
			Name:      "frames_sent_total",
			Help:      "Total frames written to the wire, by type.",
		}, []string{"type"}),

		FramesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "wire",
			Name:      "frames_received_total",
			Help:      "Total frames read from the wire, by type.",
		}, []string{"type"}),

		FramesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "wire",
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped, by reason (unknown_type, short_read).",
		}, []string{"reason"}),

		PeerTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "babbler",
			Subsystem: "babblemouth",
			Name:      "peer_table_size",
			Help:      "Current number of known identifiers in the peer table.",
		}),

		DialAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "babblemouth",
			Name:      "dial_attempts_total",
			Help:      "Total outbound dial attempts, by outcome (ok, error, throttled).",
		}, []string{"outcome"}),

		ContactUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "babblemouth",
			Name:      "contact_updates_total",
			Help:      "Total Contact update attempts, by outcome (accepted, rejected).",
		}, []string{"outcome"}),

		ServicesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "babbler",
			Subsystem: "supervisor",
			Name:      "services_queued",
			Help:      "Current number of service descriptors in the supervisor heap.",
		}),

		ChecksPerformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "supervisor",
			Name:      "checks_performed_total",
			Help:      "Total checkservice() invocations, by protocol.",
		}, []string{"protocol"}),

		CheckResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "supervisor",
			Name:      "check_results_total",
			Help:      "Total probe results recorded, by laststatus (ok, fail).",
		}, []string{"status"}),

		ReconciliationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "supervisor",
			Name:      "reconciliations_total",
			Help:      "Total reconciliation passes performed.",
		}),

		StoreWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "babbler",
			Subsystem: "store",
			Name:      "write_latency_seconds",
			Help:      "Store adapter write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StoreWatchEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "babbler",
			Subsystem: "store",
			Name:      "watch_events_total",
			Help:      "Total change-feed events delivered to watchers.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "babbler",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since process start.",
		}),
	}

	reg.MustRegister(
		m.ConversationsStarted,
		m.ConversationsEnded,
		m.ConversationsActive,
		m.FramesSentTotal,
		m.FramesReceivedTotal,
		m.FramesDroppedTotal,
		m.PeerTableSize,
		m.DialAttemptsTotal,
		m.ContactUpdatesTotal,
		m.ServicesQueued,
		m.ChecksPerformedTotal,
		m.CheckResultsTotal,
		m.ReconciliationsTotal,
		m.StoreWriteLatency,
		m.StoreWatchEventsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Serve starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
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

	go m.updateUptime(ctx)

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

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
