// Package metrics exposes dispatcher and outbound counters to prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m3rciful/dialogbot/core/logger"
)

const namespace = "dialogbot"

// Outcomes of one processed update.
const (
	OutcomeOK      = "ok"
	OutcomeStale   = "stale"
	OutcomeFailed  = "fail"
	OutcomeSkipped = "skip"
	OutcomePanic   = "panic"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	received       prometheus.Counter
	processed      *prometheus.CounterVec
	retries        prometheus.Counter
	outbound       *prometheus.CounterVec
	chats          prometheus.Gauge
	pending        prometheus.Gauge
	handleDuration prometheus.Histogram
}

// New creates collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_received_total",
			Help:      "Updates accepted from the update source.",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_processed_total",
			Help:      "Updates consumed by the dispatcher, by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_retries_total",
			Help:      "Handler retries after retryable failures.",
		}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Outbound API calls, by action and outcome.",
		}, []string{"action", "outcome"}),
		chats: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_chats",
			Help:      "Chats with a live queue.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Updates waiting in chat queues.",
		}),
		handleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one update, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.received, m.processed, m.retries, m.outbound,
		m.chats, m.pending, m.handleDuration,
	)
	return m
}

func (m *Metrics) Received() {
	if m == nil {
		return
	}
	m.received.Inc()
}

// Processed records one consumed update and its total handling time.
func (m *Metrics) Processed(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(outcome).Inc()
	m.handleDuration.Observe(took.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) Outbound(action, outcome string) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(action, outcome).Inc()
}

// QueueDepth sets the queue gauges.
func (m *Metrics) QueueDepth(chats, pending int) {
	if m == nil {
		return
	}
	m.chats.Set(float64(chats))
	m.pending.Set(float64(pending))
}

// Registry returns the underlying registry; nil for a nil Metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on listen until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info(ctx, "metrics", "metrics.listen", slog.String("listen", listen))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
