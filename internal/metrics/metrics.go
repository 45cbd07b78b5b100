package metrics

// Prometheus metrics for polling, downloads and workflows

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ucops"

// Metrics groups the collectors. A nil *Metrics records nothing, so
// components can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	polls         *prometheus.CounterVec
	pollLatency   *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	activePolls   prometheus.Gauge
	downloads     *prometheus.CounterVec
	downloadBytes prometheus.Counter
	workflows     *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_polls_total",
			Help:      "Status requests sent to the backend, by operation kind and result.",
		}, []string{"kind", "result"}),
		pollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "status_poll_duration_seconds",
			Help:      "Latency of backend status requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_transitions_total",
			Help:      "Observed operation status changes, by kind and new status.",
		}, []string{"kind", "status"}),
		activePolls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_polls",
			Help:      "Operations currently being polled.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Artifact downloads, by result.",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes written to disk by artifact downloads.",
		}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Finished workflows, by kind and aggregate status.",
		}, []string{"kind", "status"}),
	}
	m.registry.MustRegister(
		m.polls,
		m.pollLatency,
		m.transitions,
		m.activePolls,
		m.downloads,
		m.downloadBytes,
		m.workflows,
	)
	return m
}

// Registry exposes the underlying registry for handlers and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObservePoll records one status request.
func (m *Metrics) ObservePoll(kind string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(kind, result).Inc()
	m.pollLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveTransition records a status change.
func (m *Metrics) ObserveTransition(kind, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, status).Inc()
}

// SetActivePolls publishes the live poll count.
func (m *Metrics) SetActivePolls(n int) {
	if m == nil {
		return
	}
	m.activePolls.Set(float64(n))
}

// ObserveDownload records one artifact download.
func (m *Metrics) ObserveDownload(bytes int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.downloads.WithLabelValues("error").Inc()
		return
	}
	m.downloads.WithLabelValues("ok").Inc()
	m.downloadBytes.Add(float64(bytes))
}

// ObserveWorkflow records a finished workflow.
func (m *Metrics) ObserveWorkflow(kind, status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(kind, status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
