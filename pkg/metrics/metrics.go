package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Correlator metrics
	EventsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ofprobe_events_observed_total",
		Help: "Control-channel events observed by message type",
	}, []string{"type"})

	EventBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ofprobe_event_bytes_total",
		Help: "Wire bytes observed by message type",
	}, []string{"type"})

	LatencySamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ofprobe_latency_samples_total",
		Help: "Resolved request/response pairs by request type",
	}, []string{"request_type"})

	CorrelationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ofprobe_correlation_latency_seconds",
		Help:    "Request to response latency by request type",
		Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .5, 1, 5},
	}, []string{"request_type"})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ofprobe_correlation_outcomes_total",
		Help: "Correlation decisions other than a match (unresolved, stale, orphan, late, malformed)",
	}, []string{"kind", "reason"})

	PendingCorrelations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ofprobe_pending_correlations",
		Help: "Requests waiting for their response",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ofprobe_ingress_queue_depth",
		Help: "Events queued in front of the correlator",
	})

	ObserveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ofprobe_observe_duration_seconds",
		Help:    "Time spent processing one event inside the correlator",
		Buckets: []float64{.000001, .000005, .00001, .00005, .0001, .0005, .001},
	})

	// Sink metrics
	SinkRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ofprobe_sink_records_total",
		Help: "Records durably written to the event log",
	})
	SinkBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ofprobe_sink_buffered_records",
		Help: "Records buffered but not yet written",
	})
	SinkFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ofprobe_sink_flush_duration_seconds",
		Help:    "Event log batch write duration",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})
	SinkFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ofprobe_sink_faults_total",
		Help: "Event log write failures",
	})

	// Ingest API metrics
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ofprobe_ingest_requests_total",
		Help: "Ingest API requests by status",
	}, []string{"status"})

	// Archive metrics
	ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ofprobe_archive_uploads_total",
		Help: "Run archive uploads",
	}, []string{"backend", "status"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	EventsObserved.WithLabelValues("packet_in")
	EventsObserved.WithLabelValues("flow_mod")
	LatencySamples.WithLabelValues("packet_in")
	CorrelationLatency.WithLabelValues("packet_in")
	Outcomes.WithLabelValues("unresolved", "timeout")
	IngestRequests.WithLabelValues("ok")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// SinkHealthCheck reports the sink's sticky fault.
func SinkHealthCheck(errFn func() error) func() error {
	return func() error {
		return errFn()
	}
}

// MetricsServer serves /metrics and /healthz on addr until ctx is done,
// then shuts down gracefully.
func MetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
