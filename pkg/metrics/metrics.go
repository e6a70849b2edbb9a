package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	EventsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetria_events_tracked_total",
		Help: "Events accepted into the queue, by event type",
	}, []string{"type"})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetria_events_dropped_total",
		Help: "Events discarded without delivery, by reason",
	}, []string{"reason"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetria_queue_depth",
		Help: "Events waiting for the next flush",
	})

	// Delivery metrics
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetria_events_delivered_total",
		Help: "Events saved, by persister",
	}, []string{"persister"})
	PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetria_persist_errors_total",
		Help: "Persister save and flush failures, by persister",
	}, []string{"persister"})

	// Flush loop metrics
	FlushPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetria_flush_passes_total",
		Help: "Drain-and-deliver passes that delivered events, by result",
	}, []string{"result"})
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetria_flush_duration_seconds",
		Help:    "Duration of drain-and-deliver passes",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})

	// Remote backend metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetria_backend_request_duration_seconds",
		Help:    "Remote backend request duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend", "operation"})
	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetria_backend_errors_total",
		Help: "Remote backend errors by operation",
	}, []string{"backend", "operation"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	EventsDropped.WithLabelValues("closed")
	EventsDropped.WithLabelValues("aborted")
	FlushPasses.WithLabelValues("ok")
	FlushPasses.WithLabelValues("error")
	FlushPasses.WithLabelValues("aborted")
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

// DirHealthCheck returns a check that fails when dir is missing or not a directory.
func DirHealthCheck(dir string) func() error {
	return func() error {
		fi, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
}

// QueueHealthCheck returns a check that fails when depth() exceeds max.
// A non-positive max disables the limit.
func QueueHealthCheck(depth func() int, max int) func() error {
	return func() error {
		if n := depth(); max > 0 && n > max {
			return fmt.Errorf("queue depth %d exceeds %d", n, max)
		}
		return nil
	}
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
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
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
