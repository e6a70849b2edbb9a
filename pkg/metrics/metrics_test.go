package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func resetChecks() {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
}

func TestHealthzHandler_AllHealthy(t *testing.T) {
	resetChecks()
	RegisterHealthCheck("test-ok", func() error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "ok" {
		t.Fatalf("expected ok, got %q", status.Status)
	}
}

func TestHealthzHandler_Degraded(t *testing.T) {
	resetChecks()
	RegisterHealthCheck("healthy", func() error { return nil })
	RegisterHealthCheck("broken", func() error { return errors.New("sink down") })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", status.Status)
	}
	if status.Checks["broken"] != "sink down" {
		t.Errorf("broken check = %q, want %q", status.Checks["broken"], "sink down")
	}
}

func TestHealthzHandler_NoChecks(t *testing.T) {
	resetChecks()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDirHealthCheck(t *testing.T) {
	dir := t.TempDir()
	if err := DirHealthCheck(dir)(); err != nil {
		t.Fatalf("existing dir: %v", err)
	}
	if err := DirHealthCheck(filepath.Join(dir, "missing"))(); err == nil {
		t.Error("expected error for missing dir")
	}
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := DirHealthCheck(file)(); err == nil {
		t.Error("expected error for regular file")
	}
}

func TestQueueHealthCheck(t *testing.T) {
	depth := 5
	check := QueueHealthCheck(func() int { return depth }, 10)
	if err := check(); err != nil {
		t.Fatalf("depth 5: %v", err)
	}
	depth = 11
	if err := check(); err == nil {
		t.Error("expected error above limit")
	}
	if err := QueueHealthCheck(func() int { return 1 << 20 }, 0)(); err != nil {
		t.Errorf("unlimited check failed: %v", err)
	}
}

func TestMetricsCounters(t *testing.T) {
	EventsTracked.WithLabelValues("StartSession").Inc()
	EventsDropped.WithLabelValues("closed").Inc()
	QueueDepth.Set(3)
	EventsDelivered.WithLabelValues("memory").Add(2)
	PersistErrors.WithLabelValues("memory").Inc()
	FlushPasses.WithLabelValues("ok").Inc()
	FlushDuration.Observe(0.001)
}

func TestRegisterHealthCheck_Concurrent(t *testing.T) {
	resetChecks()
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			RegisterHealthCheck("test", func() error { return nil })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	status := runChecks()
	if status.Status != "ok" {
		t.Fatalf("expected ok, got %s", status.Status)
	}
}

func TestMetricsServer_StopsOnSignal(t *testing.T) {
	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- MetricsServer("127.0.0.1:0", stop) }()
	close(stop)
	if err := <-errCh; err != nil {
		t.Fatalf("MetricsServer: %v", err)
	}
}
