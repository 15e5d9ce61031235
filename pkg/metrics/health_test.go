package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestGetHealthAllHealthy(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")
	SetComponent("store", true, "")
	SetComponent("broker", true, "")

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("expected healthy, got %q", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", health.Version)
	}
}

func TestGetHealthOneUnhealthy(t *testing.T) {
	resetHealth()
	SetComponent("store", true, "")
	SetComponent("worker", false, "pool exhausted")

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %q", health.Status)
	}
	if health.Components["worker"] != "unhealthy: pool exhausted" {
		t.Errorf("unexpected worker state %q", health.Components["worker"])
	}
}

func TestReadinessWaitsForCritical(t *testing.T) {
	resetHealth()
	SetCritical("store", "broker")
	SetComponent("store", true, "")

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected not_ready, got %q", readiness.Status)
	}
	if readiness.Components["broker"] != "not registered" {
		t.Errorf("unexpected broker state %q", readiness.Components["broker"])
	}

	SetComponent("broker", true, "")
	readiness = GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("expected ready, got %q", readiness.Status)
	}
}

func TestReadinessUnhealthyCritical(t *testing.T) {
	resetHealth()
	SetCritical("store")
	SetComponent("store", false, "connection refused")

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected not_ready, got %q", readiness.Status)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth()
	SetComponent("store", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("expected healthy body, got %q", body.Status)
	}

	SetComponent("store", false, "gone")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestReadyHandlerNotReady(t *testing.T) {
	resetHealth()
	SetCritical("store")

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetHealth()
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
