package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		expected   string
	}{
		{name: "no components", expected: "healthy"},
		{name: "all healthy", components: map[string]bool{ComponentRaft: true, ComponentStore: true}, expected: "healthy"},
		{name: "critical unhealthy", components: map[string]bool{ComponentRaft: true, ComponentRollout: false}, expected: "unhealthy"},
		{name: "cleanup unhealthy", components: map[string]bool{ComponentRaft: true, ComponentCleanup: false}, expected: "degraded"},
		{name: "both", components: map[string]bool{ComponentCleanup: false, ComponentStore: false}, expected: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			SetVersion("1.0.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "worker pool stopped")
			}

			health := GetHealth()
			assert.Equal(t, tt.expected, health.Status)
			assert.Len(t, health.Components, len(tt.components))
			assert.Equal(t, "1.0.0", health.Version)
		})
	}
}

func TestRegisterComponentKeepsSinceUntilStateFlips(t *testing.T) {
	resetHealth(t)

	RegisterComponent(ComponentCleanup, true, "")
	first := healthChecker.components[ComponentCleanup].Since

	UpdateComponent(ComponentCleanup, true, "scan done")
	assert.Equal(t, first, healthChecker.components[ComponentCleanup].Since)

	UpdateComponent(ComponentCleanup, false, "stopped")
	comp := healthChecker.components[ComponentCleanup]
	assert.False(t, comp.Healthy)
	assert.False(t, comp.Since.Before(first))
	assert.Equal(t, "unhealthy: stopped", GetHealth().Components[ComponentCleanup])
}

func TestDegradedNodeStaysUp(t *testing.T) {
	resetHealth(t)
	RegisterComponent(ComponentRaft, true, "")
	RegisterComponent(ComponentReconciler, false, "stopped")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDegraded, body.Status)
}

func TestGetReadinessWaitsForCriticalComponents(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents(ComponentRaft, ComponentRollout)

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components[ComponentRaft])

	RegisterComponent(ComponentRaft, true, "")
	RegisterComponent(ComponentRollout, false, "starting")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "waiting for rollout", readiness.Message)

	UpdateComponent(ComponentRollout, true, "")
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.Empty(t, readiness.Message)
}

func TestHealthHandlers(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents(ComponentRaft)
	RegisterComponent(ComponentRaft, false, "no leader")

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		expected int
		status   string
	}{
		{name: "health", handler: HealthHandler(), expected: http.StatusServiceUnavailable, status: "unhealthy"},
		{name: "ready", handler: ReadyHandler(), expected: http.StatusServiceUnavailable, status: "not_ready"},
		{name: "live", handler: LivenessHandler(), expected: http.StatusOK, status: "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/"+tt.name, nil))

			assert.Equal(t, tt.expected, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}
