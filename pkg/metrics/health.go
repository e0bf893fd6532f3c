package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Node states reported by /health and /ready
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Component names registered by keeper's long-lived parts
const (
	ComponentRaft       = "raft"
	ComponentStore      = "store"
	ComponentRollout    = "rollout"
	ComponentPipeline   = "accept"
	ComponentCleanup    = "cleanup"
	ComponentReconciler = "reconciler"
)

// HealthStatus is the JSON body of the health endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last state a component reported
type ComponentHealth struct {
	Healthy bool
	Message string
	Since   time.Time
}

func (c ComponentHealth) describe() string {
	if c.Healthy {
		return StatusHealthy
	}
	return StatusUnhealthy + ": " + c.Message
}

// HealthChecker is the process-wide component registry. Critical
// components decide readiness; a failing non-critical component only
// degrades the node.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   map[string]bool
	order      []string
	startTime  time.Time
	version    string
}

var healthChecker = newHealthChecker()

func newHealthChecker() *HealthChecker {
	h := &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
	h.setCritical(ComponentRaft, ComponentStore, ComponentRollout, ComponentPipeline)
	return h
}

func (h *HealthChecker) setCritical(names ...string) {
	h.order = append([]string(nil), names...)
	h.critical = make(map[string]bool, len(names))
	for _, n := range names {
		h.critical[n] = true
	}
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.setCritical(names...)
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent records the state of a component. Since only moves when
// the state flips.
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	prev, ok := healthChecker.components[name]
	since := time.Now()
	if ok && prev.Healthy == healthy {
		since = prev.Since
	}
	healthChecker.components[name] = ComponentHealth{Healthy: healthy, Message: message, Since: since}
}

// UpdateComponent is RegisterComponent for components already known
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth reports every registered component
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(healthChecker.components))
	for name, comp := range healthChecker.components {
		components[name] = comp.describe()
		if comp.Healthy {
			continue
		}
		if healthChecker.critical[name] {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	return healthChecker.status(status, "", components)
}

// GetReadiness reports whether every critical component is registered and
// healthy
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status, message := StatusReady, ""
	components := make(map[string]string, len(healthChecker.order))
	for _, name := range healthChecker.order {
		comp, ok := healthChecker.components[name]
		switch {
		case !ok:
			status, message = StatusNotReady, "waiting for "+name+" initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status, message = StatusNotReady, "waiting for "+name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = StatusReady
		}
	}
	return healthChecker.status(status, message, components)
}

func (h *HealthChecker) status(status, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health; only a failing critical component answers
// 503
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

// LivenessHandler serves /live. It answers 200 while the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).Round(time.Second).String(),
		})
	}
}
