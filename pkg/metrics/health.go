package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Probe reports the liveness of one subsystem. A nil error means the
// subsystem is usable right now; anything else carries the reason.
type Probe func() error

// HealthStatus is the JSON body served on the health endpoints
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// Readiness requires every one of these probes registered and passing
var criticalComponents = []string{"storage", "cache", "scheduler"}

var healthChecker = &HealthChecker{
	probes:    make(map[string]Probe),
	startTime: time.Now(),
}

// HealthChecker holds the registered subsystem probes. Probes run on
// every request so the endpoints report actual subsystem state, not a
// flag set once at boot.
type HealthChecker struct {
	mu        sync.RWMutex
	probes    map[string]Probe
	startTime time.Time
	version   string
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterProbe registers a liveness probe for a named subsystem
func RegisterProbe(name string, probe Probe) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.probes[name] = probe
}

func (h *HealthChecker) snapshot() (map[string]Probe, string, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	probes := make(map[string]Probe, len(h.probes))
	for name, probe := range h.probes {
		probes[name] = probe
	}
	return probes, h.version, h.startTime
}

// GetHealth runs every registered probe and folds the results into an
// overall status.
func GetHealth() HealthStatus {
	probes, version, startTime := healthChecker.snapshot()

	status := "healthy"
	components := make(map[string]string)
	for name, probe := range probes {
		if err := probe(); err != nil {
			status = "unhealthy"
			components[name] = "unhealthy: " + err.Error()
		} else {
			components[name] = "healthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    version,
		Uptime:     time.Since(startTime).String(),
		StartTime:  startTime,
	}
}

// GetReadiness runs the critical probes. A critical subsystem that is
// missing or failing makes the process not ready.
func GetReadiness() HealthStatus {
	probes, version, startTime := healthChecker.snapshot()

	status := "ready"
	message := ""
	components := make(map[string]string)
	for _, name := range criticalComponents {
		probe, ok := probes[name]
		if !ok {
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
			continue
		}
		if err := probe(); err != nil {
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + err.Error()
		} else {
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    version,
		Uptime:     time.Since(startTime).String(),
		StartTime:  startTime,
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()

		w.Header().Set("Content-Type", "application/json")
		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()

		w.Header().Set("Content-Type", "application/json")
		statusCode := http.StatusOK
		if readiness.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(readiness)
	}
}

// LivenessHandler reports that the process itself is up
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}
