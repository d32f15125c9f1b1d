package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus represents the health status of the service.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ReadinessCheck is a named check consulted by the readiness handler.
type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion sets the application version.
func SetVersion(v string) {
	version = v
}

// Version returns the application version.
func Version() string {
	return version
}

func newStatus(state string) HealthStatus {
	return HealthStatus{
		Status:    state,
		Timestamp: time.Now(),
		Version:   version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	}
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// HealthHandler returns a handler for health check endpoints.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, newStatus("healthy"))
	}
}

// ReadinessHandler reports ready only when every check passes
// (for the broker: the sweeper is running and entropy is available).
func ReadinessHandler(checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := newStatus("ready")
		code := http.StatusOK
		if len(checks) > 0 {
			status.Checks = make(map[string]string, len(checks))
		}
		for _, c := range checks {
			if err := c.Check(r.Context()); err != nil {
				status.Checks[c.Name] = err.Error()
				status.Status = "not_ready"
				code = http.StatusServiceUnavailable
				continue
			}
			status.Checks[c.Name] = "ok"
		}
		writeStatus(w, code, status)
	}
}

// LivenessHandler returns a handler for liveness checks.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, newStatus("alive"))
	}
}
