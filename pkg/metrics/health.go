package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// readinessCritical lists the components /ready gates on: the job store
// and the worker runtime.
var readinessCritical = []string{"store", "worker"}

// HealthStatus is the JSON body served by /health and /ready.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	version    string
	startTime  time.Time
}

var health = &healthRegistry{
	components: make(map[string]componentState),
	startTime:  time.Now(),
}

// SetVersion sets the version reported by the health endpoints.
func SetVersion(version string) {
	health.mu.Lock()
	health.version = version
	health.mu.Unlock()
}

// RegisterComponent records a component's health. Registering an
// existing component overwrites its state.
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	health.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
	health.mu.Unlock()
}

// UpdateComponent refreshes a component's health.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth reports overall health: unhealthy as soon as any registered
// component is unhealthy.
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	st := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(health.components)),
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
	}
	for name, comp := range health.components {
		if comp.healthy {
			st.Components[name] = "healthy"
			continue
		}
		st.Status = "unhealthy"
		st.Components[name] = "unhealthy: " + comp.message
	}
	return st
}

// GetReadiness reports whether the critical components have registered
// healthy. A worker that has not opened its store yet is alive but not
// ready.
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	st := HealthStatus{
		Status:     "ready",
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(readinessCritical)),
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
	}
	for _, name := range readinessCritical {
		comp, ok := health.components[name]
		switch {
		case !ok:
			st.Status = "not_ready"
			st.Message = "waiting for " + name + " initialization"
			st.Components[name] = "not registered"
		case !comp.healthy:
			st.Status = "not_ready"
			st.Message = "waiting for " + name
			st.Components[name] = "not ready: " + comp.message
		default:
			st.Components[name] = "ready"
		}
	}
	return st
}

// HealthHandler serves /health: 200 when healthy, 503 otherwise.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := GetHealth()
		code := http.StatusOK
		if st.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	}
}

// ReadyHandler serves /ready: 200 once the critical components are up.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := GetReadiness()
		code := http.StatusOK
		if st.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	}
}

// LivenessHandler serves /live, which only proves the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.mu.RLock()
		uptime := time.Since(health.startTime).String()
		health.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
