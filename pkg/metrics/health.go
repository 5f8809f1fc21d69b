package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Health states reported by GetHealth and GetReadiness.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body of the health and readiness endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Grid       *GridSummary      `json:"grid,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// GridSummary is the part of the driver state that tells whether queued
// work can make progress.
type GridSummary struct {
	Nodes        int `json:"nodes"`
	IdleNodes    int `json:"idleNodes"`
	Peers        int `json:"peers"`
	QueuedJobs   int `json:"queuedJobs"`
	PendingTasks int `json:"pendingTasks"`
}

// Summarize reduces driver stats to a grid summary. Closed channels are
// not counted.
func Summarize(stats Stats) GridSummary {
	sum := GridSummary{QueuedJobs: stats.QueuedJobs, PendingTasks: stats.PendingTasks}
	for status, n := range stats.NodesByStatus["node"] {
		if status == "closed" {
			continue
		}
		sum.Nodes += n
		if status == "idle" {
			sum.IdleNodes += n
		}
	}
	for status, n := range stats.NodesByStatus["peer"] {
		if status != "closed" {
			sum.Peers += n
		}
	}
	return sum
}

// criticalComponents must be registered and healthy for the driver to be
// ready. Any other component failing only degrades the driver.
var criticalComponents = []string{"reactor", "scheduler", "storage"}

var healthChecker = newHealthChecker()

// ComponentHealth is the last reported state of one component.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker holds component states and the source of the grid summary.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	grid       func() Stats
	startTime  time.Time
	version    string
}

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetGridSource sets where health responses read the grid state from. A
// nil source removes the grid section.
func SetGridSource(source func() Stats) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.grid = source
}

// RegisterComponent records the state of a component.
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent is RegisterComponent for a component already known.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

func isCritical(name string) bool {
	for _, c := range criticalComponents {
		if c == name {
			return true
		}
	}
	return false
}

// gridLocked reads the grid source. The caller holds at least the read lock.
func (h *HealthChecker) gridLocked() *GridSummary {
	if h.grid == nil {
		return nil
	}
	sum := Summarize(h.grid())
	return &sum
}

// GetHealth returns the overall status. A failing critical component makes
// the driver unhealthy. A failing optional component, or queued jobs with
// no worker to run them, make it degraded.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := StatusHealthy
	var message string
	components := make(map[string]string)

	for name, comp := range healthChecker.components {
		if comp.Healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = StatusUnhealthy + ": " + comp.Message
		if isCritical(name) {
			status = StatusUnhealthy
			message = name + " is not running"
		} else if status == StatusHealthy {
			status = StatusDegraded
			message = name + " is failing"
		}
	}

	grid := healthChecker.gridLocked()
	if grid != nil && status == StatusHealthy && grid.QueuedJobs > 0 && grid.Nodes+grid.Peers == 0 {
		status = StatusDegraded
		message = fmt.Sprintf("no worker connected for %d queued jobs", grid.QueuedJobs)
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Grid:       grid,
		Message:    message,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
	}
}

// GetReadiness reports whether every critical component is registered and
// healthy.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := StatusReady
	message := ""
	components := make(map[string]string)

	for _, name := range criticalComponents {
		comp, exists := healthChecker.components[name]
		switch {
		case !exists:
			status = StatusNotReady
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = StatusNotReady
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = StatusReady
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Grid:       healthChecker.gridLocked(),
		Message:    message,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
	}
}

// HealthHandler serves /health. Only an unhealthy driver answers 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		writeStatus(w, statusCode, health)
	}
}

// ReadyHandler serves /ready.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()

		statusCode := http.StatusOK
		if readiness.Status != StatusReady {
			statusCode = http.StatusServiceUnavailable
		}
		writeStatus(w, statusCode, readiness)
	}
}

// LivenessHandler answers 200 while the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
