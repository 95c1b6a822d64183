package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/mstgnz/pawguard/infra/response"
	"github.com/mstgnz/pawguard/infra/store"
)

// Pinger is anything with a liveness check: the key-value store, the
// database pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// statsReporter is implemented by the in-memory store
type statsReporter interface {
	Stats() store.MemoryStats
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping calls f
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthStatus represents overall system health
type HealthStatus struct {
	Status      string                      `json:"status"`
	Version     string                      `json:"version"`
	Environment string                      `json:"environment"`
	Timestamp   time.Time                   `json:"timestamp"`
	Uptime      string                      `json:"uptime"`
	Components  map[string]*ComponentHealth `json:"components"`
	Providers   map[string]*ProviderHealth  `json:"providers"`
	System      *SystemHealth               `json:"system"`
}

// ComponentHealth is the result of one dependency check
type ComponentHealth struct {
	Healthy      bool               `json:"healthy"`
	ResponseTime string             `json:"response_time"`
	Error        string             `json:"error,omitempty"`
	Stats        *store.MemoryStats `json:"stats,omitempty"`
}

// ProviderHealth reports whether a gateway is usable
type ProviderHealth struct {
	Available bool `json:"available"`
}

// SystemHealth represents runtime resource usage
type SystemHealth struct {
	GoRoutines int    `json:"goroutines"`
	Alloc      string `json:"alloc"`
	Sys        string `json:"sys"`
	GCRuns     uint32 `json:"gc_runs"`
}

// HealthHandler handles health check requests
type HealthHandler struct {
	components  map[string]Pinger
	registered  []string
	available   func() []string
	version     string
	environment string
	startTime   time.Time
}

// NewHealthHandler creates a health handler. registered lists every known
// gateway and available returns the ones with complete credentials.
func NewHealthHandler(components map[string]Pinger, registered []string, available func() []string, version, environment string) *HealthHandler {
	return &HealthHandler{
		components:  components,
		registered:  registered,
		available:   available,
		version:     version,
		environment: environment,
		startTime:   time.Now(),
	}
}

// CheckHealth pings every component. A failing component makes the
// service unhealthy; a gateway without credentials or a full in-memory
// store only degrades it.
func (h *HealthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := &HealthStatus{
		Status:      "healthy",
		Version:     h.version,
		Environment: h.environment,
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Components:  make(map[string]*ComponentHealth, len(h.components)),
		Providers:   make(map[string]*ProviderHealth, len(h.registered)),
		System:      checkSystemHealth(),
	}

	for name, component := range h.components {
		start := time.Now()
		err := component.Ping(ctx)
		result := &ComponentHealth{Healthy: err == nil, ResponseTime: time.Since(start).String()}
		if err != nil {
			result.Error = err.Error()
			health.Status = "unhealthy"
		}
		if reporter, ok := component.(statsReporter); ok {
			stats := reporter.Stats()
			result.Stats = &stats
			// a full store is evicting rate limit counters
			if stats.MaxSize > 0 && stats.Size >= stats.MaxSize && health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
		health.Components[name] = result
	}

	available := map[string]bool{}
	if h.available != nil {
		for _, name := range h.available() {
			available[name] = true
		}
	}
	for _, name := range h.registered {
		health.Providers[name] = &ProviderHealth{Available: available[name]}
		if !available[name] && health.Status == "healthy" {
			health.Status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	response.WriteJSON(w, statusCode, response.Response{
		Code:    statusCode,
		Success: health.Status != "unhealthy",
		Message: fmt.Sprintf("Service is %s", health.Status),
		Data:    health,
	})
}

func checkSystemHealth() *SystemHealth {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &SystemHealth{
		GoRoutines: runtime.NumGoroutine(),
		Alloc:      formatBytes(m.Alloc),
		Sys:        formatBytes(m.Sys),
		GCRuns:     m.NumGC,
	}
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
