package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// Pinger checks a dependency.
type Pinger interface {
	Health(ctx context.Context) error
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// VersionResponse is returned by the version endpoint.
type VersionResponse struct {
	BuildInfo
	GoVersion string    `json:"go_version"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthHandler serves liveness, health and version.
type HealthHandler struct {
	database  Pinger
	build     BuildInfo
	startTime time.Time
}

// NewHealthHandler creates a health handler. database may be nil.
func NewHealthHandler(database Pinger, build BuildInfo) *HealthHandler {
	return &HealthHandler{
		database:  database,
		build:     build,
		startTime: time.Now(),
	}
}

// Liveness reports that the process is serving requests.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Health checks the database when one is configured.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    map[string]string{},
	}

	if h.database == nil {
		response.Checks["database"] = "not configured"
	} else if err := h.database.Health(ctx); err != nil {
		response.Status = "unhealthy"
		response.Checks["database"] = "failed"
	} else {
		response.Checks["database"] = "ok"
	}

	statusCode := http.StatusOK
	if response.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Version returns build information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		BuildInfo: h.build,
		GoVersion: runtime.Version(),
		Service:   "portscan",
		Timestamp: time.Now().UTC(),
	})
}
