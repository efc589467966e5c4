package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/megatera/review-feed/internal/core"
)

// NotFoundMessage is the body returned for unknown routes
const NotFoundMessage = "This is not the way..."

// StatusHandler serves service-wide endpoints
type StatusHandler struct {
	logger   *core.Logger
	registry *core.Registry
	version  string
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(logger *core.Logger, registry *core.Registry, version string) *StatusHandler {
	return &StatusHandler{
		logger:   logger,
		registry: registry,
		version:  version,
	}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string                        `json:"status"`
	Service  string                        `json:"service"`
	Version  string                        `json:"version"`
	Features map[string]core.FeatureStatus `json:"features"`
}

// HealthCheckHandler reports 503 when any enabled feature is unhealthy
func (h *StatusHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	features := h.registry.GetFeatureStatus()

	status := "ok"
	code := http.StatusOK
	for name, f := range features {
		if !f.Healthy {
			h.logger.WithContext(r.Context()).Error("Feature unhealthy", "feature", name, "error", f.Error)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(HealthResponse{
		Status:   status,
		Service:  "review-digest",
		Version:  h.version,
		Features: features,
	})
}

// NotFoundHandler rejects unknown routes
func (h *StatusHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(NotFoundMessage))
}

// MethodNotAllowedHandler rejects known routes called with the wrong method
func (h *StatusHandler) MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	core.WriteErrorResponse(w, http.StatusMethodNotAllowed, core.NewAppError(
		core.ErrCodeValidation, "Method not allowed", nil))
}
