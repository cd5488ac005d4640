package handlers

import (
	"net/http"
	"time"

	"rastermill/internal/core"
)

// HealthHandler serves the liveness probe.
type HealthHandler struct {
	service string
	started time.Time
}

// NewHealthHandler creates the handler.
func NewHealthHandler(service string) *HealthHandler {
	return &HealthHandler{service: service, started: time.Now().UTC()}
}

// HandleHealth serves GET /health.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"status":  "ok",
		"service": h.service,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}})
}
