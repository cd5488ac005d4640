package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rastermill/internal/core"
	"rastermill/internal/types"
)

// RunLister provides read access to the ingestion run ledger. Mirrors the
// concrete db.RunRepo. Nil when the process runs without a database.
type RunLister interface {
	ListRecent(ctx context.Context, limit int) ([]types.IngestRun, error)
}

// RunsHandler serves the operational run-history route.
type RunsHandler struct {
	runs   RunLister
	logger *slog.Logger
}

// NewRunsHandler creates the handler. runs may be nil.
func NewRunsHandler(runs RunLister, logger *slog.Logger) *RunsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunsHandler{runs: runs, logger: logger}
}

// RegisterRoutes mounts the run routes under the given router.
func (h *RunsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/runs", h.HandleList)
}

// HandleList serves GET /v1/runs. Query params: limit (optional).
func (h *RunsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
			"runs": []types.IngestRun{},
			"note": "run ledger is not configured",
		}})
		return
	}

	limit, err := parseOptionalInt(r, "limit")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	runs, err := h.runs.ListRecent(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if runs == nil {
		runs = []types.IngestRun{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{"runs": runs}})
}
