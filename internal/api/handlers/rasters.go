// Package handlers contains the HTTP handler implementations for the
// rastermill query API. Handlers depend on locally defined service
// interfaces for testability and register their own routes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"rastermill/internal/core"
	"rastermill/internal/query"
	"rastermill/internal/types"
)

// QueryService is the analytics contract the raster handler depends on.
// Mirrors the concrete query.Service methods.
type QueryService interface {
	History(ctx context.Context, source types.SourceID, lat, lon float64, r types.DayRange, toleranceDeg float64) ([]types.DatedValue, error)
	Triggers(ctx context.Context, p query.TriggerParams) ([]types.DatedValue, error)
	TriggersArea(ctx context.Context, p query.AreaTriggerParams) ([]query.AreaHits, error)
	Polygon(ctx context.Context, p query.PolygonParams) (*query.PolygonResult, error)
	PixelLookup(ctx context.Context, source types.SourceID, lat, lon float64, date types.Day) (float64, bool, error)
}

// RasterHandler serves the per-source analytical query routes.
type RasterHandler struct {
	svc       QueryService
	validator *core.Validator
	logger    *slog.Logger
}

// NewRasterHandler creates the handler.
func NewRasterHandler(svc QueryService, validator *core.Validator, logger *slog.Logger) *RasterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RasterHandler{svc: svc, validator: validator, logger: logger}
}

// RegisterRoutes mounts the raster query routes under the given router.
func (h *RasterHandler) RegisterRoutes(r chi.Router) {
	r.Route("/{source}", func(r chi.Router) {
		r.Get("/history", h.HandleHistory)
		r.Get("/triggers", h.HandleTriggers)
		r.Get("/triggers/area", h.HandleTriggersArea)
		r.Post("/polygon", h.HandlePolygon)
		r.Get("/pixel", h.HandlePixel)
	})
}

// HandleHistory serves GET /v1/{source}/history.
// Query params: lat, lon, start, end, tolerance_deg (optional).
func (h *RasterHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	source := types.SourceID(chi.URLParam(r, "source"))

	lat, lon, err := parseLatLon(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	dayRange, err := parseDayRange(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	tolerance, err := parseOptionalFloat(r, "tolerance_deg")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	series, err := h.svc.History(r.Context(), source, lat, lon, dayRange, tolerance)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"source": source,
		"series": series,
	}})
}

// HandleTriggers serves GET /v1/{source}/triggers.
// Query params: lat, lon, start, end, threshold, operator, consecutive_days
// (optional), tolerance_deg (optional).
func (h *RasterHandler) HandleTriggers(w http.ResponseWriter, r *http.Request) {
	source := types.SourceID(chi.URLParam(r, "source"))

	lat, lon, err := parseLatLon(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	dayRange, err := parseDayRange(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	threshold, err := parseRequiredFloat(r, "threshold")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	consecutive, err := parseOptionalInt(r, "consecutive_days")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	tolerance, err := parseOptionalFloat(r, "tolerance_deg")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	events, err := h.svc.Triggers(r.Context(), query.TriggerParams{
		Source:          source,
		Lat:             lat,
		Lon:             lon,
		Range:           dayRange,
		Threshold:       threshold,
		Operator:        types.Operator(r.URL.Query().Get("operator")),
		ConsecutiveDays: consecutive,
		ToleranceDeg:    tolerance,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"source": source,
		"events": events,
	}})
}

// HandleTriggersArea serves GET /v1/{source}/triggers/area.
// Query params: lat, lon, radius_km, start, end, threshold, operator.
func (h *RasterHandler) HandleTriggersArea(w http.ResponseWriter, r *http.Request) {
	source := types.SourceID(chi.URLParam(r, "source"))

	lat, lon, err := parseLatLon(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	dayRange, err := parseDayRange(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	radius, err := parseRequiredFloat(r, "radius_km")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	threshold, err := parseRequiredFloat(r, "threshold")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	hits, err := h.svc.TriggersArea(r.Context(), query.AreaTriggerParams{
		Source:    source,
		Lat:       lat,
		Lon:       lon,
		RadiusKm:  radius,
		Range:     dayRange,
		Threshold: threshold,
		Operator:  types.Operator(r.URL.Query().Get("operator")),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"source": source,
		"dates":  hits,
	}})
}

// PolygonRequest is the request body for POST /v1/{source}/polygon.
// Coordinates are (lat, lon) vertex pairs of the outer ring.
type PolygonRequest struct {
	Coordinates [][2]float64 `json:"coordinates" validate:"required,min=3"`
	Start       string       `json:"start" validate:"required"`
	End         string       `json:"end" validate:"required"`
	Statistic   string       `json:"statistic" validate:"required,oneof=mean max sum"`
}

// HandlePolygon serves POST /v1/{source}/polygon.
func (h *RasterHandler) HandlePolygon(w http.ResponseWriter, r *http.Request) {
	source := types.SourceID(chi.URLParam(r, "source"))

	var req PolygonRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}
	dayRange, err := parseDays(req.Start, req.End)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.svc.Polygon(r.Context(), query.PolygonParams{
		Source:      source,
		Coordinates: req.Coordinates,
		Range:       dayRange,
		Statistic:   types.Statistic(req.Statistic),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

// HandlePixel serves GET /v1/{source}/pixel.
// Query params: lat, lon, date.
func (h *RasterHandler) HandlePixel(w http.ResponseWriter, r *http.Request) {
	source := types.SourceID(chi.URLParam(r, "source"))

	lat, lon, err := parseLatLon(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	date, err := types.ParseDay(r.URL.Query().Get("date"))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidRange,
			"date must be YYYYMMDD or YYYY-MM-DD", err))
		return
	}

	value, ok, err := h.svc.PixelLookup(r.Context(), source, lat, lon, date)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	data := map[string]any{
		"source": source,
		"date":   date,
		"found":  ok,
	}
	if ok {
		data["value"] = value
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: data})
}

// --- Query parameter parsing ---

func parseLatLon(r *http.Request) (lat, lon float64, err error) {
	lat, err = parseRequiredFloat(r, "lat")
	if err != nil {
		return 0, 0, err
	}
	lon, err = parseRequiredFloat(r, "lon")
	if err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

func parseDayRange(r *http.Request) (types.DayRange, error) {
	return parseDays(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
}

func parseDays(start, end string) (types.DayRange, error) {
	s, err := types.ParseDay(start)
	if err != nil {
		return types.DayRange{}, types.NewAppError(types.ErrCodeValidationInvalidRange,
			"start must be YYYYMMDD or YYYY-MM-DD", err)
	}
	e, err := types.ParseDay(end)
	if err != nil {
		return types.DayRange{}, types.NewAppError(types.ErrCodeValidationInvalidRange,
			"end must be YYYYMMDD or YYYY-MM-DD", err)
	}
	dr := types.DayRange{Start: s, End: e}
	if !dr.Valid() {
		return types.DayRange{}, types.NewAppError(types.ErrCodeValidationInvalidRange,
			"end must not precede start", nil)
	}
	return dr, nil
}

func parseRequiredFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField,
			"missing required query parameter "+name, nil)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField,
			"query parameter "+name+" must be a number", err)
	}
	return v, nil
}

func parseOptionalFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField,
			"query parameter "+name+" must be a number", err)
	}
	return v, nil
}

func parseOptionalInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField,
			"query parameter "+name+" must be an integer", err)
	}
	return v, nil
}
