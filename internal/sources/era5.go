package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jonboulle/clockwork"

	"rastermill/internal/external"
	"rastermill/internal/grid"
	"rastermill/internal/types"
)

// era5LagDays reflects the reanalysis publication delay (ERA5T, ~5 days).
const era5LagDays = 5

// era5Payload is the provider's JSON response: daily-mean fields on an
// explicit grid. Temperature arrives in Kelvin and wind components in m/s;
// both are normalized here.
type era5Payload struct {
	Lats []float64 `json:"latitude"`
	Lons []float64 `json:"longitude"`
	T2M  []float64 `json:"t2m,omitempty"`
	U10  []float64 `json:"u10,omitempty"`
	V10  []float64 `json:"v10,omitempty"`
}

// ERA5Adapter fetches one reanalysis variable per source: 2m temperature
// (era5_t2m) or 10m wind speed (era5_wind).
type ERA5Adapter struct {
	client   *external.DownloadClient
	baseURL  string
	source   types.SourceID
	variable types.Variable
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewERA5TemperatureAdapter creates the 2m-temperature adapter.
func NewERA5TemperatureAdapter(client *external.DownloadClient, baseURL string, clock clockwork.Clock, logger *slog.Logger) *ERA5Adapter {
	return newERA5(client, baseURL, types.SourceERA5Temp, types.VarTemperatureC, clock, logger)
}

// NewERA5WindAdapter creates the 10m-wind-speed adapter.
func NewERA5WindAdapter(client *external.DownloadClient, baseURL string, clock clockwork.Clock, logger *slog.Logger) *ERA5Adapter {
	return newERA5(client, baseURL, types.SourceERA5Wind, types.VarWindSpeedKmh, clock, logger)
}

func newERA5(client *external.DownloadClient, baseURL string, source types.SourceID, variable types.Variable, clock clockwork.Clock, logger *slog.Logger) *ERA5Adapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ERA5Adapter{
		client:   client,
		baseURL:  baseURL,
		source:   source,
		variable: variable,
		clock:    clock,
		logger:   logger,
	}
}

// Source implements Adapter.
func (a *ERA5Adapter) Source() types.SourceID { return a.source }

// FetchDaily implements Adapter.
func (a *ERA5Adapter) FetchDaily(ctx context.Context, date types.Day) (*grid.CanonicalGrid, error) {
	url := fmt.Sprintf("%s/era5_daily_%s.json", a.baseURL, date)
	raw, err := a.client.FetchBytes(ctx, url)
	if errors.Is(err, external.ErrNotFound) {
		return nil, classifyAbsence(a.clock, date, era5LagDays)
	}
	if err != nil {
		return nil, err
	}

	var payload era5Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing era5 payload for %s: %w", date, err)
	}
	cells := len(payload.Lats) * len(payload.Lons)
	if cells == 0 {
		return nil, fmt.Errorf("era5 payload for %s has empty axes", date)
	}

	g := grid.NewCanonicalGrid(a.source, a.variable, date, payload.Lats, payload.Lons)

	switch a.variable {
	case types.VarTemperatureC:
		if len(payload.T2M) != cells {
			return nil, fmt.Errorf("era5 t2m field has %d cells, want %d", len(payload.T2M), cells)
		}
		g.Units = "degC"
		for i, k := range payload.T2M {
			g.Values[i] = float32(k - 273.15)
		}
	case types.VarWindSpeedKmh:
		if len(payload.U10) != cells || len(payload.V10) != cells {
			return nil, fmt.Errorf("era5 wind fields have %d/%d cells, want %d", len(payload.U10), len(payload.V10), cells)
		}
		g.Units = "km/h"
		for i := range payload.U10 {
			speedMS := math.Hypot(payload.U10[i], payload.V10[i])
			g.Values[i] = float32(speedMS * 3.6)
		}
	default:
		return nil, fmt.Errorf("era5 adapter cannot serve variable %q", a.variable)
	}

	g = grid.NormalizeLatOrder(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
