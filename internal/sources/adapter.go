// Package sources implements the upstream provider adapters. Each adapter
// fetches the raw file(s) for one date, parses the provider's wire format,
// and normalizes units, CRS naming, and latitude ordering into a canonical
// grid before anything downstream sees the data. Schema normalization
// happens here, at the adapter boundary, never in the stores.
package sources

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"rastermill/internal/grid"
	"rastermill/internal/types"
)

// ErrNotYetPublished signals that the provider has simply not produced the
// date yet (inside its publication lag window). The date stays in the gap
// set for the next run; it is not an error worth retrying within this run.
var ErrNotYetPublished = errors.New("sources: date not yet published by provider")

// ErrPermanentlyAbsent signals that the provider will never produce the
// date (outside the product's operational period, or a confirmed hole).
var ErrPermanentlyAbsent = errors.New("sources: date permanently absent from provider")

// Adapter fetches and canonicalizes one source's daily grid.
type Adapter interface {
	// Source returns the source this adapter feeds.
	Source() types.SourceID

	// FetchDaily returns the canonical grid for a date. It returns
	// ErrNotYetPublished or ErrPermanentlyAbsent for the two classes of
	// absence, and an upstream AppError for transport failures.
	FetchDaily(ctx context.Context, date types.Day) (*grid.CanonicalGrid, error)
}

// classifyAbsence turns a provider 404 into the right absence class: dates
// newer than now minus the provider's publication lag are "not yet
// published"; older dates are treated as permanently absent for this run.
func classifyAbsence(clock clockwork.Clock, date types.Day, lagDays int) error {
	horizon := types.DayOf(clock.Now()).AddDays(-lagDays)
	if !date.Before(horizon) {
		return ErrNotYetPublished
	}
	return ErrPermanentlyAbsent
}

// Registry resolves adapters by source ID.
type Registry struct {
	adapters map[types.SourceID]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[types.SourceID]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Source()] = a
	}
	return r
}

// Get returns the adapter for a source.
func (r *Registry) Get(source types.SourceID) (Adapter, error) {
	a, ok := r.adapters[source]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSource,
			fmt.Sprintf("no adapter registered for source %q", source), nil)
	}
	return a, nil
}

// Sources returns the registered source IDs in registration order of
// types.KnownSources.
func (r *Registry) Sources() []types.SourceID {
	var out []types.SourceID
	for _, s := range types.KnownSources {
		if _, ok := r.adapters[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// AxisSpec describes the fixed grid a provider is configured to serve:
// a bounding box plus resolution in degrees. Axes derived from it are the
// canonical axes for the source.
type AxisSpec struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
	Resolution     float64
}

// Default axis specs for the providers whose products ship without embedded
// coordinates. ERA5 payloads carry their own axes and need no spec.
var (
	// CHIRPS quasi-global precipitation, 0.25 degree.
	DefaultCHIRPSSpec = AxisSpec{MinLat: -50, MaxLat: 50, MinLon: -180, MaxLon: 180, Resolution: 0.25}

	// MODIS NDVI regional product, 0.05 degree.
	DefaultMODISSpec = AxisSpec{MinLat: -40, MaxLat: 40, MinLon: -120, MaxLon: -30, Resolution: 0.05}

	// GLM flash density over the GOES full disk, 0.1 degree.
	DefaultGLMSpec = AxisSpec{MinLat: -55, MaxLat: 55, MinLon: -135, MaxLon: -25, Resolution: 0.1}
)

// Axes materializes the spec: latitude descending, longitude ascending,
// cell-centered.
func (s AxisSpec) Axes() (lats, lons []float64) {
	half := s.Resolution / 2
	for lat := s.MaxLat - half; lat > s.MinLat; lat -= s.Resolution {
		lats = append(lats, lat)
	}
	for lon := s.MinLon + half; lon < s.MaxLon; lon += s.Resolution {
		lons = append(lons, lon)
	}
	return lats, lons
}
