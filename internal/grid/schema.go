package grid

import (
	"fmt"
	"math"

	"rastermill/internal/types"
)

// axisTolerance is the maximum per-value difference for two axes to be
// considered equal. Providers round coordinates differently at the 1e-6
// level; anything beyond this is drift, not noise.
const axisTolerance = 1e-5

// maxEdgeDrift is the largest per-edge crop Reconcile will perform. A
// provider occasionally ships one or two extra boundary pixels; a larger
// disagreement means the upstream product changed and the date must be
// skipped and flagged instead.
const maxEdgeDrift = 2

// Schema is the canonical axis definition a source's grids must conform to
// before comparison or merge. The first grid merged into a source's archive
// establishes the schema; it never changes afterwards.
type Schema struct {
	Lats []float64
	Lons []float64
}

// Equal reports whether two schemas have identical axes within tolerance.
func (s Schema) Equal(other Schema) bool {
	return axesEqual(s.Lats, other.Lats) && axesEqual(s.Lons, other.Lons)
}

// Empty reports whether the schema has no axes (no archive exists yet).
func (s Schema) Empty() bool {
	return len(s.Lats) == 0 && len(s.Lons) == 0
}

func axesEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > axisTolerance {
			return false
		}
	}
	return true
}

// NearestIndex locates the nearest axis positions for a lat/lon pair, with
// the same distance semantics as CanonicalGrid.NearestIndex.
func (s Schema) NearestIndex(lat, lon float64) (row, col int, dist float64) {
	row = nearestAxisIndex(s.Lats, lat)
	col = nearestAxisIndex(s.Lons, lon)
	dLat := math.Abs(s.Lats[row] - lat)
	dLon := math.Abs(s.Lons[col] - lon)
	return row, col, math.Max(dLat, dLon)
}

// Reconcile aligns a grid to the canonical schema. If the grid already
// matches, it is returned unchanged. If the grid is a bounded superset
// (at most maxEdgeDrift extra pixels per edge whose interior matches the
// canonical axes), it is cropped. Anything else is schema drift and returns
// an AppError with code internal_schema_drift; the caller skips the date.
func Reconcile(g *CanonicalGrid, canonical Schema) (*CanonicalGrid, error) {
	if canonical.Empty() || g.Schema().Equal(canonical) {
		return g, nil
	}

	latOff, err := alignAxis(g.Lats, canonical.Lats)
	if err != nil {
		return nil, driftError(g, "latitude", err)
	}
	lonOff, err := alignAxis(g.Lons, canonical.Lons)
	if err != nil {
		return nil, driftError(g, "longitude", err)
	}

	cropped := NewCanonicalGrid(g.Source, g.Variable, g.Date, canonical.Lats, canonical.Lons)
	cropped.Units = g.Units
	for row := 0; row < len(canonical.Lats); row++ {
		src := (row+latOff)*len(g.Lons) + lonOff
		copy(cropped.Values[row*len(canonical.Lons):(row+1)*len(canonical.Lons)],
			g.Values[src:src+len(canonical.Lons)])
	}
	return cropped, nil
}

// alignAxis finds the offset at which canonical is a contiguous sub-axis of
// axis, allowing at most maxEdgeDrift surplus values on each edge.
func alignAxis(axis, canonical []float64) (int, error) {
	surplus := len(axis) - len(canonical)
	if surplus < 0 || surplus > 2*maxEdgeDrift {
		return 0, fmt.Errorf("axis length %d vs canonical %d", len(axis), len(canonical))
	}
	for off := 0; off <= surplus; off++ {
		if off > maxEdgeDrift || surplus-off > maxEdgeDrift {
			continue
		}
		if axesEqual(axis[off:off+len(canonical)], canonical) {
			return off, nil
		}
	}
	return 0, fmt.Errorf("no aligned crop within %d-pixel edge drift", maxEdgeDrift)
}

func driftError(g *CanonicalGrid, axis string, err error) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeInternalSchemaDrift,
		fmt.Sprintf("%s axis of %s/%s cannot be reconciled to the canonical schema", axis, g.Source, g.Date),
		err,
		map[string]any{"source": string(g.Source), "date": g.Date.String()},
	)
}

// NormalizeLatOrder flips a grid whose latitude axis arrived ascending so
// that row 0 is always the northernmost row. Slicing an ascending axis with
// descending bounds silently yields empty selections, so ordering is fixed
// once at the adapter boundary.
func NormalizeLatOrder(g *CanonicalGrid) *CanonicalGrid {
	if len(g.Lats) < 2 || g.Lats[0] > g.Lats[1] {
		return g
	}
	n := len(g.Lats)
	flippedLats := make([]float64, n)
	flipped := NewCanonicalGrid(g.Source, g.Variable, g.Date, flippedLats, g.Lons)
	flipped.Units = g.Units
	for row := 0; row < n; row++ {
		flippedLats[row] = g.Lats[n-1-row]
		copy(flipped.Values[row*len(g.Lons):(row+1)*len(g.Lons)],
			g.Values[(n-1-row)*len(g.Lons):(n-row)*len(g.Lons)])
	}
	return flipped
}
