// Package grid defines the canonical in-memory representation of a daily
// raster: one variable, one UTC day, a fixed latitude/longitude axis pair,
// and float32 cell values in row-major order (latitude descending, row 0 is
// the northernmost row). Every adapter must normalize provider output into
// this shape before any store touches it; schema drift is reconciled here
// and nowhere else.
package grid

import (
	"fmt"
	"math"

	"rastermill/internal/types"
)

// NaN marks cells with no data. Query layers translate it to absent values,
// never to zero.
var NaN = float32(math.NaN())

// CanonicalGrid is one variable on one day over the source's fixed axes.
type CanonicalGrid struct {
	Source   types.SourceID
	Variable types.Variable
	Date     types.Day
	Units    string

	// Lats is descending (north to south); Lons is ascending (west to east).
	Lats []float64
	Lons []float64

	// Values is row-major: Values[row*len(Lons)+col].
	Values []float32
}

// NewCanonicalGrid allocates a grid with all cells set to NaN.
func NewCanonicalGrid(source types.SourceID, variable types.Variable, date types.Day, lats, lons []float64) *CanonicalGrid {
	values := make([]float32, len(lats)*len(lons))
	for i := range values {
		values[i] = NaN
	}
	return &CanonicalGrid{
		Source:   source,
		Variable: variable,
		Date:     date,
		Lats:     lats,
		Lons:     lons,
		Values:   values,
	}
}

// Validate checks structural consistency: axis lengths match the value
// buffer, latitude is strictly descending, longitude strictly ascending.
func (g *CanonicalGrid) Validate() error {
	if len(g.Lats) == 0 || len(g.Lons) == 0 {
		return fmt.Errorf("grid %s/%s: empty axes", g.Source, g.Date)
	}
	if len(g.Values) != len(g.Lats)*len(g.Lons) {
		return fmt.Errorf("grid %s/%s: value count %d does not match %dx%d axes",
			g.Source, g.Date, len(g.Values), len(g.Lats), len(g.Lons))
	}
	for i := 1; i < len(g.Lats); i++ {
		if g.Lats[i] >= g.Lats[i-1] {
			return fmt.Errorf("grid %s/%s: latitude axis not strictly descending at index %d", g.Source, g.Date, i)
		}
	}
	for i := 1; i < len(g.Lons); i++ {
		if g.Lons[i] <= g.Lons[i-1] {
			return fmt.Errorf("grid %s/%s: longitude axis not strictly ascending at index %d", g.Source, g.Date, i)
		}
	}
	return nil
}

// At returns the value at (row, col).
func (g *CanonicalGrid) At(row, col int) float32 {
	return g.Values[row*len(g.Lons)+col]
}

// Set writes the value at (row, col).
func (g *CanonicalGrid) Set(row, col int, v float32) {
	g.Values[row*len(g.Lons)+col] = v
}

// Schema returns the axis schema of the grid.
func (g *CanonicalGrid) Schema() Schema {
	return Schema{Lats: g.Lats, Lons: g.Lons}
}

// Bounds returns the bounding box (minLat, minLon, maxLat, maxLon) spanned
// by the axis values.
func (g *CanonicalGrid) Bounds() (minLat, minLon, maxLat, maxLon float64) {
	return g.Lats[len(g.Lats)-1], g.Lons[0], g.Lats[0], g.Lons[len(g.Lons)-1]
}

// NearestIndex locates the nearest axis positions for a lat/lon pair. The
// returned distance is the larger of the two axis offsets in degrees, which
// callers compare against their tolerance.
func (g *CanonicalGrid) NearestIndex(lat, lon float64) (row, col int, dist float64) {
	row = nearestAxisIndex(g.Lats, lat)
	col = nearestAxisIndex(g.Lons, lon)
	dLat := math.Abs(g.Lats[row] - lat)
	dLon := math.Abs(g.Lons[col] - lon)
	return row, col, math.Max(dLat, dLon)
}

// nearestAxisIndex scans for the axis value closest to target. Axes are a
// few thousand entries at most; a linear scan keeps ordering assumptions out
// of the hot path entirely.
func nearestAxisIndex(axis []float64, target float64) int {
	best := 0
	bestDist := math.Abs(axis[0] - target)
	for i := 1; i < len(axis); i++ {
		if d := math.Abs(axis[i] - target); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}
