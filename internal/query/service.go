// Package query implements the analytical operations served by the API:
// point history, threshold triggers at a point and over a circular area,
// polygon statistics, and single-pixel tile lookups. All archive reads are
// materialized on the dataset pool's bounded workers; request goroutines only
// await results. Absence of data at query time is an empty result, never an
// error.
package query

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"rastermill/internal/grid"
	"rastermill/internal/observability"
	"rastermill/internal/pool"
	"rastermill/internal/tiles"
	"rastermill/internal/types"
)

// DefaultToleranceDeg is the nearest-neighbor snap tolerance applied when a
// request does not supply one. Half a degree covers every grid resolution
// the platform serves.
const DefaultToleranceDeg = 0.5

// kmPerDegLat converts a radius to a latitude span for bounding-window
// selection. The window is a superset; exact membership is decided per cell
// by great-circle distance.
const kmPerDegLat = 111.195

// Service executes analytical queries against the dataset pool.
type Service struct {
	pool    *pool.DatasetPool
	tileDir string
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService creates a query service. Metrics may be nil.
func NewService(p *pool.DatasetPool, tileDir string, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: p, tileDir: tileDir, metrics: metrics, logger: logger}
}

func (s *Service) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues(op).Inc()
	}
}

// History returns the dated values of the grid cell nearest to (lat, lon)
// over the inclusive day range. A point farther than toleranceDeg from any
// axis position, or a range with no stored dates, yields an empty series.
func (s *Service) History(ctx context.Context, source types.SourceID, lat, lon float64, r types.DayRange, toleranceDeg float64) (out []types.DatedValue, err error) {
	defer func(start time.Time) { s.observe("history", start, err) }(time.Now())

	if err := grid.ValidateLatLon(lat, lon); err != nil {
		return nil, err
	}
	if !r.Valid() {
		return nil, invalidRange(r)
	}
	if toleranceDeg <= 0 {
		toleranceDeg = DefaultToleranceDeg
	}

	d, err := s.pool.Acquire(source)
	if err != nil {
		return nil, err
	}
	defer d.Release()

	if d.Empty() {
		return []types.DatedValue{}, nil
	}
	row, col, dist := d.Schema().NearestIndex(lat, lon)
	if dist > toleranceDeg {
		return []types.DatedValue{}, nil
	}
	lo, hi, ok := d.IndexRange(r)
	if !ok {
		return []types.DatedValue{}, nil
	}

	var values []float32
	err = s.pool.Materialize(ctx, func() error {
		var mErr error
		values, mErr = d.PointSeries(lo, hi, row, col)
		return mErr
	})
	if err != nil {
		return nil, err
	}

	dates := d.Dates()
	out = make([]types.DatedValue, 0, len(values))
	for i, v := range values {
		if math.IsNaN(float64(v)) {
			continue
		}
		out = append(out, types.DatedValue{Date: dates[lo+i], Value: float64(v)})
	}
	return out, nil
}

// TriggerParams describes a point threshold-trigger query.
type TriggerParams struct {
	Source          types.SourceID
	Lat, Lon        float64
	Range           types.DayRange
	Threshold       float64
	Operator        types.Operator
	ConsecutiveDays int // 0 or 1 means no consecutive requirement
	ToleranceDeg    float64
}

// Triggers returns the dates on which the nearest cell's value crosses the
// threshold. When ConsecutiveDays is above one, qualifying dates are
// collapsed into runs of calendar-consecutive days and only dates belonging
// to a run of at least that length are reported.
func (s *Service) Triggers(ctx context.Context, p TriggerParams) (out []types.DatedValue, err error) {
	defer func(start time.Time) { s.observe("triggers", start, err) }(time.Now())

	if !p.Operator.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidOperator,
			fmt.Sprintf("operator %q is not above or below", p.Operator), nil)
	}

	series, err := s.History(ctx, p.Source, p.Lat, p.Lon, p.Range, p.ToleranceDeg)
	if err != nil {
		return nil, err
	}

	qualifying := make([]types.DatedValue, 0, len(series))
	for _, dv := range series {
		if p.Operator.Matches(dv.Value, p.Threshold) {
			qualifying = append(qualifying, dv)
		}
	}
	if p.ConsecutiveDays <= 1 {
		return qualifying, nil
	}
	return collapseRuns(qualifying, p.ConsecutiveDays), nil
}

// collapseRuns keeps only dates that belong to a run of at least minLen
// calendar-consecutive qualifying days. Input is date-ascending.
func collapseRuns(dates []types.DatedValue, minLen int) []types.DatedValue {
	out := []types.DatedValue{}
	runStart := 0
	flush := func(end int) {
		if end-runStart >= minLen {
			out = append(out, dates[runStart:end]...)
		}
		runStart = end
	}
	for i := 1; i < len(dates); i++ {
		if !dates[i].Date.Equal(dates[i-1].Date.AddDays(1)) {
			flush(i)
		}
	}
	flush(len(dates))
	return out
}

// AreaTriggerParams describes a circular-area threshold query.
type AreaTriggerParams struct {
	Source    types.SourceID
	Lat, Lon  float64
	RadiusKm  float64
	Range     types.DayRange
	Threshold float64
	Operator  types.Operator
}

// CellValue is one exceeding cell inside an area result.
type CellValue struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
}

// AreaHits groups one date's exceeding cells.
type AreaHits struct {
	Date  types.Day   `json:"date"`
	Cells []CellValue `json:"cells"`
}

// TriggersArea returns, per date, the cells within a great-circle radius of
// the center whose values cross the threshold. Dates with no exceeding cell
// are omitted.
func (s *Service) TriggersArea(ctx context.Context, p AreaTriggerParams) (out []AreaHits, err error) {
	defer func(start time.Time) { s.observe("triggers_area", start, err) }(time.Now())

	if err := grid.ValidateLatLon(p.Lat, p.Lon); err != nil {
		return nil, err
	}
	if !p.Range.Valid() {
		return nil, invalidRange(p.Range)
	}
	if p.RadiusKm <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("radius_km must be positive, got %g", p.RadiusKm), nil)
	}
	if !p.Operator.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidOperator,
			fmt.Sprintf("operator %q is not above or below", p.Operator), nil)
	}

	d, err := s.pool.Acquire(p.Source)
	if err != nil {
		return nil, err
	}
	defer d.Release()

	if d.Empty() {
		return []AreaHits{}, nil
	}
	sc := d.Schema()
	if err := checkLatDescending(sc.Lats); err != nil {
		return nil, err
	}
	lo, hi, ok := d.IndexRange(p.Range)
	if !ok {
		return []AreaHits{}, nil
	}

	r0, r1, c0, c1, ok := boundingWindow(sc, p.Lat, p.Lon, p.RadiusKm)
	if !ok {
		return []AreaHits{}, nil
	}
	width := c1 - c0 + 1

	// Great-circle membership of each window cell is independent of date;
	// resolve it once.
	inside := make([]bool, (r1-r0+1)*width)
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			if grid.HaversineKm(p.Lat, p.Lon, sc.Lats[r], sc.Lons[c]) <= p.RadiusKm {
				inside[(r-r0)*width+(c-c0)] = true
			}
		}
	}

	dates := d.Dates()
	out = []AreaHits{}
	for t := lo; t <= hi; t++ {
		var window []float32
		err = s.pool.Materialize(ctx, func() error {
			var mErr error
			window, mErr = d.ReadWindow(t, r0, r1, c0, c1)
			return mErr
		})
		if err != nil {
			return nil, err
		}

		var cells []CellValue
		for i, v := range window {
			if !inside[i] || math.IsNaN(float64(v)) {
				continue
			}
			if p.Operator.Matches(float64(v), p.Threshold) {
				cells = append(cells, CellValue{
					Lat:   sc.Lats[r0+i/width],
					Lon:   sc.Lons[c0+i%width],
					Value: float64(v),
				})
			}
		}
		if len(cells) > 0 {
			out = append(out, AreaHits{Date: dates[t], Cells: cells})
		}
	}
	return out, nil
}

// PolygonParams describes a polygon-statistic query. Coordinates are
// (lat, lon) pairs forming the outer ring; the ring is closed implicitly.
type PolygonParams struct {
	Source      types.SourceID
	Coordinates [][2]float64
	Range       types.DayRange
	Statistic   types.Statistic
}

// PolygonResult carries the per-date reduced values plus the mask geometry.
type PolygonResult struct {
	Values    []types.DatedValue `json:"values"`
	Bounds    [4]float64         `json:"bounds"` // minLat, minLon, maxLat, maxLon
	AreaKm2   float64            `json:"area_km2"`
	CellCount int                `json:"cell_count"`
}

// Polygon reduces all grid cells inside the polygon to one value per date
// using the requested statistic. Cells without data are excluded from the
// reduction; dates where no masked cell has data are omitted.
func (s *Service) Polygon(ctx context.Context, p PolygonParams) (out *PolygonResult, err error) {
	defer func(start time.Time) { s.observe("polygon", start, err) }(time.Now())

	if !p.Statistic.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidStat,
			fmt.Sprintf("statistic %q is not mean, max, or sum", p.Statistic), nil)
	}
	if !p.Range.Valid() {
		return nil, invalidRange(p.Range)
	}
	ring, err := buildRing(p.Coordinates)
	if err != nil {
		return nil, err
	}
	poly := orb.Polygon{ring}
	bound := poly.Bound()

	d, err := s.pool.Acquire(p.Source)
	if err != nil {
		return nil, err
	}
	defer d.Release()

	res := &PolygonResult{
		Values: []types.DatedValue{},
		Bounds: [4]float64{bound.Min[1], bound.Min[0], bound.Max[1], bound.Max[0]},
	}
	if d.Empty() {
		return res, nil
	}
	sc := d.Schema()
	if err := checkLatDescending(sc.Lats); err != nil {
		return nil, err
	}

	r0, r1, c0, c1, ok := axisWindow(sc, bound.Max[1], bound.Min[1], bound.Min[0], bound.Max[0])
	if !ok {
		return res, nil
	}
	width := c1 - c0 + 1

	dLat := axisStepAbs(sc.Lats)
	dLon := axisStepAbs(sc.Lons)
	mask := make([]bool, (r1-r0+1)*width)
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			if planar.PolygonContains(poly, orb.Point{sc.Lons[c], sc.Lats[r]}) {
				mask[(r-r0)*width+(c-c0)] = true
				res.CellCount++
				res.AreaKm2 += grid.PixelAreaKm2(sc.Lats[r], dLat, dLon)
			}
		}
	}
	if res.CellCount == 0 {
		return res, nil
	}

	lo, hi, ok := d.IndexRange(p.Range)
	if !ok {
		return res, nil
	}

	dates := d.Dates()
	for t := lo; t <= hi; t++ {
		var window []float32
		err = s.pool.Materialize(ctx, func() error {
			var mErr error
			window, mErr = d.ReadWindow(t, r0, r1, c0, c1)
			return mErr
		})
		if err != nil {
			return nil, err
		}
		if v, ok := reduce(window, mask, p.Statistic); ok {
			res.Values = append(res.Values, types.DatedValue{Date: dates[t], Value: v})
		}
	}
	return res, nil
}

// PixelLookup reads a single pixel from the published daily tile. A missing
// tile or a NaN pixel reports ok=false.
func (s *Service) PixelLookup(ctx context.Context, source types.SourceID, lat, lon float64, date types.Day) (value float64, ok bool, err error) {
	defer func(start time.Time) { s.observe("pixel_lookup", start, err) }(time.Now())

	if !types.IsKnownSource(source) {
		return 0, false, types.NewAppError(types.ErrCodeNotFoundSource,
			fmt.Sprintf("unknown source %q", source), nil)
	}
	if err := grid.ValidateLatLon(lat, lon); err != nil {
		return 0, false, err
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	path := filepath.Join(s.tileDir, string(source), tiles.FileName(source, date))
	t, err := tiles.OpenTile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer t.Close()

	return t.PixelLookup(lat, lon)
}

func invalidRange(r types.DayRange) *types.AppError {
	return types.NewAppError(types.ErrCodeValidationInvalidRange,
		fmt.Sprintf("date range %s..%s is empty or inverted", r.Start, r.End), nil)
}

// checkLatDescending guards window slicing: slicing an ascending latitude
// axis with descending bounds silently selects nothing.
func checkLatDescending(lats []float64) error {
	if len(lats) > 1 && lats[0] < lats[1] {
		return types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
			"latitude axis is ascending; archives must store row 0 as the northernmost row", nil)
	}
	return nil
}

// boundingWindow converts a center/radius circle into an inclusive row/col
// window. ok=false when the circle misses the grid entirely.
func boundingWindow(sc grid.Schema, lat, lon, radiusKm float64) (r0, r1, c0, c1 int, ok bool) {
	dLat := radiusKm / kmPerDegLat
	cosLat := math.Cos(lat * math.Pi / 180)
	dLon := 180.0
	if cosLat > 1e-6 {
		dLon = radiusKm / (kmPerDegLat * cosLat)
	}
	return axisWindow(sc, lat+dLat, lat-dLat, lon-dLon, lon+dLon)
}

// axisWindow selects the inclusive index window covering [latS, latN] x
// [lonW, lonE]. Latitude is descending, longitude ascending.
func axisWindow(sc grid.Schema, latN, latS, lonW, lonE float64) (r0, r1, c0, c1 int, ok bool) {
	r0, r1 = -1, -1
	for i, v := range sc.Lats {
		if v <= latN && v >= latS {
			if r0 == -1 {
				r0 = i
			}
			r1 = i
		}
	}
	c0, c1 = -1, -1
	for i, v := range sc.Lons {
		if v >= lonW && v <= lonE {
			if c0 == -1 {
				c0 = i
			}
			c1 = i
		}
	}
	if r0 == -1 || c0 == -1 {
		return 0, 0, 0, 0, false
	}
	return r0, r1, c0, c1, true
}

// axisStepAbs returns the absolute spacing of a uniform axis.
func axisStepAbs(axis []float64) float64 {
	if len(axis) < 2 {
		return 0
	}
	return math.Abs(axis[1] - axis[0])
}

// buildRing validates the coordinate list and closes it into an orb.Ring.
// Input pairs are (lat, lon); orb points are (lon, lat).
func buildRing(coords [][2]float64) (orb.Ring, error) {
	if len(coords) < 3 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPolygon,
			fmt.Sprintf("polygon needs at least 3 vertices, got %d", len(coords)), nil)
	}
	ring := make(orb.Ring, 0, len(coords)+1)
	for _, c := range coords {
		if err := grid.ValidateLatLon(c[0], c[1]); err != nil {
			return nil, err
		}
		ring = append(ring, orb.Point{c[1], c[0]})
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring, nil
}

// reduce applies the statistic over masked cells with data. ok=false when no
// masked cell has a value.
func reduce(window []float32, mask []bool, stat types.Statistic) (float64, bool) {
	var sum, max float64
	n := 0
	for i, v := range window {
		if !mask[i] || math.IsNaN(float64(v)) {
			continue
		}
		fv := float64(v)
		if n == 0 || fv > max {
			max = fv
		}
		sum += fv
		n++
	}
	if n == 0 {
		return 0, false
	}
	switch stat {
	case types.StatMean:
		return sum / float64(n), true
	case types.StatMax:
		return max, true
	default:
		return sum, true
	}
}
