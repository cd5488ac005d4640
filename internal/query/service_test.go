package query

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rastermill/internal/archive"
	"rastermill/internal/grid"
	"rastermill/internal/pool"
	"rastermill/internal/tiles"
	"rastermill/internal/types"
)

// The query fixture: a 3x4 grid with three years of archives (2022-2024),
// one value per day derived from the day of year so expectations are exact.
var (
	qLats = []float64{20, 19, 18}
	qLons = []float64{10, 11, 12, 13}
)

// qValue is the fixture value at (year, dayOfYear, row, col).
func qValue(year, doy, row, col int) float32 {
	return float32((year-2022)*10000 + doy*10 + row*4 + col)
}

func qGrid(t *testing.T, date types.Day) *grid.CanonicalGrid {
	t.Helper()
	g := grid.NewCanonicalGrid(types.SourceCHIRPS, types.VarPrecipitationMM, date, qLats, qLons)
	g.Units = "mm/day"
	doy := date.Time().YearDay()
	for r := range qLats {
		for c := range qLons {
			g.Set(r, c, qValue(date.Year(), doy, r, c))
		}
	}
	return g
}

// newFixtureService seeds June 10-20 of 2022, 2023, and 2024 and returns a
// service over the published archives.
func newFixtureService(t *testing.T) (*Service, string) {
	t.Helper()
	archiveDir, tileDir := t.TempDir(), t.TempDir()

	m := archive.NewMerger(archiveDir, [3]int{4, 2, 2}, slog.Default())
	for _, year := range []int{2022, 2023, 2024} {
		var grids []*grid.CanonicalGrid
		for d := 10; d <= 20; d++ {
			grids = append(grids, qGrid(t, types.NewDay(year, time.June, d)))
		}
		_, err := m.MergeYear(types.SourceCHIRPS, year, grids)
		require.NoError(t, err)
	}

	p := pool.New(pool.Config{ArchiveDir: archiveDir, Materializers: 4, Logger: slog.Default()})
	t.Cleanup(p.Close)
	require.NoError(t, p.ReloadAll(context.Background()))

	return NewService(p, tileDir, nil, slog.Default()), tileDir
}

func fixtureRange() types.DayRange {
	return types.DayRange{Start: types.NewDay(2023, 6, 15), End: types.NewDay(2023, 6, 20)}
}

func TestHistoryReturnsFixtureSeries(t *testing.T) {
	svc, _ := newFixtureService(t)

	// Query a point near cell (row 1, col 2).
	series, err := svc.History(context.Background(), types.SourceCHIRPS, 19.04, 12.1, fixtureRange(), 0.25)
	require.NoError(t, err)
	require.Len(t, series, 6)

	for i, dv := range series {
		wantDay := types.NewDay(2023, 6, 15+i)
		assert.True(t, wantDay.Equal(dv.Date))
		assert.Equal(t, float64(qValue(2023, wantDay.Time().YearDay(), 1, 2)), dv.Value)
	}
}

func TestHistoryOutsideToleranceIsEmpty(t *testing.T) {
	svc, _ := newFixtureService(t)

	series, err := svc.History(context.Background(), types.SourceCHIRPS, 45, 12, fixtureRange(), 0.25)
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestHistoryRangeWithNoDataIsEmpty(t *testing.T) {
	svc, _ := newFixtureService(t)

	r := types.DayRange{Start: types.NewDay(2023, 1, 1), End: types.NewDay(2023, 1, 31)}
	series, err := svc.History(context.Background(), types.SourceCHIRPS, 19, 12, r, 0.25)
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestHistoryValidatesInput(t *testing.T) {
	svc, _ := newFixtureService(t)

	_, err := svc.History(context.Background(), types.SourceCHIRPS, 95, 12, fixtureRange(), 0)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidLat, appErr.Code)

	inverted := types.DayRange{Start: types.NewDay(2023, 6, 20), End: types.NewDay(2023, 6, 15)}
	_, err = svc.History(context.Background(), types.SourceCHIRPS, 19, 12, inverted, 0)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidRange, appErr.Code)
}

func TestHistorySpansYearBoundary(t *testing.T) {
	svc, _ := newFixtureService(t)

	r := types.DayRange{Start: types.NewDay(2022, 6, 19), End: types.NewDay(2024, 6, 11)}
	series, err := svc.History(context.Background(), types.SourceCHIRPS, 20, 10, r, 0.25)
	require.NoError(t, err)

	// 2 days of 2022, 11 of 2023, 2 of 2024.
	require.Len(t, series, 15)
	assert.True(t, series[0].Date.Equal(types.NewDay(2022, 6, 19)))
	assert.True(t, series[14].Date.Equal(types.NewDay(2024, 6, 11)))
}

func TestTriggersAboveFixtureMaximumIsEmpty(t *testing.T) {
	svc, _ := newFixtureService(t)

	events, err := svc.Triggers(context.Background(), TriggerParams{
		Source:    types.SourceCHIRPS,
		Lat:       19,
		Lon:       12,
		Range:     fixtureRange(),
		Threshold: 1e9,
		Operator:  types.OpAbove,
	})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTriggersFiltersByThreshold(t *testing.T) {
	svc, _ := newFixtureService(t)

	// Values at (1,2) run doy*10+6 for 2023; days 18-20 exceed doy(17 June)*10+6.
	threshold := float64(qValue(2023, types.NewDay(2023, 6, 17).Time().YearDay(), 1, 2))
	events, err := svc.Triggers(context.Background(), TriggerParams{
		Source:    types.SourceCHIRPS,
		Lat:       19,
		Lon:       12,
		Range:     fixtureRange(),
		Threshold: threshold,
		Operator:  types.OpAbove,
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Date.Equal(types.NewDay(2023, 6, 18)))
}

func TestTriggersConsecutiveRunCollapse(t *testing.T) {
	tests := []struct {
		name    string
		input   []types.DatedValue
		minLen  int
		wantLen int
	}{
		{
			name: "run long enough survives",
			input: []types.DatedValue{
				{Date: types.NewDay(2023, 6, 1)},
				{Date: types.NewDay(2023, 6, 2)},
				{Date: types.NewDay(2023, 6, 3)},
				{Date: types.NewDay(2023, 6, 7)},
			},
			minLen:  3,
			wantLen: 3,
		},
		{
			name: "short runs dropped",
			input: []types.DatedValue{
				{Date: types.NewDay(2023, 6, 1)},
				{Date: types.NewDay(2023, 6, 3)},
				{Date: types.NewDay(2023, 6, 5)},
			},
			minLen:  2,
			wantLen: 0,
		},
		{
			name:    "empty input",
			input:   nil,
			minLen:  2,
			wantLen: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := collapseRuns(tc.input, tc.minLen)
			assert.Len(t, out, tc.wantLen)
		})
	}
}

func TestTriggersAreaOversizedRadiusAtGlobalMinimumReturnsAllCells(t *testing.T) {
	svc, _ := newFixtureService(t)

	// Global minimum over the queried range is day 15 at (0,0); "above or
	// equal" is not an operator, so threshold just below it selects all.
	minVal := float64(qValue(2023, types.NewDay(2023, 6, 15).Time().YearDay(), 0, 0))
	hits, err := svc.TriggersArea(context.Background(), AreaTriggerParams{
		Source:    types.SourceCHIRPS,
		Lat:       19,
		Lon:       11.5,
		RadiusKm:  5000,
		Range:     fixtureRange(),
		Threshold: minVal - 1,
		Operator:  types.OpAbove,
	})
	require.NoError(t, err)
	require.Len(t, hits, 6)
	for _, h := range hits {
		assert.Len(t, h.Cells, len(qLats)*len(qLons))
	}
}

func TestTriggersAreaSmallRadiusSelectsOneCell(t *testing.T) {
	svc, _ := newFixtureService(t)

	hits, err := svc.TriggersArea(context.Background(), AreaTriggerParams{
		Source:    types.SourceCHIRPS,
		Lat:       19,
		Lon:       12,
		RadiusKm:  30,
		Range:     types.DayRange{Start: types.NewDay(2023, 6, 15), End: types.NewDay(2023, 6, 15)},
		Threshold: -1,
		Operator:  types.OpAbove,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Len(t, hits[0].Cells, 1)
	assert.Equal(t, 19.0, hits[0].Cells[0].Lat)
	assert.Equal(t, 12.0, hits[0].Cells[0].Lon)
}

func TestTriggersAreaRejectsBadRadius(t *testing.T) {
	svc, _ := newFixtureService(t)

	_, err := svc.TriggersArea(context.Background(), AreaTriggerParams{
		Source:   types.SourceCHIRPS,
		Lat:      19,
		Lon:      12,
		RadiusKm: 0,
		Range:    fixtureRange(),
		Operator: types.OpAbove,
	})
	assert.Error(t, err)
}

func TestPolygonStatistics(t *testing.T) {
	svc, _ := newFixtureService(t)

	// A rectangle covering rows 0-1, cols 1-2 (4 cells).
	coords := [][2]float64{
		{20.5, 10.5},
		{20.5, 12.5},
		{18.5, 12.5},
		{18.5, 10.5},
	}
	oneDay := types.DayRange{Start: types.NewDay(2023, 6, 15), End: types.NewDay(2023, 6, 15)}
	doy := types.NewDay(2023, 6, 15).Time().YearDay()

	var want [4]float64
	want[0] = float64(qValue(2023, doy, 0, 1))
	want[1] = float64(qValue(2023, doy, 0, 2))
	want[2] = float64(qValue(2023, doy, 1, 1))
	want[3] = float64(qValue(2023, doy, 1, 2))
	sum := want[0] + want[1] + want[2] + want[3]

	t.Run("mean", func(t *testing.T) {
		res, err := svc.Polygon(context.Background(), PolygonParams{
			Source:      types.SourceCHIRPS,
			Coordinates: coords,
			Range:       oneDay,
			Statistic:   types.StatMean,
		})
		require.NoError(t, err)
		assert.Equal(t, 4, res.CellCount)
		assert.Greater(t, res.AreaKm2, 0.0)
		require.Len(t, res.Values, 1)
		assert.InDelta(t, sum/4, res.Values[0].Value, 1e-6)
	})

	t.Run("max", func(t *testing.T) {
		res, err := svc.Polygon(context.Background(), PolygonParams{
			Source:      types.SourceCHIRPS,
			Coordinates: coords,
			Range:       oneDay,
			Statistic:   types.StatMax,
		})
		require.NoError(t, err)
		require.Len(t, res.Values, 1)
		assert.Equal(t, want[3], res.Values[0].Value)
	})

	t.Run("sum", func(t *testing.T) {
		res, err := svc.Polygon(context.Background(), PolygonParams{
			Source:      types.SourceCHIRPS,
			Coordinates: coords,
			Range:       oneDay,
			Statistic:   types.StatSum,
		})
		require.NoError(t, err)
		require.Len(t, res.Values, 1)
		assert.InDelta(t, sum, res.Values[0].Value, 1e-6)
	})
}

func TestPolygonOutsideGridIsEmpty(t *testing.T) {
	svc, _ := newFixtureService(t)

	coords := [][2]float64{{50, 50}, {50, 51}, {49, 51}}
	res, err := svc.Polygon(context.Background(), PolygonParams{
		Source:      types.SourceCHIRPS,
		Coordinates: coords,
		Range:       fixtureRange(),
		Statistic:   types.StatMean,
	})
	require.NoError(t, err)
	assert.Zero(t, res.CellCount)
	assert.Empty(t, res.Values)
}

func TestPolygonValidation(t *testing.T) {
	svc, _ := newFixtureService(t)

	_, err := svc.Polygon(context.Background(), PolygonParams{
		Source:      types.SourceCHIRPS,
		Coordinates: [][2]float64{{20, 10}, {19, 11}},
		Range:       fixtureRange(),
		Statistic:   types.StatMean,
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidPolygon, appErr.Code)

	_, err = svc.Polygon(context.Background(), PolygonParams{
		Source:      types.SourceCHIRPS,
		Coordinates: [][2]float64{{20, 10}, {19, 11}, {19, 10}},
		Range:       fixtureRange(),
		Statistic:   types.Statistic("median"),
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidStat, appErr.Code)
}

func TestPixelLookupReadsTileNotArchive(t *testing.T) {
	svc, tileDir := newFixtureService(t)
	date := types.NewDay(2023, 6, 15)

	// No tile published yet: absent, not an error, even though the archive
	// holds the date.
	_, ok, err := svc.PixelLookup(context.Background(), types.SourceCHIRPS, 19, 12, date)
	require.NoError(t, err)
	assert.False(t, ok)

	w := tiles.NewWriter(tileDir, nil, slog.Default())
	require.NoError(t, w.WriteTile(qGrid(t, date)))

	v, ok, err := svc.PixelLookup(context.Background(), types.SourceCHIRPS, 19, 12, date)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(qValue(2023, date.Time().YearDay(), 1, 2)), v)
}

func TestPixelLookupUnknownSource(t *testing.T) {
	svc, _ := newFixtureService(t)
	_, _, err := svc.PixelLookup(context.Background(), types.SourceID("nope"), 19, 12, types.NewDay(2023, 6, 15))
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundSource, appErr.Code)
}
