package tiles

import (
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rastermill/internal/grid"
	"rastermill/internal/types"
)

// Axes larger than one block on each side so lookups cross block boundaries.
func bigAxes() (lats, lons []float64) {
	for i := 0; i < 70; i++ {
		lats = append(lats, 30-float64(i)*0.1)
	}
	for i := 0; i < 80; i++ {
		lons = append(lons, -100+float64(i)*0.1)
	}
	return lats, lons
}

func tileFixture(t *testing.T) *grid.CanonicalGrid {
	t.Helper()
	lats, lons := bigAxes()
	g := grid.NewCanonicalGrid(types.SourceERA5Temp, types.VarTemperatureC, types.NewDay(2023, 6, 15), lats, lons)
	g.Units = "degC"
	for r := range lats {
		for c := range lons {
			g.Set(r, c, float32(r*100+c))
		}
	}
	return g
}

// recordingNotifier captures index invalidation signals.
type recordingNotifier struct {
	invalidated []types.SourceID
	err         error
}

func (n *recordingNotifier) InvalidateIndex(source types.SourceID) error {
	n.invalidated = append(n.invalidated, source)
	return n.err
}

func TestWriteAndReadTile(t *testing.T) {
	w := NewWriter(t.TempDir(), nil, slog.Default())
	g := tileFixture(t)
	require.NoError(t, w.WriteTile(g))

	tile, err := OpenTile(w.TilePath(g.Source, g.Date))
	require.NoError(t, err)
	defer tile.Close()

	assert.Equal(t, "degC", tile.Units())
	bbox := tile.BBox()
	assert.InDelta(t, g.Lats[len(g.Lats)-1], bbox[0], 1e-9)
	assert.InDelta(t, g.Lats[0], bbox[2], 1e-9)

	t.Run("full grid round-trips", func(t *testing.T) {
		back, err := tile.ReadGrid()
		require.NoError(t, err)
		assert.True(t, g.Date.Equal(back.Date))
		assert.Equal(t, g.Values, back.Values)
	})

	t.Run("pixel lookup in a far block", func(t *testing.T) {
		// Row 68, col 75 sit in the last block row and column.
		v, ok, err := tile.PixelLookup(g.Lats[68], g.Lons[75])
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(68*100+75), v)
	})

	t.Run("invalid coordinates rejected", func(t *testing.T) {
		_, _, err := tile.PixelLookup(95, 0)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeValidationInvalidLat, appErr.Code)
	})
}

func TestPixelLookupNaNReportsAbsent(t *testing.T) {
	w := NewWriter(t.TempDir(), nil, slog.Default())
	g := tileFixture(t)
	g.Set(10, 20, grid.NaN)
	require.NoError(t, w.WriteTile(g))

	tile, err := OpenTile(w.TilePath(g.Source, g.Date))
	require.NoError(t, err)
	defer tile.Close()

	v, ok, err := tile.PixelLookup(g.Lats[10], g.Lons[20])
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, v)

	// The NaN is real data, not padding leakage: neighbors survive.
	v, ok, err = tile.PixelLookup(g.Lats[10], g.Lons[21])
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, math.IsNaN(v))
}

func TestPixelLookupOutsideCoverage(t *testing.T) {
	w := NewWriter(t.TempDir(), nil, slog.Default())
	g := tileFixture(t)
	require.NoError(t, w.WriteTile(g))

	tile, err := OpenTile(w.TilePath(g.Source, g.Date))
	require.NoError(t, err)
	defer tile.Close()

	// Valid WGS84 points far from the tile must not snap to an edge pixel.
	tests := []struct {
		name     string
		lat, lon float64
		want     bool
	}{
		{"far south", -40, -96, false},
		{"far east", 26, 30, false},
		{"equator off-grid", 0, -100, false},
		{"just north within half a cell", 30.04, -100, true},
		{"just north beyond half a cell", 30.2, -100, false},
		{"just west beyond half a cell", 26, -100.2, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, ok, err := tile.PixelLookup(tc.lat, tc.lon)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			if !tc.want {
				assert.Zero(t, v)
			}
		})
	}
}

func TestWriteTileRejectsInvalidGrid(t *testing.T) {
	w := NewWriter(t.TempDir(), nil, slog.Default())
	g := tileFixture(t)
	g.Values = g.Values[:3]
	assert.Error(t, w.WriteTile(g))
}

func TestSignalBatchDone(t *testing.T) {
	notifier := &recordingNotifier{}
	w := NewWriter(t.TempDir(), notifier, slog.Default())

	w.SignalBatchDone(types.SourceERA5Temp)
	require.Len(t, notifier.invalidated, 1)
	assert.Equal(t, types.SourceERA5Temp, notifier.invalidated[0])

	// Notifier failure is swallowed: tiles are already published.
	notifier.err = assert.AnError
	w.SignalBatchDone(types.SourceERA5Temp)
	assert.Len(t, notifier.invalidated, 2)
}

func TestRewriteReplacesTileAtomically(t *testing.T) {
	w := NewWriter(t.TempDir(), nil, slog.Default())
	g := tileFixture(t)
	require.NoError(t, w.WriteTile(g))

	g.Set(0, 0, 4242)
	require.NoError(t, w.WriteTile(g))

	tile, err := OpenTile(w.TilePath(g.Source, g.Date))
	require.NoError(t, err)
	defer tile.Close()

	v, ok, err := tile.PixelLookup(g.Lats[0], g.Lons[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(4242), v)
}
