package archive

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rastermill/internal/grid"
	"rastermill/internal/types"
)

// Small axes with a tiny chunk shape so tests cross chunk boundaries in all
// three dimensions without writing megabytes.
var (
	testLats       = []float64{20, 19, 18, 17, 16}
	testLons       = []float64{10, 11, 12, 13, 14, 15, 16}
	testChunkShape = [3]int{2, 3, 4}
)

// fixtureValue is the deterministic cell value for (dayOfYear, row, col).
func fixtureValue(doy, row, col int) float32 {
	return float32(doy*1000 + row*10 + col)
}

func makeStack(t *testing.T, year int, days []types.Day) *Stack {
	t.Helper()
	s := &Stack{
		Source:   types.SourceCHIRPS,
		Variable: types.VarPrecipitationMM,
		Units:    "mm/day",
		Year:     year,
		Lats:     testLats,
		Lons:     testLons,
		Dates:    days,
	}
	for _, d := range days {
		plane := make([]float32, len(testLats)*len(testLons))
		doy := d.Time().YearDay()
		for r := range testLats {
			for c := range testLons {
				plane[r*len(testLons)+c] = fixtureValue(doy, r, c)
			}
		}
		s.Planes = append(s.Planes, plane)
	}
	return s
}

func daysIn(year int, month time.Month, from, to int) []types.Day {
	var out []types.Day
	for d := from; d <= to; d++ {
		out = append(out, types.NewDay(year, month, d))
	}
	return out
}

func TestWriteOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(types.SourceCHIRPS, 2023))

	stack := makeStack(t, 2023, daysIn(2023, 6, 10, 16))
	require.NoError(t, Write(path, stack, testChunkShape))

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 2023, a.Year())
	assert.Equal(t, "mm/day", a.Units())
	assert.Equal(t, types.VarPrecipitationMM, a.Variable())
	assert.Equal(t, testChunkShape, a.ChunkShape())
	require.Len(t, a.Dates(), 7)

	t.Run("read day equals written plane", func(t *testing.T) {
		for i := range stack.Dates {
			g, err := a.ReadDay(i)
			require.NoError(t, err)
			assert.True(t, stack.Dates[i].Equal(g.Date))
			assert.Equal(t, stack.Planes[i], g.Values)
		}
	})

	t.Run("value at crosses chunk boundaries", func(t *testing.T) {
		// (t=5, r=4, c=6) lives in the last chunk along every axis.
		v, err := a.ValueAt(5, 4, 6)
		require.NoError(t, err)
		doy := stack.Dates[5].Time().YearDay()
		assert.Equal(t, fixtureValue(doy, 4, 6), v)
	})

	t.Run("point series spans time chunks", func(t *testing.T) {
		series, err := a.PointSeries(0, 6, 2, 3)
		require.NoError(t, err)
		require.Len(t, series, 7)
		for i, d := range stack.Dates {
			assert.Equal(t, fixtureValue(d.Time().YearDay(), 2, 3), series[i])
		}
	})

	t.Run("window read matches planes", func(t *testing.T) {
		vals, err := a.ReadWindow(3, 1, 3, 2, 5)
		require.NoError(t, err)
		require.Len(t, vals, 3*4)
		doy := stack.Dates[3].Time().YearDay()
		for r := 1; r <= 3; r++ {
			for c := 2; c <= 5; c++ {
				assert.Equal(t, fixtureValue(doy, r, c), vals[(r-1)*4+(c-2)])
			}
		}
	})

	t.Run("date index", func(t *testing.T) {
		assert.Equal(t, 2, a.DateIndex(types.NewDay(2023, 6, 12)))
		assert.Equal(t, -1, a.DateIndex(types.NewDay(2023, 7, 1)))
	})
}

func TestWriteRejectsBrokenTimeAxis(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(types.SourceCHIRPS, 2023))

	t.Run("duplicate dates", func(t *testing.T) {
		stack := makeStack(t, 2023, []types.Day{
			types.NewDay(2023, 6, 10),
			types.NewDay(2023, 6, 10),
		})
		err := Write(path, stack, testChunkShape)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInternalArchiveCorrupt, appErr.Code)
	})

	t.Run("date outside year", func(t *testing.T) {
		stack := makeStack(t, 2023, []types.Day{types.NewDay(2024, 1, 1)})
		err := Write(path, stack, testChunkShape)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInternalArchiveCorrupt, appErr.Code)
	})
}

func TestNaNPaddingStaysOutOfRealCells(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(types.SourceCHIRPS, 2023))

	stack := makeStack(t, 2023, daysIn(2023, 6, 10, 10))
	// Mark one real cell NaN to confirm NaN round-trips too.
	stack.Planes[0][0] = grid.NaN
	require.NoError(t, Write(path, stack, testChunkShape))

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	g, err := a.ReadDay(0)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(g.Values[0])))
	for i := 1; i < len(g.Values); i++ {
		assert.False(t, math.IsNaN(float64(g.Values[i])), "cell %d", i)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.rma"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "no such file")
}
