// Package lightning reduces minute-resolution flash-count samples into one
// daily grid of 30-minute-window maxima. The window set is anchored 29
// minutes before midnight so that a storm straddling the day boundary is
// attributed to the day in which its window ends, never split across two
// days. Output values are normalized by per-pixel geographic area; both the
// tile store and the archive receive the same normalized grid, keeping the
// two representations in agreement.
package lightning

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"rastermill/internal/grid"
	"rastermill/internal/types"
)

const (
	// WindowMinutes is the fixed aggregation window length.
	WindowMinutes = 30

	// LeadMinutes is how far before local midnight the sample span starts.
	// 29 leading samples put the first window's end-instant one minute into
	// the target day.
	LeadMinutes = 29

	// FullDaySampleCount is the expected sample count for a complete day:
	// 29 leading minutes plus the 1,440 minutes of the day itself.
	FullDaySampleCount = LeadMinutes + 24*60
)

// MinuteSample is one minute of flash counts on the source's fixed axes.
type MinuteSample struct {
	Time   time.Time
	Counts []float32 // row-major, may be nil for a missing minute
}

// Result carries the aggregated day grid plus attribution metadata.
type Result struct {
	Grid *grid.CanonicalGrid

	// WindowEnd[i] is the end instant of the window that produced cell i's
	// maximum, zero when the cell never saw a flash.
	WindowEnd []time.Time

	// WindowsUsed is the number of complete windows that ended inside the
	// target day. Less than the full set indicates reduced completeness.
	WindowsUsed int

	// Complete is false when leading samples were unavailable and the
	// window set was shortened.
	Complete bool
}

// Aggregator turns minute samples into daily window-maximum grids.
type Aggregator struct {
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger}
}

// SpanStart returns the first sample instant for a target day.
func SpanStart(date types.Day) time.Time {
	return date.Time().Add(-LeadMinutes * time.Minute)
}

// Aggregate reduces the sample span for one day. Samples must be minute-
// aligned and ordered ascending; gaps are tolerated (missing minutes simply
// contribute nothing). If the leading samples from the prior day are absent
// the window set shrinks and a reduced-completeness warning is logged
// rather than failing the day.
func (a *Aggregator) Aggregate(date types.Day, lats, lons []float64, samples []MinuteSample) (*Result, error) {
	if len(lats) == 0 || len(lons) == 0 {
		return nil, fmt.Errorf("empty axes for %s", date)
	}
	cells := len(lats) * len(lons)
	for _, s := range samples {
		if s.Counts != nil && len(s.Counts) != cells {
			return nil, fmt.Errorf("sample at %s has %d cells, want %d", s.Time, len(s.Counts), cells)
		}
	}

	spanStart := SpanStart(date)
	dayEnd := date.AddDays(1).Time()

	// Bucket samples by minute offset from the span start.
	offsets := make(map[int][]float32, len(samples))
	haveLead := false
	for _, s := range samples {
		off := int(s.Time.Sub(spanStart) / time.Minute)
		if off < 0 || off >= FullDaySampleCount {
			continue
		}
		offsets[off] = s.Counts
		if off < LeadMinutes {
			haveLead = true
		}
	}

	res := &Result{
		Grid:      grid.NewCanonicalGrid(types.SourceGLM, types.VarFlashDensity, date, lats, lons),
		WindowEnd: make([]time.Time, cells),
		Complete:  haveLead,
	}
	res.Grid.Units = "flashes/km2/30min"

	// Window j spans sample offsets [30j, 30j+30); its end instant is
	// spanStart + (30j+30) minutes. Keep exactly the windows whose end
	// falls inside the target calendar day.
	windowSum := make([]float64, cells)
	anyData := make([]bool, cells)
	maxVal := make([]float64, cells)
	for i := range maxVal {
		maxVal[i] = math.Inf(-1)
	}

	for j := 0; ; j++ {
		end := spanStart.Add(time.Duration((j+1)*WindowMinutes) * time.Minute)
		if end.After(dayEnd) {
			break
		}
		if !end.After(date.Time()) {
			continue // window ends before the day begins
		}

		for i := range windowSum {
			windowSum[i] = 0
		}
		windowHasData := false
		for m := j * WindowMinutes; m < (j+1)*WindowMinutes; m++ {
			counts, ok := offsets[m]
			if !ok || counts == nil {
				continue
			}
			windowHasData = true
			for i, c := range counts {
				if !math.IsNaN(float64(c)) {
					windowSum[i] += float64(c)
				}
			}
		}
		if !windowHasData {
			continue
		}
		res.WindowsUsed++

		for i := range windowSum {
			anyData[i] = true
			if windowSum[i] > maxVal[i] {
				maxVal[i] = windowSum[i]
				res.WindowEnd[i] = end
			}
		}
	}

	// Normalize per-pixel counts to density per km^2. Pixel area varies
	// with latitude under the fixed geographic projection, so the divisor
	// is computed per row rather than at a single reference latitude.
	dLat := axisStep(lats)
	dLon := axisStep(lons)
	for row := 0; row < len(lats); row++ {
		area := grid.PixelAreaKm2(lats[row], dLat, dLon)
		for col := 0; col < len(lons); col++ {
			i := row*len(lons) + col
			if !anyData[i] {
				continue // cell stays NaN: no observed windows
			}
			res.Grid.Values[i] = float32(maxVal[i] / area)
		}
	}

	if !res.Complete {
		a.logger.Warn("aggregating with reduced completeness, leading samples unavailable",
			"date", date.String(),
			"windows_used", res.WindowsUsed,
		)
	}
	return res, nil
}

func axisStep(axis []float64) float64 {
	if len(axis) < 2 {
		return 1
	}
	return axis[1] - axis[0]
}
