package ingest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rastermill/internal/archive"
	"rastermill/internal/gaps"
	"rastermill/internal/grid"
	"rastermill/internal/sources"
	"rastermill/internal/tiles"
	"rastermill/internal/types"
)

var (
	runLats = []float64{20, 19, 18}
	runLons = []float64{10, 11, 12, 13}
)

// stubAdapter serves canned grids and failures per date.
type stubAdapter struct {
	source  types.SourceID
	grids   map[string]*grid.CanonicalGrid
	errs    map[string]error
	fetched []types.Day
}

func (a *stubAdapter) Source() types.SourceID { return a.source }

func (a *stubAdapter) FetchDaily(_ context.Context, date types.Day) (*grid.CanonicalGrid, error) {
	a.fetched = append(a.fetched, date)
	if err, ok := a.errs[date.String()]; ok {
		return nil, err
	}
	if g, ok := a.grids[date.String()]; ok {
		return g, nil
	}
	return nil, sources.ErrPermanentlyAbsent
}

type recordingLedger struct {
	runs []types.IngestRun
	err  error
}

func (l *recordingLedger) Insert(_ context.Context, run *types.IngestRun) error {
	if l.err != nil {
		return l.err
	}
	l.runs = append(l.runs, *run)
	return nil
}

type recordingReloader struct {
	reloaded []types.SourceID
}

func (r *recordingReloader) Reload(_ context.Context, source types.SourceID) error {
	r.reloaded = append(r.reloaded, source)
	return nil
}

func runGrid(t *testing.T, date types.Day) *grid.CanonicalGrid {
	t.Helper()
	g := grid.NewCanonicalGrid(types.SourceCHIRPS, types.VarPrecipitationMM, date, runLats, runLons)
	g.Units = "mm/day"
	for i := range g.Values {
		g.Values[i] = float32(date.Time().YearDay())
	}
	return g
}

type runFixture struct {
	runner   *Runner
	adapter  *stubAdapter
	ledger   *recordingLedger
	reloader *recordingReloader
	tileDir  string
	archDir  string
	clock    *clockwork.FakeClock
}

func newRunFixture(t *testing.T, adapter *stubAdapter) *runFixture {
	t.Helper()
	f := &runFixture{
		adapter:  adapter,
		ledger:   &recordingLedger{},
		reloader: &recordingReloader{},
		tileDir:  t.TempDir(),
		archDir:  t.TempDir(),
		clock:    clockwork.NewFakeClockAt(time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.runner = NewRunner(Config{
		Detector: gaps.NewDetector(f.tileDir, f.archDir, slog.Default()),
		Adapters: sources.NewRegistry(adapter),
		Tiles:    tiles.NewWriter(f.tileDir, nil, slog.Default()),
		Merger:   archive.NewMerger(f.archDir, [3]int{4, 2, 2}, slog.Default()),
		Ledger:   f.ledger,
		Reloader: f.reloader,
		Clock:    f.clock,
		Logger:   slog.Default(),
		Workers:  2,
	})
	return f
}

func juneRange(from, to int) types.DayRange {
	return types.DayRange{Start: types.NewDay(2023, 6, from), End: types.NewDay(2023, 6, to)}
}

func TestRunSourceFillsBothStores(t *testing.T) {
	adapter := &stubAdapter{source: types.SourceCHIRPS, grids: map[string]*grid.CanonicalGrid{}}
	for d := 10; d <= 12; d++ {
		date := types.NewDay(2023, 6, d)
		adapter.grids[date.String()] = runGrid(t, date)
	}

	f := newRunFixture(t, adapter)
	run, err := f.runner.RunSource(context.Background(), types.SourceCHIRPS, juneRange(10, 12))
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, run.Status)
	assert.Equal(t, 3, run.TilesWritten)
	assert.Equal(t, 3, run.DatesMerged)
	assert.Zero(t, run.DatesFailed)
	assert.Equal(t, []types.SourceID{types.SourceCHIRPS}, f.reloader.reloaded)
	require.Len(t, f.ledger.runs, 1)
	assert.Equal(t, types.RunSucceeded, f.ledger.runs[0].Status)

	// Both stores now answer the gap detector.
	gs, err := gaps.NewDetector(f.tileDir, f.archDir, slog.Default()).
		Detect(types.SourceCHIRPS, juneRange(10, 12))
	require.NoError(t, err)
	assert.Empty(t, gs.MissingTiles)
	assert.Empty(t, gs.MissingArchive)
}

func TestRunSourceSecondRunIsNoOp(t *testing.T) {
	adapter := &stubAdapter{source: types.SourceCHIRPS, grids: map[string]*grid.CanonicalGrid{}}
	for d := 10; d <= 11; d++ {
		date := types.NewDay(2023, 6, d)
		adapter.grids[date.String()] = runGrid(t, date)
	}

	f := newRunFixture(t, adapter)
	_, err := f.runner.RunSource(context.Background(), types.SourceCHIRPS, juneRange(10, 11))
	require.NoError(t, err)
	firstFetches := len(adapter.fetched)

	run, err := f.runner.RunSource(context.Background(), types.SourceCHIRPS, juneRange(10, 11))
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, run.Status)
	assert.Zero(t, run.TilesWritten)
	assert.Zero(t, run.DatesMerged)
	assert.Equal(t, firstFetches, len(adapter.fetched), "no re-downloads for filled dates")
	assert.Len(t, f.reloader.reloaded, 1, "no reload without archive change")
}

func TestRunSourcePartialOnDateFailure(t *testing.T) {
	adapter := &stubAdapter{
		source: types.SourceCHIRPS,
		grids: map[string]*grid.CanonicalGrid{
			types.NewDay(2023, 6, 10).String(): runGrid(t, types.NewDay(2023, 6, 10)),
		},
		errs: map[string]error{
			types.NewDay(2023, 6, 11).String(): types.NewAppError(types.ErrCodeUpstreamUnavailable, "boom", nil),
		},
	}

	f := newRunFixture(t, adapter)
	run, err := f.runner.RunSource(context.Background(), types.SourceCHIRPS, juneRange(10, 11))
	require.NoError(t, err)

	assert.Equal(t, types.RunPartial, run.Status)
	assert.Equal(t, 1, run.TilesWritten)
	assert.Equal(t, 1, run.DatesMerged)
	assert.Equal(t, 1, run.DatesFailed)

	// The failed date stays in the gap set for the next run.
	gs, derr := gaps.NewDetector(f.tileDir, f.archDir, slog.Default()).
		Detect(types.SourceCHIRPS, juneRange(10, 11))
	require.NoError(t, derr)
	assert.Equal(t, []types.Day{types.NewDay(2023, 6, 11)}, gs.MissingTiles)
}

func TestRunSourceAbsenceIsNotFailure(t *testing.T) {
	adapter := &stubAdapter{
		source: types.SourceCHIRPS,
		grids: map[string]*grid.CanonicalGrid{
			types.NewDay(2023, 6, 10).String(): runGrid(t, types.NewDay(2023, 6, 10)),
		},
		errs: map[string]error{
			types.NewDay(2023, 6, 11).String(): sources.ErrNotYetPublished,
			types.NewDay(2023, 6, 12).String(): sources.ErrPermanentlyAbsent,
		},
	}

	f := newRunFixture(t, adapter)
	run, err := f.runner.RunSource(context.Background(), types.SourceCHIRPS, juneRange(10, 12))
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, run.Status)
	assert.Equal(t, 1, run.TilesWritten)
	assert.Zero(t, run.DatesFailed)
}

func TestRunSourceAllDatesFailing(t *testing.T) {
	adapter := &stubAdapter{
		source: types.SourceCHIRPS,
		errs: map[string]error{
			types.NewDay(2023, 6, 10).String(): types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil),
			types.NewDay(2023, 6, 11).String(): types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil),
		},
	}

	f := newRunFixture(t, adapter)
	run, err := f.runner.RunSource(context.Background(), types.SourceCHIRPS, juneRange(10, 11))
	require.NoError(t, err)

	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, 2, run.DatesFailed)
	assert.Empty(t, f.reloader.reloaded)
}

func TestRunSourceUnknownSource(t *testing.T) {
	f := newRunFixture(t, &stubAdapter{source: types.SourceCHIRPS})

	_, err := f.runner.RunSource(context.Background(), types.SourceERA5Temp, juneRange(10, 11))
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundSource, appErr.Code)
}

func TestRunSourceLedgerFailureIsNotFatal(t *testing.T) {
	adapter := &stubAdapter{
		source: types.SourceCHIRPS,
		grids: map[string]*grid.CanonicalGrid{
			types.NewDay(2023, 6, 10).String(): runGrid(t, types.NewDay(2023, 6, 10)),
		},
	}
	f := newRunFixture(t, adapter)
	f.ledger.err = assert.AnError

	run, err := f.runner.RunSource(context.Background(), types.SourceCHIRPS, juneRange(10, 10))
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, run.Status)
}

func TestRunSourceFillsOnlyMissingStore(t *testing.T) {
	date := types.NewDay(2023, 6, 10)
	adapter := &stubAdapter{
		source: types.SourceCHIRPS,
		grids:  map[string]*grid.CanonicalGrid{date.String(): runGrid(t, date)},
	}
	f := newRunFixture(t, adapter)

	// Pre-publish the tile so only the archive is missing.
	require.NoError(t, tiles.NewWriter(f.tileDir, nil, slog.Default()).WriteTile(runGrid(t, date)))

	run, err := f.runner.RunSource(context.Background(), types.SourceCHIRPS, juneRange(10, 10))
	require.NoError(t, err)

	assert.Zero(t, run.TilesWritten)
	assert.Equal(t, 1, run.DatesMerged)
	assert.Equal(t, types.RunSucceeded, run.Status)
}
