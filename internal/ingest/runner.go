// Package ingest orchestrates one pipeline run per source: detect gaps,
// fetch the union of missing dates through a bounded worker pool, publish
// tiles, and merge archive batches per year. Runs are idempotent and
// resumable: every step consults what is already on disk, and a failed date
// simply stays in the next run's gap set.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"rastermill/internal/archive"
	"rastermill/internal/gaps"
	"rastermill/internal/grid"
	"rastermill/internal/observability"
	"rastermill/internal/sources"
	"rastermill/internal/tiles"
	"rastermill/internal/types"
)

// DefaultWorkers is the download concurrency per run. Sized by provider
// throttling, not CPU count.
const DefaultWorkers = 8

// RunLedger records completed runs. Satisfied by db.RunRepo.
type RunLedger interface {
	Insert(ctx context.Context, run *types.IngestRun) error
}

// Reloader is notified after a source's archives change, so an in-process
// query pool can swap to the newly published files.
type Reloader interface {
	Reload(ctx context.Context, source types.SourceID) error
}

// Config wires a Runner.
type Config struct {
	Detector *gaps.Detector
	Adapters *sources.Registry
	Tiles    *tiles.Writer
	Merger   *archive.Merger
	Ledger   RunLedger              // optional
	Reloader Reloader               // optional
	Metrics  *observability.Metrics // optional
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Workers  int
}

// Runner executes per-source ingestion runs.
type Runner struct {
	detector *gaps.Detector
	adapters *sources.Registry
	tiles    *tiles.Writer
	merger   *archive.Merger
	ledger   RunLedger
	reloader Reloader
	metrics  *observability.Metrics
	clock    clockwork.Clock
	logger   *slog.Logger
	workers  int
}

// NewRunner creates a Runner from the config, applying defaults.
func NewRunner(cfg Config) *Runner {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{
		detector: cfg.Detector,
		adapters: cfg.Adapters,
		tiles:    cfg.Tiles,
		merger:   cfg.Merger,
		ledger:   cfg.Ledger,
		reloader: cfg.Reloader,
		metrics:  cfg.Metrics,
		clock:    clock,
		logger:   logger,
		workers:  workers,
	}
}

// fetchOutcome is one date's download result.
type fetchOutcome struct {
	date types.Day
	grid *grid.CanonicalGrid
	err  error
}

// RunSource executes one full ingestion run for a source over a date range
// and returns the ledger record describing it. The error return is non-nil
// only for failures that prevented the run from proceeding at all (bad
// range, unknown source, gap detection failure); per-date failures are
// isolated and reflected in the record's counters.
func (r *Runner) RunSource(ctx context.Context, source types.SourceID, dayRange types.DayRange) (types.IngestRun, error) {
	started := r.clock.Now()
	run := types.IngestRun{
		Source:     source,
		RangeStart: dayRange.Start,
		RangeEnd:   dayRange.End,
		StartedAt:  started,
	}

	if r.metrics != nil {
		r.metrics.IngestRunning.Set(1)
		defer r.metrics.IngestRunning.Set(0)
	}

	adapter, err := r.adapters.Get(source)
	if err != nil {
		return run, err
	}

	gapSet, err := r.detector.Detect(source, dayRange)
	if err != nil {
		return run, err
	}

	outcomes := r.fetchAll(ctx, adapter, gapSet.Union())

	run.TilesWritten = r.writeTiles(source, gapSet, outcomes)
	merged, skipped := r.mergeArchives(ctx, source, gapSet, outcomes)
	run.DatesMerged = merged

	failed := skipped
	for _, o := range outcomes {
		if o.err != nil && !errors.Is(o.err, sources.ErrNotYetPublished) && !errors.Is(o.err, sources.ErrPermanentlyAbsent) {
			failed++
		}
	}
	run.DatesFailed = failed

	switch {
	case failed == 0:
		run.Status = types.RunSucceeded
	case run.TilesWritten > 0 || merged > 0:
		run.Status = types.RunPartial
	default:
		run.Status = types.RunFailed
	}
	run.Duration = r.clock.Now().Sub(started)

	if r.metrics != nil {
		r.metrics.RunDuration.WithLabelValues(string(source)).Observe(run.Duration.Seconds())
	}
	if r.ledger != nil {
		if err := r.ledger.Insert(ctx, &run); err != nil {
			// The stores are already consistent; a ledger miss only loses
			// operational history.
			r.logger.ErrorContext(ctx, "recording ingest run failed",
				"source", source,
				"error", err,
			)
		}
	}

	r.logger.InfoContext(ctx, "ingest run complete",
		"source", source,
		"status", string(run.Status),
		"tiles_written", run.TilesWritten,
		"dates_merged", run.DatesMerged,
		"dates_failed", run.DatesFailed,
		"duration", run.Duration.String(),
	)
	return run, nil
}

// fetchAll downloads all needed dates through the bounded worker pool.
// Each worker's failure is isolated: it lands in that date's outcome and
// never cancels sibling downloads.
func (r *Runner) fetchAll(ctx context.Context, adapter sources.Adapter, dates []types.Day) map[string]fetchOutcome {
	outcomes := make(map[string]fetchOutcome, len(dates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, date := range dates {
		g.Go(func() error {
			cg, err := adapter.FetchDaily(gctx, date)
			if err == nil {
				err = cg.Validate()
			}

			mu.Lock()
			outcomes[date.String()] = fetchOutcome{date: date, grid: cg, err: err}
			mu.Unlock()

			r.observeFetch(adapter.Source(), err)
			if err != nil && !errors.Is(err, sources.ErrNotYetPublished) && !errors.Is(err, sources.ErrPermanentlyAbsent) {
				r.logger.WarnContext(gctx, "date fetch failed",
					"source", adapter.Source(),
					"date", date.String(),
					"error", err,
				)
			}
			return nil
		})
	}
	// Workers always return nil; Wait only observes context cancellation.
	_ = g.Wait()
	return outcomes
}

func (r *Runner) observeFetch(source types.SourceID, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, sources.ErrNotYetPublished):
		outcome = "not_ready"
	case errors.Is(err, sources.ErrPermanentlyAbsent):
		outcome = "absent"
	case err != nil:
		outcome = "error"
	}
	r.metrics.DatesFetched.WithLabelValues(string(source), outcome).Inc()
}

// writeTiles publishes a tile for every fetched date in the missing-tiles
// list, then signals the external tile server once for the batch.
func (r *Runner) writeTiles(source types.SourceID, gapSet gaps.GapSet, outcomes map[string]fetchOutcome) int {
	written := 0
	for _, date := range gapSet.MissingTiles {
		o, ok := outcomes[date.String()]
		if !ok || o.err != nil {
			continue
		}
		if err := r.tiles.WriteTile(o.grid); err != nil {
			r.logger.Warn("tile write failed",
				"source", source,
				"date", date.String(),
				"error", err,
			)
			continue
		}
		written++
		if r.metrics != nil {
			r.metrics.TilesWritten.WithLabelValues(string(source)).Inc()
		}
	}
	if written > 0 {
		r.tiles.SignalBatchDone(source)
	}
	return written
}

// mergeArchives groups fetched missing-archive dates by calendar year and
// merges each year batch. Returns merged and skipped date counts.
func (r *Runner) mergeArchives(ctx context.Context, source types.SourceID, gapSet gaps.GapSet, outcomes map[string]fetchOutcome) (merged, skipped int) {
	byYear := make(map[int][]*grid.CanonicalGrid)
	for _, date := range gapSet.MissingArchive {
		o, ok := outcomes[date.String()]
		if !ok || o.err != nil {
			continue
		}
		byYear[date.Year()] = append(byYear[date.Year()], o.grid)
	}

	changed := false
	for year, batch := range byYear {
		res, err := r.merger.MergeYear(source, year, batch)
		if err != nil {
			// Fatal for this year's batch; the dates stay in the next
			// run's missing_archive set.
			r.logger.ErrorContext(ctx, "year merge failed",
				"source", source,
				"year", year,
				"error", err,
			)
			skipped += len(batch)
			continue
		}
		merged += len(res.Merged)
		skipped += len(res.Skipped)
		if len(res.Merged) > 0 {
			changed = true
		}
		if r.metrics != nil {
			r.metrics.DatesMerged.WithLabelValues(string(source)).Add(float64(len(res.Merged)))
			r.metrics.DatesSkipped.WithLabelValues(string(source), "schema_drift").Add(float64(len(res.Skipped)))
		}
	}

	if changed && r.reloader != nil {
		if err := r.reloader.Reload(ctx, source); err != nil {
			r.logger.WarnContext(ctx, "pool reload after merge failed",
				"source", source,
				"error", err,
			)
		}
	}
	return merged, skipped
}
