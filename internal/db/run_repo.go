package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rastermill/internal/types"
)

// RunRepo provides data access for the ingest_runs ledger table.
//
//	CREATE TABLE ingest_runs (
//	    id            UUID PRIMARY KEY,
//	    source        TEXT NOT NULL,
//	    range_start   DATE NOT NULL,
//	    range_end     DATE NOT NULL,
//	    tiles_written INT NOT NULL,
//	    dates_merged  INT NOT NULL,
//	    dates_failed  INT NOT NULL,
//	    status        TEXT NOT NULL,
//	    duration_ms   BIGINT NOT NULL,
//	    started_at    TIMESTAMPTZ NOT NULL
//	);
type RunRepo struct {
	db DBTX
}

// NewRunRepo creates a RunRepo backed by the given connection.
func NewRunRepo(db DBTX) *RunRepo {
	return &RunRepo{db: db}
}

// Insert records a completed ingestion run. The ID is generated here when
// the run does not carry one.
func (r *RunRepo) Insert(ctx context.Context, run *types.IngestRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO ingest_runs
		    (id, source, range_start, range_end, tiles_written, dates_merged,
		     dates_failed, status, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, string(run.Source), run.RangeStart.Time(), run.RangeEnd.Time(),
		run.TilesWritten, run.DatesMerged, run.DatesFailed,
		string(run.Status), run.Duration.Milliseconds(), run.StartedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("inserting ingest run for %s", run.Source), err)
	}
	return nil
}

// ListRecent returns the most recent runs across all sources, newest first.
func (r *RunRepo) ListRecent(ctx context.Context, limit int) ([]types.IngestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, source, range_start, range_end, tiles_written, dates_merged,
		       dates_failed, status, duration_ms, started_at
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "listing ingest runs", err)
	}
	defer rows.Close()

	var out []types.IngestRun
	for rows.Next() {
		var (
			run        types.IngestRun
			source     string
			start, end time.Time
			status     string
			durationMS int64
		)
		if err := rows.Scan(&run.ID, &source, &start, &end, &run.TilesWritten,
			&run.DatesMerged, &run.DatesFailed, &status, &durationMS, &run.StartedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "scanning ingest run row", err)
		}
		run.Source = types.SourceID(source)
		run.RangeStart = types.DayOf(start)
		run.RangeEnd = types.DayOf(end)
		run.Status = types.RunStatus(status)
		run.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "iterating ingest run rows", err)
	}
	return out, nil
}
