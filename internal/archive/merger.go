package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"rastermill/internal/grid"
	"rastermill/internal/types"
)

// Merger appends newly produced dates into year-partitioned archives.
// Years are independent units: at most one merge is in flight per
// (source, year), enforced by per-key locks rather than external locking,
// so overlapping orchestrator runs for the same year serialize here.
type Merger struct {
	dir        string
	chunkShape [3]int
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMerger creates a Merger rooted at the archive directory. Archives are
// laid out as {dir}/{source}/{source}_{year}.rma.
func NewMerger(dir string, chunkShape [3]int, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkShape == [3]int{} {
		chunkShape = DefaultChunkShape
	}
	return &Merger{
		dir:        dir,
		chunkShape: chunkShape,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

// MergeResult summarizes one year merge.
type MergeResult struct {
	Merged  []types.Day // dates newly added to the archive
	Skipped []types.Day // dates dropped for schema drift; next run retries them
	Present int         // incoming dates the archive already held
}

// ArchivePath returns the published path of a source/year archive.
func (m *Merger) ArchivePath(source types.SourceID, year int) string {
	return filepath.Join(m.dir, string(source), FileName(source, year))
}

func (m *Merger) yearLock(source types.SourceID, year int) *sync.Mutex {
	key := fmt.Sprintf("%s/%d", source, year)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// MergeYear merges a batch of canonical grids belonging to one calendar year
// into that year's archive, creating it on first write.
//
// Per-date schema drift is not fatal: the date is logged, skipped, and left
// for the next run's gap set. A post-merge time-axis violation is fatal for
// the whole operation; the published file is untouched because all writes
// happen on a staged copy.
func (m *Merger) MergeYear(source types.SourceID, year int, grids []*grid.CanonicalGrid) (MergeResult, error) {
	var res MergeResult
	if len(grids) == 0 {
		return res, nil
	}
	for _, g := range grids {
		if g.Date.Year() != year {
			return res, fmt.Errorf("grid dated %s handed to merge for year %d", g.Date, year)
		}
	}

	lock := m.yearLock(source, year)
	lock.Lock()
	defer lock.Unlock()

	path := m.ArchivePath(source, year)
	stack, err := m.loadExisting(path, source, grids[0])
	if err != nil {
		return res, err
	}

	canonical := grid.Schema{Lats: stack.Lats, Lons: stack.Lons}
	present := make(map[string]bool, len(stack.Dates))
	for _, d := range stack.Dates {
		present[d.String()] = true
	}

	for _, g := range grids {
		aligned, err := grid.Reconcile(g, canonical)
		if err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.Code == types.ErrCodeInternalSchemaDrift {
				m.logger.Warn("skipping date with unreconcilable schema drift",
					"source", source,
					"date", g.Date.String(),
					"error", err,
				)
				res.Skipped = append(res.Skipped, g.Date)
				continue
			}
			return res, err
		}
		// A concurrent run may have merged the date after gap detection.
		if present[aligned.Date.String()] {
			res.Present++
			continue
		}
		present[aligned.Date.String()] = true
		stack.Dates = append(stack.Dates, aligned.Date)
		stack.Planes = append(stack.Planes, aligned.Values)
		res.Merged = append(res.Merged, aligned.Date)
	}

	if len(res.Merged) == 0 {
		m.logger.Info("merge produced no new dates",
			"source", source,
			"year", year,
			"already_present", res.Present,
			"skipped", len(res.Skipped),
		)
		return res, nil
	}

	sortStack(stack)
	if err := stack.CheckMonotonic(); err != nil {
		return res, err
	}

	if err := Write(path, stack, m.chunkShape); err != nil {
		return res, fmt.Errorf("writing merged archive %s: %w", path, err)
	}

	m.logger.Info("merged archive published",
		"source", source,
		"year", year,
		"dates_added", len(res.Merged),
		"dates_total", len(stack.Dates),
		"skipped", len(res.Skipped),
	)
	return res, nil
}

// loadExisting reads the current year archive into a Stack, or seeds a new
// stack from the first incoming grid when no archive exists yet. The first
// grid of a source's first year establishes the canonical schema.
func (m *Merger) loadExisting(path string, source types.SourceID, seed *grid.CanonicalGrid) (*Stack, error) {
	a, err := Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := seed.Validate(); err != nil {
			return nil, fmt.Errorf("seed grid invalid: %w", err)
		}
		return &Stack{
			Source:   source,
			Variable: seed.Variable,
			Units:    seed.Units,
			Year:     seed.Date.Year(),
			Lats:     seed.Lats,
			Lons:     seed.Lons,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	defer a.Close()

	stack := &Stack{
		Source:   source,
		Variable: a.Variable(),
		Units:    a.Units(),
		Year:     a.Year(),
		Lats:     a.Schema().Lats,
		Lons:     a.Schema().Lons,
	}
	for i := range a.Dates() {
		g, err := a.ReadDay(i)
		if err != nil {
			return nil, err
		}
		stack.Dates = append(stack.Dates, g.Date)
		stack.Planes = append(stack.Planes, g.Values)
	}
	return stack, nil
}

// sortStack orders dates and planes together by date ascending.
func sortStack(s *Stack) {
	idx := make([]int, len(s.Dates))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return s.Dates[idx[a]].Before(s.Dates[idx[b]]) })

	dates := make([]types.Day, len(idx))
	planes := make([][]float32, len(idx))
	for i, j := range idx {
		dates[i] = s.Dates[j]
		planes[i] = s.Planes[j]
	}
	s.Dates = dates
	s.Planes = planes
}
