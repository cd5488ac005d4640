// Package gaps computes which calendar dates are missing from each storage
// representation. Tile and archive gap sets are computed independently
// because the two stores fall out of sync whenever a prior run fails after
// writing one but not the other; the asymmetry is what makes reruns
// idempotent and resumable.
package gaps

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"rastermill/internal/archive"
	"rastermill/internal/types"
)

// GapSet holds the two independent missing-date lists for one detection
// run. Each list independently drives whether the tile writer and/or the
// archive merger run for a given date.
type GapSet struct {
	Source         types.SourceID
	Range          types.DayRange
	MissingTiles   []types.Day
	MissingArchive []types.Day
}

// Union returns every date needing a download, ascending and deduplicated.
func (g GapSet) Union() []types.Day {
	need := make(map[string]bool, len(g.MissingTiles)+len(g.MissingArchive))
	for _, d := range g.MissingTiles {
		need[d.String()] = true
	}
	for _, d := range g.MissingArchive {
		need[d.String()] = true
	}
	var out []types.Day
	for _, d := range g.Range.Days() {
		if need[d.String()] {
			out = append(out, d)
		}
	}
	return out
}

// NeedsTile reports whether the date is in the missing-tiles list.
func (g GapSet) NeedsTile(d types.Day) bool {
	for _, m := range g.MissingTiles {
		if m.Equal(d) {
			return true
		}
	}
	return false
}

// NeedsArchive reports whether the date is in the missing-archive list.
func (g GapSet) NeedsArchive(d types.Day) bool {
	for _, m := range g.MissingArchive {
		if m.Equal(d) {
			return true
		}
	}
	return false
}

// Detector inspects the tile directory and the year archives of a source.
type Detector struct {
	tileDir    string
	archiveDir string
	logger     *slog.Logger
}

// NewDetector creates a Detector over the two store roots. Layout follows
// the writers: {tileDir}/{source}/{source}_{YYYYMMDD}.rtb and
// {archiveDir}/{source}/{source}_{year}.rma.
func NewDetector(tileDir, archiveDir string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{tileDir: tileDir, archiveDir: archiveDir, logger: logger}
}

// Detect computes both gap sets for a source over an inclusive date range.
// Both lists are ordered ascending. A missing store (no directory, no
// archive file yet) contributes every requested date, which is exactly the
// first-run behavior.
func (d *Detector) Detect(source types.SourceID, r types.DayRange) (GapSet, error) {
	if !r.Valid() {
		return GapSet{}, fmt.Errorf("invalid date range %s..%s", r.Start, r.End)
	}

	tilePresent, err := d.tileDates(source)
	if err != nil {
		return GapSet{}, fmt.Errorf("listing tiles for %s: %w", source, err)
	}
	archivePresent, err := d.archiveDates(source, r)
	if err != nil {
		return GapSet{}, fmt.Errorf("listing archive dates for %s: %w", source, err)
	}

	gs := GapSet{Source: source, Range: r}
	for _, day := range r.Days() {
		key := day.String()
		if !tilePresent[key] {
			gs.MissingTiles = append(gs.MissingTiles, day)
		}
		if !archivePresent[key] {
			gs.MissingArchive = append(gs.MissingArchive, day)
		}
	}

	d.logger.Info("gap detection complete",
		"source", source,
		"range_start", r.Start.String(),
		"range_end", r.End.String(),
		"missing_tiles", len(gs.MissingTiles),
		"missing_archive", len(gs.MissingArchive),
	)
	return gs, nil
}

// tileDates scans the source tile directory for {source}_{YYYYMMDD}.rtb
// filenames. Staging leftovers and foreign files are ignored.
func (d *Detector) tileDates(source types.SourceID) (map[string]bool, error) {
	dir := filepath.Join(d.tileDir, string(source))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := string(source) + "_"
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".rtb") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".rtb")
		if _, err := types.ParseDay(stamp); err != nil {
			continue
		}
		present[stamp] = true
	}
	return present, nil
}

// archiveDates reads the time axes of every year archive the range touches.
func (d *Detector) archiveDates(source types.SourceID, r types.DayRange) (map[string]bool, error) {
	present := make(map[string]bool)
	for _, year := range r.Years() {
		path := filepath.Join(d.archiveDir, string(source), archive.FileName(source, year))
		a, err := archive.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			// A corrupt archive must not be silently treated as empty; that
			// would re-merge every date on top of unreadable data.
			return nil, err
		}
		for _, day := range a.Dates() {
			present[day.String()] = true
		}
		a.Close()
	}
	return present, nil
}
