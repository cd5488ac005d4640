package pool

import (
	"fmt"
	"sort"
	"sync/atomic"

	"rastermill/internal/archive"
	"rastermill/internal/grid"
	"rastermill/internal/types"
)

// Dataset is one source's read handle spanning every published year archive
// as a single continuous time axis. Handles are immutable after construction;
// a publish produces a fresh Dataset and the pool swaps pointers, so readers
// that acquired the old handle finish on the files it has open.
type Dataset struct {
	source  types.SourceID
	units   string
	schema  grid.Schema
	members []*archive.Archive
	offsets []int       // global index of each member's first date
	dates   []types.Day // concatenated ascending time axis

	refs   atomic.Int64
	closed atomic.Bool
}

// newDataset assembles a Dataset from already-open archives. Archives must
// belong to the same source; they are ordered by year here. Members whose
// schema disagrees with the first archive's are rejected, not silently
// dropped: a published archive with a different schema is an operational
// fault that must surface.
func newDataset(source types.SourceID, members []*archive.Archive) (*Dataset, error) {
	sort.Slice(members, func(a, b int) bool { return members[a].Year() < members[b].Year() })

	d := &Dataset{source: source, members: members}
	for _, a := range members {
		if d.schema.Empty() {
			d.schema = a.Schema()
			d.units = a.Units()
		} else if !d.schema.Equal(a.Schema()) {
			return nil, types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
				fmt.Sprintf("archive %s disagrees with the source schema", a.Path()), nil)
		}
		d.offsets = append(d.offsets, len(d.dates))
		d.dates = append(d.dates, a.Dates()...)
	}
	for i := 1; i < len(d.dates); i++ {
		if !d.dates[i].After(d.dates[i-1]) {
			return nil, types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
				fmt.Sprintf("time axis of %s not strictly ascending across years at index %d", source, i), nil)
		}
	}
	// A handle starts with one reference owned by the pool; release() on
	// swap-out drops it and closes once readers drain.
	d.refs.Store(1)
	return d, nil
}

// Source returns the source the dataset serves.
func (d *Dataset) Source() types.SourceID { return d.source }

// Units returns the unit string shared by all member archives.
func (d *Dataset) Units() string { return d.units }

// Schema returns the canonical axis schema.
func (d *Dataset) Schema() grid.Schema { return d.schema }

// Dates returns the full ascending time axis across all years.
func (d *Dataset) Dates() []types.Day { return d.dates }

// Empty reports whether no archive exists for the source yet.
func (d *Dataset) Empty() bool { return len(d.dates) == 0 }

// acquire takes a reader reference. Callers must pair it with Release.
func (d *Dataset) acquire() { d.refs.Add(1) }

// Release drops a reader reference, closing the member archives once the
// handle has been swapped out and the last reader is done.
func (d *Dataset) Release() {
	if d.refs.Add(-1) > 0 {
		return
	}
	if d.closed.CompareAndSwap(false, true) {
		for _, a := range d.members {
			a.Close()
		}
	}
}

// locate maps a global time index to (member archive, local index).
func (d *Dataset) locate(t int) (*archive.Archive, int) {
	i := sort.Search(len(d.offsets), func(i int) bool { return d.offsets[i] > t }) - 1
	return d.members[i], t - d.offsets[i]
}

// DateIndex returns the global time-axis position of a day, or -1.
func (d *Dataset) DateIndex(day types.Day) int {
	i := sort.Search(len(d.dates), func(i int) bool { return !d.dates[i].Before(day) })
	if i < len(d.dates) && d.dates[i].Equal(day) {
		return i
	}
	return -1
}

// IndexRange returns the global index span [lo, hi] of dates inside the
// inclusive day range, and ok=false when no stored date falls in it.
func (d *Dataset) IndexRange(r types.DayRange) (lo, hi int, ok bool) {
	lo = sort.Search(len(d.dates), func(i int) bool { return !d.dates[i].Before(r.Start) })
	hi = sort.Search(len(d.dates), func(i int) bool { return d.dates[i].After(r.End) }) - 1
	if lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}

// ValueAt reads one cell at a global time index.
func (d *Dataset) ValueAt(t, row, col int) (float32, error) {
	a, local := d.locate(t)
	return a.ValueAt(local, row, col)
}

// PointSeries reads one cell's values across the global index span [lo, hi],
// stitching member archives together at year boundaries.
func (d *Dataset) PointSeries(lo, hi, row, col int) ([]float32, error) {
	if lo < 0 || hi >= len(d.dates) || lo > hi {
		return nil, fmt.Errorf("global index range [%d,%d] out of bounds (axis length %d)", lo, hi, len(d.dates))
	}
	out := make([]float32, 0, hi-lo+1)
	for i, a := range d.members {
		first := d.offsets[i]
		last := first + len(a.Dates()) - 1
		if last < lo || first > hi {
			continue
		}
		s, e := lo, hi
		if s < first {
			s = first
		}
		if e > last {
			e = last
		}
		vals, err := a.PointSeries(s-first, e-first, row, col)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

// ReadWindow reads a spatial window for one global time index.
func (d *Dataset) ReadWindow(t, r0, r1, c0, c1 int) ([]float32, error) {
	a, local := d.locate(t)
	return a.ReadWindow(local, r0, r1, c0, c1)
}
