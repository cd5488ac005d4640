package archive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"rastermill/internal/grid"
	"rastermill/internal/types"
)

// decoderPool provides reusable zstd decoders shared by all open archives.
// Decoder allocation is expensive relative to a single chunk read.
var decoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			// Never fails with nil input and default options.
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

// Archive is a read-only handle on one published year archive file.
// Chunk reads go through ReadAt, so a handle is safe for concurrent use.
type Archive struct {
	path  string
	f     *os.File
	hdr   header
	dates []types.Day
}

// Open maps an archive file and validates its header. The returned handle
// keeps the file open until Close.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	a := &Archive{path: path, f: f}
	if err := a.readHeader(); err != nil {
		f.Close()
		return nil, types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
			fmt.Sprintf("archive %s failed validation", path), err)
	}
	return a, nil
}

func (a *Archive) readHeader() error {
	prefix := make([]byte, len(magic)+4)
	if _, err := a.f.ReadAt(prefix, 0); err != nil {
		return fmt.Errorf("reading file prefix: %w", err)
	}
	if string(prefix[:len(magic)]) != magic {
		return fmt.Errorf("bad magic %q", prefix[:len(magic)])
	}
	hdrLen := binary.LittleEndian.Uint32(prefix[len(magic):])

	raw := make([]byte, hdrLen)
	if _, err := a.f.ReadAt(raw, int64(len(prefix))); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if err := json.Unmarshal(raw, &a.hdr); err != nil {
		return fmt.Errorf("parsing header: %w", err)
	}
	if err := a.hdr.validate(); err != nil {
		return err
	}

	dates, err := a.hdr.parseDates()
	if err != nil {
		return err
	}
	a.dates = dates
	return nil
}

// Close releases the underlying file handle.
func (a *Archive) Close() error {
	return a.f.Close()
}

// Path returns the file path the archive was opened from.
func (a *Archive) Path() string { return a.path }

// Year returns the calendar year the archive covers.
func (a *Archive) Year() int { return a.hdr.Year }

// Units returns the unit string recorded at creation.
func (a *Archive) Units() string { return a.hdr.Units }

// Variable returns the canonical variable held by the archive.
func (a *Archive) Variable() types.Variable { return types.Variable(a.hdr.Variable) }

// Dates returns the time axis, strictly ascending.
func (a *Archive) Dates() []types.Day { return a.dates }

// Schema returns the canonical axis schema of the archive.
func (a *Archive) Schema() grid.Schema {
	return grid.Schema{Lats: a.hdr.Lats, Lons: a.hdr.Lons}
}

// ChunkShape returns the [time, lat, lon] chunk sizing.
func (a *Archive) ChunkShape() [3]int { return a.hdr.ChunkShape }

// DateIndex returns the time-axis position of a day, or -1 when absent.
func (a *Archive) DateIndex(d types.Day) int {
	for i, dd := range a.dates {
		if dd.Equal(d) {
			return i
		}
	}
	return -1
}

// readChunk fetches and decompresses chunk (ti, ri, ci). The result always
// has the full padded chunk size.
func (a *Archive) readChunk(ti, ri, ci int) ([]float32, error) {
	ref := a.hdr.Chunks[a.hdr.chunkIndex(ti, ri, ci)]

	compressed := make([]byte, ref.Length)
	if _, err := a.f.ReadAt(compressed, ref.Offset); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
			fmt.Sprintf("reading chunk (%d,%d,%d) of %s", ti, ri, ci, a.path), err)
	}

	decoder := decoderPool.Get().(*zstd.Decoder)
	raw, err := decoder.DecodeAll(compressed, nil)
	decoderPool.Put(decoder)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
			fmt.Sprintf("decompressing chunk (%d,%d,%d) of %s", ti, ri, ci, a.path), err)
	}

	want := a.hdr.ChunkShape[0] * a.hdr.ChunkShape[1] * a.hdr.ChunkShape[2] * float32ByteSize
	if len(raw) != want {
		return nil, types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
			fmt.Sprintf("chunk (%d,%d,%d) of %s has %d bytes, want %d", ti, ri, ci, a.path, len(raw), want), nil)
	}

	values := make([]float32, want/float32ByteSize)
	for i := range values {
		bits := binary.LittleEndian.Uint32(raw[i*float32ByteSize : (i+1)*float32ByteSize])
		values[i] = math.Float32frombits(bits)
	}
	return values, nil
}

// ValueAt reads a single cell for one time index. Only the containing chunk
// is fetched and decompressed.
func (a *Archive) ValueAt(tIdx, row, col int) (float32, error) {
	cs := a.hdr.ChunkShape
	chunk, err := a.readChunk(tIdx/cs[0], row/cs[1], col/cs[2])
	if err != nil {
		return 0, err
	}
	flat := (tIdx%cs[0])*cs[1]*cs[2] + (row%cs[1])*cs[2] + col%cs[2]
	return chunk[flat], nil
}

// PointSeries reads the full value series of one cell across a contiguous
// run of time indices [tLo, tHi]. Chunks along the time axis are fetched
// once each.
func (a *Archive) PointSeries(tLo, tHi, row, col int) ([]float32, error) {
	if tLo < 0 || tHi >= len(a.dates) || tLo > tHi {
		return nil, fmt.Errorf("time index range [%d,%d] out of bounds (axis length %d)", tLo, tHi, len(a.dates))
	}
	cs := a.hdr.ChunkShape
	out := make([]float32, 0, tHi-tLo+1)

	ri, ci := row/cs[1], col/cs[2]
	localFlat := (row%cs[1])*cs[2] + col%cs[2]

	for ti := tLo / cs[0]; ti <= tHi/cs[0]; ti++ {
		chunk, err := a.readChunk(ti, ri, ci)
		if err != nil {
			return nil, err
		}
		lo := maxInt(tLo, ti*cs[0])
		hi := minInt(tHi, (ti+1)*cs[0]-1)
		for t := lo; t <= hi; t++ {
			out = append(out, chunk[(t%cs[0])*cs[1]*cs[2]+localFlat])
		}
	}
	return out, nil
}

// ReadWindow reads a rectangular spatial window [r0,r1]x[c0,c1] for one time
// index, returning values row-major with width c1-c0+1.
func (a *Archive) ReadWindow(tIdx, r0, r1, c0, c1 int) ([]float32, error) {
	if r0 < 0 || r1 >= len(a.hdr.Lats) || c0 < 0 || c1 >= len(a.hdr.Lons) || r0 > r1 || c0 > c1 {
		return nil, fmt.Errorf("window [%d:%d, %d:%d] out of bounds", r0, r1, c0, c1)
	}
	cs := a.hdr.ChunkShape
	width := c1 - c0 + 1
	out := make([]float32, (r1-r0+1)*width)

	ti := tIdx / cs[0]
	tLocal := tIdx % cs[0]

	for ri := r0 / cs[1]; ri <= r1/cs[1]; ri++ {
		for ci := c0 / cs[2]; ci <= c1/cs[2]; ci++ {
			chunk, err := a.readChunk(ti, ri, ci)
			if err != nil {
				return nil, err
			}
			rLo := maxInt(r0, ri*cs[1])
			rHi := minInt(r1, (ri+1)*cs[1]-1)
			cLo := maxInt(c0, ci*cs[2])
			cHi := minInt(c1, (ci+1)*cs[2]-1)
			for r := rLo; r <= rHi; r++ {
				srcBase := tLocal*cs[1]*cs[2] + (r%cs[1])*cs[2]
				dstBase := (r-r0)*width + (cLo - c0)
				copy(out[dstBase:dstBase+cHi-cLo+1], chunk[srcBase+cLo%cs[2]:srcBase+cLo%cs[2]+cHi-cLo+1])
			}
		}
	}
	return out, nil
}

// ReadDay materializes the full grid for one time index. Used by the merge
// path, which rewrites whole years, and by round-trip tests.
func (a *Archive) ReadDay(tIdx int) (*grid.CanonicalGrid, error) {
	values, err := a.ReadWindow(tIdx, 0, len(a.hdr.Lats)-1, 0, len(a.hdr.Lons)-1)
	if err != nil {
		return nil, err
	}
	g := &grid.CanonicalGrid{
		Source:   types.SourceID(a.hdr.Source),
		Variable: types.Variable(a.hdr.Variable),
		Date:     a.dates[tIdx],
		Units:    a.hdr.Units,
		Lats:     a.hdr.Lats,
		Lons:     a.hdr.Lons,
		Values:   values,
	}
	return g, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
