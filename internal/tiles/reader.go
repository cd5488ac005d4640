package tiles

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

var decoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

// Tile is a read-only handle on one published tile file.
type Tile struct {
	path string
	f    *os.File
	hdr  header
}

// OpenTile opens and validates a published tile file.
func OpenTile(path string) (*Tile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	t := &Tile{path: path, f: f}
	if err := t.readHeader(); err != nil {
		f.Close()
		return nil, types.NewAppError(types.ErrCodeInternalTileCorrupt,
			fmt.Sprintf("tile %s failed validation", path), err)
	}
	return t, nil
}

func (t *Tile) readHeader() error {
	prefix := make([]byte, len(magic)+4)
	if _, err := t.f.ReadAt(prefix, 0); err != nil {
		return fmt.Errorf("reading file prefix: %w", err)
	}
	if string(prefix[:len(magic)]) != magic {
		return fmt.Errorf("bad magic %q", prefix[:len(magic)])
	}
	hdrLen := binary.LittleEndian.Uint32(prefix[len(magic):])

	raw := make([]byte, hdrLen)
	if _, err := t.f.ReadAt(raw, int64(len(prefix))); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if err := json.Unmarshal(raw, &t.hdr); err != nil {
		return fmt.Errorf("parsing header: %w", err)
	}
	return t.hdr.validate()
}

// Close releases the underlying file handle.
func (t *Tile) Close() error { return t.f.Close() }

// BBox returns the embedded bounding box (minLat, minLon, maxLat, maxLon).
func (t *Tile) BBox() [4]float64 { return t.hdr.BBox }

// Units returns the unit string recorded at write time.
func (t *Tile) Units() string { return t.hdr.Units }

// PixelLookup returns the value of the grid cell nearest to (lat, lon),
// decompressing only the containing block. A point outside the tile's
// bounding box, padded by half a cell, has no cell to snap to and reports
// ok=false, as does a NaN cell: absence of data at a pixel is routine, not
// an error.
func (t *Tile) PixelLookup(lat, lon float64) (value float64, ok bool, err error) {
	if err := grid.ValidateLatLon(lat, lon); err != nil {
		return 0, false, err
	}
	bbox := t.hdr.BBox
	halfLat, halfLon := halfStep(t.hdr.Lats), halfStep(t.hdr.Lons)
	if lat < bbox[0]-halfLat || lat > bbox[2]+halfLat ||
		lon < bbox[1]-halfLon || lon > bbox[3]+halfLon {
		return 0, false, nil
	}

	row := nearestIndex(t.hdr.Lats, lat)
	col := nearestIndex(t.hdr.Lons, lon)

	bs := t.hdr.BlockSize
	_, nc := t.hdr.blockCounts()
	ref := t.hdr.Blocks[(row/bs)*nc+col/bs]

	compressed := make([]byte, ref.Length)
	if _, err := t.f.ReadAt(compressed, ref.Offset); err != nil {
		return 0, false, types.NewAppError(types.ErrCodeInternalTileCorrupt,
			fmt.Sprintf("reading block of %s", t.path), err)
	}

	decoder := decoderPool.Get().(*zstd.Decoder)
	raw, err := decoder.DecodeAll(compressed, nil)
	decoderPool.Put(decoder)
	if err != nil {
		return 0, false, types.NewAppError(types.ErrCodeInternalTileCorrupt,
			fmt.Sprintf("decompressing block of %s", t.path), err)
	}
	if len(raw) != bs*bs*float32ByteSize {
		return 0, false, types.NewAppError(types.ErrCodeInternalTileCorrupt,
			fmt.Sprintf("block of %s has %d bytes, want %d", t.path, len(raw), bs*bs*float32ByteSize), nil)
	}

	flat := (row%bs)*bs + col%bs
	bits := binary.LittleEndian.Uint32(raw[flat*float32ByteSize : (flat+1)*float32ByteSize])
	v := float64(math.Float32frombits(bits))
	if math.IsNaN(v) {
		return 0, false, nil
	}
	return v, true, nil
}

// ReadGrid materializes the full tile back into a canonical grid.
// Used by round-trip verification and reprocessing.
func (t *Tile) ReadGrid() (*grid.CanonicalGrid, error) {
	date, err := types.ParseDay(t.hdr.Date)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalTileCorrupt,
			fmt.Sprintf("tile %s carries unparseable date %q", t.path, t.hdr.Date), err)
	}

	g := grid.NewCanonicalGrid(types.SourceID(t.hdr.Source), types.Variable(t.hdr.Variable), date, t.hdr.Lats, t.hdr.Lons)
	g.Units = t.hdr.Units

	bs := t.hdr.BlockSize
	nr, nc := t.hdr.blockCounts()
	decoder := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(decoder)

	for ri := 0; ri < nr; ri++ {
		for ci := 0; ci < nc; ci++ {
			ref := t.hdr.Blocks[ri*nc+ci]
			compressed := make([]byte, ref.Length)
			if _, err := t.f.ReadAt(compressed, ref.Offset); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalTileCorrupt,
					fmt.Sprintf("reading block (%d,%d) of %s", ri, ci, t.path), err)
			}
			raw, err := decoder.DecodeAll(compressed, nil)
			if err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalTileCorrupt,
					fmt.Sprintf("decompressing block (%d,%d) of %s", ri, ci, t.path), err)
			}
			for r := 0; r < bs; r++ {
				rGlobal := ri*bs + r
				if rGlobal >= len(t.hdr.Lats) {
					break
				}
				for c := 0; c < bs; c++ {
					cGlobal := ci*bs + c
					if cGlobal >= len(t.hdr.Lons) {
						break
					}
					bits := binary.LittleEndian.Uint32(raw[((r*bs)+c)*float32ByteSize:])
					g.Set(rGlobal, cGlobal, math.Float32frombits(bits))
				}
			}
		}
	}
	return g, nil
}

// halfStep is half the spacing of a uniform axis: the snap tolerance around
// a bounding box of cell centers.
func halfStep(axis []float64) float64 {
	if len(axis) < 2 {
		return 0
	}
	return math.Abs(axis[1]-axis[0]) / 2
}

func nearestIndex(axis []float64, target float64) int {
	best := 0
	bestDist := math.Abs(axis[0] - target)
	for i := 1; i < len(axis); i++ {
		if d := math.Abs(axis[i] - target); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}
