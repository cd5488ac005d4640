package tiles

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"rastermill/internal/grid"
	"rastermill/internal/types"
)

var encoderPool = sync.Pool{
	New: func() any {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return e
	},
}

// IndexNotifier is the collaborator contract with the external tile server.
// The writer signals that a source's spatial index is stale after a publish
// batch; rebuilding the index is the tile server's responsibility.
type IndexNotifier interface {
	InvalidateIndex(source types.SourceID) error
}

// NopNotifier discards invalidation signals. Used when no tile server is
// attached (tests, archive-only deployments).
type NopNotifier struct{}

// InvalidateIndex implements IndexNotifier.
func (NopNotifier) InvalidateIndex(types.SourceID) error { return nil }

// Writer publishes canonical grids as immutable daily tile files under a
// per-source directory: {dir}/{source}/{source}_{YYYYMMDD}.rtb.
type Writer struct {
	dir      string
	notifier IndexNotifier
	logger   *slog.Logger
}

// NewWriter creates a tile writer rooted at dir.
func NewWriter(dir string, notifier IndexNotifier, logger *slog.Logger) *Writer {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, notifier: notifier, logger: logger}
}

// SourceDir returns the tile directory for a source.
func (w *Writer) SourceDir(source types.SourceID) string {
	return filepath.Join(w.dir, string(source))
}

// TilePath returns the published path for a source/date tile.
func (w *Writer) TilePath(source types.SourceID, date types.Day) string {
	return filepath.Join(w.SourceDir(source), FileName(source, date))
}

// WriteTile serializes a canonical grid to its tile file through the
// stage-then-publish protocol. A partially written file is never visible at
// the published path. Writing a date that already exists replaces the tile
// atomically; callers rely on the gap detector to avoid doing so outside of
// explicit reprocessing.
func (w *Writer) WriteTile(g *grid.CanonicalGrid) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid grid: %w", err)
	}

	minLat, minLon, maxLat, maxLon := g.Bounds()
	hdr := header{
		FormatVersion: 1,
		Source:        string(g.Source),
		Variable:      string(g.Variable),
		Units:         g.Units,
		Date:          g.Date.String(),
		BBox:          [4]float64{minLat, minLon, maxLat, maxLon},
		Lats:          g.Lats,
		Lons:          g.Lons,
		BlockSize:     blockSize,
		DType:         "<f4",
		Compressor:    "zstd",
	}

	payloads, refs := buildBlocks(g)
	hdr.Blocks = refs

	headerJSON, err := finalizeHeader(&hdr)
	if err != nil {
		return err
	}

	path := w.TilePath(g.Source, g.Date)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating tile directory: %w", err)
	}

	staging := fmt.Sprintf("%s.staging-%s", path, uuid.NewString())
	f, err := os.Create(staging)
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	defer os.Remove(staging)

	if err := writeContainer(f, headerJSON, payloads); err != nil {
		f.Close()
		return fmt.Errorf("writing staged tile: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing staged tile: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing staged tile: %w", err)
	}
	if err := os.Rename(staging, path); err != nil {
		return fmt.Errorf("publishing tile: %w", err)
	}
	return nil
}

// SignalBatchDone tells the external tile server that the source's spatial
// index should be rebuilt. Failure is logged, not returned: index rebuild is
// advisory and the tiles themselves are already published.
func (w *Writer) SignalBatchDone(source types.SourceID) {
	if err := w.notifier.InvalidateIndex(source); err != nil {
		w.logger.Warn("tile index invalidation failed",
			"source", source,
			"error", err,
		)
	}
}

// buildBlocks compresses the grid into padded spatial blocks, row-major
// over the block grid, with offsets relative to the data section.
func buildBlocks(g *grid.CanonicalGrid) ([][]byte, []blockRef) {
	nr := (len(g.Lats) + blockSize - 1) / blockSize
	nc := (len(g.Lons) + blockSize - 1) / blockSize

	encoder := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(encoder)

	nan := math.Float32bits(float32(math.NaN()))
	raw := make([]byte, blockSize*blockSize*float32ByteSize)
	width := len(g.Lons)

	payloads := make([][]byte, 0, nr*nc)
	refs := make([]blockRef, 0, nr*nc)
	var offset int64

	for ri := 0; ri < nr; ri++ {
		for ci := 0; ci < nc; ci++ {
			for r := 0; r < blockSize; r++ {
				rGlobal := ri*blockSize + r
				for c := 0; c < blockSize; c++ {
					cGlobal := ci*blockSize + c
					idx := (r*blockSize + c) * float32ByteSize
					if rGlobal >= len(g.Lats) || cGlobal >= width {
						binary.LittleEndian.PutUint32(raw[idx:], nan)
						continue
					}
					binary.LittleEndian.PutUint32(raw[idx:], math.Float32bits(g.Values[rGlobal*width+cGlobal]))
				}
			}
			compressed := encoder.EncodeAll(raw, nil)
			payloads = append(payloads, compressed)
			refs = append(refs, blockRef{Offset: offset, Length: int64(len(compressed))})
			offset += int64(len(compressed))
		}
	}
	return payloads, refs
}

// finalizeHeader resolves the mutual dependency between serialized header
// length and the absolute block offsets recorded inside it.
func finalizeHeader(hdr *header) ([]byte, error) {
	rel := make([]blockRef, len(hdr.Blocks))
	copy(rel, hdr.Blocks)

	dataStart := int64(0)
	for i := 0; i < 8; i++ {
		encoded, err := json.Marshal(hdr)
		if err != nil {
			return nil, fmt.Errorf("encoding header: %w", err)
		}
		start := int64(len(magic) + 4 + len(encoded))
		if start == dataStart {
			return encoded, nil
		}
		dataStart = start
		for j := range hdr.Blocks {
			hdr.Blocks[j].Offset = rel[j].Offset + dataStart
		}
	}
	return nil, fmt.Errorf("header length did not stabilize")
}

func writeContainer(f *os.File, headerJSON []byte, payloads [][]byte) error {
	var buf bytes.Buffer
	buf.WriteString(magic)
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(headerJSON)))
	buf.Write(lenBytes[:])
	buf.Write(headerJSON)
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	for _, p := range payloads {
		if _, err := f.Write(p); err != nil {
			return err
		}
	}
	return nil
}
