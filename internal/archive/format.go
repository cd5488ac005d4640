// Package archive implements the year-partitioned raster container: one
// self-describing file per (source, calendar year) holding a time-indexed
// stack of canonical grids, chunked along time and both spatial axes and
// zstd-compressed for partial-read efficiency. The file layout is
//
//	magic "RMA1" | uint32 LE header length | JSON header | chunk payloads
//
// The header carries the full time axis (YYYYMMDD, strictly ascending, no
// duplicates), the lat/lon axes, the chunk shape, and a chunk index with
// byte offsets so readers can fetch a single chunk with one ReadAt. Edge
// chunks are padded to the full chunk shape with NaN, which keeps the flat
// index math uniform across the whole array.
package archive

import (
	"fmt"

	"rastermill/internal/types"
)

const (
	// magic identifies a rastermill year archive, format version 1.
	magic = "RMA1"

	// dtypeFloat32LE is the only supported element type.
	dtypeFloat32LE = "<f4"

	compressorZstd = "zstd"

	float32ByteSize = 4
)

// DefaultChunkShape is the [time, lat, lon] chunk sizing applied when a
// source's first year archive is created. The shape is recorded in the
// header and must stay constant across years for the same source.
var DefaultChunkShape = [3]int{32, 64, 64}

// chunkRef locates one compressed chunk payload inside the file.
type chunkRef struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// header is the JSON-serialized self-description of a year archive.
type header struct {
	FormatVersion int               `json:"format_version"`
	Source        string            `json:"source"`
	Variable      string            `json:"variable"`
	Units         string            `json:"units"`
	Year          int               `json:"year"`
	Dates         []string          `json:"dates"`
	Lats          []float64         `json:"lats"`
	Lons          []float64         `json:"lons"`
	ChunkShape    [3]int            `json:"chunk_shape"`
	DType         string            `json:"dtype"`
	Compressor    string            `json:"compressor"`
	Provenance    map[string]string `json:"provenance,omitempty"`
	Chunks        []chunkRef        `json:"chunks"`
}

// chunkCounts returns the number of chunks along each axis.
func (h *header) chunkCounts() (nt, nr, nc int) {
	nt = ceilDiv(len(h.Dates), h.ChunkShape[0])
	nr = ceilDiv(len(h.Lats), h.ChunkShape[1])
	nc = ceilDiv(len(h.Lons), h.ChunkShape[2])
	return nt, nr, nc
}

// chunkIndex returns the position of chunk (ti, ri, ci) in the chunk index,
// laid out time-major then row-major.
func (h *header) chunkIndex(ti, ri, ci int) int {
	_, nr, nc := h.chunkCounts()
	return ti*nr*nc + ri*nc + ci
}

// validate checks the structural invariants a well-formed archive must hold.
func (h *header) validate() error {
	if h.FormatVersion != 1 {
		return fmt.Errorf("unsupported format version %d", h.FormatVersion)
	}
	if h.DType != dtypeFloat32LE {
		return fmt.Errorf("unsupported dtype %q", h.DType)
	}
	if h.Compressor != compressorZstd {
		return fmt.Errorf("unsupported compressor %q", h.Compressor)
	}
	if h.ChunkShape[0] <= 0 || h.ChunkShape[1] <= 0 || h.ChunkShape[2] <= 0 {
		return fmt.Errorf("invalid chunk shape %v", h.ChunkShape)
	}
	if len(h.Lats) == 0 || len(h.Lons) == 0 {
		return fmt.Errorf("empty spatial axes")
	}
	for i := 1; i < len(h.Dates); i++ {
		if h.Dates[i] <= h.Dates[i-1] {
			return fmt.Errorf("time axis not strictly increasing at index %d (%s then %s)",
				i, h.Dates[i-1], h.Dates[i])
		}
	}
	nt, nr, nc := h.chunkCounts()
	if want := nt * nr * nc; len(h.Chunks) != want {
		return fmt.Errorf("chunk index has %d entries, want %d", len(h.Chunks), want)
	}
	return nil
}

// parseDates converts the header's date strings back to Day values.
func (h *header) parseDates() ([]types.Day, error) {
	out := make([]types.Day, len(h.Dates))
	for i, s := range h.Dates {
		d, err := types.ParseDay(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt time axis entry %q: %w", s, err)
		}
		out[i] = d
	}
	return out, nil
}

// FileName returns the deterministic archive filename for a source/year.
func FileName(source types.SourceID, year int) string {
	return fmt.Sprintf("%s_%d.rma", source, year)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
