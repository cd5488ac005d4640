// Package tiles implements the single-date raster tile store consumed by
// the external map-tile server. Each tile is one canonical grid serialized
// as an internally block-tiled, zstd-compressed, single-band container with
// an embedded bounding box:
//
//	magic "RMT1" | uint32 LE header length | JSON header | block payloads
//
// Tiles are named {source}_{YYYYMMDD}.rtb, written once via stage-then-
// publish, and immutable afterwards. Block tiling keeps single-pixel
// lookups cheap: only the 64x64 block containing the pixel is fetched and
// decompressed.
package tiles

import (
	"fmt"

	"rastermill/internal/types"
)

const (
	magic = "RMT1"

	// blockSize is the spatial block edge length in pixels.
	blockSize = 64

	float32ByteSize = 4
)

// blockRef locates one compressed block payload inside the file.
type blockRef struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// header is the JSON self-description of a tile file.
type header struct {
	FormatVersion int        `json:"format_version"`
	Source        string     `json:"source"`
	Variable      string     `json:"variable"`
	Units         string     `json:"units"`
	Date          string     `json:"date"`
	BBox          [4]float64 `json:"bbox"` // minLat, minLon, maxLat, maxLon
	Lats          []float64  `json:"lats"`
	Lons          []float64  `json:"lons"`
	BlockSize     int        `json:"block_size"`
	DType         string     `json:"dtype"`
	Compressor    string     `json:"compressor"`
	Blocks        []blockRef `json:"blocks"`
}

func (h *header) blockCounts() (nr, nc int) {
	nr = (len(h.Lats) + h.BlockSize - 1) / h.BlockSize
	nc = (len(h.Lons) + h.BlockSize - 1) / h.BlockSize
	return nr, nc
}

func (h *header) validate() error {
	if h.FormatVersion != 1 {
		return fmt.Errorf("unsupported format version %d", h.FormatVersion)
	}
	if h.DType != "<f4" || h.Compressor != "zstd" {
		return fmt.Errorf("unsupported encoding %s/%s", h.DType, h.Compressor)
	}
	if h.BlockSize <= 0 {
		return fmt.Errorf("invalid block size %d", h.BlockSize)
	}
	if len(h.Lats) == 0 || len(h.Lons) == 0 {
		return fmt.Errorf("empty axes")
	}
	nr, nc := h.blockCounts()
	if len(h.Blocks) != nr*nc {
		return fmt.Errorf("block index has %d entries, want %d", len(h.Blocks), nr*nc)
	}
	return nil
}

// FileName returns the deterministic tile filename for a source and date.
func FileName(source types.SourceID, date types.Day) string {
	return fmt.Sprintf("%s_%s.rtb", source, date)
}
