package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"rastermill/internal/types"
)

// encoderPool provides reusable zstd encoders for archive writes.
var encoderPool = sync.Pool{
	New: func() any {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return e
	},
}

// Stack is the in-memory form of a year archive: one value plane per date,
// all sharing the same axes. The merge path builds a Stack, verifies its
// invariants, and hands it to Write.
type Stack struct {
	Source     types.SourceID
	Variable   types.Variable
	Units      string
	Year       int
	Dates      []types.Day
	Lats       []float64
	Lons       []float64
	Planes     [][]float32 // Planes[i] is row-major, len(Lats)*len(Lons)
	Provenance map[string]string
}

// CheckMonotonic verifies the strictly-increasing, duplicate-free time axis
// invariant. A violation here means a merge bug, not bad input, so callers
// treat it as fatal for the merge operation.
func (s *Stack) CheckMonotonic() error {
	for i := 1; i < len(s.Dates); i++ {
		if !s.Dates[i-1].Before(s.Dates[i]) {
			return types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
				fmt.Sprintf("time axis violation for %s/%d: %s then %s",
					s.Source, s.Year, s.Dates[i-1], s.Dates[i]), nil)
		}
	}
	for i, d := range s.Dates {
		if d.Year() != s.Year {
			return types.NewAppError(types.ErrCodeInternalArchiveCorrupt,
				fmt.Sprintf("date %s at index %d does not belong to year %d", d, i, s.Year), nil)
		}
	}
	return nil
}

// Write serializes the stack through the stage-then-publish protocol: the
// full container is written and fsynced at a scratch path in the target
// directory, then promoted with an atomic rename. A crash at any point
// leaves either the previous archive or an ignorable scratch file, never a
// half-written archive at the published path.
func Write(path string, s *Stack, chunkShape [3]int) error {
	if len(s.Planes) != len(s.Dates) {
		return fmt.Errorf("stack has %d planes for %d dates", len(s.Planes), len(s.Dates))
	}
	if err := s.CheckMonotonic(); err != nil {
		return err
	}

	hdr := header{
		FormatVersion: 1,
		Source:        string(s.Source),
		Variable:      string(s.Variable),
		Units:         s.Units,
		Year:          s.Year,
		Lats:          s.Lats,
		Lons:          s.Lons,
		ChunkShape:    chunkShape,
		DType:         dtypeFloat32LE,
		Compressor:    compressorZstd,
		Provenance:    s.Provenance,
	}
	hdr.Dates = make([]string, len(s.Dates))
	for i, d := range s.Dates {
		hdr.Dates[i] = d.String()
	}

	payloads, refs := buildChunks(s, chunkShape)
	hdr.Chunks = refs

	// Chunk offsets are absolute file positions, which depend on the
	// serialized header length; finalizeHeader resolves the two together.
	headerJSON, err := finalizeHeader(&hdr)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	staging := fmt.Sprintf("%s.staging-%s", path, uuid.NewString())
	f, err := os.Create(staging)
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	defer os.Remove(staging) // no-op after successful rename

	if err := writeContainer(f, headerJSON, payloads); err != nil {
		f.Close()
		return fmt.Errorf("writing staged archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing staged archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing staged archive: %w", err)
	}

	if err := os.Rename(staging, path); err != nil {
		return fmt.Errorf("publishing archive: %w", err)
	}
	return nil
}

// buildChunks compresses the stack into padded chunks and returns payloads
// plus refs with offsets relative to the start of the data section.
func buildChunks(s *Stack, cs [3]int) ([][]byte, []chunkRef) {
	nt := ceilDiv(len(s.Dates), cs[0])
	nr := ceilDiv(len(s.Lats), cs[1])
	nc := ceilDiv(len(s.Lons), cs[2])

	encoder := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(encoder)

	nan := math.Float32bits(float32(math.NaN()))
	raw := make([]byte, cs[0]*cs[1]*cs[2]*float32ByteSize)

	payloads := make([][]byte, 0, nt*nr*nc)
	refs := make([]chunkRef, 0, nt*nr*nc)
	var offset int64

	for ti := 0; ti < nt; ti++ {
		for ri := 0; ri < nr; ri++ {
			for ci := 0; ci < nc; ci++ {
				fillChunk(raw, s, cs, ti, ri, ci, nan)
				compressed := encoder.EncodeAll(raw, nil)
				payloads = append(payloads, compressed)
				refs = append(refs, chunkRef{Offset: offset, Length: int64(len(compressed))})
				offset += int64(len(compressed))
			}
		}
	}
	return payloads, refs
}

// fillChunk serializes chunk (ti, ri, ci) into raw, padding positions beyond
// the real axes with NaN.
func fillChunk(raw []byte, s *Stack, cs [3]int, ti, ri, ci int, nan uint32) {
	width := len(s.Lons)
	for t := 0; t < cs[0]; t++ {
		tGlobal := ti*cs[0] + t
		for r := 0; r < cs[1]; r++ {
			rGlobal := ri*cs[1] + r
			for c := 0; c < cs[2]; c++ {
				cGlobal := ci*cs[2] + c
				idx := (t*cs[1]*cs[2] + r*cs[2] + c) * float32ByteSize
				if tGlobal >= len(s.Dates) || rGlobal >= len(s.Lats) || cGlobal >= width {
					binary.LittleEndian.PutUint32(raw[idx:], nan)
					continue
				}
				bits := math.Float32bits(s.Planes[tGlobal][rGlobal*width+cGlobal])
				binary.LittleEndian.PutUint32(raw[idx:], bits)
			}
		}
	}
}

// finalizeHeader resolves the chicken-and-egg between header length and
// chunk offsets: offsets are absolute file positions, which depend on the
// header's own serialized length. Iterate until the length stabilizes
// (it converges in at most a few rounds because only digit counts change).
func finalizeHeader(hdr *header) ([]byte, error) {
	rel := make([]chunkRef, len(hdr.Chunks))
	copy(rel, hdr.Chunks)

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
		for j := range hdr.Chunks {
			hdr.Chunks[j].Offset = rel[j].Offset + dataStart
		}
	}
	return nil, fmt.Errorf("header length did not stabilize")
}

// writeContainer writes magic, header length, header, and chunk payloads.
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
