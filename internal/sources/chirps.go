package sources

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/jonboulle/clockwork"

	"rastermill/internal/external"
	"rastermill/internal/grid"
	"rastermill/internal/types"
)

// chirpsLagDays is the publication lag of the preliminary CHIRPS product.
const chirpsLagDays = 3

// chirpsFillValue marks no-data cells in the raw product.
const chirpsFillValue = -9999.0

// CHIRPSAdapter fetches daily precipitation grids. The provider serves one
// gzipped flat binary per date (float32 LE, row-major from the north-west
// corner), already on the configured geographic grid; values are mm/day.
type CHIRPSAdapter struct {
	client  *external.DownloadClient
	baseURL string
	spec    AxisSpec
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewCHIRPSAdapter creates the precipitation adapter.
func NewCHIRPSAdapter(client *external.DownloadClient, baseURL string, spec AxisSpec, clock clockwork.Clock, logger *slog.Logger) *CHIRPSAdapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CHIRPSAdapter{client: client, baseURL: baseURL, spec: spec, clock: clock, logger: logger}
}

// Source implements Adapter.
func (a *CHIRPSAdapter) Source() types.SourceID { return types.SourceCHIRPS }

// FetchDaily implements Adapter.
func (a *CHIRPSAdapter) FetchDaily(ctx context.Context, date types.Day) (*grid.CanonicalGrid, error) {
	url := fmt.Sprintf("%s/chirps_%s.bin.gz", a.baseURL, date)
	raw, err := a.client.FetchBytes(ctx, url)
	if errors.Is(err, external.ErrNotFound) {
		return nil, classifyAbsence(a.clock, date, chirpsLagDays)
	}
	if err != nil {
		return nil, err
	}

	lats, lons := a.spec.Axes()
	values, err := parseGzipFloat32(raw, len(lats)*len(lons))
	if err != nil {
		return nil, fmt.Errorf("parsing chirps payload for %s: %w", date, err)
	}

	g := &grid.CanonicalGrid{
		Source:   a.Source(),
		Variable: types.VarPrecipitationMM,
		Date:     date,
		Units:    "mm/day",
		Lats:     lats,
		Lons:     lons,
		Values:   values,
	}
	for i, v := range g.Values {
		if v == chirpsFillValue {
			g.Values[i] = grid.NaN
		}
	}

	g = grid.NormalizeLatOrder(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// parseGzipFloat32 decompresses and decodes a flat little-endian float32
// payload, verifying the cell count.
func parseGzipFloat32(raw []byte, cells int) ([]float32, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(data) != cells*4 {
		return nil, fmt.Errorf("payload has %d bytes, want %d", len(data), cells*4)
	}

	values := make([]float32, cells)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return values, nil
}
