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

	"github.com/jonboulle/clockwork"

	"rastermill/internal/external"
	"rastermill/internal/grid"
	"rastermill/internal/types"
)

const (
	// modisLagDays is the compositing and processing delay of the daily
	// NDVI product.
	modisLagDays = 8

	// modisScale converts the provider's scaled int16 values to NDVI.
	modisScale = 1e-4

	// modisFillValue is the provider's no-data marker.
	modisFillValue = -3000
)

// MODISAdapter fetches daily NDVI grids served as gzipped scaled int16 LE
// rasters on the configured grid.
type MODISAdapter struct {
	client  *external.DownloadClient
	baseURL string
	spec    AxisSpec
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewMODISAdapter creates the vegetation-index adapter.
func NewMODISAdapter(client *external.DownloadClient, baseURL string, spec AxisSpec, clock clockwork.Clock, logger *slog.Logger) *MODISAdapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MODISAdapter{client: client, baseURL: baseURL, spec: spec, clock: clock, logger: logger}
}

// Source implements Adapter.
func (a *MODISAdapter) Source() types.SourceID { return types.SourceMODIS }

// FetchDaily implements Adapter.
func (a *MODISAdapter) FetchDaily(ctx context.Context, date types.Day) (*grid.CanonicalGrid, error) {
	url := fmt.Sprintf("%s/ndvi_%s.i16.gz", a.baseURL, date)
	raw, err := a.client.FetchBytes(ctx, url)
	if errors.Is(err, external.ErrNotFound) {
		return nil, classifyAbsence(a.clock, date, modisLagDays)
	}
	if err != nil {
		return nil, err
	}

	lats, lons := a.spec.Axes()
	g := grid.NewCanonicalGrid(a.Source(), types.VarNDVI, date, lats, lons)
	g.Units = "ndvi"

	if err := parseGzipInt16(raw, g.Values); err != nil {
		return nil, fmt.Errorf("parsing ndvi payload for %s: %w", date, err)
	}

	g = grid.NormalizeLatOrder(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// parseGzipInt16 decodes scaled int16 values into the destination buffer,
// mapping the fill value to NaN.
func parseGzipInt16(raw []byte, dst []float32) error {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("decompressing payload: %w", err)
	}
	if len(data) != len(dst)*2 {
		return fmt.Errorf("payload has %d bytes, want %d", len(data), len(dst)*2)
	}

	for i := range dst {
		v := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		if v == modisFillValue {
			dst[i] = grid.NaN
			continue
		}
		dst[i] = float32(float64(v) * modisScale)
	}
	return nil
}
