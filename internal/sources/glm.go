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
	"time"

	"github.com/jonboulle/clockwork"

	"rastermill/internal/external"
	"rastermill/internal/grid"
	"rastermill/internal/lightning"
	"rastermill/internal/types"
)

// glmLagDays is the per-minute product's publication lag. Minute files land
// within hours; a full day is reliably complete one day later.
const glmLagDays = 1

// GLMAdapter fetches minute-resolution flash-count files and reduces them
// to the daily 30-minute-window-maximum grid via the lightning aggregator.
// Satellite selection is resolved per date from the cutover table before
// any download starts.
type GLMAdapter struct {
	client     *external.DownloadClient
	baseURL    string
	spec       AxisSpec
	aggregator *lightning.Aggregator
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewGLMAdapter creates the lightning adapter.
func NewGLMAdapter(client *external.DownloadClient, baseURL string, spec AxisSpec, clock clockwork.Clock, logger *slog.Logger) *GLMAdapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GLMAdapter{
		client:     client,
		baseURL:    baseURL,
		spec:       spec,
		aggregator: lightning.NewAggregator(logger),
		clock:      clock,
		logger:     logger,
	}
}

// Source implements Adapter.
func (a *GLMAdapter) Source() types.SourceID { return types.SourceGLM }

// FetchDaily implements Adapter. Individual missing minutes are tolerated;
// only a day with no samples at all is classified as absent.
func (a *GLMAdapter) FetchDaily(ctx context.Context, date types.Day) (*grid.CanonicalGrid, error) {
	sat, ok := lightning.SatelliteFor(date)
	if !ok {
		return nil, ErrPermanentlyAbsent
	}

	lats, lons := a.spec.Axes()
	cells := len(lats) * len(lons)

	start := lightning.SpanStart(date)
	samples := make([]lightning.MinuteSample, 0, lightning.FullDaySampleCount)
	fetched := 0

	for i := 0; i < lightning.FullDaySampleCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ts := start.Add(time.Duration(i) * time.Minute)
		counts, err := a.fetchMinute(ctx, sat, ts, cells)
		if errors.Is(err, external.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		samples = append(samples, lightning.MinuteSample{Time: ts, Counts: counts})
		fetched++
	}

	if fetched == 0 {
		return nil, classifyAbsence(a.clock, date, glmLagDays)
	}

	res, err := a.aggregator.Aggregate(date, lats, lons, samples)
	if err != nil {
		return nil, fmt.Errorf("aggregating lightning for %s: %w", date, err)
	}
	if !res.Complete {
		a.logger.Warn("lightning day aggregated without prior-day trailing samples",
			"date", date.String(),
			"satellite", string(sat),
			"samples", fetched,
		)
	}
	return res.Grid, nil
}

// fetchMinute downloads and decodes one minute file: gzipped uint16 LE
// flash counts per cell.
func (a *GLMAdapter) fetchMinute(ctx context.Context, sat lightning.Satellite, ts time.Time, cells int) ([]float32, error) {
	url := fmt.Sprintf("%s/%s/%s/flashes_%s.u16.gz",
		a.baseURL, sat, ts.UTC().Format("20060102"), ts.UTC().Format("20060102T1504"))
	raw, err := a.client.FetchBytes(ctx, url)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing minute payload: %w", err)
	}
	if len(data) != cells*2 {
		return nil, fmt.Errorf("minute payload has %d bytes, want %d", len(data), cells*2)
	}

	counts := make([]float32, cells)
	for i := range counts {
		counts[i] = float32(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return counts, nil
}
