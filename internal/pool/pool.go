// Package pool owns the long-lived read handles over published year archives
// and the bounded worker pool that executes query materializations. Handles
// are swapped atomically on reload; in-flight readers keep the handle they
// acquired until they release it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"rastermill/internal/archive"
	"rastermill/internal/observability"
	"rastermill/internal/types"
)

// DefaultMaterializers bounds concurrent query materializations. Chunk reads
// are I/O heavy; a small fixed pool keeps a burst of area queries from
// saturating the disk.
const DefaultMaterializers = 16

// DatasetPool serves per-source Dataset handles and runs materializations on
// a bounded worker pool. It has an explicit lifecycle: construct, Reload (or
// ReloadAll) to open archives, Close on shutdown. Nothing here is global.
type DatasetPool struct {
	dir     string
	logger  *slog.Logger
	metrics *observability.Metrics
	sem     *semaphore.Weighted

	mu       sync.RWMutex
	datasets map[types.SourceID]*Dataset
}

// Config wires a DatasetPool.
type Config struct {
	ArchiveDir    string
	Materializers int64
	Logger        *slog.Logger
	Metrics       *observability.Metrics // optional
}

// New creates an empty pool. Call ReloadAll before serving queries.
func New(cfg Config) *DatasetPool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Materializers
	if workers <= 0 {
		workers = DefaultMaterializers
	}
	return &DatasetPool{
		dir:      cfg.ArchiveDir,
		logger:   logger,
		metrics:  cfg.Metrics,
		sem:      semaphore.NewWeighted(workers),
		datasets: make(map[types.SourceID]*Dataset),
	}
}

// Acquire returns the current handle for a source with a reader reference
// taken. The caller must call Release on the returned Dataset. A source with
// no published archives yet yields an empty handle, not an error.
func (p *DatasetPool) Acquire(source types.SourceID) (*Dataset, error) {
	if !types.IsKnownSource(source) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSource,
			fmt.Sprintf("unknown source %q", source), nil)
	}

	p.mu.RLock()
	d, ok := p.datasets[source]
	if ok {
		d.acquire()
	}
	p.mu.RUnlock()
	if ok {
		return d, nil
	}

	// First touch of a source that was never reloaded. Build the handle
	// outside the lock and let a racing builder win.
	fresh, err := p.open(source)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.datasets[source]; ok {
		existing.acquire()
		p.mu.Unlock()
		fresh.Release()
		return existing, nil
	}
	p.datasets[source] = fresh
	fresh.acquire()
	p.mu.Unlock()
	return fresh, nil
}

// Reload swaps in a fresh handle built from the archives currently on disk.
// Readers holding the previous handle are unaffected; its files close when
// the last of them releases.
func (p *DatasetPool) Reload(ctx context.Context, source types.SourceID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fresh, err := p.open(source)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.datasets[source]
	p.datasets[source] = fresh
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}
	if p.metrics != nil {
		p.metrics.PoolReloads.WithLabelValues(string(source)).Inc()
	}
	p.logger.InfoContext(ctx, "dataset handle reloaded",
		"source", source,
		"years", len(fresh.members),
		"dates", len(fresh.dates),
	)
	return nil
}

// ReloadAll loads every known source. Sources with no archives yet load as
// empty handles.
func (p *DatasetPool) ReloadAll(ctx context.Context) error {
	for _, source := range types.KnownSources {
		if err := p.Reload(ctx, source); err != nil {
			return fmt.Errorf("loading %s: %w", source, err)
		}
	}
	return nil
}

// StartRefresh reloads every source on a fixed interval until ctx is
// cancelled. A serving process picks up archives published by a separate
// ingest process within one interval; in-process merges go through Reload
// directly.
func (p *DatasetPool) StartRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ReloadAll(ctx); err != nil {
				p.logger.WarnContext(ctx, "periodic dataset refresh failed", "error", err)
			}
		}
	}
}

// Close releases the pool's reference on every handle. Handles with active
// readers close when those readers finish.
func (p *DatasetPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for source, d := range p.datasets {
		d.Release()
		delete(p.datasets, source)
	}
}

// Materialize runs fn on the bounded worker pool and waits for it. If ctx is
// cancelled while waiting for a slot the task never starts; if cancelled
// after the task started, the await is abandoned and the worker slot is
// returned when fn finishes on its own.
func (p *DatasetPool) Materialize(ctx context.Context, fn func() error) error {
	// Weighted.Acquire may grant a free slot even when ctx is already done.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open scans {dir}/{source}/ for published archives and assembles a handle.
// Staging leftovers from a crashed merge are ignored by the suffix filter.
func (p *DatasetPool) open(source types.SourceID) (*Dataset, error) {
	sourceDir := filepath.Join(p.dir, string(source))
	entries, err := os.ReadDir(sourceDir)
	if errors.Is(err, fs.ErrNotExist) {
		return newDataset(source, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning archive dir for %s: %w", source, err)
	}

	var members []*archive.Archive
	closeAll := func() {
		for _, a := range members {
			a.Close()
		}
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rma") {
			continue
		}
		a, err := archive.Open(filepath.Join(sourceDir, e.Name()))
		if err != nil {
			closeAll()
			return nil, err
		}
		members = append(members, a)
	}

	d, err := newDataset(source, members)
	if err != nil {
		closeAll()
		return nil, err
	}
	return d, nil
}
