package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/AssetBridge/internal/telemetry"
)

// FetcherConfig tunes the feed timeout, cache fallback window and rate limit.
type FetcherConfig struct {
	// Timeout bounds one whole Fetch against the feed.
	Timeout time.Duration
	// StaleAfter is how old (by FetchedAt) a cached snapshot may be and still
	// be served on failure.
	StaleAfter time.Duration
	RateLimit  rate.Limit
	Burst      int
}

// Fetcher reads snapshots from a Source, falling back to a Cache on failure.
type Fetcher struct {
	source  Source
	cache   Cache
	cfg     FetcherConfig
	limiter *rate.Limiter
	sf      singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewFetcher fills zero config fields with defaults. A nil cache gets an
// in-process one.
func NewFetcher(source Source, cache Cache, cfg FetcherConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 6 * time.Hour
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		source:  source,
		cache:   cache,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		now:     time.Now,
		logger:  logger.With("component", "oracle"),
		metrics: metrics,
	}
}

// Fetch returns a fresh snapshot, or the cached one marked Stale when the
// feed fails. Concurrent fetches for the same shipment share one feed call;
// the shared call is detached from any single caller's cancellation and is
// bounded by Timeout instead.
func (f *Fetcher) Fetch(ctx context.Context, shipmentID string) (Snapshot, error) {
	ch := f.sf.DoChan(shipmentID, func() (interface{}, error) {
		return f.fetch(context.WithoutCancel(ctx), shipmentID)
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (f *Fetcher) fetch(ctx context.Context, shipmentID string) (Snapshot, error) {
	snap, err := f.fetchLive(ctx, shipmentID)
	if err == nil {
		f.metrics.OracleFetch(ctx, "fresh")
		return snap, nil
	}
	f.logger.Warn("oracle fetch failed, trying cache", "shipment_id", shipmentID, "error", err)

	cached, ok, cacheErr := f.cache.Get(ctx, shipmentID)
	if cacheErr != nil {
		f.logger.Error("snapshot cache read failed", "shipment_id", shipmentID, "error", cacheErr)
	}
	if ok && f.now().Sub(cached.FetchedAt) <= f.cfg.StaleAfter {
		cached.Stale = true
		f.metrics.OracleFetch(ctx, "cache")
		return cached, nil
	}
	f.metrics.OracleFetch(ctx, "error")
	return Snapshot{}, fmt.Errorf("%w for %s: %w", ErrNoData, shipmentID, err)
}

func (f *Fetcher) fetchLive(ctx context.Context, shipmentID string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("%w: rate limit: %v", ErrUnavailable, err)
	}
	snap, err := f.source.FetchSnapshot(ctx, shipmentID)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Snapshot{}, fmt.Errorf("%w: timed out after %s", ErrUnavailable, f.cfg.Timeout)
		}
		return Snapshot{}, err
	}
	snap.ShipmentID = shipmentID
	snap.Stale = false
	snap.FetchedAt = f.now().UTC()
	if err := f.cache.Put(ctx, snap); err != nil {
		f.logger.Error("snapshot cache write failed", "shipment_id", shipmentID, "error", err)
	}
	return snap, nil
}
