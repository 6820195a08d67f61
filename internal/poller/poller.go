// Package poller periodically pulls oracle snapshots for every active
// shipment and feeds them to the tracking engine.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/oracle"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/tracking"
)

type Fetcher interface {
	Fetch(ctx context.Context, shipmentID string) (oracle.Snapshot, error)
}

type Applier interface {
	Apply(ctx context.Context, shipmentID string, snap oracle.Snapshot) (tracking.Result, error)
}

type Lister interface {
	ListShipments(ctx context.Context, filter store.ListShipmentsFilter) ([]models.Shipment, error)
}

type Config struct {
	Interval    time.Duration
	Concurrency int
	Batch       int
}

type Poller struct {
	shipments Lister
	fetcher   Fetcher
	engine    Applier
	cfg       Config
	logger    *slog.Logger
}

// Stats summarises one pass.
type Stats struct {
	Polled   int
	Accepted int
	Rejected int
	Failed   int
}

func New(shipments Lister, fetcher Fetcher, engine Applier, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Batch <= 0 || cfg.Batch > 500 {
		cfg.Batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		shipments: shipments,
		fetcher:   fetcher,
		engine:    engine,
		cfg:       cfg,
		logger:    logger.With("component", "poller"),
	}
}

func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("starting", "interval", p.cfg.Interval, "concurrency", p.cfg.Concurrency)
	defer p.logger.Info("stopped")
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		stats, err := p.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("poll pass", "error", err)
		} else if stats.Polled > 0 {
			p.logger.Info("poll pass", "polled", stats.Polled, "accepted", stats.Accepted, "rejected", stats.Rejected, "failed", stats.Failed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce polls every active shipment once. Per-shipment failures are logged
// and counted; only a failure to list shipments is returned.
func (p *Poller) RunOnce(ctx context.Context) (Stats, error) {
	ids, err := p.activeIDs(ctx)
	if err != nil {
		return Stats{}, err
	}
	var accepted, rejected, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			switch p.pollOne(gctx, id) {
			case tracking.OutcomeAccepted:
				accepted.Add(1)
			case outcomeRejected:
				rejected.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return Stats{
		Polled:   len(ids),
		Accepted: int(accepted.Load()),
		Rejected: int(rejected.Load()),
		Failed:   int(failed.Load()),
	}, ctx.Err()
}

// activeIDs snapshots the active set before any apply so that shipments
// moving during the pass do not shift the pages.
func (p *Poller) activeIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += p.cfg.Batch {
		batch, err := p.shipments.ListShipments(ctx, store.ListShipmentsFilter{ActiveOnly: true, Limit: p.cfg.Batch, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, sh := range batch {
			ids = append(ids, sh.ID)
		}
		if len(batch) < p.cfg.Batch {
			return ids, nil
		}
	}
}

const (
	outcomeRejected tracking.Outcome = "rejected"
	outcomeFailed   tracking.Outcome = "failed"
)

func (p *Poller) pollOne(ctx context.Context, shipmentID string) tracking.Outcome {
	snap, err := p.fetcher.Fetch(ctx, shipmentID)
	if err != nil {
		p.logger.Warn("fetch snapshot", "shipment_id", shipmentID, "error", err)
		return outcomeFailed
	}
	res, err := p.engine.Apply(ctx, shipmentID, snap)
	switch {
	case errors.Is(err, tracking.ErrInvalidTransition), errors.Is(err, tracking.ErrUnknownStatus):
		// the engine already logged the rejection
		return outcomeRejected
	case err != nil:
		p.logger.Error("apply snapshot", "shipment_id", shipmentID, "error", err)
		return outcomeFailed
	}
	return res.Outcome
}
