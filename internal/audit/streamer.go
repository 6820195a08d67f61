package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/AssetBridge/internal/canonical"
)

// Producer is the part of KafkaProducer the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (time.Time, error)
	Close() error
}

// StreamStore is implemented by stores that track streaming state.
type StreamStore interface {
	FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]*Event, error)
	MarkEventStreamResult(ctx context.Context, id string, archivedKey sql.NullString, success bool, errMsg sql.NullString) error
}

type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
}

// Streamer ships committed audit events to Kafka and the archive. The
// database is the source of truth: an event is retried until both succeed.
type Streamer struct {
	store    StreamStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	logger   *slog.Logger
}

func NewStreamer(store StreamStore, producer Producer, archiver Archiver, cfg StreamerConfig, logger *slog.Logger) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With("component", "audit.streamer"),
	}
}

// Run polls until ctx is cancelled. A batch is drained before the next claim.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("starting", "batch", s.cfg.BatchSize, "concurrency", s.cfg.MaxConcurrency)
	defer s.logger.Info("stopped")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
	}()

	for {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("fetch pending", "error", err)
		}
		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunOnce claims and processes one batch, returning how many events it claimed.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	events, err := s.store.FetchPendingEventsForStreaming(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			if err := s.processEvent(ctx, ev); err != nil {
				s.logger.Warn("process event failed", "event_id", ev.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(events), nil
}

func (s *Streamer) fail(ctx context.Context, id string, err error) error {
	msg := sql.NullString{String: err.Error(), Valid: true}
	if markErr := s.store.MarkEventStreamResult(ctx, id, sql.NullString{}, false, msg); markErr != nil {
		s.logger.Error("mark stream failure", "event_id", id, "error", markErr)
	}
	return err
}

func (s *Streamer) processEvent(parentCtx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	body, err := canonical.MarshalCanonical(envelope(ev))
	if err != nil {
		return s.fail(parentCtx, ev.ID, fmt.Errorf("canonicalize envelope: %w", err))
	}
	key := ev.ShipmentID
	if key == "" {
		key = ev.ID
	}
	producedAt, err := s.producer.Produce(ctx, []byte(key), body)
	if err != nil {
		return s.fail(parentCtx, ev.ID, fmt.Errorf("kafka produce: %w", err))
	}

	var archivedKey sql.NullString
	if s.archiver != nil {
		objectKey, err := s.archiver.ArchiveEvent(ctx, ev)
		if err != nil {
			return s.fail(parentCtx, ev.ID, fmt.Errorf("s3 archive: %w", err))
		}
		archivedKey = sql.NullString{String: objectKey, Valid: objectKey != ""}
	}

	if err := s.store.MarkEventStreamResult(parentCtx, ev.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark event stream success: %w", err)
	}
	s.logger.Debug("event streamed", "event_id", ev.ID, "produced_at", producedAt, "archived_key", archivedKey.String)
	return nil
}
