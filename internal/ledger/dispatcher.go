package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

// OutboxStore is the outbox half of store.Store.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkOutboxResult(ctx context.Context, id string, success bool, errMsg string, retryAt time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, errMsg string) error
}

// errUndeliverable marks messages that no retry can fix.
var errUndeliverable = errors.New("undeliverable outbox message")

// DispatcherConfig tunes outbox polling, parallelism and retry policy.
type DispatcherConfig struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// ParkFor is how long a message waits when its shipment has no token yet.
	ParkFor time.Duration
	// MaxAttempts is how many transient failures a message may see before it
	// is marked failed.
	MaxAttempts int
}

// Dispatcher delivers queued ledger calls. A failed call is rescheduled with
// exponential backoff and never fails the transition that queued it. Calls
// the ledger rejects, or that cannot be decoded, are marked failed at once.
type Dispatcher struct {
	store  OutboxStore
	pub    *Publisher
	cfg    DispatcherConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher fills zero config fields with defaults.
func NewDispatcher(st OutboxStore, pub *Publisher, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.ParkFor <= 0 {
		cfg.ParkFor = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  st,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("component", "ledger.outbox"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("starting", "batch", d.cfg.BatchSize, "concurrency", d.cfg.Concurrency)
	defer d.logger.Info("stopped")
	for {
		n, err := d.RunOnce(ctx)
		if err != nil {
			d.logger.Error("claim outbox", "error", err)
		}
		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunOnce claims one batch and returns how many messages it claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	msgs, err := d.store.ClaimOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			d.process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return len(msgs), nil
}

func (d *Dispatcher) process(parentCtx context.Context, msg models.OutboxMessage) {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	err := d.deliver(ctx, msg)
	cancel()

	if err == nil {
		if markErr := d.store.MarkOutboxResult(parentCtx, msg.ID, true, "", time.Time{}); markErr != nil {
			d.logger.Error("mark outbox delivered", "id", msg.ID, "error", markErr)
		}
		return
	}

	var retryAt time.Time
	switch {
	case errors.Is(err, ErrNoTokenMapping):
		retryAt = d.now().Add(d.cfg.ParkFor)
		d.logger.Info("outbox parked until mint", "id", msg.ID, "shipment_id", msg.ShipmentID, "kind", msg.Kind)
	case errors.Is(err, ErrLedgerRejected), errors.Is(err, errUndeliverable), msg.Attempts >= d.cfg.MaxAttempts:
		d.logger.Error("outbox message failed", "id", msg.ID, "shipment_id", msg.ShipmentID, "kind", msg.Kind, "attempts", msg.Attempts, "error", err)
		if markErr := d.store.MarkOutboxFailed(parentCtx, msg.ID, err.Error()); markErr != nil {
			d.logger.Error("mark outbox dead", "id", msg.ID, "error", markErr)
		}
		return
	default:
		retryAt = d.now().Add(d.backoff(msg.Attempts))
		d.logger.Warn("outbox delivery failed", "id", msg.ID, "shipment_id", msg.ShipmentID, "kind", msg.Kind, "attempts", msg.Attempts, "retry_at", retryAt, "error", err)
	}
	if markErr := d.store.MarkOutboxResult(parentCtx, msg.ID, false, err.Error(), retryAt); markErr != nil {
		d.logger.Error("mark outbox failure", "id", msg.ID, "error", markErr)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg models.OutboxMessage) error {
	switch msg.Kind {
	case models.OutboxStatusUpdate:
		var p models.StatusUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode %s: %v", errUndeliverable, msg.Kind, err)
		}
		if p.ShipmentID == "" {
			p.ShipmentID = msg.ShipmentID
		}
		return d.pub.Update(ctx, StatusUpdate{
			ShipmentID: p.ShipmentID,
			Status:     p.Status,
			EventID:    p.EventID,
			OccurredAt: p.OccurredAt,
		})
	case models.OutboxDeliveryVerified:
		var p models.DeliveryVerifiedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode %s: %v", errUndeliverable, msg.Kind, err)
		}
		if p.ShipmentID == "" {
			p.ShipmentID = msg.ShipmentID
		}
		return d.pub.AttestDelivery(ctx, DeliveryAttestation{
			ShipmentID: p.ShipmentID,
			ProofID:    p.ProofID,
			FactsHash:  p.FactsHash,
			SignerID:   p.SignerID,
			VerifiedAt: p.VerifiedAt,
		})
	default:
		return fmt.Errorf("%w: unknown kind %q", errUndeliverable, msg.Kind)
	}
}

// backoff is BaseBackoff * 2^(attempts-1), capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 32 {
		return d.cfg.MaxBackoff
	}
	exp := math.Pow(2, float64(attempts-1))
	wait := time.Duration(float64(d.cfg.BaseBackoff) * exp)
	if wait <= 0 || wait > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return wait
}
