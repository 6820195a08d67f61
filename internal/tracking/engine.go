package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/AssetBridge/internal/locks"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/oracle"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/telemetry"
)

// UnknownStatusPolicy decides what Apply does with an unrecognised status code.
type UnknownStatusPolicy string

const (
	// PolicyDefault applies unknown codes as pending.
	PolicyDefault UnknownStatusPolicy = "default"
	// PolicyQuarantine records unknown codes and applies nothing.
	PolicyQuarantine UnknownStatusPolicy = "quarantine"
)

// Result reports what Apply did to one shipment.
type Result struct {
	Shipment models.Shipment
	Outcome  Outcome
	Event    *models.ShipmentEvent
	// Anomaly is set when the raw code was not recognised.
	Anomaly bool
}

// Engine applies oracle snapshots to shipments one shipment at a time.
type Engine struct {
	store   store.Store
	locks   *locks.Keyed
	policy  UnknownStatusPolicy
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewEngine builds an Engine. A nil lock set gets a fresh one and an empty
// policy means PolicyDefault.
func NewEngine(st store.Store, lk *locks.Keyed, policy UnknownStatusPolicy, logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	if lk == nil {
		lk = locks.NewKeyed(0)
	}
	if policy == "" {
		policy = PolicyDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		locks:   lk,
		policy:  policy,
		logger:  logger.With("component", "tracking"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Apply moves the shipment to the status reported in snap. An accepted
// transition updates the shipment, appends one event and queues a ledger
// status update in a single store mutation. A rejected one writes nothing.
func (e *Engine) Apply(ctx context.Context, shipmentID string, snap oracle.Snapshot) (Result, error) {
	next, known := MapStatus(snap.Status)
	if !known {
		if _, err := e.store.GetShipment(ctx, shipmentID); err != nil {
			return Result{}, err
		}
		if err := e.recordAnomaly(ctx, shipmentID, snap.Status); err != nil {
			return Result{}, err
		}
		if e.policy == PolicyQuarantine {
			return Result{Anomaly: true}, fmt.Errorf("%w: %q for shipment %s", ErrUnknownStatus, snap.Status, shipmentID)
		}
	}

	var res Result
	err := e.locks.Do(shipmentID, func() error {
		sh, err := e.store.MutateShipment(ctx, shipmentID, func(cur models.Shipment) (store.Mutation, error) {
			d, err := Decide(cur, next)
			if err != nil {
				return store.Mutation{}, err
			}
			res.Outcome = d.Outcome
			if d.Outcome == OutcomeNoop {
				return e.refresh(cur, snap), nil
			}
			return e.transition(cur, d, snap)
		})
		if err != nil {
			return err
		}
		res.Shipment = sh
		return nil
	})
	res.Anomaly = !known

	var terr *TransitionError
	switch {
	case errors.As(err, &terr):
		e.metrics.Transition(ctx, "rejected")
		e.logger.Warn("transition rejected", "shipment_id", shipmentID, "from", terr.From, "to", terr.To, "reason", terr.Reason, "raw_status", snap.Status)
		return res, err
	case err != nil:
		return res, err
	}
	e.metrics.Transition(ctx, string(res.Outcome))
	if res.Outcome == OutcomeAccepted {
		e.logger.Info("transition accepted", "shipment_id", shipmentID, "status", res.Shipment.Status, "stale", snap.Stale)
	}
	return res, nil
}

// refresh only moves LastUpdated forward, so re-applying a snapshot leaves
// the row as it was.
func (e *Engine) refresh(cur models.Shipment, snap oracle.Snapshot) store.Mutation {
	if !snap.Timestamp.After(cur.LastUpdated) {
		return store.Mutation{}
	}
	next := cur
	next.LastUpdated = snap.Timestamp.UTC()
	return store.Mutation{Shipment: &next}
}

func (e *Engine) transition(cur models.Shipment, d Decision, snap oracle.Snapshot) (store.Mutation, error) {
	occurred := snap.Timestamp.UTC()
	if occurred.IsZero() {
		occurred = e.now().UTC()
	}
	next := cur
	next.Status = d.Status
	next.ProgressStatus = d.Progress
	if occurred.After(cur.LastUpdated) {
		next.LastUpdated = occurred
	}

	source := "oracle"
	if snap.Stale {
		source = "oracle:cache"
	}
	ev := &models.ShipmentEvent{
		ID:         uuid.NewString(),
		Status:     d.Status,
		EventType:  models.EventTypeFor(d.Status),
		Location:   snap.Location,
		Notes:      snap.Status,
		Source:     source,
		OccurredAt: occurred,
		RecordedAt: e.now().UTC(),
	}
	payload, err := json.Marshal(models.StatusUpdatePayload{
		ShipmentID: cur.ID,
		Status:     d.Status,
		EventID:    ev.ID,
		OccurredAt: occurred,
	})
	if err != nil {
		return store.Mutation{}, fmt.Errorf("marshal status update: %w", err)
	}
	return store.Mutation{
		Shipment: &next,
		Event:    ev,
		Outbox:   []models.OutboxMessage{{Kind: models.OutboxStatusUpdate, Payload: payload}},
	}, nil
}

func (e *Engine) recordAnomaly(ctx context.Context, shipmentID, raw string) error {
	e.metrics.Anomaly(ctx)
	e.logger.Warn("unknown oracle status", "shipment_id", shipmentID, "raw_status", raw, "policy", e.policy)
	err := e.store.RecordAnomaly(ctx, models.OracleAnomaly{
		ShipmentID:  shipmentID,
		RawStatus:   raw,
		MappedTo:    models.StatusPending,
		Quarantined: e.policy == PolicyQuarantine,
		ObservedAt:  e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record anomaly: %w", err)
	}
	return nil
}

// ForceCancel is the revocation override: it cancels the shipment whatever
// its status, including delivered, and clears Verified. It is a no-op on a
// shipment that is already cancelled and unverified.
func (e *Engine) ForceCancel(ctx context.Context, shipmentID, reason, actor string) (models.Shipment, error) {
	var sh models.Shipment
	err := e.locks.Do(shipmentID, func() error {
		var err error
		sh, err = e.store.MutateShipment(ctx, shipmentID, func(cur models.Shipment) (store.Mutation, error) {
			if cur.Status == models.StatusCancelled && !cur.Verified {
				return store.Mutation{}, nil
			}
			now := e.now().UTC()
			next := cur
			next.Status = models.StatusCancelled
			next.ProgressStatus = progressOf(cur)
			next.Verified = false
			if now.After(cur.LastUpdated) {
				next.LastUpdated = now
			}
			mut := store.Mutation{Shipment: &next}
			if cur.Status != models.StatusCancelled {
				mut.Event = &models.ShipmentEvent{
					ID:         uuid.NewString(),
					Status:     models.StatusCancelled,
					EventType:  models.EventCancelled,
					Notes:      reason,
					Source:     "revocation:" + actor,
					OccurredAt: now,
					RecordedAt: now,
				}
			}
			return mut, nil
		})
		return err
	})
	if err != nil {
		return models.Shipment{}, err
	}
	e.logger.Info("shipment force-cancelled", "shipment_id", shipmentID, "actor", actor)
	return sh, nil
}
