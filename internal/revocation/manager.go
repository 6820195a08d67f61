// Package revocation revokes a shipment's token and freezes its funds. The
// ledger step and the off-chain steps are not atomic; a record tracks how far
// a revocation got so the reconciler can finish it.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/audit"
	"github.com/ILLUVRSE/AssetBridge/internal/ledger"
	"github.com/ILLUVRSE/AssetBridge/internal/locks"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/settlement"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/telemetry"
)

// AuditActor is the actor written on every revocation audit entry. The admin
// who asked is in the payload.
const AuditActor = "revoked"

type Publisher interface {
	Revoke(ctx context.Context, tokenID, reason string) (string, error)
	CheckTx(ctx context.Context, txHash string) (ledger.TxStatus, error)
}

type Canceller interface {
	ForceCancel(ctx context.Context, shipmentID, reason, actor string) (models.Shipment, error)
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (*audit.Event, error)
}

type Config struct {
	Store     store.Store
	Publisher Publisher
	Canceller Canceller
	Auditor   Auditor
	Notifier  settlement.Notifier
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

type Manager struct {
	store    store.Store
	pub      Publisher
	cancel   Canceller
	auditor  Auditor
	notifier settlement.Notifier
	// serializes revocations per shipment; separate from the shipment locks
	// because ForceCancel takes those
	locks   *locks.Keyed
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    cfg.Store,
		pub:      cfg.Publisher,
		cancel:   cfg.Canceller,
		auditor:  cfg.Auditor,
		notifier: cfg.Notifier,
		locks:    locks.NewKeyed(64),
		logger:   logger.With("component", "revocation"),
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Revoke revokes the shipment's token and then freezes funds. With no token
// mapping it fails before any ledger call or write. A confirmation timeout
// returns ledger.ErrConfirmationPending and leaves the record for the
// reconciler.
func (m *Manager) Revoke(ctx context.Context, shipmentID, reason, actor string) (models.Revocation, error) {
	mapping, err := m.store.GetTokenMapping(ctx, shipmentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && mapping.TokenID == "") {
		return models.Revocation{}, fmt.Errorf("shipment %s: %w", shipmentID, ledger.ErrNoTokenMapping)
	}
	if err != nil {
		return models.Revocation{}, err
	}

	var rec models.Revocation
	err = m.locks.Do(shipmentID, func() error {
		rec, err = m.openRecord(ctx, mapping, reason, actor)
		if err != nil {
			return err
		}
		rec, err = m.advance(ctx, rec)
		return err
	})
	return rec, err
}

// Resume drives an existing record forward. The reconciler calls it.
func (m *Manager) Resume(ctx context.Context, shipmentID string) (models.Revocation, error) {
	var rec models.Revocation
	err := m.locks.Do(shipmentID, func() error {
		var err error
		rec, err = m.store.GetRevocation(ctx, shipmentID)
		if err != nil {
			return err
		}
		rec, err = m.advance(ctx, rec)
		return err
	})
	return rec, err
}

func (m *Manager) openRecord(ctx context.Context, mapping models.TokenMapping, reason, actor string) (models.Revocation, error) {
	rec, err := m.store.GetRevocation(ctx, mapping.ShipmentID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Revocation{}, err
	}
	rec, err = m.store.CreateRevocation(ctx, models.Revocation{
		ShipmentID: mapping.ShipmentID,
		TokenID:    mapping.TokenID,
		Reason:     reason,
		Actor:      actor,
		State:      models.RevocationLedgerPending,
	})
	if errors.Is(err, store.ErrConflict) {
		return m.store.GetRevocation(ctx, mapping.ShipmentID)
	}
	return rec, err
}

func (m *Manager) advance(ctx context.Context, rec models.Revocation) (models.Revocation, error) {
	var err error
	switch rec.State {
	case models.RevocationCompleted:
		return rec, nil
	case models.RevocationLedgerUnknown:
		rec, err = m.recheck(ctx, rec)
	case models.RevocationLedgerPending, models.RevocationLedgerFailed:
		rec, err = m.submit(ctx, rec)
	}
	if err != nil {
		return rec, err
	}
	if rec.State != models.RevocationLedgerConfirmed {
		return rec, fmt.Errorf("revocation %s in unexpected state %s", rec.ID, rec.State)
	}
	return m.completeOffChain(ctx, rec)
}

func (m *Manager) submit(ctx context.Context, rec models.Revocation) (models.Revocation, error) {
	rec.Attempts++
	txHash, err := m.pub.Revoke(ctx, rec.TokenID, rec.Reason)
	if txHash != "" {
		rec.TxHash = txHash
	}
	switch {
	case err == nil:
		rec.State = models.RevocationLedgerConfirmed
		rec.LastError = ""
	case errors.Is(err, ledger.ErrConfirmationPending):
		rec.State = models.RevocationLedgerUnknown
		rec.LastError = err.Error()
	default:
		rec.State = models.RevocationLedgerFailed
		rec.LastError = err.Error()
	}
	saved, saveErr := m.store.UpdateRevocation(ctx, rec)
	if saveErr != nil {
		return rec, fmt.Errorf("save revocation: %w", saveErr)
	}
	m.metrics.Revocation(ctx, string(saved.State))
	if err != nil {
		m.logger.Warn("ledger revoke not confirmed", "shipment_id", rec.ShipmentID, "token_id", rec.TokenID, "state", saved.State, "error", err)
		return saved, err
	}
	m.logger.Info("ledger revoke confirmed", "shipment_id", rec.ShipmentID, "token_id", rec.TokenID, "tx", rec.TxHash)
	return saved, nil
}

// recheck reads the status of a tx whose confirmation timed out. A tx that
// failed is resubmitted; one still pending stays unknown.
func (m *Manager) recheck(ctx context.Context, rec models.Revocation) (models.Revocation, error) {
	if rec.TxHash == "" {
		return m.submit(ctx, rec)
	}
	st, err := m.pub.CheckTx(ctx, rec.TxHash)
	if err != nil {
		return rec, fmt.Errorf("check revoke tx %s: %w", rec.TxHash, err)
	}
	switch st.State {
	case ledger.TxConfirmed:
		rec.State = models.RevocationLedgerConfirmed
		rec.LastError = ""
		saved, err := m.store.UpdateRevocation(ctx, rec)
		if err != nil {
			return rec, fmt.Errorf("save revocation: %w", err)
		}
		m.metrics.Revocation(ctx, string(saved.State))
		return saved, nil
	case ledger.TxFailed:
		m.logger.Warn("revoke tx failed, resubmitting", "shipment_id", rec.ShipmentID, "tx", rec.TxHash, "error", st.Error)
		return m.submit(ctx, rec)
	default:
		return rec, fmt.Errorf("%w: tx %s", ledger.ErrConfirmationPending, rec.TxHash)
	}
}

// completeOffChain runs once the ledger revoke is confirmed. Every step is
// safe to repeat; the record stays ledger_confirmed until all succeed.
func (m *Manager) completeOffChain(ctx context.Context, rec models.Revocation) (models.Revocation, error) {
	fail := func(step string, err error) (models.Revocation, error) {
		rec.LastError = fmt.Sprintf("%s: %v", step, err)
		if saved, saveErr := m.store.UpdateRevocation(ctx, rec); saveErr == nil {
			rec = saved
		}
		m.logger.Error("revocation step failed", "shipment_id", rec.ShipmentID, "step", step, "error", err)
		return rec, fmt.Errorf("revocation %s: %s: %w", rec.ID, step, err)
	}

	if _, err := m.cancel.ForceCancel(ctx, rec.ShipmentID, rec.Reason, rec.Actor); err != nil {
		return fail("cancel shipment", err)
	}

	frozen, err := m.store.CreateFrozenFunds(ctx, models.FrozenFundsRecord{
		ShipmentID:   rec.ShipmentID,
		TokenID:      rec.TokenID,
		RevocationID: rec.ID,
		Reason:       rec.Reason,
	})
	if err != nil {
		return fail("freeze funds", err)
	}
	rec.FrozenFundsID = frozen.ID

	if m.auditor != nil {
		ev, err := m.auditor.Record(ctx, audit.Entry{
			EventType:  audit.EventShipmentRevoked,
			ShipmentID: rec.ShipmentID,
			Actor:      AuditActor,
			Key:        "revocation:" + rec.ID,
			Payload: map[string]any{
				"reason":       rec.Reason,
				"revokedBy":    rec.Actor,
				"tokenId":      rec.TokenID,
				"txHash":       rec.TxHash,
				"revocationId": rec.ID,
				"timestamp":    m.now().Format(time.RFC3339Nano),
			},
		})
		if err != nil {
			return fail("audit", err)
		}
		rec.AuditEventID = ev.ID
	}

	if frozen.NotifiedAt == nil && m.notifier != nil {
		if err := m.notifier.PublishFrozenFunds(ctx, frozen); err != nil {
			return fail("notify settlement", err)
		}
		if err := m.store.MarkFrozenFundsNotified(ctx, frozen.ID, m.now()); err != nil {
			return fail("mark notified", err)
		}
	}

	now := m.now()
	rec.State = models.RevocationCompleted
	rec.LastError = ""
	rec.CompletedAt = &now
	saved, err := m.store.UpdateRevocation(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("save revocation: %w", err)
	}
	m.metrics.Revocation(ctx, string(saved.State))
	m.logger.Info("revocation completed", "shipment_id", rec.ShipmentID, "revocation_id", rec.ID, "frozen_funds_id", frozen.ID)
	return saved, nil
}
