package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/ledger"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
)

// Reconciler finishes revocations left ledger_unknown or ledger_confirmed.
type Reconciler struct {
	mgr      *Manager
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewReconciler(mgr *Manager, interval time.Duration, batch int, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{mgr: mgr, interval: interval, batch: batch, logger: logger.With("component", "revocation.reconciler")}
}

func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("starting", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("list incomplete revocations", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce returns how many records reached completed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	recs, err := r.mgr.store.ListIncompleteRevocations(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		out, err := r.mgr.Resume(ctx, rec.ShipmentID)
		switch {
		case err == nil && out.State == models.RevocationCompleted:
			completed++
		case errors.Is(err, ledger.ErrConfirmationPending):
			r.logger.Debug("revoke still pending", "shipment_id", rec.ShipmentID, "tx", rec.TxHash)
		case err != nil:
			r.logger.Warn("resume revocation", "shipment_id", rec.ShipmentID, "state", rec.State, "error", err)
		}
	}
	return completed, nil
}

// HandleLedgerEvent reacts to events from the ledger topic. A shipment_revoked
// for one of our tokens whose revocation is not finished (or was never
// started here) is recorded as ledger_confirmed so the reconciler completes
// the off-chain side.
func (m *Manager) HandleLedgerEvent(ctx context.Context, ev ledger.Event) error {
	if ev.Type != ledger.EventShipmentRevoked {
		m.logger.Debug("ledger event", "type", ev.Type, "token_id", ev.TokenID, "tx", ev.TxHash)
		return nil
	}
	mapping, err := m.store.GetTokenMappingByToken(ctx, ev.TokenID)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("revocation for unknown token", "token_id", ev.TokenID)
		return nil
	}
	if err != nil {
		return err
	}

	return m.locks.Do(mapping.ShipmentID, func() error {
		rec, err := m.store.GetRevocation(ctx, mapping.ShipmentID)
		if errors.Is(err, store.ErrNotFound) {
			reason := ev.Reason
			if reason == "" {
				reason = "revoked on ledger"
			}
			rec, err = m.store.CreateRevocation(ctx, models.Revocation{
				ShipmentID: mapping.ShipmentID,
				TokenID:    ev.TokenID,
				Reason:     reason,
				Actor:      "ledger",
				State:      models.RevocationLedgerConfirmed,
				TxHash:     ev.TxHash,
			})
			if err != nil {
				return fmt.Errorf("record ledger revocation: %w", err)
			}
			m.logger.Warn("revocation seen on ledger without local record", "shipment_id", rec.ShipmentID, "token_id", ev.TokenID)
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State == models.RevocationCompleted || rec.State == models.RevocationLedgerConfirmed {
			return nil
		}
		rec.State = models.RevocationLedgerConfirmed
		if ev.TxHash != "" {
			rec.TxHash = ev.TxHash
		}
		rec.LastError = ""
		if _, err := m.store.UpdateRevocation(ctx, rec); err != nil {
			return fmt.Errorf("confirm revocation from ledger event: %w", err)
		}
		m.logger.Info("revocation confirmed by ledger event", "shipment_id", rec.ShipmentID, "tx", rec.TxHash)
		return nil
	})
}
