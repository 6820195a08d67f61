package audit

import (
	"context"
	"log/slog"

	"github.com/ILLUVRSE/AssetBridge/internal/signing"
)

// Entry is what callers hand to Recorder.Record.
type Entry struct {
	EventType  string
	ShipmentID string
	Actor      string
	// Key makes the write idempotent; a second Record with the same key
	// returns the first event.
	Key     string
	Payload map[string]any
}

// Recorder appends signed entries to the chain using the bridge signer.
type Recorder struct {
	store  Store
	signer signing.Signer
	logger *slog.Logger
}

func NewRecorder(store Store, signer signing.Signer, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, signer: signer, logger: logger.With("component", "audit")}
}

func (r *Recorder) Record(ctx context.Context, e Entry) (*Event, error) {
	payload := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		payload[k] = v
	}
	if e.ShipmentID != "" {
		payload["shipmentId"] = e.ShipmentID
	}
	if e.Actor != "" {
		payload["actor"] = e.Actor
	}
	ev := &Event{
		EventType:  e.EventType,
		ShipmentID: e.ShipmentID,
		Actor:      e.Actor,
		Key:        e.Key,
		Payload:    payload,
	}
	if err := r.store.Append(ctx, ev, r.signer); err != nil {
		return nil, err
	}
	r.logger.Info("audit event recorded", "event_id", ev.ID, "event_type", ev.EventType, "shipment_id", ev.ShipmentID)
	return ev, nil
}

func (r *Recorder) List(ctx context.Context, filter ListFilter) ([]Event, error) {
	return r.store.List(ctx, filter)
}
