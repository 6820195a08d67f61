package store

import (
	"context"
	"errors"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store is the document store behind the engine. Shipments, events and token
// mappings are only written through it.
type Store interface {
	CreateShipment(ctx context.Context, in ShipmentInput) (models.Shipment, error)
	GetShipment(ctx context.Context, id string) (models.Shipment, error)
	ListShipments(ctx context.Context, filter ListShipmentsFilter) ([]models.Shipment, error)
	ListEvents(ctx context.Context, shipmentID string) ([]models.ShipmentEvent, error)

	// MutateShipment runs fn against the current shipment row while holding it
	// locked and applies the returned Mutation atomically. An error from fn
	// aborts with no side effects.
	MutateShipment(ctx context.Context, id string, fn MutateFunc) (models.Shipment, error)

	RecordAnomaly(ctx context.Context, a models.OracleAnomaly) error

	CreateTokenMapping(ctx context.Context, m models.TokenMapping) (models.TokenMapping, error)
	GetTokenMapping(ctx context.Context, shipmentID string) (models.TokenMapping, error)
	GetTokenMappingByToken(ctx context.Context, tokenID string) (models.TokenMapping, error)
	SetMintTx(ctx context.Context, shipmentID, txHash string) error
	ConfirmTokenMapping(ctx context.Context, shipmentID, tokenID string) (models.TokenMapping, error)

	ListDeliveryProofs(ctx context.Context, shipmentID string) ([]models.DeliveryProof, error)
	RecordRejectedProof(ctx context.Context, r models.RejectedProof) error
	ListRejectedProofs(ctx context.Context, shipmentID string) ([]models.RejectedProof, error)

	CreateFrozenFunds(ctx context.Context, rec models.FrozenFundsRecord) (models.FrozenFundsRecord, error)
	MarkFrozenFundsNotified(ctx context.Context, id string, at time.Time) error
	ListFrozenFunds(ctx context.Context, shipmentID string) ([]models.FrozenFundsRecord, error)

	CreateRevocation(ctx context.Context, rec models.Revocation) (models.Revocation, error)
	GetRevocation(ctx context.Context, shipmentID string) (models.Revocation, error)
	UpdateRevocation(ctx context.Context, rec models.Revocation) (models.Revocation, error)
	ListIncompleteRevocations(ctx context.Context, limit int) ([]models.Revocation, error)

	ClaimOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkOutboxResult(ctx context.Context, id string, success bool, errMsg string, retryAt time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, errMsg string) error

	Ping(ctx context.Context) error
}

type MutateFunc func(current models.Shipment) (Mutation, error)

// Mutation is what a MutateFunc asks the store to write. Nil fields are left alone.
type Mutation struct {
	Shipment *models.Shipment
	Event    *models.ShipmentEvent
	Proof    *models.DeliveryProof
	Outbox   []models.OutboxMessage
}

func (m Mutation) empty() bool {
	return m.Shipment == nil && m.Event == nil && m.Proof == nil && len(m.Outbox) == 0
}

type ShipmentInput struct {
	ID          string
	Origin      string
	Destination string
	Carrier     string
	Quantity    int64
	Category    string
	TrackingURL string
	Documents   []string
}

type ListShipmentsFilter struct {
	// ActiveOnly skips shipments in a terminal status.
	ActiveOnly bool
	Limit      int
	Offset     int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
