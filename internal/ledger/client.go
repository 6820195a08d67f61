// Package ledger talks to the ledger gateway. It mints one token per
// shipment, pushes status and delivery attestations through an outbox, and
// revokes tokens on admin request.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
)

var (
	// ErrConfirmationPending means the tx was submitted but not confirmed in
	// time. Its outcome is unknown, not failed.
	ErrConfirmationPending = errors.New("ledger confirmation pending")
	ErrLedgerRejected      = errors.New("ledger rejected transaction")
	ErrUnavailable         = errors.New("ledger unavailable")
	ErrAlreadyMinted       = errors.New("shipment already minted")
	ErrNoTokenMapping      = fmt.Errorf("%w: no token mapping", store.ErrNotFound)
)

type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

type TxStatus struct {
	Hash    string  `json:"hash"`
	State   TxState `json:"status"`
	TokenID string  `json:"tokenId,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type MintRequest struct {
	ShipmentID   string `json:"shipmentId"`
	MetadataURI  string `json:"metadataUri"`
	MetadataHash string `json:"metadataHash"`
}

type StatusUpdate struct {
	ShipmentID string                `json:"shipmentId"`
	Status     models.ShipmentStatus `json:"status"`
	EventID    string                `json:"eventId"`
	OccurredAt time.Time             `json:"occurredAt"`
}

type DeliveryAttestation struct {
	ShipmentID string    `json:"shipmentId"`
	ProofID    string    `json:"proofId"`
	FactsHash  string    `json:"factsHash"`
	SignerID   string    `json:"signerId"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Client is the ledger gateway. Every write returns the tx hash it submitted.
type Client interface {
	Mint(ctx context.Context, req MintRequest) (string, error)
	UpdateStatus(ctx context.Context, tokenID string, u StatusUpdate) (string, error)
	AttestDelivery(ctx context.Context, tokenID string, a DeliveryAttestation) (string, error)
	Revoke(ctx context.Context, tokenID, reason string) (string, error)
	TxStatus(ctx context.Context, txHash string) (TxStatus, error)
}
