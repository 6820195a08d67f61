package models

import (
	"encoding/json"
	"time"
)

type ShipmentStatus string

const (
	StatusPending          ShipmentStatus = "pending"
	StatusPickedUp         ShipmentStatus = "picked_up"
	StatusInTransit        ShipmentStatus = "in_transit"
	StatusCustomsClearance ShipmentStatus = "customs_clearance"
	StatusDelivered        ShipmentStatus = "delivered"
	StatusDelayed          ShipmentStatus = "delayed"
	StatusCancelled        ShipmentStatus = "cancelled"
)

// Terminal reports whether the status-machine accepts no further moves out of s.
func (s ShipmentStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s ShipmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPickedUp, StatusInTransit, StatusCustomsClearance,
		StatusDelivered, StatusDelayed, StatusCancelled:
		return true
	}
	return false
}

type EventType string

const (
	EventPending          EventType = "Pending"
	EventPickedUp         EventType = "PickedUp"
	EventInTransit        EventType = "InTransit"
	EventCustomsClearance EventType = "CustomsClearance"
	EventDelivered        EventType = "Delivered"
	EventDelayed          EventType = "Delayed"
	EventCancelled        EventType = "Cancelled"
)

// EventTypeFor returns the event type recorded when a shipment enters status.
func EventTypeFor(status ShipmentStatus) EventType {
	switch status {
	case StatusPickedUp:
		return EventPickedUp
	case StatusInTransit:
		return EventInTransit
	case StatusCustomsClearance:
		return EventCustomsClearance
	case StatusDelivered:
		return EventDelivered
	case StatusDelayed:
		return EventDelayed
	case StatusCancelled:
		return EventCancelled
	default:
		return EventPending
	}
}

type Shipment struct {
	ID          string         `json:"shipmentId"`
	Origin      string         `json:"origin"`
	Destination string         `json:"destination"`
	Carrier     string         `json:"carrier"`
	Quantity    int64          `json:"quantity"`
	Category    string         `json:"category,omitempty"`
	TrackingURL string         `json:"trackingUrl,omitempty"`
	Documents   []string       `json:"documents"`
	Status      ShipmentStatus `json:"status"`
	// ProgressStatus is the furthest forward-ordered status reached. It stays put
	// while the shipment is delayed so a later report cannot move it backwards.
	ProgressStatus ShipmentStatus `json:"progressStatus"`
	Verified       bool           `json:"verified"`
	LastUpdated    time.Time      `json:"lastUpdated"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type ShipmentEvent struct {
	ID         string         `json:"id"`
	ShipmentID string         `json:"shipmentId"`
	Status     ShipmentStatus `json:"status"`
	EventType  EventType      `json:"eventType"`
	Location   string         `json:"location,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Source     string         `json:"source"`
	OccurredAt time.Time      `json:"occurredAt"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// DeliveryFacts is the signed body of a delivery attestation.
type DeliveryFacts struct {
	ShipmentID  string `json:"shipmentId"`
	DeliveredBy string `json:"deliveredBy"`
	Location    string `json:"location"`
	Quantity    int64  `json:"quantity"`
	Condition   string `json:"condition"`
	DeliveredAt string `json:"deliveredAt"`
}

type DeliveryProof struct {
	ID         string        `json:"id"`
	ShipmentID string        `json:"shipmentId"`
	Facts      DeliveryFacts `json:"facts"`
	FactsHash  string        `json:"factsHash"`
	Signature  string        `json:"signature"`
	SignerID   string        `json:"signerId"`
	VerifiedBy string        `json:"verifiedBy"`
	VerifiedAt time.Time     `json:"verifiedAt"`
	AuditOnly  bool          `json:"auditOnly"`
}

type RejectedProof struct {
	ID         string    `json:"id"`
	ShipmentID string    `json:"shipmentId"`
	SignerID   string    `json:"signerId"`
	FactsHash  string    `json:"factsHash"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"createdAt"`
}

const (
	MappingPending   = "pending"
	MappingConfirmed = "confirmed"
)

type TokenMapping struct {
	ShipmentID   string     `json:"shipmentId"`
	TokenID      string     `json:"tokenId,omitempty"`
	MetadataURI  string     `json:"metadataUri"`
	MetadataHash string     `json:"metadataHash"`
	MintTxHash   string     `json:"mintTxHash,omitempty"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"createdAt"`
	ConfirmedAt  *time.Time `json:"confirmedAt,omitempty"`
}

type FrozenFundsRecord struct {
	ID           string     `json:"id"`
	ShipmentID   string     `json:"shipmentId"`
	TokenID      string     `json:"tokenId"`
	RevocationID string     `json:"revocationId"`
	Reason       string     `json:"reason"`
	CreatedAt    time.Time  `json:"createdAt"`
	NotifiedAt   *time.Time `json:"notifiedAt,omitempty"`
}

type RevocationState string

const (
	RevocationLedgerPending   RevocationState = "ledger_pending"
	RevocationLedgerUnknown   RevocationState = "ledger_unknown"
	RevocationLedgerFailed    RevocationState = "ledger_failed"
	RevocationLedgerConfirmed RevocationState = "ledger_confirmed"
	RevocationCompleted       RevocationState = "completed"
)

type Revocation struct {
	ID            string          `json:"id"`
	ShipmentID    string          `json:"shipmentId"`
	TokenID       string          `json:"tokenId"`
	Reason        string          `json:"reason"`
	Actor         string          `json:"actor"`
	State         RevocationState `json:"state"`
	TxHash        string          `json:"txHash,omitempty"`
	FrozenFundsID string          `json:"frozenFundsId,omitempty"`
	AuditEventID  string          `json:"auditEventId,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

type OracleAnomaly struct {
	ID          string         `json:"id"`
	ShipmentID  string         `json:"shipmentId"`
	RawStatus   string         `json:"rawStatus"`
	MappedTo    ShipmentStatus `json:"mappedTo"`
	Quarantined bool           `json:"quarantined"`
	ObservedAt  time.Time      `json:"observedAt"`
}

const (
	OutboxStatusUpdate     = "status_update"
	OutboxDeliveryVerified = "delivery_verified"
	OutboxStatePending     = "pending"
	OutboxStateInProgress  = "in_progress"
	OutboxStateDelivered   = "delivered"
	// OutboxStateFailed is terminal: the ledger refused the call or the
	// message can never be decoded. Later messages for the shipment proceed.
	OutboxStateFailed = "failed"
)

// OutboxMessage is a ledger call queued in the same transaction as the
// off-chain change that caused it.
type OutboxMessage struct {
	ID            string          `json:"id"`
	ShipmentID    string          `json:"shipmentId"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	State         string          `json:"state"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// StatusUpdatePayload is the outbox body for OutboxStatusUpdate.
type StatusUpdatePayload struct {
	ShipmentID string         `json:"shipmentId"`
	Status     ShipmentStatus `json:"status"`
	EventID    string         `json:"eventId"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// DeliveryVerifiedPayload is the outbox body for OutboxDeliveryVerified.
type DeliveryVerifiedPayload struct {
	ShipmentID string    `json:"shipmentId"`
	ProofID    string    `json:"proofId"`
	FactsHash  string    `json:"factsHash"`
	SignerID   string    `json:"signerId"`
	VerifiedAt time.Time `json:"verifiedAt"`
}
