// Package audit keeps the bridge's append-only, hash-chained and signed record
// of administrative and settlement-relevant actions.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/AssetBridge/internal/canonical"
)

const (
	EventShipmentRevoked  = "shipment.revoked"
	EventDeliveryVerified = "delivery.verified"
)

// Event is one entry in the audit chain.
type Event struct {
	ID         string         `json:"id"`
	EventType  string         `json:"eventType"`
	ShipmentID string         `json:"shipmentId,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Key        string         `json:"key,omitempty"`
	Payload    map[string]any `json:"payload"`
	PrevHash   string         `json:"prevHash,omitempty"`
	Hash       string         `json:"hash"`
	Signature  string         `json:"signature"` // base64
	SignerID   string         `json:"signerId"`
	Ts         time.Time      `json:"ts"`
}

// ListFilter narrows ListEvents. Empty fields match everything.
type ListFilter struct {
	ShipmentID string
	EventType  string
	Limit      int
	Offset     int
}

var ErrNotFound = errors.New("audit event not found")

func NewUUID() string {
	return uuid.New().String()
}

// chainHash computes sha256(canonical(payload) || prevHashBytes).
func chainHash(payload map[string]any, prevHex string) ([]byte, error) {
	canon, err := canonical.MarshalCanonical(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	concat := append([]byte{}, canon...)
	if prevHex != "" {
		prev, err := hex.DecodeString(prevHex)
		if err != nil {
			return nil, fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prev...)
	}
	sum := sha256.Sum256(concat)
	return sum[:], nil
}

// envelope is the canonical shape written to Kafka and the archive.
func envelope(ev *Event) map[string]any {
	return map[string]any{
		"id":         ev.ID,
		"eventType":  ev.EventType,
		"shipmentId": ev.ShipmentID,
		"actor":      ev.Actor,
		"payload":    ev.Payload,
		"prevHash":   ev.PrevHash,
		"hash":       ev.Hash,
		"signature":  ev.Signature,
		"signerId":   ev.SignerID,
		"ts":         ev.Ts.Format(time.RFC3339Nano),
	}
}
