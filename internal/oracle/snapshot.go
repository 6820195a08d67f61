// Package oracle fetches tracking snapshots from the external carrier feed.
// Feed responses are untrusted: they are schema-validated and never
// default-filled, and failures fall back to a bounded-age cached snapshot.
package oracle

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoData means the feed failed and no usable cached snapshot exists.
	ErrNoData = errors.New("oracle: no data available")
	// ErrUnavailable wraps transport failures and non-2xx responses.
	ErrUnavailable = errors.New("oracle: feed unavailable")
	// ErrInvalidResponse wraps payloads that fail validation.
	ErrInvalidResponse = errors.New("oracle: invalid response")
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type SubEvent struct {
	Status      string    `json:"status"`
	Location    string    `json:"location,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
}

// Snapshot is one observation of a shipment. Timestamp is the carrier's
// event time; FetchedAt is when the bridge received it. Stale marks a
// snapshot served from cache after a failed fetch.
type Snapshot struct {
	ShipmentID        string       `json:"shipmentId"`
	Status            string       `json:"status"`
	Location          string       `json:"location,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
	EstimatedDelivery *time.Time   `json:"estimatedDelivery,omitempty"`
	Carrier           string       `json:"carrier,omitempty"`
	Events            []SubEvent   `json:"events,omitempty"`
	Coordinates       *Coordinates `json:"coordinates,omitempty"`
	Stale             bool         `json:"stale"`
	FetchedAt         time.Time    `json:"fetchedAt"`
}

// Source is a live tracking feed.
type Source interface {
	FetchSnapshot(ctx context.Context, shipmentID string) (Snapshot, error)
}
