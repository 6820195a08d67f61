package tracking

import (
	"errors"
	"fmt"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStatus     = errors.New("unknown oracle status")
)

type TransitionError struct {
	ShipmentID string
	From       models.ShipmentStatus
	To         models.ShipmentStatus
	Reason     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("shipment %s: cannot move from %s to %s: %s", e.ShipmentID, e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeNoop     Outcome = "noop"
)

// Decision is the pure result of checking one transition.
type Decision struct {
	Outcome  Outcome
	Status   models.ShipmentStatus
	Progress models.ShipmentStatus
}

func progressOf(sh models.Shipment) models.ShipmentStatus {
	if isForward(sh.ProgressStatus) {
		return sh.ProgressStatus
	}
	if isForward(sh.Status) {
		return sh.Status
	}
	return models.StatusPending
}

// Decide applies the transition rule to moving sh to next.
//
// Same status is a no-op. Terminal shipments accept nothing else. delayed
// and cancelled are reachable from any non-terminal status. Forward statuses
// are accepted when they are not behind the furthest forward status reached,
// which delayed does not reset.
func Decide(sh models.Shipment, next models.ShipmentStatus) (Decision, error) {
	progress := progressOf(sh)
	if !next.Valid() {
		return Decision{}, &TransitionError{ShipmentID: sh.ID, From: sh.Status, To: next, Reason: "not a canonical status"}
	}
	if next == sh.Status {
		return Decision{Outcome: OutcomeNoop, Status: sh.Status, Progress: progress}, nil
	}
	if sh.Status.Terminal() {
		return Decision{}, &TransitionError{ShipmentID: sh.ID, From: sh.Status, To: next, Reason: "shipment is in a terminal status"}
	}
	if next == models.StatusDelayed || next == models.StatusCancelled {
		return Decision{Outcome: OutcomeAccepted, Status: next, Progress: progress}, nil
	}
	if forwardRank[next] < forwardRank[progress] {
		return Decision{}, &TransitionError{
			ShipmentID: sh.ID,
			From:       sh.Status,
			To:         next,
			Reason:     fmt.Sprintf("behind progress %s", progress),
		}
	}
	return Decision{Outcome: OutcomeAccepted, Status: next, Progress: next}, nil
}
