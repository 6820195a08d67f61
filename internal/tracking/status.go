// Package tracking is the status state machine. It turns oracle snapshots
// into canonical shipment status changes and owns every write to a
// shipment's status.
package tracking

import (
	"strings"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

// carrier vocabularies, normalized to lower_snake form
var statusSynonyms = map[string]models.ShipmentStatus{
	"pending":         models.StatusPending,
	"created":         models.StatusPending,
	"label_created":   models.StatusPending,
	"info_received":   models.StatusPending,
	"pre_transit":     models.StatusPending,
	"awaiting_pickup": models.StatusPending,
	"booked":          models.StatusPending,

	"picked_up": models.StatusPickedUp,
	"pickup":    models.StatusPickedUp,
	"picked":    models.StatusPickedUp,
	"collected": models.StatusPickedUp,
	"accepted":  models.StatusPickedUp,
	"shipped":   models.StatusPickedUp,

	"in_transit":          models.StatusInTransit,
	"transit":             models.StatusInTransit,
	"en_route":            models.StatusInTransit,
	"departed":            models.StatusInTransit,
	"departed_facility":   models.StatusInTransit,
	"arrived_at_facility": models.StatusInTransit,
	"at_port":             models.StatusInTransit,
	"loaded":              models.StatusInTransit,
	"sailing":             models.StatusInTransit,
	"out_for_delivery":    models.StatusInTransit,

	"customs_clearance":     models.StatusCustomsClearance,
	"customs":               models.StatusCustomsClearance,
	"in_customs":            models.StatusCustomsClearance,
	"customs_hold":          models.StatusCustomsClearance,
	"held_by_customs":       models.StatusCustomsClearance,
	"clearance_in_progress": models.StatusCustomsClearance,

	"delivered":         models.StatusDelivered,
	"completed":         models.StatusDelivered,
	"proof_of_delivery": models.StatusDelivered,
	"pod":               models.StatusDelivered,

	"delayed":            models.StatusDelayed,
	"delay":              models.StatusDelayed,
	"exception":          models.StatusDelayed,
	"on_hold":            models.StatusDelayed,
	"failed_attempt":     models.StatusDelayed,
	"delivery_attempted": models.StatusDelayed,
	"weather_delay":      models.StatusDelayed,

	"cancelled": models.StatusCancelled,
	"canceled":  models.StatusCancelled,
	"voided":    models.StatusCancelled,
}

func normalizeCode(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// MapStatus maps a raw oracle code to a canonical status. Unknown codes map
// to pending with known=false.
func MapStatus(raw string) (status models.ShipmentStatus, known bool) {
	if st, ok := statusSynonyms[normalizeCode(raw)]; ok {
		return st, true
	}
	return models.StatusPending, false
}

var forwardRank = map[models.ShipmentStatus]int{
	models.StatusPending:          0,
	models.StatusPickedUp:         1,
	models.StatusInTransit:        2,
	models.StatusCustomsClearance: 3,
	models.StatusDelivered:        4,
}

func isForward(s models.ShipmentStatus) bool {
	_, ok := forwardRank[s]
	return ok
}
