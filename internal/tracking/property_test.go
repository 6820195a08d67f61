package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/oracle"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
)

var allStatuses = []models.ShipmentStatus{
	models.StatusPending,
	models.StatusPickedUp,
	models.StatusInTransit,
	models.StatusCustomsClearance,
	models.StatusDelivered,
	models.StatusDelayed,
	models.StatusCancelled,
}

func genStatuses() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, len(allStatuses)-1))
}

// Property: across any sequence of reports, the furthest forward status
// reached never decreases and a terminal shipment never changes status.
func TestPropertyStatusNeverRegresses(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("progress is monotonic and terminal is final", prop.ForAll(
		func(seq []int) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			if _, err := st.CreateShipment(ctx, store.ShipmentInput{ID: "P", Quantity: 1}); err != nil {
				return false
			}
			eng := NewEngine(st, nil, PolicyDefault, nil, nil)
			base := time.Now().UTC()
			prevRank := 0
			var terminal models.ShipmentStatus
			for i, raw := range seq {
				next := allStatuses[raw]
				_, _ = eng.Apply(ctx, "P", oracle.Snapshot{Status: string(next), Timestamp: base.Add(time.Duration(i+1) * time.Second)})
				sh, err := st.GetShipment(ctx, "P")
				if err != nil {
					return false
				}
				if terminal != "" && sh.Status != terminal {
					return false
				}
				if sh.Status.Terminal() {
					terminal = sh.Status
				}
				rank := forwardRank[progressOf(sh)]
				if rank < prevRank {
					return false
				}
				prevRank = rank
			}
			return true
		},
		genStatuses(),
	))

	properties.TestingRun(t)
}

// Property: applying every snapshot twice yields the same state and event
// count as applying it once.
func TestPropertyReapplyIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("double apply equals single apply", prop.ForAll(
		func(seq []int) bool {
			ctx := context.Background()
			once, twice := store.NewMemoryStore(), store.NewMemoryStore()
			for _, st := range []*store.MemoryStore{once, twice} {
				if _, err := st.CreateShipment(ctx, store.ShipmentInput{ID: "P", Quantity: 1}); err != nil {
					return false
				}
			}
			e1 := NewEngine(once, nil, PolicyDefault, nil, nil)
			e2 := NewEngine(twice, nil, PolicyDefault, nil, nil)
			base := time.Now().UTC().Add(time.Hour)
			for i, raw := range seq {
				snap := oracle.Snapshot{Status: string(allStatuses[raw]), Timestamp: base.Add(time.Duration(i) * time.Second)}
				_, _ = e1.Apply(ctx, "P", snap)
				_, _ = e2.Apply(ctx, "P", snap)
				_, _ = e2.Apply(ctx, "P", snap)
			}
			a, _ := once.GetShipment(ctx, "P")
			b, _ := twice.GetShipment(ctx, "P")
			ea, _ := once.ListEvents(ctx, "P")
			eb, _ := twice.ListEvents(ctx, "P")
			return a.Status == b.Status &&
				a.ProgressStatus == b.ProgressStatus &&
				a.LastUpdated.Equal(b.LastUpdated) &&
				len(ea) == len(eb)
		},
		genStatuses(),
	))

	properties.TestingRun(t)
}
