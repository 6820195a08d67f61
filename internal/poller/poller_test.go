package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/oracle"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/tracking"
)

type fakeFetcher struct {
	mu    sync.Mutex
	snaps map[string]oracle.Snapshot
	calls map[string]int
}

func (f *fakeFetcher) Fetch(_ context.Context, id string) (oracle.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	snap, ok := f.snaps[id]
	if !ok {
		return oracle.Snapshot{}, oracle.ErrNoData
	}
	return snap, nil
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, id := range []string{"SHIP-100", "SHIP-200", "SHIP-300", "SHIP-400"} {
		_, err := st.CreateShipment(ctx, store.ShipmentInput{ID: id, Origin: "A", Destination: "B", Carrier: "C", Quantity: 1})
		require.NoError(t, err)
	}
	engine := tracking.NewEngine(st, nil, tracking.PolicyDefault, nil, nil)
	at := time.Now().Add(time.Minute)
	_, err := engine.Apply(ctx, "SHIP-300", oracle.Snapshot{Status: "in_transit", Timestamp: at})
	require.NoError(t, err)
	_, err = engine.ForceCancel(ctx, "SHIP-400", "test", "admin")
	require.NoError(t, err)

	fetcher := &fakeFetcher{
		snaps: map[string]oracle.Snapshot{
			"SHIP-100": {ShipmentID: "SHIP-100", Status: "picked_up", Timestamp: at},
			"SHIP-300": {ShipmentID: "SHIP-300", Status: "pending", Timestamp: at.Add(time.Minute)},
		},
		calls: map[string]int{},
	}
	p := New(st, fetcher, engine, Config{Concurrency: 2, Batch: 2}, nil)

	stats, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Polled: 3, Accepted: 1, Rejected: 1, Failed: 1}, stats)
	assert.Zero(t, fetcher.calls["SHIP-400"], "terminal shipments are not polled")

	sh, _ := st.GetShipment(ctx, "SHIP-100")
	assert.Equal(t, models.StatusPickedUp, sh.Status)
	sh, _ = st.GetShipment(ctx, "SHIP-300")
	assert.Equal(t, models.StatusInTransit, sh.Status)
	sh, _ = st.GetShipment(ctx, "SHIP-200")
	assert.Equal(t, models.StatusPending, sh.Status)

	stats, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Accepted)
	events, _ := st.ListEvents(ctx, "SHIP-100")
	assert.Len(t, events, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	p := New(st, &fakeFetcher{calls: map[string]int{}}, tracking.NewEngine(st, nil, "", nil, nil), Config{Interval: time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)
}
