package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

func TestMemoryStoreOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.CreateShipment(ctx, ShipmentInput{ID: "SHIP-1", Origin: "a", Destination: "b", Quantity: 3})
	require.NoError(t, err)

	_, err = st.MutateShipment(ctx, "SHIP-1", func(cur models.Shipment) (Mutation, error) {
		return Mutation{Outbox: []models.OutboxMessage{{Kind: models.OutboxStatusUpdate, Payload: []byte(`{}`)}}}, nil
	})
	require.NoError(t, err)

	claimed, err := st.ClaimOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := st.ClaimOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "in-progress messages must not be claimed twice")

	require.NoError(t, st.MarkOutboxResult(ctx, claimed[0].ID, false, "boom", time.Now().UTC().Add(-time.Second)))
	retried, err := st.ClaimOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].Attempts)

	require.NoError(t, st.MarkOutboxResult(ctx, claimed[0].ID, true, "", time.Time{}))
	assert.Equal(t, models.OutboxStateDelivered, st.Outbox()[0].State)
}

func TestMemoryStoreClaimOutboxOneInFlightPerShipment(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, id := range []string{"SHIP-1", "SHIP-2"} {
		_, err := st.CreateShipment(ctx, ShipmentInput{ID: id, Origin: "a", Destination: "b", Quantity: 1})
		require.NoError(t, err)
	}
	enqueue := func(id, status string) {
		_, err := st.MutateShipment(ctx, id, func(models.Shipment) (Mutation, error) {
			return Mutation{Outbox: []models.OutboxMessage{{Kind: models.OutboxStatusUpdate, Payload: []byte(`{"status":"` + status + `"}`)}}}, nil
		})
		require.NoError(t, err)
	}
	enqueue("SHIP-1", "picked_up")
	enqueue("SHIP-1", "in_transit")
	enqueue("SHIP-2", "picked_up")

	claimed, err := st.ClaimOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "SHIP-1", claimed[0].ShipmentID)
	assert.JSONEq(t, `{"status":"picked_up"}`, string(claimed[0].Payload))
	assert.Equal(t, "SHIP-2", claimed[1].ShipmentID)

	// a retry scheduled in the future still holds back the newer message
	require.NoError(t, st.MarkOutboxResult(ctx, claimed[0].ID, false, "boom", time.Now().UTC().Add(time.Hour)))
	again, err := st.ClaimOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, st.MarkOutboxFailed(ctx, claimed[0].ID, "rejected"))
	next, err := st.ClaimOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.JSONEq(t, `{"status":"in_transit"}`, string(next[0].Payload))

	out := st.Outbox()
	assert.Equal(t, models.OutboxStateFailed, out[0].State)
	assert.Equal(t, "rejected", out[0].LastError)
	assert.ErrorIs(t, st.MarkOutboxFailed(ctx, "missing", "x"), ErrNotFound)
}

func TestMemoryStoreFrozenFundsIdempotentPerRevocation(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	first, err := st.CreateFrozenFunds(ctx, models.FrozenFundsRecord{ShipmentID: "SHIP-1", RevocationID: "rev-1", Reason: "fraud"})
	require.NoError(t, err)
	second, err := st.CreateFrozenFunds(ctx, models.FrozenFundsRecord{ShipmentID: "SHIP-1", RevocationID: "rev-1", Reason: "fraud"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := st.ListFrozenFunds(ctx, "SHIP-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStoreTokenMappingConfirmedOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.CreateTokenMapping(ctx, models.TokenMapping{ShipmentID: "SHIP-1", MetadataURI: "s3://m", MetadataHash: "h"})
	require.NoError(t, err)
	_, err = st.CreateTokenMapping(ctx, models.TokenMapping{ShipmentID: "SHIP-1"})
	assert.ErrorIs(t, err, ErrConflict)

	tm, err := st.ConfirmTokenMapping(ctx, "SHIP-1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.MappingConfirmed, tm.State)

	_, err = st.ConfirmTokenMapping(ctx, "SHIP-1", "tok-2")
	assert.ErrorIs(t, err, ErrConflict)

	byToken, err := st.GetTokenMappingByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "SHIP-1", byToken.ShipmentID)
}
