package revocation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/AssetBridge/internal/audit"
	"github.com/ILLUVRSE/AssetBridge/internal/ledger"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/oracle"
	"github.com/ILLUVRSE/AssetBridge/internal/settlement"
	"github.com/ILLUVRSE/AssetBridge/internal/signing"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/tracking"
)

type harness struct {
	store    *store.MemoryStore
	ledger   *ledger.MemoryLedger
	pub      *ledger.Publisher
	engine   *tracking.Engine
	audit    *audit.FileStore
	notifier *settlement.MemoryNotifier
	mgr      *Manager
	rec      *Reconciler
}

func newHarness(t *testing.T, mint bool) harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.CreateShipment(ctx, store.ShipmentInput{ID: "SHIP-100", Origin: "Shanghai", Destination: "Rotterdam", Carrier: "Maersk", Quantity: 40})
	require.NoError(t, err)

	led := ledger.NewMemoryLedger()
	pub := ledger.NewPublisher(st, led, ledger.NewMemoryMetadataStore(), nil,
		ledger.PublisherConfig{ConfirmTimeout: 50 * time.Millisecond, ConfirmPoll: 5 * time.Millisecond}, nil, nil)
	if mint {
		_, err := pub.Mint(ctx, "SHIP-100", nil)
		require.NoError(t, err)
	}
	engine := tracking.NewEngine(st, nil, tracking.PolicyDefault, nil, nil)

	auditStore, err := audit.NewFileStore(t.TempDir())
	require.NoError(t, err)
	signer, err := signing.NewEphemeralSigner("bridge-test")
	require.NoError(t, err)
	notifier := settlement.NewMemoryNotifier()

	mgr := NewManager(Config{
		Store:     st,
		Publisher: pub,
		Canceller: engine,
		Auditor:   audit.NewRecorder(auditStore, signer, nil),
		Notifier:  notifier,
	})
	return harness{
		store: st, ledger: led, pub: pub, engine: engine, audit: auditStore, notifier: notifier,
		mgr: mgr, rec: NewReconciler(mgr, time.Second, 10, nil),
	}
}

func (h harness) revokedEntries(t *testing.T) []audit.Event {
	t.Helper()
	events, err := h.audit.List(context.Background(), audit.ListFilter{ShipmentID: "SHIP-100", EventType: audit.EventShipmentRevoked})
	require.NoError(t, err)
	return events
}

func (h harness) frozen(t *testing.T) []models.FrozenFundsRecord {
	t.Helper()
	recs, err := h.store.ListFrozenFunds(context.Background(), "SHIP-100")
	require.NoError(t, err)
	return recs
}

func TestRevokeShipment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	_, err := h.engine.Apply(ctx, "SHIP-100", oracle.Snapshot{Status: "in_transit", Timestamp: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	rec, err := h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.RevocationCompleted, rec.State)
	assert.NotEmpty(t, rec.TxHash)
	assert.NotEmpty(t, rec.FrozenFundsID)
	assert.NotEmpty(t, rec.AuditEventID)

	sh, _ := h.store.GetShipment(ctx, "SHIP-100")
	assert.Equal(t, models.StatusCancelled, sh.Status)
	assert.False(t, sh.Verified)

	frozen := h.frozen(t)
	require.Len(t, frozen, 1)
	assert.Equal(t, "fraud", frozen[0].Reason)
	assert.NotNil(t, frozen[0].NotifiedAt)
	assert.Len(t, h.notifier.Records(), 1)

	entries := h.revokedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditActor, entries[0].Actor)
	assert.Equal(t, "fraud", entries[0].Payload["reason"])
	assert.Equal(t, "admin@example.com", entries[0].Payload["revokedBy"])

	_, err = h.engine.Apply(ctx, "SHIP-100", oracle.Snapshot{Status: "delivered", Timestamp: time.Now().Add(2 * time.Minute)})
	assert.ErrorIs(t, err, tracking.ErrInvalidTransition)

	again, err := h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, h.ledger.Calls("revoke"))
	assert.Len(t, h.frozen(t), 1)
	assert.Len(t, h.revokedEntries(t), 1)
}

func TestRevokeOverridesDelivered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	_, err := h.engine.Apply(ctx, "SHIP-100", oracle.Snapshot{Status: "delivered", Timestamp: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	_, err = h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin")
	require.NoError(t, err)
	sh, _ := h.store.GetShipment(ctx, "SHIP-100")
	assert.Equal(t, models.StatusCancelled, sh.Status)
}

func TestRevokeWithoutMapping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, err, ledger.ErrNoTokenMapping)
	assert.Equal(t, 0, h.ledger.Calls("revoke"))
	assert.Empty(t, h.frozen(t))
	_, err = h.store.GetRevocation(ctx, "SHIP-100")
	assert.ErrorIs(t, err, store.ErrNotFound)
	sh, _ := h.store.GetShipment(ctx, "SHIP-100")
	assert.Equal(t, models.StatusPending, sh.Status)
}

func TestRevokeTimeoutThenReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.ledger.HoldTxs(true)

	rec, err := h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin")
	require.ErrorIs(t, err, ledger.ErrConfirmationPending)
	assert.Equal(t, models.RevocationLedgerUnknown, rec.State)
	sh, _ := h.store.GetShipment(ctx, "SHIP-100")
	assert.NotEqual(t, models.StatusCancelled, sh.Status)
	assert.Empty(t, h.frozen(t))

	n, err := h.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.ledger.Settle(rec.TxHash, true)
	n, err = h.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, _ := h.store.GetRevocation(ctx, "SHIP-100")
	assert.Equal(t, models.RevocationCompleted, done.State)
	assert.Len(t, h.frozen(t), 1)
	assert.Equal(t, 1, h.ledger.Calls("revoke"))
}

func TestRevokePartialFailureIsResumed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.notifier.FailNext(errors.New("broker down"))

	rec, err := h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin")
	require.Error(t, err)
	assert.Equal(t, models.RevocationLedgerConfirmed, rec.State)
	assert.Contains(t, rec.LastError, "notify settlement")
	assert.Len(t, h.frozen(t), 1)
	assert.Nil(t, h.frozen(t)[0].NotifiedAt)

	n, err := h.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, h.frozen(t), 1)
	assert.Len(t, h.notifier.Records(), 1)
	assert.Len(t, h.revokedEntries(t), 1)
	assert.Equal(t, 1, h.ledger.Calls("revoke"))
}

func TestRevokeRejectedByLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.ledger.FailNext("revoke", fmt.Errorf("%w: not owner", ledger.ErrLedgerRejected))

	rec, err := h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin")
	require.ErrorIs(t, err, ledger.ErrLedgerRejected)
	assert.Equal(t, models.RevocationLedgerFailed, rec.State)
	assert.Empty(t, h.frozen(t))

	rec, err = h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.RevocationCompleted, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestLedgerEventStartsMissingRevocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	mapping, err := h.store.GetTokenMapping(ctx, "SHIP-100")
	require.NoError(t, err)

	require.NoError(t, h.mgr.HandleLedgerEvent(ctx, ledger.Event{Type: ledger.EventShipmentRevoked, TokenID: mapping.TokenID, TxHash: "0xfeed", Reason: "court order"}))
	rec, err := h.store.GetRevocation(ctx, "SHIP-100")
	require.NoError(t, err)
	assert.Equal(t, models.RevocationLedgerConfirmed, rec.State)
	assert.Equal(t, "court order", rec.Reason)

	n, err := h.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sh, _ := h.store.GetShipment(ctx, "SHIP-100")
	assert.Equal(t, models.StatusCancelled, sh.Status)
	assert.Equal(t, 0, h.ledger.Calls("revoke"))

	require.NoError(t, h.mgr.HandleLedgerEvent(ctx, ledger.Event{Type: ledger.EventShipmentRevoked, TokenID: "999"}))
	require.NoError(t, h.mgr.HandleLedgerEvent(ctx, ledger.Event{Type: ledger.EventStatusUpdated, TokenID: mapping.TokenID}))
}

func TestLedgerEventConfirmsUnknownRevocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.ledger.HoldTxs(true)
	rec, err := h.mgr.Revoke(ctx, "SHIP-100", "fraud", "admin")
	require.ErrorIs(t, err, ledger.ErrConfirmationPending)

	require.NoError(t, h.mgr.HandleLedgerEvent(ctx, ledger.Event{Type: ledger.EventShipmentRevoked, TokenID: rec.TokenID, TxHash: rec.TxHash}))
	got, _ := h.store.GetRevocation(ctx, "SHIP-100")
	assert.Equal(t, models.RevocationLedgerConfirmed, got.State)

	done, err := h.mgr.Resume(ctx, "SHIP-100")
	require.NoError(t, err)
	assert.Equal(t, models.RevocationCompleted, done.State)
}
