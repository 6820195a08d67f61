package httpserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/AssetBridge/internal/audit"
	"github.com/ILLUVRSE/AssetBridge/internal/auth"
	"github.com/ILLUVRSE/AssetBridge/internal/canonical"
	"github.com/ILLUVRSE/AssetBridge/internal/keys"
	"github.com/ILLUVRSE/AssetBridge/internal/ledger"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/oracle"
	"github.com/ILLUVRSE/AssetBridge/internal/revocation"
	"github.com/ILLUVRSE/AssetBridge/internal/settlement"
	"github.com/ILLUVRSE/AssetBridge/internal/signing"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/tracking"
	"github.com/ILLUVRSE/AssetBridge/internal/verifier"
)

var jwtSecret = []byte("server-test")

type stubFetcher map[string]oracle.Snapshot

func (f stubFetcher) Fetch(_ context.Context, id string) (oracle.Snapshot, error) {
	snap, ok := f[id]
	if !ok {
		return oracle.Snapshot{}, oracle.ErrNoData
	}
	return snap, nil
}

type testEnv struct {
	handler http.Handler
	store   *store.MemoryStore
	ledger  *ledger.MemoryLedger
	fetcher stubFetcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	led := ledger.NewMemoryLedger()
	pub := ledger.NewPublisher(st, led, ledger.NewMemoryMetadataStore(), nil,
		ledger.PublisherConfig{ConfirmTimeout: 50 * time.Millisecond, ConfirmPoll: 5 * time.Millisecond}, nil, nil)
	engine := tracking.NewEngine(st, nil, tracking.PolicyDefault, nil, nil)

	bridge, err := signing.NewEphemeralSigner("bridge-test")
	require.NoError(t, err)
	reg := keys.NewRegistry(keys.NewMemoryStore(), 0)
	require.NoError(t, reg.AddSigner(ctx, keys.KeyInfo{
		SignerID:  bridge.SignerID(),
		PublicKey: base64.StdEncoding.EncodeToString(bridge.PublicKey()),
		Role:      "bridge",
		Active:    true,
	}))
	auditStore, err := audit.NewFileStore(t.TempDir())
	require.NoError(t, err)
	recorder := audit.NewRecorder(auditStore, bridge, nil)

	v, err := verifier.New(verifier.Config{Store: st, Keys: reg, Auditor: recorder, EngineID: bridge.SignerID()})
	require.NoError(t, err)
	mgr := revocation.NewManager(revocation.Config{
		Store:     st,
		Publisher: pub,
		Canceller: engine,
		Auditor:   recorder,
		Notifier:  settlement.NewMemoryNotifier(),
	})
	validator, err := auth.NewValidator(auth.ValidatorConfig{HMACSecret: jwtSecret})
	require.NoError(t, err)

	env := &testEnv{store: st, ledger: led, fetcher: stubFetcher{}}
	env.handler = New(Deps{
		Store:    st,
		Fetcher:  env.fetcher,
		Engine:   engine,
		Minter:   pub,
		Verifier: v,
		Revoker:  mgr,
		Signers:  reg,
		Audit:    auditStore,
		Auth:     validator,
	}).Router()
	return env
}

func token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Roles:            roles,
	}).SignedString(jwtSecret)
	require.NoError(t, err)
	return s
}

var (
	operator = []string{auth.RoleOperator}
	admin    = []string{auth.RoleShipmentAdmin}
	auditor  = []string{auth.RoleAuditor}
)

func (e *testEnv) do(t *testing.T, method, path string, body any, roles []string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if roles != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, "tester@example.com", roles...))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) createShipment(t *testing.T, id string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/shipments", map[string]any{
		"shipmentId": id, "origin": "Shanghai", "destination": "Rotterdam", "carrier": "Maersk", "quantity": 40,
	}, operator)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthIsPublic(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAndRoles(t *testing.T) {
	e := newTestEnv(t)
	e.createShipment(t, "SHIP-100")

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/shipments/SHIP-100", nil, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/shipments/SHIP-100/revoke", map[string]string{"reason": "fraud"}, operator).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/shipments", map[string]any{}, auditor).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/shipments/SHIP-100", nil, auditor).Code)
}

func TestCreateShipmentValidation(t *testing.T) {
	e := newTestEnv(t)
	e.createShipment(t, "SHIP-100")

	rec := e.do(t, http.MethodPost, "/shipments", map[string]any{
		"shipmentId": "SHIP-100", "origin": "A", "destination": "B", "carrier": "C", "quantity": 1,
	}, operator)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/shipments", map[string]any{"shipmentId": "SHIP-101", "quantity": 1}, operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "carrier, destination, origin")

	rec = e.do(t, http.MethodPost, "/shipments", map[string]any{
		"shipmentId": "SHIP-101", "origin": "A", "destination": "B", "carrier": "C", "quantity": 0,
	}, operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollAppliesSnapshot(t *testing.T) {
	e := newTestEnv(t)
	e.createShipment(t, "SHIP-100")
	e.fetcher["SHIP-100"] = oracle.Snapshot{ShipmentID: "SHIP-100", Status: "in_transit", Timestamp: time.Now().Add(time.Minute)}

	rec := e.do(t, http.MethodPost, "/shipments/SHIP-100/poll", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[map[string]any](t, rec)
	assert.Equal(t, "accepted", out["outcome"])

	e.fetcher["SHIP-100"] = oracle.Snapshot{ShipmentID: "SHIP-100", Status: "pending", Timestamp: time.Now().Add(2 * time.Minute)}
	rec = e.do(t, http.MethodPost, "/shipments/SHIP-100/poll", nil, operator)
	assert.Equal(t, http.StatusConflict, rec.Code)

	e.createShipment(t, "SHIP-200")
	rec = e.do(t, http.MethodPost, "/shipments/SHIP-200/poll", nil, operator)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = e.do(t, http.MethodPost, "/shipments/SHIP-404/poll", nil, operator)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMintVerifyRevokeFlow(t *testing.T) {
	e := newTestEnv(t)
	e.createShipment(t, "SHIP-100")

	rec := e.do(t, http.MethodPost, "/shipments/SHIP-100/mint", map[string]any{"attributes": map[string]any{"grade": "A"}}, operator)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	mapping := decode[models.TokenMapping](t, rec)
	assert.NotEmpty(t, mapping.TokenID)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/shipments/SHIP-100/mint", nil, operator).Code)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rec = e.do(t, http.MethodPost, "/signers", map[string]any{
		"signerId": "notary-1", "publicKey": base64.StdEncoding.EncodeToString(pub), "role": "notary",
	}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	facts := models.DeliveryFacts{ShipmentID: "SHIP-100", DeliveredBy: "notary-1", Location: "Rotterdam", Quantity: 40, Condition: "intact", DeliveredAt: "2026-03-01T10:00:00Z"}
	hash, err := canonical.DomainHash(verifier.FactsDomain, facts)
	require.NoError(t, err)
	hashHex, err := verifier.FactsHash(facts)
	require.NoError(t, err)
	proof := verifier.Proof{
		Facts:     facts,
		FactsHash: hashHex,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, hash)),
		SignerID:  "notary-1",
	}
	rec = e.do(t, http.MethodPost, "/shipments/SHIP-100/verify", proof, operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[verifier.Result](t, rec).Verified)

	proof.Facts.Quantity = 39
	rec = e.do(t, http.MethodPost, "/shipments/SHIP-100/verify", proof, operator)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[verifier.Result](t, rec)
	assert.False(t, res.Verified)
	assert.NotEmpty(t, res.Reason)

	rec = e.do(t, http.MethodPost, "/shipments/SHIP-100/revoke", map[string]string{"reason": "fraud"}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.RevocationCompleted, decode[models.Revocation](t, rec).State)

	rec = e.do(t, http.MethodGet, "/shipments/SHIP-100", nil, auditor)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[shipmentView](t, rec)
	assert.Equal(t, models.StatusCancelled, view.Shipment.Status)
	assert.False(t, view.Shipment.Verified)
	require.NotNil(t, view.Revocation)
	assert.Equal(t, "tester@example.com", view.Revocation.Actor)
	assert.Len(t, view.FrozenFunds, 1)
	assert.Len(t, view.Proofs, 1)
	assert.Len(t, view.RejectedProofs, 1)

	rec = e.do(t, http.MethodGet, "/audit?shipmentId=SHIP-100", nil, auditor)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[struct {
		Events []audit.Event `json:"events"`
	}](t, rec)
	assert.Len(t, events.Events, 2)

	rec = e.do(t, http.MethodGet, "/audit/verify", nil, auditor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["ok"])
}

func TestRevokeResponses(t *testing.T) {
	e := newTestEnv(t)
	e.createShipment(t, "SHIP-100")

	rec := e.do(t, http.MethodPost, "/shipments/SHIP-100/revoke", map[string]string{"reason": "fraud"}, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, e.ledger.Calls("revoke"))

	rec = e.do(t, http.MethodPost, "/shipments/SHIP-100/revoke", map[string]string{}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/shipments/SHIP-100/mint", nil, operator).Code)
	e.ledger.HoldTxs(true)
	rec = e.do(t, http.MethodPost, "/shipments/SHIP-100/revoke", map[string]string{"reason": "fraud"}, admin)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", decode[map[string]any](t, rec)["status"])

	e.createShipment(t, "SHIP-200")
	e.ledger.HoldTxs(false)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/shipments/SHIP-200/mint", nil, operator).Code)
	e.ledger.FailNext("revoke", ledger.ErrLedgerRejected)
	rec = e.do(t, http.MethodPost, "/shipments/SHIP-200/revoke", map[string]string{"reason": "fraud"}, admin)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
