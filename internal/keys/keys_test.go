package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

func TestRegistryAddAndLookup(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStore(), time.Minute)

	require.NoError(t, reg.AddSigner(ctx, KeyInfo{SignerID: "notary-1", PublicKey: testKey(t), Role: "notary", Active: true}))

	info, err := reg.Lookup(ctx, "notary-1")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEd25519, info.Algorithm)
	assert.Equal(t, "notary", info.Role)
	assert.False(t, info.CreatedAt.IsZero())

	_, err = reg.Lookup(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrUnknownSigner))
}

func TestRegistryRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStore(), time.Minute)

	require.Error(t, reg.AddSigner(ctx, KeyInfo{PublicKey: testKey(t)}))
	require.Error(t, reg.AddSigner(ctx, KeyInfo{SignerID: "x", PublicKey: "not base64!"}))
	require.Error(t, reg.AddSigner(ctx, KeyInfo{SignerID: "x", Algorithm: "RSA", PublicKey: testKey(t)}))
}

func TestRegistryRefreshesAfterTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := NewRegistry(store, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	require.NoError(t, reg.AddSigner(ctx, KeyInfo{SignerID: "c-1", PublicKey: testKey(t), Role: "carrier", Active: true}))

	// deactivated directly in the store by another instance
	require.NoError(t, store.PutSigner(ctx, KeyInfo{SignerID: "c-1", PublicKey: testKey(t), Role: "carrier", Active: false}))

	info, err := reg.Lookup(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, info.Active)

	now = now.Add(2 * time.Minute)
	info, err = reg.Lookup(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, info.Active)
}

func TestPGStoreGetSigner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &PGStore{db: db}
	created := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM delivery_signers WHERE signer_id=$1")).
		WithArgs("notary-1").
		WillReturnRows(sqlmock.NewRows([]string{"signer_id", "algorithm", "public_key", "role", "active", "created_at"}).
			AddRow("notary-1", AlgorithmEd25519, "cHVi", "notary", true, created))

	info, found, err := s.GetSigner(context.Background(), "notary-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "notary", info.Role)
	assert.True(t, info.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetSignerMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &PGStore{db: db}
	mock.ExpectQuery(regexp.QuoteMeta("FROM delivery_signers WHERE signer_id=$1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"signer_id", "algorithm", "public_key", "role", "active", "created_at"}))

	_, found, err := s.GetSigner(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPGStorePutSignerUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS delivery_signers")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPGStore(context.Background(), db)
	require.NoError(t, err)

	created := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (signer_id) DO UPDATE")).
		WithArgs("carrier-9", AlgorithmEd25519, "cHVi", "carrier", false, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.PutSigner(context.Background(), KeyInfo{
		SignerID: "carrier-9", Algorithm: AlgorithmEd25519, PublicKey: "cHVi", Role: "carrier", CreatedAt: created,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
