package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// PGStore keeps delivery signers in Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a PGStore and ensures the delivery_signers table exists.
func NewPGStore(ctx context.Context, db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure delivery_signers: %w", err)
	}
	return s, nil
}

func (s *PGStore) ensureTable(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS delivery_signers (
  signer_id text PRIMARY KEY,
  algorithm text NOT NULL,
  public_key text NOT NULL,
  role text NOT NULL,
  active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT now()
);
`
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *PGStore) PutSigner(ctx context.Context, info KeyInfo) error {
	const q = `
INSERT INTO delivery_signers (signer_id, algorithm, public_key, role, active, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (signer_id) DO UPDATE
  SET algorithm = EXCLUDED.algorithm,
      public_key = EXCLUDED.public_key,
      role = EXCLUDED.role,
      active = EXCLUDED.active
`
	_, err := s.db.ExecContext(ctx, q, info.SignerID, info.Algorithm, info.PublicKey, info.Role, info.Active, info.CreatedAt)
	return err
}

func (s *PGStore) GetSigner(ctx context.Context, signerID string) (*KeyInfo, bool, error) {
	const q = `SELECT signer_id, algorithm, public_key, role, active, created_at FROM delivery_signers WHERE signer_id=$1`
	var k KeyInfo
	err := s.db.QueryRowContext(ctx, q, signerID).Scan(&k.SignerID, &k.Algorithm, &k.PublicKey, &k.Role, &k.Active, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query signer: %w", err)
	}
	return &k, true, nil
}

func (s *PGStore) ListSigners(ctx context.Context) ([]KeyInfo, error) {
	const q = `SELECT signer_id, algorithm, public_key, role, active, created_at FROM delivery_signers ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query signers: %w", err)
	}
	defer rows.Close()

	out := make([]KeyInfo, 0)
	for rows.Next() {
		var k KeyInfo
		if err := rows.Scan(&k.SignerID, &k.Algorithm, &k.PublicKey, &k.Role, &k.Active, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signer row: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// MemoryStore is the dev/test signer store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]KeyInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]KeyInfo)}
}

func (m *MemoryStore) PutSigner(_ context.Context, info KeyInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[info.SignerID] = info
	return nil
}

func (m *MemoryStore) GetSigner(_ context.Context, signerID string) (*KeyInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[signerID]
	if !ok {
		return nil, false, nil
	}
	return &k, true, nil
}

func (m *MemoryStore) ListSigners(_ context.Context) ([]KeyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyInfo, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
