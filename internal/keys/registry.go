package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const AlgorithmEd25519 = "Ed25519"

var ErrUnknownSigner = errors.New("unknown signer")

// KeyInfo is a delivery signer: who may attest to deliveries and with which key.
type KeyInfo struct {
	SignerID  string    `json:"signerId"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"publicKey"` // base64
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (k KeyInfo) PublicKeyBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key for %s: %w", k.SignerID, err)
	}
	return b, nil
}

type Store interface {
	PutSigner(ctx context.Context, info KeyInfo) error
	GetSigner(ctx context.Context, signerID string) (*KeyInfo, bool, error)
	ListSigners(ctx context.Context) ([]KeyInfo, error)
}

type cachedKey struct {
	info     KeyInfo
	loadedAt time.Time
}

// Registry fronts a Store with a short-lived in-memory cache. Lookups are on
// the verification hot path; writes go through to the store first.
type Registry struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mtx  sync.RWMutex
	keys map[string]cachedKey
}

func NewRegistry(store Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Registry{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		keys:  make(map[string]cachedKey),
	}
}

// AddSigner registers or replaces a signer.
func (r *Registry) AddSigner(ctx context.Context, info KeyInfo) error {
	if info.SignerID == "" {
		return fmt.Errorf("signerId required")
	}
	if info.Algorithm == "" {
		info.Algorithm = AlgorithmEd25519
	}
	if info.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("unsupported algorithm %q", info.Algorithm)
	}
	if _, err := info.PublicKeyBytes(); err != nil {
		return err
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = r.now().UTC()
	}
	if err := r.store.PutSigner(ctx, info); err != nil {
		return fmt.Errorf("store signer: %w", err)
	}
	r.mtx.Lock()
	r.keys[info.SignerID] = cachedKey{info: info, loadedAt: r.now()}
	r.mtx.Unlock()
	return nil
}

// Lookup returns the signer or ErrUnknownSigner.
func (r *Registry) Lookup(ctx context.Context, signerID string) (KeyInfo, error) {
	r.mtx.RLock()
	c, ok := r.keys[signerID]
	r.mtx.RUnlock()
	if ok && r.now().Sub(c.loadedAt) < r.ttl {
		return c.info, nil
	}

	info, found, err := r.store.GetSigner(ctx, signerID)
	if err != nil {
		return KeyInfo{}, err
	}
	if !found {
		r.mtx.Lock()
		delete(r.keys, signerID)
		r.mtx.Unlock()
		return KeyInfo{}, fmt.Errorf("%w: %s", ErrUnknownSigner, signerID)
	}
	r.mtx.Lock()
	r.keys[signerID] = cachedKey{info: *info, loadedAt: r.now()}
	r.mtx.Unlock()
	return *info, nil
}

func (r *Registry) ListSigners(ctx context.Context) ([]KeyInfo, error) {
	return r.store.ListSigners(ctx)
}
