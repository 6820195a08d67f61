package audit

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/signing"
)

// Store persists audit events. Append links ev into the chain, signs it with
// s and fills in ID, PrevHash, Hash, Signature, SignerID and Ts. When ev.Key is
// set and an event with that key already exists, Append loads the existing
// event into ev instead of writing a new one.
type Store interface {
	Append(ctx context.Context, ev *Event, s signing.Signer) error
	Get(ctx context.Context, id string) (*Event, error)
	List(ctx context.Context, filter ListFilter) ([]Event, error)
	Ping(ctx context.Context) error
}

// seal fills the chain fields of ev on top of prev.
func seal(ctx context.Context, ev *Event, prev string, s signing.Signer, now time.Time) error {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	hash, err := chainHash(ev.Payload, prev)
	if err != nil {
		return err
	}
	sig, err := s.Sign(ctx, hash)
	if err != nil {
		return fmt.Errorf("sign hash: %w", err)
	}
	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	if ev.Ts.IsZero() {
		ev.Ts = now.UTC()
	}
	ev.PrevHash = prev
	ev.Hash = hex.EncodeToString(hash)
	ev.Signature = base64.StdEncoding.EncodeToString(sig)
	ev.SignerID = s.SignerID()
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
