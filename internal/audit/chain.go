package audit

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/ILLUVRSE/AssetBridge/internal/keys"
	"github.com/ILLUVRSE/AssetBridge/internal/signing"
)

// KeyLookup resolves a signer id to its registered key.
type KeyLookup interface {
	Lookup(ctx context.Context, signerID string) (keys.KeyInfo, error)
}

// VerifyChain checks that every event links to its predecessor, that each
// hash matches its payload, and that each signature verifies under the
// registered key. events must be in chain order starting at the genesis entry.
func VerifyChain(ctx context.Context, events []Event, reg KeyLookup) error {
	_, err := verifyFrom(ctx, "", events, reg)
	return err
}

func verifyFrom(ctx context.Context, prev string, events []Event, reg KeyLookup) (string, error) {
	for i := range events {
		ev := &events[i]
		if ev.PrevHash != prev {
			return "", fmt.Errorf("chain broken at event %s: prevHash=%s want %s", ev.ID, ev.PrevHash, prev)
		}
		sum, err := chainHash(ev.Payload, ev.PrevHash)
		if err != nil {
			return "", fmt.Errorf("hash event %s: %w", ev.ID, err)
		}
		if computed := hex.EncodeToString(sum); computed != ev.Hash {
			return "", fmt.Errorf("hash mismatch for event %s (type=%s): computed=%s stored=%s", ev.ID, ev.EventType, computed, ev.Hash)
		}
		ki, err := reg.Lookup(ctx, ev.SignerID)
		if err != nil {
			return "", fmt.Errorf("signer for event %s: %w", ev.ID, err)
		}
		pub, err := ki.PublicKeyBytes()
		if err != nil {
			return "", err
		}
		sig, err := base64.StdEncoding.DecodeString(ev.Signature)
		if err != nil {
			return "", fmt.Errorf("invalid signature encoding for event %s: %w", ev.ID, err)
		}
		if err := signing.Verify(pub, sum, sig); err != nil {
			return "", fmt.Errorf("event %s signer %s: %w", ev.ID, ev.SignerID, err)
		}
		prev = ev.Hash
	}
	return prev, nil
}

// VerifyStore walks the whole chain held by store page by page and returns
// the number of events checked.
func VerifyStore(ctx context.Context, store Store, reg KeyLookup) (int, error) {
	const page = 500
	prev := ""
	total := 0
	for {
		events, err := store.List(ctx, ListFilter{Limit: page, Offset: total})
		if err != nil {
			return total, err
		}
		prev, err = verifyFrom(ctx, prev, events, reg)
		if err != nil {
			return total, err
		}
		total += len(events)
		if len(events) < page {
			return total, nil
		}
	}
}
