package signing

import (
	"fmt"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/config"
)

// NewSignerFromConfig prefers the KMS, then a static key, then (outside
// production) an ephemeral key.
func NewSignerFromConfig(cfg config.Config) (Signer, error) {
	if cfg.KMSEndpoint != "" {
		return NewKMSSigner(KMSSignerConfig{
			Endpoint: cfg.KMSEndpoint,
			KeyID:    cfg.SignerID,
			Timeout:  5 * time.Second,
			Retries:  2,
		})
	}
	if cfg.SignerKeyB64 != "" {
		return NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
	}
	if cfg.Production() {
		return nil, fmt.Errorf("no signer configured")
	}
	return NewEphemeralSigner(cfg.SignerID)
}
