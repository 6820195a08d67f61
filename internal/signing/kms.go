package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type KMSSignerConfig struct {
	Endpoint   string
	KeyID      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
}

// KMSSigner delegates signing to a remote key service that holds the bridge key.
type KMSSigner struct {
	endpoint string
	keyID    string
	client   *http.Client
	timeout  time.Duration
	retries  int

	mu       sync.RWMutex
	signerID string
}

type kmsSignRequest struct {
	KeyID      string `json:"key_id,omitempty"`
	PayloadB64 string `json:"payload_b64"`
}

type kmsSignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

func NewKMSSigner(cfg KMSSignerConfig) (*KMSSigner, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("kms endpoint required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KMSSigner{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		keyID:    cfg.KeyID,
		client:   client,
		timeout:  timeout,
		retries:  max(cfg.Retries, 0),
		signerID: cfg.KeyID,
	}, nil
}

func (k *KMSSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	body, err := json.Marshal(kmsSignRequest{
		KeyID:      k.keyID,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("kms marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= k.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		sig, retry, err := k.signOnce(ctx, body)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, fmt.Errorf("kms sign failed: %w", lastErr)
}

func (k *KMSSigner) signOnce(ctx context.Context, body []byte) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, k.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("kms request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("kms signer unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("kms signer rejected request: %s", resp.Status)
	}
	var out kmsSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("kms decode response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.SignatureB64)
	if err != nil {
		return nil, false, fmt.Errorf("kms decode signature: %w", err)
	}
	if out.SignerID != "" {
		k.mu.Lock()
		k.signerID = out.SignerID
		k.mu.Unlock()
	}
	return sig, false, nil
}

func (k *KMSSigner) SignerID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.signerID
}
