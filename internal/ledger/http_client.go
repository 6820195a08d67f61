package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient is the JSON gateway client. 5xx and transport errors are
// retried; 4xx responses are ErrLedgerRejected.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

type txResponse struct {
	TxHash string `json:"txHash"`
}

func (c *HTTPClient) Mint(ctx context.Context, req MintRequest) (string, error) {
	return c.submit(ctx, "/tokens/mint", req)
}

func (c *HTTPClient) UpdateStatus(ctx context.Context, tokenID string, u StatusUpdate) (string, error) {
	return c.submit(ctx, "/tokens/"+url.PathEscape(tokenID)+"/status", u)
}

func (c *HTTPClient) AttestDelivery(ctx context.Context, tokenID string, a DeliveryAttestation) (string, error) {
	return c.submit(ctx, "/tokens/"+url.PathEscape(tokenID)+"/delivery", a)
}

func (c *HTTPClient) Revoke(ctx context.Context, tokenID, reason string) (string, error) {
	return c.submit(ctx, "/tokens/"+url.PathEscape(tokenID)+"/revoke", map[string]string{"reason": reason})
}

func (c *HTTPClient) TxStatus(ctx context.Context, txHash string) (TxStatus, error) {
	var st TxStatus
	if err := c.do(ctx, http.MethodGet, "/tx/"+url.PathEscape(txHash), nil, &st); err != nil {
		return TxStatus{}, err
	}
	if st.Hash == "" {
		st.Hash = txHash
	}
	switch st.State {
	case TxPending, TxConfirmed, TxFailed:
	default:
		return TxStatus{}, fmt.Errorf("%w: unknown tx status %q", ErrUnavailable, st.State)
	}
	return st, nil
}

func (c *HTTPClient) submit(ctx context.Context, path string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("ledger marshal request: %w", err)
	}
	var out txResponse
	if err := c.do(ctx, http.MethodPost, path, payload, &out); err != nil {
		return "", err
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("%w: response without txHash", ErrUnavailable)
	}
	return out.TxHash, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retry, err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body []byte, out any) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, rdr)
	if err != nil {
		return false, fmt.Errorf("ledger build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return true, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: %s: %s", ErrLedgerRejected, resp.Status, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return false, nil
}
