package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxResponseBytes = 1 << 20

type HTTPClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient reads GET {base}/shipments/{id}/tracking.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
	schema  *jsonschema.Schema
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("oracle base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	schema, err := compileSnapshotSchema()
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
		retries: max(cfg.Retries, 0),
		schema:  schema,
	}, nil
}

type wireSnapshot struct {
	ShipmentID        string       `json:"shipmentId"`
	Status            string       `json:"status"`
	Location          string       `json:"location"`
	Timestamp         time.Time    `json:"timestamp"`
	EstimatedDelivery *time.Time   `json:"estimatedDelivery"`
	Carrier           string       `json:"carrier"`
	Events            []SubEvent   `json:"events"`
	Coordinates       *Coordinates `json:"coordinates"`
}

// FetchSnapshot retries transport errors and 5xx responses. Validation
// failures are not retried.
func (c *HTTPClient) FetchSnapshot(ctx context.Context, shipmentID string) (Snapshot, error) {
	endpoint := c.baseURL + "/shipments/" + url.PathEscape(shipmentID) + "/tracking"
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		snap, retry, err := c.fetchOnce(ctx, endpoint, shipmentID)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return Snapshot{}, lastErr
}

func (c *HTTPClient) fetchOnce(ctx context.Context, endpoint, shipmentID string) (Snapshot, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("oracle build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Snapshot{}, true, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return Snapshot{}, true, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Snapshot{}, false, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
	snap, err := c.decode(body, shipmentID)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, false, nil
}

func (c *HTTPClient) decode(body []byte, shipmentID string) (Snapshot, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	var w wireSnapshot
	if err := json.Unmarshal(body, &w); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if w.ShipmentID != "" && w.ShipmentID != shipmentID {
		return Snapshot{}, fmt.Errorf("%w: response for %q, requested %q", ErrInvalidResponse, w.ShipmentID, shipmentID)
	}
	return Snapshot{
		ShipmentID:        shipmentID,
		Status:            w.Status,
		Location:          w.Location,
		Timestamp:         w.Timestamp.UTC(),
		EstimatedDelivery: w.EstimatedDelivery,
		Carrier:           w.Carrier,
		Events:            w.Events,
		Coordinates:       w.Coordinates,
	}, nil
}
