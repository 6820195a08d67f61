package oracle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, retries int, fn roundTripFunc) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPClientConfig{
		BaseURL:    "http://oracle/",
		APIKey:     "k",
		Timeout:    time.Second,
		Retries:    retries,
		HTTPClient: &http.Client{Transport: fn},
	})
	require.NoError(t, err)
	return c
}

const validBody = `{
  "shipmentId": "SHIP-100",
  "status": "In Transit",
  "location": "Rotterdam",
  "timestamp": "2025-05-01T10:00:00Z",
  "estimatedDelivery": "2025-05-04T12:00:00Z",
  "carrier": "Maersk",
  "events": [{"status": "Picked Up", "location": "Shanghai", "timestamp": "2025-04-20T08:00:00Z"}],
  "coordinates": {"lat": 51.92, "lng": 4.47}
}`

func TestHTTPClientParsesSnapshot(t *testing.T) {
	c := newTestClient(t, 0, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/shipments/SHIP-100/tracking", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		return textResponse(http.StatusOK, validBody), nil
	})

	snap, err := c.FetchSnapshot(context.Background(), "SHIP-100")
	require.NoError(t, err)
	assert.Equal(t, "In Transit", snap.Status)
	assert.Equal(t, "Rotterdam", snap.Location)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC), snap.Timestamp)
	require.NotNil(t, snap.EstimatedDelivery)
	require.Len(t, snap.Events, 1)
	require.NotNil(t, snap.Coordinates)
	assert.InDelta(t, 4.47, snap.Coordinates.Lng, 0.0001)
}

func TestHTTPClientRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"missing timestamp": `{"status":"in_transit"}`,
		"missing status":    `{"timestamp":"2025-05-01T10:00:00Z"}`,
		"wrong type":        `{"status":7,"timestamp":"2025-05-01T10:00:00Z"}`,
		"bad timestamp":     `{"status":"in_transit","timestamp":"yesterday"}`,
		"not json":          `<html>`,
		"other shipment":    `{"shipmentId":"SHIP-999","status":"in_transit","timestamp":"2025-05-01T10:00:00Z"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var calls int32
			c := newTestClient(t, 2, func(r *http.Request) (*http.Response, error) {
				atomic.AddInt32(&calls, 1)
				return textResponse(http.StatusOK, body), nil
			})
			_, err := c.FetchSnapshot(context.Background(), "SHIP-100")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidResponse), "got %v", err)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, 1, func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return textResponse(http.StatusBadGateway, ""), nil
		}
		return textResponse(http.StatusOK, validBody), nil
	})
	snap, err := c.FetchSnapshot(context.Background(), "SHIP-100")
	require.NoError(t, err)
	assert.Equal(t, "In Transit", snap.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientNon2xxIsUnavailable(t *testing.T) {
	c := newTestClient(t, 3, func(r *http.Request) (*http.Response, error) {
		return textResponse(http.StatusNotFound, `{"error":"unknown"}`), nil
	})
	_, err := c.FetchSnapshot(context.Background(), "SHIP-100")
	require.ErrorIs(t, err, ErrUnavailable)
}
