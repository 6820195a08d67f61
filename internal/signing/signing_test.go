package signing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/AssetBridge/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, v any) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestEd25519SignerRoundTrip(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	s, err := NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(seed), "bridge-1")
	require.NoError(t, err)

	sig, err := s.Sign(context.Background(), []byte("delivery"))
	require.NoError(t, err)
	require.NoError(t, Verify(s.PublicKey(), []byte("delivery"), sig))
	assert.ErrorIs(t, Verify(s.PublicKey(), []byte("tampered"), sig), ErrBadSignature)
	assert.Equal(t, "bridge-1", s.SignerID())
}

func TestEd25519SignerRejectsBadKey(t *testing.T) {
	_, err := NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString([]byte("short")), "x")
	require.Error(t, err)
	_, err = NewEd25519SignerFromB64("%%%", "x")
	require.Error(t, err)
}

func TestVerifyRejectsBadPublicKey(t *testing.T) {
	err := Verify([]byte("nope"), []byte("p"), []byte("s"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBadSignature))
}

func TestKMSSignerSign(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/sign" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req kmsSignRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bridge-key", req.KeyID)
		sig := append([]byte("signed:"), req.PayloadB64...)
		return jsonResponse(http.StatusOK, kmsSignResponse{
			SignatureB64: base64.StdEncoding.EncodeToString(sig),
			SignerID:     "kms-key-1",
		}), nil
	})

	signer, err := NewKMSSigner(KMSSignerConfig{
		Endpoint:   "http://kms/",
		KeyID:      "bridge-key",
		Timeout:    time.Second,
		HTTPClient: &http.Client{Transport: transport},
	})
	require.NoError(t, err)
	assert.Equal(t, "bridge-key", signer.SignerID())

	payload := []byte("audit-entry")
	sig, err := signer.Sign(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "signed:"+base64.StdEncoding.EncodeToString(payload), string(sig))
	assert.Equal(t, "kms-key-1", signer.SignerID())
}

func TestKMSSignerRetriesServerErrors(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return jsonResponse(http.StatusServiceUnavailable, map[string]string{}), nil
		}
		return jsonResponse(http.StatusOK, kmsSignResponse{SignatureB64: base64.StdEncoding.EncodeToString([]byte("ok"))}), nil
	})
	signer, err := NewKMSSigner(KMSSignerConfig{
		Endpoint:   "http://kms",
		Retries:    2,
		HTTPClient: &http.Client{Transport: transport},
	})
	require.NoError(t, err)

	sig, err := signer.Sign(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(sig))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestKMSSignerDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusForbidden, map[string]string{}), nil
	})
	signer, err := NewKMSSigner(KMSSignerConfig{
		Endpoint:   "http://kms",
		Retries:    3,
		HTTPClient: &http.Client{Transport: transport},
	})
	require.NoError(t, err)

	_, err = signer.Sign(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNewSignerFromConfig(t *testing.T) {
	s, err := NewSignerFromConfig(config.Config{SignerID: "dev"})
	require.NoError(t, err)
	assert.IsType(t, &Ed25519Signer{}, s)

	_, err = NewSignerFromConfig(config.Config{SignerID: "prod", NodeEnv: "production"})
	require.Error(t, err)

	s, err = NewSignerFromConfig(config.Config{KMSEndpoint: "http://kms", SignerID: "k"})
	require.NoError(t, err)
	assert.IsType(t, &KMSSigner{}, s)
}
