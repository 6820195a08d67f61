package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func hsToken(t *testing.T, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func claimsFor(sub string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "idp",
			Audience:  jwt.ClaimStrings{"asset-bridge"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
}

func TestValidateHS256(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{HMACSecret: secret, Issuer: "idp", Audience: "asset-bridge"})
	require.NoError(t, err)

	p, err := v.Validate(hsToken(t, claimsFor("alice", RoleOperator)))
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, HasRole(p, RoleOperator))
	assert.False(t, HasRole(p, RoleShipmentAdmin))

	expired := claimsFor("alice")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = v.Validate(hsToken(t, expired))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	wrongAud := claimsFor("alice")
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	_, err = v.Validate(hsToken(t, wrongAud))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = v.Validate(hsToken(t, claimsFor("")))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("alice")).SignedString([]byte("nope"))
	require.NoError(t, err)
	_, err = v.Validate(other)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestValidateRS256FromPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwt.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	pub, err := LoadRSAPublicKey(path)
	require.NoError(t, err)
	v, err := NewValidator(ValidatorConfig{RSAPublicKey: pub})
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claimsFor("bob", RoleShipmentAdmin)).SignedString(key)
	require.NoError(t, err)
	p, err := v.Validate(tok)
	require.NoError(t, err)
	assert.True(t, HasRole(p, RoleShipmentAdmin))

	// HS256 is not accepted when only an RSA key is configured.
	_, err = v.Validate(hsToken(t, claimsFor("bob")))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestNewValidatorNeedsAKey(t *testing.T) {
	_, err := NewValidator(ValidatorConfig{})
	assert.Error(t, err)
}

func TestDebugToken(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{DebugToken: "dev-token"})
	require.NoError(t, err)
	p, err := v.Validate("dev-token")
	require.NoError(t, err)
	assert.True(t, HasRole(p, RoleShipmentAdmin))

	_, err = v.Validate("other")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestMiddlewareAndRoles(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{HMACSecret: secret})
	require.NoError(t, err)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, FromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware(v, nil)(RequireAnyRole(RoleShipmentAdmin)(ok))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"wrong role", "Bearer " + hsToken(t, claimsFor("op", RoleOperator)), http.StatusForbidden},
		{"admin", "Bearer " + hsToken(t, claimsFor("root", RoleShipmentAdmin)), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/shipments/SHIP-100/revoke", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
