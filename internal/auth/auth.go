// Package auth authenticates admin API callers with bearer JWTs and carries
// the resulting principal through the request context.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "bridge.principal"

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

// Claims are the JWT claims the admin API reads.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// FromContext returns the principal stored by the middleware, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p
}

type ValidatorConfig struct {
	// HMACSecret enables HS256 tokens.
	HMACSecret []byte
	// RSAPublicKey enables RS256 tokens.
	RSAPublicKey *rsa.PublicKey
	Issuer       string
	Audience     string
	// DebugToken, when set, is accepted verbatim and grants every role.
	DebugToken string
}

type Validator struct {
	cfg    ValidatorConfig
	parser *jwt.Parser
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.HMACSecret) == 0 && cfg.RSAPublicKey == nil && cfg.DebugToken == "" {
		return nil, errors.New("auth: no verification key configured")
	}
	methods := make([]string, 0, 2)
	if len(cfg.HMACSecret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if cfg.RSAPublicKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Validator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// LoadRSAPublicKey reads a PEM encoded RSA public key.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key %s: %w", path, err)
	}
	return key, nil
}

func (v *Validator) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.Alg() {
	case jwt.SigningMethodHS256.Alg():
		if len(v.cfg.HMACSecret) > 0 {
			return v.cfg.HMACSecret, nil
		}
	case jwt.SigningMethodRS256.Alg():
		if v.cfg.RSAPublicKey != nil {
			return v.cfg.RSAPublicKey, nil
		}
	}
	return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
}

// Validate checks the token and returns the principal it names.
func (v *Validator) Validate(token string) (*Principal, error) {
	if v.cfg.DebugToken != "" && token == v.cfg.DebugToken {
		return &Principal{Subject: "debug", Roles: []string{RoleOperator, RoleAuditor, RoleShipmentAdmin}}, nil
	}
	if len(v.cfg.HMACSecret) == 0 && v.cfg.RSAPublicKey == nil {
		return nil, fmt.Errorf("%w: no jwt key configured", ErrUnauthenticated)
	}
	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return &Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// Middleware rejects requests without a valid bearer token with 401.
func Middleware(v *Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
				unauthorized(w, "missing bearer token")
				return
			}
			p, err := v.Validate(strings.TrimSpace(authz[7:]))
			if err != nil {
				logger.Debug("token rejected", "path", r.URL.Path, "error", err)
				unauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="asset-bridge"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}
