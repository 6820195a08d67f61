// Package httpserver is the bridge's admin API.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/AssetBridge/internal/audit"
	"github.com/ILLUVRSE/AssetBridge/internal/auth"
	"github.com/ILLUVRSE/AssetBridge/internal/keys"
	"github.com/ILLUVRSE/AssetBridge/internal/ledger"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/oracle"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/tracking"
	"github.com/ILLUVRSE/AssetBridge/internal/verifier"
)

type Fetcher interface {
	Fetch(ctx context.Context, shipmentID string) (oracle.Snapshot, error)
}

type Engine interface {
	Apply(ctx context.Context, shipmentID string, snap oracle.Snapshot) (tracking.Result, error)
}

type Minter interface {
	Mint(ctx context.Context, shipmentID string, attributes map[string]any) (models.TokenMapping, error)
}

type Verifier interface {
	Verify(ctx context.Context, shipmentID string, p verifier.Proof) (verifier.Result, error)
}

type Revoker interface {
	Revoke(ctx context.Context, shipmentID, reason, actor string) (models.Revocation, error)
}

type Signers interface {
	AddSigner(ctx context.Context, info keys.KeyInfo) error
	ListSigners(ctx context.Context) ([]keys.KeyInfo, error)
	Lookup(ctx context.Context, signerID string) (keys.KeyInfo, error)
}

// Deps are the components the handlers drive.
type Deps struct {
	Store    store.Store
	Fetcher  Fetcher
	Engine   Engine
	Minter   Minter
	Verifier Verifier
	Revoker  Revoker
	Signers  Signers
	Audit    audit.Store
	Auth     *auth.Validator
	Logger   *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "http")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.deps.Auth, s.logger))

		r.Route("/shipments", func(r chi.Router) {
			r.With(auth.RequireAnyRole(auth.RoleOperator)).Post("/", s.handleCreateShipment)
			r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleOperator)).Get("/", s.handleListShipments)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleOperator)).Get("/", s.handleGetShipment)
				r.With(auth.RequireAnyRole(auth.RoleOperator)).Post("/poll", s.handlePoll)
				r.With(auth.RequireAnyRole(auth.RoleOperator)).Post("/mint", s.handleMint)
				r.With(auth.RequireAnyRole(auth.RoleOperator)).Post("/verify", s.handleVerify)
				r.With(auth.RequireAnyRole(auth.RoleShipmentAdmin)).Post("/revoke", s.handleRevoke)
			})
		})

		r.With(auth.RequireAnyRole(auth.RoleShipmentAdmin)).Post("/signers", s.handleAddSigner)
		r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleShipmentAdmin)).Get("/signers", s.handleListSigners)

		r.With(auth.RequireAnyRole(auth.RoleAuditor)).Get("/audit", s.handleListAudit)
		r.With(auth.RequireAnyRole(auth.RoleAuditor)).Get("/audit/verify", s.handleVerifyAudit)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]any{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, ledger.ErrAlreadyMinted),
		errors.Is(err, tracking.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, tracking.ErrUnknownStatus):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrConfirmationPending):
		return http.StatusAccepted
	case errors.Is(err, ledger.ErrLedgerRejected), errors.Is(err, oracle.ErrInvalidResponse):
		return http.StatusBadGateway
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, oracle.ErrNoData), errors.Is(err, oracle.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	respondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
