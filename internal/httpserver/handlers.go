package httpserver

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/AssetBridge/internal/audit"
	"github.com/ILLUVRSE/AssetBridge/internal/auth"
	"github.com/ILLUVRSE/AssetBridge/internal/keys"
	"github.com/ILLUVRSE/AssetBridge/internal/ledger"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/verifier"
)

type createShipmentRequest struct {
	ShipmentID  string   `json:"shipmentId"`
	Origin      string   `json:"origin"`
	Destination string   `json:"destination"`
	Carrier     string   `json:"carrier"`
	Quantity    int64    `json:"quantity"`
	Category    string   `json:"category"`
	TrackingURL string   `json:"trackingUrl"`
	Documents   []string `json:"documents"`
}

func (req createShipmentRequest) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"shipmentId":  req.ShipmentID,
		"origin":      req.Origin,
		"destination": req.Destination,
		"carrier":     req.Carrier,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return errors.New("required: " + strings.Join(missing, ", "))
	}
	if req.Quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	return nil
}

func (s *Server) handleCreateShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sh, err := s.deps.Store.CreateShipment(r.Context(), store.ShipmentInput{
		ID:          req.ShipmentID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Carrier:     req.Carrier,
		Quantity:    req.Quantity,
		Category:    req.Category,
		TrackingURL: req.TrackingURL,
		Documents:   req.Documents,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("shipment registered", "shipment_id", sh.ID, "by", principal(r))
	respondJSON(w, http.StatusCreated, sh)
}

func (s *Server) handleListShipments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Store.ListShipments(r.Context(), store.ListShipmentsFilter{
		ActiveOnly: q.Get("active") == "true",
		Limit:      intParam(q.Get("limit")),
		Offset:     intParam(q.Get("offset")),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.Shipment{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"shipments": list})
}

type shipmentView struct {
	Shipment       models.Shipment            `json:"shipment"`
	Events         []models.ShipmentEvent     `json:"events"`
	TokenMapping   *models.TokenMapping       `json:"tokenMapping,omitempty"`
	Proofs         []models.DeliveryProof     `json:"proofs"`
	RejectedProofs []models.RejectedProof     `json:"rejectedProofs"`
	Revocation     *models.Revocation         `json:"revocation,omitempty"`
	FrozenFunds    []models.FrozenFundsRecord `json:"frozenFunds"`
}

func (s *Server) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	sh, err := s.deps.Store.GetShipment(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := shipmentView{Shipment: sh}
	if view.Events, err = s.deps.Store.ListEvents(ctx, id); err != nil {
		s.fail(w, r, err)
		return
	}
	if view.Proofs, err = s.deps.Store.ListDeliveryProofs(ctx, id); err != nil {
		s.fail(w, r, err)
		return
	}
	if view.RejectedProofs, err = s.deps.Store.ListRejectedProofs(ctx, id); err != nil {
		s.fail(w, r, err)
		return
	}
	if view.FrozenFunds, err = s.deps.Store.ListFrozenFunds(ctx, id); err != nil {
		s.fail(w, r, err)
		return
	}
	if m, err := s.deps.Store.GetTokenMapping(ctx, id); err == nil {
		view.TokenMapping = &m
	} else if !errors.Is(err, store.ErrNotFound) {
		s.fail(w, r, err)
		return
	}
	if rev, err := s.deps.Store.GetRevocation(ctx, id); err == nil {
		view.Revocation = &rev
	} else if !errors.Is(err, store.ErrNotFound) {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetShipment(ctx, id); err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.deps.Fetcher.Fetch(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Engine.Apply(ctx, id, snap)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"shipment": res.Shipment,
		"outcome":  res.Outcome,
		"stale":    snap.Stale,
		"anomaly":  res.Anomaly,
		"snapshot": snap,
	})
}

type mintRequest struct {
	Attributes map[string]any `json:"attributes"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	id := chi.URLParam(r, "id")
	mapping, err := s.deps.Minter.Mint(r.Context(), id, req.Attributes)
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, mapping)
	case errors.Is(err, ledger.ErrConfirmationPending):
		respondJSON(w, http.StatusAccepted, map[string]any{"status": "pending", "tokenMapping": mapping, "error": err.Error()})
	default:
		s.fail(w, r, err)
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var proof verifier.Proof
	if err := decodeJSON(w, r, &proof); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Verifier.Verify(r.Context(), chi.URLParam(r, "id"), proof)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// handleRevoke answers 200 once every step is done and 202 when the ledger
// has not confirmed yet or an off-chain step is left for the reconciler.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		respondError(w, http.StatusBadRequest, "reason required")
		return
	}
	rec, err := s.deps.Revoker.Revoke(r.Context(), chi.URLParam(r, "id"), req.Reason, principal(r))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, rec)
	case errors.Is(err, ledger.ErrConfirmationPending), rec.State == models.RevocationLedgerConfirmed:
		respondJSON(w, http.StatusAccepted, map[string]any{"status": "pending", "revocation": rec, "error": err.Error()})
	default:
		s.fail(w, r, err)
	}
}

type addSignerRequest struct {
	SignerID  string `json:"signerId"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Role      string `json:"role"`
	Active    *bool  `json:"active"`
}

func (s *Server) handleAddSigner(w http.ResponseWriter, r *http.Request) {
	var req addSignerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" {
		respondError(w, http.StatusBadRequest, "role required")
		return
	}
	info := keys.KeyInfo{
		SignerID:  req.SignerID,
		Algorithm: req.Algorithm,
		PublicKey: req.PublicKey,
		Role:      req.Role,
		Active:    req.Active == nil || *req.Active,
	}
	if err := s.deps.Signers.AddSigner(r.Context(), info); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := s.deps.Signers.Lookup(r.Context(), info.SignerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("signer registered", "signer_id", info.SignerID, "role", info.Role, "by", principal(r))
	respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListSigners(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Signers.ListSigners(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []keys.KeyInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"signers": list})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.deps.Audit.List(r.Context(), audit.ListFilter{
		ShipmentID: q.Get("shipmentId"),
		EventType:  q.Get("eventType"),
		Limit:      intParam(q.Get("limit")),
		Offset:     intParam(q.Get("offset")),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	n, err := audit.VerifyStore(r.Context(), s.deps.Audit, s.deps.Signers)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"ok": false, "checked": n, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "checked": n})
}

func principal(r *http.Request) string {
	if p := auth.FromContext(r.Context()); p != nil {
		return p.Subject
	}
	return "unknown"
}

func intParam(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
