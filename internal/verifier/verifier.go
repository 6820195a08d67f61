// Package verifier checks signed delivery attestations and marks shipments
// verified.
package verifier

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/AssetBridge/internal/audit"
	"github.com/ILLUVRSE/AssetBridge/internal/canonical"
	"github.com/ILLUVRSE/AssetBridge/internal/keys"
	"github.com/ILLUVRSE/AssetBridge/internal/locks"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/signing"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/telemetry"
)

// FactsDomain prefixes the canonical facts before hashing.
const FactsDomain = "asset-bridge/delivery-proof/v1"

const (
	ReasonMalformed        = "malformed_proof"
	ReasonShipmentMismatch = "shipment_mismatch"
	ReasonHashMismatch     = "facts_hash_mismatch"
	ReasonUnknownSigner    = "unknown_signer"
	ReasonBadSignature     = "bad_signature"
	ReasonUnauthorized     = "signer_not_authorized"
	ReasonNoShipment       = "shipment_not_found"
	ReasonQuantityMismatch = "quantity_mismatch"
	ReasonNotMinted        = "token_not_minted"
	ReasonAlreadyVerified  = "already_verified"
	ReasonCancelled        = "shipment_cancelled"
)

// Proof is a delivery attestation as submitted.
type Proof struct {
	Facts     models.DeliveryFacts `json:"facts"`
	FactsHash string               `json:"factsHash"`
	Signature string               `json:"signature"`
	SignerID  string               `json:"signerId"`
}

// Result is the verdict. Rejections are results, not errors.
type Result struct {
	Verified bool                  `json:"verified"`
	Reason   string                `json:"reason,omitempty"`
	Proof    *models.DeliveryProof `json:"proof,omitempty"`
}

// FactsHash is the hex sha256 of the domain-prefixed canonical facts.
func FactsHash(facts models.DeliveryFacts) (string, error) {
	return canonical.DomainHashHex(FactsDomain, facts)
}

type KeyLookup interface {
	Lookup(ctx context.Context, signerID string) (keys.KeyInfo, error)
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (*audit.Event, error)
}

type Config struct {
	Store    store.Store
	Keys     KeyLookup
	Policy   *SignerPolicy
	Auditor  Auditor
	Locks    *locks.Keyed
	EngineID string
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

type Verifier struct {
	store    store.Store
	keys     KeyLookup
	policy   *SignerPolicy
	auditor  Auditor
	locks    *locks.Keyed
	engineID string
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func New(cfg Config) (*Verifier, error) {
	if cfg.Store == nil || cfg.Keys == nil {
		return nil, fmt.Errorf("verifier: store and key registry required")
	}
	policy := cfg.Policy
	if policy == nil {
		var err error
		if policy, err = NewSignerPolicy(""); err != nil {
			return nil, err
		}
	}
	lk := cfg.Locks
	if lk == nil {
		lk = locks.NewKeyed(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		store:    cfg.Store,
		keys:     cfg.Keys,
		policy:   policy,
		auditor:  cfg.Auditor,
		locks:    lk,
		engineID: cfg.EngineID,
		logger:   logger.With("component", "verifier"),
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Verify checks p against the shipment. It returns an error only when the
// store or registry fails; every rejection is a Result with a reason and a
// rejected-attempt row.
func (v *Verifier) Verify(ctx context.Context, shipmentID string, p Proof) (Result, error) {
	reason, hashBytes, err := v.checkProof(ctx, shipmentID, p)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return v.reject(ctx, shipmentID, p, reason)
	}

	sh, err := v.store.GetShipment(ctx, shipmentID)
	if errors.Is(err, store.ErrNotFound) {
		return v.reject(ctx, shipmentID, p, ReasonNoShipment)
	}
	if err != nil {
		return Result{}, err
	}
	if p.Facts.Quantity != sh.Quantity {
		return v.reject(ctx, shipmentID, p, ReasonQuantityMismatch)
	}
	mapping, err := v.store.GetTokenMapping(ctx, shipmentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && mapping.TokenID == "") {
		return v.reject(ctx, shipmentID, p, ReasonNotMinted)
	}
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = v.locks.Do(shipmentID, func() error {
		var err error
		res, err = v.persist(ctx, shipmentID, p, hex.EncodeToString(hashBytes))
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !res.Verified && res.Proof == nil {
		return v.reject(ctx, shipmentID, p, res.Reason)
	}
	switch {
	case res.Verified:
		v.metrics.Verification(ctx, "verified")
	default:
		v.metrics.Verification(ctx, "audit_only")
	}
	return res, nil
}

// checkProof runs the checks that need nothing but the proof and the key
// registry. It returns the decoded facts hash on success.
func (v *Verifier) checkProof(ctx context.Context, shipmentID string, p Proof) (string, []byte, error) {
	if p.SignerID == "" || p.FactsHash == "" || p.Signature == "" {
		return ReasonMalformed, nil, nil
	}
	if p.Facts.ShipmentID != shipmentID {
		return ReasonShipmentMismatch, nil, nil
	}
	want, err := canonical.DomainHash(FactsDomain, p.Facts)
	if err != nil {
		return ReasonMalformed, nil, nil
	}
	got, err := hex.DecodeString(strings.ToLower(p.FactsHash))
	if err != nil || hex.EncodeToString(got) != hex.EncodeToString(want) {
		return ReasonHashMismatch, nil, nil
	}

	info, err := v.keys.Lookup(ctx, p.SignerID)
	if errors.Is(err, keys.ErrUnknownSigner) {
		return ReasonUnknownSigner, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("lookup signer %s: %w", p.SignerID, err)
	}
	if info.Algorithm != "" && info.Algorithm != keys.AlgorithmEd25519 {
		return ReasonBadSignature, nil, nil
	}
	pub, err := info.PublicKeyBytes()
	if err != nil {
		return ReasonBadSignature, nil, nil
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return ReasonBadSignature, nil, nil
	}
	if err := signing.Verify(pub, want, sig); err != nil {
		return ReasonBadSignature, nil, nil
	}

	allowed, err := v.policy.Allow(info, p.Facts)
	if err != nil {
		v.logger.Error("signer policy failed", "signer_id", p.SignerID, "error", err)
		return ReasonUnauthorized, nil, nil
	}
	if !allowed {
		return ReasonUnauthorized, nil, nil
	}
	return "", want, nil
}

func sameProof(a models.DeliveryProof, p Proof, hash string) bool {
	return a.SignerID == p.SignerID && strings.EqualFold(a.FactsHash, hash) && a.Signature == p.Signature
}

// persist runs under the shipment lock.
func (v *Verifier) persist(ctx context.Context, shipmentID string, p Proof, hash string) (Result, error) {
	existing, err := v.store.ListDeliveryProofs(ctx, shipmentID)
	if err != nil {
		return Result{}, err
	}
	sh, err := v.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return Result{}, err
	}
	for i := range existing {
		if !sameProof(existing[i], p, hash) {
			continue
		}
		prior := existing[i]
		switch {
		case sh.Status == models.StatusCancelled:
			return Result{Verified: false, Reason: ReasonCancelled, Proof: &prior}, nil
		case sh.Verified && !prior.AuditOnly:
			return Result{Verified: true, Proof: &prior}, nil
		}
	}

	now := v.now()
	proof := models.DeliveryProof{
		ID:         uuid.NewString(),
		ShipmentID: shipmentID,
		Facts:      p.Facts,
		FactsHash:  hash,
		Signature:  p.Signature,
		SignerID:   p.SignerID,
		VerifiedBy: v.engineID,
		VerifiedAt: now,
	}
	var res Result
	_, err = v.store.MutateShipment(ctx, shipmentID, func(cur models.Shipment) (store.Mutation, error) {
		if cur.Status == models.StatusCancelled {
			proof.AuditOnly = true
			res = Result{Verified: false, Reason: ReasonCancelled, Proof: &proof}
			return store.Mutation{Proof: &proof}, nil
		}
		if cur.Verified {
			res = Result{Verified: false, Reason: ReasonAlreadyVerified}
			return store.Mutation{}, nil
		}
		payload, err := json.Marshal(models.DeliveryVerifiedPayload{
			ShipmentID: shipmentID,
			ProofID:    proof.ID,
			FactsHash:  hash,
			SignerID:   p.SignerID,
			VerifiedAt: now,
		})
		if err != nil {
			return store.Mutation{}, err
		}
		next := cur
		next.Verified = true
		res = Result{Verified: true, Proof: &proof}
		return store.Mutation{
			Shipment: &next,
			Proof:    &proof,
			Outbox:   []models.OutboxMessage{{Kind: models.OutboxDeliveryVerified, Payload: payload}},
		}, nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Proof != nil {
		v.recordAudit(ctx, res)
		v.logger.Info("delivery proof accepted", "shipment_id", shipmentID, "proof_id", proof.ID, "signer_id", p.SignerID, "audit_only", proof.AuditOnly)
	}
	return res, nil
}

func (v *Verifier) recordAudit(ctx context.Context, res Result) {
	if v.auditor == nil {
		return
	}
	p := res.Proof
	_, err := v.auditor.Record(ctx, audit.Entry{
		EventType:  audit.EventDeliveryVerified,
		ShipmentID: p.ShipmentID,
		Actor:      p.SignerID,
		Key:        "delivery-proof:" + p.ID,
		Payload: map[string]any{
			"proofId":    p.ID,
			"factsHash":  p.FactsHash,
			"signerId":   p.SignerID,
			"verifiedBy": p.VerifiedBy,
			"auditOnly":  p.AuditOnly,
			"verifiedAt": p.VerifiedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		v.logger.Error("audit delivery proof", "shipment_id", p.ShipmentID, "proof_id", p.ID, "error", err)
	}
}

func (v *Verifier) reject(ctx context.Context, shipmentID string, p Proof, reason string) (Result, error) {
	v.metrics.Verification(ctx, "rejected")
	v.logger.Warn("delivery proof rejected", "shipment_id", shipmentID, "signer_id", p.SignerID, "reason", reason)
	err := v.store.RecordRejectedProof(ctx, models.RejectedProof{
		ShipmentID: shipmentID,
		SignerID:   p.SignerID,
		FactsHash:  p.FactsHash,
		Reason:     reason,
		CreatedAt:  v.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("record rejected proof: %w", err)
	}
	return Result{Verified: false, Reason: reason}, nil
}
