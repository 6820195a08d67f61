package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/canonical"
	"github.com/ILLUVRSE/AssetBridge/internal/locks"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
	"github.com/ILLUVRSE/AssetBridge/internal/store"
	"github.com/ILLUVRSE/AssetBridge/internal/telemetry"
)

const metadataSchema = "asset-bridge/shipment-metadata/v1"

// PublisherConfig bounds how long Mint and Revoke wait for a submitted
// transaction to confirm, and how often they poll.
type PublisherConfig struct {
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// Publisher owns the token side of a shipment. Off-chain state is never
// rolled back because of a ledger failure.
type Publisher struct {
	store   store.Store
	client  Client
	meta    MetadataStore
	locks   *locks.Keyed
	cfg     PublisherConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewPublisher wires a Publisher. Zero config fields get defaults.
func NewPublisher(st store.Store, client Client, meta MetadataStore, lk *locks.Keyed, cfg PublisherConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Publisher {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}
	if lk == nil {
		lk = locks.NewKeyed(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:   st,
		client:  client,
		meta:    meta,
		locks:   lk,
		cfg:     cfg,
		logger:  logger.With("component", "ledger"),
		metrics: metrics,
	}
}

// BuildMetadata is the document a token points at: the shipment's facts plus
// caller-supplied attributes.
func BuildMetadata(sh models.Shipment, attributes map[string]any) map[string]any {
	docs := sh.Documents
	if docs == nil {
		docs = []string{}
	}
	if attributes == nil {
		attributes = map[string]any{}
	}
	return map[string]any{
		"schema":      metadataSchema,
		"shipmentId":  sh.ID,
		"origin":      sh.Origin,
		"destination": sh.Destination,
		"carrier":     sh.Carrier,
		"quantity":    sh.Quantity,
		"category":    sh.Category,
		"documents":   docs,
		"attributes":  attributes,
	}
}

// Mint creates the shipment's token. A confirmed mapping is ErrAlreadyMinted.
// A pending mapping from an earlier attempt is resumed instead of minting a
// second token.
func (p *Publisher) Mint(ctx context.Context, shipmentID string, attributes map[string]any) (models.TokenMapping, error) {
	sh, err := p.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return models.TokenMapping{}, err
	}

	existing, err := p.store.GetTokenMapping(ctx, shipmentID)
	switch {
	case err == nil && existing.State == models.MappingConfirmed:
		return existing, fmt.Errorf("%w: token %s", ErrAlreadyMinted, existing.TokenID)
	case err == nil:
		return p.resumeMint(ctx, existing)
	case !errors.Is(err, store.ErrNotFound):
		return models.TokenMapping{}, err
	}

	body, err := canonical.MarshalCanonical(BuildMetadata(sh, attributes))
	if err != nil {
		return models.TokenMapping{}, fmt.Errorf("canonicalize metadata: %w", err)
	}
	uri, hash, err := p.meta.Put(ctx, body)
	if err != nil {
		return models.TokenMapping{}, err
	}

	var mapping models.TokenMapping
	err = p.locks.Do(shipmentID, func() error {
		var err error
		mapping, err = p.store.CreateTokenMapping(ctx, models.TokenMapping{
			ShipmentID:   shipmentID,
			MetadataURI:  uri,
			MetadataHash: hash,
			State:        models.MappingPending,
		})
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		return models.TokenMapping{}, fmt.Errorf("%w: mint already in progress", ErrAlreadyMinted)
	}
	if err != nil {
		return models.TokenMapping{}, err
	}
	return p.submitMint(ctx, mapping)
}

func (p *Publisher) resumeMint(ctx context.Context, mapping models.TokenMapping) (models.TokenMapping, error) {
	if mapping.MintTxHash == "" {
		p.logger.Info("resubmitting mint", "shipment_id", mapping.ShipmentID)
		return p.submitMint(ctx, mapping)
	}
	p.logger.Info("resuming pending mint", "shipment_id", mapping.ShipmentID, "tx", mapping.MintTxHash)
	return p.confirmMint(ctx, mapping)
}

func (p *Publisher) submitMint(ctx context.Context, mapping models.TokenMapping) (models.TokenMapping, error) {
	txHash, err := p.client.Mint(ctx, MintRequest{
		ShipmentID:   mapping.ShipmentID,
		MetadataURI:  mapping.MetadataURI,
		MetadataHash: mapping.MetadataHash,
	})
	if err != nil {
		p.metrics.LedgerCall(ctx, "mint", "error")
		return mapping, fmt.Errorf("mint %s: %w", mapping.ShipmentID, err)
	}
	if err := p.store.SetMintTx(ctx, mapping.ShipmentID, txHash); err != nil {
		return mapping, fmt.Errorf("record mint tx: %w", err)
	}
	mapping.MintTxHash = txHash
	return p.confirmMint(ctx, mapping)
}

func (p *Publisher) confirmMint(ctx context.Context, mapping models.TokenMapping) (models.TokenMapping, error) {
	st, err := p.WaitTx(ctx, mapping.MintTxHash)
	if err != nil {
		p.metrics.LedgerCall(ctx, "mint", resultOf(err))
		return mapping, fmt.Errorf("mint %s: %w", mapping.ShipmentID, err)
	}
	if st.TokenID == "" {
		return mapping, fmt.Errorf("mint %s: %w: confirmed tx without token id", mapping.ShipmentID, ErrLedgerRejected)
	}
	var confirmed models.TokenMapping
	err = p.locks.Do(mapping.ShipmentID, func() error {
		var err error
		confirmed, err = p.store.ConfirmTokenMapping(ctx, mapping.ShipmentID, st.TokenID)
		return err
	})
	if err != nil {
		return mapping, fmt.Errorf("confirm mapping: %w", err)
	}
	p.metrics.LedgerCall(ctx, "mint", "confirmed")
	p.logger.Info("token minted", "shipment_id", mapping.ShipmentID, "token_id", st.TokenID, "tx", mapping.MintTxHash)
	return confirmed, nil
}

// FinishMint completes a pending mapping once its tx is known. It returns
// ErrConfirmationPending while the tx is still pending.
func (p *Publisher) FinishMint(ctx context.Context, shipmentID string) (models.TokenMapping, error) {
	mapping, err := p.store.GetTokenMapping(ctx, shipmentID)
	if err != nil {
		return models.TokenMapping{}, err
	}
	if mapping.State == models.MappingConfirmed {
		return mapping, nil
	}
	return p.resumeMint(ctx, mapping)
}

// mappedToken returns the token for a shipment or ErrNoTokenMapping when
// there is none yet.
func (p *Publisher) mappedToken(ctx context.Context, shipmentID string) (string, error) {
	mapping, err := p.store.GetTokenMapping(ctx, shipmentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && mapping.TokenID == "") {
		return "", fmt.Errorf("shipment %s: %w", shipmentID, ErrNoTokenMapping)
	}
	if err != nil {
		return "", err
	}
	return mapping.TokenID, nil
}

// Update submits a status update without waiting for confirmation.
func (p *Publisher) Update(ctx context.Context, u StatusUpdate) error {
	tokenID, err := p.mappedToken(ctx, u.ShipmentID)
	if err != nil {
		return err
	}
	txHash, err := p.client.UpdateStatus(ctx, tokenID, u)
	if err != nil {
		p.metrics.LedgerCall(ctx, "status", "error")
		return fmt.Errorf("status update %s: %w", u.ShipmentID, err)
	}
	p.metrics.LedgerCall(ctx, "status", "submitted")
	p.logger.Debug("status update submitted", "shipment_id", u.ShipmentID, "status", u.Status, "tx", txHash)
	return nil
}

// AttestDelivery submits the delivery-verified event for a shipment.
func (p *Publisher) AttestDelivery(ctx context.Context, a DeliveryAttestation) error {
	tokenID, err := p.mappedToken(ctx, a.ShipmentID)
	if err != nil {
		return err
	}
	txHash, err := p.client.AttestDelivery(ctx, tokenID, a)
	if err != nil {
		p.metrics.LedgerCall(ctx, "delivery", "error")
		return fmt.Errorf("delivery attestation %s: %w", a.ShipmentID, err)
	}
	p.metrics.LedgerCall(ctx, "delivery", "submitted")
	p.logger.Info("delivery attestation submitted", "shipment_id", a.ShipmentID, "proof_id", a.ProofID, "tx", txHash)
	return nil
}

// Revoke submits a revoke tx and waits for it. The tx hash is returned even
// when the wait ends in ErrConfirmationPending so the caller can re-check it.
func (p *Publisher) Revoke(ctx context.Context, tokenID, reason string) (string, error) {
	txHash, err := p.client.Revoke(ctx, tokenID, reason)
	if err != nil {
		p.metrics.LedgerCall(ctx, "revoke", "error")
		return "", fmt.Errorf("revoke token %s: %w", tokenID, err)
	}
	if _, err := p.WaitTx(ctx, txHash); err != nil {
		p.metrics.LedgerCall(ctx, "revoke", resultOf(err))
		return txHash, fmt.Errorf("revoke token %s: %w", tokenID, err)
	}
	p.metrics.LedgerCall(ctx, "revoke", "confirmed")
	return txHash, nil
}

// CheckTx is a single status read with no waiting.
func (p *Publisher) CheckTx(ctx context.Context, txHash string) (TxStatus, error) {
	return p.client.TxStatus(ctx, txHash)
}

// WaitTx polls the tx until it confirms, fails or ConfirmTimeout passes.
// Transport errors while polling count as "not yet known".
func (p *Publisher) WaitTx(ctx context.Context, txHash string) (TxStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(p.cfg.ConfirmPoll)
	defer ticker.Stop()

	for {
		st, err := p.client.TxStatus(waitCtx, txHash)
		switch {
		case err == nil && st.State == TxConfirmed:
			return st, nil
		case err == nil && st.State == TxFailed:
			return st, fmt.Errorf("%w: tx %s: %s", ErrLedgerRejected, txHash, st.Error)
		case err != nil && errors.Is(err, ErrLedgerRejected):
			return TxStatus{}, err
		case err != nil:
			p.logger.Debug("tx status check failed", "tx", txHash, "error", err)
		}
		select {
		case <-ctx.Done():
			return TxStatus{}, ctx.Err()
		case <-waitCtx.Done():
			return TxStatus{}, fmt.Errorf("%w: tx %s", ErrConfirmationPending, txHash)
		case <-ticker.C:
		}
	}
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrConfirmationPending):
		return "pending"
	case errors.Is(err, ErrLedgerRejected):
		return "rejected"
	default:
		return "error"
	}
}
