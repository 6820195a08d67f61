package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

// MemoryStore keeps everything in process. It backs dev mode and tests.
// MutateFunc callbacks run under the store lock and must not call back into it.
type MemoryStore struct {
	mu          sync.RWMutex
	shipments   map[string]models.Shipment
	events      map[string][]models.ShipmentEvent
	anomalies   []models.OracleAnomaly
	mappings    map[string]models.TokenMapping
	proofs      map[string][]models.DeliveryProof
	rejected    map[string][]models.RejectedProof
	frozen      map[string]models.FrozenFundsRecord
	revocations map[string]models.Revocation
	outbox      map[string]models.OutboxMessage
	outboxOrder []string
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shipments:   map[string]models.Shipment{},
		events:      map[string][]models.ShipmentEvent{},
		mappings:    map[string]models.TokenMapping{},
		proofs:      map[string][]models.DeliveryProof{},
		rejected:    map[string][]models.RejectedProof{},
		frozen:      map[string]models.FrozenFundsRecord{},
		revocations: map[string]models.Revocation{},
		outbox:      map[string]models.OutboxMessage{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func copyShipment(sh models.Shipment) models.Shipment {
	sh.Documents = append([]string{}, sh.Documents...)
	return sh
}

func (m *MemoryStore) CreateShipment(ctx context.Context, in ShipmentInput) (models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shipments[in.ID]; ok {
		return models.Shipment{}, ErrConflict
	}
	now := m.now()
	sh := models.Shipment{
		ID:             in.ID,
		Origin:         in.Origin,
		Destination:    in.Destination,
		Carrier:        in.Carrier,
		Quantity:       in.Quantity,
		Category:       in.Category,
		TrackingURL:    in.TrackingURL,
		Documents:      append([]string{}, in.Documents...),
		Status:         models.StatusPending,
		ProgressStatus: models.StatusPending,
		LastUpdated:    now,
		CreatedAt:      now,
	}
	m.shipments[sh.ID] = sh
	return copyShipment(sh), nil
}

func (m *MemoryStore) GetShipment(ctx context.Context, id string) (models.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, ok := m.shipments[id]
	if !ok {
		return models.Shipment{}, ErrNotFound
	}
	return copyShipment(sh), nil
}

func (m *MemoryStore) ListShipments(ctx context.Context, filter ListShipmentsFilter) ([]models.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Shipment
	for _, sh := range m.shipments {
		if filter.ActiveOnly && sh.Status.Terminal() {
			continue
		}
		out = append(out, copyShipment(sh))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastUpdated.Before(out[j].LastUpdated)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, shipmentID string) ([]models.ShipmentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ShipmentEvent(nil), m.events[shipmentID]...), nil
}

func (m *MemoryStore) MutateShipment(ctx context.Context, id string, fn MutateFunc) (models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.shipments[id]
	if !ok {
		return models.Shipment{}, ErrNotFound
	}
	mut, err := fn(copyShipment(current))
	if err != nil {
		return models.Shipment{}, err
	}
	if mut.empty() {
		return copyShipment(current), nil
	}

	now := m.now()
	result := current
	if sh := mut.Shipment; sh != nil {
		result.Status = sh.Status
		result.ProgressStatus = sh.ProgressStatus
		result.Verified = sh.Verified
		result.LastUpdated = sh.LastUpdated
	}
	if ev := mut.Event; ev != nil {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.RecordedAt.IsZero() {
			ev.RecordedAt = now
		}
		ev.ShipmentID = id
		m.events[id] = append(m.events[id], *ev)
	}
	if p := mut.Proof; p != nil {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.ShipmentID = id
		m.proofs[id] = append(m.proofs[id], *p)
	}
	for i := range mut.Outbox {
		msg := mut.Outbox[i]
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		msg.ShipmentID = id
		msg.State = models.OutboxStatePending
		msg.NextAttemptAt = now
		msg.CreatedAt = now
		m.outbox[msg.ID] = msg
		m.outboxOrder = append(m.outboxOrder, msg.ID)
	}
	m.shipments[id] = result
	return copyShipment(result), nil
}

func (m *MemoryStore) RecordAnomaly(ctx context.Context, a models.OracleAnomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ObservedAt.IsZero() {
		a.ObservedAt = m.now()
	}
	m.anomalies = append(m.anomalies, a)
	return nil
}

// Anomalies returns the recorded oracle anomalies.
func (m *MemoryStore) Anomalies() []models.OracleAnomaly {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.OracleAnomaly(nil), m.anomalies...)
}

func (m *MemoryStore) CreateTokenMapping(ctx context.Context, tm models.TokenMapping) (models.TokenMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mappings[tm.ShipmentID]; ok {
		return models.TokenMapping{}, ErrConflict
	}
	if tm.State == "" {
		tm.State = models.MappingPending
	}
	tm.CreatedAt = m.now()
	m.mappings[tm.ShipmentID] = tm
	return tm, nil
}

func (m *MemoryStore) GetTokenMapping(ctx context.Context, shipmentID string) (models.TokenMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tm, ok := m.mappings[shipmentID]
	if !ok {
		return models.TokenMapping{}, ErrNotFound
	}
	return tm, nil
}

func (m *MemoryStore) GetTokenMappingByToken(ctx context.Context, tokenID string) (models.TokenMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tm := range m.mappings {
		if tm.TokenID != "" && tm.TokenID == tokenID {
			return tm, nil
		}
	}
	return models.TokenMapping{}, ErrNotFound
}

func (m *MemoryStore) SetMintTx(ctx context.Context, shipmentID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.mappings[shipmentID]
	if !ok || tm.State != models.MappingPending {
		return ErrNotFound
	}
	tm.MintTxHash = txHash
	m.mappings[shipmentID] = tm
	return nil
}

func (m *MemoryStore) ConfirmTokenMapping(ctx context.Context, shipmentID, tokenID string) (models.TokenMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.mappings[shipmentID]
	if !ok || tm.State != models.MappingPending {
		return models.TokenMapping{}, ErrConflict
	}
	now := m.now()
	tm.TokenID = tokenID
	tm.State = models.MappingConfirmed
	tm.ConfirmedAt = &now
	m.mappings[shipmentID] = tm
	return tm, nil
}

func (m *MemoryStore) ListDeliveryProofs(ctx context.Context, shipmentID string) ([]models.DeliveryProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.DeliveryProof(nil), m.proofs[shipmentID]...), nil
}

func (m *MemoryStore) RecordRejectedProof(ctx context.Context, r models.RejectedProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	m.rejected[r.ShipmentID] = append(m.rejected[r.ShipmentID], r)
	return nil
}

func (m *MemoryStore) ListRejectedProofs(ctx context.Context, shipmentID string) ([]models.RejectedProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.RejectedProof(nil), m.rejected[shipmentID]...), nil
}

func (m *MemoryStore) CreateFrozenFunds(ctx context.Context, rec models.FrozenFundsRecord) (models.FrozenFundsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.frozen {
		if existing.RevocationID == rec.RevocationID {
			return existing, nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = m.now()
	m.frozen[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) MarkFrozenFundsNotified(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.frozen[id]
	if !ok {
		return ErrNotFound
	}
	rec.NotifiedAt = &at
	m.frozen[id] = rec
	return nil
}

func (m *MemoryStore) ListFrozenFunds(ctx context.Context, shipmentID string) ([]models.FrozenFundsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.FrozenFundsRecord
	for _, rec := range m.frozen {
		if rec.ShipmentID == shipmentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateRevocation(ctx context.Context, rec models.Revocation) (models.Revocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revocations[rec.ShipmentID]; ok {
		return models.Revocation{}, ErrConflict
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.State == "" {
		rec.State = models.RevocationLedgerPending
	}
	now := m.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.revocations[rec.ShipmentID] = rec
	return rec, nil
}

func (m *MemoryStore) GetRevocation(ctx context.Context, shipmentID string) (models.Revocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.revocations[shipmentID]
	if !ok {
		return models.Revocation{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) UpdateRevocation(ctx context.Context, rec models.Revocation) (models.Revocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.revocations[rec.ShipmentID]
	if !ok || existing.ID != rec.ID {
		return models.Revocation{}, ErrNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = m.now()
	m.revocations[rec.ShipmentID] = rec
	return rec, nil
}

func (m *MemoryStore) ListIncompleteRevocations(ctx context.Context, limit int) ([]models.Revocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Revocation
	for _, rec := range m.revocations {
		if rec.State == models.RevocationLedgerUnknown || rec.State == models.RevocationLedgerConfirmed {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimOutbox claims due messages in enqueue order, at most one per
// shipment: a message waits while an older one for the same shipment is
// still pending or in progress.
func (m *MemoryStore) ClaimOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	limit = normalizeLimit(limit)
	var out []models.OutboxMessage
	blocked := make(map[string]bool)
	for _, id := range m.outboxOrder {
		if len(out) >= limit {
			break
		}
		msg := m.outbox[id]
		if msg.State != models.OutboxStatePending && msg.State != models.OutboxStateInProgress {
			continue
		}
		if blocked[msg.ShipmentID] {
			continue
		}
		blocked[msg.ShipmentID] = true
		if msg.State != models.OutboxStatePending || msg.NextAttemptAt.After(now) {
			continue
		}
		msg.State = models.OutboxStateInProgress
		msg.Attempts++
		m.outbox[id] = msg
		out = append(out, msg)
	}
	return out, nil
}

func (m *MemoryStore) MarkOutboxResult(ctx context.Context, id string, success bool, errMsg string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		msg.State = models.OutboxStateDelivered
		msg.LastError = ""
	} else {
		msg.State = models.OutboxStatePending
		msg.LastError = errMsg
		msg.NextAttemptAt = retryAt
	}
	m.outbox[id] = msg
	return nil
}

func (m *MemoryStore) MarkOutboxFailed(ctx context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	msg.State = models.OutboxStateFailed
	msg.LastError = errMsg
	m.outbox[id] = msg
	return nil
}

// Outbox returns every queued ledger call in enqueue order.
func (m *MemoryStore) Outbox() []models.OutboxMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.OutboxMessage, 0, len(m.outboxOrder))
	for _, id := range m.outboxOrder {
		out = append(out, m.outbox[id])
	}
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
