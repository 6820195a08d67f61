package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const (
	shipmentColumns   = `id, origin, destination, carrier, quantity, category, tracking_url, documents, status, progress_status, verified, last_updated, created_at`
	eventColumns      = `id, shipment_id, status, event_type, location, notes, source, occurred_at, recorded_at`
	mappingColumns    = `shipment_id, token_id, metadata_uri, metadata_hash, mint_tx_hash, state, created_at, confirmed_at`
	proofColumns      = `id, shipment_id, facts, facts_hash, signature, signer_id, verified_by, verified_at, audit_only`
	frozenColumns     = `id, shipment_id, token_id, revocation_id, reason, created_at, notified_at`
	revocationColumns = `id, shipment_id, token_id, reason, actor, state, tx_hash, frozen_funds_id, audit_event_id, attempts, last_error, created_at, updated_at, completed_at`
	outboxColumns     = `id, shipment_id, kind, payload, state, attempts, last_error, next_attempt_at, created_at`
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanShipment(row rowScanner) (models.Shipment, error) {
	var (
		sh       models.Shipment
		docs     pq.StringArray
		status   string
		progress string
	)
	if err := row.Scan(
		&sh.ID,
		&sh.Origin,
		&sh.Destination,
		&sh.Carrier,
		&sh.Quantity,
		&sh.Category,
		&sh.TrackingURL,
		&docs,
		&status,
		&progress,
		&sh.Verified,
		&sh.LastUpdated,
		&sh.CreatedAt,
	); err != nil {
		return models.Shipment{}, err
	}
	sh.Documents = []string(docs)
	if sh.Documents == nil {
		sh.Documents = []string{}
	}
	sh.Status = models.ShipmentStatus(status)
	sh.ProgressStatus = models.ShipmentStatus(progress)
	return sh, nil
}

func scanEvent(row rowScanner) (models.ShipmentEvent, error) {
	var (
		ev        models.ShipmentEvent
		status    string
		eventType string
	)
	if err := row.Scan(
		&ev.ID,
		&ev.ShipmentID,
		&status,
		&eventType,
		&ev.Location,
		&ev.Notes,
		&ev.Source,
		&ev.OccurredAt,
		&ev.RecordedAt,
	); err != nil {
		return models.ShipmentEvent{}, err
	}
	ev.Status = models.ShipmentStatus(status)
	ev.EventType = models.EventType(eventType)
	return ev, nil
}

func scanMapping(row rowScanner) (models.TokenMapping, error) {
	var (
		m           models.TokenMapping
		tokenID     sql.NullString
		mintTx      sql.NullString
		confirmedAt sql.NullTime
	)
	if err := row.Scan(
		&m.ShipmentID,
		&tokenID,
		&m.MetadataURI,
		&m.MetadataHash,
		&mintTx,
		&m.State,
		&m.CreatedAt,
		&confirmedAt,
	); err != nil {
		return models.TokenMapping{}, err
	}
	m.TokenID = tokenID.String
	m.MintTxHash = mintTx.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		m.ConfirmedAt = &t
	}
	return m, nil
}

func scanProof(row rowScanner) (models.DeliveryProof, error) {
	var (
		p     models.DeliveryProof
		facts []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.ShipmentID,
		&facts,
		&p.FactsHash,
		&p.Signature,
		&p.SignerID,
		&p.VerifiedBy,
		&p.VerifiedAt,
		&p.AuditOnly,
	); err != nil {
		return models.DeliveryProof{}, err
	}
	if len(facts) > 0 {
		if err := json.Unmarshal(facts, &p.Facts); err != nil {
			return models.DeliveryProof{}, fmt.Errorf("decode proof facts: %w", err)
		}
	}
	return p, nil
}

func scanFrozen(row rowScanner) (models.FrozenFundsRecord, error) {
	var (
		rec      models.FrozenFundsRecord
		notified sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ShipmentID,
		&rec.TokenID,
		&rec.RevocationID,
		&rec.Reason,
		&rec.CreatedAt,
		&notified,
	); err != nil {
		return models.FrozenFundsRecord{}, err
	}
	if notified.Valid {
		t := notified.Time
		rec.NotifiedAt = &t
	}
	return rec, nil
}

func scanRevocation(row rowScanner) (models.Revocation, error) {
	var (
		rec         models.Revocation
		state       string
		txHash      sql.NullString
		frozenID    sql.NullString
		auditID     sql.NullString
		lastErr     sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ShipmentID,
		&rec.TokenID,
		&rec.Reason,
		&rec.Actor,
		&state,
		&txHash,
		&frozenID,
		&auditID,
		&rec.Attempts,
		&lastErr,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&completedAt,
	); err != nil {
		return models.Revocation{}, err
	}
	rec.State = models.RevocationState(state)
	rec.TxHash = txHash.String
	rec.FrozenFundsID = frozenID.String
	rec.AuditEventID = auditID.String
	rec.LastError = lastErr.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func scanOutbox(row rowScanner) (models.OutboxMessage, error) {
	var (
		msg     models.OutboxMessage
		payload []byte
		lastErr sql.NullString
	)
	if err := row.Scan(
		&msg.ID,
		&msg.ShipmentID,
		&msg.Kind,
		&payload,
		&msg.State,
		&msg.Attempts,
		&lastErr,
		&msg.NextAttemptAt,
		&msg.CreatedAt,
	); err != nil {
		return models.OutboxMessage{}, err
	}
	msg.Payload = append(json.RawMessage(nil), payload...)
	msg.LastError = lastErr.String
	return msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PGStore) CreateShipment(ctx context.Context, in ShipmentInput) (models.Shipment, error) {
	docs := in.Documents
	if docs == nil {
		docs = []string{}
	}
	query := `
		INSERT INTO shipments (id, origin, destination, carrier, quantity, category, tracking_url, documents, status, progress_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending','pending')
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + shipmentColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.Origin, in.Destination, in.Carrier, in.Quantity, in.Category, in.TrackingURL, pq.Array(docs))
	sh, err := scanShipment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Shipment{}, ErrConflict
		}
		return models.Shipment{}, fmt.Errorf("insert shipment: %w", err)
	}
	return sh, nil
}

func (s *PGStore) GetShipment(ctx context.Context, id string) (models.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE id=$1`
	sh, err := scanShipment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Shipment{}, ErrNotFound
		}
		return models.Shipment{}, fmt.Errorf("get shipment: %w", err)
	}
	return sh, nil
}

func (s *PGStore) ListShipments(ctx context.Context, filter ListShipmentsFilter) ([]models.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.ActiveOnly {
		query += " AND status NOT IN ('delivered','cancelled')"
	}
	query += " ORDER BY last_updated ASC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	defer rows.Close()

	var out []models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shipment: %w", err)
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shipments: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListEvents(ctx context.Context, shipmentID string) ([]models.ShipmentEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM shipment_events WHERE shipment_id=$1 ORDER BY recorded_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.ShipmentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *PGStore) MutateShipment(ctx context.Context, id string, fn MutateFunc) (models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Shipment{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `SELECT ` + shipmentColumns + ` FROM shipments WHERE id=$1 FOR UPDATE`
	current, err := scanShipment(tx.QueryRowContext(ctx, selectQuery, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Shipment{}, ErrNotFound
		}
		return models.Shipment{}, fmt.Errorf("lock shipment: %w", err)
	}

	mut, err := fn(current)
	if err != nil {
		return models.Shipment{}, err
	}
	if mut.empty() {
		return current, nil
	}

	result := current
	if mut.Shipment != nil {
		updateQuery := `
			UPDATE shipments
			SET status=$2, progress_status=$3, verified=$4, last_updated=$5
			WHERE id=$1
			RETURNING ` + shipmentColumns
		sh := mut.Shipment
		result, err = scanShipment(tx.QueryRowContext(ctx, updateQuery, id, string(sh.Status), string(sh.ProgressStatus), sh.Verified, sh.LastUpdated))
		if err != nil {
			return models.Shipment{}, fmt.Errorf("update shipment: %w", err)
		}
	}
	if ev := mut.Event; ev != nil {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.RecordedAt.IsZero() {
			ev.RecordedAt = time.Now().UTC()
		}
		const insertEvent = `
			INSERT INTO shipment_events (id, shipment_id, status, event_type, location, notes, source, occurred_at, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`
		if _, err := tx.ExecContext(ctx, insertEvent, ev.ID, id, string(ev.Status), string(ev.EventType), ev.Location, ev.Notes, ev.Source, ev.OccurredAt, ev.RecordedAt); err != nil {
			return models.Shipment{}, fmt.Errorf("insert event: %w", err)
		}
	}
	if p := mut.Proof; p != nil {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		facts, err := json.Marshal(p.Facts)
		if err != nil {
			return models.Shipment{}, fmt.Errorf("marshal proof facts: %w", err)
		}
		const insertProof = `
			INSERT INTO delivery_proofs (id, shipment_id, facts, facts_hash, signature, signer_id, verified_by, verified_at, audit_only)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`
		if _, err := tx.ExecContext(ctx, insertProof, p.ID, id, facts, p.FactsHash, p.Signature, p.SignerID, p.VerifiedBy, p.VerifiedAt, p.AuditOnly); err != nil {
			return models.Shipment{}, fmt.Errorf("insert delivery proof: %w", err)
		}
	}
	for i := range mut.Outbox {
		msg := &mut.Outbox[i]
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		const insertOutbox = `
			INSERT INTO ledger_outbox (id, shipment_id, kind, payload, state, attempts, next_attempt_at)
			VALUES ($1,$2,$3,$4,'pending',0,NOW())
		`
		if _, err := tx.ExecContext(ctx, insertOutbox, msg.ID, id, msg.Kind, ensureJSON(msg.Payload, "{}")); err != nil {
			return models.Shipment{}, fmt.Errorf("enqueue ledger call: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Shipment{}, fmt.Errorf("commit shipment mutation: %w", err)
	}
	return result, nil
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func (s *PGStore) RecordAnomaly(ctx context.Context, a models.OracleAnomaly) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ObservedAt.IsZero() {
		a.ObservedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO oracle_anomalies (id, shipment_id, raw_status, mapped_to, quarantined, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := s.db.ExecContext(ctx, query, a.ID, a.ShipmentID, a.RawStatus, string(a.MappedTo), a.Quarantined, a.ObservedAt); err != nil {
		return fmt.Errorf("insert oracle anomaly: %w", err)
	}
	return nil
}

func (s *PGStore) CreateTokenMapping(ctx context.Context, m models.TokenMapping) (models.TokenMapping, error) {
	state := m.State
	if state == "" {
		state = models.MappingPending
	}
	query := `
		INSERT INTO token_mappings (shipment_id, token_id, metadata_uri, metadata_hash, mint_tx_hash, state)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (shipment_id) DO NOTHING
		RETURNING ` + mappingColumns
	row := s.db.QueryRowContext(ctx, query, m.ShipmentID, nullString(m.TokenID), m.MetadataURI, m.MetadataHash, nullString(m.MintTxHash), state)
	out, err := scanMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenMapping{}, ErrConflict
		}
		return models.TokenMapping{}, fmt.Errorf("insert token mapping: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetTokenMapping(ctx context.Context, shipmentID string) (models.TokenMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM token_mappings WHERE shipment_id=$1`
	m, err := scanMapping(s.db.QueryRowContext(ctx, query, shipmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenMapping{}, ErrNotFound
		}
		return models.TokenMapping{}, fmt.Errorf("get token mapping: %w", err)
	}
	return m, nil
}

func (s *PGStore) GetTokenMappingByToken(ctx context.Context, tokenID string) (models.TokenMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM token_mappings WHERE token_id=$1`
	m, err := scanMapping(s.db.QueryRowContext(ctx, query, tokenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenMapping{}, ErrNotFound
		}
		return models.TokenMapping{}, fmt.Errorf("get token mapping by token: %w", err)
	}
	return m, nil
}

func (s *PGStore) SetMintTx(ctx context.Context, shipmentID, txHash string) error {
	const query = `UPDATE token_mappings SET mint_tx_hash=$2 WHERE shipment_id=$1 AND state='pending'`
	res, err := s.db.ExecContext(ctx, query, shipmentID, txHash)
	if err != nil {
		return fmt.Errorf("set mint tx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfirmTokenMapping is the only place a token id is attached to a shipment.
// A mapping that is already confirmed is never reassigned.
func (s *PGStore) ConfirmTokenMapping(ctx context.Context, shipmentID, tokenID string) (models.TokenMapping, error) {
	query := `
		UPDATE token_mappings
		SET token_id=$2, state='confirmed', confirmed_at=NOW()
		WHERE shipment_id=$1 AND state='pending'
		RETURNING ` + mappingColumns
	m, err := scanMapping(s.db.QueryRowContext(ctx, query, shipmentID, tokenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenMapping{}, ErrConflict
		}
		return models.TokenMapping{}, fmt.Errorf("confirm token mapping: %w", err)
	}
	return m, nil
}

func (s *PGStore) ListDeliveryProofs(ctx context.Context, shipmentID string) ([]models.DeliveryProof, error) {
	query := `SELECT ` + proofColumns + ` FROM delivery_proofs WHERE shipment_id=$1 ORDER BY verified_at ASC`
	rows, err := s.db.QueryContext(ctx, query, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list delivery proofs: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryProof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery proof: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery proofs: %w", err)
	}
	return out, nil
}

func (s *PGStore) RecordRejectedProof(ctx context.Context, r models.RejectedProof) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO rejected_proofs (id, shipment_id, signer_id, facts_hash, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := s.db.ExecContext(ctx, query, r.ID, r.ShipmentID, r.SignerID, r.FactsHash, r.Reason, r.CreatedAt); err != nil {
		return fmt.Errorf("insert rejected proof: %w", err)
	}
	return nil
}

func (s *PGStore) ListRejectedProofs(ctx context.Context, shipmentID string) ([]models.RejectedProof, error) {
	const query = `
		SELECT id, shipment_id, signer_id, facts_hash, reason, created_at
		FROM rejected_proofs WHERE shipment_id=$1 ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list rejected proofs: %w", err)
	}
	defer rows.Close()

	var out []models.RejectedProof
	for rows.Next() {
		var r models.RejectedProof
		if err := rows.Scan(&r.ID, &r.ShipmentID, &r.SignerID, &r.FactsHash, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rejected proof: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejected proofs: %w", err)
	}
	return out, nil
}

// CreateFrozenFunds is idempotent per revocation: a second call returns the
// record created by the first.
func (s *PGStore) CreateFrozenFunds(ctx context.Context, rec models.FrozenFundsRecord) (models.FrozenFundsRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	query := `
		INSERT INTO frozen_funds (id, shipment_id, token_id, revocation_id, reason)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (revocation_id) DO UPDATE SET revocation_id = EXCLUDED.revocation_id
		RETURNING ` + frozenColumns
	out, err := scanFrozen(s.db.QueryRowContext(ctx, query, rec.ID, rec.ShipmentID, rec.TokenID, rec.RevocationID, rec.Reason))
	if err != nil {
		return models.FrozenFundsRecord{}, fmt.Errorf("insert frozen funds: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkFrozenFundsNotified(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE frozen_funds SET notified_at=$2 WHERE id=$1`
	res, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark frozen funds notified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListFrozenFunds(ctx context.Context, shipmentID string) ([]models.FrozenFundsRecord, error) {
	query := `SELECT ` + frozenColumns + ` FROM frozen_funds WHERE shipment_id=$1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list frozen funds: %w", err)
	}
	defer rows.Close()

	var out []models.FrozenFundsRecord
	for rows.Next() {
		rec, err := scanFrozen(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frozen funds: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frozen funds: %w", err)
	}
	return out, nil
}

func (s *PGStore) CreateRevocation(ctx context.Context, rec models.Revocation) (models.Revocation, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	state := rec.State
	if state == "" {
		state = models.RevocationLedgerPending
	}
	query := `
		INSERT INTO revocations (id, shipment_id, token_id, reason, actor, state, tx_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (shipment_id) DO NOTHING
		RETURNING ` + revocationColumns
	out, err := scanRevocation(s.db.QueryRowContext(ctx, query, rec.ID, rec.ShipmentID, rec.TokenID, rec.Reason, rec.Actor, string(state), nullString(rec.TxHash)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Revocation{}, ErrConflict
		}
		return models.Revocation{}, fmt.Errorf("insert revocation: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetRevocation(ctx context.Context, shipmentID string) (models.Revocation, error) {
	query := `SELECT ` + revocationColumns + ` FROM revocations WHERE shipment_id=$1`
	rec, err := scanRevocation(s.db.QueryRowContext(ctx, query, shipmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Revocation{}, ErrNotFound
		}
		return models.Revocation{}, fmt.Errorf("get revocation: %w", err)
	}
	return rec, nil
}

func (s *PGStore) UpdateRevocation(ctx context.Context, rec models.Revocation) (models.Revocation, error) {
	query := `
		UPDATE revocations
		SET reason=$2, state=$3, tx_hash=$4, frozen_funds_id=$5, audit_event_id=$6,
		    attempts=$7, last_error=$8, completed_at=$9, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + revocationColumns
	var completedAt sql.NullTime
	if rec.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *rec.CompletedAt, Valid: true}
	}
	out, err := scanRevocation(s.db.QueryRowContext(ctx, query,
		rec.ID,
		rec.Reason,
		string(rec.State),
		nullString(rec.TxHash),
		nullString(rec.FrozenFundsID),
		nullString(rec.AuditEventID),
		rec.Attempts,
		nullString(rec.LastError),
		completedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Revocation{}, ErrNotFound
		}
		return models.Revocation{}, fmt.Errorf("update revocation: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListIncompleteRevocations(ctx context.Context, limit int) ([]models.Revocation, error) {
	query := `
		SELECT ` + revocationColumns + `
		FROM revocations
		WHERE state IN ('ledger_unknown','ledger_confirmed')
		ORDER BY updated_at ASC
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list incomplete revocations: %w", err)
	}
	defer rows.Close()

	var out []models.Revocation
	for rows.Next() {
		rec, err := scanRevocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revocation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revocations: %w", err)
	}
	return out, nil
}

// ClaimOutbox marks up to limit due messages in_progress and returns them.
// Only the oldest unfinished message of each shipment is eligible, so a
// shipment's ledger calls go out in the order they were queued. Rows held by
// another worker are skipped; rows stuck in_progress for more than five
// minutes are reclaimed.
func (s *PGStore) ClaimOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	query := `
		UPDATE ledger_outbox
		SET state='in_progress', attempts=attempts+1, updated_at=NOW()
		WHERE id IN (
			SELECT o.id FROM ledger_outbox o
			WHERE ((o.state='pending' AND o.next_attempt_at <= NOW())
			   OR (o.state='in_progress' AND o.updated_at < NOW() - INTERVAL '5 minutes'))
			  AND NOT EXISTS (
				SELECT 1 FROM ledger_outbox older
				WHERE older.shipment_id = o.shipment_id
				  AND older.state IN ('pending','in_progress')
				  AND older.seq < o.seq
			  )
			ORDER BY o.seq
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + outboxColumns
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxMessage
	for rows.Next() {
		msg, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkOutboxResult(ctx context.Context, id string, success bool, errMsg string, retryAt time.Time) error {
	if success {
		const query = `UPDATE ledger_outbox SET state='delivered', last_error=NULL, updated_at=NOW() WHERE id=$1`
		if _, err := s.db.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("mark outbox delivered: %w", err)
		}
		return nil
	}
	const query = `
		UPDATE ledger_outbox
		SET state='pending', last_error=$2, next_attempt_at=$3, updated_at=NOW()
		WHERE id=$1
	`
	if _, err := s.db.ExecContext(ctx, query, id, errMsg, retryAt); err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// MarkOutboxFailed parks a message for good. It is never claimed again and
// no longer holds back later messages for its shipment.
func (s *PGStore) MarkOutboxFailed(ctx context.Context, id string, errMsg string) error {
	const query = `UPDATE ledger_outbox SET state='failed', last_error=$2, updated_at=NOW() WHERE id=$1`
	if _, err := s.db.ExecContext(ctx, query, id, errMsg); err != nil {
		return fmt.Errorf("mark outbox dead: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
