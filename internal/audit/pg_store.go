package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/signing"
)

// chainLockKey serializes appends across instances so each event links to
// the true head.
const chainLockKey = 0x61756469

const eventColumns = `id, event_type, shipment_id, actor, idem_key, payload, prev_hash, hash, signature, signer_id, ts`

// PGStore persists the audit chain in Postgres and tracks per-event streaming
// state so Kafka/S3 delivery can be retried from the database.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

func (p *PGStore) EnsureTable(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS audit_events (
  seq bigserial UNIQUE,
  id text PRIMARY KEY,
  event_type text NOT NULL,
  shipment_id text,
  actor text,
  idem_key text UNIQUE,
  payload jsonb NOT NULL,
  prev_hash text,
  hash text NOT NULL,
  signature text NOT NULL,
  signer_id text NOT NULL,
  ts timestamptz NOT NULL,
  stream_status text NOT NULL DEFAULT 'pending',
  stream_attempts integer NOT NULL DEFAULT 0,
  stream_claimed_at timestamptz,
  last_stream_error text,
  s3_object_key text,
  streamed_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_audit_events_shipment ON audit_events (shipment_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_events_stream ON audit_events (stream_status, seq);
`
	_, err := p.db.ExecContext(ctx, q)
	return err
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev                Event
		shipmentID, actor sql.NullString
		key, prevHash     sql.NullString
		payloadBytes      []byte
	)
	if err := row.Scan(&ev.ID, &ev.EventType, &shipmentID, &actor, &key, &payloadBytes,
		&prevHash, &ev.Hash, &ev.Signature, &ev.SignerID, &ev.Ts); err != nil {
		return nil, err
	}
	ev.ShipmentID = shipmentID.String
	ev.Actor = actor.String
	ev.Key = key.String
	ev.PrevHash = prevHash.String
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Append links ev to the current head under a transaction-scoped advisory lock.
func (p *PGStore) Append(ctx context.Context, ev *Event, s signing.Signer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}

	if ev.Key != "" {
		existing, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE idem_key=$1`, ev.Key))
		switch {
		case err == nil:
			*ev = *existing
			return tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup audit key: %w", err)
		}
	}

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fetch last hash: %w", err)
	}

	if err := seal(ctx, ev, prev.String, s, p.now()); err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	const q = `
INSERT INTO audit_events (id, event_type, shipment_id, actor, idem_key, payload, prev_hash, hash, signature, signer_id, ts)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := tx.ExecContext(ctx, q,
		ev.ID,
		ev.EventType,
		nullString(ev.ShipmentID),
		nullString(ev.Actor),
		nullString(ev.Key),
		payloadJSON,
		ev.PrevHash,
		ev.Hash,
		ev.Signature,
		ev.SignerID,
		ev.Ts,
	); err != nil {
		return fmt.Errorf("insert audit_event: %w", err)
	}
	return tx.Commit()
}

func (p *PGStore) Get(ctx context.Context, id string) (*Event, error) {
	ev, err := scanEvent(p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query audit_event: %w", err)
	}
	return ev, nil
}

// List returns matching events in chain order.
func (p *PGStore) List(ctx context.Context, filter ListFilter) ([]Event, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ShipmentID != "" {
		args = append(args, filter.ShipmentID)
		conds = append(conds, fmt.Sprintf("shipment_id=$%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conds = append(conds, fmt.Sprintf("event_type=$%d", len(args)))
	}
	q := `SELECT ` + eventColumns + ` FROM audit_events`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))
	q += fmt.Sprintf(` ORDER BY seq ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit_event: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// FetchPendingEventsForStreaming claims up to limit events that have not been
// streamed yet. Claims older than five minutes are considered abandoned.
func (p *PGStore) FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]*Event, error) {
	const q = `
UPDATE audit_events
   SET stream_status='in_progress', stream_attempts=stream_attempts+1, stream_claimed_at=now()
 WHERE id IN (
   SELECT id FROM audit_events
    WHERE stream_status='pending'
       OR (stream_status='in_progress' AND stream_claimed_at < now() - interval '5 minutes')
    ORDER BY seq
    LIMIT $1
    FOR UPDATE SKIP LOCKED
 )
RETURNING ` + eventColumns
	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("claim audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkEventStreamResult records the outcome of streaming one event. Failed
// events go back to pending.
func (p *PGStore) MarkEventStreamResult(ctx context.Context, id string, archivedKey sql.NullString, success bool, errMsg sql.NullString) error {
	if success {
		_, err := p.db.ExecContext(ctx, `
UPDATE audit_events
   SET stream_status='done', s3_object_key=$1, streamed_at=now(), last_stream_error=NULL
 WHERE id=$2`, archivedKey, id)
		return err
	}
	_, err := p.db.ExecContext(ctx, `
UPDATE audit_events
   SET stream_status='pending', last_stream_error=$1
 WHERE id=$2`, errMsg, id)
	return err
}
