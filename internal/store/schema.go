package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS shipments (
  id text PRIMARY KEY,
  origin text NOT NULL,
  destination text NOT NULL,
  carrier text NOT NULL DEFAULT '',
  quantity bigint NOT NULL CHECK (quantity > 0),
  category text NOT NULL DEFAULT '',
  tracking_url text NOT NULL DEFAULT '',
  documents text[] NOT NULL DEFAULT '{}',
  status text NOT NULL DEFAULT 'pending',
  progress_status text NOT NULL DEFAULT 'pending',
  verified boolean NOT NULL DEFAULT false,
  last_updated timestamptz NOT NULL DEFAULT now(),
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_shipments_status ON shipments (status, last_updated);

CREATE TABLE IF NOT EXISTS shipment_events (
  id text PRIMARY KEY,
  shipment_id text NOT NULL REFERENCES shipments(id),
  status text NOT NULL,
  event_type text NOT NULL,
  location text NOT NULL DEFAULT '',
  notes text NOT NULL DEFAULT '',
  source text NOT NULL DEFAULT '',
  occurred_at timestamptz NOT NULL,
  recorded_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_shipment_events_shipment ON shipment_events (shipment_id, recorded_at);

CREATE TABLE IF NOT EXISTS oracle_anomalies (
  id text PRIMARY KEY,
  shipment_id text NOT NULL,
  raw_status text NOT NULL,
  mapped_to text NOT NULL,
  quarantined boolean NOT NULL DEFAULT false,
  observed_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS token_mappings (
  shipment_id text PRIMARY KEY REFERENCES shipments(id),
  token_id text UNIQUE,
  metadata_uri text NOT NULL,
  metadata_hash text NOT NULL,
  mint_tx_hash text,
  state text NOT NULL DEFAULT 'pending',
  created_at timestamptz NOT NULL DEFAULT now(),
  confirmed_at timestamptz
);

CREATE TABLE IF NOT EXISTS delivery_proofs (
  id text PRIMARY KEY,
  shipment_id text NOT NULL REFERENCES shipments(id),
  facts jsonb NOT NULL,
  facts_hash text NOT NULL,
  signature text NOT NULL,
  signer_id text NOT NULL,
  verified_by text NOT NULL,
  verified_at timestamptz NOT NULL,
  audit_only boolean NOT NULL DEFAULT false
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_proofs_verified ON delivery_proofs (shipment_id) WHERE NOT audit_only;

CREATE TABLE IF NOT EXISTS rejected_proofs (
  id text PRIMARY KEY,
  shipment_id text NOT NULL,
  signer_id text NOT NULL DEFAULT '',
  facts_hash text NOT NULL DEFAULT '',
  reason text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS revocations (
  id text PRIMARY KEY,
  shipment_id text NOT NULL UNIQUE REFERENCES shipments(id),
  token_id text NOT NULL,
  reason text NOT NULL,
  actor text NOT NULL,
  state text NOT NULL,
  tx_hash text,
  frozen_funds_id text,
  audit_event_id text,
  attempts integer NOT NULL DEFAULT 0,
  last_error text,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  completed_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_revocations_state ON revocations (state, updated_at);

CREATE TABLE IF NOT EXISTS frozen_funds (
  id text PRIMARY KEY,
  shipment_id text NOT NULL REFERENCES shipments(id),
  token_id text NOT NULL,
  revocation_id text NOT NULL UNIQUE,
  reason text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  notified_at timestamptz
);

CREATE TABLE IF NOT EXISTS ledger_outbox (
  id text PRIMARY KEY,
  seq bigserial,
  shipment_id text NOT NULL,
  kind text NOT NULL,
  payload jsonb NOT NULL,
  state text NOT NULL DEFAULT 'pending',
  attempts integer NOT NULL DEFAULT 0,
  last_error text,
  next_attempt_at timestamptz NOT NULL DEFAULT now(),
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
ALTER TABLE ledger_outbox ADD COLUMN IF NOT EXISTS seq bigserial;
CREATE INDEX IF NOT EXISTS idx_ledger_outbox_due ON ledger_outbox (state, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_ledger_outbox_shipment_seq ON ledger_outbox (shipment_id, seq);
`

// EnsureSchema creates the engine tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
