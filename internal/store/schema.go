package store

// Schema is the relational layout of §3/§6: the entity tables plus the
// required indexes (Transaction sender/receiver/timestamp/risk_score,
// UserQueryPattern (user_id, project_id), FraudAlert severity) and
// RESTRICT foreign keys for Transaction→Project and Exhibit→Case.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	code            TEXT NOT NULL UNIQUE,
	contract_value  NUMERIC(18,2) NOT NULL DEFAULT 0,
	start_date      TIMESTAMPTZ NOT NULL,
	end_date        TIMESTAMPTZ,
	contractor_name TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'audit_mode',
	site_lat        DOUBLE PRECISION,
	site_lon        DOUBLE PRECISION,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	project_id     TEXT REFERENCES projects(id),
	canonical_name TEXT NOT NULL,
	type           TEXT NOT NULL DEFAULT 'unknown',
	risk_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	watchlist      BOOLEAN NOT NULL DEFAULT FALSE,
	metadata       JSONB NOT NULL DEFAULT '{}',
	embedding      JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_entities_canonical_name ON entities (canonical_name);

CREATE TABLE IF NOT EXISTS transactions (
	id                    TEXT PRIMARY KEY,
	project_id            TEXT NOT NULL REFERENCES projects(id) ON DELETE RESTRICT,
	proposed_amount       NUMERIC(18,2) NOT NULL DEFAULT 0,
	actual_amount         NUMERIC(18,2) NOT NULL DEFAULT 0,
	currency              TEXT NOT NULL DEFAULT 'IDR',
	sender                TEXT NOT NULL DEFAULT '',
	receiver              TEXT NOT NULL DEFAULT '',
	sender_entity_id      TEXT REFERENCES entities(id),
	receiver_entity_id    TEXT REFERENCES entities(id),
	description           TEXT NOT NULL DEFAULT '',
	category              TEXT NOT NULL DEFAULT 'U',
	account_label         TEXT NOT NULL DEFAULT '',
	ts                    TIMESTAMPTZ NOT NULL,
	transaction_date      TIMESTAMPTZ,
	risk_score            DOUBLE PRECISION NOT NULL DEFAULT 0,
	status                TEXT NOT NULL DEFAULT 'pending',
	verification_status   TEXT NOT NULL DEFAULT 'UNVERIFIED',
	aml_stage             TEXT,
	batch_reference       TEXT NOT NULL DEFAULT '',
	audit_comment         TEXT NOT NULL DEFAULT '',
	investigator_note_enc BYTEA,
	flags                 JSONB NOT NULL DEFAULT '{}',
	delta_inflation       NUMERIC(18,2) NOT NULL DEFAULT 0,
	lat                   DOUBLE PRECISION,
	lon                   DOUBLE PRECISION,
	mens_rea_description  TEXT NOT NULL DEFAULT '',
	embedding             JSONB,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions (sender);
CREATE INDEX IF NOT EXISTS idx_transactions_receiver ON transactions (receiver);
CREATE INDEX IF NOT EXISTS idx_transactions_ts ON transactions (ts);
CREATE INDEX IF NOT EXISTS idx_transactions_risk_score ON transactions (risk_score);

CREATE TABLE IF NOT EXISTS bank_transactions (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL REFERENCES projects(id),
	amount          NUMERIC(18,2) NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT 'IDR',
	bank_name       TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	ts              TIMESTAMPTZ NOT NULL,
	booking_date    TIMESTAMPTZ,
	batch_reference TEXT NOT NULL DEFAULT '',
	embedding       JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_bank_transactions_project ON bank_transactions (project_id);

CREATE TABLE IF NOT EXISTS reconciliation_matches (
	id               TEXT PRIMARY KEY,
	internal_tx_id   TEXT NOT NULL REFERENCES transactions(id),
	bank_tx_id       TEXT NOT NULL REFERENCES bank_transactions(id),
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	confirmed        BOOLEAN NOT NULL DEFAULT FALSE,
	matched_at       TIMESTAMPTZ,
	match_type       TEXT NOT NULL,
	ai_reasoning     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_matches_confirmed_pair
	ON reconciliation_matches (internal_tx_id, bank_tx_id) WHERE confirmed;

CREATE TABLE IF NOT EXISTS audit_log (
	id             TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	action         TEXT NOT NULL,
	field_name     TEXT NOT NULL DEFAULT '',
	old_value      TEXT NOT NULL DEFAULT '',
	new_value      TEXT NOT NULL DEFAULT '',
	actor_id       TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	previous_hash  TEXT NOT NULL DEFAULT '',
	hash_signature TEXT NOT NULL,
	ts             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log (entity_type, entity_id, ts);

CREATE TABLE IF NOT EXISTS cases (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id),
	title             TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'NEW',
	final_report_hash TEXT NOT NULL DEFAULT '',
	sealed_at         TIMESTAMPTZ,
	sealed_by         TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS case_exhibits (
	id                    TEXT PRIMARY KEY,
	case_id               TEXT NOT NULL REFERENCES cases(id) ON DELETE RESTRICT,
	title                 TEXT NOT NULL,
	entity_ref_id         TEXT NOT NULL DEFAULT '',
	verdict               TEXT NOT NULL DEFAULT 'PENDING',
	hash_signature        TEXT NOT NULL DEFAULT '',
	adjudicated_by        TEXT NOT NULL DEFAULT '',
	adjudicated_at        TIMESTAMPTZ,
	ai_contradiction_note TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL,
	data_type         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	total_items       INTEGER NOT NULL DEFAULT 0,
	total_batches     INTEGER NOT NULL DEFAULT 0,
	batches_completed INTEGER NOT NULL DEFAULT 0,
	items_processed   INTEGER NOT NULL DEFAULT 0,
	items_failed      INTEGER NOT NULL DEFAULT 0,
	batch_config      JSONB NOT NULL DEFAULT '{}',
	worker_task_ids   JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	error_message     TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fraud_alerts (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	alert_type     TEXT NOT NULL,
	severity       TEXT NOT NULL,
	risk_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	description    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_severity ON fraud_alerts (severity);

CREATE TABLE IF NOT EXISTS integrity_registry (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	file_hash     TEXT NOT NULL,
	previous_hash TEXT NOT NULL DEFAULT '',
	anchor_id     TEXT NOT NULL DEFAULT '',
	sealed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	sealed_by     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_integrity_registry_project ON integrity_registry (project_id, sealed_at);

CREATE TABLE IF NOT EXISTS corporate_relationships (
	id                TEXT PRIMARY KEY,
	parent_entity_id  TEXT NOT NULL,
	child_entity_id   TEXT NOT NULL,
	relationship_type TEXT NOT NULL,
	stake_percentage  DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_corp_rel_child ON corporate_relationships (child_entity_id);
CREATE INDEX IF NOT EXISTS idx_corp_rel_parent ON corporate_relationships (parent_entity_id);

CREATE TABLE IF NOT EXISTS copilot_insights (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	kind          TEXT NOT NULL,
	entity_ref_id TEXT NOT NULL DEFAULT '',
	severity      DOUBLE PRECISION NOT NULL DEFAULT 0,
	narrative     TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_query_patterns (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	project_id TEXT NOT NULL,
	frequency  INTEGER NOT NULL DEFAULT 0,
	context    TEXT NOT NULL DEFAULT '',
	success    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_user_query_patterns_user_project ON user_query_patterns (user_id, project_id);

CREATE TABLE IF NOT EXISTS user_project_access (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	project_id TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, project_id)
);
`
