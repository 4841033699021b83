// internal/storage/schema.go
package storage

const schema = `
CREATE TABLE IF NOT EXISTS messaging_sessions (
	tenant_id          TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	pairing_payload    TEXT,
	generation         BIGINT NOT NULL,
	last_transition_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messaging_quotas (
	tenant_id     TEXT PRIMARY KEY,
	monthly_limit INTEGER,
	used          INTEGER NOT NULL DEFAULT 0,
	reserved      INTEGER NOT NULL DEFAULT 0,
	period_start  TIMESTAMPTZ NOT NULL DEFAULT date_trunc('month', NOW() AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'
);

CREATE TABLE IF NOT EXISTS messages (
	id           UUID NOT NULL,
	tenant_id    TEXT NOT NULL,
	broadcast_id UUID,
	recipient    TEXT NOT NULL,
	body         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	external_id  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
) PARTITION BY LIST (tenant_id);
`
