package storage

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS rule_snapshots (
	version     BIGINT PRIMARY KEY,
	rules_json  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	rule_id        TEXT NOT NULL,
	rule_version   BIGINT NOT NULL,
	correlation_key TEXT NOT NULL DEFAULT '',
	target         TEXT NOT NULL,
	metric         TEXT NOT NULL,
	direction      TEXT NOT NULL DEFAULT '',
	pre_value      DOUBLE PRECISION NOT NULL DEFAULT 0,
	plan           JSONB NOT NULL,
	actions_taken  JSONB NOT NULL DEFAULT '[]',
	status         TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	attempt_count  INT NOT NULL DEFAULT 0,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	effectiveness  DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS executions_rule_idx ON executions (rule_id, target);
CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status);

CREATE TABLE IF NOT EXISTS cooldowns (
	rule_id     TEXT NOT NULL,
	target      TEXT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (rule_id, target)
);

CREATE TABLE IF NOT EXISTS statistics (
	rule_id      TEXT NOT NULL,
	action_type  TEXT NOT NULL,
	attempts     BIGINT NOT NULL DEFAULT 0,
	successes    BIGINT NOT NULL DEFAULT 0,
	rolling      DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (rule_id, action_type)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the logical schema on first boot. Every table except
// cooldowns and statistics is append-only.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Store.Pool.Exec(ctx, schema)
	return err
}
