package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"remedyai-backend/internal/executor"
	"remedyai-backend/internal/rules"
	"remedyai-backend/internal/tracker"
)

// Repository is the single persistence surface: rule snapshots, execution
// records, cooldowns, learned statistics and the audit log.
type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

// SaveRuleSnapshot appends a new immutable rule set version.
func (r *Repository) SaveRuleSnapshot(ctx context.Context, version int64, ruleList []rules.Rule) error {
	payload, err := json.Marshal(ruleList)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	_, err = r.Store.Pool.Exec(ctx,
		`INSERT INTO rule_snapshots (version, rules_json) VALUES ($1, $2)`,
		version, payload)
	return err
}

// CurrentRuleSnapshot returns the highest persisted rule set version, or
// ErrNotFound when no snapshot has ever been saved.
func (r *Repository) CurrentRuleSnapshot(ctx context.Context) (int64, []rules.Rule, error) {
	var version int64
	var payload []byte
	err := r.Store.Pool.QueryRow(ctx,
		`SELECT version, rules_json FROM rule_snapshots ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	var ruleList []rules.Rule
	if err := json.Unmarshal(payload, &ruleList); err != nil {
		return 0, nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	return version, ruleList, nil
}

func (r *Repository) InsertExecution(ctx context.Context, rec executor.Record) error {
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	taken, err := json.Marshal(taken0(rec.ActionsTaken))
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO executions
			(id, rule_id, rule_version, correlation_key, target, metric,
			 direction, pre_value, plan, actions_taken, status, reason,
			 attempt_count, started_at, finished_at, effectiveness)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.RuleID, rec.RuleVersion, rec.CorrelationKey, rec.Target,
		rec.Metric, rec.Direction, rec.PreValue, plan, taken, rec.Status,
		rec.Reason, rec.AttemptCount, rec.StartedAt, rec.FinishedAt,
		rec.EffectivenessScore)
	return err
}

const executionColumns = `id, rule_id, rule_version, correlation_key, target,
	metric, direction, pre_value, plan, actions_taken, status, reason,
	attempt_count, started_at, finished_at, effectiveness`

// GetExecution reads one persisted execution record by id. This is the
// durable query surface behind the API: records survive coordinator cache
// eviction and process restarts.
func (r *Repository) GetExecution(ctx context.Context, id string) (executor.Record, error) {
	row := r.Store.Pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return executor.Record{}, ErrNotFound
	}
	return rec, err
}

// ListExecutions returns persisted records, oldest first, optionally
// filtered by status and rule id. Empty filters match everything.
func (r *Repository) ListExecutions(ctx context.Context, status, ruleID string, limit int) ([]executor.Record, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR rule_id = $2)
		ORDER BY started_at, id
		LIMIT $3`, status, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []executor.Record{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (executor.Record, error) {
	var rec executor.Record
	var plan, taken []byte
	if err := row.Scan(&rec.ID, &rec.RuleID, &rec.RuleVersion, &rec.CorrelationKey,
		&rec.Target, &rec.Metric, &rec.Direction, &rec.PreValue, &plan, &taken,
		&rec.Status, &rec.Reason, &rec.AttemptCount, &rec.StartedAt,
		&rec.FinishedAt, &rec.EffectivenessScore); err != nil {
		return executor.Record{}, err
	}
	if err := json.Unmarshal(plan, &rec.Plan); err != nil {
		return executor.Record{}, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := json.Unmarshal(taken, &rec.ActionsTaken); err != nil {
		return executor.Record{}, fmt.Errorf("unmarshal actions: %w", err)
	}
	return rec, nil
}

func (r *Repository) UpdateExecution(ctx context.Context, rec executor.Record) error {
	taken, err := json.Marshal(taken0(rec.ActionsTaken))
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, reason = $3, attempt_count = $4, actions_taken = $5,
		    finished_at = $6, effectiveness = $7
		WHERE id = $1`,
		rec.ID, rec.Status, rec.Reason, rec.AttemptCount, taken,
		rec.FinishedAt, rec.EffectivenessScore)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) UpsertCooldown(ctx context.Context, ruleID, target string, expiresAt time.Time) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO cooldowns (rule_id, target, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (rule_id, target) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		ruleID, target, expiresAt)
	return err
}

// ActiveCooldowns lists cooldown entries that have not expired yet, used to
// rebuild the coordinator's in-memory view after a restart.
func (r *Repository) ActiveCooldowns(ctx context.Context, now time.Time) (map[string]map[string]time.Time, error) {
	rows, err := r.Store.Pool.Query(ctx,
		`SELECT rule_id, target, expires_at FROM cooldowns WHERE expires_at > $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]map[string]time.Time{}
	for rows.Next() {
		var ruleID, target string
		var expires time.Time
		if err := rows.Scan(&ruleID, &target, &expires); err != nil {
			return nil, err
		}
		if out[ruleID] == nil {
			out[ruleID] = map[string]time.Time{}
		}
		out[ruleID][target] = expires
	}
	return out, rows.Err()
}

func (r *Repository) UpsertStatistic(ctx context.Context, stat tracker.Statistic) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO statistics (rule_id, action_type, attempts, successes, rolling, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rule_id, action_type) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			successes = EXCLUDED.successes,
			rolling = EXCLUDED.rolling,
			updated_at = EXCLUDED.updated_at`,
		stat.RuleID, string(stat.ActionType), stat.Attempts, stat.Successes,
		stat.RollingEffectiveness, stat.UpdatedAt)
	return err
}

// ListStatistics loads the full statistic table, used to seed the tracker at
// startup.
func (r *Repository) ListStatistics(ctx context.Context) ([]tracker.Statistic, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT rule_id, action_type, attempts, successes, rolling, updated_at
		FROM statistics ORDER BY rule_id, action_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tracker.Statistic
	for rows.Next() {
		var stat tracker.Statistic
		var actionType string
		if err := rows.Scan(&stat.RuleID, &actionType, &stat.Attempts,
			&stat.Successes, &stat.RollingEffectiveness, &stat.UpdatedAt); err != nil {
			return nil, err
		}
		stat.ActionType = rules.ActionType(actionType)
		out = append(out, stat)
	}
	return out, rows.Err()
}

func (r *Repository) InsertAuditEvent(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = r.Store.Pool.Exec(ctx,
		`INSERT INTO audit_events (kind, payload) VALUES ($1, $2)`, kind, body)
	return err
}

// taken0 keeps the column non-null for records that never ran an action.
func taken0(actions []string) []string {
	if actions == nil {
		return []string{}
	}
	return actions
}
