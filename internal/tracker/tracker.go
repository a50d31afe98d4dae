package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"remedyai-backend/internal/executor"
	"remedyai-backend/internal/metrics"
	"remedyai-backend/internal/rules"
)

// Statistic is the learned success data for one (rule, action type) pair.
type Statistic struct {
	RuleID               string           `json:"ruleId"`
	ActionType           rules.ActionType `json:"actionType"`
	Attempts             int64            `json:"attempts"`
	Successes            int64            `json:"successes"`
	RollingEffectiveness float64          `json:"rollingEffectiveness"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// Sampler re-reads the current value of a metric for a target. The rolling
// window tracker satisfies this.
type Sampler interface {
	Latest(metric, target string) (float64, bool)
}

type StatStore interface {
	UpsertStatistic(ctx context.Context, stat Statistic) error
}

type Config struct {
	EvaluationDelay time.Duration
	Decay           float64
	SweepInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		EvaluationDelay: 5 * time.Minute,
		Decay:           0.3,
		SweepInterval:   10 * time.Second,
	}
}

type statKey struct {
	ruleID     string
	actionType rules.ActionType
}

type observation struct {
	rec executor.Record
	due time.Time
}

// Tracker observes post-execution metric behavior and maintains the
// statistics the planner ranks with. An execution can succeed mechanically
// and still score as ineffective: updates are driven by the observed metric,
// not the executor's exit code.
type Tracker struct {
	mu      sync.Mutex
	stats   map[statKey]*Statistic
	pending []observation
	sampler Sampler
	repo    StatStore
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, sampler Sampler, repo StatStore, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if cfg.EvaluationDelay <= 0 {
		cfg.EvaluationDelay = DefaultConfig().EvaluationDelay
	}
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = DefaultConfig().Decay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Tracker{
		stats:   map[statKey]*Statistic{},
		sampler: sampler,
		repo:    repo,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// LoadStatistics seeds the table at startup from persisted state.
func (t *Tracker) LoadStatistics(stats []Statistic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, stat := range stats {
		copied := stat
		t.stats[statKey{stat.RuleID, stat.ActionType}] = &copied
	}
}

// Observe schedules one effectiveness observation for a terminal execution.
func (t *Tracker) Observe(rec executor.Record) {
	if rec.FinishedAt == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, observation{
		rec: rec,
		due: rec.FinishedAt.Add(t.cfg.EvaluationDelay),
	})
}

// Run processes due observations until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.ProcessDue(ctx, t.now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// ProcessDue evaluates every observation whose delay has elapsed. now is
// injectable for tests.
func (t *Tracker) ProcessDue(ctx context.Context, now time.Time) {
	t.mu.Lock()
	var due []observation
	rest := t.pending[:0]
	for _, obs := range t.pending {
		if !obs.due.After(now) {
			due = append(due, obs)
		} else {
			rest = append(rest, obs)
		}
	}
	t.pending = rest
	t.mu.Unlock()

	for _, obs := range due {
		t.evaluate(ctx, obs.rec)
	}
}

func (t *Tracker) evaluate(ctx context.Context, rec executor.Record) {
	post, ok := t.sampler.Latest(rec.Metric, rec.Target)
	if !ok {
		// No fresh data: treat the outcome as neutral rather than guessing.
		post = rec.PreValue
	}
	score := EffectivenessScore(rec.PreValue, post, rec.Direction)
	t.metrics.Observations.Inc()

	var updated []Statistic
	t.mu.Lock()
	for _, taken := range uniqueTypes(rec) {
		key := statKey{rec.RuleID, taken}
		stat, exists := t.stats[key]
		if !exists {
			stat = &Statistic{RuleID: rec.RuleID, ActionType: taken}
			t.stats[key] = stat
		}
		stat.Attempts++
		if score > 0 {
			stat.Successes++
		}
		if stat.Attempts == 1 {
			stat.RollingEffectiveness = score
		} else {
			stat.RollingEffectiveness = t.cfg.Decay*score + (1-t.cfg.Decay)*stat.RollingEffectiveness
		}
		stat.UpdatedAt = t.now().UTC()
		updated = append(updated, *stat)
	}
	t.mu.Unlock()

	for _, stat := range updated {
		if err := t.repo.UpsertStatistic(ctx, stat); err != nil {
			t.logger.Warn("statistic persist failed",
				slog.String("rule", stat.RuleID), slog.String("error", err.Error()))
		}
	}
	t.logger.Info("effectiveness observed",
		slog.String("execution", rec.ID), slog.String("rule", rec.RuleID),
		slog.Float64("score", score))
}

// SuccessRate implements planner.StatView.
func (t *Tracker) SuccessRate(ruleID string, actionType rules.ActionType) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stat, ok := t.stats[statKey{ruleID, actionType}]
	if !ok || stat.Attempts == 0 {
		return 0, false
	}
	return float64(stat.Successes) / float64(stat.Attempts), true
}

// Snapshot returns the statistic table in a stable order.
func (t *Tracker) Snapshot() []Statistic {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Statistic, 0, len(t.stats))
	for _, stat := range t.stats {
		out = append(out, *stat)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].RuleID != out[b].RuleID {
			return out[a].RuleID < out[b].RuleID
		}
		return out[a].ActionType < out[b].ActionType
	})
	return out
}

// EffectivenessScore is the normalized improvement of the triggering metric,
// clamped to [-1, 1]. Reduce-direction metrics score positive when the value
// dropped; increase-direction metrics when it rose.
func EffectivenessScore(pre, post float64, direction string) float64 {
	if pre == 0 {
		return 0
	}
	score := (pre - post) / pre
	if direction == rules.DirectionIncrease {
		score = -score
	}
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

// uniqueTypes lists the action types this record actually dispatched: the
// completed actions plus, for failures, the action that was in flight when
// the plan aborted. Dispatch is sequential, so the failing action is the
// first planned one beyond ActionsTaken.
func uniqueTypes(rec executor.Record) []rules.ActionType {
	names := append([]string(nil), rec.ActionsTaken...)
	if rec.Status == executor.StatusFailed && len(rec.Plan) > len(rec.ActionsTaken) {
		names = append(names, string(rec.Plan[len(rec.ActionsTaken)].Type))
	}
	if len(names) == 0 && len(rec.Plan) > 0 {
		names = []string{string(rec.Plan[0].Type)}
	}
	seen := map[rules.ActionType]bool{}
	out := make([]rules.ActionType, 0, len(names))
	for _, name := range names {
		actionType := rules.ActionType(name)
		if seen[actionType] {
			continue
		}
		seen[actionType] = true
		out = append(out, actionType)
	}
	return out
}
