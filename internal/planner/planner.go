package planner

import (
	"sort"

	"remedyai-backend/internal/rules"
)

// StatView is the read side of the effectiveness statistics. The planner
// never mutates it.
type StatView interface {
	SuccessRate(ruleID string, action rules.ActionType) (float64, bool)
}

type Config struct {
	MaxActionsPerPlan int
	WeightSuccess     float64
	WeightRisk        float64
	WeightImpact      float64
	// ExplorationPrior seeds the success rate for actions with no history so
	// a brand-new action type is never permanently starved.
	ExplorationPrior float64
}

func DefaultConfig() Config {
	return Config{
		MaxActionsPerPlan: 3,
		WeightSuccess:     0.5,
		WeightRisk:        0.3,
		WeightImpact:      0.2,
		ExplorationPrior:  0.5,
	}
}

// Planner ranks a rule's candidate actions into an ordered plan. It is pure:
// identical rule and statistics inputs always produce the identical plan.
type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	if cfg.MaxActionsPerPlan <= 0 {
		cfg.MaxActionsPerPlan = DefaultConfig().MaxActionsPerPlan
	}
	return &Planner{cfg: cfg}
}

func (p *Planner) Build(rule rules.Rule, stats StatView) []rules.Action {
	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, 0, len(rule.Actions))
	for i, action := range rule.Actions {
		rate, ok := stats.SuccessRate(rule.ID, action.Type)
		if !ok {
			rate = p.cfg.ExplorationPrior
		}
		score := p.cfg.WeightSuccess*rate +
			p.cfg.WeightRisk*(1-normalizedRisk(action.RiskLevel)) +
			p.cfg.WeightImpact*action.EstimatedImpact
		ranked = append(ranked, scored{idx: i, score: score})
	}
	// Stable sort keeps declaration order as the tie-break.
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})
	limit := p.cfg.MaxActionsPerPlan
	if limit > len(ranked) {
		limit = len(ranked)
	}
	plan := make([]rules.Action, 0, limit)
	for _, entry := range ranked[:limit] {
		plan = append(plan, rule.Actions[entry.idx])
	}
	return plan
}

func normalizedRisk(level string) float64 {
	switch level {
	case rules.RiskHigh:
		return 1
	case rules.RiskMedium:
		return 0.5
	default:
		return 0
	}
}
