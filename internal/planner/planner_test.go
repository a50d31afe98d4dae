package planner

import (
	"testing"

	"remedyai-backend/internal/rules"
)

type statMap map[string]float64

func (s statMap) SuccessRate(ruleID string, action rules.ActionType) (float64, bool) {
	rate, ok := s[ruleID+"|"+string(action)]
	return rate, ok
}

func planRule() rules.Rule {
	return rules.Rule{
		ID: "r1",
		Actions: []rules.Action{
			{Type: rules.ActionRestartService, RiskLevel: rules.RiskLow, EstimatedImpact: 0.5},
			{Type: rules.ActionScale, RiskLevel: rules.RiskMedium, EstimatedImpact: 0.5},
			{Type: rules.ActionRunScript, RiskLevel: rules.RiskHigh, EstimatedImpact: 0.5},
			{Type: rules.ActionNotify, RiskLevel: rules.RiskLow, EstimatedImpact: 0.1},
		},
	}
}

func TestBuildRanksByScore(t *testing.T) {
	p := New(DefaultConfig())
	stats := statMap{
		"r1|restart-service": 0.2,
		"r1|scale":           0.9,
	}
	plan := p.Build(planRule(), stats)
	if len(plan) != 3 {
		t.Fatalf("expected plan capped at 3 actions, got %d", len(plan))
	}
	if plan[0].Type != rules.ActionScale {
		t.Fatalf("expected scale ranked first, got %s", plan[0].Type)
	}
}

func TestBuildUsesExplorationPrior(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExplorationPrior = 0.9
	p := New(cfg)
	stats := statMap{"r1|restart-service": 0.1}
	plan := p.Build(planRule(), stats)
	// notify has no history: prior 0.9 must beat restart's observed 0.1.
	for i, action := range plan {
		if action.Type == rules.ActionRestartService {
			for j, other := range plan {
				if other.Type == rules.ActionNotify && j > i {
					t.Fatalf("zero-history action must not be starved below a known-bad one")
				}
			}
		}
	}
}

func TestBuildDeterministicTies(t *testing.T) {
	rule := rules.Rule{
		ID: "r1",
		Actions: []rules.Action{
			{Type: rules.ActionRestartService, RiskLevel: rules.RiskLow, EstimatedImpact: 0.5},
			{Type: rules.ActionScale, RiskLevel: rules.RiskLow, EstimatedImpact: 0.5},
		},
	}
	p := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		plan := p.Build(rule, statMap{})
		if plan[0].Type != rules.ActionRestartService || plan[1].Type != rules.ActionScale {
			t.Fatalf("ties must keep declaration order, got %v then %v", plan[0].Type, plan[1].Type)
		}
	}
}
