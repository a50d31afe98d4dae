package safety

import (
	"strings"

	"remedyai-backend/internal/rules"
)

type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictDeny    Verdict = "deny"
	VerdictConfirm Verdict = "require-confirmation"
	VerdictDryRun  Verdict = "dry-run"
)

const (
	ReasonGlobalConcurrency = "global-concurrency"
	ReasonBlastRadius       = "blast-radius"
	ReasonHighRiskApproval  = "high-risk-approval-required"
	ReasonDryRun            = "dry-run"
)

type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
}

type Config struct {
	MaxGlobalConcurrent int
	MaxTargetsPerAction int
	AutoApproveHighRisk bool
}

func DefaultConfig() Config {
	return Config{
		MaxGlobalConcurrent: 4,
		MaxTargetsPerAction: 5,
		AutoApproveHighRisk: false,
	}
}

type Request struct {
	Plan         []rules.Action
	Target       string
	RunningCount int
	Confirmed    bool
	DryRun       bool
}

type Checker struct {
	cfg Config
}

func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg}
}

// Validate gates a plan before admission. Dry-run wins over every other
// outcome: the coordinator re-checks the flag inside its admission gate as
// well, so a toggle between validation and dispatch cannot let a plan
// through.
func (c *Checker) Validate(req Request) Decision {
	if req.DryRun {
		return Decision{Verdict: VerdictDryRun, Reason: ReasonDryRun}
	}
	if req.RunningCount >= c.cfg.MaxGlobalConcurrent {
		return Decision{Verdict: VerdictDeny, Reason: ReasonGlobalConcurrency}
	}
	for _, action := range req.Plan {
		if targetCount(action.Target, c.cfg.MaxTargetsPerAction) > c.cfg.MaxTargetsPerAction {
			return Decision{Verdict: VerdictDeny, Reason: ReasonBlastRadius}
		}
	}
	if !c.cfg.AutoApproveHighRisk && !req.Confirmed {
		for _, action := range req.Plan {
			if action.RiskLevel == rules.RiskHigh {
				return Decision{Verdict: VerdictConfirm, Reason: ReasonHighRiskApproval}
			}
		}
	}
	return Decision{Verdict: VerdictAllow}
}

// targetCount sizes the blast radius of an action's target selector. An
// empty selector means the trigger's own target; a wildcard is treated as
// unbounded.
func targetCount(selector string, max int) int {
	if selector == "" {
		return 1
	}
	if selector == "*" {
		return max + 1
	}
	return len(strings.Split(selector, ","))
}
