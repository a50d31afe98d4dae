package executor

import (
	"time"

	"remedyai-backend/internal/rules"
	"remedyai-backend/internal/trigger"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
	StatusDenied    = "denied"
	StatusDryRun    = "dry-run"
)

const (
	ReasonCooldownActive  = "cooldown-active"
	ReasonAlreadyRunning  = "already-running"
	ReasonCancelled       = "cancelled"
	ReasonTimeout         = "execution-timeout"
	ReasonTransientError  = "execution-transient-error"
	ReasonPermanentError  = "execution-permanent-error"
	ReasonAwaitingConfirm = "awaiting-confirmation"
)

// Submission is one admission request: a matched rule, the trigger that
// matched it, and the planner's ranked action subset.
type Submission struct {
	Rule         rules.Rule
	RuleVersion  int64
	Event        trigger.Event
	Plan         []rules.Action
	ConfirmToken string
}

// Record is one remediation attempt. It is mutated only by the coordinator;
// the tracker writes the effectiveness score after observation.
type Record struct {
	ID                 string         `json:"id"`
	RuleID             string         `json:"ruleId"`
	RuleVersion        int64          `json:"ruleVersion"`
	CorrelationKey     string         `json:"correlationKey"`
	Metric             string         `json:"metric"`
	Target             string         `json:"target"`
	Direction          string         `json:"direction"`
	PreValue           float64        `json:"preValue"`
	Plan               []rules.Action `json:"plan"`
	ActionsTaken       []string       `json:"actionsTaken"`
	Status             string         `json:"status"`
	Reason             string         `json:"reason,omitempty"`
	AttemptCount       int            `json:"attemptCount"`
	StartedAt          time.Time      `json:"startedAt"`
	FinishedAt         *time.Time     `json:"finishedAt,omitempty"`
	EffectivenessScore *float64       `json:"effectivenessScore,omitempty"`
}

// snapshot returns a defensive copy safe to hand out past the coordinator's
// lock.
func (r *Record) snapshot() Record {
	out := *r
	out.Plan = append([]rules.Action(nil), r.Plan...)
	out.ActionsTaken = append([]string(nil), r.ActionsTaken...)
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		out.FinishedAt = &finished
	}
	if r.EffectivenessScore != nil {
		score := *r.EffectivenessScore
		out.EffectivenessScore = &score
	}
	return out
}

func terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	}
	return false
}
