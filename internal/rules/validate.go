package rules

import (
	"fmt"
	"regexp"
)

var identRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.\-]*$`)

var validOps = map[string]bool{">": true, "<": true, ">=": true, "<=": true, "==": true}

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint"`
}

type ValidationError struct {
	Code         string        `json:"code"`
	Message      string        `json:"message"`
	OffendingIDs []string      `json:"offendingRuleIds"`
	Details      []ErrorDetail `json:"details"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (rules %v)", e.Code, e.Message, e.OffendingIDs)
}

// ValidateSnapshot checks every rule in a candidate rule set and returns nil
// only if the whole set is acceptable. One bad rule rejects the set: callers
// must keep the previous snapshot live on a non-nil return.
func ValidateSnapshot(ruleList []Rule) *ValidationError {
	var details []ErrorDetail
	offending := map[string]bool{}
	seen := map[string]bool{}
	for _, rule := range ruleList {
		bad := false
		for _, detail := range validateRule(rule, seen) {
			details = append(details, detail)
			bad = true
		}
		if bad {
			offending[rule.ID] = true
		}
		seen[rule.ID] = true
	}
	for _, id := range cyclicRules(ruleList) {
		offending[id] = true
		details = append(details, ErrorDetail{
			Field:   fmt.Sprintf("rules[%s].dependsOn", id),
			Problem: "cycle",
			Hint:    "dependsOn must form an acyclic graph",
		})
	}
	if len(details) > 0 {
		ids := make([]string, 0, len(offending))
		for _, rule := range ruleList {
			if offending[rule.ID] {
				ids = append(ids, rule.ID)
			}
		}
		return &ValidationError{
			Code:         "RULE_SNAPSHOT_INVALID",
			Message:      "rule snapshot failed validation",
			OffendingIDs: ids,
			Details:      details,
		}
	}
	return nil
}

func validateRule(rule Rule, seen map[string]bool) []ErrorDetail {
	var details []ErrorDetail
	field := func(suffix string) string { return fmt.Sprintf("rules[%s].%s", rule.ID, suffix) }
	if rule.ID == "" || !identRegex.MatchString(rule.ID) {
		details = append(details, ErrorDetail{Field: field("id"), Problem: "invalid", Hint: "Use alphanumeric identifiers"})
	}
	if seen[rule.ID] {
		details = append(details, ErrorDetail{Field: field("id"), Problem: "duplicate", Hint: "Rule ids must be unique"})
	}
	if rule.Name == "" {
		details = append(details, ErrorDetail{Field: field("name"), Problem: "missing", Hint: "Provide a rule name"})
	}
	if rule.CooldownSeconds < 0 {
		details = append(details, ErrorDetail{Field: field("cooldownSeconds"), Problem: "negative", Hint: "Cooldown must be >= 0"})
	}
	if rule.MetricDirection != "" && rule.MetricDirection != DirectionReduce && rule.MetricDirection != DirectionIncrease {
		details = append(details, ErrorDetail{Field: field("metricDirection"), Problem: "unsupported", Hint: "Use reduce or increase"})
	}
	if len(rule.Conditions) == 0 {
		details = append(details, ErrorDetail{Field: field("conditions"), Problem: "missing", Hint: "Provide at least one condition"})
	}
	for i, cond := range rule.Conditions {
		if cond.Metric == "" || !identRegex.MatchString(cond.Metric) {
			details = append(details, ErrorDetail{Field: field(fmt.Sprintf("conditions[%d].metric", i)), Problem: "invalid", Hint: "Use alphanumeric identifiers"})
		}
		if !validOps[cond.Op] {
			details = append(details, ErrorDetail{Field: field(fmt.Sprintf("conditions[%d].op", i)), Problem: "unsupported", Hint: "Use one of > < >= <= =="})
		}
		if cond.SustainedForSeconds < 0 {
			details = append(details, ErrorDetail{Field: field(fmt.Sprintf("conditions[%d].sustainedForSeconds", i)), Problem: "negative", Hint: "Must be >= 0"})
		}
	}
	if len(rule.Actions) == 0 {
		details = append(details, ErrorDetail{Field: field("actions"), Problem: "missing", Hint: "Provide at least one action"})
	}
	for i, action := range rule.Actions {
		if detail := validateAction(rule.ID, i, action); detail != nil {
			details = append(details, *detail)
		}
	}
	for i, dep := range rule.DependsOn {
		if dep == rule.ID {
			details = append(details, ErrorDetail{Field: field(fmt.Sprintf("dependsOn[%d]", i)), Problem: "self-reference", Hint: "A rule cannot depend on itself"})
		}
	}
	return details
}

func validateAction(ruleID string, index int, action Action) *ErrorDetail {
	field := fmt.Sprintf("rules[%s].actions[%d]", ruleID, index)
	switch action.Type {
	case ActionRestartService, ActionScale, ActionRunScript, ActionRunPlaybook, ActionNotify:
	default:
		return &ErrorDetail{Field: field + ".type", Problem: "unsupported", Hint: "Use restart-service, scale, run-script, run-playbook, or notify"}
	}
	switch action.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return &ErrorDetail{Field: field + ".riskLevel", Problem: "unsupported", Hint: "Use low, medium, or high"}
	}
	if action.EstimatedImpact < 0 || action.EstimatedImpact > 1 {
		return &ErrorDetail{Field: field + ".estimatedImpact", Problem: "out of range", Hint: "Must be within [0, 1]"}
	}
	if action.Target != "" && action.Target != "*" && !targetRegex.MatchString(action.Target) {
		return &ErrorDetail{Field: field + ".target", Problem: "invalid", Hint: "Use a host selector or *"}
	}
	return nil
}

var targetRegex = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+(,[a-zA-Z0-9_.\-]+)*$`)

// cyclicRules returns the ids of rules whose dependsOn edges participate in a
// cycle or point at rules missing from the set.
func cyclicRules(ruleList []Rule) []string {
	ids := map[string]bool{}
	for _, rule := range ruleList {
		ids[rule.ID] = true
	}
	deps := map[string][]string{}
	var bad []string
	for _, rule := range ruleList {
		for _, dep := range rule.DependsOn {
			if !ids[dep] {
				bad = append(bad, rule.ID)
				continue
			}
			deps[rule.ID] = append(deps[rule.ID], dep)
		}
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for _, rule := range ruleList {
		if color[rule.ID] == white && visit(rule.ID) {
			bad = append(bad, rule.ID)
		}
	}
	return bad
}
