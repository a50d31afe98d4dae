package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"remedyai-backend/internal/executor"
	"remedyai-backend/internal/metrics"
	"remedyai-backend/internal/planner"
	"remedyai-backend/internal/rules"
	"remedyai-backend/internal/trigger"
)

type fakeCoord struct {
	pending map[string]bool
	subs    []executor.Submission
}

func (f *fakeCoord) Pending(ruleID, target string) bool {
	return f.pending[ruleID+"|"+target]
}

func (f *fakeCoord) Submit(ctx context.Context, sub executor.Submission) (executor.Record, error) {
	f.subs = append(f.subs, sub)
	return executor.Record{ID: "x", Status: executor.StatusPending}, nil
}

type emptyStats struct{}

func (emptyStats) SuccessRate(string, rules.ActionType) (float64, bool) { return 0, false }

func sustainedRule(id string, priority int) rules.Rule {
	return rules.Rule{
		ID:       id,
		Name:     id,
		Priority: priority,
		Enabled:  true,
		Conditions: []rules.Condition{
			{Metric: "cpu", Op: ">", Threshold: 90, SustainedForSeconds: 60},
		},
		Actions: []rules.Action{
			{Type: rules.ActionRestartService, RiskLevel: rules.RiskLow, EstimatedImpact: 0.5},
		},
		CooldownSeconds: 300,
	}
}

func testEngine(t *testing.T, ruleList []rules.Rule, coord *fakeCoord) (*Engine, *WindowTracker) {
	t.Helper()
	store := rules.NewStore()
	if err := store.Load(1, ruleList); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	windows := NewWindowTracker(time.Hour, 512)
	agg := trigger.NewAggregator(trigger.DefaultConfig(), metrics.New(), logger)
	eng := New(store, windows, agg, planner.New(planner.DefaultConfig()), emptyStats{}, coord, logger)
	return eng, windows
}

func feed(w *WindowTracker, target string, values []float64, start time.Time, step time.Duration) time.Time {
	ts := start
	for _, v := range values {
		w.Observe("cpu", target, v, ts)
		ts = ts.Add(step)
	}
	return ts.Add(-step)
}

func cpuEvent(target string) trigger.Event {
	return trigger.Event{Source: "prom", Metric: "cpu", Target: target, Value: 95, Severity: trigger.SeverityWarning}
}

func TestEvaluateRequiresSustainedWindow(t *testing.T) {
	coord := &fakeCoord{pending: map[string]bool{}}
	eng, windows := testEngine(t, []rules.Rule{sustainedRule("r1", 1)}, coord)
	start := time.Now().UTC().Add(-2 * time.Minute)
	last := feed(windows, "host-1", []float64{95, 96, 97}, start, 30*time.Second)

	matched, _ := eng.evaluateAt(cpuEvent("host-1"), last)
	if len(matched) != 1 {
		t.Fatalf("expected match after 60s sustained breach, got %d", len(matched))
	}
	// Too early: breach only 20s old.
	early, _ := eng.evaluateAt(cpuEvent("host-1"), start.Add(20*time.Second))
	if len(early) != 0 {
		t.Fatalf("expected no match before sustained_for elapsed, got %d", len(early))
	}
}

func TestBelowThresholdSampleResetsWindow(t *testing.T) {
	coord := &fakeCoord{pending: map[string]bool{}}
	eng, windows := testEngine(t, []rules.Rule{sustainedRule("r1", 1)}, coord)
	start := time.Now().UTC().Add(-5 * time.Minute)
	// Breach, dip, breach again: the dip resets the run.
	last := feed(windows, "host-1", []float64{95, 96, 50, 97, 98}, start, 30*time.Second)
	matched, _ := eng.evaluateAt(cpuEvent("host-1"), last)
	if len(matched) != 0 {
		t.Fatalf("dip must reset the sustained window")
	}
	matched, _ = eng.evaluateAt(cpuEvent("host-1"), last.Add(60*time.Second))
	if len(matched) != 1 {
		t.Fatalf("expected match once post-dip run is 60s old")
	}
}

func TestEvaluateMissingDataNotSatisfied(t *testing.T) {
	coord := &fakeCoord{pending: map[string]bool{}}
	eng, _ := testEngine(t, []rules.Rule{sustainedRule("r1", 1)}, coord)
	matched, _ := eng.Evaluate(cpuEvent("host-unknown"))
	if len(matched) != 0 {
		t.Fatalf("missing metric data must evaluate as not satisfied")
	}
}

func TestEvaluateDeterministicOrder(t *testing.T) {
	coord := &fakeCoord{pending: map[string]bool{}}
	ruleList := []rules.Rule{sustainedRule("zz", 1), sustainedRule("aa", 1), sustainedRule("mid", 0)}
	eng, windows := testEngine(t, ruleList, coord)
	start := time.Now().UTC().Add(-10 * time.Minute)
	last := feed(windows, "host-1", []float64{95, 95, 95, 95}, start, 30*time.Second)
	for i := 0; i < 5; i++ {
		matched, _ := eng.evaluateAt(cpuEvent("host-1"), last)
		if len(matched) != 3 {
			t.Fatalf("expected 3 matches, got %d", len(matched))
		}
		if matched[0].ID != "mid" || matched[1].ID != "aa" || matched[2].ID != "zz" {
			t.Fatalf("unexpected order: %s %s %s", matched[0].ID, matched[1].ID, matched[2].ID)
		}
	}
}

func TestEvaluateSkipsDisabledRules(t *testing.T) {
	coord := &fakeCoord{pending: map[string]bool{}}
	disabled := sustainedRule("r1", 1)
	disabled.Enabled = false
	eng, windows := testEngine(t, []rules.Rule{disabled}, coord)
	start := time.Now().UTC().Add(-10 * time.Minute)
	last := feed(windows, "host-1", []float64{95, 95, 95}, start, 30*time.Second)
	if matched, _ := eng.evaluateAt(cpuEvent("host-1"), last); len(matched) != 0 {
		t.Fatalf("disabled rules must be skipped")
	}
}

func TestDependentRuleDeferred(t *testing.T) {
	coord := &fakeCoord{pending: map[string]bool{}}
	root := sustainedRule("root", 1)
	child := sustainedRule("child", 2)
	child.DependsOn = []string{"root"}
	eng, windows := testEngine(t, []rules.Rule{root, child}, coord)
	start := time.Now().UTC().Add(-10 * time.Minute)
	last := feed(windows, "host-1", []float64{95, 95, 95, 95}, start, 30*time.Second)

	matched, _ := eng.evaluateAt(cpuEvent("host-1"), last)
	if len(matched) != 1 || matched[0].ID != "root" {
		t.Fatalf("child must be deferred while root is matched, got %v", ids(matched))
	}
}

func TestDependentRuleDeferredWhilePending(t *testing.T) {
	coord := &fakeCoord{pending: map[string]bool{"root|host-1": true}}
	child := sustainedRule("child", 2)
	child.Conditions[0].Metric = "cpu"
	child.DependsOn = []string{"root"}
	root := sustainedRule("root", 1)
	// Root's condition uses a different metric with no data: not matched,
	// but its execution is still pending.
	root.Conditions = []rules.Condition{{Metric: "mem", Op: ">", Threshold: 90, SustainedForSeconds: 60}}
	eng, windows := testEngine(t, []rules.Rule{root, child}, coord)
	start := time.Now().UTC().Add(-10 * time.Minute)
	last := feed(windows, "host-1", []float64{95, 95, 95, 95}, start, 30*time.Second)

	matched, _ := eng.evaluateAt(cpuEvent("host-1"), last)
	if len(matched) != 0 {
		t.Fatalf("child must be deferred while root execution is pending, got %v", ids(matched))
	}
}

func TestHandleTriggerSubmitsPlans(t *testing.T) {
	coord := &fakeCoord{pending: map[string]bool{}}
	eng, windows := testEngine(t, []rules.Rule{sustainedRule("r1", 1)}, coord)
	start := time.Now().UTC().Add(-10 * time.Minute)
	feed(windows, "host-1", []float64{95, 95, 95, 95}, start, 30*time.Second)
	eng.HandleTrigger(context.Background(), cpuEvent("host-1"))
	if len(coord.subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(coord.subs))
	}
	if coord.subs[0].RuleVersion != 1 {
		t.Fatalf("submission must carry the snapshot version")
	}
}

func ids(ruleList []rules.Rule) []string {
	out := make([]string, 0, len(ruleList))
	for _, r := range ruleList {
		out = append(out, r.ID)
	}
	return out
}
