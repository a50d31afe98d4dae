package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"remedyai-backend/internal/executor"
	"remedyai-backend/internal/planner"
	"remedyai-backend/internal/rules"
	"remedyai-backend/internal/trigger"
)

// Coordinator is the slice of the execution coordinator the engine needs:
// the pending check for dependency deferral and plan submission.
type Coordinator interface {
	Pending(ruleID, target string) bool
	Submit(ctx context.Context, sub executor.Submission) (executor.Record, error)
}

// Engine matches released trigger events against the live rule snapshot and
// hands ranked plans to the coordinator. Errors local to one rule never halt
// the cycle for the others.
type Engine struct {
	store   *rules.Store
	windows *WindowTracker
	agg     *trigger.Aggregator
	planner *planner.Planner
	stats   planner.StatView
	coord   Coordinator
	logger  *slog.Logger
	now     func() time.Time
}

func New(store *rules.Store, windows *WindowTracker, agg *trigger.Aggregator, p *planner.Planner, stats planner.StatView, coord Coordinator, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		windows: windows,
		agg:     agg,
		planner: p,
		stats:   stats,
		coord:   coord,
		logger:  logger,
		now:     time.Now,
	}
}

// Ingest feeds one raw signal into both the rolling windows and the
// aggregator.
func (e *Engine) Ingest(sig trigger.Signal) error {
	if err := e.agg.Ingest(sig); err != nil {
		return err
	}
	e.windows.Observe(sig.Metric, sig.Target, sig.Value, sig.Timestamp)
	return nil
}

// InjectManual releases a trigger immediately, bypassing the dedup window.
func (e *Engine) InjectManual(sig trigger.Signal) (trigger.Event, error) {
	evt, err := e.agg.Inject(sig)
	if err != nil {
		return trigger.Event{}, err
	}
	e.windows.Observe(sig.Metric, sig.Target, sig.Value, evt.LastSeen)
	return evt, nil
}

// Run consumes released trigger events until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case evt := <-e.agg.Events():
			e.HandleTrigger(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

// Evaluate returns the rules matching the event, in priority order with a
// deterministic tie-break, with dependent rules deferred while their
// prerequisite is matched or pending.
func (e *Engine) Evaluate(evt trigger.Event) ([]rules.Rule, int64) {
	return e.evaluateAt(evt, e.now().UTC())
}

func (e *Engine) evaluateAt(evt trigger.Event, now time.Time) ([]rules.Rule, int64) {
	snap := e.store.Current()
	satisfied := map[string]bool{}
	var matched []rules.Rule
	for _, rule := range snap.Rules {
		if !rule.Enabled {
			continue
		}
		ok := true
		for _, cond := range rule.Conditions {
			if !e.windows.Sustained(cond, evt.Target, now) {
				ok = false
				break
			}
		}
		if ok {
			satisfied[rule.ID] = true
			matched = append(matched, rule)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if matched[a].Priority != matched[b].Priority {
			return matched[a].Priority < matched[b].Priority
		}
		return matched[a].ID < matched[b].ID
	})
	// Defer a rule while any of its prerequisites is matched in this cycle
	// or has a pending/running execution, so both never race to remediate
	// the same root cause.
	out := matched[:0]
	for _, rule := range matched {
		deferred := false
		for _, dep := range rule.DependsOn {
			if satisfied[dep] || e.coord.Pending(dep, evt.Target) {
				deferred = true
				break
			}
		}
		if deferred {
			e.logger.Info("rule deferred, dependency unresolved",
				slog.String("rule", rule.ID), slog.String("target", evt.Target))
			continue
		}
		out = append(out, rule)
	}
	return out, snap.Version
}

// HandleTrigger runs one evaluation cycle for a released event.
func (e *Engine) HandleTrigger(ctx context.Context, evt trigger.Event) {
	matched, version := e.Evaluate(evt)
	for _, rule := range matched {
		plan := e.planner.Build(rule, e.stats)
		if len(plan) == 0 {
			continue
		}
		rec, err := e.coord.Submit(ctx, executor.Submission{
			Rule:        rule,
			RuleVersion: version,
			Event:       evt,
			Plan:        plan,
		})
		if err != nil {
			e.logger.Error("plan submission failed",
				slog.String("rule", rule.ID), slog.String("target", evt.Target),
				slog.String("error", err.Error()))
			continue
		}
		e.logger.Info("plan submitted",
			slog.String("rule", rule.ID), slog.String("target", evt.Target),
			slog.String("execution", rec.ID), slog.String("status", rec.Status))
	}
}
