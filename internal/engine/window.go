package engine

import (
	"sync"
	"time"

	"remedyai-backend/internal/rules"
)

type seriesKey struct {
	metric string
	target string
}

type sample struct {
	value float64
	ts    time.Time
}

// WindowTracker keeps a bounded rolling window of samples per
// (metric, target) for sustained-condition checks and post-execution
// re-sampling.
type WindowTracker struct {
	mu         sync.Mutex
	series     map[seriesKey][]sample
	horizon    time.Duration
	maxSamples int
}

func NewWindowTracker(horizon time.Duration, maxSamples int) *WindowTracker {
	if horizon <= 0 {
		horizon = time.Hour
	}
	if maxSamples <= 0 {
		maxSamples = 512
	}
	return &WindowTracker{
		series:     map[seriesKey][]sample{},
		horizon:    horizon,
		maxSamples: maxSamples,
	}
}

func (w *WindowTracker) Observe(metric, target string, value float64, ts time.Time) {
	key := seriesKey{metric, target}
	w.mu.Lock()
	defer w.mu.Unlock()
	samples := append(w.series[key], sample{value: value, ts: ts})
	cutoff := ts.Add(-w.horizon)
	start := 0
	for start < len(samples) && samples[start].ts.Before(cutoff) {
		start++
	}
	samples = samples[start:]
	if len(samples) > w.maxSamples {
		samples = samples[len(samples)-w.maxSamples:]
	}
	w.series[key] = samples
}

// Sustained reports whether the condition has held continuously for at least
// its sustained_for duration. A single sample off the threshold resets the
// window; missing data counts as not satisfied.
func (w *WindowTracker) Sustained(cond rules.Condition, target string, now time.Time) bool {
	w.mu.Lock()
	samples := w.series[seriesKey{cond.Metric, target}]
	w.mu.Unlock()
	if len(samples) == 0 {
		return false
	}
	latest := samples[len(samples)-1]
	if !rules.EvalOp(cond.Op, latest.value, cond.Threshold) {
		return false
	}
	runStart := latest.ts
	for i := len(samples) - 2; i >= 0; i-- {
		if !rules.EvalOp(cond.Op, samples[i].value, cond.Threshold) {
			break
		}
		runStart = samples[i].ts
	}
	sustained := time.Duration(cond.SustainedForSeconds) * time.Second
	return now.Sub(runStart) >= sustained
}

// Latest returns the most recent sample for a series. Implements the
// tracker's Sampler.
func (w *WindowTracker) Latest(metric, target string) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	samples := w.series[seriesKey{metric, target}]
	if len(samples) == 0 {
		return 0, false
	}
	return samples[len(samples)-1].value, true
}
