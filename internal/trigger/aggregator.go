package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"remedyai-backend/internal/metrics"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Signal struct {
	Source    string    `json:"source"`
	Metric    string    `json:"metric"`
	Target    string    `json:"target"`
	Value     float64   `json:"value"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a deduplicated signal ready for rule matching. A burst of
// correlated signals collapses into one event per burst.
type Event struct {
	Source         string    `json:"source"`
	Metric         string    `json:"metric"`
	Target         string    `json:"target"`
	Value          float64   `json:"value"`
	Severity       string    `json:"severity"`
	FirstSeen      time.Time `json:"firstSeen"`
	LastSeen       time.Time `json:"lastSeen"`
	CorrelationKey string    `json:"correlationKey"`
	Count          int       `json:"count"`
	Manual         bool      `json:"manual"`
}

type Config struct {
	DedupWindow   time.Duration
	SweepInterval time.Duration
	MaxPending    int
	BufferSize    int
}

func DefaultConfig() Config {
	return Config{
		DedupWindow:   30 * time.Second,
		SweepInterval: time.Second,
		MaxPending:    1024,
		BufferSize:    256,
	}
}

var ErrMalformedSignal = errors.New("malformed signal")

// Aggregator merges raw signals sharing (source, metric, target) within a
// dedup window that resets on every new signal. It never blocks: overflow on
// the pending set or the output buffer drops events and counts them.
type Aggregator struct {
	mu      sync.Mutex
	pending map[string]*Event
	cfg     Config
	out     chan Event
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewAggregator(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Aggregator{
		pending: map[string]*Event{},
		cfg:     cfg,
		out:     make(chan Event, cfg.BufferSize),
		metrics: m,
		logger:  logger,
	}
}

func (a *Aggregator) Events() <-chan Event {
	return a.out
}

// Ingest accepts one raw signal. Malformed signals are counted and rejected,
// never fatal to the caller's loop.
func (a *Aggregator) Ingest(sig Signal) error {
	if sig.Metric == "" || sig.Target == "" || sig.Timestamp.IsZero() {
		a.metrics.SignalsMalformed.Inc()
		return ErrMalformedSignal
	}
	a.metrics.SignalsIngested.Inc()
	key := correlationKey(sig)
	a.mu.Lock()
	evt, ok := a.pending[key]
	if !ok {
		if len(a.pending) >= a.cfg.MaxPending {
			a.dropOldestLocked()
		}
		evt = &Event{
			Source:         sig.Source,
			Metric:         sig.Metric,
			Target:         sig.Target,
			FirstSeen:      sig.Timestamp,
			CorrelationKey: key,
		}
		a.pending[key] = evt
	}
	evt.Value = sig.Value
	evt.LastSeen = sig.Timestamp
	evt.Count++
	if severityRank(sig.Severity) > severityRank(evt.Severity) {
		evt.Severity = sig.Severity
	}
	if evt.Severity == SeverityCritical {
		delete(a.pending, key)
		a.mu.Unlock()
		a.release(*evt)
		return nil
	}
	a.mu.Unlock()
	return nil
}

// Inject releases a trigger event immediately, bypassing the dedup window.
// Used for manually submitted triggers.
func (a *Aggregator) Inject(sig Signal) (Event, error) {
	if sig.Metric == "" || sig.Target == "" {
		a.metrics.SignalsMalformed.Inc()
		return Event{}, ErrMalformedSignal
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	evt := Event{
		Source:         sig.Source,
		Metric:         sig.Metric,
		Target:         sig.Target,
		Value:          sig.Value,
		Severity:       sig.Severity,
		FirstSeen:      sig.Timestamp,
		LastSeen:       sig.Timestamp,
		CorrelationKey: correlationKey(sig),
		Count:          1,
		Manual:         true,
	}
	a.release(evt)
	return evt, nil
}

// Run sweeps the pending set until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Sweep(time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) dropOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, evt := range a.pending {
		if oldestKey == "" || evt.FirstSeen.Before(oldest) {
			oldestKey = key
			oldest = evt.FirstSeen
		}
	}
	if oldestKey != "" {
		delete(a.pending, oldestKey)
		a.metrics.TriggersDropped.Inc()
	}
}

// Sweep releases pending events whose dedup window elapsed with no new
// signal. now is injectable for tests.
func (a *Aggregator) Sweep(now time.Time) {
	a.mu.Lock()
	var due []Event
	for key, evt := range a.pending {
		if now.Sub(evt.LastSeen) >= a.cfg.DedupWindow {
			due = append(due, *evt)
			delete(a.pending, key)
		}
	}
	a.mu.Unlock()
	for _, evt := range due {
		a.release(evt)
	}
}

// release hands an event to the output buffer. Under back-pressure the
// oldest un-consumed event is evicted to make room, so the newest event is
// kept.
func (a *Aggregator) release(evt Event) {
	select {
	case a.out <- evt:
		a.metrics.TriggersReleased.Inc()
		return
	default:
	}
	select {
	case dropped := <-a.out:
		a.metrics.TriggersDropped.Inc()
		a.logger.Warn("trigger buffer full, oldest event dropped",
			slog.String("correlationKey", dropped.CorrelationKey))
	default:
	}
	select {
	case a.out <- evt:
		a.metrics.TriggersReleased.Inc()
	default:
		a.metrics.TriggersDropped.Inc()
		a.logger.Warn("trigger buffer full, event dropped",
			slog.String("correlationKey", evt.CorrelationKey))
	}
}

func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func correlationKey(sig Signal) string {
	return fmt.Sprintf("%s|%s|%s", sig.Source, sig.Metric, sig.Target)
}

func severityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}
