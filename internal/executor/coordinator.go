package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"remedyai-backend/internal/metrics"
	"remedyai-backend/internal/rules"
	"remedyai-backend/internal/safety"
)

// RecordStore is the persistence boundary for execution state. A failed
// write is retried once here; a second failure fails the attempt, never
// silently drops it.
type RecordStore interface {
	InsertExecution(ctx context.Context, rec Record) error
	UpdateExecution(ctx context.Context, rec Record) error
	UpsertCooldown(ctx context.Context, ruleID, target string, expiresAt time.Time) error
	InsertAuditEvent(ctx context.Context, kind string, payload any) error
}

type Publisher interface {
	Publish(subject string, payload any) error
}

type Config struct {
	MaxGlobalConcurrent int
	MaxAttempts         int
	BackoffBase         time.Duration
	ActionTimeout       time.Duration
	RetryableExitCodes  []int
	ConfirmationToken   string
	DryRun              bool
	QueueSize           int
	// MaxRecords bounds the in-memory record cache. Terminal records beyond
	// the bound are evicted oldest first; the persisted rows remain the
	// durable query surface.
	MaxRecords int
}

func DefaultConfig() Config {
	return Config{
		MaxGlobalConcurrent: 4,
		MaxAttempts:         3,
		BackoffBase:         500 * time.Millisecond,
		ActionTimeout:       30 * time.Second,
		RetryableExitCodes:  []int{75},
		QueueSize:           128,
		MaxRecords:          1024,
	}
}

type pairKey struct {
	ruleID string
	target string
}

// Coordinator owns admission and execution of plans. Admission is atomic
// under one mutex: at most one pending-or-running record per (rule, target),
// never inside an unexpired cooldown, and the cooldown is written before the
// external executor is ever invoked.
type Coordinator struct {
	cfg       Config
	safety    *safety.Checker
	registry  *Registry
	repo      RecordStore
	pub       Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	dryRun    atomic.Bool
	retryable map[int]bool
	now       func() time.Time

	mu        sync.Mutex
	running   map[pairKey]string
	cooldowns map[pairKey]time.Time
	records   map[string]*Record
	order     []string
	held      map[string]Submission
	cancels   map[string]context.CancelFunc

	queue      chan string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	onTerminal func(Record)
}

func NewCoordinator(cfg Config, checker *safety.Checker, registry *Registry, repo RecordStore, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.MaxGlobalConcurrent <= 0 {
		cfg.MaxGlobalConcurrent = DefaultConfig().MaxGlobalConcurrent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultConfig().ActionTimeout
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultConfig().MaxRecords
	}
	ctx, cancel := context.WithCancel(context.Background())
	retryable := map[int]bool{}
	for _, code := range cfg.RetryableExitCodes {
		retryable[code] = true
	}
	c := &Coordinator{
		cfg:       cfg,
		safety:    checker,
		registry:  registry,
		repo:      repo,
		pub:       pub,
		metrics:   m,
		logger:    logger,
		retryable: retryable,
		now:       time.Now,
		running:   map[pairKey]string{},
		cooldowns: map[pairKey]time.Time{},
		records:   map[string]*Record{},
		held:      map[string]Submission{},
		cancels:   map[string]context.CancelFunc{},
		queue:     make(chan string, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.dryRun.Store(cfg.DryRun)
	return c
}

// Start launches the bounded worker pool.
func (c *Coordinator) Start() {
	for i := 0; i < c.cfg.MaxGlobalConcurrent; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) SetOnTerminal(fn func(Record)) {
	c.onTerminal = fn
}

func (c *Coordinator) SetDryRun(enabled bool) {
	c.dryRun.Store(enabled)
}

func (c *Coordinator) DryRun() bool {
	return c.dryRun.Load()
}

// Pending reports whether a record for (rule, target) is currently pending
// or running, including plans held for confirmation. The rule engine uses
// this to defer dependent rules.
func (c *Coordinator) Pending(ruleID, target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[pairKey{ruleID, target}]; ok {
		return true
	}
	for _, sub := range c.held {
		if sub.Rule.ID == ruleID && sub.Event.Target == target {
			return true
		}
	}
	return false
}

// Submit runs the admission gate and, if admitted, enqueues the plan for the
// worker pool. Denied submissions still produce a queryable record carrying
// the denial reason.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (Record, error) {
	now := c.now().UTC()
	rec := Record{
		ID:             uuid.NewString(),
		RuleID:         sub.Rule.ID,
		RuleVersion:    sub.RuleVersion,
		CorrelationKey: sub.Event.CorrelationKey,
		Metric:         sub.Event.Metric,
		Target:         sub.Event.Target,
		Direction:      sub.Rule.MetricDirection,
		PreValue:       sub.Event.Value,
		Plan:           sub.Plan,
		Status:         StatusPending,
		StartedAt:      now,
	}
	key := pairKey{sub.Rule.ID, sub.Event.Target}
	confirmed := sub.ConfirmToken != "" && sub.ConfirmToken == c.cfg.ConfirmationToken

	c.mu.Lock()
	admitted := false
	if _, busy := c.running[key]; busy {
		c.finishLocked(&rec, StatusDenied, ReasonAlreadyRunning, now)
	} else if expires, ok := c.cooldowns[key]; ok && now.Before(expires) {
		c.finishLocked(&rec, StatusDenied, ReasonCooldownActive, now)
	} else {
		decision := c.safety.Validate(safety.Request{
			Plan:         sub.Plan,
			Target:       sub.Event.Target,
			RunningCount: len(c.running),
			Confirmed:    confirmed,
			DryRun:       c.dryRun.Load(),
		})
		switch decision.Verdict {
		case safety.VerdictDeny:
			c.finishLocked(&rec, StatusDenied, decision.Reason, now)
		case safety.VerdictDryRun:
			c.finishLocked(&rec, StatusDryRun, safety.ReasonDryRun, now)
		case safety.VerdictConfirm:
			rec.Reason = ReasonAwaitingConfirm
			c.trackLocked(&rec)
			c.held[rec.ID] = sub
		default:
			c.admitLocked(&rec, sub, key, now)
			admitted = true
		}
	}
	out := rec.snapshot()
	c.mu.Unlock()

	if err := c.persist(out, true); err != nil {
		if admitted {
			c.mu.Lock()
			delete(c.running, key)
			delete(c.records, out.ID)
			c.mu.Unlock()
		}
		return out, fmt.Errorf("persist execution record: %w", err)
	}
	c.audit("decision", out)
	if out.Status == StatusDenied || out.Status == StatusDryRun {
		c.metrics.Executions.WithLabelValues(out.Status).Inc()
	}
	if admitted {
		select {
		case c.queue <- out.ID:
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

// Confirm supplies the out-of-band token for a plan held in
// require-confirmation and re-runs the admission gate.
func (c *Coordinator) Confirm(ctx context.Context, id, token string) (Record, error) {
	if token == "" || token != c.cfg.ConfirmationToken {
		return Record{}, errors.New("invalid confirmation token")
	}
	now := c.now().UTC()
	c.mu.Lock()
	sub, ok := c.held[id]
	rec, found := c.records[id]
	if !ok || !found {
		c.mu.Unlock()
		return Record{}, errors.New("execution is not awaiting confirmation")
	}
	delete(c.held, id)
	key := pairKey{rec.RuleID, rec.Target}
	admitted := false
	if _, busy := c.running[key]; busy {
		c.finishLocked(rec, StatusDenied, ReasonAlreadyRunning, now)
	} else if expires, cooled := c.cooldowns[key]; cooled && now.Before(expires) {
		c.finishLocked(rec, StatusDenied, ReasonCooldownActive, now)
	} else {
		decision := c.safety.Validate(safety.Request{
			Plan:         rec.Plan,
			Target:       rec.Target,
			RunningCount: len(c.running),
			Confirmed:    true,
			DryRun:       c.dryRun.Load(),
		})
		switch decision.Verdict {
		case safety.VerdictDeny:
			c.finishLocked(rec, StatusDenied, decision.Reason, now)
		case safety.VerdictDryRun:
			c.finishLocked(rec, StatusDryRun, safety.ReasonDryRun, now)
		default:
			rec.Reason = ""
			sub2 := sub
			c.admitLocked(rec, sub2, key, now)
			admitted = true
		}
	}
	out := rec.snapshot()
	c.mu.Unlock()

	if err := c.persist(out, false); err != nil {
		return out, fmt.Errorf("persist execution record: %w", err)
	}
	c.audit("decision", out)
	if admitted {
		select {
		case c.queue <- out.ID:
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

// Cancel aborts an in-flight execution by id. Already-completed actions in
// the plan are not rolled back.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	if cancelFn, ok := c.cancels[id]; ok {
		c.mu.Unlock()
		cancelFn()
		return nil
	}
	rec, ok := c.records[id]
	if ok && rec.Status == StatusPending {
		now := c.now().UTC()
		delete(c.held, id)
		delete(c.running, pairKey{rec.RuleID, rec.Target})
		c.finishLocked(rec, StatusAborted, ReasonCancelled, now)
		out := rec.snapshot()
		c.mu.Unlock()
		_ = c.persist(out, false)
		c.audit("execution.aborted", out)
		return nil
	}
	c.mu.Unlock()
	if !ok {
		return errors.New("execution not found")
	}
	return errors.New("execution is not cancellable")
}

func (c *Coordinator) Get(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

func (c *Coordinator) List(status, ruleID string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []Record{}
	for _, id := range c.order {
		rec := c.records[id]
		if rec == nil {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		if ruleID != "" && rec.RuleID != ruleID {
			continue
		}
		out = append(out, rec.snapshot())
	}
	return out
}

// LoadCooldowns rebuilds the in-memory cooldown view from persisted state,
// keyed rule id to target. Called once at startup before Submit is reachable.
func (c *Coordinator) LoadCooldowns(entries map[string]map[string]time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ruleID, targets := range entries {
		for target, expires := range targets {
			c.cooldowns[pairKey{ruleID, target}] = expires
		}
	}
}

func (c *Coordinator) CooldownExpiry(ruleID, target string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.cooldowns[pairKey{ruleID, target}]
	return expires, ok
}

func (c *Coordinator) finishLocked(rec *Record, status, reason string, now time.Time) {
	rec.Status = status
	rec.Reason = reason
	finished := now
	rec.FinishedAt = &finished
	c.trackLocked(rec)
}

func (c *Coordinator) trackLocked(rec *Record) {
	if _, ok := c.records[rec.ID]; !ok {
		c.records[rec.ID] = rec
		c.order = append(c.order, rec.ID)
		c.pruneLocked()
	}
}

// pruneLocked evicts the oldest settled records once the cache exceeds its
// bound. Pending and running records are never evicted; their eviction
// happens after they settle.
func (c *Coordinator) pruneLocked() {
	excess := len(c.order) - c.cfg.MaxRecords
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		rec := c.records[id]
		if excess > 0 && rec != nil && rec.Status != StatusPending && rec.Status != StatusRunning {
			delete(c.records, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

// admitLocked reserves the (rule, target) pair and writes the cooldown
// before dispatch, closing the window where two evaluation cycles could both
// pass the gate.
func (c *Coordinator) admitLocked(rec *Record, sub Submission, key pairKey, now time.Time) {
	c.running[key] = rec.ID
	expires := now.Add(time.Duration(sub.Rule.CooldownSeconds) * time.Second)
	c.cooldowns[key] = expires
	c.trackLocked(rec)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.repo.UpsertCooldown(ctx, key.ruleID, key.target, expires); err != nil {
			c.logger.Error("persist cooldown failed", slog.String("error", err.Error()))
		}
	}()
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case id := <-c.queue:
			c.execute(id)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) execute(id string) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok || rec.Status != StatusPending {
		c.mu.Unlock()
		return
	}
	key := pairKey{rec.RuleID, rec.Target}
	// Last-moment dry-run check inside the gate: a toggle after validation
	// must not let an already-validated plan reach the executor.
	if c.dryRun.Load() {
		c.finishLocked(rec, StatusDryRun, safety.ReasonDryRun, c.now().UTC())
		delete(c.running, key)
		out := rec.snapshot()
		c.mu.Unlock()
		_ = c.persist(out, false)
		c.metrics.Executions.WithLabelValues(StatusDryRun).Inc()
		c.audit("execution.dry-run", out)
		return
	}
	runCtx, cancelFn := context.WithCancel(c.ctx)
	c.cancels[id] = cancelFn
	rec.Status = StatusRunning
	local := rec.snapshot()
	c.mu.Unlock()

	c.metrics.RunningPlans.Inc()
	_ = c.persist(local, false)

	status, reason := c.runPlan(runCtx, &local)

	now := c.now().UTC()
	c.mu.Lock()
	rec.AttemptCount = local.AttemptCount
	rec.ActionsTaken = local.ActionsTaken
	rec.Status = status
	rec.Reason = reason
	rec.FinishedAt = &now
	delete(c.running, key)
	delete(c.cancels, id)
	final := rec.snapshot()
	c.mu.Unlock()
	cancelFn()

	c.metrics.RunningPlans.Dec()
	c.metrics.Executions.WithLabelValues(status).Inc()
	if err := c.persist(final, false); err != nil {
		c.logger.Error("persist execution record failed",
			slog.String("id", final.ID), slog.String("error", err.Error()))
	}
	c.audit("execution."+status, final)
	if c.pub != nil {
		_ = c.pub.Publish("healing.execution."+status, final)
	}
	if status == StatusFailed && reason == ReasonPermanentError {
		c.logger.Error("remediation failed permanently",
			slog.String("id", final.ID), slog.String("rule", final.RuleID), slog.String("target", final.Target))
	}
	if c.onTerminal != nil && terminal(status) {
		c.onTerminal(final)
	}
}

// runPlan dispatches actions sequentially. A failed action aborts the
// remaining ones; completed actions are not rolled back.
func (c *Coordinator) runPlan(ctx context.Context, rec *Record) (string, string) {
	for _, action := range rec.Plan {
		if err := c.dispatch(ctx, rec, action); err != nil {
			if errors.Is(err, context.Canceled) {
				return StatusAborted, ReasonCancelled
			}
			var execErr *execError
			if errors.As(err, &execErr) {
				return StatusFailed, execErr.reason
			}
			return StatusFailed, ReasonPermanentError
		}
		rec.ActionsTaken = append(rec.ActionsTaken, string(action.Type))
	}
	return StatusSucceeded, ""
}

type execError struct {
	reason string
	err    error
}

func (e *execError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *execError) Unwrap() error { return e.err }

// dispatch calls the external executor for one action with a per-call
// timeout, retrying transient failures with exponential backoff up to
// MaxAttempts dispatch calls.
func (c *Coordinator) dispatch(ctx context.Context, rec *Record, action rules.Action) error {
	transport, err := c.registry.TransportFor(action.Type)
	if err != nil {
		return &execError{reason: ReasonPermanentError, err: err}
	}
	target := action.Target
	if target == "" {
		target = rec.Target
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		rec.AttemptCount++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
		result, callErr := transport.Call(callCtx, Request{
			ActionType:     action.Type,
			Target:         target,
			Parameters:     action.Parameters,
			TimeoutSeconds: int(c.cfg.ActionTimeout.Seconds()),
		})
		cancel()
		if ctx.Err() != nil {
			return context.Canceled
		}
		switch {
		case callErr == nil && result.ExitCode == 0:
			return nil
		case callErr == nil && !c.retryable[result.ExitCode]:
			return &execError{reason: ReasonPermanentError, err: fmt.Errorf("exit code %d: %s", result.ExitCode, result.Stderr)}
		case callErr == nil:
			lastErr = &execError{reason: ReasonTransientError, err: fmt.Errorf("retryable exit code %d", result.ExitCode)}
		case errors.Is(callErr, context.DeadlineExceeded):
			lastErr = &execError{reason: ReasonTimeout, err: callErr}
		default:
			lastErr = &execError{reason: ReasonTransientError, err: callErr}
		}
		if attempt < c.cfg.MaxAttempts {
			c.metrics.ActionRetries.Inc()
			if !sleepBackoff(ctx, c.cfg.BackoffBase, attempt) {
				return context.Canceled
			}
		}
	}
	return lastErr
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) bool {
	if base <= 0 {
		return ctx.Err() == nil
	}
	delay := base << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// persist writes a record with one retry at the persistence boundary.
func (c *Coordinator) persist(rec Record, insert bool) error {
	write := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if insert {
			return c.repo.InsertExecution(ctx, rec)
		}
		return c.repo.UpdateExecution(ctx, rec)
	}
	err := write()
	if err == nil {
		return nil
	}
	c.logger.Warn("execution persist failed, retrying", slog.String("error", err.Error()))
	return write()
}

func (c *Coordinator) audit(kind string, rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.repo.InsertAuditEvent(ctx, kind, rec); err != nil {
		c.logger.Warn("audit write failed", slog.String("error", err.Error()))
	}
}
