package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"remedyai-backend/internal/executor"
	"remedyai-backend/internal/metrics"
	"remedyai-backend/internal/rules"
	"remedyai-backend/internal/storage"
	"remedyai-backend/internal/tracker"
	"remedyai-backend/internal/trigger"
)

// SnapshotRepo persists accepted rule set versions.
type SnapshotRepo interface {
	SaveRuleSnapshot(ctx context.Context, version int64, ruleList []rules.Rule) error
}

// Injector releases a manually submitted trigger into the engine.
type Injector interface {
	InjectManual(sig trigger.Signal) (trigger.Event, error)
}

// Coordinator is the slice of the execution coordinator the API exposes.
type Coordinator interface {
	Get(id string) (executor.Record, bool)
	Cancel(id string) error
	Confirm(ctx context.Context, id, token string) (executor.Record, error)
	SetDryRun(enabled bool)
	DryRun() bool
}

// RecordReader is the durable execution query surface. The coordinator's
// in-memory cache is bounded and lost on restart, so list and get-miss
// queries go through here.
type RecordReader interface {
	GetExecution(ctx context.Context, id string) (executor.Record, error)
	ListExecutions(ctx context.Context, status, ruleID string, limit int) ([]executor.Record, error)
}

// StatsView reads the learned effectiveness table.
type StatsView interface {
	Snapshot() []tracker.Statistic
}

type Publisher interface {
	Publish(subject string, payload any) error
}

type Handler struct {
	Store   *rules.Store
	Repo    SnapshotRepo
	Records RecordReader
	Engine  Injector
	Coord   Coordinator
	Stats   StatsView
	Bus     Publisher
	Metrics *metrics.Metrics
	Timeout time.Duration
	MaxPage int
	Logger  *slog.Logger
}

type errorResponse struct {
	Ok      bool                `json:"ok"`
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details []rules.ErrorDetail `json:"details,omitempty"`
}

type rulesRequest struct {
	Rules []rules.Rule `json:"rules"`
}

type triggerRequest struct {
	Source   string  `json:"source"`
	Metric   string  `json:"metric"`
	Target   string  `json:"target"`
	Value    float64 `json:"value"`
	Severity string  `json:"severity"`
}

type confirmRequest struct {
	Token string `json:"token"`
}

type dryRunRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", h.Metrics.Handler())
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.handleRulesGet)
		r.Put("/", h.handleRulesReplace)
		r.Post("/", h.handleRuleAdd)
		r.Post("/validate", h.handleRulesValidate)
		r.Get("/{id}", h.handleRuleGetByID)
		r.Delete("/{id}", h.handleRuleDelete)
	})
	r.Route("/healing", func(r chi.Router) {
		r.Post("/trigger", h.handleTrigger)
		r.Get("/executions", h.handleExecutionsList)
		r.Get("/executions/{id}", h.handleExecutionGet)
		r.Post("/executions/{id}/stop", h.handleExecutionStop)
		r.Post("/executions/{id}/confirm", h.handleExecutionConfirm)
		r.Get("/dry-run", h.handleDryRunGet)
		r.Post("/dry-run", h.handleDryRunSet)
	})
	r.Get("/stats", h.handleStats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleRulesGet(w http.ResponseWriter, r *http.Request) {
	snap := h.Store.Current()
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "rules": snap.Rules})
}

func (h *Handler) handleRuleGetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, ok := h.Store.Current().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleRulesReplace swaps the whole rule set in one shot. The candidate set
// is validated as a unit, persisted as the next version, then activated; on
// any validation error the live snapshot is untouched.
func (h *Handler) handleRulesReplace(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	h.publishRuleSet(w, r, req.Rules)
}

// handleRuleAdd appends one rule to the live set. The mutated set is
// validated as a unit, so a duplicate id or a bad dependency rejects the
// whole write.
func (h *Handler) handleRuleAdd(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	current := h.Store.Current().Rules
	candidate := make([]rules.Rule, 0, len(current)+1)
	candidate = append(candidate, current...)
	candidate = append(candidate, rule)
	h.publishRuleSet(w, r, candidate)
}

func (h *Handler) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current := h.Store.Current().Rules
	candidate := make([]rules.Rule, 0, len(current))
	found := false
	for _, rule := range current {
		if rule.ID == id {
			found = true
			continue
		}
		candidate = append(candidate, rule)
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}
	// Validation of the remaining set rejects the delete if another rule
	// still depends on the removed one.
	h.publishRuleSet(w, r, candidate)
}

func (h *Handler) publishRuleSet(w http.ResponseWriter, r *http.Request, candidate []rules.Rule) {
	if verr := rules.ValidateSnapshot(candidate); verr != nil {
		writeValidationError(w, verr)
		return
	}
	version := h.Store.Current().Version + 1
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if err := h.Repo.SaveRuleSnapshot(ctx, version, candidate); err != nil {
		h.Logger.Error("rule snapshot persist failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to persist rule set"})
		return
	}
	if verr := h.Store.Load(version, candidate); verr != nil {
		writeValidationError(w, verr)
		return
	}
	_ = h.Bus.Publish("healing.rules.published", map[string]any{"version": version})
	h.Logger.Info("rule set activated", slog.Int64("version", version), slog.Int("rules", len(candidate)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version})
}

func (h *Handler) handleRulesValidate(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if verr := rules.ValidateSnapshot(req.Rules); verr != nil {
		writeValidationError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	evt, err := h.Engine.InjectManual(trigger.Signal{
		Source:    req.Source,
		Metric:    req.Metric,
		Target:    req.Target,
		Value:     req.Value,
		Severity:  req.Severity,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "trigger": evt})
}

func (h *Handler) handleExecutionsList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	ruleID := r.URL.Query().Get("rule")
	limit := h.MaxPage
	if limit <= 0 {
		limit = 500
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	records, err := h.Records.ListExecutions(ctx, status, ruleID, limit)
	if err != nil {
		h.Logger.Error("execution list failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list executions"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleExecutionGet serves fresh records from the coordinator cache and
// falls back to storage for records evicted from it or created before a
// restart.
func (h *Handler) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if rec, ok := h.Coord.Get(id); ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	rec, err := h.Records.GetExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "execution not found"})
		return
	}
	if err != nil {
		h.Logger.Error("execution read failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to read execution"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleExecutionStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Coord.Cancel(id); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleExecutionConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	rec, err := h.Coord.Confirm(ctx, id, req.Token)
	if err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDryRunGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"enabled": h.Coord.DryRun()})
}

func (h *Handler) handleDryRunSet(w http.ResponseWriter, r *http.Request) {
	var req dryRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	h.Coord.SetDryRun(req.Enabled)
	h.Logger.Info("dry-run mode changed", slog.Bool("enabled", req.Enabled))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": req.Enabled})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Stats.Snapshot())
}

func writeValidationError(w http.ResponseWriter, verr *rules.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Ok:      false,
		Code:    verr.Code,
		Message: verr.Message,
		Details: verr.Details,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
