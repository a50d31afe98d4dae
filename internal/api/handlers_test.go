package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"remedyai-backend/internal/executor"
	"remedyai-backend/internal/metrics"
	"remedyai-backend/internal/rules"
	"remedyai-backend/internal/storage"
	"remedyai-backend/internal/tracker"
	"remedyai-backend/internal/trigger"
)

type fakeRepo struct {
	saved   int
	saveErr error
}

func (f *fakeRepo) SaveRuleSnapshot(ctx context.Context, version int64, ruleList []rules.Rule) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved++
	return nil
}

type fakeInjector struct {
	injected []trigger.Signal
}

func (f *fakeInjector) InjectManual(sig trigger.Signal) (trigger.Event, error) {
	if sig.Metric == "" || sig.Target == "" {
		return trigger.Event{}, trigger.ErrMalformedSignal
	}
	f.injected = append(f.injected, sig)
	return trigger.Event{Metric: sig.Metric, Target: sig.Target, Value: sig.Value, Manual: true, Count: 1}, nil
}

type fakeCoord struct {
	records   map[string]executor.Record
	cancelled []string
	confirmed []string
	dryRun    bool
}

func (f *fakeCoord) Get(id string) (executor.Record, bool) {
	rec, ok := f.records[id]
	return rec, ok
}

func (f *fakeCoord) Cancel(id string) error {
	if _, ok := f.records[id]; !ok {
		return errors.New("execution not found")
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeCoord) Confirm(ctx context.Context, id, token string) (executor.Record, error) {
	if token != "sesame" {
		return executor.Record{}, errors.New("invalid confirmation token")
	}
	f.confirmed = append(f.confirmed, id)
	return executor.Record{ID: id, Status: executor.StatusPending}, nil
}

func (f *fakeCoord) SetDryRun(enabled bool) { f.dryRun = enabled }
func (f *fakeCoord) DryRun() bool           { return f.dryRun }

type fakeRecords struct {
	rows map[string]executor.Record
}

func (f *fakeRecords) GetExecution(ctx context.Context, id string) (executor.Record, error) {
	rec, ok := f.rows[id]
	if !ok {
		return executor.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecords) ListExecutions(ctx context.Context, status, ruleID string, limit int) ([]executor.Record, error) {
	out := []executor.Record{}
	for _, rec := range f.rows {
		if status != "" && rec.Status != status {
			continue
		}
		if ruleID != "" && rec.RuleID != ruleID {
			continue
		}
		out = append(out, rec)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeStats struct{}

func (fakeStats) Snapshot() []tracker.Statistic {
	return []tracker.Statistic{{RuleID: "r1", ActionType: rules.ActionScale, Attempts: 2, Successes: 1}}
}

type fakeBus struct {
	subjects []string
}

func (f *fakeBus) Publish(subject string, payload any) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func validRule(id string) rules.Rule {
	return rules.Rule{
		ID:   id,
		Name: id,
		Conditions: []rules.Condition{
			{Metric: "cpu", Op: ">", Threshold: 90, SustainedForSeconds: 60},
		},
		Actions: []rules.Action{
			{Type: rules.ActionRestartService, RiskLevel: rules.RiskLow, EstimatedImpact: 0.4},
		},
		CooldownSeconds: 300,
		Enabled:         true,
	}
}

type testEnv struct {
	srv     *httptest.Server
	repo    *fakeRepo
	inj     *fakeInjector
	coord   *fakeCoord
	records *fakeRecords
	pub     *fakeBus
	store   *rules.Store
}

func newTestServer(t *testing.T) testEnv {
	t.Helper()
	store := rules.NewStore()
	repo := &fakeRepo{}
	inj := &fakeInjector{}
	coord := &fakeCoord{records: map[string]executor.Record{}}
	records := &fakeRecords{rows: map[string]executor.Record{}}
	pub := &fakeBus{}
	h := &Handler{
		Store:   store,
		Repo:    repo,
		Records: records,
		Engine:  inj,
		Coord:   coord,
		Stats:   fakeStats{},
		Bus:     pub,
		Metrics: metrics.New(),
		Timeout: 5 * time.Second,
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	router := chi.NewRouter()
	h.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, repo: repo, inj: inj, coord: coord, records: records, pub: pub, store: store}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRulesReplaceActivatesAndPublishes(t *testing.T) {
	env := newTestServer(t)
	resp := doJSON(t, http.MethodPut, env.srv.URL+"/rules/", rulesRequest{Rules: []rules.Rule{validRule("r1")}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.repo.saved != 1 {
		t.Fatalf("expected one persisted snapshot, got %d", env.repo.saved)
	}
	if env.store.Current().Version != 1 || len(env.store.Current().Rules) != 1 {
		t.Fatalf("snapshot not activated: version %d", env.store.Current().Version)
	}
	if len(env.pub.subjects) != 1 || env.pub.subjects[0] != "healing.rules.published" {
		t.Fatalf("expected healing.rules.published publish, got %v", env.pub.subjects)
	}
}

func TestRuleAddAppendsToLiveSet(t *testing.T) {
	env := newTestServer(t)
	if err := env.store.Load(1, []rules.Rule{validRule("r1")}); err != nil {
		t.Fatalf("load: %v", err)
	}
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/rules/", validRule("r2"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	snap := env.store.Current()
	if snap.Version != 2 || len(snap.Rules) != 2 {
		t.Fatalf("expected version 2 with 2 rules, got %d/%d", snap.Version, len(snap.Rules))
	}
	// A duplicate id rejects the whole write.
	resp = doJSON(t, http.MethodPost, env.srv.URL+"/rules/", validRule("r2"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate id, got %d", resp.StatusCode)
	}
	if env.store.Current().Version != 2 {
		t.Fatalf("failed add must not bump the version")
	}
}

func TestRuleDeleteRejectedWhileDependedOn(t *testing.T) {
	env := newTestServer(t)
	root := validRule("root")
	child := validRule("child")
	child.DependsOn = []string{"root"}
	if err := env.store.Load(1, []rules.Rule{root, child}); err != nil {
		t.Fatalf("load: %v", err)
	}
	resp := doJSON(t, http.MethodDelete, env.srv.URL+"/rules/root", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 while a dependent rule exists, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, env.srv.URL+"/rules/child", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, env.srv.URL+"/rules/child", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing rule, got %d", resp.StatusCode)
	}
	if got := len(env.store.Current().Rules); got != 1 {
		t.Fatalf("expected 1 rule left, got %d", got)
	}
}

func TestRulesReplaceRejectsInvalidSetAtomically(t *testing.T) {
	env := newTestServer(t)
	doJSON(t, http.MethodPut, env.srv.URL+"/rules/", rulesRequest{Rules: []rules.Rule{validRule("r1")}})

	bad := validRule("r2")
	bad.Conditions[0].Op = "~="
	resp := doJSON(t, http.MethodPut, env.srv.URL+"/rules/", rulesRequest{Rules: []rules.Rule{validRule("r1"), bad}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.Code != "RULE_SNAPSHOT_INVALID" || len(body.Details) == 0 {
		t.Fatalf("expected structured validation error, got %+v", body)
	}
	if env.store.Current().Version != 1 {
		t.Fatalf("previous snapshot must stay live, got version %d", env.store.Current().Version)
	}
	if env.repo.saved != 1 {
		t.Fatalf("invalid set must not be persisted")
	}
}

func TestRulesGetByID(t *testing.T) {
	env := newTestServer(t)
	if err := env.store.Load(1, []rules.Rule{validRule("r1")}); err != nil {
		t.Fatalf("load: %v", err)
	}
	resp := doJSON(t, http.MethodGet, env.srv.URL+"/rules/r1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, env.srv.URL+"/rules/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestManualTriggerInjects(t *testing.T) {
	env := newTestServer(t)
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/healing/trigger",
		triggerRequest{Source: "operator", Metric: "cpu", Target: "host-1", Value: 99, Severity: trigger.SeverityCritical})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(env.inj.injected) != 1 || env.inj.injected[0].Metric != "cpu" {
		t.Fatalf("trigger not injected: %+v", env.inj.injected)
	}
}

func TestManualTriggerRejectsMalformed(t *testing.T) {
	env := newTestServer(t)
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/healing/trigger", triggerRequest{Source: "operator"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExecutionEndpoints(t *testing.T) {
	env := newTestServer(t)
	env.coord.records["e1"] = executor.Record{ID: "e1", RuleID: "r1", Status: executor.StatusRunning}
	env.records.rows["e1"] = executor.Record{ID: "e1", RuleID: "r1", Status: executor.StatusRunning}
	env.records.rows["e2"] = executor.Record{ID: "e2", RuleID: "r2", Status: executor.StatusSucceeded}

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/healing/executions?status=running", nil)
	var list []executor.Record
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "e1" {
		t.Fatalf("status filter failed: %+v", list)
	}

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/healing/executions/e2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for existing execution, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, env.srv.URL+"/healing/executions/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, env.srv.URL+"/healing/executions/e1/stop", nil)
	if resp.StatusCode != http.StatusOK || len(env.coord.cancelled) != 1 {
		t.Fatalf("stop failed: %d %v", resp.StatusCode, env.coord.cancelled)
	}
	resp = doJSON(t, http.MethodPost, env.srv.URL+"/healing/executions/nope/stop", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unknown execution, got %d", resp.StatusCode)
	}
}

func TestExecutionGetFallsBackToStorage(t *testing.T) {
	// A record evicted from the coordinator cache (or written before a
	// restart) is still served from the executions table.
	env := newTestServer(t)
	env.records.rows["old"] = executor.Record{ID: "old", RuleID: "r1", Status: executor.StatusSucceeded}

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/healing/executions/old", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from the persisted record, got %d", resp.StatusCode)
	}
	var rec executor.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.ID != "old" || rec.Status != executor.StatusSucceeded {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestConfirmEndpoint(t *testing.T) {
	env := newTestServer(t)
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/healing/executions/e1/confirm", confirmRequest{Token: "wrong"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for bad token, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, env.srv.URL+"/healing/executions/e1/confirm", confirmRequest{Token: "sesame"})
	if resp.StatusCode != http.StatusOK || len(env.coord.confirmed) != 1 {
		t.Fatalf("confirm failed: %d %v", resp.StatusCode, env.coord.confirmed)
	}
}

func TestDryRunToggle(t *testing.T) {
	env := newTestServer(t)
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/healing/dry-run", dryRunRequest{Enabled: true})
	if resp.StatusCode != http.StatusOK || !env.coord.dryRun {
		t.Fatalf("dry-run enable failed: %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, env.srv.URL+"/healing/dry-run", nil)
	var body map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body["enabled"] {
		t.Fatalf("expected dry-run reported enabled")
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestServer(t)
	resp := doJSON(t, http.MethodGet, env.srv.URL+"/stats", nil)
	var stats []tracker.Statistic
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(stats) != 1 || stats[0].RuleID != "r1" {
		t.Fatalf("unexpected stats payload: %+v", stats)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)
	resp := doJSON(t, http.MethodGet, env.srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
