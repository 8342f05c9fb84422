package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/dedup"
	"github.com/qiniu/opsguard/internal/alerting/service/escalation"
	"github.com/qiniu/opsguard/internal/alerting/service/remediation"
	"github.com/qiniu/opsguard/internal/alerting/service/ruleset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEscalator struct {
	rules []*model.EscalationRule
}

func (f *fakeEscalator) EscalateManual(_ context.Context, alertID int64, to model.Severity, message, operator string) (*model.AlertEscalation, error) {
	switch alertID {
	case 404:
		return nil, fmt.Errorf("alert %d: %w", alertID, model.ErrNotFound)
	case 409:
		return nil, fmt.Errorf("%w: alert %d is resolved", escalation.ErrInvalidTransition, alertID)
	}
	return &model.AlertEscalation{AlertID: alertID, FromSeverity: model.SeverityWarning, ToSeverity: to, Message: message, Operator: operator}, nil
}

func (f *fakeEscalator) SaveRule(_ context.Context, r *model.EscalationRule) error {
	if err := escalation.ValidateLevels(r.Levels); err != nil {
		return err
	}
	r.ID = int64(len(f.rules) + 1)
	f.rules = append(f.rules, r)
	return nil
}

type fakeRemediator struct {
	logs *remediation.MemoryLogStore
	// ctxErr is the context error seen by the last Approve
	ctxErr error
}

func (f *fakeRemediator) Approve(ctx context.Context, logID int64, approver string) (*remediation.Result, error) {
	f.ctxErr = ctx.Err()
	ok, err := f.logs.Transition(ctx, logID, model.RemediationPendingApproval, model.RemediationSuccess, approver)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, remediation.ErrNotPendingApproval
	}
	return &remediation.Result{LogID: logID, Status: model.RemediationSuccess, Success: true}, nil
}

func (f *fakeRemediator) Reject(ctx context.Context, logID int64, approver string) (*model.RemediationLog, error) {
	ok, err := f.logs.Transition(ctx, logID, model.RemediationPendingApproval, model.RemediationRejected, approver)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, remediation.ErrNotPendingApproval
	}
	return f.logs.Get(ctx, logID)
}

type fakeRules struct {
	added   []*model.AlertRule
	updated map[string]float64
}

func (f *fakeRules) AddAlertRule(_ context.Context, r *model.AlertRule) error {
	if err := ruleset.ValidateRule(r); err != nil {
		return err
	}
	f.added = append(f.added, r)
	return nil
}

func (f *fakeRules) UpdateThreshold(_ context.Context, name string, threshold float64, _ time.Duration) error {
	if name != "cpu_high" {
		return fmt.Errorf("rule %s: %w", name, model.ErrNotFound)
	}
	f.updated[name] = threshold
	return nil
}

func (f *fakeRules) DeleteAlertRule(_ context.Context, name string) error {
	if name != "cpu_high" {
		return fmt.Errorf("rule %s: %w", name, model.ErrNotFound)
	}
	return nil
}

type fakeChangeLogs struct {
	logs   []ruleset.ChangeLog
	before time.Time
}

func (f *fakeChangeLogs) ListChangeLogs(_ context.Context, before time.Time, limit int) ([]ruleset.ChangeLog, error) {
	f.before = before
	if limit < len(f.logs) {
		return f.logs[:limit], nil
	}
	return f.logs, nil
}

type testEnv struct {
	router     *gin.Engine
	logs       *remediation.MemoryLogStore
	esc        *fakeEscalator
	rules      *fakeRules
	dedup      *dedup.Deduplicator
	remediator *fakeRemediator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, err := remediation.DefaultRegistry()
	require.NoError(t, err)

	env := &testEnv{
		router: gin.New(),
		logs:   remediation.NewMemoryLogStore(),
		esc:    &fakeEscalator{},
		rules:  &fakeRules{updated: map[string]float64{}},
		dedup:  dedup.NewDeduplicator(nil, dedup.DefaultConfig()),
	}
	env.remediator = &fakeRemediator{logs: env.logs}
	d := 2 * time.Minute
	th := 85.0
	NewApi(env.router, Deps{
		Escalation:  env.esc,
		Remediation: env.remediator,
		Logs:        env.logs,
		Dedup:       env.dedup,
		Rules:       env.rules,
		ChangeLogs: &fakeChangeLogs{logs: []ruleset.ChangeLog{
			{ID: "c1", RuleName: "cpu_high", ChangeType: "Update", NewThreshold: &th, NewDuration: &d,
				ChangeTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		}},
		Runbooks: reg,
		Metrics:  true,
	})
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	e.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func (e *testEnv) pendingLog(t *testing.T) int64 {
	t.Helper()
	lg := &model.RemediationLog{AlertID: 1, Host: "web-1", Status: model.RemediationPendingApproval, RunbookName: "restart_service"}
	require.NoError(t, e.logs.Create(context.Background(), lg))
	return lg.ID
}

func TestEscalateAlert(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/v1/alerts/7/escalate", `{"severity":"Critical","message":"db down","operator":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var audit model.AlertEscalation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audit))
	assert.Equal(t, int64(7), audit.AlertID)
	assert.Equal(t, model.SeverityCritical, audit.ToSeverity)
	assert.Equal(t, "alice", audit.Operator)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad id", "/v1/alerts/abc/escalate", `{"severity":"critical"}`, http.StatusBadRequest, codeInvalidParameter},
		{"bad severity", "/v1/alerts/7/escalate", `{"severity":"urgent"}`, http.StatusBadRequest, codeInvalidParameter},
		{"missing alert", "/v1/alerts/404/escalate", `{"severity":"critical"}`, http.StatusNotFound, codeNotFound},
		{"resolved alert", "/v1/alerts/409/escalate", `{"severity":"critical"}`, http.StatusConflict, codeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestCreateEscalationRule(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/v1/escalation-rules",
		`{"alertRuleId":3,"levels":[{"level":2,"delay":"30m","targetSeverity":"critical"},{"level":1,"delay":"10m","targetSeverity":"warning"}]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, env.esc.rules, 1)
	assert.Equal(t, 10*time.Minute, env.esc.rules[0].Levels[1].Delay)

	w = env.do(http.MethodPost, "/v1/escalation-rules",
		`{"alertRuleId":3,"levels":[{"level":1,"delay":"10m","targetSeverity":"warning"},{"level":3,"delay":"30m","targetSeverity":"critical"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codeInvalidParameter, errorCode(t, w))

	w = env.do(http.MethodPost, "/v1/escalation-rules", `{"alertRuleId":3,"levels":[{"level":1,"delay":"soon"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRemediationApproval(t *testing.T) {
	env := newTestEnv(t)
	id := env.pendingLog(t)

	w := env.do(http.MethodGet, fmt.Sprintf("/v1/remediations/%d", id), "")
	require.Equal(t, http.StatusOK, w.Code)
	var lg model.RemediationLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lg))
	assert.Equal(t, model.RemediationPendingApproval, lg.Status)

	w = env.do(http.MethodPost, fmt.Sprintf("/v1/remediations/%d/approve", id), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "operator is required")

	w = env.do(http.MethodPost, fmt.Sprintf("/v1/remediations/%d/approve", id), `{"operator":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, fmt.Sprintf("/v1/remediations/%d/approve", id), `{"operator":"bob"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, codeConflict, errorCode(t, w))

	w = env.do(http.MethodGet, "/v1/remediations/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemediationApproval_SurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t)
	id := env.pendingLog(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/remediations/%d/approve", id),
		strings.NewReader(`{"operator":"bob"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, env.remediator.ctxErr)
}

func TestRemediationReject(t *testing.T) {
	env := newTestEnv(t)
	id := env.pendingLog(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/remediations/%d/reject", id), nil)
	req.Header.Set("X-Operator", "carol")
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var lg model.RemediationLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lg))
	assert.Equal(t, model.RemediationRejected, lg.Status)
	assert.Equal(t, "carol", lg.Approver)

	w = env.do(http.MethodPost, "/v1/remediations/999/reject", `{"operator":"carol"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDedupConfig(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/v1/dedup/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"dedupWindowSeconds":300,"aggregationWindowSeconds":600,"maxAlertsPerGroup":100}`, w.Body.String())

	w = env.do(http.MethodPut, "/v1/dedup/config", `{"dedupWindowSeconds":120}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 120*time.Second, env.dedup.Config().DedupWindow)
	assert.Equal(t, 600*time.Second, env.dedup.Config().AggregationWindow)

	w = env.do(http.MethodPut, "/v1/dedup/config", `{"maxAlertsPerGroup":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 120*time.Second, env.dedup.Config().DedupWindow)
}

func TestAlertRules(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/v1/alert-rules",
		`{"name":"cpu_high","metric":"cpu_usage","comparator":">","threshold":90,"duration":"2m","severity":"warning"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, env.rules.added, 1)
	assert.True(t, env.rules.added[0].Enabled)
	assert.Equal(t, 2*time.Minute, env.rules.added[0].Duration)

	w = env.do(http.MethodPost, "/v1/alert-rules", `{"name":"bad","metric":"cpu_usage","comparator":"~","threshold":90,"severity":"warning"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/v1/alert-rules/cpu_high/threshold", `{"threshold":85,"duration":"1m"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 85.0, env.rules.updated["cpu_high"])

	w = env.do(http.MethodPut, "/v1/alert-rules/cpu_high/threshold", `{"duration":"1m"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, "/v1/alert-rules/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(http.MethodDelete, "/v1/alert-rules/cpu_high", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestListAlertRuleChangeLogs(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/v1/changelog/alertrules", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(http.MethodGet, "/v1/changelog/alertrules?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(http.MethodGet, "/v1/changelog/alertrules?limit=10&start=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/v1/changelog/alertrules?limit=1&start=2024-05-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp alertRuleChangeListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	item := resp.Items[0]
	assert.Equal(t, "cpu_high", item.Name)
	assert.Equal(t, "2024-05-01T10:00:00Z", item.EditTime)
	assert.Equal(t, []alertRuleChangeValue{
		{Name: "threshold", Old: "", New: "85"},
		{Name: "duration", Old: "", New: "2m0s"},
	}, item.Values)
	assert.Equal(t, "2024-05-01T10:00:00Z", resp.Next)
}

func TestListRunbooksAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/v1/runbooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Items []runbookItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Items)
	assert.Equal(t, "clean_disk_space", resp.Items[0].Name)
	assert.Equal(t, "30m0s", resp.Items[0].Cooldown)

	w = env.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
