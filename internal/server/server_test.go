package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/automation"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/metrics"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/storage"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/transport"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

type testServer struct {
	server   *HTTPServer
	store    storage.Storage
	executor *automation.RuleExecutor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := utils.NewTestLogger()
	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "api.db"),
		MaxConnections:   1,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	manager := metrics.NewManager()
	router := transport.NewRouter(manager.GetPrometheusMetrics(), logger)
	router.Route(transport.ChannelEmail, transport.NewLogSender(logger))
	router.Route(transport.ChannelWhatsApp, transport.NewLogSender(logger))

	executor := automation.NewRuleExecutor(store,
		&automation.Env{Records: store, Transport: router},
		automation.NewAuditLogger(store, manager, logger),
		automation.DefaultExecutorConfig(),
		automation.WithRecorder(manager),
		automation.WithLogger(logger),
	)

	srv := NewHTTPServer(&ServerConfig{EnableHealth: true, EnableMetrics: true, Version: "test"},
		store, executor, manager, logger)
	return &testServer{server: srv, store: store, executor: executor}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestExecuteEndpointRunsMatchingRules(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.SaveRule(ctx, &models.Rule{
		Name:       "Follow up new clients",
		Trigger:    "client_created",
		Active:     true,
		Conditions: map[string]interface{}{"status": "lead"},
		Actions: []models.ActionSpec{
			{Type: models.ActionCreateTask, Params: map[string]interface{}{"title": "Call {{name}}", "client_name": "{{name}}"}},
			{Type: models.ActionSendEmail, Params: map[string]interface{}{"subject": "Welcome {{name}}", "body": "Task {{_actions.0.id}}"}},
		},
	}))

	rec := ts.do(t, "POST", "/api/v1/automation/execute", map[string]interface{}{
		"event":   "client_created",
		"payload": map[string]interface{}{"name": "Dana", "status": "lead", "email": "dana@example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.ExecuteResponse
	decode(t, rec, &resp)
	assert.True(t, resp.OK)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Executed, 2)
	assert.Equal(t, models.DetailOK, resp.Executed[0].Status)
	assert.Equal(t, models.DetailOK, resp.Executed[1].Status)
	assert.Equal(t, "dana@example.com", resp.Executed[1].Result.To)

	tasks, err := ts.store.FilterRecords(ctx, models.EntityTask, models.RecordFilter{Where: map[string]interface{}{"client_name": "Dana"}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Call Dana", tasks[0]["title"])

	rec = ts.do(t, "GET", "/api/v1/automation/logs?trigger=client_created&status=success", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Logs  []models.AutomationLog `json:"logs"`
		Count int                    `json:"count"`
	}
	decode(t, rec, &logs)
	require.Equal(t, 1, logs.Count)
	assert.Equal(t, "Follow up new clients", logs.Logs[0].RuleName)
	assert.Len(t, logs.Logs[0].ExecutionDetails, 2)
}

func TestExecuteEndpointNonMatchingAndDryRun(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rule := &models.Rule{
		Name:    "Notify owner",
		Trigger: "task_updated",
		Active:  false,
		Actions: []models.ActionSpec{
			{Type: models.ActionSendNotification, Params: map[string]interface{}{"user_email": "owner@example.com", "title": "Updated"}},
		},
	}
	require.NoError(t, ts.store.SaveRule(ctx, rule))

	rec := ts.do(t, "POST", "/api/v1/automation/execute", map[string]interface{}{"event": "task_updated", "payload": map[string]interface{}{}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.ExecuteResponse
	decode(t, rec, &resp)
	assert.Equal(t, 0, resp.Count)
	assert.Empty(t, resp.Executed)

	rec = ts.do(t, "POST", "/api/v1/automation/execute", map[string]interface{}{
		"specificRuleId": rule.ID,
		"isDryRun":       true,
		"payload":        map[string]interface{}{},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.Len(t, resp.Executed, 1)
	assert.True(t, resp.Executed[0].Result.DryRun)

	notifications, err := ts.store.FilterRecords(ctx, models.EntityNotification, models.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, notifications)

	stats := ts.executor.GetStats()
	assert.Equal(t, uint64(2), stats.Invocations)
}

func TestExecuteEndpointRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/automation/execute", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/automation/execute", map[string]interface{}{"payload": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, automation.Invocation) (*models.ExecuteResponse, error) {
	return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load rules", "database is locked")
}

func (failingExecutor) GetStats() models.EngineStats { return models.EngineStats{} }

func TestExecuteEndpointSurfacesRuleLoadFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.server = NewHTTPServer(&ServerConfig{}, ts.store, failingExecutor{}, nil, utils.NewTestLogger())

	rec := ts.do(t, "POST", "/api/v1/automation/execute", map[string]interface{}{"event": "x"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestRuleEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/rules", map[string]interface{}{
		"name":    "Remind assignee",
		"trigger": "task_created",
		"active":  true,
		"actions": []map[string]interface{}{{"type": "send_reminder", "params": map[string]interface{}{"message": "Due {{due_date}}"}}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Rule
	decode(t, rec, &created)
	require.NotEmpty(t, created.ID)

	rec = ts.do(t, "POST", "/api/v1/rules", map[string]interface{}{"name": "no trigger"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "GET", "/api/v1/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "PUT", "/api/v1/rules/"+created.ID, map[string]interface{}{
		"name":    "Remind assignee",
		"trigger": "task_created",
		"active":  false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Rule
	decode(t, rec, &updated)
	assert.Equal(t, created.ID, updated.ID)
	assert.False(t, updated.Active)
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))

	rec = ts.do(t, "GET", "/api/v1/rules?trigger=task_created&active=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []models.Rule `json:"rules"`
		Count int           `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = ts.do(t, "GET", "/api/v1/rules?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "DELETE", "/api/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	for _, method := range []string{"GET", "PUT", "DELETE"} {
		rec = ts.do(t, method, "/api/v1/rules/"+created.ID, map[string]interface{}{"name": "x", "trigger": "y"})
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
	}
}

func TestHealthStatsAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = ts.do(t, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"engine"`)

	rec = ts.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "automation_http_requests_total"))

	require.NoError(t, ts.store.Close())
	rec = ts.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(utils.NewAppError(utils.ErrCodeValidation, "x", "")))
	assert.Equal(t, http.StatusNotFound, statusFor(utils.NewAppError(utils.ErrCodeNotFound, "x", "")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}
