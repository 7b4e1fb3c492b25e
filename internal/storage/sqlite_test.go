package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

func newTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()

	store := NewSQLiteStorage(&StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "automation.db"),
		MaxConnections:   1,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

// stepClock makes every timeNow call one second later than the last.
func stepClock(t *testing.T) {
	t.Helper()
	current := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	timeNow = func() time.Time {
		current = current.Add(time.Second)
		return current
	}
	t.Cleanup(func() { timeNow = time.Now })
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	store := newTestSQLite(t)
	assert.NoError(t, store.Migrate())
	assert.NoError(t, store.Ping())
}

func TestSQLiteRuleLifecycle(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	rule := &models.Rule{
		Name:       "Welcome client",
		Trigger:    "client_created",
		Active:     true,
		Conditions: map[string]interface{}{"status": "active", "tier": float64(2)},
		Actions: []models.ActionSpec{
			{Type: models.ActionSendEmail, Params: map[string]interface{}{"subject": "Hi {{name}}"}},
		},
	}
	require.NoError(t, store.SaveRule(ctx, rule))
	require.NotEmpty(t, rule.ID)

	loaded, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Welcome client", loaded.Name)
	assert.Equal(t, "client_created", loaded.Trigger)
	assert.True(t, loaded.Active)
	assert.Equal(t, rule.Conditions, loaded.Conditions)
	require.Len(t, loaded.Actions, 1)
	assert.Equal(t, models.ActionSendEmail, loaded.Actions[0].Type)
	assert.Equal(t, "Hi {{name}}", loaded.Actions[0].Params["subject"])

	rule.Active = false
	require.NoError(t, store.SaveRule(ctx, rule))
	loaded, err = store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Active)

	require.NoError(t, store.DeleteRule(ctx, rule.ID))
	loaded, err = store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	err = store.DeleteRule(ctx, rule.ID)
	assert.True(t, utils.IsNotFound(err))
}

func TestSQLiteSaveRuleRejectsInvalid(t *testing.T) {
	store := newTestSQLite(t)
	err := store.SaveRule(context.Background(), &models.Rule{Name: "no trigger"})
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeValidation, utils.ErrorCode(err))
}

func TestSQLiteGetRulesFiltersAndOrders(t *testing.T) {
	stepClock(t)
	store := newTestSQLite(t)
	ctx := context.Background()

	for _, r := range []*models.Rule{
		{Name: "first", Trigger: "task_created", Active: true},
		{Name: "inactive", Trigger: "task_created", Active: false},
		{Name: "other trigger", Trigger: "client_created", Active: true},
		{Name: "second", Trigger: "task_created", Active: true},
	} {
		require.NoError(t, store.SaveRule(ctx, r))
	}

	trigger := "task_created"
	active := true
	rules, err := store.GetRules(ctx, models.RuleFilter{Trigger: &trigger, Active: &active})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, "second", rules[1].Name)

	rules, err = store.GetRules(ctx, models.RuleFilter{Trigger: &trigger, Active: &active, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "first", rules[0].Name)

	rules, err = store.GetRules(ctx, models.RuleFilter{OrderBy: "-created_at", Offset: 1})
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "other trigger", rules[0].Name)

	_, err = store.GetRules(ctx, models.RuleFilter{OrderBy: "trigger_name; DROP TABLE rules"})
	assert.Error(t, err)
}

func TestSQLiteRecordCreateAndUpdate(t *testing.T) {
	stepClock(t)
	store := newTestSQLite(t)
	ctx := context.Background()

	created, err := store.CreateRecord(ctx, models.EntityTask, models.Record{
		"title":    "Call client",
		"status":   "new",
		"priority": "medium",
	})
	require.NoError(t, err)
	id := created.ID()
	require.NotEmpty(t, id)
	assert.Equal(t, "Call client", created["title"])
	assert.NotEmpty(t, created["created_at"])

	updated, err := store.UpdateRecord(ctx, models.EntityTask, id, models.Record{"status": "completed", "id": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, id, updated.ID())
	assert.Equal(t, "completed", updated["status"])
	assert.Equal(t, "Call client", updated["title"])
	assert.NotEqual(t, created["updated_at"], updated["updated_at"])

	loaded, err := store.GetRecord(ctx, models.EntityTask, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", loaded["status"])

	missing, err := store.GetRecord(ctx, models.EntityNotification, id)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = store.UpdateRecord(ctx, models.EntityTask, "missing", models.Record{"status": "x"})
	assert.True(t, utils.IsNotFound(err))

	_, err = store.CreateRecord(ctx, "", models.Record{})
	assert.Equal(t, utils.ErrCodeValidation, utils.ErrorCode(err))
}

func TestSQLiteFilterRecords(t *testing.T) {
	stepClock(t)
	store := newTestSQLite(t)
	ctx := context.Background()

	seed := []models.Record{
		{"title": "a", "project_name": "Tower", "status": "open", "estimate": float64(3)},
		{"title": "b", "project_name": "Tower", "status": "done", "estimate": float64(5)},
		{"title": "c", "project_name": "Bridge", "status": "open", "estimate": float64(3)},
		{"title": "d", "project_name": "Tower", "status": "open", "urgent": true},
	}
	var ids []string
	for _, r := range seed {
		created, err := store.CreateRecord(ctx, models.EntityTask, r)
		require.NoError(t, err)
		ids = append(ids, created.ID())
	}
	_, err := store.CreateRecord(ctx, models.EntityNotification, models.Record{"project_name": "Tower"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter models.RecordFilter
		want   []string
	}{
		{"by string field", models.RecordFilter{Where: map[string]interface{}{"project_name": "Tower"}}, []string{"a", "b", "d"}},
		{"two fields", models.RecordFilter{Where: map[string]interface{}{"project_name": "Tower", "status": "open"}}, []string{"a", "d"}},
		{"by number", models.RecordFilter{Where: map[string]interface{}{"estimate": 3}}, []string{"a", "c"}},
		{"by bool", models.RecordFilter{Where: map[string]interface{}{"urgent": true}}, []string{"d"}},
		{"string never equals number", models.RecordFilter{Where: map[string]interface{}{"estimate": "3"}}, nil},
		{"by id", models.RecordFilter{Where: map[string]interface{}{"id": ids[1]}}, []string{"b"}},
		{"newest first", models.RecordFilter{Where: map[string]interface{}{"project_name": "Tower"}, OrderBy: "-updated_at"}, []string{"d", "b", "a"}},
		{"ordered by data field", models.RecordFilter{OrderBy: "-title", Limit: 2}, []string{"d", "c"}},
		{"limit", models.RecordFilter{Limit: 1}, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.FilterRecords(ctx, models.EntityTask, tt.filter)
			require.NoError(t, err)
			var titles []string
			for _, r := range records {
				titles = append(titles, r.String("title"))
			}
			assert.Equal(t, tt.want, titles)
		})
	}

	_, err = store.FilterRecords(ctx, models.EntityTask, models.RecordFilter{Where: map[string]interface{}{"bad field'": "x"}})
	assert.Equal(t, utils.ErrCodeValidation, utils.ErrorCode(err))
}

func TestSQLiteAutomationLogs(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*models.AutomationLog{
		{RuleID: "r1", RuleName: "one", Trigger: "task_created", Status: models.RuleStatusSuccess, TriggeredAt: base},
		{RuleID: "r1", RuleName: "one", Trigger: "task_created", Status: models.RuleStatusFailure,
			ErrorMessage: "boom", TriggeredAt: base.Add(time.Minute),
			ExecutionDetails: []models.ExecutionDetail{{Action: models.ActionSendEmail, Status: models.DetailError, Error: "boom"}}},
		{RuleID: "r2", RuleName: "two", Trigger: "client_created", Status: models.RuleStatusPartial, TriggeredAt: base.Add(2 * time.Minute), IsDryRun: true},
	}
	for _, e := range entries {
		require.NoError(t, store.SaveAutomationLog(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	logs, err := store.GetAutomationLogs(ctx, models.LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "r2", logs[0].RuleID)
	assert.True(t, logs[0].IsDryRun)
	assert.True(t, logs[0].TriggeredAt.Equal(base.Add(2*time.Minute)))

	ruleID := "r1"
	logs, err = store.GetAutomationLogs(ctx, models.LogFilter{RuleID: &ruleID})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.RuleStatusFailure, logs[0].Status)
	assert.Equal(t, "boom", logs[0].ErrorMessage)
	require.Len(t, logs[0].ExecutionDetails, 1)
	assert.Equal(t, models.ActionSendEmail, logs[0].ExecutionDetails[0].Action)

	logs, err = store.GetAutomationLogs(ctx, models.LogFilter{
		Statuses: []models.RuleStatus{models.RuleStatusSuccess, models.RuleStatusPartial},
	})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	from := base.Add(30 * time.Second)
	logs, err = store.GetAutomationLogs(ctx, models.LogFilter{FromTime: &from, Limit: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "r2", logs[0].RuleID)

	stats, err := store.GetStorageStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalLogs)
	assert.Equal(t, int64(1), stats.LogsByStatus["failure"])
	require.NotNil(t, stats.LatestTriggeredAt)
	assert.True(t, stats.LatestTriggeredAt.Equal(base.Add(2*time.Minute)))
}

func TestSQLiteStorageStats(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRule(ctx, &models.Rule{Name: "a", Trigger: "x", Active: true}))
	require.NoError(t, store.SaveRule(ctx, &models.Rule{Name: "b", Trigger: "x"}))
	_, err := store.CreateRecord(ctx, models.EntityTask, models.Record{"title": "t"})
	require.NoError(t, err)

	stats, err := store.GetStorageStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRules)
	assert.Equal(t, int64(1), stats.ActiveRules)
	assert.Equal(t, int64(1), stats.TotalRecords)
	assert.Equal(t, int64(1), stats.RecordsByEntity[models.EntityTask])
	assert.Greater(t, stats.DatabaseSize, int64(0))
}
