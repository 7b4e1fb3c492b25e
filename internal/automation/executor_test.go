package automation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

type executorFixture struct {
	rules     *memoryRuleStore
	audit     *memoryAuditStore
	records   *MockRecordStore
	transport *MockTransport
	recorder  *countingRecorder
	executor  *RuleExecutor
}

func newExecutorFixture(rules ...*models.Rule) *executorFixture {
	f := &executorFixture{
		rules:     &memoryRuleStore{rules: rules},
		audit:     &memoryAuditStore{},
		records:   &MockRecordStore{},
		transport: &MockTransport{},
		recorder:  &countingRecorder{},
	}
	logger := utils.NewTestLogger()
	f.executor = NewRuleExecutor(
		f.rules,
		newTestEnv(f.records, f.transport),
		NewAuditLogger(f.audit, nil, logger),
		nil,
		WithRecorder(f.recorder),
		WithLogger(logger),
	)
	return f
}

func notifyRule(conditions map[string]interface{}) *models.Rule {
	return &models.Rule{
		ID:         "rule-1",
		Name:       "Notify on new task",
		Trigger:    "task_created",
		Active:     true,
		Conditions: conditions,
		Actions: []models.ActionSpec{{
			Type:   models.ActionSendNotification,
			Params: map[string]interface{}{"user_email": "a@x.com", "title": "New"},
		}},
	}
}

func TestExecuteCreatesNotification(t *testing.T) {
	f := newExecutorFixture(notifyRule(map[string]interface{}{}))
	f.records.On("CreateRecord", mock.Anything, models.EntityNotification, mock.MatchedBy(func(r models.Record) bool {
		return r["user_email"] == "a@x.com" && r["title"] == "New"
	})).Return(models.Record{"id": "n-1"}, nil).Once()

	resp, err := f.executor.Execute(context.Background(), Invocation{
		Event:   "task_created",
		Payload: testDoc(map[string]interface{}{"client_name": "Acme"}),
	})
	require.NoError(t, err)

	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Executed, 1)
	assert.Equal(t, models.DetailOK, resp.Executed[0].Status)
	assert.Equal(t, "n-1", resp.Executed[0].Result.ID)

	require.Len(t, f.audit.logs, 1)
	log := f.audit.logs[0]
	assert.Equal(t, models.RuleStatusSuccess, log.Status)
	assert.Equal(t, "rule-1", log.RuleID)
	assert.Equal(t, "task_created", log.Trigger)
	assert.False(t, log.IsDryRun)
	assert.NotEmpty(t, log.ID)
	assert.False(t, log.TriggeredAt.IsZero())
	f.records.AssertExpectations(t)
}

func TestExecuteDryRun(t *testing.T) {
	f := newExecutorFixture(notifyRule(map[string]interface{}{}))

	resp, err := f.executor.Execute(context.Background(), Invocation{
		Event:   "task_created",
		Payload: testDoc(map[string]interface{}{"client_name": "Acme"}),
		DryRun:  true,
	})
	require.NoError(t, err)

	require.Len(t, resp.Executed, 1)
	result := resp.Executed[0].Result
	assert.True(t, result.DryRun)
	assert.Equal(t, "a@x.com", result.To)
	assert.Equal(t, "New", result.Title)
	f.records.AssertNotCalled(t, "CreateRecord", mock.Anything, mock.Anything, mock.Anything)

	require.Len(t, f.audit.logs, 1)
	assert.True(t, f.audit.logs[0].IsDryRun)
	assert.Equal(t, models.RuleStatusSuccess, f.audit.logs[0].Status)
}

func TestExecuteSkipsRuleWhenConditionsFail(t *testing.T) {
	f := newExecutorFixture(notifyRule(map[string]interface{}{"client_name": "Acme"}))

	resp, err := f.executor.Execute(context.Background(), Invocation{
		Event:   "task_created",
		Payload: testDoc(map[string]interface{}{"client_name": "Other"}),
	})
	require.NoError(t, err)

	assert.True(t, resp.OK)
	assert.Equal(t, 0, resp.Count)
	assert.Empty(t, resp.Executed)
	assert.Empty(t, f.audit.logs)
	f.records.AssertNotCalled(t, "CreateRecord", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteSkippedActionKeepsSuccess(t *testing.T) {
	rule := &models.Rule{
		ID: "rule-2", Name: "Email client", Trigger: "client_created", Active: true,
		Actions: []models.ActionSpec{{Type: models.ActionSendEmail, Params: map[string]interface{}{"subject": "Welcome"}}},
	}
	f := newExecutorFixture(rule)

	resp, err := f.executor.Execute(context.Background(), Invocation{
		Event:   "client_created",
		Payload: testDoc(map[string]interface{}{"name": "Acme"}),
	})
	require.NoError(t, err)

	require.Len(t, resp.Executed, 1)
	assert.Equal(t, models.DetailSkipped, resp.Executed[0].Status)
	assert.True(t, resp.Executed[0].Result.Skipped)
	assert.Equal(t, models.ReasonMissingTo, resp.Executed[0].Result.Reason)
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, models.RuleStatusSuccess, f.audit.logs[0].Status)
}

func TestExecuteTransportFailure(t *testing.T) {
	rule := &models.Rule{
		ID: "rule-3", Name: "WhatsApp client", Trigger: "task_created", Active: true,
		Actions: []models.ActionSpec{{
			Type:   models.ActionSendWhatsApp,
			Params: map[string]interface{}{"phone": "+15550001", "message": "Hi"},
		}},
	}
	f := newExecutorFixture(rule)
	f.transport.On("Invoke", mock.Anything, ChannelSendWhatsApp, mock.Anything).Return(nil, errors.New("gateway timeout"))

	resp, err := f.executor.Execute(context.Background(), Invocation{Event: "task_created"})
	require.NoError(t, err)

	assert.True(t, resp.OK)
	require.Len(t, resp.Executed, 1)
	detail := resp.Executed[0]
	assert.Equal(t, models.ActionSendWhatsApp, detail.Action)
	assert.Equal(t, models.DetailError, detail.Status)
	assert.Contains(t, detail.Error, "gateway timeout")
	assert.Nil(t, detail.Result)

	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, models.RuleStatusFailure, f.audit.logs[0].Status)
	assert.Equal(t, detail.Error, f.audit.logs[0].ErrorMessage)
}

func TestExecuteContinuesAfterFailingAction(t *testing.T) {
	rule := &models.Rule{
		ID: "rule-4", Name: "Email then notify", Trigger: "task_created", Active: true,
		Actions: []models.ActionSpec{
			{Type: models.ActionSendEmail, Params: map[string]interface{}{"to": "a@x.com"}},
			{Type: models.ActionSendNotification, Params: map[string]interface{}{"user_email": "a@x.com"}},
		},
	}
	f := newExecutorFixture(rule)
	f.transport.On("Invoke", mock.Anything, ChannelSendEmail, mock.Anything).Return(nil, errors.New("smtp down"))
	f.records.On("CreateRecord", mock.Anything, models.EntityNotification, mock.Anything).Return(models.Record{"id": "n-2"}, nil)

	resp, err := f.executor.Execute(context.Background(), Invocation{Event: "task_created"})
	require.NoError(t, err)

	require.Len(t, resp.Executed, 2)
	assert.Equal(t, models.DetailError, resp.Executed[0].Status)
	assert.Equal(t, models.DetailOK, resp.Executed[1].Status)
	assert.Equal(t, "n-2", resp.Executed[1].Result.ID)
	assert.Equal(t, models.RuleStatusFailure, f.audit.logs[0].Status)
}

func TestExecuteStatusAggregation(t *testing.T) {
	whatsappFails := models.ActionSpec{Type: models.ActionSendWhatsApp, Params: map[string]interface{}{"phone": "+1", "message": "x"}}
	emailThrows := models.ActionSpec{Type: models.ActionSendEmail, Params: map[string]interface{}{"to": "a@x.com"}}

	tests := []struct {
		name    string
		actions []models.ActionSpec
		want    models.RuleStatus
	}{
		{"ok false gives partial", []models.ActionSpec{whatsappFails}, models.RuleStatusPartial},
		{"later error overrides partial", []models.ActionSpec{whatsappFails, emailThrows}, models.RuleStatusFailure},
		{"later ok false keeps failure", []models.ActionSpec{emailThrows, whatsappFails}, models.RuleStatusFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecutorFixture(&models.Rule{ID: "r", Name: "r", Trigger: "e", Active: true, Actions: tt.actions})
			f.transport.On("Invoke", mock.Anything, ChannelSendWhatsApp, mock.Anything).
				Return(&models.TransportResponse{Error: "rejected"}, nil)
			f.transport.On("Invoke", mock.Anything, ChannelSendEmail, mock.Anything).
				Return(nil, errors.New("smtp down"))

			resp, err := f.executor.Execute(context.Background(), Invocation{Event: "e"})
			require.NoError(t, err)
			assert.Len(t, resp.Executed, len(tt.actions))
			require.Len(t, f.audit.logs, 1)
			assert.Equal(t, tt.want, f.audit.logs[0].Status)
		})
	}
}

func TestExecuteIgnoresUnknownActionTypes(t *testing.T) {
	rule := &models.Rule{
		ID: "rule-5", Name: "Mixed", Trigger: "e", Active: true,
		Actions: []models.ActionSpec{
			{Type: "send_fax", Params: map[string]interface{}{"number": "123"}},
			{Type: models.ActionSendNotification, Params: map[string]interface{}{"user_email": "a@x.com"}},
		},
	}
	f := newExecutorFixture(rule)
	f.records.On("CreateRecord", mock.Anything, models.EntityNotification, mock.Anything).Return(models.Record{"id": "n-3"}, nil)

	resp, err := f.executor.Execute(context.Background(), Invocation{Event: "e"})
	require.NoError(t, err)

	require.Len(t, resp.Executed, 1)
	assert.Equal(t, models.ActionSendNotification, resp.Executed[0].Action)
	assert.Equal(t, models.RuleStatusSuccess, f.audit.logs[0].Status)
	assert.Len(t, f.audit.logs[0].ExecutionDetails, 1)
}

func TestExecuteRecoversFromPanickingHandler(t *testing.T) {
	rule := &models.Rule{
		ID: "rule-6", Name: "Panics", Trigger: "e", Active: true,
		Actions: []models.ActionSpec{
			{Type: "explode"},
			{Type: models.ActionSendNotification, Params: map[string]interface{}{"user_email": "a@x.com"}},
		},
	}
	f := newExecutorFixture(rule)
	f.executor.Registry().Register(&panicHandler{kind: "explode"})
	f.records.On("CreateRecord", mock.Anything, models.EntityNotification, mock.Anything).Return(models.Record{"id": "n-4"}, nil)

	resp, err := f.executor.Execute(context.Background(), Invocation{Event: "e"})
	require.NoError(t, err)

	require.Len(t, resp.Executed, 2)
	assert.Equal(t, models.DetailError, resp.Executed[0].Status)
	assert.Contains(t, resp.Executed[0].Error, "panicked")
	assert.Equal(t, models.DetailOK, resp.Executed[1].Status)
}

func TestExecuteExposesEarlierResultsToTemplates(t *testing.T) {
	rule := &models.Rule{
		ID: "rule-7", Name: "Task then notify", Trigger: "client_created", Active: true,
		Actions: []models.ActionSpec{
			{Type: models.ActionCreateTask, Params: map[string]interface{}{"title": "Onboard {{name}}"}},
			{Type: models.ActionSendNotification, Params: map[string]interface{}{
				"user_email": "owner@x.com",
				"title":      "Task {{_actions.0.id}} created",
				"related_id": "{{_actions.0.id}}",
			}},
		},
	}
	f := newExecutorFixture(rule)
	f.records.On("CreateRecord", mock.Anything, models.EntityTask, mock.Anything).Return(models.Record{"id": "task-42"}, nil)
	f.records.On("CreateRecord", mock.Anything, models.EntityNotification, mock.MatchedBy(func(r models.Record) bool {
		return r["title"] == "Task task-42 created" && r["related_id"] == "task-42"
	})).Return(models.Record{"id": "n-5"}, nil)

	resp, err := f.executor.Execute(context.Background(), Invocation{
		Event:   "client_created",
		Payload: testDoc(map[string]interface{}{"name": "Acme"}),
	})
	require.NoError(t, err)
	require.Len(t, resp.Executed, 2)
	assert.Equal(t, "n-5", resp.Executed[1].Result.ID)
	f.records.AssertExpectations(t)
}

func TestExecuteKeepsPayloadWhenResultsCannotBeExposed(t *testing.T) {
	tests := []struct {
		name    string
		payload interface{}
		email   string
		title   string
		want    string
	}{
		{
			name:    "caller owns _actions",
			payload: map[string]interface{}{"_actions": "mine", "email": "a@x.com"},
			email:   "{{email}}",
			title:   "{{_actions}}",
			want:    "mine",
		},
		{
			name:    "array payload",
			payload: []interface{}{map[string]interface{}{"email": "a@x.com"}},
			email:   "{{0.email}}",
			title:   "first {{0.email}}",
			want:    "first a@x.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &models.Rule{
				ID: "rule-8", Name: "Task then notify", Trigger: "client_created", Active: true,
				Actions: []models.ActionSpec{
					{Type: models.ActionCreateTask, Params: map[string]interface{}{"title": "Onboard"}},
					{Type: models.ActionSendNotification, Params: map[string]interface{}{
						"user_email": tt.email,
						"title":      tt.title,
					}},
				},
			}
			f := newExecutorFixture(rule)
			f.records.On("CreateRecord", mock.Anything, models.EntityTask, mock.Anything).Return(models.Record{"id": "task-42"}, nil)
			f.records.On("CreateRecord", mock.Anything, models.EntityNotification, mock.MatchedBy(func(r models.Record) bool {
				return r["user_email"] == "a@x.com" && r["title"] == tt.want
			})).Return(models.Record{"id": "n-5"}, nil)

			resp, err := f.executor.Execute(context.Background(), Invocation{
				Event:   "client_created",
				Payload: testDoc(tt.payload),
			})
			require.NoError(t, err)
			require.Len(t, resp.Executed, 2)
			assert.Equal(t, models.DetailOK, resp.Executed[1].Status)
			f.records.AssertExpectations(t)
		})
	}
}

func TestExecuteRuleSelection(t *testing.T) {
	inactive := notifyRule(nil)
	inactive.ID = "inactive"
	inactive.Active = false
	other := notifyRule(nil)
	other.ID = "other-trigger"
	other.Trigger = "project_created"

	t.Run("trigger query uses active filter and limit", func(t *testing.T) {
		f := newExecutorFixture(inactive, other)
		resp, err := f.executor.Execute(context.Background(), Invocation{Event: "task_created", DryRun: true})
		require.NoError(t, err)
		assert.Empty(t, resp.Executed)

		require.NotNil(t, f.rules.lastFilter.Trigger)
		assert.Equal(t, "task_created", *f.rules.lastFilter.Trigger)
		require.NotNil(t, f.rules.lastFilter.Active)
		assert.True(t, *f.rules.lastFilter.Active)
		assert.Equal(t, 200, f.rules.lastFilter.Limit)
	})

	t.Run("specific rule runs even when inactive", func(t *testing.T) {
		f := newExecutorFixture(inactive, other)
		resp, err := f.executor.Execute(context.Background(), Invocation{
			Event:          "task_created",
			SpecificRuleID: "inactive",
			DryRun:         true,
		})
		require.NoError(t, err)
		assert.Len(t, resp.Executed, 1)
	})

	t.Run("unknown specific rule yields empty summary", func(t *testing.T) {
		f := newExecutorFixture(inactive)
		resp, err := f.executor.Execute(context.Background(), Invocation{SpecificRuleID: "nope"})
		require.NoError(t, err)
		assert.True(t, resp.OK)
		assert.Equal(t, 0, resp.Count)
	})

	t.Run("store failure is returned", func(t *testing.T) {
		f := newExecutorFixture()
		f.rules.err = errors.New("connection refused")
		resp, err := f.executor.Execute(context.Background(), Invocation{Event: "task_created"})
		assert.Nil(t, resp)
		require.Error(t, err)
		assert.Equal(t, utils.ErrCodeDatabase, utils.ErrorCode(err))
	})
}

func TestExecuteSwallowsAuditFailures(t *testing.T) {
	f := newExecutorFixture(notifyRule(nil))
	f.audit.err = errors.New("audit table locked")

	resp, err := f.executor.Execute(context.Background(), Invocation{Event: "task_created", DryRun: true})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Len(t, resp.Executed, 1)
	assert.Equal(t, 1, f.recorder.auditFailures)
	assert.Equal(t, uint64(1), f.executor.GetStats().AuditFailures)
}

func TestExecuteRunsEveryMatchingRule(t *testing.T) {
	first := notifyRule(nil)
	second := notifyRule(map[string]interface{}{"priority": "high"})
	second.ID = "rule-high"
	f := newExecutorFixture(first, second)

	resp, err := f.executor.Execute(context.Background(), Invocation{
		Event:   "task_created",
		Payload: testDoc(map[string]interface{}{"priority": "high"}),
		DryRun:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Count)
	assert.Len(t, f.audit.logs, 2)
	assert.Equal(t, []models.RuleStatus{models.RuleStatusSuccess, models.RuleStatusSuccess}, f.recorder.ruleStatuses)

	stats := f.executor.GetStats()
	assert.Equal(t, uint64(1), stats.Invocations)
	assert.Equal(t, uint64(2), stats.RulesMatched)
	assert.Equal(t, uint64(2), stats.ActionsExecuted)
}
