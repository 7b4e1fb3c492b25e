package automation

import (
	"context"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
)

// Message channels the built-in handlers invoke on the Transport.
const (
	ChannelSendEmail    = "sendEmail"
	ChannelSendWhatsApp = "sendWhatsApp"
)

// Domain events the built-in handlers emit.
const (
	EventTaskCreated = "task_created"
	EventTaskUpdated = "task_updated"
)

// RuleStore loads rules. GetRule returns (nil, nil) when the id is unknown.
type RuleStore interface {
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	GetRules(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, error)
}

// RecordStore is the generic entity store the handlers write to.
type RecordStore interface {
	CreateRecord(ctx context.Context, entityType string, fields models.Record) (models.Record, error)
	UpdateRecord(ctx context.Context, entityType, id string, fields models.Record) (models.Record, error)
	FilterRecords(ctx context.Context, entityType string, filter models.RecordFilter) ([]models.Record, error)
}

// AuditStore persists automation logs.
type AuditStore interface {
	SaveAutomationLog(ctx context.Context, log *models.AutomationLog) error
}

// Transport delivers messages over a named channel.
type Transport interface {
	Invoke(ctx context.Context, channel string, params map[string]interface{}) (*models.TransportResponse, error)
}

// EventEmitter publishes best-effort domain events. Implementations may drop
// events; callers ignore the returned error apart from logging it.
type EventEmitter interface {
	Emit(ctx context.Context, name string, data map[string]interface{}) error
}

// Recorder receives execution metrics.
type Recorder interface {
	RecordInvocation(trigger string, rulesMatched int, dryRun bool)
	RecordRuleExecution(trigger string, status models.RuleStatus, dryRun bool)
	RecordActionExecution(actionType models.ActionType, status models.DetailStatus, seconds float64)
	RecordAuditFailure()
}

type nopRecorder struct{}

func (nopRecorder) RecordInvocation(string, int, bool) {}
func (nopRecorder) RecordRuleExecution(string, models.RuleStatus, bool) {}
func (nopRecorder) RecordActionExecution(models.ActionType, models.DetailStatus, float64) {}
func (nopRecorder) RecordAuditFailure() {}
