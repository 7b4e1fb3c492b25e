package automation

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// AuditLogger writes one AutomationLog per matched rule. A failed write is
// reported to the operator log and to metrics, never to the caller.
type AuditLogger struct {
	store   AuditStore
	metrics Recorder
	logger  *logrus.Entry
}

// NewAuditLogger creates an audit logger. A nil recorder is replaced by the
// executor's recorder when the logger is handed to NewRuleExecutor.
func NewAuditLogger(store AuditStore, recorder Recorder, logger *logrus.Logger) *AuditLogger {
	return &AuditLogger{
		store:   store,
		metrics: recorder,
		logger:  utils.ComponentLogger(logger, "audit_logger"),
	}
}

// Record persists entry. It returns false only when the store rejected the
// write.
func (a *AuditLogger) Record(ctx context.Context, entry *models.AutomationLog) bool {
	if entry.ID == "" {
		entry.ID = utils.GenerateID()
	}

	logger := a.logger.WithFields(logrus.Fields{
		"log_id":  entry.ID,
		"rule_id": entry.RuleID,
		"status":  entry.Status,
		"dry_run": entry.IsDryRun,
	})

	if a.store == nil {
		logger.Info("Automation log (no audit store configured)")
		return true
	}

	if err := a.store.SaveAutomationLog(ctx, entry); err != nil {
		logger.WithError(err).Error("Failed to write automation log")
		if a.metrics != nil {
			a.metrics.RecordAuditFailure()
		}
		return false
	}

	logger.Debug("Automation log written")
	return true
}
