package storage

import (
	"context"
	"time"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/metrics"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) observe(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// GetRule loads a rule and records metrics
func (s *StorageWithMetrics) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	start := time.Now()
	rule, err := s.Storage.GetRule(ctx, id)
	s.observe("select", "rules", start, err)
	return rule, err
}

// GetRules lists rules and records metrics
func (s *StorageWithMetrics) GetRules(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, error) {
	start := time.Now()
	rules, err := s.Storage.GetRules(ctx, filter)
	s.observe("select", "rules", start, err)
	return rules, err
}

// SaveRule saves a rule and records metrics
func (s *StorageWithMetrics) SaveRule(ctx context.Context, rule *models.Rule) error {
	start := time.Now()
	err := s.Storage.SaveRule(ctx, rule)
	s.observe("upsert", "rules", start, err)
	return err
}

// CreateRecord creates a record and records metrics
func (s *StorageWithMetrics) CreateRecord(ctx context.Context, entityType string, fields models.Record) (models.Record, error) {
	start := time.Now()
	record, err := s.Storage.CreateRecord(ctx, entityType, fields)
	s.observe("insert", "records", start, err)
	return record, err
}

// UpdateRecord updates a record and records metrics
func (s *StorageWithMetrics) UpdateRecord(ctx context.Context, entityType, id string, fields models.Record) (models.Record, error) {
	start := time.Now()
	record, err := s.Storage.UpdateRecord(ctx, entityType, id, fields)
	s.observe("update", "records", start, err)
	return record, err
}

// FilterRecords queries records and records metrics
func (s *StorageWithMetrics) FilterRecords(ctx context.Context, entityType string, filter models.RecordFilter) ([]models.Record, error) {
	start := time.Now()
	records, err := s.Storage.FilterRecords(ctx, entityType, filter)
	s.observe("select", "records", start, err)
	return records, err
}

// SaveAutomationLog saves an automation log and records metrics
func (s *StorageWithMetrics) SaveAutomationLog(ctx context.Context, log *models.AutomationLog) error {
	start := time.Now()
	err := s.Storage.SaveAutomationLog(ctx, log)
	s.observe("insert", "automation_logs", start, err)
	return err
}
