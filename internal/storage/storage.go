package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// Storage defines the persistence the automation engine needs: rules, the
// generic record store the actions write to, and the audit trail.
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Rule operations
	SaveRule(ctx context.Context, rule *models.Rule) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	GetRules(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, error)
	DeleteRule(ctx context.Context, id string) error

	// Record operations
	CreateRecord(ctx context.Context, entityType string, fields models.Record) (models.Record, error)
	UpdateRecord(ctx context.Context, entityType, id string, fields models.Record) (models.Record, error)
	GetRecord(ctx context.Context, entityType, id string) (models.Record, error)
	FilterRecords(ctx context.Context, entityType string, filter models.RecordFilter) ([]models.Record, error)

	// Automation log operations
	SaveAutomationLog(ctx context.Context, log *models.AutomationLog) error
	GetAutomationLogs(ctx context.Context, filter models.LogFilter) ([]*models.AutomationLog, error)

	// Statistics and monitoring
	GetStorageStats() (*StorageStats, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalRules        int64            `json:"total_rules"`
	ActiveRules       int64            `json:"active_rules"`
	TotalRecords      int64            `json:"total_records"`
	RecordsByEntity   map[string]int64 `json:"records_by_entity"`
	TotalLogs         int64            `json:"total_logs"`
	LogsByStatus      map[string]int64 `json:"logs_by_status"`
	LatestTriggeredAt *time.Time       `json:"latest_triggered_at,omitempty"`
	DatabaseSize      int64            `json:"database_size_bytes"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// bookkeeping fields are columns, never part of a record's data.
var bookkeeping = map[string]bool{"id": true, "created_at": true, "updated_at": true}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func validateField(field string) error {
	if !fieldPattern.MatchString(field) {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid field name", field)
	}
	return nil
}

// splitOrder parses "field" or "-field".
func splitOrder(orderBy string) (field string, desc bool) {
	orderBy = strings.TrimSpace(orderBy)
	if strings.HasPrefix(orderBy, "-") {
		return orderBy[1:], true
	}
	return strings.TrimPrefix(orderBy, "+"), false
}

// orderClause maps an order expression onto a column. Fields not in columns
// are resolved with dataExpr, which returns the SQL for a data field.
func orderClause(orderBy string, columns map[string]string, dataExpr func(string) string) (string, error) {
	if orderBy == "" {
		return "", nil
	}
	field, desc := splitOrder(orderBy)
	expr, ok := columns[field]
	if !ok {
		if dataExpr == nil {
			return "", utils.NewAppError(utils.ErrCodeValidation, "Unsupported order field", field)
		}
		if err := validateField(field); err != nil {
			return "", err
		}
		expr = dataExpr(field)
	}
	direction := "ASC"
	if desc {
		direction = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", expr, direction), nil
}

// splitRecord separates caller-supplied data from bookkeeping fields.
func splitRecord(fields models.Record) (id string, data models.Record) {
	data = make(models.Record, len(fields))
	for k, v := range fields {
		if bookkeeping[k] {
			continue
		}
		data[k] = v
	}
	if s, ok := fields["id"].(string); ok {
		id = s
	}
	return id, data
}

func prepareRule(rule *models.Rule, now time.Time) error {
	if err := rule.Validate(); err != nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid rule", err.Error())
	}
	if rule.ID == "" {
		rule.ID = utils.GenerateID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if rule.Conditions == nil {
		rule.Conditions = map[string]interface{}{}
	}
	if rule.Actions == nil {
		rule.Actions = []models.ActionSpec{}
	}
	return nil
}

var timeNow = time.Now
