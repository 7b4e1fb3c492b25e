package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	dir := filepath.Dir(s.config.ConnectionString)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	maxConns := s.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns/2 + 1)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to configure SQLite", err.Error())
		}
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	s.logger.Info("Starting database migrations")
	if err := applyMigrations(s.db, s.migrations, "?", s.logger); err != nil {
		return err
	}
	s.logger.Info("Database migrations completed")
	return nil
}

// SaveRule inserts or replaces a rule
func (s *SQLiteStorage) SaveRule(ctx context.Context, rule *models.Rule) error {
	if err := prepareRule(rule, timeNow()); err != nil {
		return err
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Failed to marshal rule conditions", err.Error())
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Failed to marshal rule actions", err.Error())
	}

	query := `
		INSERT INTO rules (id, name, description, trigger_name, active, conditions, actions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			trigger_name = excluded.trigger_name,
			active = excluded.active,
			conditions = excluded.conditions,
			actions = excluded.actions,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Description, rule.Trigger, rule.Active,
		string(conditions), string(actions), formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save rule", err.Error())
	}

	return nil
}

const sqliteRuleColumns = `id, name, description, trigger_name, active, conditions, actions, created_at, updated_at`

// GetRule retrieves a rule by ID
func (s *SQLiteStorage) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteRuleColumns+" FROM rules WHERE id = ?", id)

	rule, err := scanSQLiteRule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rule", err.Error())
	}
	return rule, nil
}

// GetRules retrieves rules based on filter
func (s *SQLiteStorage) GetRules(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, error) {
	query := "SELECT " + sqliteRuleColumns + " FROM rules WHERE 1=1"
	args := []interface{}{}

	if filter.Trigger != nil {
		query += " AND trigger_name = ?"
		args = append(args, *filter.Trigger)
	}
	if filter.Active != nil {
		query += " AND active = ?"
		args = append(args, *filter.Active)
	}

	orderBy := filter.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	order, err := orderClause(orderBy, ruleOrderColumns, nil)
	if err != nil {
		return nil, err
	}
	query += order + ", rowid ASC"
	query += sqliteLimit(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query rules", err.Error())
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		rule, err := scanSQLiteRule(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan rule", err.Error())
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule deletes a rule
func (s *SQLiteStorage) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete rule", err.Error())
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "Rule not found", id)
	}
	return nil
}

// CreateRecord stores a new record of the given entity type
func (s *SQLiteStorage) CreateRecord(ctx context.Context, entityType string, fields models.Record) (models.Record, error) {
	if entityType == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Entity type is required", "")
	}

	id, data := splitRecord(fields)
	if id == "" {
		id = utils.GenerateID()
	}
	now := timeNow().UTC()

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to marshal record data", err.Error())
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records (id, entity_type, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, entityType, string(dataJSON), formatTime(now), formatTime(now))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to create record", err.Error())
	}

	stored := &models.StoredRecord{ID: id, EntityType: entityType, Data: data, CreatedAt: now, UpdatedAt: now}
	return stored.Flatten(), nil
}

// UpdateRecord merges fields into an existing record
func (s *SQLiteStorage) UpdateRecord(ctx context.Context, entityType, id string, fields models.Record) (models.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT id, data, created_at, updated_at FROM records WHERE entity_type = ? AND id = ?",
		entityType, id)
	stored, err := scanSQLiteRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, utils.NewAppError(utils.ErrCodeNotFound, "Record not found", fmt.Sprintf("%s/%s", entityType, id))
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load record", err.Error())
	}
	stored.EntityType = entityType

	_, changes := splitRecord(fields)
	for k, v := range changes {
		stored.Data[k] = v
	}
	stored.UpdatedAt = timeNow().UTC()

	dataJSON, err := json.Marshal(stored.Data)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to marshal record data", err.Error())
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE records SET data = ?, updated_at = ? WHERE entity_type = ? AND id = ?",
		string(dataJSON), formatTime(stored.UpdatedAt), entityType, id); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to update record", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit transaction", err.Error())
	}

	return stored.Flatten(), nil
}

// GetRecord retrieves one record, or nil when it does not exist
func (s *SQLiteStorage) GetRecord(ctx context.Context, entityType, id string) (models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, data, created_at, updated_at FROM records WHERE entity_type = ? AND id = ?",
		entityType, id)
	stored, err := scanSQLiteRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get record", err.Error())
	}
	stored.EntityType = entityType
	return stored.Flatten(), nil
}

// FilterRecords returns records whose data fields equal every value in filter.Where
func (s *SQLiteStorage) FilterRecords(ctx context.Context, entityType string, filter models.RecordFilter) ([]models.Record, error) {
	query := "SELECT id, data, created_at, updated_at FROM records WHERE entity_type = ?"
	args := []interface{}{entityType}

	keys := make([]string, 0, len(filter.Where))
	for k := range filter.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		if err := validateField(field); err != nil {
			return nil, err
		}
		expr := sqliteDataField(field)
		if bookkeeping[field] {
			expr = field
		}
		switch v := filter.Where[field].(type) {
		case nil:
			query += fmt.Sprintf(" AND %s IS NULL", expr)
		case string, bool, int, int32, int64, float32, float64:
			query += fmt.Sprintf(" AND %s = ?", expr)
			args = append(args, v)
		default:
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Unsupported filter value", field)
		}
	}

	orderBy := filter.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	order, err := orderClause(orderBy, recordOrderColumns, sqliteDataField)
	if err != nil {
		return nil, err
	}
	query += order + ", rowid ASC"
	query += sqliteLimit(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query records", err.Error())
	}
	defer rows.Close()

	records := []models.Record{}
	for rows.Next() {
		stored, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan record", err.Error())
		}
		stored.EntityType = entityType
		records = append(records, stored.Flatten())
	}

	return records, rows.Err()
}

// SaveAutomationLog appends an automation log
func (s *SQLiteStorage) SaveAutomationLog(ctx context.Context, log *models.AutomationLog) error {
	if log.ID == "" {
		log.ID = utils.GenerateID()
	}
	details, err := json.Marshal(log.ExecutionDetails)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Failed to marshal execution details", err.Error())
	}

	query := `
		INSERT INTO automation_logs
		(id, rule_id, rule_name, trigger_name, status, execution_details, error_message, triggered_at, is_dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		log.ID, log.RuleID, log.RuleName, log.Trigger, string(log.Status),
		string(details), log.ErrorMessage, formatTime(log.TriggeredAt), log.IsDryRun)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save automation log", err.Error())
	}
	return nil
}

// GetAutomationLogs retrieves automation logs, newest first
func (s *SQLiteStorage) GetAutomationLogs(ctx context.Context, filter models.LogFilter) ([]*models.AutomationLog, error) {
	query := `
		SELECT id, rule_id, rule_name, trigger_name, status, execution_details, error_message, triggered_at, is_dry_run
		FROM automation_logs WHERE 1=1
	`
	args := []interface{}{}

	if filter.RuleID != nil {
		query += " AND rule_id = ?"
		args = append(args, *filter.RuleID)
	}
	if filter.Trigger != nil {
		query += " AND trigger_name = ?"
		args = append(args, *filter.Trigger)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.FromTime != nil {
		query += " AND triggered_at >= ?"
		args = append(args, formatTime(*filter.FromTime))
	}
	if filter.ToTime != nil {
		query += " AND triggered_at <= ?"
		args = append(args, formatTime(*filter.ToTime))
	}

	query += " ORDER BY triggered_at DESC, rowid DESC"
	query += sqliteLimit(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query automation logs", err.Error())
	}
	defer rows.Close()

	logs := []*models.AutomationLog{}
	for rows.Next() {
		var log models.AutomationLog
		var status, details, triggeredAt string

		if err := rows.Scan(&log.ID, &log.RuleID, &log.RuleName, &log.Trigger, &status,
			&details, &log.ErrorMessage, &triggeredAt, &log.IsDryRun); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan automation log", err.Error())
		}
		log.Status = models.RuleStatus(status)
		if err := json.Unmarshal([]byte(details), &log.ExecutionDetails); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to unmarshal execution details", err.Error())
		}
		if log.TriggeredAt, err = parseTime(triggeredAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to parse log timestamp", err.Error())
		}
		logs = append(logs, &log)
	}

	return logs, rows.Err()
}

// GetStorageStats returns storage statistics
func (s *SQLiteStorage) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{
		RecordsByEntity: make(map[string]int64),
		LogsByStatus:    make(map[string]int64),
	}

	if err := s.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(CASE WHEN active THEN 1 ELSE 0 END), 0) FROM rules").
		Scan(&stats.TotalRules, &stats.ActiveRules); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count rules", err.Error())
	}

	if err := countGrouped(s.db, "SELECT entity_type, COUNT(*) FROM records GROUP BY entity_type", stats.RecordsByEntity, &stats.TotalRecords); err != nil {
		return nil, err
	}
	if err := countGrouped(s.db, "SELECT status, COUNT(*) FROM automation_logs GROUP BY status", stats.LogsByStatus, &stats.TotalLogs); err != nil {
		return nil, err
	}

	var latest sql.NullString
	if err := s.db.QueryRow("SELECT MAX(triggered_at) FROM automation_logs").Scan(&latest); err == nil && latest.Valid {
		if t, err := parseTime(latest.String); err == nil {
			stats.LatestTriggeredAt = &t
		}
	}

	if err := s.db.QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&stats.DatabaseSize); err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

var ruleOrderColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"name":       "name",
}

var recordOrderColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"id":         "id",
}

func sqliteDataField(field string) string {
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

func sqliteLimit(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteRule(row rowScanner) (*models.Rule, error) {
	var rule models.Rule
	var conditions, actions, createdAt, updatedAt string

	if err := row.Scan(&rule.ID, &rule.Name, &rule.Description, &rule.Trigger, &rule.Active,
		&conditions, &actions, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := decodeRuleJSON(&rule, []byte(conditions), []byte(actions)); err != nil {
		return nil, err
	}

	var err error
	if rule.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rule, nil
}

func scanSQLiteRecord(row rowScanner) (*models.StoredRecord, error) {
	var stored models.StoredRecord
	var data, createdAt, updatedAt string

	if err := row.Scan(&stored.ID, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &stored.Data); err != nil {
		return nil, err
	}
	if stored.Data == nil {
		stored.Data = models.Record{}
	}

	var err error
	if stored.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if stored.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &stored, nil
}

func decodeRuleJSON(rule *models.Rule, conditions, actions []byte) error {
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return fmt.Errorf("decode conditions: %w", err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return fmt.Errorf("decode actions: %w", err)
	}
	if rule.Conditions == nil {
		rule.Conditions = map[string]interface{}{}
	}
	return nil
}

func countGrouped(db *sql.DB, query string, into map[string]int64, total *int64) error {
	rows, err := db.Query(query)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to compute statistics", err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan statistics", err.Error())
		}
		into[key] = count
		*total += count
	}
	return rows.Err()
}
