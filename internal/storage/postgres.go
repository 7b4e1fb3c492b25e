package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetPostgresMigrations(),
	}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxLifetime(p.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")

	return nil
}

// Close closes the database connection
func (p *PostgreSQLStorage) Close() error {
	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgreSQLStorage) Ping() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return p.db.Ping()
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	p.logger.Info("Starting database migrations")
	if err := applyMigrations(p.db, p.migrations, "$1", p.logger); err != nil {
		return err
	}
	p.logger.Info("Database migrations completed")
	return nil
}

// SaveRule inserts or replaces a rule
func (p *PostgreSQLStorage) SaveRule(ctx context.Context, rule *models.Rule) error {
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
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger_name = EXCLUDED.trigger_name,
			active = EXCLUDED.active,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Description, rule.Trigger, rule.Active,
		string(conditions), string(actions), rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save rule", err.Error())
	}
	return nil
}

const postgresRuleColumns = `id, name, description, trigger_name, active, conditions, actions, created_at, updated_at`

// GetRule retrieves a rule by ID
func (p *PostgreSQLStorage) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+postgresRuleColumns+" FROM rules WHERE id = $1", id)
	rule, err := scanPostgresRule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rule", err.Error())
	}
	return rule, nil
}

// GetRules retrieves rules based on filter
func (p *PostgreSQLStorage) GetRules(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, error) {
	query := "SELECT " + postgresRuleColumns + " FROM rules WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if filter.Trigger != nil {
		query += fmt.Sprintf(" AND trigger_name = $%d", argIndex)
		args = append(args, *filter.Trigger)
		argIndex++
	}
	if filter.Active != nil {
		query += fmt.Sprintf(" AND active = $%d", argIndex)
		args = append(args, *filter.Active)
		argIndex++
	}

	orderBy := filter.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	order, err := orderClause(orderBy, ruleOrderColumns, nil)
	if err != nil {
		return nil, err
	}
	query += order + ", id ASC"
	query += postgresLimit(filter.Limit, filter.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query rules", err.Error())
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		rule, err := scanPostgresRule(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan rule", err.Error())
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteRule deletes a rule
func (p *PostgreSQLStorage) DeleteRule(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM rules WHERE id = $1", id)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete rule", err.Error())
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "Rule not found", id)
	}
	return nil
}

// CreateRecord stores a new record of the given entity type
func (p *PostgreSQLStorage) CreateRecord(ctx context.Context, entityType string, fields models.Record) (models.Record, error) {
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

	_, err = p.db.ExecContext(ctx,
		"INSERT INTO records (id, entity_type, data, created_at, updated_at) VALUES ($1, $2, $3::jsonb, $4, $5)",
		id, entityType, string(dataJSON), now, now)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to create record", err.Error())
	}

	stored := &models.StoredRecord{ID: id, EntityType: entityType, Data: data, CreatedAt: now, UpdatedAt: now}
	return stored.Flatten(), nil
}

// UpdateRecord merges fields into an existing record with a jsonb concatenation
func (p *PostgreSQLStorage) UpdateRecord(ctx context.Context, entityType, id string, fields models.Record) (models.Record, error) {
	_, changes := splitRecord(fields)
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to marshal record data", err.Error())
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE records SET data = data || $1::jsonb, updated_at = $2
		WHERE entity_type = $3 AND id = $4
		RETURNING id, data, created_at, updated_at
	`, string(changesJSON), timeNow().UTC(), entityType, id)

	stored, err := scanPostgresRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, utils.NewAppError(utils.ErrCodeNotFound, "Record not found", fmt.Sprintf("%s/%s", entityType, id))
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to update record", err.Error())
	}
	stored.EntityType = entityType
	return stored.Flatten(), nil
}

// GetRecord retrieves one record, or nil when it does not exist
func (p *PostgreSQLStorage) GetRecord(ctx context.Context, entityType, id string) (models.Record, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT id, data, created_at, updated_at FROM records WHERE entity_type = $1 AND id = $2",
		entityType, id)
	stored, err := scanPostgresRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get record", err.Error())
	}
	stored.EntityType = entityType
	return stored.Flatten(), nil
}

// FilterRecords returns records whose data contains every value in filter.Where
func (p *PostgreSQLStorage) FilterRecords(ctx context.Context, entityType string, filter models.RecordFilter) ([]models.Record, error) {
	query := "SELECT id, data, created_at, updated_at FROM records WHERE entity_type = $1"
	args := []interface{}{entityType}

	contains := make(models.Record, len(filter.Where))
	for field, value := range filter.Where {
		if err := validateField(field); err != nil {
			return nil, err
		}
		if bookkeeping[field] {
			args = append(args, value)
			query += fmt.Sprintf(" AND %s = $%d", field, len(args))
			continue
		}
		contains[field] = value
	}
	if len(contains) > 0 {
		containsJSON, err := json.Marshal(contains)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to marshal filter", err.Error())
		}
		args = append(args, string(containsJSON))
		query += fmt.Sprintf(" AND data @> $%d::jsonb", len(args))
	}

	orderBy := filter.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	order, err := orderClause(orderBy, recordOrderColumns, postgresDataField)
	if err != nil {
		return nil, err
	}
	query += order + ", id ASC"
	query += postgresLimit(filter.Limit, 0)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query records", err.Error())
	}
	defer rows.Close()

	records := []models.Record{}
	for rows.Next() {
		stored, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan record", err.Error())
		}
		stored.EntityType = entityType
		records = append(records, stored.Flatten())
	}
	return records, rows.Err()
}

// SaveAutomationLog appends an automation log
func (p *PostgreSQLStorage) SaveAutomationLog(ctx context.Context, log *models.AutomationLog) error {
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
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
	`
	_, err = p.db.ExecContext(ctx, query,
		log.ID, log.RuleID, log.RuleName, log.Trigger, string(log.Status),
		string(details), log.ErrorMessage, log.TriggeredAt.UTC(), log.IsDryRun)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save automation log", err.Error())
	}
	return nil
}

// GetAutomationLogs retrieves automation logs, newest first
func (p *PostgreSQLStorage) GetAutomationLogs(ctx context.Context, filter models.LogFilter) ([]*models.AutomationLog, error) {
	query := `
		SELECT id, rule_id, rule_name, trigger_name, status, execution_details, error_message, triggered_at, is_dry_run
		FROM automation_logs WHERE 1=1
	`
	args := []interface{}{}
	argIndex := 1

	if filter.RuleID != nil {
		query += fmt.Sprintf(" AND rule_id = $%d", argIndex)
		args = append(args, *filter.RuleID)
		argIndex++
	}
	if filter.Trigger != nil {
		query += fmt.Sprintf(" AND trigger_name = $%d", argIndex)
		args = append(args, *filter.Trigger)
		argIndex++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIndex)
		args = append(args, pq.Array(statuses))
		argIndex++
	}
	if filter.FromTime != nil {
		query += fmt.Sprintf(" AND triggered_at >= $%d", argIndex)
		args = append(args, *filter.FromTime)
		argIndex++
	}
	if filter.ToTime != nil {
		query += fmt.Sprintf(" AND triggered_at <= $%d", argIndex)
		args = append(args, *filter.ToTime)
		argIndex++
	}

	query += " ORDER BY triggered_at DESC, id DESC"
	query += postgresLimit(filter.Limit, filter.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query automation logs", err.Error())
	}
	defer rows.Close()

	logs := []*models.AutomationLog{}
	for rows.Next() {
		var log models.AutomationLog
		var status string
		var details []byte

		if err := rows.Scan(&log.ID, &log.RuleID, &log.RuleName, &log.Trigger, &status,
			&details, &log.ErrorMessage, &log.TriggeredAt, &log.IsDryRun); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan automation log", err.Error())
		}
		log.Status = models.RuleStatus(status)
		if err := json.Unmarshal(details, &log.ExecutionDetails); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to unmarshal execution details", err.Error())
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// GetStorageStats returns storage statistics
func (p *PostgreSQLStorage) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{
		RecordsByEntity: make(map[string]int64),
		LogsByStatus:    make(map[string]int64),
	}

	if err := p.db.QueryRow("SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM rules").
		Scan(&stats.TotalRules, &stats.ActiveRules); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count rules", err.Error())
	}
	if err := countGrouped(p.db, "SELECT entity_type, COUNT(*) FROM records GROUP BY entity_type", stats.RecordsByEntity, &stats.TotalRecords); err != nil {
		return nil, err
	}
	if err := countGrouped(p.db, "SELECT status, COUNT(*) FROM automation_logs GROUP BY status", stats.LogsByStatus, &stats.TotalLogs); err != nil {
		return nil, err
	}

	var latest sql.NullTime
	if err := p.db.QueryRow("SELECT MAX(triggered_at) FROM automation_logs").Scan(&latest); err == nil && latest.Valid {
		t := latest.Time
		stats.LatestTriggeredAt = &t
	}

	if err := p.db.QueryRow("SELECT pg_database_size(current_database())").Scan(&stats.DatabaseSize); err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

func postgresDataField(field string) string {
	return fmt.Sprintf("data->>'%s'", field)
}

func postgresLimit(limit, offset int) string {
	query := ""
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}
	return query
}

func scanPostgresRule(row rowScanner) (*models.Rule, error) {
	var rule models.Rule
	var conditions, actions []byte
	var createdAt, updatedAt time.Time

	if err := row.Scan(&rule.ID, &rule.Name, &rule.Description, &rule.Trigger, &rule.Active,
		&conditions, &actions, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := decodeRuleJSON(&rule, conditions, actions); err != nil {
		return nil, err
	}
	rule.CreatedAt = createdAt.UTC()
	rule.UpdatedAt = updatedAt.UTC()
	return &rule, nil
}

func scanPostgresRecord(row rowScanner) (*models.StoredRecord, error) {
	var stored models.StoredRecord
	var data []byte

	if err := row.Scan(&stored.ID, &data, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &stored.Data); err != nil {
		return nil, err
	}
	if stored.Data == nil {
		stored.Data = models.Record{}
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	return &stored, nil
}
