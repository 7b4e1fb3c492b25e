package models

import "time"

// RuleStatus is the aggregated outcome of one matched rule.
type RuleStatus string

const (
	RuleStatusSuccess RuleStatus = "success"
	RuleStatusPartial RuleStatus = "partial"
	RuleStatusFailure RuleStatus = "failure"
)

// DetailStatus is the outcome of one action inside a rule.
type DetailStatus string

const (
	DetailOK      DetailStatus = "ok"
	DetailSkipped DetailStatus = "skipped"
	DetailError   DetailStatus = "error"
)

// ExecutionDetail records what happened to one action.
type ExecutionDetail struct {
	Action ActionType    `json:"action"`
	Status DetailStatus  `json:"status"`
	Result *ActionResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// AutomationLog is the append-only audit record of one matched rule.
type AutomationLog struct {
	ID               string            `json:"id" db:"id"`
	RuleID           string            `json:"rule_id" db:"rule_id"`
	RuleName         string            `json:"rule_name" db:"rule_name"`
	Trigger          string            `json:"trigger" db:"trigger_name"`
	Status           RuleStatus        `json:"status" db:"status"`
	ExecutionDetails []ExecutionDetail `json:"execution_details" db:"execution_details"`
	ErrorMessage     string            `json:"error_message,omitempty" db:"error_message"`
	TriggeredAt      time.Time         `json:"triggered_at" db:"triggered_at"`
	IsDryRun         bool              `json:"is_dry_run" db:"is_dry_run"`
}

// LogFilter selects audit records.
type LogFilter struct {
	RuleID   *string      `json:"rule_id,omitempty"`
	Trigger  *string      `json:"trigger,omitempty"`
	Statuses []RuleStatus `json:"statuses,omitempty"`
	FromTime *time.Time   `json:"from_time,omitempty"`
	ToTime   *time.Time   `json:"to_time,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	Offset   int          `json:"offset,omitempty"`
}
