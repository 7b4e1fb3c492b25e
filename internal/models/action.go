package models

// ActionType names one kind of action a rule can perform.
type ActionType string

const (
	ActionCreateTask        ActionType = "create_task"
	ActionSendEmail         ActionType = "send_email"
	ActionUpdateTasksStatus ActionType = "update_tasks_status"
	ActionSendWhatsApp      ActionType = "send_whatsapp"
	ActionSendNotification  ActionType = "send_notification"
	ActionSendReminder      ActionType = "send_reminder"
)

// KnownActionTypes lists every action type the engine ships a handler for.
var KnownActionTypes = []ActionType{
	ActionCreateTask,
	ActionSendEmail,
	ActionUpdateTasksStatus,
	ActionSendWhatsApp,
	ActionSendNotification,
	ActionSendReminder,
}

// IsKnown reports whether t is one of KnownActionTypes.
func (t ActionType) IsKnown() bool {
	for _, known := range KnownActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActionSpec is one entry of a rule's action list.
type ActionSpec struct {
	Type   ActionType             `json:"type" yaml:"type"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// ActionResult is what a handler reports for one action.
// Exactly one of a normal outcome, Skipped or DryRun describes it; a thrown
// error never produces a result.
type ActionResult struct {
	Type    ActionType `json:"type"`
	OK      *bool      `json:"ok,omitempty"`
	Skipped bool       `json:"skipped,omitempty"`
	DryRun  bool       `json:"dry_run,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Error   string     `json:"error,omitempty"`

	ID             string `json:"id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`

	To          string `json:"to,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Title       string `json:"title,omitempty"`
	Message     string `json:"message,omitempty"`
	BodyPreview string `json:"body_preview,omitempty"`

	Record                Record            `json:"record,omitempty"`
	Filter                map[string]string `json:"filter,omitempty"`
	FromStatus            string            `json:"from_status,omitempty"`
	ToStatus              string            `json:"to_status,omitempty"`
	AffectedCountEstimate *int              `json:"affected_count_estimate,omitempty"`
	UpdatedCount          *int              `json:"updated_count,omitempty"`
}

// Succeeded builds a normal result with ok set to true.
func Succeeded(t ActionType) *ActionResult {
	ok := true
	return &ActionResult{Type: t, OK: &ok}
}

// Failed builds a non-throwing failure result: ok false plus the error text.
func Failed(t ActionType, message string) *ActionResult {
	ok := false
	return &ActionResult{Type: t, OK: &ok, Error: message}
}

// SkippedResult builds a result for an action whose required input was missing.
func SkippedResult(t ActionType, reason string) *ActionResult {
	return &ActionResult{Type: t, Skipped: true, Reason: reason}
}

// DryRunResult builds an empty preview result.
func DryRunResult(t ActionType) *ActionResult {
	return &ActionResult{Type: t, DryRun: true}
}

// ReportsFailure is true for a normal result that carries ok == false.
func (r *ActionResult) ReportsFailure() bool {
	if r == nil || r.Skipped || r.DryRun {
		return false
	}
	return r.OK != nil && !*r.OK
}

// Skip reasons reported by the built-in handlers.
const (
	ReasonMissingTo        = "missing_to"
	ReasonMissingPhone     = "missing_phone"
	ReasonMissingMessage   = "missing_message"
	ReasonMissingUserEmail = "missing_user_email"
)
