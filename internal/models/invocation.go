package models

import "encoding/json"

// ExecuteRequest is the wire form of one engine invocation.
type ExecuteRequest struct {
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	IsDryRun       bool            `json:"isDryRun,omitempty"`
	SpecificRuleID string          `json:"specificRuleId,omitempty"`
}

// ExecuteResponse summarises an invocation. OK is always true.
type ExecuteResponse struct {
	OK       bool              `json:"ok"`
	Count    int               `json:"count"`
	Executed []ExecutionDetail `json:"executed"`
}

// TransportResponse is what a message channel answers.
type TransportResponse struct {
	Status    string `json:"status,omitempty"`
	SID       string `json:"sid,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ID returns the provider message identifier, whichever field carried it.
func (r *TransportResponse) ID() string {
	if r == nil {
		return ""
	}
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.SID
}

// EngineStats are the executor's running counters.
type EngineStats struct {
	Invocations     uint64 `json:"invocations"`
	RulesMatched    uint64 `json:"rules_matched"`
	ActionsExecuted uint64 `json:"actions_executed"`
	ActionErrors    uint64 `json:"action_errors"`
	AuditFailures   uint64 `json:"audit_failures"`
	LastError       string `json:"last_error,omitempty"`
}
