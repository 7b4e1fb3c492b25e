package models

import (
	"fmt"
	"time"
)

// Rule is a stored condition plus an ordered action list bound to a trigger.
type Rule struct {
	ID          string                 `json:"id" yaml:"id" db:"id"`
	Name        string                 `json:"name" yaml:"name" db:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty" db:"description"`
	Trigger     string                 `json:"trigger" yaml:"trigger" db:"trigger_name"`
	Active      bool                   `json:"active" yaml:"active" db:"active"`
	Conditions  map[string]interface{} `json:"conditions" yaml:"conditions" db:"conditions"`
	Actions     []ActionSpec           `json:"actions" yaml:"actions" db:"actions"`
	CreatedAt   time.Time              `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" yaml:"-" db:"updated_at"`
}

// Validate checks the fields a rule needs before it can be stored.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Trigger == "" {
		return fmt.Errorf("rule %q: trigger is required", r.Name)
	}
	for i, action := range r.Actions {
		if action.Type == "" {
			return fmt.Errorf("rule %q: action %d has no type", r.Name, i)
		}
	}
	return nil
}

// RuleFilter selects rules from the rule store.
type RuleFilter struct {
	Trigger *string `json:"trigger,omitempty"`
	Active  *bool   `json:"active,omitempty"`
	OrderBy string  `json:"order_by,omitempty"`
	Limit   int     `json:"limit,omitempty"`
	Offset  int     `json:"offset,omitempty"`
}
