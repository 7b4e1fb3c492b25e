package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// RuleSaver is the part of Storage rule import needs.
type RuleSaver interface {
	SaveRule(ctx context.Context, rule *models.Rule) error
}

type ruleFile struct {
	Rules []*models.Rule `yaml:"rules"`
}

// ParseRules decodes rules from YAML (or JSON, which YAML accepts). Both a
// bare list and a document with a top-level "rules" key are supported.
func ParseRules(data []byte) ([]*models.Rule, error) {
	var list []*models.Rule
	if err := yaml.Unmarshal(data, &list); err == nil {
		return validateRules(list)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to parse rules file", err.Error())
	}
	return validateRules(file.Rules)
}

func validateRules(rules []*models.Rule) ([]*models.Rule, error) {
	for i, rule := range rules {
		if rule == nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid rule", fmt.Sprintf("rule %d is empty", i))
		}
		if err := rule.Validate(); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid rule",
				fmt.Sprintf("rule %d (%s): %v", i, rule.Name, err))
		}
	}
	return rules, nil
}

// ImportRulesFile reads a rules file and saves every rule. Rules are validated
// before any is written.
func ImportRulesFile(ctx context.Context, store RuleSaver, path string) ([]*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Failed to read rules file", err.Error())
	}

	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if err := store.SaveRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("save rule %q: %w", rule.Name, err)
		}
	}

	utils.GetLogger().WithFields(logrus.Fields{
		"file":  path,
		"rules": len(rules),
	}).Info("Rules imported")

	return rules, nil
}
