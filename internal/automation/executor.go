package automation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// actionResultsKey is where earlier action results are exposed to the
// templates of later actions in the same rule.
const actionResultsKey = "_actions"

// Invocation is one inbound event.
type Invocation struct {
	Event          string
	Payload        payload.Document
	DryRun         bool
	SpecificRuleID string
}

// ExecutorConfig holds rule executor configuration
type ExecutorConfig struct {
	RuleLimit int    `json:"rule_limit"`
	Limits    Limits `json:"limits"`
}

// DefaultExecutorConfig returns the stock configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		RuleLimit: 200,
		Limits:    DefaultLimits(),
	}
}

// RuleExecutor selects the rules for an event, runs their actions in order
// and writes one audit record per matched rule.
type RuleExecutor struct {
	rules    RuleStore
	env      *Env
	registry *Registry
	audit    *AuditLogger
	metrics  Recorder
	config   *ExecutorConfig
	logger   *logrus.Entry

	mu    sync.Mutex
	stats models.EngineStats
}

// ExecutorOption customises a RuleExecutor.
type ExecutorOption func(*RuleExecutor)

// WithRegistry replaces the built-in handler registry.
func WithRegistry(r *Registry) ExecutorOption {
	return func(e *RuleExecutor) { e.registry = r }
}

// WithRecorder sends execution metrics to r.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *RuleExecutor) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) ExecutorOption {
	return func(e *RuleExecutor) { e.logger = utils.ComponentLogger(l, "rule_executor") }
}

// NewRuleExecutor creates a rule executor. env supplies the handler
// collaborators; audit may be nil, in which case matched rules are only logged.
func NewRuleExecutor(rules RuleStore, env *Env, audit *AuditLogger, config *ExecutorConfig, opts ...ExecutorOption) *RuleExecutor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.RuleLimit <= 0 {
		config.RuleLimit = DefaultExecutorConfig().RuleLimit
	}
	if env == nil {
		env = &Env{}
	}
	if env.Limits == (Limits{}) {
		env.Limits = config.Limits
	}
	if env.Limits == (Limits{}) {
		env.Limits = DefaultLimits()
	}

	e := &RuleExecutor{
		rules:    rules,
		env:      env,
		registry: DefaultRegistry(),
		audit:    audit,
		metrics:  nopRecorder{},
		config:   config,
		logger:   utils.ComponentLogger(nil, "rule_executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.env.Logger == nil {
		e.env.Logger = e.logger
	}
	if e.audit != nil && e.audit.metrics == nil {
		e.audit.metrics = e.metrics
	}
	return e
}

// Execute runs one invocation. Rule and action failures are reported inside
// the response, which is always ok; only a failure to load rules is returned
// as an error.
func (e *RuleExecutor) Execute(ctx context.Context, inv Invocation) (*models.ExecuteResponse, error) {
	logger := e.logger.WithFields(logrus.Fields{
		"trigger": inv.Event,
		"dry_run": inv.DryRun,
	})
	if inv.SpecificRuleID != "" {
		logger = logger.WithField("rule_id", inv.SpecificRuleID)
	}

	e.mu.Lock()
	e.stats.Invocations++
	e.mu.Unlock()

	rules, err := e.loadRules(ctx, inv)
	if err != nil {
		e.recordError(err)
		logger.WithError(err).Error("Failed to load rules")
		return nil, err
	}

	response := &models.ExecuteResponse{OK: true, Executed: []models.ExecutionDetail{}}
	matched := 0

	for _, rule := range rules {
		if rule == nil {
			continue
		}
		if !Matches(inv.Payload, rule.Conditions) {
			logger.WithField("rule_id", rule.ID).Debug("Rule conditions not met")
			continue
		}
		matched++

		entry := e.runRule(ctx, rule, inv)
		response.Executed = append(response.Executed, entry.ExecutionDetails...)
	}

	response.Count = len(response.Executed)
	e.metrics.RecordInvocation(inv.Event, matched, inv.DryRun)

	e.mu.Lock()
	e.stats.RulesMatched += uint64(matched)
	e.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"candidates": len(rules),
		"matched":    matched,
		"actions":    response.Count,
	}).Info("Automation invocation completed")

	return response, nil
}

func (e *RuleExecutor) loadRules(ctx context.Context, inv Invocation) ([]*models.Rule, error) {
	if e.rules == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "No rule store configured")
	}

	if inv.SpecificRuleID != "" {
		rule, err := e.rules.GetRule(ctx, inv.SpecificRuleID)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load rule", err.Error())
		}
		if rule == nil {
			return nil, nil
		}
		return []*models.Rule{rule}, nil
	}

	trigger := inv.Event
	active := true
	rules, err := e.rules.GetRules(ctx, models.RuleFilter{
		Trigger: &trigger,
		Active:  &active,
		OrderBy: "created_at",
		Limit:   e.config.RuleLimit,
	})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load rules", err.Error())
	}
	return rules, nil
}

// runRule executes every action of a matched rule and writes its audit record.
func (e *RuleExecutor) runRule(ctx context.Context, rule *models.Rule, inv Invocation) *models.AutomationLog {
	entry := &models.AutomationLog{
		RuleID:           rule.ID,
		RuleName:         rule.Name,
		Trigger:          firstNonEmpty(inv.Event, rule.Trigger),
		Status:           models.RuleStatusSuccess,
		ExecutionDetails: []models.ExecutionDetail{},
		TriggeredAt:      time.Now().UTC(),
		IsDryRun:         inv.DryRun,
	}
	logger := e.logger.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"dry_run":   inv.DryRun,
	})

	doc := inv.Payload
	enrich := canExposeResults(doc)
	if !enrich {
		logger.Debug("Payload is not an object or already has _actions; earlier results are not exposed to templates")
	}
	for i, spec := range rule.Actions {
		handler, ok := e.registry.Lookup(spec.Type)
		if !ok {
			logger.WithField("action", spec.Type).Debug("No handler for action type, skipping")
			continue
		}

		start := time.Now()
		result, err := e.runAction(ctx, handler, doc, Params(spec.Params), inv.DryRun)
		elapsed := time.Since(start).Seconds()

		if err != nil {
			entry.Status = models.RuleStatusFailure
			entry.ErrorMessage = err.Error()
			entry.ExecutionDetails = append(entry.ExecutionDetails, models.ExecutionDetail{
				Action: spec.Type,
				Status: models.DetailError,
				Error:  err.Error(),
			})
			e.metrics.RecordActionExecution(spec.Type, models.DetailError, elapsed)
			e.recordActionError(err)
			logger.WithFields(logrus.Fields{
				"action": spec.Type,
				"index":  i,
				"error":  err.Error(),
			}).Warn("Action failed")
			continue
		}

		if result.ReportsFailure() && entry.Status == models.RuleStatusSuccess {
			entry.Status = models.RuleStatusPartial
		}

		status := models.DetailOK
		if result.Skipped {
			status = models.DetailSkipped
		}
		entry.ExecutionDetails = append(entry.ExecutionDetails, models.ExecutionDetail{
			Action: spec.Type,
			Status: status,
			Result: result,
		})
		e.metrics.RecordActionExecution(spec.Type, status, elapsed)

		if enrich {
			if next, err := doc.With(actionResultsKey+"."+strconv.Itoa(i), result); err == nil {
				doc = next
			}
		}
	}

	e.mu.Lock()
	e.stats.ActionsExecuted += uint64(len(entry.ExecutionDetails))
	e.mu.Unlock()

	e.metrics.RecordRuleExecution(inv.Event, entry.Status, inv.DryRun)
	logger.WithFields(logrus.Fields{
		"status":  entry.Status,
		"actions": len(entry.ExecutionDetails),
	}).Debug("Rule executed")

	if e.audit != nil {
		if !e.audit.Record(ctx, entry) {
			e.mu.Lock()
			e.stats.AuditFailures++
			e.mu.Unlock()
		}
	}
	return entry
}

// canExposeResults reports whether earlier action results can be added to
// doc without hiding caller data. An empty payload gets a fresh object.
func canExposeResults(doc payload.Document) bool {
	if len(doc) == 0 {
		return true
	}
	if !doc.IsObject() {
		return false
	}
	_, taken := doc.Lookup(actionResultsKey)
	return !taken
}

// runAction calls a handler, turning a panic into an error so one broken
// action cannot stop the rest of the rule.
func (e *RuleExecutor) runAction(ctx context.Context, h ActionHandler, doc payload.Document, params Params, dryRun bool) (result *models.ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("action %s panicked: %v", h.Type(), r)
		}
	}()

	result, err = h.Handle(ctx, e.env, doc, params, dryRun)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = models.Succeeded(h.Type())
	}
	if result.Type == "" {
		result.Type = h.Type()
	}
	return result, nil
}

func (e *RuleExecutor) recordActionError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.ActionErrors++
	e.stats.LastError = err.Error()
}

func (e *RuleExecutor) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.LastError = err.Error()
}

// GetStats returns a snapshot of the executor counters.
func (e *RuleExecutor) GetStats() models.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Registry returns the handler registry in use.
func (e *RuleExecutor) Registry() *Registry {
	return e.registry
}
