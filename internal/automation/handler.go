package automation

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

// ActionHandler implements one action type.
//
// With dryRun set a handler must not call RecordStore.CreateRecord,
// RecordStore.UpdateRecord or Transport.Invoke. A required input that cannot
// be resolved yields a skipped result, not an error. Errors returned from a
// real run are caught per action by the RuleExecutor.
type ActionHandler interface {
	Type() models.ActionType
	Handle(ctx context.Context, env *Env, doc payload.Document, params Params, dryRun bool) (*models.ActionResult, error)
}

// Limits bound how much work a single action does.
type Limits struct {
	DryRunSampleSize  int
	BulkUpdateLimit   int
	BodyPreviewLength int
}

// DefaultLimits returns the stock action limits.
func DefaultLimits() Limits {
	return Limits{
		DryRunSampleSize:  5,
		BulkUpdateLimit:   1000,
		BodyPreviewLength: 50,
	}
}

// Env carries the collaborators handlers use.
type Env struct {
	Records   RecordStore
	Transport Transport
	Events    EventEmitter
	Limits    Limits
	Logger    *logrus.Entry
}

func (e *Env) logger() *logrus.Entry {
	if e.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return e.Logger
}

// emit publishes a domain event if an emitter is configured. Failures are
// logged and dropped.
func (e *Env) emit(ctx context.Context, name string, data map[string]interface{}) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Emit(ctx, name, data); err != nil {
		e.logger().WithFields(logrus.Fields{
			"event": name,
			"error": err.Error(),
		}).Debug("Domain event not delivered")
	}
}

// invoke calls the transport and turns a missing transport into an error.
func (e *Env) invoke(ctx context.Context, channel string, params map[string]interface{}) (*models.TransportResponse, error) {
	if e.Transport == nil {
		return nil, fmt.Errorf("no transport configured for channel %s", channel)
	}
	resp, err := e.Transport.Invoke(ctx, channel, params)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &models.TransportResponse{}
	}
	return resp, nil
}

func (e *Env) records() (RecordStore, error) {
	if e.Records == nil {
		return nil, fmt.Errorf("no record store configured")
	}
	return e.Records, nil
}

// Params are an action's configured parameters.
type Params map[string]interface{}

// Expand returns the template-expanded string form of a parameter; absent
// parameters give "".
func (p Params) Expand(key string, doc payload.Document) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return payload.ApplyTemplate(s, doc)
	}
	return fmt.Sprint(v)
}

// Value returns a parameter with string values template-expanded and other
// values unchanged. The bool is false when the parameter is absent or null.
func (p Params) Value(key string, doc payload.Document) (interface{}, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, false
	}
	return payload.ApplyValue(v, doc), true
}

// firstNonEmpty returns the first candidate that is not "".
func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// Registry maps action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.ActionType]ActionHandler
}

// NewRegistry builds a registry holding the given handlers.
func NewRegistry(handlers ...ActionHandler) *Registry {
	r := &Registry{handlers: make(map[models.ActionType]ActionHandler, len(handlers))}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// DefaultRegistry holds the six built-in handlers.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&CreateTaskHandler{},
		&SendEmailHandler{},
		&UpdateTasksStatusHandler{},
		&SendWhatsAppHandler{},
		&SendNotificationHandler{},
		&SendReminderHandler{},
	)
}

// Register adds or replaces the handler for h.Type().
func (r *Registry) Register(h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Lookup returns the handler for t.
func (r *Registry) Lookup(t models.ActionType) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists the registered action types.
func (r *Registry) Types() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.ActionType, 0, len(r.handlers))
	for _, t := range models.KnownActionTypes {
		if _, ok := r.handlers[t]; ok {
			types = append(types, t)
		}
	}
	for t := range r.handlers {
		if !t.IsKnown() {
			types = append(types, t)
		}
	}
	return types
}
