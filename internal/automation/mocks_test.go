package automation

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

// --- Mock Transport ---
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Invoke(ctx context.Context, channel string, params map[string]interface{}) (*models.TransportResponse, error) {
	args := m.Called(ctx, channel, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TransportResponse), args.Error(1)
}

// --- Mock RecordStore ---
type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) CreateRecord(ctx context.Context, entityType string, fields models.Record) (models.Record, error) {
	args := m.Called(ctx, entityType, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(models.Record), args.Error(1)
}

func (m *MockRecordStore) UpdateRecord(ctx context.Context, entityType, id string, fields models.Record) (models.Record, error) {
	args := m.Called(ctx, entityType, id, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(models.Record), args.Error(1)
}

func (m *MockRecordStore) FilterRecords(ctx context.Context, entityType string, filter models.RecordFilter) ([]models.Record, error) {
	args := m.Called(ctx, entityType, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Record), args.Error(1)
}

// --- Mock EventEmitter ---
type MockEmitter struct {
	mock.Mock
}

func (m *MockEmitter) Emit(ctx context.Context, name string, data map[string]interface{}) error {
	args := m.Called(ctx, name, data)
	return args.Error(0)
}

// --- In-memory rule and audit stores ---
type memoryRuleStore struct {
	rules      []*models.Rule
	err        error
	lastFilter models.RuleFilter
}

func (s *memoryRuleStore) GetRule(_ context.Context, id string) (*models.Rule, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, r := range s.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memoryRuleStore) GetRules(_ context.Context, filter models.RuleFilter) ([]*models.Rule, error) {
	s.lastFilter = filter
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.Rule
	for _, r := range s.rules {
		if filter.Trigger != nil && r.Trigger != *filter.Trigger {
			continue
		}
		if filter.Active != nil && r.Active != *filter.Active {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type memoryAuditStore struct {
	mu   sync.Mutex
	logs []*models.AutomationLog
	err  error
}

func (s *memoryAuditStore) SaveAutomationLog(_ context.Context, log *models.AutomationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.logs = append(s.logs, log)
	return nil
}

type countingRecorder struct {
	nopRecorder
	auditFailures int
	ruleStatuses  []models.RuleStatus
}

func (r *countingRecorder) RecordRuleExecution(_ string, status models.RuleStatus, _ bool) {
	r.ruleStatuses = append(r.ruleStatuses, status)
}

func (r *countingRecorder) RecordAuditFailure() {
	r.auditFailures++
}

// panicHandler lets tests register a handler that blows up.
type panicHandler struct{ kind models.ActionType }

func (h *panicHandler) Type() models.ActionType { return h.kind }

func (h *panicHandler) Handle(context.Context, *Env, payload.Document, Params, bool) (*models.ActionResult, error) {
	panic("boom")
}

func testDoc(v interface{}) payload.Document {
	doc, err := payload.New(v)
	if err != nil {
		panic(err)
	}
	return doc
}

func newTestEnv(records *MockRecordStore, transport *MockTransport) *Env {
	env := &Env{Limits: DefaultLimits()}
	if records != nil {
		env.Records = records
	}
	if transport != nil {
		env.Transport = transport
	}
	return env
}
