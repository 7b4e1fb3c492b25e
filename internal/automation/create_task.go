package automation

import (
	"context"
	"fmt"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

var taskFields = []string{
	"title",
	"description",
	"client_id",
	"client_name",
	"project_id",
	"project_name",
	"due_date",
	"assigned_to",
}

// CreateTaskHandler creates a Task record.
type CreateTaskHandler struct{}

func (h *CreateTaskHandler) Type() models.ActionType { return models.ActionCreateTask }

func (h *CreateTaskHandler) Handle(ctx context.Context, env *Env, doc payload.Document, params Params, dryRun bool) (*models.ActionResult, error) {
	record := models.Record{
		"status":   "new",
		"priority": "medium",
	}
	for _, field := range taskFields {
		if v, ok := params.Value(field, doc); ok {
			record[field] = v
		}
	}
	for _, field := range []string{"status", "priority"} {
		if v, ok := params.Value(field, doc); ok && v != "" {
			record[field] = v
		}
	}

	if dryRun {
		result := models.DryRunResult(h.Type())
		result.Record = record
		return result, nil
	}

	store, err := env.records()
	if err != nil {
		return nil, err
	}
	created, err := store.CreateRecord(ctx, models.EntityTask, record)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	env.emit(ctx, EventTaskCreated, map[string]interface{}{
		"id":     created.ID(),
		"title":  record["title"],
		"status": record["status"],
	})

	result := models.Succeeded(h.Type())
	result.ID = created.ID()
	return result, nil
}
