package automation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

const defaultTargetStatus = "completed"

// UpdateTasksStatusHandler moves every matching Task to a new status.
type UpdateTasksStatusHandler struct{}

func (h *UpdateTasksStatusHandler) Type() models.ActionType { return models.ActionUpdateTasksStatus }

func (h *UpdateTasksStatusHandler) Handle(ctx context.Context, env *Env, doc payload.Document, params Params, dryRun bool) (*models.ActionResult, error) {
	filter := make(map[string]string, 2)
	for _, field := range []string{"project_name", "client_name"} {
		if v := params.Expand(field, doc); v != "" {
			filter[field] = v
		}
	}
	fromStatus := params.Expand("from_status", doc)
	toStatus := firstNonEmpty(params.Expand("to_status", doc), defaultTargetStatus)

	limit := env.Limits.BulkUpdateLimit
	if dryRun {
		limit = env.Limits.DryRunSampleSize
	}

	store, err := env.records()
	if err != nil {
		return nil, err
	}

	where := make(map[string]interface{}, len(filter))
	for k, v := range filter {
		where[k] = v
	}
	if len(where) == 0 {
		env.logger().WithField("action", h.Type()).Warn("Task status update has no filter, every task is a candidate")
	}

	tasks, err := store.FilterRecords(ctx, models.EntityTask, models.RecordFilter{
		Where:   where,
		OrderBy: "-updated_at",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	var matched []models.Record
	for _, task := range tasks {
		if fromStatus != "" && task.String("status") != fromStatus {
			continue
		}
		matched = append(matched, task)
	}

	if dryRun {
		count := len(matched)
		result := models.DryRunResult(h.Type())
		result.Filter = filter
		result.FromStatus = fromStatus
		result.ToStatus = toStatus
		result.AffectedCountEstimate = &count
		return result, nil
	}

	updated := 0
	for _, task := range matched {
		id := task.ID()
		if _, err := store.UpdateRecord(ctx, models.EntityTask, id, models.Record{"status": toStatus}); err != nil {
			return nil, fmt.Errorf("update task %s: %w", id, err)
		}
		updated++
		env.emit(ctx, EventTaskUpdated, map[string]interface{}{
			"id":              id,
			"status":          toStatus,
			"previous_status": task["status"],
		})
	}

	env.logger().WithFields(logrus.Fields{
		"updated":   updated,
		"to_status": toStatus,
	}).Debug("Task statuses updated")

	result := models.Succeeded(h.Type())
	result.Filter = filter
	result.FromStatus = fromStatus
	result.ToStatus = toStatus
	result.UpdatedCount = &updated
	return result, nil
}
