package automation

import (
	"context"
	"fmt"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

// SendNotificationHandler creates an in-app Notification record.
type SendNotificationHandler struct{}

func (h *SendNotificationHandler) Type() models.ActionType { return models.ActionSendNotification }

func (h *SendNotificationHandler) Handle(ctx context.Context, env *Env, doc payload.Document, params Params, dryRun bool) (*models.ActionResult, error) {
	userEmail := params.Expand("user_email", doc)
	if userEmail == "" {
		return models.SkippedResult(h.Type(), models.ReasonMissingUserEmail), nil
	}
	title := params.Expand("title", doc)
	message := params.Expand("message", doc)

	if dryRun {
		result := models.DryRunResult(h.Type())
		result.To = userEmail
		result.Title = title
		result.Message = message
		return result, nil
	}

	record := models.Record{
		"user_email": userEmail,
		"title":      title,
		"message":    message,
		"type":       firstNonEmpty(params.Expand("type", doc), "info"),
		"priority":   firstNonEmpty(params.Expand("priority", doc), "normal"),
		"is_read":    false,
	}
	for _, field := range []string{"related_entity", "related_id"} {
		if v := params.Expand(field, doc); v != "" {
			record[field] = v
		}
	}

	store, err := env.records()
	if err != nil {
		return nil, err
	}
	created, err := store.CreateRecord(ctx, models.EntityNotification, record)
	if err != nil {
		return nil, fmt.Errorf("create notification for %s: %w", userEmail, err)
	}

	result := models.Succeeded(h.Type())
	result.ID = created.ID()
	return result, nil
}
