package automation

import (
	"context"
	"fmt"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

const defaultReminderTitle = "Reminder"

// SendReminderHandler emails a reminder and records it as a notification.
type SendReminderHandler struct{}

func (h *SendReminderHandler) Type() models.ActionType { return models.ActionSendReminder }

func (h *SendReminderHandler) Handle(ctx context.Context, env *Env, doc payload.Document, params Params, dryRun bool) (*models.ActionResult, error) {
	to := firstNonEmpty(
		params.Expand("to", doc),
		params.Expand("user_email", doc),
		doc.String("email"),
	)
	if to == "" {
		return models.SkippedResult(h.Type(), models.ReasonMissingTo), nil
	}
	message := params.Expand("message", doc)
	if message == "" {
		return models.SkippedResult(h.Type(), models.ReasonMissingMessage), nil
	}
	title := firstNonEmpty(params.Expand("title", doc), defaultReminderTitle)
	subject := firstNonEmpty(params.Expand("subject", doc), title)

	if dryRun {
		result := models.DryRunResult(h.Type())
		result.To = to
		result.Title = title
		result.Message = message
		return result, nil
	}

	resp, err := env.invoke(ctx, ChannelSendEmail, map[string]interface{}{
		"to":      to,
		"subject": subject,
		"body":    message,
	})
	if err != nil {
		return nil, fmt.Errorf("send reminder email to %s: %w", to, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("send reminder email to %s: %s", to, resp.Error)
	}

	store, err := env.records()
	if err != nil {
		return nil, err
	}
	notification := models.Record{
		"user_email": to,
		"title":      title,
		"message":    message,
		"type":       "reminder",
		"priority":   firstNonEmpty(params.Expand("priority", doc), "normal"),
		"is_read":    false,
	}
	created, err := store.CreateRecord(ctx, models.EntityNotification, notification)
	if err != nil {
		return nil, fmt.Errorf("record reminder for %s: %w", to, err)
	}

	result := models.Succeeded(h.Type())
	result.To = to
	result.NotificationID = created.ID()
	return result, nil
}
