package automation

import (
	"context"
	"fmt"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

// SendEmailHandler sends an email through the sendEmail channel.
type SendEmailHandler struct{}

func (h *SendEmailHandler) Type() models.ActionType { return models.ActionSendEmail }

func (h *SendEmailHandler) Handle(ctx context.Context, env *Env, doc payload.Document, params Params, dryRun bool) (*models.ActionResult, error) {
	to := firstNonEmpty(
		params.Expand("to", doc),
		doc.String("email"),
		doc.String("client_email"),
		doc.String("client.email"),
	)
	if to == "" {
		return models.SkippedResult(h.Type(), models.ReasonMissingTo), nil
	}
	subject := params.Expand("subject", doc)
	body := params.Expand("body", doc)

	if dryRun {
		result := models.DryRunResult(h.Type())
		result.To = to
		result.Subject = subject
		result.BodyPreview = preview(body, env.Limits.BodyPreviewLength)
		return result, nil
	}

	message := map[string]interface{}{
		"to":      to,
		"subject": subject,
		"body":    body,
	}
	for _, field := range []string{"client_id", "project_id"} {
		if v := firstNonEmpty(params.Expand(field, doc), doc.String(field)); v != "" {
			message[field] = v
		}
	}

	resp, err := env.invoke(ctx, ChannelSendEmail, message)
	if err != nil {
		return nil, fmt.Errorf("send email to %s: %w", to, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("send email to %s: %s", to, resp.Error)
	}

	result := models.Succeeded(h.Type())
	result.To = to
	result.Subject = subject
	result.MessageID = resp.ID()
	return result, nil
}

// preview cuts s to limit runes and marks the cut with an ellipsis.
func preview(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultLimits().BodyPreviewLength
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
