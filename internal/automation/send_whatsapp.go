package automation

import (
	"context"
	"fmt"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

// SendWhatsAppHandler sends a WhatsApp message through the sendWhatsApp channel.
//
// A failed call to the transport is returned as an error. A transport that
// answers with an error keeps the action best-effort: the result carries
// ok=false and the error text.
type SendWhatsAppHandler struct{}

func (h *SendWhatsAppHandler) Type() models.ActionType { return models.ActionSendWhatsApp }

func (h *SendWhatsAppHandler) Handle(ctx context.Context, env *Env, doc payload.Document, params Params, dryRun bool) (*models.ActionResult, error) {
	phone := firstNonEmpty(
		params.Expand("phone", doc),
		doc.String("phone"),
		doc.String("client_phone"),
		doc.String("client.phone"),
	)
	if phone == "" {
		return models.SkippedResult(h.Type(), models.ReasonMissingPhone), nil
	}
	message := firstNonEmpty(params.Expand("message", doc), doc.String("message"))
	if message == "" {
		return models.SkippedResult(h.Type(), models.ReasonMissingMessage), nil
	}

	if dryRun {
		result := models.DryRunResult(h.Type())
		result.Phone = phone
		result.Message = message
		return result, nil
	}

	resp, err := env.invoke(ctx, ChannelSendWhatsApp, map[string]interface{}{
		"to":      phone,
		"message": message,
	})
	if err != nil {
		return nil, fmt.Errorf("send whatsapp to %s: %w", phone, err)
	}
	if resp.Error != "" {
		result := models.Failed(h.Type(), resp.Error)
		result.Phone = phone
		return result, nil
	}

	result := models.Succeeded(h.Type())
	result.Phone = phone
	result.MessageID = resp.ID()
	return result, nil
}
