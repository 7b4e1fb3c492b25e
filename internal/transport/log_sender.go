package transport

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *logrus.Entry
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: utils.ComponentLogger(logger, "log_sender")}
}

// Name implements Sender.
func (s *LogSender) Name() string { return KindLog }

// Invoke logs the message and reports it as delivered.
func (s *LogSender) Invoke(ctx context.Context, channel string, params map[string]interface{}) (*models.TransportResponse, error) {
	id := utils.GenerateID()
	s.logger.WithFields(logrus.Fields{
		"channel":    channel,
		"message_id": id,
		"to":         firstParam(params, "to", "phone"),
		"subject":    stringParam(params, "subject"),
	}).Info("Message logged")

	return &models.TransportResponse{Status: "logged", MessageID: id}, nil
}

func firstParam(params map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v := stringParam(params, k); v != "" {
			return v
		}
	}
	return ""
}
