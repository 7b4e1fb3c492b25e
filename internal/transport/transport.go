// Package transport delivers outgoing messages for the automation engine.
// A Router maps each message channel to a Sender: the hosted messaging
// functions, an SMTP server, or the log.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/config"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/metrics"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// Sender kinds accepted in configuration.
const (
	KindFunctions = "functions"
	KindSMTP      = "smtp"
	KindLog       = "log"
)

// Message channel names, matching the ones the action handlers invoke.
const (
	ChannelEmail    = "sendEmail"
	ChannelWhatsApp = "sendWhatsApp"
)

// Sender delivers a message on one channel.
type Sender interface {
	Name() string
	Invoke(ctx context.Context, channel string, params map[string]interface{}) (*models.TransportResponse, error)
}

// Router dispatches each channel to its configured Sender.
type Router struct {
	senders map[string]Sender
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
}

// NewRouter creates an empty router. metrics may be nil.
func NewRouter(m *metrics.PrometheusMetrics, logger *logrus.Logger) *Router {
	return &Router{
		senders: make(map[string]Sender),
		metrics: m,
		logger:  utils.ComponentLogger(logger, "transport"),
	}
}

// Route binds channel to sender, replacing any previous binding.
func (r *Router) Route(channel string, sender Sender) {
	r.senders[channel] = sender
}

// Sender returns the sender bound to channel, or nil.
func (r *Router) Sender(channel string) Sender {
	return r.senders[channel]
}

// Invoke sends params over channel.
func (r *Router) Invoke(ctx context.Context, channel string, params map[string]interface{}) (*models.TransportResponse, error) {
	sender, ok := r.senders[channel]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "No sender configured for channel", channel)
	}

	start := time.Now()
	resp, err := sender.Invoke(ctx, channel, params)
	duration := time.Since(start)

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case resp != nil && resp.Error != "":
		status = "rejected"
	}
	if r.metrics != nil {
		r.metrics.RecordTransportRequest(channel, sender.Name(), status, duration)
	}

	fields := logrus.Fields{
		"channel":     channel,
		"sender":      sender.Name(),
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("Message delivery failed")
		return nil, err
	}
	r.logger.WithFields(fields).Debug("Message delivered")
	return resp, nil
}

// NewRouterFromConfig builds a router with the senders named in cfg.
func NewRouterFromConfig(cfg config.TransportConfig, m *metrics.PrometheusMetrics, logger *logrus.Logger) (*Router, error) {
	router := NewRouter(m, logger)

	var functions *FunctionClient
	build := func(kind, channel string) (Sender, error) {
		switch strings.ToLower(kind) {
		case KindFunctions:
			if functions == nil {
				functions = NewFunctionClient(cfg.Functions, logger)
			}
			return functions, nil
		case KindSMTP:
			if channel != ChannelEmail {
				return nil, fmt.Errorf("smtp sender cannot serve channel %s", channel)
			}
			return NewSMTPMailer(cfg.SMTP, logger), nil
		case KindLog, "":
			return NewLogSender(logger), nil
		default:
			return nil, fmt.Errorf("unknown sender kind %q", kind)
		}
	}

	for channel, kind := range map[string]string{
		ChannelEmail:    cfg.Email,
		ChannelWhatsApp: cfg.WhatsApp,
	} {
		sender, err := build(kind, channel)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Invalid transport configuration", err.Error())
		}
		router.Route(channel, sender)
	}

	return router, nil
}

func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}
