// Package events publishes the engine's domain events (task_created,
// task_updated) to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/config"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/metrics"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// Envelope is the JSON message published for every event.
type Envelope struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	EmittedAt time.Time              `json:"emitted_at"`
}

// Publisher is the subset of *nats.Conn the emitter uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSEmitter publishes events on "<prefix>.<event>".
type NATSEmitter struct {
	conn    Publisher
	prefix  string
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
}

// Connect dials NATS using cfg and returns an emitter bound to the connection.
func Connect(cfg config.EventsConfig, m *metrics.PrometheusMetrics, logger *logrus.Logger) (*NATSEmitter, error) {
	log := utils.ComponentLogger(logger, "events")

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name(cfg.ClientName),
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeExternal, "Failed to connect to NATS", err.Error())
	}

	log.WithField("url", cfg.NATSURL).Info("NATS event publisher connected")
	return NewNATSEmitter(conn, cfg.SubjectPrefix, m, logger), nil
}

// NewNATSEmitter wraps an existing connection.
func NewNATSEmitter(conn Publisher, prefix string, m *metrics.PrometheusMetrics, logger *logrus.Logger) *NATSEmitter {
	return &NATSEmitter{
		conn:    conn,
		prefix:  strings.TrimSuffix(prefix, "."),
		metrics: m,
		logger:  utils.ComponentLogger(logger, "events"),
	}
}

// Subject returns the subject an event is published on.
func (e *NATSEmitter) Subject(event string) string {
	if e.prefix == "" {
		return event
	}
	return e.prefix + "." + event
}

// Emit publishes one event.
func (e *NATSEmitter) Emit(ctx context.Context, name string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(Envelope{
		ID:        utils.GenerateID(),
		Event:     name,
		Data:      data,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		e.record(name, "error")
		return fmt.Errorf("marshal event %s: %w", name, err)
	}

	if err := e.conn.Publish(e.Subject(name), body); err != nil {
		e.record(name, "error")
		return fmt.Errorf("publish event %s: %w", name, err)
	}

	e.record(name, "published")
	e.logger.WithField("subject", e.Subject(name)).Debug("Event published")
	return nil
}

// Close closes the underlying connection.
func (e *NATSEmitter) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}

func (e *NATSEmitter) record(name, status string) {
	if e.metrics != nil {
		e.metrics.RecordDomainEvent(name, status)
	}
}

// NopEmitter drops every event.
type NopEmitter struct{}

// Emit implements the emitter port.
func (NopEmitter) Emit(context.Context, string, map[string]interface{}) error { return nil }
