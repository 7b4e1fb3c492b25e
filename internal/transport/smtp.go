package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/config"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// SMTPMailer delivers the email channel through an SMTP server.
type SMTPMailer struct {
	config config.SMTPConfig
	auth   smtp.Auth
	logger *logrus.Entry

	// send is smtp.SendMail unless the server needs implicit TLS.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer for cfg.
func NewSMTPMailer(cfg config.SMTPConfig, logger *logrus.Logger) *SMTPMailer {
	m := &SMTPMailer{
		config: cfg,
		logger: utils.ComponentLogger(logger, "smtp_mailer"),
	}
	if cfg.Username != "" && cfg.Password != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	m.send = smtp.SendMail
	if cfg.UseTLS {
		m.send = m.sendTLS
	}
	return m
}

// Name implements Sender.
func (m *SMTPMailer) Name() string { return KindSMTP }

// Invoke sends params "to", "subject" and "body" as one email.
func (m *SMTPMailer) Invoke(ctx context.Context, channel string, params map[string]interface{}) (*models.TransportResponse, error) {
	if channel != ChannelEmail {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "SMTP mailer only serves the email channel", channel)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	to := splitRecipients(stringParam(params, "to"))
	if len(to) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Email recipient is required", "")
	}

	messageID := fmt.Sprintf("<%s@%s>", utils.GenerateID(), m.config.Host)
	message := m.buildMessage(to, stringParam(params, "subject"), stringParam(params, "body"), messageID)

	start := time.Now()
	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	if err := m.send(addr, m.auth, m.config.From, to, []byte(message)); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeExternal, "Failed to send email", err.Error())
	}

	m.logger.WithFields(logrus.Fields{
		"to":          strings.Join(to, ", "),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Email sent")

	return &models.TransportResponse{Status: "sent", MessageID: messageID}, nil
}

// sendTLS sends over an implicit TLS connection (port 465 style).
func (m *SMTPMailer) sendTLS(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.config.Host})
	if err != nil {
		return fmt.Errorf("failed to connect with TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if a != nil {
		if err := client.Auth(a); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", recipient, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := writer.Write(msg); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}

func (m *SMTPMailer) buildMessage(to []string, subject, body, messageID string) string {
	var message strings.Builder

	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	contentType := "text/plain"
	if strings.Contains(body, "<") && strings.Contains(body, ">") {
		contentType = "text/html"
	}

	message.WriteString(fmt.Sprintf("From: %s\r\n", from))
	message.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	message.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	message.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	message.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString(fmt.Sprintf("Content-Type: %s; charset=UTF-8\r\n", contentType))
	message.WriteString("\r\n")
	message.WriteString(body)

	return message.String()
}

func splitRecipients(to string) []string {
	var out []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
