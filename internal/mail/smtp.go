package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/config"
)

// Sender delivers transactional mail.
type Sender interface {
	Send(to, subject, body string) error
}

// SMTPSender sends mail through a plain SMTP relay with AUTH.
type SMTPSender struct {
	cfg    config.SMTPConfig
	logger *zap.Logger
}

// NewSMTPSender builds a sender from SMTP settings.
func NewSMTPSender(cfg config.SMTPConfig, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, logger: logger}
}

// Send delivers a single plain-text message.
func (s *SMTPSender) Send(to, subject, body string) error {
	if s.cfg.Host == "" {
		return fmt.Errorf("mail: SMTP host is not configured")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	s.logger.Debug("mail sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}
