package coverletter

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/vitwit/x402-gateway/types"
)

// Mailer delivers a plain text message. Failures are DeliveryError.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	// From is the envelope sender, a bare mailbox address.
	From     string
	FromName string
}

type SMTPMailer struct {
	config SMTPConfig
	auth   smtp.Auth
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	var auth smtp.Auth
	if cfg.User != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	return &SMTPMailer{config: cfg, auth: auth}
}

// Message renders the RFC 5322 message for to.
func (m *SMTPMailer) Message(to, subject, body string) []byte {
	from := m.config.From
	if strings.TrimSpace(m.config.FromName) != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	lines := []string{
		"From: " + sanitizeHeader(from),
		"To: " + sanitizeHeader(to),
		"Subject: " + sanitizeHeader(subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		strings.ReplaceAll(body, "\n", "\r\n"),
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return deliveryError(to, err)
	}
	to = sanitizeHeader(to)
	addr := net.JoinHostPort(m.config.Host, m.config.Port)
	msg := m.Message(to, subject, body)

	if m.auth != nil {
		if err := smtp.SendMail(addr, m.auth, m.config.From, []string{to}, msg); err != nil {
			return deliveryError(to, err)
		}
		return nil
	}

	if err := m.sendPlain(addr, to, msg); err != nil {
		return deliveryError(to, err)
	}
	return nil
}

// sendPlain talks to a relay that needs no authentication.
func (m *SMTPMailer) sendPlain(addr, to string, msg []byte) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Mail(m.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return c.Quit()
}

func deliveryError(to string, err error) error {
	return types.WrapError(types.ErrDeliveryError, "failed to deliver email to "+to, err)
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

// Subject names the position when both title and company are known.
func Subject(in Input) string {
	if in.PositionTitle != "" && in.CompanyName != "" {
		return fmt.Sprintf("Your Cover Letter for %s at %s", in.PositionTitle, in.CompanyName)
	}
	return "Your AI-Generated Cover Letter"
}
