package notification

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/tontinehq/tontine/internal/config"
)

// Provider delivers one rendered notification.
type Provider interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NoOpProvider drops messages. Used when SMTP is not configured.
type NoOpProvider struct{}

func (NoOpProvider) Send(ctx context.Context, to, subject, body string) error {
	return nil
}

// SMTPProvider sends plain-text mail.
type SMTPProvider struct {
	cfg config.SMTPConfig
}

func NewSMTP(cfg config.SMTPConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Send(ctx context.Context, to, subject, body string) error {
	auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	addr := fmt.Sprintf("%s:%s", p.cfg.Host, p.cfg.Port)
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s", to, subject, body))
	return smtp.SendMail(addr, auth, p.cfg.From, []string{to}, msg)
}
