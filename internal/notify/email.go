package notify

import (
	"context"
	"fmt"
	"net/smtp"
)

// EmailSender delivers one HTML message. Implementations must be safe for
// concurrent use.
type EmailSender interface {
	Send(ctx context.Context, to string, subject string, htmlBody string) error
}

// SMTPConfig holds the delivery endpoint for the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers mail over plain-auth SMTP.
type SMTPSender struct {
	config SMTPConfig
}

// NewSMTPSender builds an SMTP-backed sender.
func NewSMTPSender(config SMTPConfig) *SMTPSender {
	return &SMTPSender{config: config}
}

func (sender *SMTPSender) Send(_ context.Context, to string, subject string, htmlBody string) error {
	auth := smtp.PlainAuth("", sender.config.Username, sender.config.Password, sender.config.Host)
	address := fmt.Sprintf("%s:%d", sender.config.Host, sender.config.Port)
	mime := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n\n"
	message := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n%s\r\n%s", to, subject, mime, htmlBody))
	return smtp.SendMail(address, auth, sender.config.From, []string{to}, message)
}

// NoOpSender discards every message. Used when no SMTP endpoint is
// configured.
type NoOpSender struct{}

func (NoOpSender) Send(context.Context, string, string, string) error {
	return nil
}
