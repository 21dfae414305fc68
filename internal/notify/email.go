package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailBackend delivers notifications over SMTP.
type EmailBackend struct {
	addr string
	from string
	to   []string
	auth smtp.Auth
}

// NewEmailBackend creates an SMTP backend. addr is host:port.
func NewEmailBackend(addr, from string, to []string, auth smtp.Auth) *EmailBackend {
	return &EmailBackend{addr: addr, from: from, to: to, auth: auth}
}

func (e *EmailBackend) Name() string { return "email" }

func (e *EmailBackend) Send(_ context.Context, msg *Message) error {
	to := e.to
	if msg.Recipient != "" {
		to = []string{msg.Recipient}
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", e.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", msg.Subject)
	body.WriteString("\r\n")
	body.WriteString(msg.Body)
	body.WriteString("\r\n")

	if err := smtp.SendMail(e.addr, e.auth, e.from, to, []byte(body.String())); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}
	return nil
}
