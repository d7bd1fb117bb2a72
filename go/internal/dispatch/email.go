package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

// EmailTransport hands rendered content to a mail gateway. SMTP and
// HTTP-API implementations both satisfy it.
type EmailTransport interface {
	Deliver(ctx context.Context, to, subject, body string) error
}

// EmailProvider renders the payload through the template collaborator
// and delivers via the configured transport.
type EmailProvider struct {
	renderer  Renderer
	transport EmailTransport
}

func NewEmailProvider(renderer Renderer, transport EmailTransport) *EmailProvider {
	return &EmailProvider{
		renderer:  renderer,
		transport: transport,
	}
}

func (p *EmailProvider) Channel() string { return ChannelEmail }

func (p *EmailProvider) Send(ctx context.Context, ev outbox.Event) error {
	if p.transport == nil {
		return &ConfigError{Channel: ChannelEmail, Missing: "SMTP_ADDR"}
	}

	addr, err := mail.ParseAddress(ev.Target)
	if err != nil {
		// Malformed recipient will never deliver, no matter how often we retry.
		return permanentErr(ChannelEmail, fmt.Errorf("invalid recipient %q: %w", ev.Target, err))
	}

	content, err := p.renderer.Render(ev.EventType, ev.Payload)
	if err != nil {
		return permanentErr(ChannelEmail, fmt.Errorf("failed to render email: %w", err))
	}

	if err := p.transport.Deliver(ctx, addr.Address, content.Subject, content.Body); err != nil {
		return retryable(ChannelEmail, err)
	}
	return nil
}

// SMTPTransport delivers over plain SMTP.
type SMTPTransport struct {
	addr string // host:port
	from string
	auth smtp.Auth
}

func NewSMTPTransport(addr, from, username, password string) *SMTPTransport {
	t := &SMTPTransport{addr: addr, from: from}
	if username != "" {
		host, _, _ := net.SplitHostPort(addr)
		t.auth = smtp.PlainAuth("", username, password, host)
	}
	return t
}

func (t *SMTPTransport) Deliver(ctx context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", t.from, to, subject, body)
	if err := smtp.SendMail(t.addr, t.auth, t.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}
