package dispatch

import (
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

// NewRegistryFromEnv builds a registry with every channel wired from
// environment configuration. Providers whose credentials are absent are
// still registered; they fail with ConfigError at dispatch time, which
// keeps the event retryable instead of dead-lettering it. Every binary
// that runs a dispatching worker must use this so no replica claims
// events it cannot deliver.
func NewRegistryFromEnv(rules Rules, clock clockwork.Clock) *Registry {
	timeout := 10 * time.Second
	renderer := NewTextRenderer()

	providers := []Provider{
		NewWebhookProvider(os.Getenv("WEBHOOK_SECRET"), timeout, clock),
		NewSlackProvider(os.Getenv("SLACK_WEBHOOK_URL"), timeout, renderer),
		NewWebPushProvider(timeout, 24*time.Hour),
	}

	if smtpAddr := os.Getenv("SMTP_ADDR"); smtpAddr != "" {
		transport := NewSMTPTransport(
			smtpAddr,
			os.Getenv("SMTP_FROM"),
			os.Getenv("SMTP_USERNAME"),
			os.Getenv("SMTP_PASSWORD"),
		)
		providers = append(providers, NewEmailProvider(renderer, transport))
	} else {
		providers = append(providers, NewEmailProvider(renderer, nil))
	}

	if gatewayURL := os.Getenv("SMS_GATEWAY_URL"); gatewayURL != "" {
		providers = append(providers, NewSMSProvider(gatewayURL, os.Getenv("SMS_API_KEY"), timeout, renderer))
	} else {
		providers = append(providers, &LogSMSProvider{})
	}

	return NewRegistry(rules, providers...)
}
