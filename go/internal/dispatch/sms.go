package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

// SMSProvider posts messages to an HTTP SMS gateway.
type SMSProvider struct {
	gatewayURL string
	apiKey     string
	client     *http.Client
	renderer   Renderer
}

func NewSMSProvider(gatewayURL, apiKey string, timeout time.Duration, renderer Renderer) *SMSProvider {
	return &SMSProvider{
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		client:     newHTTPClient(timeout),
		renderer:   renderer,
	}
}

func (p *SMSProvider) Channel() string { return ChannelSMS }

func (p *SMSProvider) Send(ctx context.Context, ev outbox.Event) error {
	if p.gatewayURL == "" {
		return &ConfigError{Channel: ChannelSMS, Missing: "SMS_GATEWAY_URL"}
	}
	if ev.Target == "" {
		return permanentErr(ChannelSMS, fmt.Errorf("event %s has no recipient number", ev.ID))
	}

	text := string(ev.Payload)
	if p.renderer != nil {
		content, err := p.renderer.Render(ev.EventType, ev.Payload)
		if err != nil {
			return permanentErr(ChannelSMS, fmt.Errorf("failed to render message: %w", err))
		}
		text = content.Body
	}

	body, err := json.Marshal(map[string]string{
		"to":   ev.Target,
		"text": text,
	})
	if err != nil {
		return permanentErr(ChannelSMS, fmt.Errorf("failed to marshal message: %w", err))
	}

	status, respBody, err := postJSON(ctx, p.client, p.gatewayURL, body, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
		"X-Event-ID":    ev.ID.String(),
	})
	if err != nil {
		return retryable(ChannelSMS, err)
	}
	if status < 200 || status >= 300 {
		return fromStatus(ChannelSMS, status, respBody)
	}
	return nil
}

// LogSMSProvider is a development stub that records the message instead
// of sending it.
type LogSMSProvider struct{}

func (p *LogSMSProvider) Channel() string { return ChannelSMS }

func (p *LogSMSProvider) Send(ctx context.Context, ev outbox.Event) error {
	log.Info().
		Str("event_id", ev.ID.String()).
		Str("event_type", ev.EventType).
		Str("to", ev.Target).
		RawJSON("payload", ev.Payload).
		Msg("sms (stub)")
	return nil
}
