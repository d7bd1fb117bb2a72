package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

// The closed set of delivery channels. Adding one means adding a
// Provider implementation and registering it, checked at compile time
// rather than by duck-typed send functions.
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelSlack   = "slack"
	ChannelWebPush = "webpush"
	ChannelWebhook = "webhook"
)

// KnownChannel reports whether name is one of the closed channel set.
func KnownChannel(name string) bool {
	switch name {
	case ChannelEmail, ChannelSMS, ChannelSlack, ChannelWebPush, ChannelWebhook:
		return true
	}
	return false
}

// Provider delivers one event over one channel. Exactly one external
// call per Send; retrying belongs to the worker.
type Provider interface {
	Channel() string
	Send(ctx context.Context, ev outbox.Event) error
}

// Renderer turns an event payload into human-readable content. Template
// internals live with the caller; this package only consumes the result.
type Renderer interface {
	Render(eventType string, payload json.RawMessage) (Content, error)
}

// Content is rendered notification material.
type Content struct {
	Subject string
	Body    string
}

// Registry maps channels to providers and resolves the channel for
// events enqueued without one.
type Registry struct {
	providers map[string]Provider
	rules     Rules
}

func NewRegistry(rules Rules, providers ...Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		rules:     rules,
	}
	for _, p := range providers {
		r.providers[p.Channel()] = p
	}
	return r
}

// Dispatch implements outbox.Dispatcher: resolve the channel, look up
// the provider, send once.
func (r *Registry) Dispatch(ctx context.Context, ev outbox.Event) error {
	channel := ev.Channel
	if channel == "" {
		resolved, ok := r.rules.Resolve(ev.EventType)
		if !ok {
			return permanentErr("", fmt.Errorf("no channel rule for event type %q", ev.EventType))
		}
		channel = resolved
	}

	if !KnownChannel(channel) {
		return permanentErr(channel, fmt.Errorf("unknown channel %q", channel))
	}
	provider, ok := r.providers[channel]
	if !ok {
		// A valid channel this process has no provider for is a local
		// wiring gap, not a bad event. Dead-lettering it here would let
		// one misconfigured replica destroy deliverable events.
		return &ConfigError{Channel: channel, Missing: "provider"}
	}

	log.Debug().
		Str("event_id", ev.ID.String()).
		Str("event_type", ev.EventType).
		Str("channel", channel).
		Msg("dispatching event")

	return provider.Send(ctx, ev)
}
