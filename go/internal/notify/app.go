package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

// Enqueuer defines what the app layer needs from the outbox repository.
// Bind it to the business transaction with Repository.WithTx so a rolled
// back mutation never leaves an orphan event.
type Enqueuer interface {
	Enqueue(ctx context.Context, params outbox.EnqueueParams) (uuid.UUID, error)
}

// App records notification events for asynchronous delivery.
type App struct {
	repo Enqueuer
}

func NewApp(repo Enqueuer) *App {
	return &App{
		repo: repo,
	}
}

// Enqueue records an arbitrary event. Channel and target may be empty
// when a dispatch rule covers the event type.
func (a *App) Enqueue(ctx context.Context, tenantID *uuid.UUID, eventType string, payload map[string]any, channel, target string) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	id, err := a.repo.Enqueue(ctx, outbox.EnqueueParams{
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   raw,
		Channel:   channel,
		Target:    target,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue %s event: %w", eventType, err)
	}

	log.Info().
		Str("event_id", id.String()).
		Str("event_type", eventType).
		Str("channel", channel).
		Msg("outbox event enqueued")

	return id, nil
}

// EnqueueBillingExpiryReminder notifies a tenant owner that their
// subscription is about to lapse.
func (a *App) EnqueueBillingExpiryReminder(ctx context.Context, tenantID uuid.UUID, ownerEmail string, expiresAt string) (uuid.UUID, error) {
	if ownerEmail == "" {
		return uuid.Nil, fmt.Errorf("owner email cannot be empty")
	}
	return a.Enqueue(ctx, &tenantID, "billing.expiry.reminder", map[string]any{
		"expires_at": expiresAt,
	}, "email", ownerEmail)
}

// EnqueueOrderReceipt pushes an order summary to the tenant's configured
// receipt webhook.
func (a *App) EnqueueOrderReceipt(ctx context.Context, tenantID uuid.UUID, webhookURL string, order map[string]any) (uuid.UUID, error) {
	if len(order) == 0 {
		return uuid.Nil, fmt.Errorf("order payload cannot be empty")
	}
	return a.Enqueue(ctx, &tenantID, "order.receipt", order, "webhook", webhookURL)
}

// EnqueuePing records a connectivity test event.
func (a *App) EnqueuePing(ctx context.Context, target string) (uuid.UUID, error) {
	return a.Enqueue(ctx, nil, "ping", map[string]any{
		"hello": "world",
	}, "webhook", target)
}
