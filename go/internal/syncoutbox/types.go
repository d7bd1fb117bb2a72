package syncoutbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SyncEvent is a tenant-to-cloud change record. Unlike the notification
// outbox it carries only retry bookkeeping: there is no dead-letter
// table because the stream dedups by message id, so redelivery is always
// safe and retries never give up.
type SyncEvent struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Retries       int             `json:"retries"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

// Publisher pushes one sync event to the cloud stream.
type Publisher interface {
	Publish(ctx context.Context, event SyncEvent) error
}
