package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox event.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusDelivered Status = "delivered"
)

// maxErrorLength bounds last_error / DLQ error text so a provider
// dumping a huge response body cannot bloat the table.
const maxErrorLength = 1000

// Event represents a pending notification recorded in the same
// transaction as the business change it describes.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      *uuid.UUID      `json:"tenant_id,omitempty"`
	EventType     string          `json:"event_type"`
	Channel       string          `json:"channel,omitempty"`
	Target        string          `json:"target,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Retries       int             `json:"retries"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
}

// DLQEntry is the permanent snapshot of an event whose delivery
// attempts were exhausted. Never mutated after creation.
type DLQEntry struct {
	ID               uuid.UUID       `json:"id"`
	OriginalID       uuid.UUID       `json:"original_id"`
	TenantID         *uuid.UUID      `json:"tenant_id,omitempty"`
	EventType        string          `json:"event_type"`
	Channel          string          `json:"channel,omitempty"`
	Target           string          `json:"target,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Retries          int             `json:"retries"`
	Error            string          `json:"error"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
	FailedAt         time.Time       `json:"failed_at"`
}

// DLQFilter narrows ListDLQ results. Zero values mean "no constraint".
type DLQFilter struct {
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
}

// truncateError bounds an error message for storage.
func truncateError(msg string) string {
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}
