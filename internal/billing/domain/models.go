package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrMissingEventID = errors.New("missing_event_id")
)

// Event types delivered by the payment provider.
const (
	EventTypeCheckoutCompleted = "checkout.completed"
)

// WebhookEvent is the dedupe record for at-least-once webhook delivery. The
// unique (provider, event_id) index is what makes replays no-ops.
type WebhookEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Provider    string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	EventID     string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	Type        string         `gorm:"type:text;not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time     `gorm:""`
	Error       string         `gorm:"type:text"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// IncomingEvent is the parsed webhook body. Signature verification happens at
// the HTTP boundary before this is built.
type IncomingEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PurchasePayload is the body of a checkout.completed event.
type PurchasePayload struct {
	UserID   string `json:"user_id"`
	PackKind string `json:"pack_kind"`
}

// Service applies provider events to the entitlement state exactly once.
// Business failures are recorded on the event row, not returned, so the HTTP
// layer can ack and stop provider-side retries.
type Service interface {
	HandleEvent(ctx context.Context, provider string, event IncomingEvent) error
}
