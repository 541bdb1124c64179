package events

import (
	"time"

	"github.com/spec-kit/support-relay/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventThreadOpened       EventType = "thread_opened"
	EventThreadClosed       EventType = "thread_closed"
	EventThreadReopened     EventType = "thread_reopened"
	EventRatingReceived     EventType = "rating_received"
	EventPaymentReconciled  EventType = "payment_reconciled"
	EventChannelCreateError EventType = "channel_create_error"
)

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	UserID    int64       `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ThreadOpenedPayload payload.
type ThreadOpenedPayload struct {
	ChannelID    int64  `json:"channel_id"`
	ThreadHandle int64  `json:"thread_handle"`
	DisplayName  string `json:"display_name"`
}

// ThreadClosedPayload payload.
type ThreadClosedPayload struct {
	ChannelID    int64 `json:"channel_id"`
	ThreadHandle int64 `json:"thread_handle"`
	Archived     bool  `json:"archived"`
}

// ThreadReopenedPayload payload.
type ThreadReopenedPayload struct {
	ChannelID    int64 `json:"channel_id"`
	ThreadHandle int64 `json:"thread_handle"`
}

// RatingReceivedPayload payload.
type RatingReceivedPayload struct {
	ChannelID   int64  `json:"channel_id"`
	Score       int    `json:"score"`
	DisplayName string `json:"display_name"`
}

// PaymentReconciledPayload payload.
type PaymentReconciledPayload struct {
	OrderID     string         `json:"order_id"`
	Gateway     domain.Gateway `json:"gateway"`
	Outcome     string         `json:"outcome"`
	SubjectUUID string         `json:"subject_uuid"`
	PlanDays    int            `json:"plan_days"`
	AmountMinor int64          `json:"amount_minor"`
	Currency    string         `json:"currency"`
}

// ChannelCreateErrorPayload payload.
type ChannelCreateErrorPayload struct {
	ChannelID   int64  `json:"channel_id"`
	DisplayName string `json:"display_name"`
	Reason      string `json:"reason"`
}
