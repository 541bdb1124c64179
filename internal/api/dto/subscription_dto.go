package dto

import (
	"time"

	"github.com/spec-kit/support-relay/internal/directory"
)

// SubscriptionResponse describes the caller's linked subscription.
type SubscriptionResponse struct {
	UUID     string     `json:"uuid"`
	Username string     `json:"username,omitempty"`
	Status   string     `json:"status"`
	Email    string     `json:"email,omitempty"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

// NewSubscriptionResponse maps a directory subject to its API shape.
func NewSubscriptionResponse(subject *directory.Subject) SubscriptionResponse {
	return SubscriptionResponse{
		UUID:     subject.UUID,
		Username: subject.Username,
		Status:   subject.Status,
		Email:    subject.Email,
		ExpireAt: subject.ExpireAt,
	}
}
