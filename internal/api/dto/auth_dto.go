package dto

import "time"

// OTPRequest asks for a verification code by email.
type OTPRequest struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// OTPVerifyRequest submits a received code.
type OTPVerifyRequest struct {
	UserID int64  `json:"user_id"`
	Code   string `json:"code"`
}

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
