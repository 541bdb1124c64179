package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/config"
)

// Subscription values applied on every successful entitlement update.
const (
	SubjectStatusActive = "ACTIVE"

	// 200 GiB monthly allowance, reset on the MONTH strategy.
	trafficLimitBytes     = int64(214748364800)
	trafficLimitStrategy  = "MONTH"
	usedTrafficResetBytes = int64(0)
)

// ErrSubjectNotFound is returned when no subject matches the lookup key.
var ErrSubjectNotFound = errors.New("directory: subject not found")

// Subject is a validated directory record for one subscription holder.
type Subject struct {
	UUID       string
	Username   string
	Status     string
	Email      string
	TelegramID int64
	ExpireAt   *time.Time
}

// UpdateRequest carries the entitlement fields written after a settled payment.
type UpdateRequest struct {
	Status               string
	ExpireAt             time.Time
	TrafficLimitBytes    int64
	TrafficLimitStrategy string
	UsedTrafficBytes     int64
}

// EntitlementUpdate returns the canonical update applied after settlement.
func EntitlementUpdate(expireAt time.Time) UpdateRequest {
	return UpdateRequest{
		Status:               SubjectStatusActive,
		ExpireAt:             expireAt,
		TrafficLimitBytes:    trafficLimitBytes,
		TrafficLimitStrategy: trafficLimitStrategy,
		UsedTrafficBytes:     usedTrafficResetBytes,
	}
}

// Client talks to the backend subscription directory over its REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a directory client with a bounded request timeout.
func NewClient(cfg config.DirectoryConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type subjectPayload struct {
	UUID       string  `json:"uuid"`
	Username   string  `json:"username"`
	Status     string  `json:"status"`
	Email      string  `json:"email"`
	TelegramID int64   `json:"telegramId"`
	ExpireAt   *string `json:"expireAt"`
}

type subjectEnvelope struct {
	Response subjectPayload `json:"response"`
}

type subjectListEnvelope struct {
	Response []subjectPayload `json:"response"`
}

func (p subjectPayload) toSubject() (*Subject, error) {
	if p.UUID == "" {
		return nil, fmt.Errorf("directory: subject without uuid")
	}
	subject := &Subject{
		UUID:       p.UUID,
		Username:   p.Username,
		Status:     p.Status,
		Email:      p.Email,
		TelegramID: p.TelegramID,
	}
	if p.ExpireAt != nil && *p.ExpireAt != "" {
		parsed, err := time.Parse(time.RFC3339, *p.ExpireAt)
		if err != nil {
			return nil, fmt.Errorf("directory: bad expireAt %q: %w", *p.ExpireAt, err)
		}
		subject.ExpireAt = &parsed
	}
	return subject, nil
}

// GetSubject loads one subject by UUID.
func (c *Client) GetSubject(ctx context.Context, uuid string) (*Subject, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(uuid), nil)
	if err != nil {
		return nil, err
	}
	var env subjectEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("directory: decode subject: %w", err)
	}
	return env.Response.toSubject()
}

// GetByEmail finds the subject registered under an email address.
func (c *Client) GetByEmail(ctx context.Context, email string) (*Subject, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/users/by-email/"+url.PathEscape(email), nil)
	if err != nil {
		return nil, err
	}
	var env subjectListEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("directory: decode subjects: %w", err)
	}
	if len(env.Response) == 0 {
		return nil, ErrSubjectNotFound
	}
	return env.Response[0].toSubject()
}

// UpdateSubject writes the entitlement fields for a subject.
func (c *Client) UpdateSubject(ctx context.Context, uuid string, update UpdateRequest) error {
	body := map[string]any{
		"uuid":                 uuid,
		"status":               update.Status,
		"expireAt":             update.ExpireAt.UTC().Format(time.RFC3339),
		"trafficLimitBytes":    update.TrafficLimitBytes,
		"trafficLimitStrategy": update.TrafficLimitStrategy,
	}
	if _, err := c.do(ctx, http.MethodPatch, "/api/users", body); err != nil {
		return err
	}
	// Usage reset is a separate endpoint; failure here must not undo the
	// entitlement write, so it is logged and swallowed.
	if _, err := c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(uuid)+"/actions/reset-traffic", nil); err != nil {
		c.logger.Warn("traffic reset failed", zap.String("subject", uuid), zap.Error(err))
	}
	return nil
}

// UpdateTelegramID binds a chat platform id to the subject record.
func (c *Client) UpdateTelegramID(ctx context.Context, uuid string, telegramID int64) error {
	body := map[string]any{
		"uuid":       uuid,
		"telegramId": telegramID,
	}
	_, err := c.do(ctx, http.MethodPatch, "/api/users", body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSubjectNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("directory error response",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("directory %s %s: status %d", method, path, resp.StatusCode)
	}
	return raw, nil
}
