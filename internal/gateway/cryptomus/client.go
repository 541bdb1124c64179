package cryptomus

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/config"
	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/gateway"
)

// Payment statuses reported by the crypto gateway.
const (
	StatusPaid         = "paid"
	StatusPaidOver     = "paid_over"
	StatusFail         = "fail"
	StatusCancel       = "cancel"
	StatusSystemFail   = "system_fail"
	StatusProcess      = "process"
	StatusCheck        = "check"
	StatusConfirmCheck = "confirm_check"
)

// Client implements gateway.Gateway against the crypto gateway JSON API.
type Client struct {
	baseURL  string
	merchant string
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient builds a crypto gateway client.
func NewClient(cfg config.CryptomusConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		merchant: cfg.Merchant,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Name identifies this gateway in the ledger.
func (c *Client) Name() domain.Gateway {
	return domain.GatewayCryptomus
}

// Sign computes md5(base64(body) + apiKey) over the exact request body.
func Sign(body []byte, apiKey string) string {
	encoded := base64.StdEncoding.EncodeToString(body)
	sum := md5.Sum([]byte(encoded + apiKey))
	return hex.EncodeToString(sum[:])
}

type envelope struct {
	State   int             `json:"state"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type paymentResult struct {
	UUID    string `json:"uuid"`
	OrderID string `json:"order_id"`
	URL     string `json:"url"`
	Status  string `json:"status"`
}

// Register creates a payment and returns the checkout URL. The gateway
// takes decimal amounts, so the minor amount is converted back at the edge.
func (c *Client) Register(ctx context.Context, req gateway.RegisterRequest) (*gateway.RegisterResult, error) {
	payload := map[string]any{
		"amount":   fmt.Sprintf("%d.%02d", req.AmountMinor/100, req.AmountMinor%100),
		"currency": req.Currency,
		"order_id": req.OrderID,
	}
	if req.ReturnURL != "" {
		payload["url_return"] = req.ReturnURL
	}
	var result paymentResult
	if err := c.post(ctx, "/v1/payment", payload, &result); err != nil {
		return nil, err
	}
	return &gateway.RegisterResult{OrderRef: result.UUID, RedirectURL: result.URL}, nil
}

// GetStatus fetches payment info and maps its status to a class.
func (c *Client) GetStatus(ctx context.Context, orderRef string) (*gateway.Status, error) {
	payload := map[string]any{"uuid": orderRef}
	raw, err := c.postRaw(ctx, "/v1/payment/info", payload)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("cryptomus info: decode: %w", err)
	}
	if env.State != 0 {
		return nil, fmt.Errorf("cryptomus info: %s", env.Message)
	}
	var result paymentResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("cryptomus info: result: %w", err)
	}
	return &gateway.Status{
		Class: Classify(result.Status),
		Code:  result.Status,
		Raw:   env.Result,
	}, nil
}

// Capture is a no-op: crypto payments settle without a capture phase.
func (c *Client) Capture(ctx context.Context, orderRef string) error {
	return gateway.ErrCaptureUnsupported
}

// VerifyWebhook checks a webhook body against its reported signature.
// The sign field is computed over the body with the sign removed.
func (c *Client) VerifyWebhook(body []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("cryptomus webhook: decode: %w", err)
	}
	reported, _ := payload["sign"].(string)
	if reported == "" {
		return nil, fmt.Errorf("cryptomus webhook: missing sign")
	}
	delete(payload, "sign")
	unsigned, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if Sign(unsigned, c.apiKey) != reported {
		return nil, fmt.Errorf("cryptomus webhook: signature mismatch")
	}
	return payload, nil
}

// Classify maps a gateway status string to a status class.
func Classify(status string) gateway.StatusClass {
	switch status {
	case StatusPaid, StatusPaidOver:
		return gateway.StatusSettled
	case StatusFail, StatusCancel, StatusSystemFail:
		return gateway.StatusFailed
	default:
		return gateway.StatusPending
	}
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any, result any) error {
	raw, err := c.postRaw(ctx, path, payload)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cryptomus %s: decode: %w", path, err)
	}
	if env.State != 0 {
		return fmt.Errorf("cryptomus %s: %s", path, env.Message)
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("cryptomus %s: result: %w", path, err)
		}
	}
	return nil
}

func (c *Client) postRaw(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", c.merchant)
	req.Header.Set("sign", Sign(body, c.apiKey))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cryptomus %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("cryptomus error response",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return nil, fmt.Errorf("cryptomus %s: status %d", path, resp.StatusCode)
	}
	return raw, nil
}
