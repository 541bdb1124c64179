package bereke

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/config"
	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/gateway"
)

// Bank gateway order status codes.
const (
	statusRegistered = 0
	statusAuthorized = 1
	statusDeposited  = 2
	statusReversed   = 3
	statusRefunded   = 4
	statusACSAuth    = 5
	statusDeclined   = 6
)

// Client implements gateway.Gateway against the bank REST endpoints.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient builds a bank gateway client.
func NewClient(cfg config.BerekeConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Name identifies this gateway in the ledger.
func (c *Client) Name() domain.Gateway {
	return domain.GatewayBereke
}

type registerResponse struct {
	OrderID      string `json:"orderId"`
	FormURL      string `json:"formUrl"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Register creates a payment and returns the hosted form URL.
func (c *Client) Register(ctx context.Context, req gateway.RegisterRequest) (*gateway.RegisterResult, error) {
	form := url.Values{
		"userName":    {c.username},
		"password":    {c.password},
		"amount":      {strconv.FormatInt(req.AmountMinor, 10)},
		"currency":    {currencyCode(req.Currency)},
		"orderNumber": {req.OrderID},
		"returnUrl":   {req.ReturnURL},
		"description": {req.Description},
		"language":    {"ru"},
	}
	var resp registerResponse
	if err := c.post(ctx, "/payment/rest/register.do", form, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" && resp.ErrorCode != "0" {
		return nil, fmt.Errorf("bereke register: %s (%s)", resp.ErrorMessage, resp.ErrorCode)
	}
	return &gateway.RegisterResult{OrderRef: resp.OrderID, RedirectURL: resp.FormURL}, nil
}

type statusResponse struct {
	OrderStatus  *int   `json:"orderStatus"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// GetStatus reads the extended order status and maps it to a class.
func (c *Client) GetStatus(ctx context.Context, orderRef string) (*gateway.Status, error) {
	form := url.Values{
		"userName": {c.username},
		"password": {c.password},
		"orderId":  {orderRef},
	}
	raw, err := c.postRaw(ctx, "/payment/rest/getOrderStatusExtended.do", form)
	if err != nil {
		return nil, err
	}
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("bereke status: decode: %w", err)
	}
	if resp.ErrorCode != "" && resp.ErrorCode != "0" {
		return nil, fmt.Errorf("bereke status: %s (%s)", resp.ErrorMessage, resp.ErrorCode)
	}
	if resp.OrderStatus == nil {
		return nil, fmt.Errorf("bereke status: missing orderStatus")
	}
	return &gateway.Status{
		Class: classify(*resp.OrderStatus),
		Code:  strconv.Itoa(*resp.OrderStatus),
		Raw:   raw,
	}, nil
}

// Capture completes a two-phase payment for an authorized order.
func (c *Client) Capture(ctx context.Context, orderRef string) error {
	form := url.Values{
		"userName": {c.username},
		"password": {c.password},
		"orderId":  {orderRef},
		// Zero deposits the full authorized amount.
		"amount": {"0"},
	}
	var resp statusResponse
	if err := c.post(ctx, "/payment/rest/deposit.do", form, &resp); err != nil {
		return err
	}
	if resp.ErrorCode != "" && resp.ErrorCode != "0" {
		return fmt.Errorf("bereke deposit: %s (%s)", resp.ErrorMessage, resp.ErrorCode)
	}
	return nil
}

func classify(status int) gateway.StatusClass {
	switch status {
	case statusDeposited:
		return gateway.StatusSettled
	case statusAuthorized:
		return gateway.StatusAuthorized
	case statusDeclined, statusReversed, statusRefunded:
		return gateway.StatusFailed
	case statusRegistered, statusACSAuth:
		return gateway.StatusPending
	default:
		return gateway.StatusPending
	}
}

func currencyCode(currency string) string {
	switch strings.ToUpper(currency) {
	case "KZT":
		return "398"
	case "KGS":
		return "417"
	case "RUB":
		return "643"
	case "CNY":
		return "156"
	default:
		return "398"
	}
}

func (c *Client) post(ctx context.Context, path string, form url.Values, result any) error {
	raw, err := c.postRaw(ctx, path, form)
	if err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("bereke %s: decode: %w", path, err)
		}
	}
	return nil
}

func (c *Client) postRaw(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bereke %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bereke %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
