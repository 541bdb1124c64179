package cryptomus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/config"
	"github.com/spec-kit/support-relay/internal/gateway"
)

const testAPIKey = "test-api-key"

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.CryptomusConfig{
		BaseURL:  server.URL,
		Merchant: "merchant-1",
		APIKey:   testAPIKey,
	}, zap.NewNop())
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"order_id":"ord-1"}`)
	first := Sign(body, testAPIKey)
	second := Sign(body, testAPIKey)
	assert.Equal(t, first, second)
	assert.Len(t, first, 32)
	assert.NotEqual(t, first, Sign(body, "other-key"))
}

func TestClassify(t *testing.T) {
	cases := map[string]gateway.StatusClass{
		StatusPaid:         gateway.StatusSettled,
		StatusPaidOver:     gateway.StatusSettled,
		StatusFail:         gateway.StatusFailed,
		StatusCancel:       gateway.StatusFailed,
		StatusSystemFail:   gateway.StatusFailed,
		StatusProcess:      gateway.StatusPending,
		StatusCheck:        gateway.StatusPending,
		StatusConfirmCheck: gateway.StatusPending,
		"something_new":    gateway.StatusPending,
	}
	for status, want := range cases {
		assert.Equal(t, want, Classify(status), status)
	}
}

func TestRegisterSendsSignedRequest(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment", r.URL.Path)
		assert.Equal(t, "merchant-1", r.Header.Get("merchant"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "150.00", body["amount"])
		assert.Equal(t, "USD", body["currency"])
		assert.Equal(t, "ord-1", body["order_id"])
		assert.NotEmpty(t, r.Header.Get("sign"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": 0,
			"result": map[string]any{
				"uuid": "pay-uuid",
				"url":  "https://pay.example/checkout",
			},
		})
	}))

	result, err := client.Register(context.Background(), gateway.RegisterRequest{
		OrderID:     "ord-1",
		AmountMinor: 15000,
		Currency:    "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "pay-uuid", result.OrderRef)
	assert.Equal(t, "https://pay.example/checkout", result.RedirectURL)
}

func TestGetStatusMapsAndKeepsRaw(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment/info", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": 0,
			"result": map[string]any{
				"uuid":   "pay-uuid",
				"status": "paid",
			},
		})
	}))

	status, err := client.GetStatus(context.Background(), "pay-uuid")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSettled, status.Class)
	assert.Equal(t, "paid", status.Code)
	assert.Contains(t, string(status.Raw), "paid")
}

func TestGetStatusErrorState(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"state": 1, "message": "payment not found"})
	}))

	_, err := client.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment not found")
}

func TestCaptureUnsupported(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	err := client.Capture(context.Background(), "pay-uuid")
	assert.ErrorIs(t, err, gateway.ErrCaptureUnsupported)
}

func TestVerifyWebhook(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())

	payload := map[string]any{
		"order_id": "ord-1",
		"status":   "paid",
	}
	unsigned, err := json.Marshal(payload)
	require.NoError(t, err)
	payload["sign"] = Sign(unsigned, testAPIKey)
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	verified, err := client.VerifyWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", verified["order_id"])

	t.Run("bad signature rejected", func(t *testing.T) {
		payload["sign"] = "deadbeef"
		tampered, err := json.Marshal(payload)
		require.NoError(t, err)
		_, err = client.VerifyWebhook(tampered)
		assert.Error(t, err)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		_, err := client.VerifyWebhook(unsigned)
		assert.Error(t, err)
	})
}
