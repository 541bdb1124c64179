package gateway

import (
	"context"
	"errors"

	"github.com/spec-kit/support-relay/internal/domain"
)

// StatusClass buckets gateway-specific statuses into what reconciliation
// cares about. Only Settled counts as success for entitlement purposes;
// Authorized means funds are held but a capture call is still required.
type StatusClass int

const (
	StatusPending StatusClass = iota
	StatusAuthorized
	StatusSettled
	StatusFailed
)

// Status is a gateway status observation with its raw payload preserved.
type Status struct {
	Class StatusClass
	Code  string
	Raw   []byte
}

// RegisterRequest describes a new payment to register with a gateway.
type RegisterRequest struct {
	OrderID     string
	AmountMinor int64
	Currency    string
	ReturnURL   string
	Description string
}

// RegisterResult carries the gateway correlation key and the URL the payer
// is redirected to.
type RegisterResult struct {
	OrderRef    string
	RedirectURL string
}

// ErrCaptureUnsupported is returned by gateways without a capture step.
var ErrCaptureUnsupported = errors.New("gateway: capture not supported")

// Gateway is the payment provider capability consumed by this service.
type Gateway interface {
	Name() domain.Gateway
	Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error)
	GetStatus(ctx context.Context, orderRef string) (*Status, error)
	// Capture drives an authorized payment to settlement. Idempotency of
	// repeated captures is the gateway's responsibility.
	Capture(ctx context.Context, orderRef string) error
}

// Registry resolves a gateway by name.
type Registry map[domain.Gateway]Gateway

// Get returns the named gateway or nil.
func (r Registry) Get(name domain.Gateway) Gateway {
	if r == nil {
		return nil
	}
	return r[name]
}
