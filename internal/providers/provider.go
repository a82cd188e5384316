package providers

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrAuth means a provider token could not be obtained after retries.
var ErrAuth = errors.New("provider authentication failed")

// ErrProvider means the provider gave a non-2xx or malformed answer after
// retries. The raw detail stays in the wrapped error and never reaches API
// clients.
var ErrProvider = errors.New("provider request failed")

// State is the normalized outcome of a status query or callback, so the
// state machine stays provider-agnostic.
type State string

const (
	StateSuccess   State = "success"
	StatePending   State = "pending"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	// StateUnknown means the provider could not be reached or gave no usable
	// answer. Callers keep the transaction pending and try again later; it is
	// never turned into a fabricated success.
	StateUnknown State = "unknown"
)

// InitiateRequest carries everything an adapter needs to start a payment.
type InitiateRequest struct {
	MerchantReference string
	Amount            decimal.Decimal
	Currency          string
	Phone             string
	Email             string
	Description       string
}

// InitiateResult is the normalized answer to InitiatePayment.
type InitiateResult struct {
	Success         bool
	TrackingID      string
	RedirectURL     string
	ResponseCode    string
	CustomerMessage string
	RawBody         string
}

// StatusResult is the normalized answer to QueryStatus.
type StatusResult struct {
	State        State
	ResponseCode string
	Description  string
	RawBody      string
}

// Adapter is the capability set each payment network has to offer: start a
// payment, ask what happened to it. A third provider plugs in by implementing
// this, not by touching the state machine.
type Adapter interface {
	Name() string
	InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	QueryStatus(ctx context.Context, trackingID string) (*StatusResult, error)
}
