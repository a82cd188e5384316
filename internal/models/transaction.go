package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies which payment network a transaction runs on.
type Provider string

const (
	ProviderMobileMoney    Provider = "mobile_money"
	ProviderHostedCheckout Provider = "hosted_checkout"
	ProviderCard           Provider = "card"
	ProviderCOD            Provider = "cod"
)

// ParseProvider maps the payment_method values accepted by the API onto a
// Provider. Aliases like "mpesa" and "pesapal" are kept for older clients.
func ParseProvider(method string) (Provider, bool) {
	switch method {
	case "mobile_money", "mpesa":
		return ProviderMobileMoney, true
	case "hosted_checkout", "pesapal":
		return ProviderHostedCheckout, true
	case "card":
		return ProviderCard, true
	case "cod":
		return ProviderCOD, true
	}
	return "", false
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// IsTerminal reports whether a status is final. Terminal states are sticky:
// a transaction never leaves one.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// CanTransition checks if a status transition is allowed. Only PENDING moves
// anywhere; everything else is a dead end.
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	return to.IsTerminal()
}

// Contact holds whatever the customer gave us to be reached on. Mobile money
// needs the phone, hosted checkout needs the email.
type Contact struct {
	Phone string `bson:"phone,omitempty" json:"phone,omitempty"`
	Email string `bson:"email,omitempty" json:"email,omitempty"`
}

// Transaction is a single payment attempt against a provider. Rows are never
// hard-deleted; stale PENDING rows get swept to EXPIRED instead.
type Transaction struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	OrderID             string          `json:"order_id"`
	MerchantReference   string          `json:"merchant_reference"`
	Provider            Provider        `json:"provider"`
	ProviderTrackingID  string          `json:"provider_tracking_id,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Contact             Contact         `json:"contact"`
	Description         string          `json:"description"`
	Status              Status          `json:"status"`
	RawProviderMetadata string          `json:"-"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}
