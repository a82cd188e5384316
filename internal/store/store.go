package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mwangikbr/dukapay-gobackend/internal/models"
)

// ErrNotFound means no transaction matched the lookup.
var ErrNotFound = errors.New("transaction not found")

// ErrPendingExists means the order already has a PENDING transaction. The
// store returns the existing transaction alongside this error so callers can
// hand the client the reference they should be polling.
var ErrPendingExists = errors.New("pending transaction already exists for order")

// CreatePendingInput carries everything needed to open a new transaction.
type CreatePendingInput struct {
	UserID            string
	OrderID           string
	MerchantReference string
	Provider          models.Provider
	Amount            decimal.Decimal
	Currency          string
	Contact           models.Contact
	Description       string
}

// TransactionStore is the durable record of payment attempts plus the state
// machine over them. Implementations must make the PENDING->terminal
// transition a single atomic conditional update so concurrent callbacks and
// polls converge without locks.
type TransactionStore interface {
	// CreatePending opens a PENDING transaction. At most one PENDING
	// transaction may exist per order; a second attempt returns the existing
	// one with ErrPendingExists. Terminal transactions never block a fresh
	// attempt.
	CreatePending(ctx context.Context, in CreatePendingInput) (models.Transaction, error)

	// SetTrackingID records the provider-assigned tracking id after a
	// successful initiation, along with the raw provider response.
	SetTrackingID(ctx context.Context, id, trackingID, raw string) error

	// ApplyProviderResult moves a PENDING transaction to the terminal target
	// status via compare-and-swap, recording the raw provider payload and
	// setting completed_at on the COMPLETED transition. Applying any result
	// to an already-terminal transaction is a no-op that returns the stored
	// state with transitioned=false.
	ApplyProviderResult(ctx context.Context, id string, target models.Status, raw string) (tx models.Transaction, transitioned bool, err error)

	FindByID(ctx context.Context, id string) (models.Transaction, error)

	// FindByTrackingIDOrReference resolves a callback to a transaction by
	// provider tracking id or merchant reference, whichever matches first.
	FindByTrackingIDOrReference(ctx context.Context, trackingID, merchantReference string) (models.Transaction, error)

	// ExpireStale sweeps PENDING transactions older than ttl to EXPIRED and
	// reports how many it flipped.
	ExpireStale(ctx context.Context, ttl time.Duration) (int64, error)
}
