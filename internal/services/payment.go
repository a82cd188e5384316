package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mwangikbr/dukapay-gobackend/internal/cache"
	"github.com/mwangikbr/dukapay-gobackend/internal/models"
	"github.com/mwangikbr/dukapay-gobackend/internal/providers"
	"github.com/mwangikbr/dukapay-gobackend/internal/store"
)

// processedTTL is how long a handled callback id stays in the dedup store.
const processedTTL = 24 * time.Hour

// PaymentService orchestrates payment initiation, status polling and callback
// reconciliation across the configured provider adapters.
type PaymentService struct {
	store      store.TransactionStore
	adapters   map[models.Provider]providers.Adapter
	gateway    OrderGateway
	processed  cache.ProcessedStore
	currency   string
	currencies []string
	log        *zap.Logger
}

func NewPaymentService(
	txStore store.TransactionStore,
	adapters map[models.Provider]providers.Adapter,
	gateway OrderGateway,
	processed cache.ProcessedStore,
	currency string,
	currencies []string,
	log *zap.Logger,
) *PaymentService {
	if len(currencies) == 0 {
		currencies = []string{currency}
	}
	return &PaymentService{
		store:      txStore,
		adapters:   adapters,
		gateway:    gateway,
		processed:  processed,
		currency:   currency,
		currencies: currencies,
		log:        log,
	}
}

// InitiateInput is the checkout request as the handler parsed it.
type InitiateInput struct {
	UserID      string
	OrderID     string
	Method      string
	Amount      decimal.Decimal
	Currency    string
	Phone       string
	Email       string
	Description string
}

// InitiateOutput is the created transaction plus whatever the customer needs
// to finish paying (hosted-checkout redirect, STK prompt message).
type InitiateOutput struct {
	Transaction     models.Transaction
	RedirectURL     string
	CustomerMessage string
}

// InitiatePayment validates the request, opens a PENDING transaction and
// kicks off the provider flow. Validation fails fast, before anything leaves
// the process. A conflict with an existing PENDING transaction comes back as
// store.ErrPendingExists with that transaction attached.
func (s *PaymentService) InitiatePayment(ctx context.Context, in InitiateInput) (InitiateOutput, error) {
	provider, adapter, err := s.resolveAdapter(in.Method)
	if err != nil {
		return InitiateOutput{}, err
	}

	currency := in.Currency
	if currency == "" {
		currency = s.currency
	}
	if err := validateInitiate(provider, in, currency, s.currencies); err != nil {
		return InitiateOutput{}, err
	}

	tx, err := s.store.CreatePending(ctx, store.CreatePendingInput{
		UserID:            in.UserID,
		OrderID:           in.OrderID,
		MerchantReference: uuid.NewString(),
		Provider:          provider,
		Amount:            in.Amount,
		Currency:          currency,
		Contact:           models.Contact{Phone: in.Phone, Email: in.Email},
		Description:       in.Description,
	})
	if err != nil {
		if errors.Is(err, store.ErrPendingExists) {
			return InitiateOutput{Transaction: tx}, err
		}
		return InitiateOutput{}, fmt.Errorf("create transaction: %w", err)
	}

	s.log.Info("payment initiated",
		zap.String("transaction_id", tx.ID),
		zap.String("order_id", tx.OrderID),
		zap.String("provider", string(provider)),
		zap.String("amount", tx.Amount.String()))

	res, err := adapter.InitiatePayment(ctx, providers.InitiateRequest{
		MerchantReference: tx.MerchantReference,
		Amount:            tx.Amount,
		Currency:          currency,
		Phone:             in.Phone,
		Email:             in.Email,
		Description:       in.Description,
	})
	if err != nil {
		s.failInitiation(ctx, tx.ID, err.Error())
		return InitiateOutput{}, err
	}
	if !res.Success {
		s.failInitiation(ctx, tx.ID, res.RawBody)
		return InitiateOutput{}, fmt.Errorf("%w: initiation rejected with code %s", providers.ErrProvider, res.ResponseCode)
	}

	if err := s.store.SetTrackingID(ctx, tx.ID, res.TrackingID, res.RawBody); err != nil {
		return InitiateOutput{}, fmt.Errorf("store tracking id: %w", err)
	}
	tx.ProviderTrackingID = res.TrackingID

	return InitiateOutput{
		Transaction:     tx,
		RedirectURL:     res.RedirectURL,
		CustomerMessage: res.CustomerMessage,
	}, nil
}

// failInitiation closes a transaction whose initiation never reached the
// provider (or was rejected outright), so no half-open PENDING row lingers.
// The row stays around as FAILED for the audit trail.
func (s *PaymentService) failInitiation(ctx context.Context, txID, raw string) {
	if _, _, err := s.store.ApplyProviderResult(ctx, txID, models.StatusFailed, raw); err != nil {
		s.log.Error("failed to close transaction after initiation error",
			zap.String("transaction_id", txID),
			zap.Error(err))
	}
}

// GetStatus returns the current transaction state, live-querying the
// provider when the transaction is still PENDING and has a tracking id. A
// PENDING transaction without a tracking id answers PENDING with no outbound
// call.
func (s *PaymentService) GetStatus(ctx context.Context, txID string) (models.Transaction, error) {
	tx, err := s.store.FindByID(ctx, txID)
	if err != nil {
		return models.Transaction{}, err
	}
	if tx.Status.IsTerminal() || tx.ProviderTrackingID == "" {
		return tx, nil
	}

	adapter, ok := s.adapters[tx.Provider]
	if !ok {
		return tx, nil
	}
	res, err := adapter.QueryStatus(ctx, tx.ProviderTrackingID)
	if err != nil {
		s.log.Warn("status query failed",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
		return tx, nil
	}
	return s.applyResult(ctx, tx, res)
}

// CallbackInput is a provider callback after the handler normalized it.
type CallbackInput struct {
	Provider          models.Provider
	TrackingID        string
	MerchantReference string
	// EventID deduplicates redelivered callbacks; falls back to TrackingID.
	EventID string
	// Result is the final status if the payload carried one. Nil means the
	// authoritative status has to be queried from the provider.
	Result *providers.StatusResult
	Raw    string
}

// ReconcileCallback resolves an inbound webhook/IPN to a transaction and
// applies its result idempotently. Unknown transactions surface as
// store.ErrNotFound, which callers acknowledge anyway to stop provider
// redelivery storms. Structurally empty payloads fail with
// models.ErrInvalidCallback.
func (s *PaymentService) ReconcileCallback(ctx context.Context, in CallbackInput) (models.Transaction, error) {
	if in.TrackingID == "" && in.MerchantReference == "" {
		return models.Transaction{}, models.ErrInvalidCallback
	}

	tx, err := s.store.FindByTrackingIDOrReference(ctx, in.TrackingID, in.MerchantReference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("callback for unknown transaction",
				zap.String("provider", string(in.Provider)),
				zap.String("tracking_id", in.TrackingID),
				zap.String("merchant_reference", in.MerchantReference))
		}
		return models.Transaction{}, err
	}

	// The dedup key must be distinct per transaction; a merchant-reference
	// only callback has no delivery id, so fall through to the resolved
	// transaction id rather than sharing one empty key.
	eventID := in.EventID
	if eventID == "" {
		eventID = in.TrackingID
	}
	if eventID == "" {
		eventID = tx.ID
	}
	if seen, derr := s.processed.IsProcessed(ctx, eventID); derr == nil && seen {
		// Redelivery of something we already handled; answer with the state
		// we hold. The store CAS would make this a no-op anyway.
		return tx, nil
	} else if derr != nil {
		s.log.Warn("processed-callback lookup failed, continuing", zap.Error(derr))
	}

	res := in.Result
	if res == nil {
		trackingID := in.TrackingID
		if trackingID == "" {
			trackingID = tx.ProviderTrackingID
		}
		adapter, ok := s.adapters[tx.Provider]
		if !ok {
			return tx, fmt.Errorf("no adapter registered for provider %s", tx.Provider)
		}
		res, err = adapter.QueryStatus(ctx, trackingID)
		if err != nil {
			return tx, err
		}
	}
	if in.Raw != "" && res.RawBody == "" {
		res.RawBody = in.Raw
	}

	tx, err = s.applyResult(ctx, tx, res)
	if err != nil {
		return tx, err
	}

	if tx.Status.IsTerminal() {
		if merr := s.processed.MarkProcessed(ctx, eventID, processedTTL); merr != nil {
			s.log.Warn("failed to mark callback processed", zap.Error(merr))
		}
	}
	return tx, nil
}

// applyResult maps a normalized provider result onto the state machine and
// fires the order-side effect on the transition that first enters COMPLETED.
// Pending and unknown results leave the transaction as it is.
func (s *PaymentService) applyResult(ctx context.Context, tx models.Transaction, res *providers.StatusResult) (models.Transaction, error) {
	var target models.Status
	switch res.State {
	case providers.StateSuccess:
		target = models.StatusCompleted
	case providers.StateFailed:
		target = models.StatusFailed
	case providers.StateCancelled:
		target = models.StatusCancelled
	default:
		return tx, nil
	}

	updated, transitioned, err := s.store.ApplyProviderResult(ctx, tx.ID, target, res.RawBody)
	if err != nil {
		return tx, fmt.Errorf("apply provider result: %w", err)
	}

	if transitioned {
		s.log.Info("transaction transitioned",
			zap.String("transaction_id", updated.ID),
			zap.String("order_id", updated.OrderID),
			zap.String("status", string(updated.Status)),
			zap.String("provider_code", res.ResponseCode))
	}

	// Only the call that actually performed the PENDING->COMPLETED swap gets
	// here, so the order is marked paid at most once.
	if transitioned && updated.Status == models.StatusCompleted {
		if gerr := s.gateway.MarkPaid(ctx, updated.OrderID); gerr != nil {
			// The transaction is already terminal; nothing will retry this
			// automatically. Loud log for manual follow-up.
			s.log.Error("MarkPaid failed after completion",
				zap.String("transaction_id", updated.ID),
				zap.String("order_id", updated.OrderID),
				zap.Error(gerr))
		}
	}
	return updated, nil
}

// RunExpirySweep periodically flips PENDING transactions older than ttl to
// EXPIRED, so an abandoned attempt eventually stops blocking a fresh one.
// Blocks until ctx is cancelled.
func (s *PaymentService) RunExpirySweep(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.ExpireStale(ctx, ttl); err != nil {
				s.log.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *PaymentService) resolveAdapter(method string) (models.Provider, providers.Adapter, error) {
	provider, ok := models.ParseProvider(method)
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown payment_method %q", models.ErrValidation, method)
	}
	adapter, ok := s.adapters[provider]
	if !ok {
		return "", nil, fmt.Errorf("%w: payment_method %q is not enabled", models.ErrValidation, method)
	}
	return provider, adapter, nil
}

func validateInitiate(provider models.Provider, in InitiateInput, currency string, supported []string) error {
	if in.OrderID == "" {
		return fmt.Errorf("%w: reference_id is required", models.ErrValidation)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	ok := false
	for _, cur := range supported {
		if currency == cur {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: currency %s is not supported", models.ErrValidation, currency)
	}
	switch provider {
	case models.ProviderMobileMoney:
		if !validPhone(in.Phone) {
			return fmt.Errorf("%w: a valid phone number is required for mobile money", models.ErrValidation)
		}
	case models.ProviderHostedCheckout:
		if !strings.Contains(in.Email, "@") {
			return fmt.Errorf("%w: a valid email is required for hosted checkout", models.ErrValidation)
		}
	}
	return nil
}

// validPhone accepts the formats the normalizer can handle: optional leading
// "+", then 9 to 14 digits.
func validPhone(p string) bool {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "+")
	if len(p) < 9 || len(p) > 14 {
		return false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
