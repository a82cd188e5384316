package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mwangikbr/dukapay-gobackend/internal/config"
	"github.com/mwangikbr/dukapay-gobackend/internal/retry"
)

// PesapalName is the adapter name used for token caching and IPN routing.
const PesapalName = "pesapal"

// PesapalAdapter speaks the Pesapal API 3.0 hosted-checkout protocol: submit
// an order, redirect the customer to the hosted page, and wait for the IPN.
type PesapalAdapter struct {
	cfg     config.PesapalConfig
	tokens  *TokenCache
	retryer *retry.Executor
	client  *http.Client
	log     *zap.Logger
}

func NewPesapalAdapter(cfg config.PesapalConfig, tokens *TokenCache, retryer *retry.Executor, log *zap.Logger) *PesapalAdapter {
	return &PesapalAdapter{
		cfg:     cfg,
		tokens:  tokens,
		retryer: retryer,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

func (a *PesapalAdapter) Name() string { return PesapalName }

type pesapalOrderRequest struct {
	ID             string  `json:"id"`
	Currency       string  `json:"currency"`
	Amount         float64 `json:"amount"`
	Description    string  `json:"description"`
	CallbackURL    string  `json:"callback_url"`
	NotificationID string  `json:"notification_id"`
	BillingAddress struct {
		EmailAddress string `json:"email_address,omitempty"`
		PhoneNumber  string `json:"phone_number,omitempty"`
	} `json:"billing_address"`
}

type pesapalOrderResponse struct {
	OrderTrackingID string `json:"order_tracking_id"`
	RedirectURL     string `json:"redirect_url"`
	Status          string `json:"status"`
	Error           *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// InitiatePayment submits a hosted order. The customer finishes payment on
// the returned redirect URL; the order tracking id correlates the eventual
// IPN back to our transaction.
func (a *PesapalAdapter) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	token, err := a.tokens.GetToken(ctx, PesapalName, false)
	if err != nil {
		return nil, err
	}

	amount, _ := req.Amount.Float64()
	body := pesapalOrderRequest{
		ID:             req.MerchantReference,
		Currency:       req.Currency,
		Amount:         amount,
		Description:    req.Description,
		CallbackURL:    a.cfg.CallbackURL,
		NotificationID: a.cfg.IPNID,
	}
	body.BillingAddress.EmailAddress = req.Email
	body.BillingAddress.PhoneNumber = req.Phone

	var out pesapalOrderResponse
	var raw string
	err = a.retryer.Do(ctx, "pesapal:submitorder", func() error {
		raw, err = doJSON(ctx, a.client, http.MethodPost,
			a.cfg.BaseURL+"/api/Transactions/SubmitOrderRequest",
			map[string]string{"Authorization": "Bearer " + token},
			body, &out)
		return err
	})
	if err != nil {
		a.evictOnUnauthorized(err)
		return nil, fmt.Errorf("%w: submit order: %v", ErrProvider, err)
	}
	if out.Error != nil {
		return &InitiateResult{Success: false, ResponseCode: out.Error.Code, RawBody: raw}, nil
	}

	return &InitiateResult{
		Success:     out.OrderTrackingID != "",
		TrackingID:  out.OrderTrackingID,
		RedirectURL: out.RedirectURL,
		RawBody:     raw,
	}, nil
}

type pesapalStatusResponse struct {
	PaymentStatusDescription string `json:"payment_status_description"`
	PaymentMethod            string `json:"payment_method"`
	ConfirmationCode         string `json:"confirmation_code"`
	Description              string `json:"description"`
	StatusCode               int    `json:"status_code"`
}

// QueryStatus asks Pesapal for the authoritative state of an order. IPNs do
// not carry a final status, so the reconciler always comes through here.
func (a *PesapalAdapter) QueryStatus(ctx context.Context, trackingID string) (*StatusResult, error) {
	token, err := a.tokens.GetToken(ctx, PesapalName, false)
	if err != nil {
		a.log.Warn("pesapal status query could not authenticate", zap.Error(err))
		return &StatusResult{State: StateUnknown, Description: "status unknown, retry later"}, nil
	}

	var out pesapalStatusResponse
	var raw string
	err = a.retryer.Do(ctx, "pesapal:status", func() error {
		raw, err = doJSON(ctx, a.client, http.MethodGet,
			a.cfg.BaseURL+"/api/Transactions/GetTransactionStatus?orderTrackingId="+trackingID,
			map[string]string{"Authorization": "Bearer " + token},
			nil, &out)
		return err
	})
	if err != nil {
		a.evictOnUnauthorized(err)
		a.log.Warn("pesapal status query failed after retries",
			zap.String("tracking_id", trackingID),
			zap.Error(err))
		return &StatusResult{State: StateUnknown, Description: "status unknown, retry later", RawBody: raw}, nil
	}

	return &StatusResult{
		State:        MapPesapalStatus(out.PaymentStatusDescription),
		ResponseCode: out.ConfirmationCode,
		Description:  out.Description,
		RawBody:      raw,
	}, nil
}

// MapPesapalStatus translates Pesapal's payment_status_description into a
// normalized state.
func MapPesapalStatus(status string) State {
	switch status {
	case "COMPLETED", "Completed":
		return StateSuccess
	case "PENDING", "Pending":
		return StatePending
	case "FAILED", "Failed", "INVALID", "Invalid":
		return StateFailed
	case "CANCELLED", "Cancelled", "REVERSED", "Reversed":
		return StateCancelled
	default:
		return StateUnknown
	}
}

func (a *PesapalAdapter) evictOnUnauthorized(err error) {
	var statusErr *retry.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		a.tokens.ClearToken(PesapalName)
	}
}

// pesapalTokenSource fetches short-lived bearer tokens from Auth/RequestToken.
type pesapalTokenSource struct {
	cfg    config.PesapalConfig
	client *http.Client
	clock  func() time.Time
}

// NewPesapalTokenSource builds the TokenSource the TokenCache uses for
// Pesapal.
func NewPesapalTokenSource(cfg config.PesapalConfig) TokenSource {
	return &pesapalTokenSource{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		clock:  time.Now,
	}
}

func (s *pesapalTokenSource) Provider() string { return PesapalName }

func (s *pesapalTokenSource) FetchToken(ctx context.Context) (Token, error) {
	body := map[string]string{
		"consumer_key":    s.cfg.ConsumerKey,
		"consumer_secret": s.cfg.ConsumerSecret,
	}
	var out struct {
		Token      string `json:"token"`
		ExpiryDate string `json:"expiryDate"`
		Status     string `json:"status"`
	}
	_, err := doJSON(ctx, s.client, http.MethodPost,
		s.cfg.BaseURL+"/api/Auth/RequestToken", nil, body, &out)
	if err != nil {
		return Token{}, err
	}
	if out.Token == "" {
		return Token{}, fmt.Errorf("token response missing token")
	}

	now := s.clock()
	// Pesapal tokens are valid for 5 minutes; trust the declared expiry when
	// it parses, otherwise use that window.
	expiresAt := now.Add(5 * time.Minute)
	if t, perr := time.Parse(time.RFC3339, out.ExpiryDate); perr == nil {
		expiresAt = t
	}
	return Token{Value: out.Token, ObtainedAt: now, ExpiresAt: expiresAt}, nil
}
