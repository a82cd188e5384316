package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mwangikbr/dukapay-gobackend/internal/config"
	"github.com/mwangikbr/dukapay-gobackend/internal/retry"
)

// MpesaName is the adapter name used for token caching and callback routing.
const MpesaName = "mpesa"

// NormalizePhone converts a subscriber number into the MSISDN format Daraja
// expects: a leading "+" is stripped and a local trunk "0" is replaced with
// the country prefix. "0712345678" becomes "254712345678".
func NormalizePhone(phone, countryPrefix string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		phone = countryPrefix + phone[1:]
	}
	return phone
}

// wholeAmount coerces a decimal amount into the whole currency units Daraja
// requires, clamped at a minimum of 1.
func wholeAmount(d decimal.Decimal) int64 {
	n := d.IntPart()
	if n < 1 {
		n = 1
	}
	return n
}

// MpesaAdapter speaks the Daraja STK push protocol: push a payment prompt to
// the customer's phone, then poll for the result.
type MpesaAdapter struct {
	cfg     config.MpesaConfig
	tokens  *TokenCache
	retryer *retry.Executor
	client  *http.Client
	clock   func() time.Time
	log     *zap.Logger
}

func NewMpesaAdapter(cfg config.MpesaConfig, tokens *TokenCache, retryer *retry.Executor, log *zap.Logger) *MpesaAdapter {
	return &MpesaAdapter{
		cfg:     cfg,
		tokens:  tokens,
		retryer: retryer,
		client:  &http.Client{Timeout: 10 * time.Second},
		clock:   time.Now,
		log:     log,
	}
}

func (a *MpesaAdapter) Name() string { return MpesaName }

// password derives the per-request STK password:
// base64(shortcode + passkey + timestamp), timestamp in YYYYMMDDHHMMSS UTC.
func (a *MpesaAdapter) password(t time.Time) (password, timestamp string) {
	timestamp = t.UTC().Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(a.cfg.Shortcode + a.cfg.Passkey + timestamp))
	return password, timestamp
}

type mpesaSTKRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type mpesaSTKResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiatePayment pushes an STK prompt to the customer's phone. The returned
// CheckoutRequestID is the tracking id used for status queries and callbacks.
func (a *MpesaAdapter) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	token, err := a.tokens.GetToken(ctx, MpesaName, false)
	if err != nil {
		return nil, err
	}

	phone := NormalizePhone(req.Phone, a.cfg.CountryPrefix)
	password, timestamp := a.password(a.clock())
	body := mpesaSTKRequest{
		BusinessShortCode: a.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            wholeAmount(req.Amount),
		PartyA:            phone,
		PartyB:            a.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  req.MerchantReference,
		TransactionDesc:   req.Description,
	}

	var out mpesaSTKResponse
	var raw string
	err = a.retryer.Do(ctx, "mpesa:stkpush", func() error {
		raw, err = doJSON(ctx, a.client, http.MethodPost,
			a.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest",
			map[string]string{"Authorization": "Bearer " + token},
			body, &out)
		return err
	})
	if err != nil {
		a.evictOnUnauthorized(err)
		return nil, fmt.Errorf("%w: stk push: %v", ErrProvider, err)
	}

	return &InitiateResult{
		Success:         out.ResponseCode == "0",
		TrackingID:      out.CheckoutRequestID,
		ResponseCode:    out.ResponseCode,
		CustomerMessage: out.CustomerMessage,
		RawBody:         raw,
	}, nil
}

type mpesaQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type mpesaQueryResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
}

// QueryStatus re-authenticates and asks Daraja what happened to an STK push.
// If the query itself dies after retries it answers StateUnknown instead of a
// hard error, so client polling stays responsive; the caller keeps the
// transaction pending and asks again later.
func (a *MpesaAdapter) QueryStatus(ctx context.Context, trackingID string) (*StatusResult, error) {
	token, err := a.tokens.GetToken(ctx, MpesaName, false)
	if err != nil {
		a.log.Warn("mpesa status query could not authenticate", zap.Error(err))
		return &StatusResult{State: StateUnknown, Description: "status unknown, retry later"}, nil
	}

	password, timestamp := a.password(a.clock())
	body := mpesaQueryRequest{
		BusinessShortCode: a.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: trackingID,
	}

	var out mpesaQueryResponse
	var raw string
	err = a.retryer.Do(ctx, "mpesa:stkquery", func() error {
		raw, err = doJSON(ctx, a.client, http.MethodPost,
			a.cfg.BaseURL+"/mpesa/stkpushquery/v1/query",
			map[string]string{"Authorization": "Bearer " + token},
			body, &out)
		return err
	})
	if err != nil {
		a.evictOnUnauthorized(err)
		a.log.Warn("mpesa status query failed after retries",
			zap.String("tracking_id", trackingID),
			zap.Error(err))
		return &StatusResult{State: StateUnknown, Description: "status unknown, retry later", RawBody: raw}, nil
	}

	return &StatusResult{
		State:        MapMpesaResultCode(out.ResultCode),
		ResponseCode: out.ResultCode,
		Description:  out.ResultDesc,
		RawBody:      raw,
	}, nil
}

// MapMpesaResultCode translates a Daraja result code into a normalized state.
// 0 is success, 1 means the prompt is still open on the handset, 1032 is the
// customer pressing cancel.
func MapMpesaResultCode(code string) State {
	switch code {
	case "0":
		return StateSuccess
	case "1":
		return StatePending
	case "1032":
		return StateCancelled
	default:
		return StateFailed
	}
}

// evictOnUnauthorized drops the cached token when Daraja rejects it, so the
// next call re-authenticates instead of failing the same way.
func (a *MpesaAdapter) evictOnUnauthorized(err error) {
	var statusErr *retry.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		a.tokens.ClearToken(MpesaName)
	}
}

// mpesaTokenSource fetches OAuth tokens from the Daraja client-credentials
// endpoint using Basic auth.
type mpesaTokenSource struct {
	cfg    config.MpesaConfig
	client *http.Client
	clock  func() time.Time
}

// NewMpesaTokenSource builds the TokenSource the TokenCache uses for Daraja.
func NewMpesaTokenSource(cfg config.MpesaConfig) TokenSource {
	return &mpesaTokenSource{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		clock:  time.Now,
	}
}

func (s *mpesaTokenSource) Provider() string { return MpesaName }

func (s *mpesaTokenSource) FetchToken(ctx context.Context) (Token, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(s.cfg.ConsumerKey + ":" + s.cfg.ConsumerSecret))
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	_, err := doJSON(ctx, s.client, http.MethodGet,
		s.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + basic},
		nil, &out)
	if err != nil {
		return Token{}, err
	}
	if out.AccessToken == "" {
		return Token{}, fmt.Errorf("token response missing access_token")
	}

	// Daraja declares validity in seconds as a string; fall back to an hour.
	validity := time.Hour
	if secs, err := strconv.ParseInt(out.ExpiresIn, 10, 64); err == nil && secs > 0 {
		validity = time.Duration(secs) * time.Second
	}

	now := s.clock()
	return Token{Value: out.AccessToken, ObtainedAt: now, ExpiresAt: now.Add(validity)}, nil
}
