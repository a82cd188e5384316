package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mwangikbr/dukapay-gobackend/internal/models"
	"github.com/mwangikbr/dukapay-gobackend/internal/providers"
	"github.com/mwangikbr/dukapay-gobackend/internal/services"
	"github.com/mwangikbr/dukapay-gobackend/internal/store"
)

type PaymentHandler struct {
	service *services.PaymentService
	log     *zap.Logger
}

func NewPaymentHandler(service *services.PaymentService, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: service, log: log}
}

// RegisterRoutes wires the payment endpoints onto the router.
func (h *PaymentHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/payments/initiate", h.InitiatePayment).Methods(http.MethodPost)
	r.HandleFunc("/api/payments/status/{transactionID}", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/payments/mpesa/callback", h.MpesaCallback).Methods(http.MethodPost)
	r.HandleFunc("/api/payments/pesapal/callback", h.PesapalCallback).Methods(http.MethodGet, http.MethodPost)
}

type initiateRequest struct {
	UserID        string          `json:"user_id"`
	ReferenceID   string          `json:"reference_id"`
	PaymentMethod string          `json:"payment_method"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Phone         string          `json:"phone,omitempty"`
	Email         string          `json:"email,omitempty"`
	Description   string          `json:"description,omitempty"`
}

type initiateResponse struct {
	TransactionID      string `json:"transaction_id"`
	MerchantReference  string `json:"merchant_reference"`
	Status             string `json:"status"`
	ProviderTrackingID string `json:"provider_tracking_id,omitempty"`
	RedirectURL        string `json:"redirect_url,omitempty"`
	CustomerMessage    string `json:"customer_message,omitempty"`
}

type transactionResponse struct {
	TransactionID      string `json:"transaction_id"`
	OrderID            string `json:"order_id"`
	MerchantReference  string `json:"merchant_reference"`
	Provider           string `json:"provider"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	Status             string `json:"status"`
	ProviderTrackingID string `json:"provider_tracking_id,omitempty"`
	CreatedAt          string `json:"created_at"`
	CompletedAt        string `json:"completed_at,omitempty"`
}

func toTransactionResponse(tx models.Transaction) transactionResponse {
	resp := transactionResponse{
		TransactionID:      tx.ID,
		OrderID:            tx.OrderID,
		MerchantReference:  tx.MerchantReference,
		Provider:           string(tx.Provider),
		Amount:             tx.Amount.String(),
		Currency:           tx.Currency,
		Status:             string(tx.Status),
		ProviderTrackingID: tx.ProviderTrackingID,
		CreatedAt:          tx.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if tx.CompletedAt != nil {
		resp.CompletedAt = tx.CompletedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := h.service.InitiatePayment(r.Context(), services.InitiateInput{
		UserID:      req.UserID,
		OrderID:     req.ReferenceID,
		Method:      req.PaymentMethod,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Phone:       req.Phone,
		Email:       req.Email,
		Description: req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrPendingExists):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":          "a pending payment already exists for this order",
				"transaction_id": out.Transaction.ID,
				"status":         string(out.Transaction.Status),
			})
		case errors.Is(err, providers.ErrAuth):
			h.log.Error("provider auth failed during initiation", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "payment provider unavailable")
		case errors.Is(err, providers.ErrProvider):
			h.log.Error("provider rejected initiation", zap.Error(err))
			writeError(w, http.StatusBadGateway, "payment provider rejected the request")
		default:
			h.log.Error("initiation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to initiate payment")
		}
		return
	}

	writeJSON(w, http.StatusCreated, initiateResponse{
		TransactionID:      out.Transaction.ID,
		MerchantReference:  out.Transaction.MerchantReference,
		Status:             string(out.Transaction.Status),
		ProviderTrackingID: out.Transaction.ProviderTrackingID,
		RedirectURL:        out.RedirectURL,
		CustomerMessage:    out.CustomerMessage,
	})
}

func (h *PaymentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	transactionID := vars["transactionID"]
	if transactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction id is required")
		return
	}

	tx, err := h.service.GetStatus(r.Context(), transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.log.Error("status lookup failed", zap.String("transaction_id", transactionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch transaction")
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// mpesaCallbackPayload is the Daraja STK result envelope. The flat fields
// cover the older C2B confirmation shape, which carries the reference as
// BillRefNumber at the top level instead of inside Body.stkCallback.
type mpesaCallbackPayload struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
		} `json:"stkCallback"`
	} `json:"Body"`

	TransID       string `json:"TransID"`
	BillRefNumber string `json:"BillRefNumber"`
	ResultCode    *int   `json:"ResultCode"`
	ResultDesc    string `json:"ResultDesc"`
}

// MpesaCallback handles the Daraja STK result. The provider redelivers on
// anything but 200, so known outcomes and unknown transactions both
// acknowledge; only a payload we cannot parse at all is rejected.
func (h *PaymentHandler) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable callback body")
		return
	}

	var payload mpesaCallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.log.Warn("malformed mpesa callback", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid callback payload")
		return
	}
	cb := payload.Body.StkCallback

	trackingID := cb.CheckoutRequestID
	merchantRef := ""
	resultCode := cb.ResultCode
	resultDesc := cb.ResultDesc
	eventID := cb.CheckoutRequestID
	if trackingID == "" && payload.BillRefNumber != "" {
		merchantRef = payload.BillRefNumber
		resultDesc = payload.ResultDesc
		eventID = payload.TransID
		resultCode = payload.ResultCode
	}

	// A payload without a ResultCode carries no final status; leave the
	// result nil so the reconciler queries the authoritative one instead of
	// treating the zero value as success.
	var result *providers.StatusResult
	if resultCode != nil {
		code := strconv.Itoa(*resultCode)
		result = &providers.StatusResult{
			State:        providers.MapMpesaResultCode(code),
			ResponseCode: code,
			Description:  resultDesc,
			RawBody:      string(raw),
		}
	}

	tx, err := h.service.ReconcileCallback(r.Context(), services.CallbackInput{
		Provider:          models.ProviderMobileMoney,
		TrackingID:        trackingID,
		MerchantReference: merchantRef,
		EventID:           eventID,
		Result:            result,
		Raw:               string(raw),
	})
	h.answerCallback(w, "mpesa", tx, err)
}

// PesapalCallback handles the IPN. Pesapal sends the tracking id both as GET
// query parameters and as a JSON POST, and never includes the final status,
// so the reconciler queries it back.
func (h *PaymentHandler) PesapalCallback(w http.ResponseWriter, r *http.Request) {
	trackingID := r.URL.Query().Get("OrderTrackingId")
	merchantRef := r.URL.Query().Get("OrderMerchantReference")

	if r.Method == http.MethodPost && trackingID == "" && merchantRef == "" {
		var body struct {
			OrderTrackingID        string `json:"OrderTrackingId"`
			OrderMerchantReference string `json:"OrderMerchantReference"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid callback payload")
			return
		}
		trackingID = body.OrderTrackingID
		merchantRef = body.OrderMerchantReference
	}

	tx, err := h.service.ReconcileCallback(r.Context(), services.CallbackInput{
		Provider:          models.ProviderHostedCheckout,
		TrackingID:        trackingID,
		MerchantReference: merchantRef,
		EventID:           trackingID,
	})
	h.answerCallback(w, "pesapal", tx, err)
}

// answerCallback acknowledges a provider callback. Unknown transactions are
// logged and acknowledged so the provider stops redelivering; only
// structurally invalid payloads come back 400.
func (h *PaymentHandler) answerCallback(w http.ResponseWriter, provider string, tx models.Transaction, err error) {
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCallback):
			writeError(w, http.StatusBadRequest, "callback is missing a transaction reference")
			return
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusOK, map[string]string{"message": "callback ignored"})
			return
		default:
			// Acknowledge anyway; the status poller or the next delivery
			// reconciles what this attempt could not.
			h.log.Error("callback reconciliation failed", zap.String("provider", provider), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]string{"message": "callback received"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":        "callback processed",
		"transaction_id": tx.ID,
		"status":         string(tx.Status),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
