package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mwangikbr/dukapay-gobackend/internal/cache"
	"github.com/mwangikbr/dukapay-gobackend/internal/models"
	"github.com/mwangikbr/dukapay-gobackend/internal/providers"
	"github.com/mwangikbr/dukapay-gobackend/internal/services"
	"github.com/mwangikbr/dukapay-gobackend/internal/store"
)

type stubAdapter struct {
	name         string
	initResult   *providers.InitiateResult
	initErr      error
	statusResult *providers.StatusResult
	statusCalls  int
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) InitiatePayment(ctx context.Context, req providers.InitiateRequest) (*providers.InitiateResult, error) {
	if a.initErr != nil {
		return nil, a.initErr
	}
	return a.initResult, nil
}

func (a *stubAdapter) QueryStatus(ctx context.Context, trackingID string) (*providers.StatusResult, error) {
	a.statusCalls++
	return a.statusResult, nil
}

type nopGateway struct{ calls int }

func (g *nopGateway) MarkPaid(ctx context.Context, orderID string) error {
	g.calls++
	return nil
}

type env struct {
	router  *mux.Router
	mpesa   *stubAdapter
	pesapal *stubAdapter
	gateway *nopGateway
}

func newEnv() *env {
	mpesa := &stubAdapter{
		name: "mpesa",
		initResult: &providers.InitiateResult{
			Success:         true,
			TrackingID:      "ws_CO_42",
			CustomerMessage: "Success. Request accepted for processing",
		},
		statusResult: &providers.StatusResult{State: providers.StatePending},
	}
	pesapal := &stubAdapter{
		name: "pesapal",
		initResult: &providers.InitiateResult{
			Success:     true,
			TrackingID:  "pp-track-1",
			RedirectURL: "https://pay.pesapal.com/iframe/pp-track-1",
		},
		statusResult: &providers.StatusResult{State: providers.StateSuccess},
	}
	gateway := &nopGateway{}
	svc := services.NewPaymentService(
		store.NewMemoryStore(),
		map[models.Provider]providers.Adapter{
			models.ProviderMobileMoney:    mpesa,
			models.ProviderHostedCheckout: pesapal,
		},
		gateway,
		cache.NewMemoryProcessedStore(),
		"KES",
		[]string{"KES"},
		zap.NewNop(),
	)
	router := mux.NewRouter()
	NewPaymentHandler(svc, zap.NewNop()).RegisterRoutes(router)
	return &env{router: router, mpesa: mpesa, pesapal: pesapal, gateway: gateway}
}

func (e *env) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed), "body: %s", rec.Body.String())
	}
	return rec, parsed
}

const initiateBody = `{
	"user_id": "user-1",
	"reference_id": "O-1",
	"payment_method": "mpesa",
	"amount": 500,
	"phone": "0712345678",
	"description": "Order O-1"
}`

func TestInitiateEndpoint_Created(t *testing.T) {
	e := newEnv()

	rec, body := e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, body["transaction_id"])
	assert.NotEmpty(t, body["merchant_reference"])
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "ws_CO_42", body["provider_tracking_id"])
	assert.Equal(t, "Success. Request accepted for processing", body["customer_message"])
}

func TestInitiateEndpoint_HostedCheckoutRedirect(t *testing.T) {
	e := newEnv()

	rec, body := e.do(t, http.MethodPost, "/api/payments/initiate", `{
		"reference_id": "O-2",
		"payment_method": "pesapal",
		"amount": "1250.50",
		"email": "customer@example.com"
	}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "https://pay.pesapal.com/iframe/pp-track-1", body["redirect_url"])
}

func TestInitiateEndpoint_BadBody(t *testing.T) {
	e := newEnv()

	rec, body := e.do(t, http.MethodPost, "/api/payments/initiate", `{not json`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "invalid request body")
}

func TestInitiateEndpoint_ValidationError(t *testing.T) {
	e := newEnv()

	rec, body := e.do(t, http.MethodPost, "/api/payments/initiate", `{
		"reference_id": "O-1",
		"payment_method": "mpesa",
		"amount": -5,
		"phone": "0712345678"
	}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "amount")
}

func TestInitiateEndpoint_ConflictOnPendingOrder(t *testing.T) {
	e := newEnv()

	rec, first := e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, first["transaction_id"], body["transaction_id"])
	assert.Equal(t, "PENDING", body["status"])
}

func TestInitiateEndpoint_ProviderRejection(t *testing.T) {
	e := newEnv()
	e.mpesa.initResult = &providers.InitiateResult{Success: false, ResponseCode: "1"}

	rec, _ := e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv()

	_, created := e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)
	txID := created["transaction_id"].(string)

	rec, body := e.do(t, http.MethodGet, "/api/payments/status/"+txID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "500", body["amount"])
	assert.Equal(t, "O-1", body["order_id"])
}

func TestStatusEndpoint_NotFound(t *testing.T) {
	e := newEnv()

	rec, body := e.do(t, http.MethodGet, "/api/payments/status/missing-id", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transaction not found", body["error"])
}

func mpesaCallbackBody(checkoutRequestID string, resultCode int, desc string) string {
	payload := map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": checkoutRequestID,
				"ResultCode":        resultCode,
				"ResultDesc":        desc,
			},
		},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func TestMpesaCallback_CompletesTransaction(t *testing.T) {
	e := newEnv()
	e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)

	rec, body := e.do(t, http.MethodPost, "/api/payments/mpesa/callback",
		mpesaCallbackBody("ws_CO_42", 0, "The service request is processed successfully."))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, 1, e.gateway.calls)

	// Redelivery keeps the answer 200 and changes nothing.
	rec, body = e.do(t, http.MethodPost, "/api/payments/mpesa/callback",
		mpesaCallbackBody("ws_CO_42", 0, "The service request is processed successfully."))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, 1, e.gateway.calls)
}

func TestMpesaCallback_CancelledByUser(t *testing.T) {
	e := newEnv()
	e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)

	rec, body := e.do(t, http.MethodPost, "/api/payments/mpesa/callback",
		mpesaCallbackBody("ws_CO_42", 1032, "Request cancelled by user"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", body["status"])
	assert.Equal(t, 0, e.gateway.calls)
}

func TestMpesaCallback_NoResultCodeQueriesProvider(t *testing.T) {
	e := newEnv()
	e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)

	// A callback without a ResultCode carries no outcome and must not be
	// mistaken for code 0.
	rec, body := e.do(t, http.MethodPost, "/api/payments/mpesa/callback",
		`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_42"}}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, 1, e.mpesa.statusCalls, "outcome must come from a status query")
	assert.Equal(t, 0, e.gateway.calls)

	// Once the provider reports success, the same shape completes it.
	e.mpesa.statusResult = &providers.StatusResult{State: providers.StateSuccess, ResponseCode: "0"}
	rec, body = e.do(t, http.MethodPost, "/api/payments/mpesa/callback",
		`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_42"}}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, 1, e.gateway.calls)
}

func TestMpesaCallback_FlatC2BShape(t *testing.T) {
	e := newEnv()
	_, created := e.do(t, http.MethodPost, "/api/payments/initiate", initiateBody)

	body := `{"TransID":"RKTQDM7W6S","BillRefNumber":"` + created["merchant_reference"].(string) + `","ResultCode":0,"ResultDesc":"Accepted"}`
	rec, resp := e.do(t, http.MethodPost, "/api/payments/mpesa/callback", body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", resp["status"])
	assert.Equal(t, 1, e.gateway.calls)
}

func TestMpesaCallback_UnknownTransactionAcknowledged(t *testing.T) {
	e := newEnv()

	rec, body := e.do(t, http.MethodPost, "/api/payments/mpesa/callback",
		mpesaCallbackBody("ws_CO_nobody", 0, "ok"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "callback ignored", body["message"])
}

func TestMpesaCallback_MalformedBody(t *testing.T) {
	e := newEnv()

	rec, _ := e.do(t, http.MethodPost, "/api/payments/mpesa/callback", `<xml>no</xml>`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPesapalCallback_GetIPNQueriesStatus(t *testing.T) {
	e := newEnv()
	e.do(t, http.MethodPost, "/api/payments/initiate", `{
		"reference_id": "O-2",
		"payment_method": "pesapal",
		"amount": "1250.50",
		"email": "customer@example.com"
	}`)

	rec, body := e.do(t, http.MethodGet,
		"/api/payments/pesapal/callback?OrderTrackingId=pp-track-1&OrderMerchantReference=ignored&OrderNotificationType=IPNCHANGE", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, 1, e.pesapal.statusCalls)
	assert.Equal(t, 1, e.gateway.calls)
}

func TestPesapalCallback_PostBody(t *testing.T) {
	e := newEnv()
	e.do(t, http.MethodPost, "/api/payments/initiate", `{
		"reference_id": "O-2",
		"payment_method": "pesapal",
		"amount": "1250.50",
		"email": "customer@example.com"
	}`)

	rec, body := e.do(t, http.MethodPost, "/api/payments/pesapal/callback",
		`{"OrderTrackingId":"pp-track-1","OrderMerchantReference":"whatever"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["status"])
}

func TestPesapalCallback_MissingIdentifiers(t *testing.T) {
	e := newEnv()

	rec, body := e.do(t, http.MethodGet, "/api/payments/pesapal/callback", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "missing")
}
