package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/store"
	"payment-reconciler/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	_ = util.InitLogger("test")
	os.Exit(m.Run())
}

// stubGateway settles every capture and refund, and answers queries with queryErr
type stubGateway struct {
	mu       sync.Mutex
	refunds  int
	queryErr error
}

func (g *stubGateway) CreateCapture(ctx context.Context, req provider.CaptureRequest) (provider.CaptureOutcome, error) {
	return provider.CaptureSettled{
		Status: provider.Status{Code: provider.CodeSuccess, Message: "Success."},
		Info: provider.CaptureInfo{
			TransactionID:   "T-" + req.OrderID,
			TransactionDate: "2024-03-01T10:00:00Z",
			PayInfo:         []provider.PayInfo{{Method: "CREDIT_CARD", Amount: req.Amount}},
		},
	}, nil
}

func (g *stubGateway) Refund(ctx context.Context, req provider.RefundRequest) (provider.RefundOutcome, error) {
	g.mu.Lock()
	g.refunds++
	n := g.refunds
	g.mu.Unlock()
	return provider.RefundCompleted{
		Status: provider.Status{Code: provider.CodeSuccess},
		Info:   provider.RefundInfo{RefundTransactionID: fmt.Sprintf("R%d", n)},
	}, nil
}

func (g *stubGateway) QueryActivity(ctx context.Context, orderID string) (provider.QueryOutcome, error) {
	return nil, g.queryErr
}

type stubResolver struct {
	gw *stubGateway
}

func (r stubResolver) Gateway(channel string) (provider.Gateway, error) {
	if channel != "" && channel != provider.DefaultChannel {
		return nil, provider.ErrUnknownChannel
	}
	return r.gw, nil
}

func setupRouter(t *testing.T, checks map[string]func(ctx context.Context) error) (*gin.Engine, *stubGateway) {
	t.Helper()
	ledger := store.NewMemory()
	gw := &stubGateway{queryErr: provider.ErrUnreachable}
	engine := service.NewEngine(ledger, stubResolver{gw: gw}, nil)
	payments := service.NewPaymentService(engine, ledger)

	router := gin.New()
	NewHandler(payments, checks).SetupRoutes(router)
	return router, gw
}

func doJSON(router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) ResultResponse {
	t.Helper()
	var resp ResultResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func createBody(orderID string) CreatePaymentRequest {
	return CreatePaymentRequest{
		OrderID:      orderID,
		Amount:       decimal.NewFromInt(1000),
		Items:        []ItemRequest{{ProductName: "Coffee", Amount: decimal.NewFromInt(1000)}},
		OneTimeToken: "otk",
	}
}

func TestCreatePayment(t *testing.T) {
	router, _ := setupRouter(t, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/payments", createBody("A1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResult(t, w)
	assert.Equal(t, "0000", resp.Code)
	assert.Equal(t, "SUCCESS", resp.Result)
	assert.Equal(t, "PAID", resp.State)
	assert.Equal(t, "A1", resp.OrderID)

	w = doJSON(router, http.MethodPost, "/api/v1/payments", createBody("A1"), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreatePaymentBadRequests(t *testing.T) {
	router, _ := setupRouter(t, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing order id", map[string]interface{}{"amount": 10, "one_time_token": "otk"}},
		{"missing token", map[string]interface{}{"order_id": "A1", "amount": 10}},
		{"zero amount", map[string]interface{}{"order_id": "A1", "amount": 0, "one_time_token": "otk"}},
		{"unknown channel", map[string]interface{}{"order_id": "A2", "amount": 10, "one_time_token": "otk", "channel": "jp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/api/v1/payments", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRefundPayment(t *testing.T) {
	router, gw := setupRouter(t, nil)
	require.Equal(t, http.StatusOK, doJSON(router, http.MethodPost, "/api/v1/payments", createBody("A1"), nil).Code)

	body := RefundRequest{Amount: decimal.NewFromInt(400)}
	w := doJSON(router, http.MethodPost, "/api/v1/payments/A1/refund", body, map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResult(t, w)
	assert.Equal(t, "REFUNDED", resp.State)
	assert.True(t, decimal.NewFromInt(400).Equal(resp.RefundedAmount))

	w = doJSON(router, http.MethodPost, "/api/v1/payments/A1/refund", RefundRequest{Amount: decimal.NewFromInt(700)}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "2102", decodeResult(t, w).Code)

	w = doJSON(router, http.MethodPost, "/api/v1/payments/missing/refund", body, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "2101", decodeResult(t, w).Code)

	assert.Equal(t, 1, gw.refunds)
}

func TestQueryPayment(t *testing.T) {
	router, _ := setupRouter(t, nil)
	require.Equal(t, http.StatusOK, doJSON(router, http.MethodPost, "/api/v1/payments", createBody("A1"), nil).Code)

	w := doJSON(router, http.MethodPost, "/api/v1/payments/A1/query", nil, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeResult(t, w)
	assert.Equal(t, "3299", resp.Code)
	assert.Equal(t, "PAID", resp.State)
}

func TestGetPayment(t *testing.T) {
	router, _ := setupRouter(t, nil)

	w := doJSON(router, http.MethodGet, "/api/v1/payments/A1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, doJSON(router, http.MethodPost, "/api/v1/payments", createBody("A1"), nil).Code)

	w = doJSON(router, http.MethodGet, "/api/v1/payments/A1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "PAID", body["state"])
	assert.Contains(t, body, "provider_record")
	assert.Len(t, body["details"], 1)
}

func TestReadiness(t *testing.T) {
	router, _ := setupRouter(t, map[string]func(ctx context.Context) error{
		"postgres": func(ctx context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/ready", nil, nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/health", nil, nil).Code)

	router, _ = setupRouter(t, map[string]func(ctx context.Context) error{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	w := doJSON(router, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestResultStatus(t *testing.T) {
	tests := map[service.ResultCode]int{
		service.ResultSuccess:               http.StatusOK,
		service.ResultAwaitingConfirmation:  http.StatusOK,
		service.ResultProviderUnreachable:   http.StatusAccepted,
		service.ResultNoProviderRecord:      http.StatusNotFound,
		service.ResultRefundExceedsCaptured: http.StatusConflict,
		service.ResultNotRefundable:         http.StatusConflict,
		service.ResultProviderRejected:      http.StatusBadGateway,
	}
	for code, want := range tests {
		assert.Equal(t, want, resultStatus(code), string(code))
	}
}
