package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-reconciler/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pathCapture = "/v2/payments/oneTimeKeys/pay"
	pathRefund  = "/v2/payments/orders/%s/refund"
	pathQuery   = "/v2/payments"

	headerChannelID     = "X-Provider-Id"
	headerChannelSecret = "X-Provider-Secret"

	maxLoggedBody = 512
	maxBodyBytes  = 1 << 20
)

// Gateway is the provider surface consumed by the reconciliation engine.
// Business-level return codes are never errors; errors are always
// ErrUnreachable or ErrMalformed.
type Gateway interface {
	CreateCapture(ctx context.Context, req CaptureRequest) (CaptureOutcome, error)
	Refund(ctx context.Context, req RefundRequest) (RefundOutcome, error)
	QueryActivity(ctx context.Context, orderID string) (QueryOutcome, error)
}

// CaptureRequest asks the provider to capture a one-time key payment
type CaptureRequest struct {
	OrderID      string
	Amount       decimal.Decimal
	Currency     string
	OneTimeToken string
	ProductName  string
}

// RefundRequest asks the provider to refund part of an order
type RefundRequest struct {
	OrderID string
	Amount  decimal.Decimal
}

type captureBody struct {
	Amount      json.Number `json:"amount"`
	Capture     bool        `json:"capture"`
	Currency    string      `json:"currency"`
	OneTimeKey  string      `json:"oneTimeKey"`
	OrderID     string      `json:"orderId"`
	ProductName string      `json:"productName"`
}

type refundBody struct {
	RefundAmount json.Number `json:"refundAmount"`
}

// Client is the HTTP implementation of Gateway for one channel
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Gateway = (*Client)(nil)

// NewClient creates a provider client for a channel
func NewClient(cfg Config) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: util.GetLogger().With(zap.String("channel", cfg.Name)),
	}
}

// CreateCapture sends a capture request
func (c *Client) CreateCapture(ctx context.Context, req CaptureRequest) (CaptureOutcome, error) {
	currency := req.Currency
	if currency == "" {
		currency = c.config.Currency
	}

	body, err := c.send(ctx, "capture", http.MethodPost, c.config.BaseURL+pathCapture, captureBody{
		Amount:      json.Number(req.Amount.String()),
		Capture:     true,
		Currency:    currency,
		OneTimeKey:  req.OneTimeToken,
		OrderID:     req.OrderID,
		ProductName: req.ProductName,
	})
	if err != nil {
		return nil, err
	}

	outcome, err := DecodeCapture(body)
	if err != nil {
		c.logMalformed("capture", req.OrderID, body, err)
		return nil, err
	}
	return outcome, nil
}

// Refund sends a refund request for an order
func (c *Client) Refund(ctx context.Context, req RefundRequest) (RefundOutcome, error) {
	endpoint := c.config.BaseURL + fmt.Sprintf(pathRefund, url.PathEscape(req.OrderID))

	body, err := c.send(ctx, "refund", http.MethodPost, endpoint, refundBody{
		RefundAmount: json.Number(req.Amount.String()),
	})
	if err != nil {
		return nil, err
	}

	outcome, err := DecodeRefund(body)
	if err != nil {
		c.logMalformed("refund", req.OrderID, body, err)
		return nil, err
	}
	return outcome, nil
}

// QueryActivity lists all provider activity for an order
func (c *Client) QueryActivity(ctx context.Context, orderID string) (QueryOutcome, error) {
	endpoint := c.config.BaseURL + pathQuery + "?" + url.Values{"orderId": {orderID}}.Encode()

	body, err := c.send(ctx, "query", http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	outcome, err := DecodeQuery(body)
	if err != nil {
		c.logMalformed("query", orderID, body, err)
		return nil, err
	}
	return outcome, nil
}

// send performs one HTTP exchange and returns the raw body of a 2xx response
func (c *Client) send(ctx context.Context, op, method, endpoint string, payload interface{}) ([]byte, error) {
	ctx, span := util.StartSpan(ctx, "ProviderClient."+op)
	defer span.End()

	start := time.Now()
	defer func() {
		util.ProviderCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %v", ErrUnreachable, err)
	}
	req.Header.Set(headerChannelID, c.config.ChannelID)
	req.Header.Set(headerChannelSecret, c.config.ChannelSecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.ProviderCallsTotal.WithLabelValues(op, "unreachable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		util.ProviderCallsTotal.WithLabelValues(op, "unreachable").Inc()
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		util.ProviderCallsTotal.WithLabelValues(op, "http_error").Inc()
		c.logger.Warn("Provider returned non-success status",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(body)))
		return nil, fmt.Errorf("%w: http status %d", ErrUnreachable, resp.StatusCode)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		util.ProviderCallsTotal.WithLabelValues(op, "empty_body").Inc()
		return nil, fmt.Errorf("%w: empty body", ErrUnreachable)
	}

	util.ProviderCallsTotal.WithLabelValues(op, "responded").Inc()
	return body, nil
}

func (c *Client) logMalformed(op, orderID string, body []byte, err error) {
	util.ProviderCallsTotal.WithLabelValues(op, "malformed").Inc()
	c.logger.Warn("Provider response could not be parsed",
		zap.String("operation", op),
		zap.String("order_id", orderID),
		zap.String("body", truncate(body)),
		zap.Error(err))
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "..."
	}
	return s
}
