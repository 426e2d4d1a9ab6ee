package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	payments *service.PaymentService
	checks   map[string]func(ctx context.Context) error
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are run by /ready, keyed by dependency name.
func NewHandler(payments *service.PaymentService, checks map[string]func(ctx context.Context) error) *Handler {
	return &Handler{
		payments: payments,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments", h.createPayment)
		v1.GET("/payments/:orderId", h.getPayment)
		v1.POST("/payments/:orderId/refund", h.refundPayment)
		v1.POST("/payments/:orderId/query", h.queryPayment)
	}
}

// CreatePaymentRequest is the body of POST /api/v1/payments
type CreatePaymentRequest struct {
	OrderID      string          `json:"order_id" binding:"required"`
	Amount       decimal.Decimal `json:"amount"`
	Items        []ItemRequest   `json:"items"`
	OneTimeToken string          `json:"one_time_token" binding:"required"`
	Channel      string          `json:"channel,omitempty"`
	Currency     string          `json:"currency,omitempty"`
}

// ItemRequest is one line item of a payment request
type ItemRequest struct {
	ProductName string          `json:"product_name" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

// RefundRequest is the body of POST /api/v1/payments/:orderId/refund
type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ResultResponse is returned by the create, refund and query endpoints
type ResultResponse struct {
	Code            string          `json:"code"`
	Result          string          `json:"result"`
	OrderID         string          `json:"order_id"`
	State           string          `json:"state"`
	RefundedAmount  decimal.Decimal `json:"refunded_amount"`
	ProviderCode    string          `json:"provider_code,omitempty"`
	ProviderMessage string          `json:"provider_message,omitempty"`
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createPayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, models.OrderItem{
			OrderID:     req.OrderID,
			ProductName: item.ProductName,
			Amount:      item.Amount,
		})
	}

	res, err := h.payments.CreatePayment(c.Request.Context(), service.CreateOrderRequest{
		Order: models.Order{
			OrderID: req.OrderID,
			Amount:  req.Amount,
		},
		Items:        items,
		OneTimeToken: req.OneTimeToken,
		Channel:      req.Channel,
		Currency:     req.Currency,
	})
	if err != nil {
		h.writeError(c, "Failed to create payment", err)
		return
	}

	writeResult(c, res)
}

func (h *Handler) refundPayment(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.payments.RefundPayment(c.Request.Context(), service.RefundOrderRequest{
		OrderID: c.Param("orderId"),
		Amount:  req.Amount,
	}, c.GetHeader("Idempotency-Key"))
	if err != nil {
		h.writeError(c, "Failed to refund payment", err)
		return
	}

	writeResult(c, res)
}

func (h *Handler) queryPayment(c *gin.Context) {
	res, err := h.payments.QueryPayment(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, "Failed to query payment", err)
		return
	}

	writeResult(c, res)
}

func (h *Handler) getPayment(c *gin.Context) {
	view, err := h.payments.GetPayment(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, "Failed to get payment", err)
		return
	}

	resp := gin.H{
		"order":     view.Order,
		"state":     view.Order.State.String(),
		"items":     view.Items,
		"details":   view.Details,
		"pay_infos": view.PayInfos,
	}
	if view.Record != nil {
		resp["provider_record"] = view.Record
	}
	c.JSON(http.StatusOK, resp)
}

func writeResult(c *gin.Context, res *service.Result) {
	c.JSON(resultStatus(res.Code), ResultResponse{
		Code:            res.WireCode(),
		Result:          string(res.Code),
		OrderID:         res.OrderID,
		State:           res.State.String(),
		RefundedAmount:  res.RefundedAmount,
		ProviderCode:    res.ProviderCode,
		ProviderMessage: res.ProviderMessage,
	})
}

func resultStatus(code service.ResultCode) int {
	switch code {
	case service.ResultSuccess, service.ResultAwaitingConfirmation:
		return http.StatusOK
	case service.ResultProviderUnreachable:
		return http.StatusAccepted
	case service.ResultNoProviderRecord:
		return http.StatusNotFound
	case service.ResultRefundExceedsCaptured, service.ResultNotRefundable:
		return http.StatusConflict
	case service.ResultProviderRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, provider.ErrUnknownChannel):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicate), errors.Is(err, service.ErrOrderBusy):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
