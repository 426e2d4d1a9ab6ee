package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentCaptured             = "PAYMENT_CAPTURED"
	EventTypePaymentFailed               = "PAYMENT_FAILED"
	EventTypePaymentAwaitingConfirmation = "PAYMENT_AWAITING_CONFIRMATION"
	EventTypeRefundCompleted             = "REFUND_COMPLETED"
	EventTypeManualReviewRequired        = "MANUAL_REVIEW_REQUIRED"
	EventTypeReconcileRequested          = "RECONCILE_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentCapturedEvent published when the provider confirms a capture,
// either directly or through reconciliation backfill
type PaymentCapturedEvent struct {
	BaseEvent
	OrderID    string          `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
	TxID       string          `json:"tx_id"`
	SettledAt  time.Time       `json:"settled_at"`
	Backfilled bool            `json:"backfilled"`
}

// PaymentFailedEvent published when an order ends in FAILED
type PaymentFailedEvent struct {
	BaseEvent
	OrderID    string `json:"order_id"`
	ReturnCode string `json:"return_code"`
	Reason     string `json:"reason"`
}

// PaymentAwaitingConfirmationEvent published when the provider has not confirmed a capture yet
type PaymentAwaitingConfirmationEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
}

// RefundCompletedEvent published when refunds are confirmed
type RefundCompletedEvent struct {
	BaseEvent
	OrderID        string          `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	TxIDs          []string        `json:"tx_ids"`
}

// ManualReviewRequiredEvent published when local and provider state disagree
type ManualReviewRequiredEvent struct {
	BaseEvent
	OrderID       string       `json:"order_id"`
	PreviousState PaymentState `json:"previous_state"`
	ReturnCode    string       `json:"return_code"`
	Reason        string       `json:"reason"`
}

// ReconcileRequestedEvent asks the reconcile worker to query the provider for an order
type ReconcileRequestedEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
