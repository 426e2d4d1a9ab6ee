package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState is the shared state enum of an Order and its ProviderRecord.
// Values are persisted, do not renumber.
type PaymentState uint8

const (
	StatePending   PaymentState = 0
	StatePaid      PaymentState = 1
	StateFailed    PaymentState = 2
	StateRefunding PaymentState = 4
	StateRefunded  PaymentState = 5
	StateManual    PaymentState = 6
)

func (s PaymentState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StatePaid:
		return "PAID"
	case StateFailed:
		return "FAILED"
	case StateRefunding:
		return "REFUNDING"
	case StateRefunded:
		return "REFUNDED"
	case StateManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether s is one of the defined states.
func (s PaymentState) Valid() bool {
	return s.String() != "UNKNOWN"
}

// Order represents the business-facing payment intent
type Order struct {
	OrderID   string          `db:"order_id" json:"order_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	State     PaymentState    `db:"state" json:"state"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem represents a line item of an order
type OrderItem struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     string          `db:"order_id" json:"order_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
}

// ProviderRecord is the engine-owned shadow of an order at the payment provider
type ProviderRecord struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        string          `db:"order_id" json:"order_id"`
	Channel        string          `db:"channel" json:"channel"`
	TransactionID  string          `db:"transaction_id" json:"transaction_id,omitempty"`
	OrderStatus    string          `db:"order_status" json:"order_status"`
	State          PaymentState    `db:"state" json:"state"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	RefundedAmount decimal.Decimal `db:"refunded_amount" json:"refunded_amount"`
	ReturnCode     string          `db:"return_code" json:"return_code"`
	ReturnMessage  string          `db:"return_message" json:"return_message"`
	OneTimeToken   string          `db:"one_time_token" json:"-"`
	InsertTime     time.Time       `db:"insert_time" json:"insert_time"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Refundable returns the amount that may still be refunded
func (r *ProviderRecord) Refundable() decimal.Decimal {
	return r.Amount.Sub(r.RefundedAmount)
}

// Provider record status text
const ProviderOrderStatusComplete = "COMPLETE"

// Detail transaction types
const (
	DetailTypePayment = "PAYMENT"
	DetailTypeRefund  = "REFUND"
)

// ProviderDetail is an append-only settlement ledger entry
type ProviderDetail struct {
	ID               int64               `db:"id" json:"id"`
	OrderID          string              `db:"order_id" json:"order_id"`
	TransactionID    string              `db:"transaction_id" json:"transaction_id"`
	TransactionType  string              `db:"transaction_type" json:"transaction_type"`
	Amount           decimal.Decimal     `db:"amount" json:"amount"`
	AmountWithoutFee decimal.NullDecimal `db:"amount_without_fee" json:"amount_without_fee"`
	TransactionDate  time.Time           `db:"transaction_date" json:"transaction_date"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
}

// ProviderPayInfo describes one payment instrument used for an order
type ProviderPayInfo struct {
	ID         int64           `db:"id" json:"id"`
	OrderID    string          `db:"order_id" json:"order_id"`
	Method     string          `db:"method" json:"method"`
	MaskedCard string          `db:"masked_card" json:"masked_card,omitempty"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
}
