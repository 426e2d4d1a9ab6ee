package service

import (
	"errors"

	"payment-reconciler/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidRequest is returned for requests that cannot be processed at all
var ErrInvalidRequest = errors.New("invalid request")

// Operation names an engine operation
type Operation string

const (
	OpCreate Operation = "create"
	OpRefund Operation = "refund"
	OpQuery  Operation = "query"
)

// ResultCode is the symbolic outcome of an engine operation
type ResultCode string

const (
	// ResultSuccess means the provider answer was applied
	ResultSuccess ResultCode = "SUCCESS"
	// ResultAwaitingConfirmation means the capture is not confirmed yet; query later
	ResultAwaitingConfirmation ResultCode = "AWAITING_CONFIRMATION"
	// ResultProviderUnreachable means no trustworthy answer was received; retry or reconcile later
	ResultProviderUnreachable ResultCode = "PROVIDER_UNREACHABLE"
	// ResultProviderRejected means the provider answered with an explicit failure code
	ResultProviderRejected ResultCode = "PROVIDER_REJECTED"
	// ResultNoProviderRecord means the order has no provider record
	ResultNoProviderRecord ResultCode = "NO_PROVIDER_RECORD"
	// ResultRefundExceedsCaptured means the refund would exceed the captured amount
	ResultRefundExceedsCaptured ResultCode = "REFUND_EXCEEDS_CAPTURED"
	// ResultNotRefundable means the order is not in a state that accepts refunds
	ResultNotRefundable ResultCode = "NOT_REFUNDABLE"
)

// LocalValidationFailure reports whether the code was decided without calling the provider
func (c ResultCode) LocalValidationFailure() bool {
	switch c {
	case ResultNoProviderRecord, ResultRefundExceedsCaptured, ResultNotRefundable:
		return true
	}
	return false
}

// Retryable reports whether the caller may retry or reconcile later
func (c ResultCode) Retryable() bool {
	return c == ResultProviderUnreachable || c == ResultAwaitingConfirmation
}

var wireCodes = map[Operation]map[ResultCode]string{
	OpCreate: {
		ResultSuccess:              "0000",
		ResultAwaitingConfirmation: "1201",
		ResultProviderRejected:     "1202",
		ResultProviderUnreachable:  "1299",
	},
	OpRefund: {
		ResultSuccess:               "0000",
		ResultNoProviderRecord:      "2101",
		ResultRefundExceedsCaptured: "2102",
		ResultNotRefundable:         "2103",
		ResultProviderRejected:      "2201",
		ResultProviderUnreachable:   "2299",
	},
	OpQuery: {
		ResultSuccess:             "0000",
		ResultNoProviderRecord:    "3101",
		ResultProviderRejected:    "3202",
		ResultProviderUnreachable: "3299",
	},
}

// Result is returned by every engine operation
type Result struct {
	Operation       Operation           `json:"operation"`
	Code            ResultCode          `json:"result"`
	OrderID         string              `json:"order_id"`
	State           models.PaymentState `json:"state"`
	RefundedAmount  decimal.Decimal     `json:"refunded_amount"`
	ProviderCode    string              `json:"provider_code,omitempty"`
	ProviderMessage string              `json:"provider_message,omitempty"`
}

// WireCode returns the stable four digit code of the result for external callers
func (r *Result) WireCode() string {
	if code, ok := wireCodes[r.Operation][r.Code]; ok {
		return code
	}
	return "9999"
}

func newResult(op Operation, code ResultCode, rec *models.ProviderRecord) *Result {
	res := &Result{Operation: op, Code: code}
	if rec != nil {
		res.OrderID = rec.OrderID
		res.State = rec.State
		res.RefundedAmount = rec.RefundedAmount
	}
	return res
}
