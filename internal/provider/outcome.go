// Package provider is the client of the external payment provider.
//
// Every parsed provider response is turned into exactly one outcome variant
// per operation. A variant only exists when the fields valid for its return
// code are present; anything else is reported as ErrMalformed, which callers
// treat the same as ErrUnreachable.
package provider

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider return codes
const (
	CodeSuccess              = "0000"
	CodeOrderNotFound        = "1150"
	CodeRefundStateMismatch  = "1164"
	CodeAwaitingConfirmation = "1165"
)

var (
	// ErrUnreachable covers transport failures, timeouts, non-2xx statuses and empty bodies
	ErrUnreachable = errors.New("provider unreachable")
	// ErrMalformed covers unparseable bodies and success codes without their detail
	ErrMalformed = errors.New("malformed provider response")
)

// IsTransportError reports whether err means the provider response cannot be trusted
func IsTransportError(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrMalformed)
}

// Status is the return code and message carried by every parsed response
type Status struct {
	Code    string
	Message string
}

// PayInfo is one payment instrument reported by the provider
type PayInfo struct {
	Method                 string          `json:"method"`
	Amount                 decimal.Decimal `json:"amount"`
	MaskedCreditCardNumber string          `json:"maskedCreditCardNumber,omitempty"`
}

// CaptureInfo is the detail of a settled capture
type CaptureInfo struct {
	TransactionID   string    `json:"transactionId"`
	TransactionDate string    `json:"transactionDate"`
	PayInfo         []PayInfo `json:"payInfo"`
}

// RefundInfo is the detail of a completed refund
type RefundInfo struct {
	RefundTransactionID   string `json:"refundTransactionId"`
	RefundTransactionDate string `json:"refundTransactionDate"`
}

// RefundEntry is one refund listed in a query activity record
type RefundEntry struct {
	RefundTransactionID   string          `json:"refundTransactionId"`
	RefundTransactionDate string          `json:"refundTransactionDate"`
	RefundAmount          decimal.Decimal `json:"refundAmount"`
}

// Activity is one activity record returned by a query
type Activity struct {
	TransactionID   string        `json:"transactionId"`
	TransactionDate string        `json:"transactionDate"`
	PayInfo         []PayInfo     `json:"payInfo"`
	RefundList      []RefundEntry `json:"refundList"`
}

// CaptureOutcome is one of CaptureSettled, CaptureAwaiting, CaptureDeclined
type CaptureOutcome interface {
	isCaptureOutcome()
}

type CaptureSettled struct {
	Status
	Info CaptureInfo
}

type CaptureAwaiting struct {
	Status
}

type CaptureDeclined struct {
	Status
}

func (CaptureSettled) isCaptureOutcome()  {}
func (CaptureAwaiting) isCaptureOutcome() {}
func (CaptureDeclined) isCaptureOutcome() {}

// RefundOutcome is one of RefundCompleted, RefundMismatch, RefundRejected
type RefundOutcome interface {
	isRefundOutcome()
}

type RefundCompleted struct {
	Status
	Info RefundInfo
}

// RefundMismatch means the provider does not consider the order refundable
type RefundMismatch struct {
	Status
}

type RefundRejected struct {
	Status
}

func (RefundCompleted) isRefundOutcome() {}
func (RefundMismatch) isRefundOutcome()  {}
func (RefundRejected) isRefundOutcome()  {}

// QueryOutcome is one of QueryFound, QueryNotFound, QueryRejected
type QueryOutcome interface {
	isQueryOutcome()
}

// QueryFound holds a non-empty activity list in provider order
type QueryFound struct {
	Status
	Activities []Activity
}

// Latest returns the last reported activity record
func (q QueryFound) Latest() Activity {
	return q.Activities[len(q.Activities)-1]
}

type QueryNotFound struct {
	Status
}

type QueryRejected struct {
	Status
}

func (QueryFound) isQueryOutcome()    {}
func (QueryNotFound) isQueryOutcome() {}
func (QueryRejected) isQueryOutcome() {}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a provider timestamp. Timestamps without a zone are UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
