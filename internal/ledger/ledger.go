// Package ledger defines the persistence contract consumed by the reconciliation engine.
package ledger

import (
	"context"
	"errors"
	"time"

	"payment-reconciler/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint
var ErrDuplicate = errors.New("duplicate")

// StaleQuery selects records left in an unresolved state
type StaleQuery struct {
	States []models.PaymentState
	// Before excludes records updated at or after this time
	Before time.Time
	// After resumes a listing behind the last record of a previous page
	After *StaleCursor
	// Limit caps the page size; zero or less means no limit
	Limit int
}

// StaleCursor is the position of one record in a stale listing
type StaleCursor struct {
	UpdatedAt time.Time
	OrderID   string
}

// CursorOf returns the listing position of rec
func CursorOf(rec models.ProviderRecord) *StaleCursor {
	return &StaleCursor{UpdatedAt: rec.UpdatedAt, OrderID: rec.OrderID}
}

// Store is the non-transactional surface of the ledger.
// Every write outside WithTx commits on its own.
type Store interface {
	// RegisterOrder inserts the order and its items unless the order already exists.
	RegisterOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)

	// CreateProviderRecord commits a new provider record immediately.
	CreateProviderRecord(ctx context.Context, rec *models.ProviderRecord) error
	GetProviderRecord(ctx context.Context, orderID string) (*models.ProviderRecord, error)
	GetDetails(ctx context.Context, orderID string) ([]models.ProviderDetail, error)
	GetPayInfos(ctx context.Context, orderID string) ([]models.ProviderPayInfo, error)

	// ListStaleRecords returns matching records ordered by (updated_at, order_id).
	ListStaleRecords(ctx context.Context, q StaleQuery) ([]models.ProviderRecord, error)

	// WithTx runs fn inside one transaction. The transaction commits only if fn returns nil
	// and is rolled back on every other exit path.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the row-level surface available inside a transaction
type Tx interface {
	// LockProviderRecord reads the record and holds it until the transaction ends.
	LockProviderRecord(ctx context.Context, orderID string) (*models.ProviderRecord, error)
	UpdateProviderRecord(ctx context.Context, rec *models.ProviderRecord) error
	UpdateOrderState(ctx context.Context, orderID string, state models.PaymentState) error
	DetailTransactionIDs(ctx context.Context, orderID string) ([]string, error)
	InsertDetail(ctx context.Context, detail *models.ProviderDetail) error
	InsertPayInfos(ctx context.Context, infos []models.ProviderPayInfo) error
}
