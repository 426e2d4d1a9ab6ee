package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/models"
)

// Memory is an in-process ledger. Transactions work on a copy of the
// state which replaces the live state only when the transaction commits,
// and run one at a time.
type Memory struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

var _ ledger.Store = (*Memory)(nil)

type memState struct {
	orders   map[string]models.Order
	items    map[string][]models.OrderItem
	records  map[string]models.ProviderRecord
	details  map[string][]models.ProviderDetail
	payInfos map[string][]models.ProviderPayInfo
	seq      int64
}

// MemoryOption configures a Memory ledger
type MemoryOption func(*Memory)

// WithClock overrides the clock used for created/updated timestamps
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory ledger
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		state: &memState{
			orders:   make(map[string]models.Order),
			items:    make(map[string][]models.OrderItem),
			records:  make(map[string]models.ProviderRecord),
			details:  make(map[string][]models.ProviderDetail),
			payInfos: make(map[string][]models.ProviderPayInfo),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (s *memState) clone() *memState {
	c := &memState{
		orders:   make(map[string]models.Order, len(s.orders)),
		items:    make(map[string][]models.OrderItem, len(s.items)),
		records:  make(map[string]models.ProviderRecord, len(s.records)),
		details:  make(map[string][]models.ProviderDetail, len(s.details)),
		payInfos: make(map[string][]models.ProviderPayInfo, len(s.payInfos)),
		seq:      s.seq,
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.details {
		c.details[k] = append([]models.ProviderDetail(nil), v...)
	}
	for k, v := range s.payInfos {
		c.payInfos[k] = append([]models.ProviderPayInfo(nil), v...)
	}
	return c
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

// WithTx runs fn against a private copy of the ledger and publishes it on success.
// fn must only use tx; calling other Memory methods from fn deadlocks.
func (m *Memory) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &memTx{state: m.state.clone(), now: m.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.state = tx.state
	return nil
}

// RegisterOrder inserts the order and its items unless the order exists
func (m *Memory) RegisterOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.orders[order.OrderID]; ok {
		return nil
	}

	now := m.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	m.state.orders[order.OrderID] = *order

	stored := make([]models.OrderItem, len(items))
	for i := range items {
		items[i].ID = m.state.nextID()
		items[i].OrderID = order.OrderID
		stored[i] = items[i]
	}
	m.state.items[order.OrderID] = stored
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	return &order, nil
}

func (m *Memory) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.OrderItem{}, m.state.items[orderID]...), nil
}

// CreateProviderRecord commits a provider record immediately
func (m *Memory) CreateProviderRecord(ctx context.Context, rec *models.ProviderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.records[rec.OrderID]; ok {
		return fmt.Errorf("provider record for order %s: %w", rec.OrderID, ledger.ErrDuplicate)
	}
	if _, ok := m.state.orders[rec.OrderID]; !ok {
		return fmt.Errorf("order %s: %w", rec.OrderID, ledger.ErrNotFound)
	}

	rec.ID = m.state.nextID()
	rec.UpdatedAt = m.now()
	m.state.records[rec.OrderID] = *rec
	return nil
}

func (m *Memory) GetProviderRecord(ctx context.Context, orderID string) (*models.ProviderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.state.records[orderID]
	if !ok {
		return nil, fmt.Errorf("provider record %s: %w", orderID, ledger.ErrNotFound)
	}
	return &rec, nil
}

func (m *Memory) GetDetails(ctx context.Context, orderID string) ([]models.ProviderDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.ProviderDetail{}, m.state.details[orderID]...), nil
}

func (m *Memory) GetPayInfos(ctx context.Context, orderID string) ([]models.ProviderPayInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.ProviderPayInfo{}, m.state.payInfos[orderID]...), nil
}

// ListStaleRecords returns the oldest matching records first
func (m *Memory) ListStaleRecords(ctx context.Context, q ledger.StaleQuery) ([]models.ProviderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[models.PaymentState]bool, len(q.States))
	for _, st := range q.States {
		wanted[st] = true
	}

	records := []models.ProviderRecord{}
	for _, rec := range m.state.records {
		if !wanted[rec.State] || !rec.UpdatedAt.Before(q.Before) {
			continue
		}
		if q.After != nil && !staleAfter(rec, q.After) {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return staleAfter(records[j], ledger.CursorOf(records[i]))
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// staleAfter reports whether rec sorts after c by (updated_at, order_id)
func staleAfter(rec models.ProviderRecord, c *ledger.StaleCursor) bool {
	if !rec.UpdatedAt.Equal(c.UpdatedAt) {
		return rec.UpdatedAt.After(c.UpdatedAt)
	}
	return rec.OrderID > c.OrderID
}

// memTx implements ledger.Tx against a cloned state
type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) LockProviderRecord(ctx context.Context, orderID string) (*models.ProviderRecord, error) {
	rec, ok := t.state.records[orderID]
	if !ok {
		return nil, fmt.Errorf("provider record %s: %w", orderID, ledger.ErrNotFound)
	}
	return &rec, nil
}

func (t *memTx) UpdateProviderRecord(ctx context.Context, rec *models.ProviderRecord) error {
	current, ok := t.state.records[rec.OrderID]
	if !ok {
		return fmt.Errorf("provider record %s: %w", rec.OrderID, ledger.ErrNotFound)
	}
	if rec.RefundedAmount.GreaterThan(current.Amount) || rec.RefundedAmount.IsNegative() {
		return fmt.Errorf("refunded amount %s out of range for order %s", rec.RefundedAmount, rec.OrderID)
	}

	current.TransactionID = rec.TransactionID
	current.OrderStatus = rec.OrderStatus
	current.State = rec.State
	current.RefundedAmount = rec.RefundedAmount
	current.ReturnCode = rec.ReturnCode
	current.ReturnMessage = rec.ReturnMessage
	current.InsertTime = rec.InsertTime
	current.UpdatedAt = t.now()
	t.state.records[rec.OrderID] = current

	rec.UpdatedAt = current.UpdatedAt
	return nil
}

func (t *memTx) UpdateOrderState(ctx context.Context, orderID string, state models.PaymentState) error {
	order, ok := t.state.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	order.State = state
	order.UpdatedAt = t.now()
	t.state.orders[orderID] = order
	return nil
}

func (t *memTx) DetailTransactionIDs(ctx context.Context, orderID string) ([]string, error) {
	details := t.state.details[orderID]
	ids := make([]string, 0, len(details))
	for _, d := range details {
		ids = append(ids, d.TransactionID)
	}
	return ids, nil
}

func (t *memTx) InsertDetail(ctx context.Context, detail *models.ProviderDetail) error {
	for _, d := range t.state.details[detail.OrderID] {
		if d.TransactionID == detail.TransactionID {
			return fmt.Errorf("detail %s/%s: %w", detail.OrderID, detail.TransactionID, ledger.ErrDuplicate)
		}
	}

	detail.ID = t.state.nextID()
	detail.CreatedAt = t.now()
	t.state.details[detail.OrderID] = append(t.state.details[detail.OrderID], *detail)
	return nil
}

func (t *memTx) InsertPayInfos(ctx context.Context, infos []models.ProviderPayInfo) error {
	for i := range infos {
		infos[i].ID = t.state.nextID()
		t.state.payInfos[infos[i].OrderID] = append(t.state.payInfos[infos[i].OrderID], infos[i])
	}
	return nil
}
