package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events after a ledger commit
type EventPublisher interface {
	PublishPaymentCaptured(ctx context.Context, event *models.PaymentCapturedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishPaymentAwaitingConfirmation(ctx context.Context, event *models.PaymentAwaitingConfirmationEvent) error
	PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error
	PublishManualReviewRequired(ctx context.Context, event *models.ManualReviewRequiredEvent) error
}

// Engine reconciles the local payment ledger with the payment provider.
//
// Each operation performs at most one provider call. Terminal states are only
// assigned from a fully parsed provider response; a response that cannot be
// trusted leaves the last well-known state in place.
type Engine struct {
	store    ledger.Store
	gateways provider.Resolver
	events   EventPublisher
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a reconciliation engine. events may be nil.
func NewEngine(store ledger.Store, gateways provider.Resolver, events EventPublisher) *Engine {
	return &Engine{
		store:    store,
		gateways: gateways,
		events:   events,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// allowedTransitions lists the state changes the engine may commit.
// FAILED and MANUAL have no way out.
var allowedTransitions = map[models.PaymentState][]models.PaymentState{
	models.StatePending:   {models.StatePaid, models.StateFailed},
	models.StatePaid:      {models.StateRefunding, models.StateRefunded, models.StateManual},
	models.StateRefunding: {models.StateRefunded, models.StateManual},
	models.StateRefunded:  {models.StateRefunding, models.StateManual},
}

func canTransition(from, to models.PaymentState) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition writes the new state to both the order and its provider record
func transition(ctx context.Context, tx ledger.Tx, rec *models.ProviderRecord, to models.PaymentState) error {
	if !canTransition(rec.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for order %s", rec.State, to, rec.OrderID)
	}

	rec.State = to
	if err := tx.UpdateOrderState(ctx, rec.OrderID, to); err != nil {
		return fmt.Errorf("failed to update order state: %w", err)
	}
	if err := tx.UpdateProviderRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to update provider record: %w", err)
	}
	return nil
}

// eventTime parses a provider timestamp, falling back to the local clock
func (e *Engine) eventTime(raw string) time.Time {
	if t, ok := provider.ParseTime(raw); ok {
		return t
	}
	return e.now().UTC()
}

// applyCapture records a confirmed capture on rec: record fields, one PAYMENT
// detail and one pay info row per instrument. The caller commits the state.
func (e *Engine) applyCapture(ctx context.Context, tx ledger.Tx, rec *models.ProviderRecord, status provider.Status, txID, txDate string, payInfos []provider.PayInfo) (time.Time, error) {
	settledAt := e.eventTime(txDate)

	rec.OrderStatus = models.ProviderOrderStatusComplete
	rec.InsertTime = settledAt
	rec.ReturnCode = status.Code
	rec.ReturnMessage = status.Message
	rec.TransactionID = txID

	detail := &models.ProviderDetail{
		OrderID:          rec.OrderID,
		TransactionID:    txID,
		TransactionType:  models.DetailTypePayment,
		Amount:           rec.Amount,
		AmountWithoutFee: nullDecimal(rec.Amount),
		TransactionDate:  settledAt,
	}
	if err := tx.InsertDetail(ctx, detail); err != nil {
		return settledAt, fmt.Errorf("failed to insert payment detail: %w", err)
	}

	if len(payInfos) > 0 {
		infos := make([]models.ProviderPayInfo, 0, len(payInfos))
		for _, p := range payInfos {
			infos = append(infos, models.ProviderPayInfo{
				OrderID:    rec.OrderID,
				Method:     p.Method,
				MaskedCard: p.MaskedCreditCardNumber,
				Amount:     p.Amount,
			})
		}
		if err := tx.InsertPayInfos(ctx, infos); err != nil {
			return settledAt, fmt.Errorf("failed to insert pay infos: %w", err)
		}
	}

	return settledAt, nil
}

func (e *Engine) gateway(channel string) (provider.Gateway, error) {
	gw, err := e.gateways.Gateway(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider channel: %w", err)
	}
	return gw, nil
}

func (e *Engine) getRecord(ctx context.Context, orderID string) (*models.ProviderRecord, error) {
	rec, err := e.store.GetProviderRecord(ctx, orderID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider record: %w", err)
	}
	return rec, nil
}

func (e *Engine) observe(op Operation, start time.Time, res *Result) {
	util.ReconcileOperationLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if res != nil {
		util.ReconcileOperationsTotal.WithLabelValues(string(op), string(res.Code)).Inc()
	}
}

func (e *Engine) committed(from, to models.PaymentState) {
	if from != to {
		util.StateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// publish runs after commit; a failed publish never affects the ledger
func (e *Engine) publish(ctx context.Context, name string, fn func(ctx context.Context, events EventPublisher) error) {
	if e.events == nil {
		return
	}
	if err := fn(ctx, e.events); err != nil {
		e.logger.Error("Failed to publish event", zap.String("event", name), zap.Error(err))
	}
}

func productDescription(items []models.OrderItem) string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.ProductName)
	}
	return strings.Join(names, ",")
}
