package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrOrderBusy is returned when another operation on the same order is in flight
var ErrOrderBusy = errors.New("order has an operation in progress")

// Locker serializes operations on one order across processes.
// AcquireLock reports false when someone else holds the lock.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// IdempotencyStore keeps responses of requests carrying an idempotency key
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) ([]byte, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ReconcileRequester schedules a later QueryOrder for an order
type ReconcileRequester interface {
	PublishReconcileRequested(ctx context.Context, event *models.ReconcileRequestedEvent) error
}

// PaymentView is the read model of one order's payment
type PaymentView struct {
	Order    *models.Order            `json:"order"`
	Items    []models.OrderItem       `json:"items"`
	Record   *models.ProviderRecord   `json:"provider_record,omitempty"`
	Details  []models.ProviderDetail  `json:"details"`
	PayInfos []models.ProviderPayInfo `json:"pay_infos"`
}

// PaymentService fronts the engine for callers: it registers orders,
// serializes operations per order, replays idempotent refunds and schedules
// reconciliation for outcomes that are not final.
type PaymentService struct {
	engine *Engine
	store  ledger.Store
	logger *zap.Logger

	locker  Locker
	lockTTL time.Duration

	idempotency    IdempotencyStore
	idempotencyTTL time.Duration

	reconcile ReconcileRequester

	queries      singleflight.Group
	queryTimeout time.Duration
}

// Option configures a PaymentService
type Option func(*PaymentService)

// WithLocker enables per-order locking
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *PaymentService) {
		s.locker = l
		s.lockTTL = ttl
	}
}

// WithIdempotency enables refund replay by idempotency key
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(s *PaymentService) {
		s.idempotency = store
		s.idempotencyTTL = ttl
	}
}

// WithReconcileRequests schedules reconciliation for unresolved outcomes
func WithReconcileRequests(r ReconcileRequester) Option {
	return func(s *PaymentService) {
		s.reconcile = r
	}
}

// WithQueryTimeout bounds a shared reconciliation query
func WithQueryTimeout(d time.Duration) Option {
	return func(s *PaymentService) {
		s.queryTimeout = d
	}
}

// NewPaymentService creates a new payment service
func NewPaymentService(engine *Engine, store ledger.Store, opts ...Option) *PaymentService {
	s := &PaymentService{
		engine:  engine,
		store:   store,
		logger:  util.GetLogger(),
		lockTTL: 60 * time.Second,

		queryTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the underlying reconciliation engine
func (s *PaymentService) Engine() *Engine {
	return s.engine
}

// CreatePayment registers the order if needed and captures it at the provider
func (s *PaymentService) CreatePayment(ctx context.Context, req CreateOrderRequest) (*Result, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.CreatePayment", req.Order.OrderID)
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	order := req.Order
	order.State = models.StatePending
	if err := s.store.RegisterOrder(ctx, &order, req.Items); err != nil {
		return nil, fmt.Errorf("failed to register order: %w", err)
	}

	var res *Result
	err := s.withOrderLock(ctx, order.OrderID, func() error {
		var err error
		res, err = s.engine.CreateOrder(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.scheduleIfUnresolved(ctx, res)
	return res, nil
}

// RefundPayment refunds an order. A non-empty idempotencyKey that was seen
// before returns the stored result without calling the provider again.
func (s *PaymentService) RefundPayment(ctx context.Context, req RefundOrderRequest, idempotencyKey string) (*Result, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.RefundPayment", req.OrderID)
	defer span.End()

	cacheKey := ""
	if idempotencyKey != "" && s.idempotency != nil {
		cacheKey = fmt.Sprintf("refund:%s:%s", req.OrderID, idempotencyKey)
		if res, ok := s.replay(ctx, cacheKey); ok {
			s.logger.Info("Replaying refund result",
				zap.String("order_id", req.OrderID),
				zap.String("idempotency_key", idempotencyKey))
			return res, nil
		}
	}

	var res *Result
	err := s.withOrderLock(ctx, req.OrderID, func() error {
		var err error
		res, err = s.engine.RefundOrder(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		s.remember(ctx, cacheKey, res)
	}
	s.scheduleIfUnresolved(ctx, res)
	return res, nil
}

// QueryPayment reconciles an order with the provider. Concurrent queries
// for the same order in this process share one provider call. The shared
// call is detached from any single caller; a caller whose ctx ends gets
// ctx.Err() while the others still receive the result.
func (s *PaymentService) QueryPayment(ctx context.Context, orderID string) (*Result, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.QueryPayment", orderID)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := s.queries.DoChan(orderID, func() (interface{}, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
		defer cancel()

		var res *Result
		err := s.withOrderLock(sharedCtx, orderID, func() error {
			var err error
			res, err = s.engine.QueryOrder(sharedCtx, orderID)
			return err
		})
		return res, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			s.logger.Debug("Query shared with concurrent caller", zap.String("order_id", orderID))
		}
		return r.Val.(*Result), nil
	}
}

// GetPayment returns the read model of an order
func (s *PaymentService) GetPayment(ctx context.Context, orderID string) (*PaymentView, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}

	view := &PaymentView{Order: order, Items: items}

	rec, err := s.store.GetProviderRecord(ctx, orderID)
	if errors.Is(err, ledger.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider record: %w", err)
	}
	view.Record = rec

	if view.Details, err = s.store.GetDetails(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to get details: %w", err)
	}
	if view.PayInfos, err = s.store.GetPayInfos(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to get pay infos: %w", err)
	}
	return view, nil
}

func (s *PaymentService) withOrderLock(ctx context.Context, orderID string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}

	key := "payment:" + orderID
	token, acquired, err := s.locker.AcquireLock(ctx, key, s.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock order: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrOrderBusy, orderID)
	}
	defer func() {
		if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("Failed to release order lock", zap.String("order_id", orderID), zap.Error(err))
		}
	}()

	return fn()
}

func (s *PaymentService) replay(ctx context.Context, key string) (*Result, bool) {
	raw, ok, err := s.idempotency.GetIdempotencyKey(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to read idempotency key", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		s.logger.Warn("Discarding unreadable idempotent result", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &res, true
}

func (s *PaymentService) remember(ctx context.Context, key string, res *Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("Failed to encode idempotent result", zap.Error(err))
		return
	}
	if err := s.idempotency.SetIdempotencyKey(context.WithoutCancel(ctx), key, raw, s.idempotencyTTL); err != nil {
		s.logger.Warn("Failed to store idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func (s *PaymentService) scheduleIfUnresolved(ctx context.Context, res *Result) {
	if s.reconcile == nil || res == nil || !res.Code.Retryable() {
		return
	}

	event := &models.ReconcileRequestedEvent{
		BaseEvent: newBaseEvent(models.EventTypeReconcileRequested),
		OrderID:   res.OrderID,
		Reason:    fmt.Sprintf("%s %s", res.Operation, res.Code),
	}
	if err := s.reconcile.PublishReconcileRequested(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("Failed to request reconciliation", zap.String("order_id", res.OrderID), zap.Error(err))
	}
}
