package worker

import (
	"context"
	"fmt"
	"time"

	"payment-reconciler/internal/broker"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reconciler runs a reconciliation query for one order
type Reconciler interface {
	QueryPayment(ctx context.Context, orderID string) (*service.Result, error)
}

// ReconcileWorker consumes reconcile requests and queries the provider for each order
type ReconcileWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	reconciler   Reconciler
	logger       *zap.Logger
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(consumer *broker.Consumer, reconciler Reconciler) *ReconcileWorker {
	w := &ReconcileWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		reconciler:   reconciler,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnReconcileRequested(func(ctx context.Context, e *models.ReconcileRequestedEvent) error {
		return w.Reconcile(ctx, e.OrderID, e.Reason)
	})

	return w
}

// Start starts the worker
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ReconcileWorker) Stop() error {
	w.logger.Info("Stopping reconcile worker")
	return w.consumer.Close()
}

// Reconcile runs one query. Only infrastructure faults are returned; every
// business outcome is final for the request.
func (w *ReconcileWorker) Reconcile(ctx context.Context, orderID, reason string) error {
	res, err := w.reconciler.QueryPayment(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to reconcile order %s: %w", orderID, err)
	}

	w.logger.Info("Order reconciled",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.String("result", string(res.Code)),
		zap.String("state", res.State.String()))
	return nil
}

// SweepRequester receives the orders a sweep found
type SweepRequester interface {
	PublishReconcileRequested(ctx context.Context, event *models.ReconcileRequestedEvent) error
}

// DirectRequester reconciles requested orders in-process, for deployments without a broker
type DirectRequester struct {
	Reconciler Reconciler
}

// PublishReconcileRequested runs the query immediately
func (d DirectRequester) PublishReconcileRequested(ctx context.Context, event *models.ReconcileRequestedEvent) error {
	_, err := d.Reconciler.QueryPayment(ctx, event.OrderID)
	return err
}

// Sweeper finds orders left PENDING or REFUNDING by an unanswered provider
// call and requests their reconciliation.
//
// A reconciliation that changes nothing leaves updated_at alone, so the same
// records stay oldest. Successive sweeps page through the stale set with a
// cursor and wrap around after a short page, so every stale record is
// requested in turn.
type Sweeper struct {
	store      ledger.Store
	requests   SweepRequester
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	logger     *zap.Logger

	cursor *ledger.StaleCursor
}

// NewSweeper creates a new sweeper
func NewSweeper(store ledger.Store, requests SweepRequester, interval, staleAfter time.Duration, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		store:      store,
		requests:   requests,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
		logger:     util.GetLogger(),
	}
}

// unresolvedStates are left behind only by a provider call without a trustworthy answer
var unresolvedStates = []models.PaymentState{models.StatePending, models.StateRefunding}

// Start sweeps every interval until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("stale_after", s.staleAfter))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce requests reconciliation for the next page of stale orders and
// returns how many requests were made. Not safe for concurrent use.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	before := s.now().Add(-s.staleAfter)

	records, err := s.store.ListStaleRecords(ctx, ledger.StaleQuery{
		States: unresolvedStates,
		Before: before,
		After:  s.cursor,
		Limit:  s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale records: %w", err)
	}

	if len(records) < s.batchSize {
		s.cursor = nil
	} else {
		s.cursor = ledger.CursorOf(records[len(records)-1])
	}

	requested := 0
	for _, rec := range records {
		event := &models.ReconcileRequestedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeReconcileRequested,
				Timestamp: time.Now(),
			},
			OrderID: rec.OrderID,
			Reason:  fmt.Sprintf("stale %s since %s", rec.State, rec.UpdatedAt.UTC().Format(time.RFC3339)),
		}
		if err := s.requests.PublishReconcileRequested(ctx, event); err != nil {
			s.logger.Warn("Failed to request reconciliation",
				zap.String("order_id", rec.OrderID),
				zap.Error(err))
			continue
		}
		requested++
		util.SweepRequestsTotal.Inc()
	}

	if requested > 0 {
		s.logger.Info("Sweep requested reconciliation", zap.Int("orders", requested))
	}
	return requested, nil
}
