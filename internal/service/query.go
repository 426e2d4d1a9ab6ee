package service

import (
	"context"
	"fmt"
	"time"

	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// queryChanges collects what a reconciliation query committed
type queryChanges struct {
	refundTxIDs []string
	refunded    decimal.Decimal
	backfilled  bool
	settledAt   time.Time
	escalation  string
}

// QueryOrder reconciles the local ledger against the provider's record of an order.
//
// The last activity record returned by the provider is taken as current truth.
// Refund entries not yet in the ledger are appended (deduplicated by transaction id),
// and a capture the ledger never saw is backfilled while the order is still PENDING.
// An unreachable provider never regresses local state.
func (e *Engine) QueryOrder(ctx context.Context, orderID string) (res *Result, err error) {
	ctx, span := util.StartOrderSpan(ctx, "Engine.QueryOrder", orderID)
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { e.observe(OpQuery, start, res) }()

	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}

	rec, err := e.getRecord(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Result{Operation: OpQuery, Code: ResultNoProviderRecord, OrderID: orderID}, nil
	}

	gw, err := e.gateway(rec.Channel)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query cancelled before provider call: %w", err)
	}

	outcome, err := gw.QueryActivity(ctx, orderID)
	if err != nil {
		e.logger.Warn("Query got no trustworthy response, state unchanged",
			zap.String("order_id", orderID),
			zap.Error(err))
		return newResult(OpQuery, ResultProviderUnreachable, rec), nil
	}

	if o, ok := outcome.(provider.QueryRejected); ok {
		e.logger.Warn("Query rejected by provider, state unchanged",
			zap.String("order_id", orderID),
			zap.String("code", o.Code),
			zap.String("message", o.Message))
		res = newResult(OpQuery, ResultProviderRejected, rec)
		res.ProviderCode, res.ProviderMessage = o.Code, o.Message
		return res, nil
	}

	commitCtx := context.WithoutCancel(ctx)
	res = newResult(OpQuery, ResultSuccess, rec)
	from := rec.State
	var changes queryChanges

	err = e.store.WithTx(commitCtx, func(tx ledger.Tx) error {
		locked, err := tx.LockProviderRecord(commitCtx, orderID)
		if err != nil {
			return err
		}
		from = locked.State
		changes = queryChanges{}

		next := locked.State
		switch o := outcome.(type) {
		case provider.QueryNotFound:
			res.ProviderCode, res.ProviderMessage = o.Code, o.Message
			next, changes.escalation = e.notFoundState(locked, o)
			locked.ReturnCode, locked.ReturnMessage = o.Code, o.Message

		case provider.QueryFound:
			res.ProviderCode, res.ProviderMessage = o.Code, o.Message
			next, err = e.reconcileActivity(commitCtx, tx, locked, o, &changes)
			if err != nil {
				return err
			}

		default:
			return fmt.Errorf("unexpected query outcome %T", outcome)
		}

		if _, found := outcome.(provider.QueryFound); found && next == locked.State && !changes.backfilled && len(changes.refundTxIDs) == 0 {
			// Already reconciled.
			*rec = *locked
			return nil
		}

		if !canTransition(locked.State, next) {
			e.logger.Warn("Order is terminal, keeping state after reconciliation",
				zap.String("order_id", orderID),
				zap.String("state", locked.State.String()),
				zap.String("provider_state", next.String()))
			next = locked.State
		}

		if err := transition(commitCtx, tx, locked, next); err != nil {
			return err
		}
		*rec = *locked
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit query outcome for order %s: %w", orderID, err)
	}

	e.committed(from, rec.State)
	res.State = rec.State
	res.RefundedAmount = rec.RefundedAmount

	e.afterQuery(commitCtx, rec, from, res, &changes)
	return res, nil
}

// notFoundState decides the state for an order the provider has no record of.
// Absence is authoritative for an order that never left PENDING. An order the
// ledger has seen settled cannot be failed automatically.
func (e *Engine) notFoundState(rec *models.ProviderRecord, o provider.QueryNotFound) (models.PaymentState, string) {
	e.logger.Warn("Provider has no record of order",
		zap.String("order_id", rec.OrderID),
		zap.String("state", rec.State.String()),
		zap.String("code", o.Code),
		zap.String("message", o.Message))

	switch rec.State {
	case models.StatePending, models.StateFailed:
		return models.StateFailed, ""
	case models.StateManual:
		return models.StateManual, ""
	default:
		return models.StateManual, "provider has no record of a settled order"
	}
}

// reconcileActivity applies the latest provider activity record to rec
func (e *Engine) reconcileActivity(ctx context.Context, tx ledger.Tx, rec *models.ProviderRecord, o provider.QueryFound, changes *queryChanges) (models.PaymentState, error) {
	latest := o.Latest()

	if rec.State == models.StatePending {
		settledAt, err := e.applyCapture(ctx, tx, rec, o.Status, latest.TransactionID, latest.TransactionDate, latest.PayInfo)
		if err != nil {
			return rec.State, err
		}
		changes.backfilled = true
		changes.settledAt = settledAt
		if len(latest.RefundList) == 0 {
			return models.StatePaid, nil
		}
		// Refunds below are applied on top of the recovered capture.
		if err := transition(ctx, tx, rec, models.StatePaid); err != nil {
			return rec.State, err
		}
	}

	if len(latest.RefundList) == 0 {
		return rec.State, nil
	}

	ids, err := tx.DetailTransactionIDs(ctx, rec.OrderID)
	if err != nil {
		return rec.State, fmt.Errorf("failed to list detail transaction ids: %w", err)
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	var fresh []models.ProviderDetail
	sum := decimal.Zero
	for _, r := range latest.RefundList {
		if known[r.RefundTransactionID] {
			continue
		}
		known[r.RefundTransactionID] = true

		amount := r.RefundAmount.Abs()
		sum = sum.Add(amount)
		fresh = append(fresh, models.ProviderDetail{
			OrderID:         rec.OrderID,
			TransactionID:   r.RefundTransactionID,
			TransactionType: models.DetailTypeRefund,
			Amount:          amount,
			TransactionDate: e.eventTime(r.RefundTransactionDate),
		})
	}

	if len(fresh) == 0 {
		return rec.State, nil
	}

	refunded := rec.RefundedAmount.Add(sum)
	if refunded.GreaterThan(rec.Amount) {
		changes.escalation = fmt.Sprintf("provider reports refunds of %s over captured amount %s", refunded, rec.Amount)
		return models.StateManual, nil
	}

	for i := range fresh {
		if err := tx.InsertDetail(ctx, &fresh[i]); err != nil {
			return rec.State, fmt.Errorf("failed to insert refund detail: %w", err)
		}
		changes.refundTxIDs = append(changes.refundTxIDs, fresh[i].TransactionID)
	}
	rec.RefundedAmount = refunded
	changes.refunded = sum

	return models.StateRefunded, nil
}

func (e *Engine) afterQuery(ctx context.Context, rec *models.ProviderRecord, from models.PaymentState, res *Result, changes *queryChanges) {
	if changes.backfilled {
		util.BackfilledDetailsTotal.WithLabelValues(models.DetailTypePayment).Inc()
		e.logger.Info("Backfilled capture from provider activity",
			zap.String("order_id", rec.OrderID),
			zap.String("tx_id", rec.TransactionID))
		e.publish(ctx, models.EventTypePaymentCaptured, func(ctx context.Context, p EventPublisher) error {
			return p.PublishPaymentCaptured(ctx, &models.PaymentCapturedEvent{
				BaseEvent:  newBaseEvent(models.EventTypePaymentCaptured),
				OrderID:    rec.OrderID,
				Amount:     rec.Amount,
				TxID:       rec.TransactionID,
				SettledAt:  changes.settledAt,
				Backfilled: true,
			})
		})
	}

	if len(changes.refundTxIDs) > 0 {
		util.BackfilledDetailsTotal.WithLabelValues(models.DetailTypeRefund).Add(float64(len(changes.refundTxIDs)))
		util.RefundedAmountTotal.Add(changes.refunded.InexactFloat64())
		e.logger.Info("Backfilled refunds from provider activity",
			zap.String("order_id", rec.OrderID),
			zap.Strings("refund_tx_ids", changes.refundTxIDs),
			zap.String("refunded_amount", rec.RefundedAmount.String()))
		e.publish(ctx, models.EventTypeRefundCompleted, func(ctx context.Context, p EventPublisher) error {
			return p.PublishRefundCompleted(ctx, &models.RefundCompletedEvent{
				BaseEvent:      newBaseEvent(models.EventTypeRefundCompleted),
				OrderID:        rec.OrderID,
				Amount:         changes.refunded,
				RefundedAmount: rec.RefundedAmount,
				TxIDs:          changes.refundTxIDs,
			})
		})
	}

	if rec.State == models.StateFailed && from != models.StateFailed {
		e.publish(ctx, models.EventTypePaymentFailed, func(ctx context.Context, p EventPublisher) error {
			return p.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
				BaseEvent:  newBaseEvent(models.EventTypePaymentFailed),
				OrderID:    rec.OrderID,
				ReturnCode: res.ProviderCode,
				Reason:     res.ProviderMessage,
			})
		})
	}

	if rec.State == models.StateManual && from != models.StateManual {
		e.escalate(ctx, rec, from, res.ProviderCode, changes.escalation)
	}
}
