package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RefundOrderRequest asks for a partial or full refund of an order
type RefundOrderRequest struct {
	OrderID string
	Amount  decimal.Decimal
}

// errRefundRejected aborts the in-progress marker transaction when the
// locked record no longer passes local validation
type errRefundRejected struct {
	code ResultCode
}

func (e errRefundRejected) Error() string {
	return string(e.code)
}

func refundCheck(rec *models.ProviderRecord, amount decimal.Decimal) (ResultCode, bool) {
	if amount.GreaterThan(rec.Refundable()) {
		return ResultRefundExceedsCaptured, false
	}
	if rec.State != models.StatePaid && rec.State != models.StateRefunded {
		return ResultNotRefundable, false
	}
	return ResultSuccess, true
}

// RefundOrder refunds amount of a captured order.
//
// The order is marked REFUNDING before the provider call. If no trustworthy
// answer comes back it stays REFUNDING for reconciliation. Refunds are never
// retried automatically: every explicit provider failure ends in MANUAL.
func (e *Engine) RefundOrder(ctx context.Context, req RefundOrderRequest) (res *Result, err error) {
	ctx, span := util.StartOrderSpan(ctx, "Engine.RefundOrder", req.OrderID)
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { e.observe(OpRefund, start, res) }()

	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrInvalidRequest)
	}

	rec, err := e.getRecord(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Result{Operation: OpRefund, Code: ResultNoProviderRecord, OrderID: req.OrderID}, nil
	}

	if code, ok := refundCheck(rec, req.Amount); !ok {
		e.logger.Info("Refund rejected locally",
			zap.String("order_id", req.OrderID),
			zap.String("requested", req.Amount.String()),
			zap.String("refunded", rec.RefundedAmount.String()),
			zap.String("amount", rec.Amount.String()),
			zap.String("state", rec.State.String()),
			zap.String("result", string(code)))
		return newResult(OpRefund, code, rec), nil
	}

	gw, err := e.gateway(rec.Channel)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("refund cancelled before provider call: %w", err)
	}

	prevState := rec.State
	err = e.store.WithTx(ctx, func(tx ledger.Tx) error {
		locked, err := tx.LockProviderRecord(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if code, ok := refundCheck(locked, req.Amount); !ok {
			return errRefundRejected{code: code}
		}
		prevState = locked.State
		if err := transition(ctx, tx, locked, models.StateRefunding); err != nil {
			return err
		}
		*rec = *locked
		return nil
	})
	var rejected errRefundRejected
	if errors.As(err, &rejected) {
		latest, getErr := e.getRecord(ctx, req.OrderID)
		if getErr == nil && latest != nil {
			rec = latest
		}
		return newResult(OpRefund, rejected.code, rec), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark order %s refunding: %w", req.OrderID, err)
	}
	e.committed(prevState, models.StateRefunding)

	e.logger.Info("Refund in progress",
		zap.String("order_id", req.OrderID),
		zap.String("amount", req.Amount.String()),
		zap.String("previous_state", prevState.String()))

	outcome, err := gw.Refund(ctx, provider.RefundRequest{OrderID: req.OrderID, Amount: req.Amount})
	if err != nil {
		e.logger.Warn("Refund got no trustworthy response, order left refunding for reconciliation",
			zap.String("order_id", req.OrderID),
			zap.Error(err))
		return newResult(OpRefund, ResultProviderUnreachable, rec), nil
	}

	commitCtx := context.WithoutCancel(ctx)
	res = newResult(OpRefund, ResultSuccess, rec)
	var refundTxID string
	var escalation string
	added := decimal.Zero

	err = e.store.WithTx(commitCtx, func(tx ledger.Tx) error {
		locked, err := tx.LockProviderRecord(commitCtx, req.OrderID)
		if err != nil {
			return err
		}

		next := models.StateManual
		switch o := outcome.(type) {
		case provider.RefundCompleted:
			locked.ReturnCode, locked.ReturnMessage = o.Code, o.Message
			res.ProviderCode, res.ProviderMessage = o.Code, o.Message
			refundTxID = o.Info.RefundTransactionID

			known, err := tx.DetailTransactionIDs(commitCtx, req.OrderID)
			if err != nil {
				return fmt.Errorf("failed to list detail transaction ids: %w", err)
			}
			if contains(known, refundTxID) {
				// Already recorded by a reconciliation query.
				e.logger.Info("Refund detail already recorded",
					zap.String("order_id", req.OrderID),
					zap.String("refund_tx_id", refundTxID))
				next = models.StateRefunded
				break
			}

			refunded := locked.RefundedAmount.Add(req.Amount)
			if refunded.GreaterThan(locked.Amount) {
				escalation = "confirmed refund exceeds captured amount"
				res.Code = ResultProviderRejected
				break
			}

			err = tx.InsertDetail(commitCtx, &models.ProviderDetail{
				OrderID:         req.OrderID,
				TransactionID:   refundTxID,
				TransactionType: models.DetailTypeRefund,
				Amount:          req.Amount,
				TransactionDate: e.eventTime(o.Info.RefundTransactionDate),
			})
			if err != nil {
				return fmt.Errorf("failed to insert refund detail: %w", err)
			}
			locked.RefundedAmount = refunded
			added = req.Amount
			next = models.StateRefunded

		case provider.RefundMismatch:
			escalation = "provider state mismatch"
			locked.ReturnCode, locked.ReturnMessage = o.Code, o.Message
			res.Code = ResultProviderRejected
			res.ProviderCode, res.ProviderMessage = o.Code, o.Message

		case provider.RefundRejected:
			escalation = "refund rejected by provider"
			locked.ReturnCode, locked.ReturnMessage = o.Code, o.Message
			res.Code = ResultProviderRejected
			res.ProviderCode, res.ProviderMessage = o.Code, o.Message

		default:
			return fmt.Errorf("unexpected refund outcome %T", outcome)
		}

		if err := transition(commitCtx, tx, locked, next); err != nil {
			return err
		}
		*rec = *locked
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit refund outcome for order %s: %w", req.OrderID, err)
	}

	e.committed(models.StateRefunding, rec.State)
	res.State = rec.State
	res.RefundedAmount = rec.RefundedAmount

	if rec.State == models.StateManual {
		e.escalate(commitCtx, rec, prevState, res.ProviderCode, escalation)
		return res, nil
	}

	util.RefundedAmountTotal.Add(added.InexactFloat64())
	e.publish(commitCtx, models.EventTypeRefundCompleted, func(ctx context.Context, p EventPublisher) error {
		return p.PublishRefundCompleted(ctx, &models.RefundCompletedEvent{
			BaseEvent:      newBaseEvent(models.EventTypeRefundCompleted),
			OrderID:        rec.OrderID,
			Amount:         req.Amount,
			RefundedAmount: rec.RefundedAmount,
			TxIDs:          []string{refundTxID},
		})
	})
	return res, nil
}

// escalate reports an order that needs human reconciliation
func (e *Engine) escalate(ctx context.Context, rec *models.ProviderRecord, prevState models.PaymentState, code, reason string) {
	util.ManualEscalationsTotal.WithLabelValues(code).Inc()
	e.logger.Warn("Order requires manual reconciliation",
		zap.String("order_id", rec.OrderID),
		zap.String("previous_state", prevState.String()),
		zap.String("code", code),
		zap.String("reason", reason))

	e.publish(ctx, models.EventTypeManualReviewRequired, func(ctx context.Context, p EventPublisher) error {
		return p.PublishManualReviewRequired(ctx, &models.ManualReviewRequiredEvent{
			BaseEvent:     newBaseEvent(models.EventTypeManualReviewRequired),
			OrderID:       rec.OrderID,
			PreviousState: prevState,
			ReturnCode:    code,
			Reason:        reason,
		})
	})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
