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

// CreateOrderRequest carries everything needed to capture an order at the provider
type CreateOrderRequest struct {
	Order        models.Order
	Items        []models.OrderItem
	OneTimeToken string
	// Channel selects the provider connection; empty means the default channel
	Channel string
	// Currency overrides the channel currency when set
	Currency string
}

func (r *CreateOrderRequest) validate() error {
	if r.Order.OrderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	if !r.Order.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.OneTimeToken == "" {
		return fmt.Errorf("%w: one-time token is required", ErrInvalidRequest)
	}
	return nil
}

// CreateOrder writes a PENDING provider record, asks the provider to capture
// the order and commits the outcome.
//
// The PENDING record is committed before the provider call so an order whose
// call never returns stays discoverable by QueryOrder.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (res *Result, err error) {
	ctx, span := util.StartOrderSpan(ctx, "Engine.CreateOrder", req.Order.OrderID)
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { e.observe(OpCreate, start, res) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	gw, err := e.gateway(req.Channel)
	if err != nil {
		return nil, err
	}

	// The record amount is the registered order's amount.
	order, err := e.store.GetOrder(ctx, req.Order.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !order.Amount.Equal(req.Order.Amount) {
		return nil, fmt.Errorf("%w: amount %s does not match registered order amount %s",
			ErrInvalidRequest, req.Order.Amount, order.Amount)
	}

	channel := req.Channel
	if channel == "" {
		channel = provider.DefaultChannel
	}

	rec := &models.ProviderRecord{
		OrderID:        req.Order.OrderID,
		Channel:        channel,
		State:          models.StatePending,
		Amount:         order.Amount,
		RefundedAmount: decimal.Zero,
		OneTimeToken:   req.OneTimeToken,
		InsertTime:     e.now().UTC(),
	}
	if err := e.store.CreateProviderRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create provider record: %w", err)
	}

	e.logger.Info("Provider record created",
		zap.String("order_id", rec.OrderID),
		zap.String("amount", rec.Amount.String()),
		zap.String("channel", channel))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("create cancelled before provider call: %w", err)
	}

	outcome, err := gw.CreateCapture(ctx, provider.CaptureRequest{
		OrderID:      rec.OrderID,
		Amount:       rec.Amount,
		Currency:     req.Currency,
		OneTimeToken: req.OneTimeToken,
		ProductName:  productDescription(req.Items),
	})
	if err != nil {
		e.logger.Warn("Capture got no trustworthy response, order stays pending",
			zap.String("order_id", rec.OrderID),
			zap.Error(err))
		return newResult(OpCreate, ResultProviderUnreachable, rec), nil
	}

	// The provider has answered; commit regardless of caller cancellation.
	commitCtx := context.WithoutCancel(ctx)

	res = newResult(OpCreate, ResultSuccess, rec)
	var settledAt time.Time
	from := rec.State

	err = e.store.WithTx(commitCtx, func(tx ledger.Tx) error {
		locked, err := tx.LockProviderRecord(commitCtx, rec.OrderID)
		if err != nil {
			return err
		}

		next := models.StatePending
		switch o := outcome.(type) {
		case provider.CaptureSettled:
			settledAt, err = e.applyCapture(commitCtx, tx, locked, o.Status, o.Info.TransactionID, o.Info.TransactionDate, o.Info.PayInfo)
			if err != nil {
				return err
			}
			next = models.StatePaid
			res.Code = ResultSuccess
			res.ProviderCode, res.ProviderMessage = o.Code, o.Message

		case provider.CaptureAwaiting:
			locked.ReturnCode, locked.ReturnMessage = o.Code, o.Message
			res.Code = ResultAwaitingConfirmation
			res.ProviderCode, res.ProviderMessage = o.Code, o.Message

		case provider.CaptureDeclined:
			e.logger.Warn("Capture declined by provider",
				zap.String("order_id", rec.OrderID),
				zap.String("code", o.Code),
				zap.String("message", o.Message))
			locked.ReturnCode, locked.ReturnMessage = o.Code, o.Message
			next = models.StateFailed
			res.Code = ResultProviderRejected
			res.ProviderCode, res.ProviderMessage = o.Code, o.Message

		default:
			return fmt.Errorf("unexpected capture outcome %T", outcome)
		}

		if err := transition(commitCtx, tx, locked, next); err != nil {
			return err
		}
		*rec = *locked
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit capture outcome for order %s: %w", rec.OrderID, err)
	}

	e.committed(from, rec.State)
	res.State = rec.State

	switch res.Code {
	case ResultSuccess:
		e.publish(commitCtx, models.EventTypePaymentCaptured, func(ctx context.Context, p EventPublisher) error {
			return p.PublishPaymentCaptured(ctx, &models.PaymentCapturedEvent{
				BaseEvent: newBaseEvent(models.EventTypePaymentCaptured),
				OrderID:   rec.OrderID,
				Amount:    rec.Amount,
				TxID:      rec.TransactionID,
				SettledAt: settledAt,
			})
		})
	case ResultAwaitingConfirmation:
		e.publish(commitCtx, models.EventTypePaymentAwaitingConfirmation, func(ctx context.Context, p EventPublisher) error {
			return p.PublishPaymentAwaitingConfirmation(ctx, &models.PaymentAwaitingConfirmationEvent{
				BaseEvent: newBaseEvent(models.EventTypePaymentAwaitingConfirmation),
				OrderID:   rec.OrderID,
			})
		})
	case ResultProviderRejected:
		e.publish(commitCtx, models.EventTypePaymentFailed, func(ctx context.Context, p EventPublisher) error {
			return p.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
				BaseEvent:  newBaseEvent(models.EventTypePaymentFailed),
				OrderID:    rec.OrderID,
				ReturnCode: res.ProviderCode,
				Reason:     res.ProviderMessage,
			})
		})
	}

	return res, nil
}

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
