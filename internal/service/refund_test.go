package service

import (
	"context"
	"testing"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefundOrderPartialThenExceeds(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)
	env.gw.refundFn = refunded("R1")

	res, err := env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(400)})
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.Code)
	assert.Equal(t, models.StateRefunded, res.State)
	assert.True(t, dec(400).Equal(res.RefundedAmount))

	rec := env.record(t, "A1")
	assert.Equal(t, models.StateRefunded, rec.State)
	assert.True(t, dec(400).Equal(rec.RefundedAmount))

	refunds := env.details(t, "A1", models.DetailTypeRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, "R1", refunds[0].TransactionID)
	assert.True(t, dec(400).Equal(refunds[0].Amount))

	res, err = env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(700)})
	require.NoError(t, err)
	assert.Equal(t, ResultRefundExceedsCaptured, res.Code)
	assert.Equal(t, "2102", res.WireCode())
	assert.True(t, res.Code.LocalValidationFailure())

	_, refundCalls, _ := env.gw.calls()
	assert.Equal(t, 1, refundCalls)
	assert.Equal(t, models.StateRefunded, env.record(t, "A1").State)
	assert.Len(t, env.details(t, "A1", models.DetailTypeRefund), 1)

	assert.Equal(t, []string{models.EventTypePaymentCaptured, models.EventTypeRefundCompleted}, env.events.published())
}

func TestRefundOrderFullAmountTwice(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)

	env.gw.refundFn = refunded("R1")
	res, err := env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(600)})
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res.Code)

	env.gw.refundFn = refunded("R2")
	res, err = env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(400)})
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.Code)
	assert.True(t, dec(1000).Equal(res.RefundedAmount))
	assert.Len(t, env.details(t, "A1", models.DetailTypeRefund), 2)
}

func TestRefundOrderProviderFailureEscalates(t *testing.T) {
	tests := []struct {
		name     string
		outcome  provider.RefundOutcome
		wantCode string
	}{
		{
			name:     "state mismatch",
			outcome:  provider.RefundMismatch{Status: provider.Status{Code: provider.CodeRefundStateMismatch, Message: "mismatch"}},
			wantCode: provider.CodeRefundStateMismatch,
		},
		{
			name:     "rejected",
			outcome:  provider.RefundRejected{Status: provider.Status{Code: "1165", Message: "refund period expired"}},
			wantCode: "1165",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.paidOrder(t, "A1", 1000)
			env.gw.refundFn = func(provider.RefundRequest) (provider.RefundOutcome, error) {
				return tt.outcome, nil
			}

			res, err := env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(100)})
			require.NoError(t, err)
			assert.Equal(t, ResultProviderRejected, res.Code)
			assert.Equal(t, "2201", res.WireCode())
			assert.Equal(t, tt.wantCode, res.ProviderCode)
			assert.Equal(t, models.StateManual, res.State)

			rec := env.record(t, "A1")
			assert.Equal(t, models.StateManual, rec.State)
			assert.True(t, rec.RefundedAmount.IsZero())
			assert.Empty(t, env.details(t, "A1", models.DetailTypeRefund))

			order, err := env.ledger.GetOrder(context.Background(), "A1")
			require.NoError(t, err)
			assert.Equal(t, models.StateManual, order.State)

			assert.Contains(t, env.events.published(), models.EventTypeManualReviewRequired)
		})
	}
}

func TestRefundOrderUnreachableLeavesRefunding(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)

	res, err := env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(100)})
	require.NoError(t, err)
	assert.Equal(t, ResultProviderUnreachable, res.Code)
	assert.Equal(t, "2299", res.WireCode())
	assert.Equal(t, models.StateRefunding, res.State)

	rec := env.record(t, "A1")
	assert.Equal(t, models.StateRefunding, rec.State)
	assert.True(t, rec.RefundedAmount.IsZero())

	// Not retried while the outcome is unknown.
	env.gw.refundFn = refunded("R1")
	res, err = env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(100)})
	require.NoError(t, err)
	assert.Equal(t, ResultNotRefundable, res.Code)
	assert.Equal(t, "2103", res.WireCode())

	_, refundCalls, _ := env.gw.calls()
	assert.Equal(t, 1, refundCalls)
}

func TestRefundOrderLocalRejections(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "missing", Amount: dec(1)})
	require.NoError(t, err)
	assert.Equal(t, ResultNoProviderRecord, res.Code)
	assert.Equal(t, "2101", res.WireCode())

	req := createRequest("P1", 500)
	env.register(t, req)
	env.gw.captureFn = func(provider.CaptureRequest) (provider.CaptureOutcome, error) {
		return provider.CaptureAwaiting{Status: provider.Status{Code: provider.CodeAwaitingConfirmation}}, nil
	}
	_, err = env.engine.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	res, err = env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "P1", Amount: dec(100)})
	require.NoError(t, err)
	assert.Equal(t, ResultNotRefundable, res.Code)
	assert.Equal(t, models.StatePending, env.record(t, "P1").State)

	_, err = env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "P1", Amount: dec(0)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, refundCalls, _ := env.gw.calls()
	assert.Zero(t, refundCalls)
}

func TestRefundOrderLostResponseRecoveredByQuery(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)

	// First refund is lost in transit, then a query records R1.
	_, err := env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(300)})
	require.NoError(t, err)

	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return activityWithRefunds(provider.RefundEntry{RefundTransactionID: "R1", RefundAmount: dec(-300)}), nil
	}
	res, err := env.engine.QueryOrder(context.Background(), "A1")
	require.NoError(t, err)
	require.Equal(t, models.StateRefunded, res.State)

	rec := env.record(t, "A1")
	assert.True(t, dec(300).Equal(rec.RefundedAmount))
	assert.Len(t, env.details(t, "A1", models.DetailTypeRefund), 1)
}

func TestRefundOrderCancelledBeforeCall(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)
	env.gw.refundFn = refunded("R1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.RefundOrder(ctx, RefundOrderRequest{OrderID: "A1", Amount: dec(100)})
	require.Error(t, err)

	_, refundCalls, _ := env.gw.calls()
	assert.Zero(t, refundCalls)
	assert.Equal(t, models.StatePaid, env.record(t, "A1").State)
}
