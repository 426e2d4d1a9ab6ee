package service

import (
	"context"
	"testing"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activityWithRefunds(refunds ...provider.RefundEntry) provider.QueryFound {
	return provider.QueryFound{
		Status: provider.Status{Code: provider.CodeSuccess, Message: "Success."},
		Activities: []provider.Activity{{
			TransactionID:   "T1",
			TransactionDate: "2024-03-01T10:00:00Z",
			PayInfo:         []provider.PayInfo{{Method: "CREDIT_CARD", Amount: dec(1000)}},
			RefundList:      refunds,
		}},
	}
}

func pendingOrder(t *testing.T, env *testEnv, orderID string, amount int64) {
	t.Helper()
	req := createRequest(orderID, amount)
	env.register(t, req)
	_, err := env.engine.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, env.record(t, orderID).State)
}

func TestQueryOrderBackfillsCapture(t *testing.T) {
	env := newTestEnv(t)
	pendingOrder(t, env, "A1", 1000)
	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return activityWithRefunds(), nil
	}

	for i := 0; i < 2; i++ {
		res, err := env.engine.QueryOrder(context.Background(), "A1")
		require.NoError(t, err)
		assert.Equal(t, ResultSuccess, res.Code)
		assert.Equal(t, models.StatePaid, res.State)
	}

	rec := env.record(t, "A1")
	assert.Equal(t, "T1", rec.TransactionID)
	assert.Equal(t, models.ProviderOrderStatusComplete, rec.OrderStatus)
	assert.True(t, fixedSettlement.Equal(rec.InsertTime))

	payments := env.details(t, "A1", models.DetailTypePayment)
	require.Len(t, payments, 1)
	assert.True(t, dec(1000).Equal(payments[0].Amount))

	assert.Equal(t, []string{models.EventTypePaymentCaptured}, env.events.published())
}

func TestQueryOrderBackfillsCaptureAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	pendingOrder(t, env, "A1", 1000)
	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return activityWithRefunds(provider.RefundEntry{RefundTransactionID: "R1", RefundAmount: dec(-250)}), nil
	}

	res, err := env.engine.QueryOrder(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRefunded, res.State)
	assert.True(t, dec(250).Equal(res.RefundedAmount))
	assert.Len(t, env.details(t, "A1", models.DetailTypePayment), 1)
	assert.Len(t, env.details(t, "A1", models.DetailTypeRefund), 1)
}

func TestQueryOrderAppendsNewRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)
	env.gw.refundFn = refunded("R1")
	_, err := env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(400)})
	require.NoError(t, err)

	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return activityWithRefunds(
			provider.RefundEntry{RefundTransactionID: "R1", RefundAmount: dec(-400), RefundTransactionDate: "2024-03-02T09:00:00Z"},
			provider.RefundEntry{RefundTransactionID: "R2", RefundAmount: dec(-100), RefundTransactionDate: "2024-03-03T09:00:00Z"},
			provider.RefundEntry{RefundTransactionID: "R2", RefundAmount: dec(-100), RefundTransactionDate: "2024-03-03T09:00:00Z"},
		), nil
	}

	for i := 0; i < 2; i++ {
		res, err := env.engine.QueryOrder(context.Background(), "A1")
		require.NoError(t, err)
		assert.Equal(t, ResultSuccess, res.Code)
		assert.Equal(t, models.StateRefunded, res.State)
		assert.True(t, dec(500).Equal(res.RefundedAmount))
	}

	rec := env.record(t, "A1")
	assert.True(t, dec(500).Equal(rec.RefundedAmount))

	all, err := env.ledger.GetDetails(context.Background(), "A1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	refunds := env.details(t, "A1", models.DetailTypeRefund)
	require.Len(t, refunds, 2)
	assert.Equal(t, "R2", refunds[1].TransactionID)
	assert.True(t, dec(100).Equal(refunds[1].Amount))

	assert.Equal(t, []string{
		models.EventTypePaymentCaptured,
		models.EventTypeRefundCompleted,
		models.EventTypeRefundCompleted,
	}, env.events.published())
}

func TestQueryOrderResolvesRefunding(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)
	_, err := env.engine.RefundOrder(context.Background(), RefundOrderRequest{OrderID: "A1", Amount: dec(200)})
	require.NoError(t, err)
	require.Equal(t, models.StateRefunding, env.record(t, "A1").State)

	// No refund at the provider yet.
	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return activityWithRefunds(), nil
	}
	res, err := env.engine.QueryOrder(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRefunding, res.State)

	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return activityWithRefunds(provider.RefundEntry{RefundTransactionID: "R1", RefundAmount: dec(-200)}), nil
	}
	res, err = env.engine.QueryOrder(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRefunded, res.State)
	assert.True(t, dec(200).Equal(env.record(t, "A1").RefundedAmount))
}

func TestQueryOrderNotFound(t *testing.T) {
	notFound := func(string) (provider.QueryOutcome, error) {
		return provider.QueryNotFound{Status: provider.Status{Code: provider.CodeOrderNotFound, Message: "no such order"}}, nil
	}

	t.Run("pending order fails", func(t *testing.T) {
		env := newTestEnv(t)
		pendingOrder(t, env, "A1", 1000)
		env.gw.queryFn = notFound

		res, err := env.engine.QueryOrder(context.Background(), "A1")
		require.NoError(t, err)
		assert.Equal(t, ResultSuccess, res.Code)
		assert.Equal(t, models.StateFailed, res.State)

		rec := env.record(t, "A1")
		assert.Equal(t, provider.CodeOrderNotFound, rec.ReturnCode)
		assert.Contains(t, env.events.published(), models.EventTypePaymentFailed)
	})

	t.Run("paid order escalates", func(t *testing.T) {
		env := newTestEnv(t)
		env.paidOrder(t, "A1", 1000)
		env.gw.queryFn = notFound

		res, err := env.engine.QueryOrder(context.Background(), "A1")
		require.NoError(t, err)
		assert.Equal(t, models.StateManual, res.State)
		assert.Equal(t, models.StateManual, env.record(t, "A1").State)
		assert.Contains(t, env.events.published(), models.EventTypeManualReviewRequired)
	})
}

func TestQueryOrderKeepsStateWithoutTrustworthyAnswer(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)

	res, err := env.engine.QueryOrder(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultProviderUnreachable, res.Code)
	assert.Equal(t, "3299", res.WireCode())
	assert.Equal(t, models.StatePaid, res.State)

	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return provider.QueryRejected{Status: provider.Status{Code: "1104", Message: "merchant not found"}}, nil
	}
	res, err = env.engine.QueryOrder(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, ResultProviderRejected, res.Code)
	assert.Equal(t, "3202", res.WireCode())
	assert.Equal(t, "1104", res.ProviderCode)

	rec := env.record(t, "A1")
	assert.Equal(t, models.StatePaid, rec.State)
	assert.Equal(t, provider.CodeSuccess, rec.ReturnCode)
}

func TestQueryOrderRefundsOverAmountEscalate(t *testing.T) {
	env := newTestEnv(t)
	env.paidOrder(t, "A1", 1000)
	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return activityWithRefunds(
			provider.RefundEntry{RefundTransactionID: "R1", RefundAmount: dec(-800)},
			provider.RefundEntry{RefundTransactionID: "R2", RefundAmount: dec(-300)},
		), nil
	}

	res, err := env.engine.QueryOrder(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, models.StateManual, res.State)

	rec := env.record(t, "A1")
	assert.True(t, rec.RefundedAmount.IsZero())
	assert.Empty(t, env.details(t, "A1", models.DetailTypeRefund))
	assert.Contains(t, env.events.published(), models.EventTypeManualReviewRequired)
}

func TestQueryOrderNoRecord(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.QueryOrder(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, ResultNoProviderRecord, res.Code)
	assert.Equal(t, "3101", res.WireCode())

	_, _, queryCalls := env.gw.calls()
	assert.Zero(t, queryCalls)
}

func TestQueryOrderPublishFailureKeepsLedger(t *testing.T) {
	env := newTestEnv(t)
	pendingOrder(t, env, "A1", 1000)
	env.events.fail = true
	env.gw.queryFn = func(string) (provider.QueryOutcome, error) {
		return activityWithRefunds(), nil
	}

	res, err := env.engine.QueryOrder(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePaid, res.State)
	assert.Len(t, env.details(t, "A1", models.DetailTypePayment), 1)
}
