package service

import (
	"errors"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelPendingOrderReleasesStock(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 2})

	_, err := f.orders.CancelOrder(f.ctx, res.OrderID, 99, "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	order, err := f.orders.CancelOrder(f.ctx, res.OrderID, 21, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, "changed my mind", order.CancelReason)
	assert.Equal(t, models.StockReleased, order.StockState)

	assert.Zero(t, f.stock(lamp).ReservedQuantity)
	assert.Equal(t, models.PaymentStatusCancelled, f.payment(res.PaymentReference).Status)
	assert.Equal(t, 1, f.notifier.count(models.NotifyOrderCancelled))

	_, err = f.orders.CancelOrder(f.ctx, res.OrderID, 21, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	// capture arriving after the cancel does not resurrect the order
	assert.Equal(t, WebhookProcessed, f.deliver("evt_after_cancel", models.EventTypePaymentSucceeded, res.PaymentReference).Status)
	assert.Equal(t, models.OrderStatusCancelled, f.order(res.OrderID).Status)
	assert.Zero(t, f.stock(lamp).ReservedQuantity)
	assert.Equal(t, 3, f.stock(lamp).Quantity)
}

func TestCaptureAfterCancelIsRefunded(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})

	_, err := f.orders.CancelOrder(f.ctx, res.OrderID, 21, "")
	require.NoError(t, err)

	assert.Equal(t, WebhookProcessed, f.deliver("evt_captured", models.EventTypePaymentSucceeded, res.PaymentReference).Status)
	assert.Equal(t, 1, f.gateway.refundCount())
	assert.Nil(t, f.gateway.refundAmounts[0], "the whole capture goes back")
	assert.Equal(t, models.PaymentStatusCancelled, f.payment(res.PaymentReference).Status)
	assert.Equal(t, models.OrderStatusCancelled, f.order(res.OrderID).Status)
	assert.Equal(t, 1, f.notifier.count(models.NotifyPaymentRefunded))

	assert.Equal(t, WebhookDuplicate, f.deliver("evt_captured", models.EventTypePaymentSucceeded, res.PaymentReference).Status)
	assert.Equal(t, 1, f.gateway.refundCount(), "a redelivery does not refund twice")
}

func TestCaptureAfterCancelRefundFailureIsReported(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})
	_, err := f.orders.CancelOrder(f.ctx, res.OrderID, 21, "")
	require.NoError(t, err)
	f.gateway.refundErr = errors.New("gateway down")

	assert.Equal(t, WebhookProcessed, f.deliver("evt_captured", models.EventTypePaymentSucceeded, res.PaymentReference).Status)
	assert.Zero(t, f.gateway.refundCount())
	assert.Zero(t, f.notifier.count(models.NotifyPaymentRefunded))
	assert.Equal(t, models.OrderStatusCancelled, f.order(res.OrderID).Status)
}

func TestReconcileCaptureAfterCancelIsRefunded(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})
	_, err := f.orders.CancelOrder(f.ctx, res.OrderID, 21, "")
	require.NoError(t, err)

	f.gateway.confirmStatus = IntentSucceeded
	payment, err := f.orders.ReconcilePayment(f.ctx, res.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, payment.Status)
	assert.Equal(t, 1, f.gateway.refundCount())
	assert.Equal(t, models.OrderStatusCancelled, f.order(res.OrderID).Status)
}

func TestCancelWhileAwaitingCustomerAction(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})
	f.deliver("evt_3ds", models.EventTypePaymentRequiresAction, res.PaymentReference)

	order, err := f.orders.CancelOrder(f.ctx, res.OrderID, 21, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, models.PaymentStatusCancelled, f.payment(res.PaymentReference).Status)
}

func TestCancelAfterCaptureIsRejected(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})
	f.deliver("evt_paid", models.EventTypePaymentSucceeded, res.PaymentReference)

	_, err := f.orders.CancelOrder(f.ctx, res.OrderID, 21, "")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	order := f.order(res.OrderID)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.Equal(t, models.StockCommitted, order.StockState)
	assert.Equal(t, models.PaymentStatusCompleted, f.payment(res.PaymentReference).Status)
}

func TestRefundConfirmedOrderReturnsStock(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 2})

	_, err := f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "nothing captured yet")

	f.deliver("evt_paid", models.EventTypePaymentSucceeded, res.PaymentReference)
	require.Equal(t, 1, f.stock(lamp).Quantity)

	payment, err := f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "damaged")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
	assert.Equal(t, []string{"pi_1"}, f.gateway.refunds)

	order := f.order(res.OrderID)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, models.StockReturned, order.StockState)
	assert.Equal(t, 3, f.stock(lamp).Quantity)
	assert.Equal(t, 1, f.notifier.count(models.NotifyPaymentRefunded))

	_, err = f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRefundShippedOrderKeepsStock(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 2})
	f.deliver("evt_paid", models.EventTypePaymentSucceeded, res.PaymentReference)

	_, err := f.orders.ShipOrder(f.ctx, res.OrderID, "1Z999")
	require.NoError(t, err)

	_, err = f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "lost in transit")
	require.NoError(t, err)

	order := f.order(res.OrderID)
	assert.Equal(t, models.OrderStatusShipped, order.Status)
	assert.Equal(t, models.StockCommitted, order.StockState)
	assert.Equal(t, 1, f.stock(lamp).Quantity)
}

func TestRefundGatewayErrorLeavesPaymentCaptured(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})
	f.deliver("evt_paid", models.EventTypePaymentSucceeded, res.PaymentReference)
	f.gateway.refundErr = errors.New("gateway down")

	_, err := f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "")
	assert.ErrorIs(t, err, models.ErrGateway)
	payment := f.payment(res.PaymentReference)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Nil(t, payment.RefundRequestedAt, "a refused refund releases its claim")
	assert.Equal(t, models.OrderStatusConfirmed, f.order(res.OrderID).Status)

	f.gateway.mu.Lock()
	f.gateway.refundErr = nil
	f.gateway.mu.Unlock()
	payment, err = f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
}

func TestPartialRefundKeepsOrder(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 2})
	f.deliver("evt_paid", models.EventTypePaymentSucceeded, res.PaymentReference)

	tooMuch := decimal.RequireFromString("20.01")
	_, err := f.orders.RefundPayment(f.ctx, res.PaymentReference, &tooMuch, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	negative := decimal.RequireFromString("-1")
	_, err = f.orders.RefundPayment(f.ctx, res.PaymentReference, &negative, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, f.gateway.refundCount())

	part := decimal.RequireFromString("7.50")
	payment, err := f.orders.RefundPayment(f.ctx, res.PaymentReference, &part, "scratched")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
	assert.True(t, part.Equal(payment.RefundedAmount))
	assert.False(t, payment.IsFullyRefunded())
	require.Len(t, f.gateway.refundAmounts, 1)
	assert.True(t, part.Equal(*f.gateway.refundAmounts[0]))

	order := f.order(res.OrderID)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.Equal(t, models.StockCommitted, order.StockState)
	assert.Equal(t, 1, f.stock(lamp).Quantity)
	assert.Equal(t, 1, f.notifier.count(models.NotifyPaymentRefunded))
}

func TestRefundDoesNotHoldOrderLockDuringGatewayCall(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})
	f.deliver("evt_paid", models.EventTypePaymentSucceeded, res.PaymentReference)

	started, release := f.gateway.holdRefunds()
	refunded := make(chan error, 1)
	go func() {
		_, err := f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "")
		refunded <- err
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("refund never reached the gateway")
	}

	processed := make(chan error, 1)
	go func() {
		_, err := f.orders.StartProcessing(f.ctx, res.OrderID)
		processed <- err
	}()
	select {
	case err := <-processed:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		release()
		t.Fatal("order stayed locked while the gateway refund was in flight")
	}

	_, err := f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "")
	assert.ErrorIs(t, err, models.ErrConflict, "one refund at a time")

	release()
	require.NoError(t, <-refunded)
	assert.Equal(t, 1, f.gateway.refundCount())

	order := f.order(res.OrderID)
	assert.Equal(t, models.OrderStatusCancelled, order.Status, "processing orders have not shipped yet")
	assert.Equal(t, models.StockReturned, order.StockState)
	assert.Equal(t, 3, f.stock(lamp).Quantity)
}

func TestRefundEventDuringGatewayCall(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})
	f.deliver("evt_paid", models.EventTypePaymentSucceeded, res.PaymentReference)

	started, release := f.gateway.holdRefunds()
	refunded := make(chan error, 1)
	go func() {
		_, err := f.orders.RefundPayment(f.ctx, res.PaymentReference, nil, "")
		refunded <- err
	}()
	<-started

	// the gateway reports the refund before its API call returns
	assert.Equal(t, WebhookProcessed, f.deliver("evt_refunded", models.EventTypeChargeRefunded, res.PaymentReference).Status)
	release()
	require.NoError(t, <-refunded)

	assert.Equal(t, models.PaymentStatusRefunded, f.payment(res.PaymentReference).Status)
	assert.Equal(t, models.OrderStatusCancelled, f.order(res.OrderID).Status)
	assert.Equal(t, 3, f.stock(lamp).Quantity)
	assert.Equal(t, 1, f.notifier.count(models.NotifyPaymentRefunded))
}

func TestReconcilePaymentAppliesGatewayStatus(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})

	f.gateway.confirmStatus = "requires_confirmation"
	payment, err := f.orders.ReconcilePayment(f.ctx, res.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, payment.Status)

	f.gateway.confirmStatus = IntentSucceeded
	payment, err = f.orders.ReconcilePayment(f.ctx, res.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, models.OrderStatusConfirmed, f.order(res.OrderID).Status)

	// a webhook for the same outcome arriving later is harmless
	assert.Equal(t, WebhookProcessed, f.deliver("evt_late_ok", models.EventTypePaymentSucceeded, res.PaymentReference).Status)
	assert.Equal(t, 1, f.notifier.count(models.NotifyPaymentSucceeded))
	assert.Equal(t, 2, f.stock(lamp).Quantity)
}

func TestFulfillmentLifecycle(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 3)
	res := f.placeOrder(21, CheckoutItem{ProductID: lamp, Quantity: 1})

	_, err := f.orders.ShipOrder(f.ctx, res.OrderID, "1Z999")
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "pending orders cannot ship")

	f.deliver("evt_paid", models.EventTypePaymentSucceeded, res.PaymentReference)

	order, err := f.orders.StartProcessing(f.ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)

	_, err = f.orders.ShipOrder(f.ctx, res.OrderID, "")
	assert.ErrorIs(t, err, models.ErrValidation)

	order, err = f.orders.ShipOrder(f.ctx, res.OrderID, "1Z999")
	require.NoError(t, err)
	assert.Equal(t, "1Z999", order.TrackingNumber)
	assert.NotNil(t, order.ShippedAt)

	_, err = f.orders.CancelOrder(f.ctx, res.OrderID, 21, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	order, err = f.orders.DeliverOrder(f.ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, order.Status)
	assert.NotNil(t, order.DeliveredAt)

	assert.Equal(t, 1, f.notifier.count(models.NotifyOrderShipped))
	assert.Equal(t, 1, f.notifier.count(models.NotifyOrderDelivered))
}

func TestOrderQueries(t *testing.T) {
	f := newFixture(t)
	lamp := f.addProduct("10.00", 10)
	first := f.placeOrder(31, CheckoutItem{ProductID: lamp, Quantity: 1})
	second := f.placeOrder(31, CheckoutItem{ProductID: lamp, Quantity: 1})
	f.placeOrder(32, CheckoutItem{ProductID: lamp, Quantity: 1})

	orders, err := f.orders.ListOrders(f.ctx, 31, 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.OrderID, orders[0].ID)
	assert.Equal(t, first.OrderID, orders[1].ID)

	byNumber, err := f.orders.GetOrderByNumber(f.ctx, first.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, byNumber.ID)

	payments, err := f.orders.ListPayments(f.ctx, first.OrderID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, first.PaymentReference, payments[0].Reference)

	_, err = f.orders.GetOrder(f.ctx, 12345)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.orders.GetPayment(f.ctx, "PAY-missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
