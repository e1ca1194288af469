package service

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// errLateCapture is returned when the gateway captured a payment this service
// already gave up on. The money has to go back; see refundLateCapture.
var errLateCapture = errors.New("payment captured after it was cancelled or failed")

// settlement applies a gateway outcome to a payment and, when that payment is the
// order's current attempt, to the order and its stock. Callers hold the order lock.
//
// Every step is safe to repeat: the payment transition is skipped when already
// applied and stock moves are keyed off Order.StockState, which is persisted
// before the ledger is touched.
type settlement struct {
	orders         store.OrderStore
	payments       store.PaymentStore
	ledger         *InventoryLedger
	gateway        PaymentGateway
	notifier       Notifier
	gatewayTimeout time.Duration
	logger         *zap.Logger
}

func newSettlement(orders store.OrderStore, payments store.PaymentStore, ledger *InventoryLedger,
	gateway PaymentGateway, notifier Notifier, gatewayTimeout time.Duration) *settlement {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if gatewayTimeout <= 0 {
		gatewayTimeout = 10 * time.Second
	}
	return &settlement{
		orders:         orders,
		payments:       payments,
		ledger:         ledger,
		gateway:        gateway,
		notifier:       notifier,
		gatewayTimeout: gatewayTimeout,
		logger:         util.GetLogger(),
	}
}

func (s *settlement) apply(ctx context.Context, payment *models.Payment, eventType string, intent models.GatewayPaymentIntent, raw string) error {
	order, err := s.orders.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return err
	}

	active, err := s.isActive(ctx, payment)
	if err != nil {
		return err
	}
	if !active {
		s.logger.Warn("Gateway event for a superseded payment attempt",
			zap.String("payment_reference", payment.Reference),
			zap.String("event_type", eventType))
	}

	switch eventType {
	case models.EventTypePaymentSucceeded:
		return s.succeed(ctx, order, payment, active, intent, raw)
	case models.EventTypePaymentFailed:
		return s.fail(ctx, order, payment, active, intent.FailureMessage(), raw)
	case models.EventTypePaymentRequiresAction:
		return s.requireAction(ctx, order, payment)
	case models.EventTypePaymentCanceled:
		return s.cancel(ctx, order, payment, active, intent.CancelReason)
	case models.EventTypeChargeRefunded:
		amount := decimal.New(intent.AmountRefunded, -2)
		if !amount.IsPositive() || amount.GreaterThan(payment.Amount) {
			amount = payment.Amount
		}
		return s.refund(ctx, order, payment, active, amount, "refunded at gateway", raw)
	case models.EventTypePaymentProcessing:
		if payment.Status != models.PaymentStatusRequiresAction {
			return nil
		}
		if err := payment.MarkProcessing(); err != nil {
			return err
		}
		return s.payments.UpdatePayment(ctx, payment)
	case models.EventTypeAmountCapturableUpdated:
		s.logger.Info("Amount capturable updated",
			zap.String("payment_reference", payment.Reference),
			zap.Int64("amount", intent.Amount))
		return nil
	}
	return models.ValidationError("settlement.apply", "unsupported event type %q", eventType)
}

func (s *settlement) succeed(ctx context.Context, order *models.Order, payment *models.Payment, active bool, intent models.GatewayPaymentIntent, raw string) error {
	switch payment.Status {
	case models.PaymentStatusCancelled, models.PaymentStatusFailed:
		s.logger.Error("Payment captured after it was closed",
			zap.String("payment_reference", payment.Reference),
			zap.String("payment_status", string(payment.Status)),
			zap.Int64("order_id", order.ID),
			zap.String("order_status", string(order.Status)))
		return errLateCapture
	}
	if payment.Status != models.PaymentStatusCompleted {
		if err := resume(payment); err != nil {
			return err
		}
		if err := payment.MarkCompleted(intent.ID, raw); err != nil {
			return err
		}
		if err := s.payments.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		util.PaymentSuccessTotal.Inc()
	}
	if !active || order.Status != models.OrderStatusPending {
		return nil
	}

	commit := order.StockState == models.StockReserved
	if err := order.Confirm(); err != nil {
		return err
	}
	if commit {
		order.StockState = models.StockCommitted
	}
	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return err
	}
	if commit {
		s.ledgerStep(ctx, order, "commit", s.ledger.CommitAll)
	}

	util.OrdersConfirmedTotal.Inc()
	s.logger.Info("Order confirmed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))

	s.notify(ctx, order, models.NotifyPaymentSucceeded, map[string]interface{}{
		"payment_reference": payment.Reference,
		"amount":            payment.Amount.String(),
		"currency":          payment.Currency,
	})
	return nil
}

func (s *settlement) fail(ctx context.Context, order *models.Order, payment *models.Payment, active bool, reason, raw string) error {
	transitioned := false
	if payment.Status != models.PaymentStatusFailed {
		if err := resume(payment); err != nil {
			return err
		}
		if err := payment.MarkFailed(reason, raw); err != nil {
			return err
		}
		if err := s.payments.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		util.PaymentFailedTotal.Inc()
		transitioned = true
	}
	if !active || order.Status != models.OrderStatusPending {
		return nil
	}

	release := order.StockState == models.StockReserved
	if !release && order.PaymentFailed {
		return nil
	}
	if release {
		order.StockState = models.StockReleased
	}
	if !order.PaymentFailed {
		if err := order.HandlePaymentFailed(reason); err != nil {
			return err
		}
	}
	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return err
	}
	if release {
		s.ledgerStep(ctx, order, "release", s.ledger.ReleaseAll)
	}

	s.logger.Warn("Payment failed",
		zap.Int64("order_id", order.ID),
		zap.String("payment_reference", payment.Reference),
		zap.String("reason", reason))

	if transitioned {
		s.notify(ctx, order, models.NotifyPaymentFailed, map[string]interface{}{
			"payment_reference": payment.Reference,
			"reason":            reason,
		})
	}
	return nil
}

func (s *settlement) requireAction(ctx context.Context, order *models.Order, payment *models.Payment) error {
	if payment.Status == models.PaymentStatusRequiresAction {
		return nil
	}
	if err := payment.MarkRequiresAction(); err != nil {
		return err
	}
	if err := s.payments.UpdatePayment(ctx, payment); err != nil {
		return err
	}

	s.notify(ctx, order, models.NotifyPaymentRequiresAction, map[string]interface{}{
		"payment_reference": payment.Reference,
		"client_handle":     payment.ClientHandle,
	})
	return nil
}

func (s *settlement) cancel(ctx context.Context, order *models.Order, payment *models.Payment, active bool, reason string) error {
	if payment.Status != models.PaymentStatusCancelled {
		if err := resume(payment); err != nil {
			return err
		}
		if err := payment.MarkCancelled(); err != nil {
			return err
		}
		if err := s.payments.UpdatePayment(ctx, payment); err != nil {
			return err
		}
	}
	if !active || !order.CanTransition(models.OrderStatusCancelled) {
		return nil
	}

	if reason == "" {
		reason = "payment canceled"
	}
	release := order.StockState == models.StockReserved
	if release {
		order.StockState = models.StockReleased
	}
	if err := order.Cancel(reason); err != nil {
		return err
	}
	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return err
	}
	if release {
		s.ledgerStep(ctx, order, "release", s.ledger.ReleaseAll)
	}

	util.OrdersCancelledTotal.Inc()
	s.notify(ctx, order, models.NotifyOrderCancelled, map[string]interface{}{
		"payment_reference": payment.Reference,
		"reason":            reason,
	})
	return nil
}

// refund records a refund the gateway has already made. A full refund of the
// order's current payment cancels the order if it has not shipped and gives the
// stock back; a partial refund leaves the order alone.
func (s *settlement) refund(ctx context.Context, order *models.Order, payment *models.Payment, active bool, amount decimal.Decimal, reason, raw string) error {
	transitioned := false
	if payment.Status != models.PaymentStatusRefunded {
		if err := payment.Refund(amount); err != nil {
			return err
		}
		if raw != "" {
			payment.GatewayResponse = raw
		}
		if err := s.payments.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		util.PaymentRefundsTotal.Inc()
		transitioned = true
	}

	cancelled := false
	if active && payment.IsFullyRefunded() && order.CanTransition(models.OrderStatusCancelled) {
		// shipped goods are not back on hand, so only a cancellable order gives stock back
		var step string
		var move func(context.Context, []models.StockLine, string) error
		switch order.StockState {
		case models.StockCommitted:
			order.StockState, step, move = models.StockReturned, "restock", s.ledger.RestockAll
		case models.StockReserved:
			order.StockState, step, move = models.StockReleased, "release", s.ledger.ReleaseAll
		}
		if err := order.Cancel(reason); err != nil {
			return err
		}
		if err := s.orders.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if move != nil {
			s.ledgerStep(ctx, order, step, move)
		}
		util.OrdersCancelledTotal.Inc()
		cancelled = true
	}
	if !transitioned {
		return nil
	}

	s.logger.Info("Payment refunded",
		zap.String("payment_reference", payment.Reference),
		zap.Int64("order_id", order.ID),
		zap.String("amount", payment.RefundedAmount.String()),
		zap.Bool("order_cancelled", cancelled))

	s.notify(ctx, order, models.NotifyPaymentRefunded, map[string]interface{}{
		"payment_reference": payment.Reference,
		"amount":            payment.RefundedAmount.String(),
		"currency":          payment.Currency,
		"reason":            reason,
	})
	return nil
}

// refundLateCapture sends back money captured on a payment that was already
// cancelled or failed. It calls the gateway, so no lock may be held.
func (s *settlement) refundLateCapture(ctx context.Context, payment *models.Payment, gatewayRef string) {
	if gatewayRef == "" {
		gatewayRef = payment.GatewayRef
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.gateway.Refund(ctx, gatewayRef, nil)
	if err != nil {
		util.GatewayLatency.WithLabelValues("refund", "error").Observe(time.Since(start).Seconds())
		util.LateCapturesTotal.WithLabelValues("error").Inc()
		s.logger.Error("Refund of late capture failed; refund manually",
			zap.String("payment_reference", payment.Reference),
			zap.String("gateway_ref", gatewayRef),
			zap.String("amount", payment.Amount.String()),
			zap.Error(err))
		return
	}
	util.GatewayLatency.WithLabelValues("refund", "ok").Observe(time.Since(start).Seconds())
	util.LateCapturesTotal.WithLabelValues("refunded").Inc()
	s.logger.Warn("Late capture refunded",
		zap.String("payment_reference", payment.Reference),
		zap.String("gateway_ref", gatewayRef))

	order, err := s.orders.GetOrder(ctx, payment.OrderID)
	if err != nil {
		s.logger.Warn("Could not load order for late capture notice", zap.Error(err))
		return
	}
	s.notify(ctx, order, models.NotifyPaymentRefunded, map[string]interface{}{
		"payment_reference": payment.Reference,
		"amount":            payment.Amount.String(),
		"currency":          payment.Currency,
		"reason":            "captured after the order was cancelled",
	})
}

// resume steps a payment waiting on the customer back to PROCESSING, where the
// gateway's final answer applies.
func resume(p *models.Payment) error {
	if p.Status != models.PaymentStatusRequiresAction {
		return nil
	}
	return p.MarkProcessing()
}

// isActive reports whether payment is the newest attempt of its order
func (s *settlement) isActive(ctx context.Context, payment *models.Payment) (bool, error) {
	latest, err := s.payments.GetLatestPaymentByOrder(ctx, payment.OrderID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest.ID == payment.ID, nil
}

// ledgerStep runs a stock move whose intent is already persisted on the order.
// A failure here cannot be retried safely, so it is logged for reconciliation.
func (s *settlement) ledgerStep(ctx context.Context, order *models.Order, step string,
	fn func(context.Context, []models.StockLine, string) error) {
	if err := fn(context.WithoutCancel(ctx), order.Lines(), order.OrderNumber); err != nil {
		util.InventoryCompensationFailures.Inc()
		s.logger.Error("Inventory step failed after order update",
			zap.String("step", step),
			zap.Int64("order_id", order.ID),
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
	}
}

func (s *settlement) notify(ctx context.Context, order *models.Order, kind string, payload map[string]interface{}) {
	payload["order_id"] = order.ID
	payload["order_number"] = order.OrderNumber
	s.notifier.Notify(ctx, order.UserID, kind, payload)
}
