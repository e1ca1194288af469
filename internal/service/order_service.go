package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/lock"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService handles order lifecycle operations after checkout
type OrderService struct {
	orders         store.OrderStore
	payments       store.PaymentStore
	ledger         *InventoryLedger
	gateway        PaymentGateway
	locker         lock.Locker
	settle         *settlement
	gatewayTimeout time.Duration
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	orders store.OrderStore,
	payments store.PaymentStore,
	ledger *InventoryLedger,
	gateway PaymentGateway,
	locker lock.Locker,
	notifier Notifier,
	gatewayTimeout time.Duration,
) *OrderService {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 10 * time.Second
	}
	return &OrderService{
		orders:         orders,
		payments:       payments,
		ledger:         ledger,
		gateway:        gateway,
		locker:         locker,
		settle:         newSettlement(orders, payments, ledger, gateway, notifier, gatewayTimeout),
		gatewayTimeout: gatewayTimeout,
		logger:         util.GetLogger(),
	}
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.orders.GetOrder(ctx, orderID)
}

// GetOrderByNumber retrieves an order by its human-readable number
func (s *OrderService) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return s.orders.GetOrderByNumber(ctx, orderNumber)
}

// ListOrders returns the newest orders of a user
func (s *OrderService) ListOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.orders.ListOrdersByUser(ctx, userID, limit)
}

// GetPayment retrieves a payment by its reference
func (s *OrderService) GetPayment(ctx context.Context, reference string) (*models.Payment, error) {
	return s.payments.GetPaymentByReference(ctx, reference)
}

// ListPayments returns every payment attempt of an order
func (s *OrderService) ListPayments(ctx context.Context, orderID int64) ([]models.Payment, error) {
	return s.payments.ListPaymentsByOrder(ctx, orderID)
}

// CancelOrder is the customer-initiated cancel. It takes the same order lock as
// webhook handling, so a payment captured concurrently is always seen.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, userID int64, reason string) (*models.Order, error) {
	const op = "order.CancelOrder"

	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	unlock, err := s.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, models.NotFoundError(op, "order %d", orderID)
	}
	if !order.CanTransition(models.OrderStatusCancelled) {
		return nil, s.invalidTransition(op, order, models.OrderStatusCancelled)
	}

	payment, err := s.payments.GetLatestPaymentByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if payment != nil {
		if payment.Status == models.PaymentStatusCompleted {
			err := &models.Error{Kind: models.KindInvalidTransition, Op: op, Message: "payment already captured; refund it instead"}
			s.logger.Warn("Cancel rejected", zap.Int64("order_id", orderID), zap.Error(err))
			return nil, err
		}
		if !payment.Status.IsTerminal() {
			if err := resume(payment); err != nil {
				return nil, err
			}
			if err := payment.MarkCancelled(); err != nil {
				return nil, err
			}
			if err := s.payments.UpdatePayment(ctx, payment); err != nil {
				return nil, err
			}
		}
	}

	if reason == "" {
		reason = "cancelled by customer"
	}
	release := order.StockState == models.StockReserved
	if release {
		order.StockState = models.StockReleased
	}
	if err := order.Cancel(reason); err != nil {
		return nil, err
	}
	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	if release {
		s.settle.ledgerStep(ctx, order, "release", s.ledger.ReleaseAll)
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", order.ID),
		zap.String("reason", reason))

	s.settle.notify(ctx, order, models.NotifyOrderCancelled, map[string]interface{}{"reason": reason})
	return order, nil
}

// RefundPayment refunds a captured payment. A nil amount refunds it in full,
// which also cancels the order if it has not shipped and puts the sold stock back.
//
// The order lock is not held while the gateway works: the payment is claimed
// first, so a second refund is refused, and the outcome is recorded afterwards.
func (s *OrderService) RefundPayment(ctx context.Context, reference string, amount *decimal.Decimal, reason string) (*models.Payment, error) {
	const op = "order.RefundPayment"

	ctx, span := util.StartSpan(ctx, "OrderService.RefundPayment")
	defer span.End()

	payment, err := s.payments.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	refunded := payment.Amount
	if amount != nil {
		if !amount.IsPositive() || amount.GreaterThan(payment.Amount) {
			return nil, models.ValidationError(op, "refund amount %s must be within (0, %s]", amount, payment.Amount)
		}
		refunded = *amount
	}
	if reason == "" {
		reason = "refunded"
	}

	if payment, err = s.claimRefund(ctx, reference, payment.OrderID); err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	start := time.Now()
	outcome, gatewayErr := s.gateway.Refund(gctx, payment.GatewayRef, amount)
	cancel()
	result := "ok"
	if gatewayErr != nil {
		result = "error"
	}
	util.GatewayLatency.WithLabelValues("refund", result).Observe(time.Since(start).Seconds())

	unlock, err := s.locker.Lock(context.WithoutCancel(ctx), lock.OrderKey(payment.OrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if payment, err = s.payments.GetPaymentByReference(ctx, reference); err != nil {
		return nil, err
	}
	if gatewayErr != nil {
		if payment.Status == models.PaymentStatusCompleted && payment.RefundRequestedAt != nil {
			payment.AbandonRefund()
			if err := s.payments.UpdatePayment(ctx, payment); err != nil {
				s.logger.Error("Failed to release refund claim",
					zap.String("payment_reference", reference), zap.Error(err))
			}
		}
		return nil, models.GatewayError(op, gatewayErr)
	}
	if payment.Status == models.PaymentStatusRefunded {
		// the gateway's refund event got here first
		return payment, nil
	}

	order, err := s.orders.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return nil, err
	}
	active, err := s.settle.isActive(ctx, payment)
	if err != nil {
		return nil, err
	}
	if err := s.settle.refund(ctx, order, payment, active, refunded, reason, outcome.Raw); err != nil {
		return nil, fmt.Errorf("refund issued but not recorded: %w", err)
	}
	return payment, nil
}

// claimRefund marks the payment as being refunded under the order lock
func (s *OrderService) claimRefund(ctx context.Context, reference string, orderID int64) (*models.Payment, error) {
	unlock, err := s.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	payment, err := s.payments.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if err := payment.BeginRefund(time.Now().UTC(), 2*s.gatewayTimeout); err != nil {
		return nil, err
	}
	if err := s.payments.UpdatePayment(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// ReconcilePayment asks the gateway for the intent's current status and applies it
// the same way a webhook would. Used when deliveries are lost.
func (s *OrderService) ReconcilePayment(ctx context.Context, reference string) (*models.Payment, error) {
	const op = "order.ReconcilePayment"

	ctx, span := util.StartSpan(ctx, "OrderService.ReconcilePayment")
	defer span.End()

	payment, err := s.payments.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.GatewayRef == "" {
		return nil, models.ValidationError(op, "payment %s has no gateway session", reference)
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	outcome, err := s.gateway.Confirm(gctx, payment.GatewayRef)
	cancel()
	if err != nil {
		return nil, models.GatewayError(op, err)
	}

	eventType, ok := eventTypeForIntentStatus(outcome.Status)
	if !ok {
		return payment, nil
	}

	unlock, err := s.locker.Lock(ctx, lock.OrderKey(payment.OrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if payment, err = s.payments.GetPaymentByReference(ctx, reference); err != nil {
		return nil, err
	}
	intent := models.GatewayPaymentIntent{ID: payment.GatewayRef, Status: outcome.Status}
	if eventType == models.EventTypePaymentFailed {
		intent.LastPaymentError = &models.GatewayFailure{Message: "payment failed at gateway"}
	}
	err = s.settle.apply(ctx, payment, eventType, intent, outcome.Raw)
	if errors.Is(err, errLateCapture) {
		unlock()
		s.settle.refundLateCapture(ctx, payment, payment.GatewayRef)
		return payment, nil
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func eventTypeForIntentStatus(status string) (string, bool) {
	switch status {
	case IntentSucceeded:
		return models.EventTypePaymentSucceeded, true
	case IntentFailed:
		return models.EventTypePaymentFailed, true
	case IntentRequiresAction:
		return models.EventTypePaymentRequiresAction, true
	case IntentCanceled:
		return models.EventTypePaymentCanceled, true
	case IntentProcessing:
		return models.EventTypePaymentProcessing, true
	}
	return "", false
}

// StartProcessing hands a confirmed order to fulfillment
func (s *OrderService) StartProcessing(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.fulfill(ctx, orderID, models.OrderStatusProcessing, func(o *models.Order) error {
		return o.StartProcessing()
	}, "")
}

// ShipOrder records the tracking number and notifies the customer
func (s *OrderService) ShipOrder(ctx context.Context, orderID int64, trackingNumber string) (*models.Order, error) {
	return s.fulfill(ctx, orderID, models.OrderStatusShipped, func(o *models.Order) error {
		return o.Ship(trackingNumber)
	}, models.NotifyOrderShipped)
}

// DeliverOrder completes the order
func (s *OrderService) DeliverOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.fulfill(ctx, orderID, models.OrderStatusDelivered, func(o *models.Order) error {
		return o.Deliver()
	}, models.NotifyOrderDelivered)
}

func (s *OrderService) fulfill(ctx context.Context, orderID int64, to models.OrderStatus, transition func(*models.Order) error, notifyKind string) (*models.Order, error) {
	unlock, err := s.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := transition(order); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			s.logger.Warn("Rejected order transition",
				zap.Int64("order_id", orderID),
				zap.String("from", string(order.Status)),
				zap.String("to", string(to)))
		}
		return nil, err
	}
	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	if notifyKind != "" {
		s.settle.notify(ctx, order, notifyKind, map[string]interface{}{
			"status":          string(order.Status),
			"tracking_number": order.TrackingNumber,
		})
	}
	return order, nil
}

func (s *OrderService) invalidTransition(op string, order *models.Order, to models.OrderStatus) error {
	err := models.InvalidTransitionError(op, string(order.Status), string(to))
	s.logger.Warn("Rejected order transition",
		zap.Int64("order_id", order.ID),
		zap.Error(err))
	return err
}
