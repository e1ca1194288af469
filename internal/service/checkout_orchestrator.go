package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/lock"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const paymentSetupFailed = "payment setup failed"

// CheckoutConfig holds the orchestrator's tunables
type CheckoutConfig struct {
	GatewayTimeout  time.Duration
	DefaultCurrency string
}

// CheckoutOrchestrator runs the synchronous part of the purchase saga:
// reserve stock, create the order and open a payment with the gateway.
type CheckoutOrchestrator struct {
	catalog  ProductCatalog
	gateway  PaymentGateway
	ledger   *InventoryLedger
	orders   store.OrderStore
	payments store.PaymentStore
	locker   lock.Locker
	cfg      CheckoutConfig
	logger   *zap.Logger
}

// NewCheckoutOrchestrator creates a new checkout orchestrator
func NewCheckoutOrchestrator(
	catalog ProductCatalog,
	gateway PaymentGateway,
	ledger *InventoryLedger,
	orders store.OrderStore,
	payments store.PaymentStore,
	locker lock.Locker,
	cfg CheckoutConfig,
) *CheckoutOrchestrator {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &CheckoutOrchestrator{
		catalog:  catalog,
		gateway:  gateway,
		ledger:   ledger,
		orders:   orders,
		payments: payments,
		locker:   locker,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// CheckoutItem is one cart line
type CheckoutItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// CheckoutRequest represents a request to place an order
type CheckoutRequest struct {
	UserID          int64           `json:"user_id"`
	Items           []CheckoutItem  `json:"items"`
	ShippingAddress models.Address  `json:"shipping_address"`
	BillingAddress  models.Address  `json:"billing_address"`
	PaymentMethod   string          `json:"payment_method"`
	CustomerRef     string          `json:"customer_ref,omitempty"`
	Tax             decimal.Decimal `json:"tax"`
	Shipping        decimal.Decimal `json:"shipping"`
	Discount        decimal.Decimal `json:"discount"`
}

// CheckoutResult is what the client needs to complete payment
type CheckoutResult struct {
	OrderID          int64                `json:"order_id"`
	OrderNumber      string               `json:"order_number"`
	PaymentReference string               `json:"payment_reference"`
	SessionID        string               `json:"session_id"`
	ClientHandle     string               `json:"client_handle"`
	Total            decimal.Decimal      `json:"total"`
	Currency         string               `json:"currency"`
	Status           models.OrderStatus   `json:"status"`
	PaymentStatus    models.PaymentStatus `json:"payment_status"`
}

// PlaceOrder reserves stock, creates a PENDING order and opens a gateway session.
// The order is only ever confirmed later by a verified payment outcome.
func (c *CheckoutOrchestrator) PlaceOrder(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.PlaceOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	method, items, err := c.validate(req)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	lines, currency, err := c.priceLines(ctx, items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("catalog").Inc()
		return nil, err
	}

	billing := req.BillingAddress
	if billing.IsZero() {
		billing = req.ShippingAddress
	}
	adj := models.Adjustments{Tax: req.Tax, Shipping: req.Shipping, Discount: req.Discount}

	order, err := models.NewOrder(NewOrderNumber(time.Now()), req.UserID, lines, req.ShippingAddress, billing, currency, adj)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}
	if !order.Total.IsPositive() {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, models.ValidationError("checkout.PlaceOrder", "order total must be positive")
	}

	stock := order.Lines()
	if err := c.ledger.ReserveAll(ctx, stock, order.OrderNumber); err != nil {
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		c.logger.Info("Checkout rejected",
			zap.Int64("user_id", req.UserID),
			zap.Error(err))
		return nil, err
	}

	if err := c.orders.CreateOrder(ctx, order); err != nil {
		c.releaseQuietly(ctx, stock, order.OrderNumber)
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	c.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.Total.String()))

	payment, err := c.startPayment(ctx, order, method, req.CustomerRef)
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		PaymentReference: payment.Reference,
		SessionID:        payment.SessionID,
		ClientHandle:     payment.ClientHandle,
		Total:            order.Total,
		Currency:         order.Currency,
		Status:           order.Status,
		PaymentStatus:    payment.Status,
	}, nil
}

// RetryPayment opens a new payment attempt for a PENDING order whose last attempt failed.
// Stock released by the failure is reserved again first.
func (c *CheckoutOrchestrator) RetryPayment(ctx context.Context, orderID, userID int64, methodName string) (*CheckoutResult, error) {
	const op = "checkout.RetryPayment"

	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.RetryPayment")
	defer span.End()

	unlock, err := c.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return nil, err
	}
	order, method, err := c.prepareRetry(ctx, op, orderID, userID, methodName)
	unlock()
	if err != nil {
		return nil, err
	}

	payment, err := c.startPayment(ctx, order, method, "")
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		PaymentReference: payment.Reference,
		SessionID:        payment.SessionID,
		ClientHandle:     payment.ClientHandle,
		Total:            order.Total,
		Currency:         order.Currency,
		Status:           order.Status,
		PaymentStatus:    payment.Status,
	}, nil
}

func (c *CheckoutOrchestrator) prepareRetry(ctx context.Context, op string, orderID, userID int64, methodName string) (*models.Order, models.PaymentMethod, error) {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, "", err
	}
	if order.UserID != userID {
		return nil, "", models.NotFoundError(op, "order %d", orderID)
	}
	if order.Status != models.OrderStatusPending || !order.PaymentFailed {
		return nil, "", models.InvalidTransitionError(op, string(order.Status), "PAYMENT_RETRY")
	}

	last, err := c.payments.GetLatestPaymentByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, "", err
	}
	if last != nil && !last.Status.IsTerminal() {
		return nil, "", models.ConflictError(op, "payment %s is still in progress", last.Reference)
	}
	if last != nil && last.Status == models.PaymentStatusCompleted {
		return nil, "", models.InvalidTransitionError(op, string(last.Status), "PAYMENT_RETRY")
	}

	method := models.PaymentMethodCard
	if last != nil {
		method = last.Method
	}
	if methodName != "" {
		if method, err = models.ParsePaymentMethod(methodName); err != nil {
			return nil, "", err
		}
	}

	reserve := order.StockState == models.StockReleased
	if reserve {
		if err := c.ledger.ReserveAll(ctx, order.Lines(), order.OrderNumber); err != nil {
			return nil, "", err
		}
		order.StockState = models.StockReserved
	}
	if err := order.ClearPaymentFailure(); err != nil {
		return nil, "", err
	}
	if err := c.orders.UpdateOrder(ctx, order); err != nil {
		if reserve {
			c.releaseQuietly(ctx, order.Lines(), order.OrderNumber)
		}
		return nil, "", err
	}
	return order, method, nil
}

// startPayment creates the payment record and the gateway session. Any failure is
// compensated before returning: the payment is failed and the stock released.
func (c *CheckoutOrchestrator) startPayment(ctx context.Context, order *models.Order, method models.PaymentMethod, customerRef string) (*models.Payment, error) {
	payment, err := models.NewPayment(NewPaymentReference(), order.ID, order.UserID, order.Total, order.Currency, method)
	if err != nil {
		c.failSetup(ctx, order.ID, nil, err)
		return nil, err
	}
	if err := c.payments.CreatePayment(ctx, payment); err != nil {
		c.failSetup(ctx, order.ID, nil, err)
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	util.PaymentAttemptsTotal.Inc()

	gctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	start := time.Now()
	session, err := c.gateway.CreateSession(gctx, SessionRequest{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		PaymentReference: payment.Reference,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		Method:           payment.Method,
		CustomerRef:      customerRef,
	})
	cancel()
	if err != nil {
		util.GatewayLatency.WithLabelValues("create_session", "error").Observe(time.Since(start).Seconds())
		gerr := models.GatewayError("checkout.CreateSession", err)
		c.logger.Error("Payment gateway session failed",
			zap.Int64("order_id", order.ID),
			zap.String("payment_reference", payment.Reference),
			zap.Error(err))
		c.failSetup(ctx, order.ID, payment, gerr)
		return nil, gerr
	}
	util.GatewayLatency.WithLabelValues("create_session", "ok").Observe(time.Since(start).Seconds())

	if err := c.recordSession(ctx, payment, session); err != nil {
		c.failSetup(ctx, order.ID, payment, err)
		return nil, err
	}
	return payment, nil
}

func (c *CheckoutOrchestrator) recordSession(ctx context.Context, payment *models.Payment, session Session) error {
	unlock, err := c.locker.Lock(ctx, lock.OrderKey(payment.OrderID))
	if err != nil {
		return err
	}
	defer unlock()

	current, err := c.payments.GetPaymentByReference(ctx, payment.Reference)
	if err != nil {
		return err
	}
	if current.Status != models.PaymentStatusPending {
		return models.ConflictError("checkout.recordSession", "payment %s moved to %s during setup", payment.Reference, current.Status)
	}

	current.GatewayRef = session.GatewayRef
	current.SessionID = session.SessionID
	current.ClientHandle = session.ClientHandle
	current.GatewayResponse = session.Raw
	if err := current.MarkProcessing(); err != nil {
		return err
	}
	if err := c.payments.UpdatePayment(ctx, current); err != nil {
		return err
	}
	*payment = *current
	return nil
}

// failSetup compensates a payment attempt that never reached the gateway successfully.
// The order stays PENDING, flagged so the customer can retry.
func (c *CheckoutOrchestrator) failSetup(ctx context.Context, orderID int64, payment *models.Payment, cause error) {
	ctx = context.WithoutCancel(ctx)
	util.OrdersFailedTotal.WithLabelValues("payment_setup").Inc()

	unlock, err := c.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		c.logger.Error("Failed to lock order for compensation", zap.Int64("order_id", orderID), zap.Error(err))
		return
	}
	defer unlock()

	if payment != nil {
		if current, err := c.payments.GetPaymentByReference(ctx, payment.Reference); err != nil {
			c.logger.Error("Failed to load payment for compensation", zap.String("payment_reference", payment.Reference), zap.Error(err))
		} else if !current.Status.IsTerminal() {
			err := resume(current)
			if err == nil {
				err = current.MarkFailed(paymentSetupFailed+": "+cause.Error(), "")
			}
			if err == nil {
				err = c.payments.UpdatePayment(ctx, current)
			}
			if err != nil {
				c.logger.Error("Failed to mark payment failed", zap.String("payment_reference", payment.Reference), zap.Error(err))
			} else {
				*payment = *current
				util.PaymentFailedTotal.Inc()
			}
		}
	}

	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		c.logger.Error("Failed to load order for compensation", zap.Int64("order_id", orderID), zap.Error(err))
		return
	}

	release := order.StockState == models.StockReserved
	if release {
		order.StockState = models.StockReleased
	}
	if order.Status == models.OrderStatusPending && !order.PaymentFailed {
		if err := order.HandlePaymentFailed(paymentSetupFailed); err != nil {
			c.logger.Warn("Failed to flag order", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}
	if err := c.orders.UpdateOrder(ctx, order); err != nil {
		c.logger.Error("Failed to record compensation on order", zap.Int64("order_id", orderID), zap.Error(err))
		return
	}
	if release {
		if err := c.ledger.ReleaseAll(ctx, order.Lines(), order.OrderNumber); err != nil {
			util.InventoryCompensationFailures.Inc()
			c.logger.Error("Failed to release stock during compensation",
				zap.Int64("order_id", orderID),
				zap.Error(err))
		}
	}

	c.logger.Warn("Payment setup compensated",
		zap.Int64("order_id", orderID),
		zap.String("order_number", order.OrderNumber),
		zap.Error(cause))
}

func (c *CheckoutOrchestrator) releaseQuietly(ctx context.Context, lines []models.StockLine, ref string) {
	if err := c.ledger.ReleaseAll(context.WithoutCancel(ctx), lines, ref); err != nil {
		util.InventoryCompensationFailures.Inc()
		c.logger.Error("Failed to release stock", zap.String("reference", ref), zap.Error(err))
	}
}

func (c *CheckoutOrchestrator) validate(req CheckoutRequest) (models.PaymentMethod, []CheckoutItem, error) {
	const op = "checkout.validate"

	if req.UserID <= 0 {
		return "", nil, models.ValidationError(op, "user id must be positive")
	}
	if len(req.Items) == 0 {
		return "", nil, models.ValidationError(op, "cart is empty")
	}
	if req.ShippingAddress.IsZero() {
		return "", nil, models.ValidationError(op, "shipping address is required")
	}
	if req.Tax.IsNegative() || req.Shipping.IsNegative() || req.Discount.IsNegative() {
		return "", nil, models.ValidationError(op, "tax, shipping and discount must be non-negative")
	}
	method, err := models.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		return "", nil, err
	}

	merged := make([]CheckoutItem, 0, len(req.Items))
	index := make(map[int64]int, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID <= 0 {
			return "", nil, models.ValidationError(op, "product id must be positive")
		}
		if item.Quantity <= 0 {
			return "", nil, models.ValidationError(op, "quantity for product %d must be positive", item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return method, merged, nil
}

func (c *CheckoutOrchestrator) priceLines(ctx context.Context, items []CheckoutItem) ([]models.OrderLine, string, error) {
	const op = "checkout.priceLines"

	lines := make([]models.OrderLine, 0, len(items))
	currency := ""
	for _, item := range items {
		avail, err := c.catalog.GetAvailability(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, "", models.ValidationError(op, "product %d is not available", item.ProductID)
			}
			return nil, "", fmt.Errorf("failed to look up product %d: %w", item.ProductID, err)
		}
		if !avail.InStock {
			return nil, "", models.ValidationError(op, "product %d is not available", item.ProductID)
		}

		cur := strings.ToUpper(avail.Currency)
		if cur == "" {
			cur = c.cfg.DefaultCurrency
		}
		if currency == "" {
			currency = cur
		} else if cur != currency {
			return nil, "", models.ValidationError(op, "cart mixes currencies %s and %s", currency, cur)
		}

		lines = append(lines, models.OrderLine{
			ProductID:   item.ProductID,
			ProductName: avail.Name,
			UnitPrice:   avail.Price,
			Quantity:    item.Quantity,
		})
	}
	return lines, currency, nil
}

// NewOrderNumber formats ORD-<unix millis>-<8 hex>
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), suffix)
}

// NewPaymentReference formats PAY-<uuid>
func NewPaymentReference() string {
	return "PAY-" + uuid.NewString()
}
