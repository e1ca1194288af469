package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// StockState tracks what the ledger currently holds on behalf of an order.
type StockState string

const (
	StockReserved  StockState = "RESERVED"
	StockReleased  StockState = "RELEASED"
	StockCommitted StockState = "COMMITTED"
	StockReturned  StockState = "RETURNED"
)

var orderTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusConfirmed: true,
		OrderStatusCancelled: true,
	},
	OrderStatusConfirmed: {
		OrderStatusProcessing: true,
		OrderStatusShipped:    true,
		OrderStatusCancelled:  true,
	},
	OrderStatusProcessing: {
		OrderStatusShipped:   true,
		OrderStatusCancelled: true,
	},
	OrderStatusShipped: {
		OrderStatusDelivered: true,
	},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

// Address is a snapshot taken at checkout time
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// IsZero reports whether the mandatory address fields are missing.
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.Line1) == "" || strings.TrimSpace(a.City) == "" || strings.TrimSpace(a.Country) == ""
}

// OrderLine is the priced input for a new order
type OrderLine struct {
	ProductID   int64
	ProductName string
	UnitPrice   decimal.Decimal
	Quantity    int
}

// OrderItem is an immutable price snapshot of one order line
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Adjustments are caller-supplied amounts added to or removed from the subtotal.
type Adjustments struct {
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
}

// Order represents a customer purchase
type Order struct {
	ID              int64           `json:"id"`
	OrderNumber     string          `json:"order_number"`
	UserID          int64           `json:"user_id"`
	Items           []OrderItem     `json:"items"`
	ShippingAddress Address         `json:"shipping_address"`
	BillingAddress  Address         `json:"billing_address"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Shipping        decimal.Decimal `json:"shipping"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency"`
	Status          OrderStatus     `json:"status"`
	StockState      StockState      `json:"stock_state"`
	PaymentFailed   bool            `json:"payment_failed"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	TrackingNumber  string          `json:"tracking_number,omitempty"`
	ShippedAt       *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int64           `json:"-"`
}

// NewOrder builds a PENDING order from priced lines. Stock is assumed reserved by the caller.
func NewOrder(orderNumber string, userID int64, lines []OrderLine, shipping, billing Address, currency string, adj Adjustments) (*Order, error) {
	const op = "order.New"

	if strings.TrimSpace(orderNumber) == "" {
		return nil, ValidationError(op, "order number cannot be empty")
	}
	if userID <= 0 {
		return nil, ValidationError(op, "user id must be positive")
	}
	if len(lines) == 0 {
		return nil, ValidationError(op, "order must contain at least one item")
	}
	if len(currency) != 3 {
		return nil, ValidationError(op, "currency must be a 3 letter ISO code")
	}

	items := make([]OrderItem, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, ValidationError(op, "quantity for product %d must be positive", l.ProductID)
		}
		if l.UnitPrice.IsNegative() {
			return nil, ValidationError(op, "unit price for product %d cannot be negative", l.ProductID)
		}
		items = append(items, OrderItem{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			LineTotal:   l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))),
		})
	}

	now := time.Now().UTC()
	o := &Order{
		OrderNumber:     orderNumber,
		UserID:          userID,
		Items:           items,
		ShippingAddress: shipping,
		BillingAddress:  billing,
		Tax:             adj.Tax,
		Shipping:        adj.Shipping,
		Discount:        adj.Discount,
		Currency:        strings.ToUpper(currency),
		Status:          OrderStatusPending,
		StockState:      StockReserved,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.calculateAmounts(); err != nil {
		return nil, err
	}
	return o, nil
}

// RestoreOrder rehydrates a persisted order and re-checks its invariants.
func RestoreOrder(o Order) (*Order, error) {
	const op = "order.Restore"

	if len(o.Items) == 0 {
		return nil, ValidationError(op, "order %d has no items", o.ID)
	}
	if _, ok := orderTransitions[o.Status]; !ok {
		return nil, ValidationError(op, "order %d has unknown status %q", o.ID, o.Status)
	}
	expected := o.Subtotal.Add(o.Tax).Add(o.Shipping).Sub(o.Discount)
	if !expected.Equal(o.Total) {
		return nil, ValidationError(op, "order %d total %s does not match components %s", o.ID, o.Total, expected)
	}
	restored := o
	restored.Items = append([]OrderItem(nil), o.Items...)
	return &restored, nil
}

func (o *Order) calculateAmounts() error {
	if o.Tax.IsNegative() || o.Shipping.IsNegative() || o.Discount.IsNegative() {
		return ValidationError("order.calculateAmounts", "tax, shipping and discount must be non-negative")
	}

	subtotal := decimal.Zero
	for _, item := range o.Items {
		subtotal = subtotal.Add(item.LineTotal)
	}
	total := subtotal.Add(o.Tax).Add(o.Shipping).Sub(o.Discount)
	if total.IsNegative() {
		return ValidationError("order.calculateAmounts", "discount %s exceeds order value", o.Discount)
	}

	o.Subtotal = subtotal
	o.Total = total
	return nil
}

// Lines returns the reserved quantities frozen at order creation.
func (o *Order) Lines() []StockLine {
	lines := make([]StockLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// CanTransition reports whether the order may move to the given status.
func (o *Order) CanTransition(to OrderStatus) bool {
	return orderTransitions[o.Status][to]
}

func (o *Order) transition(op string, to OrderStatus) error {
	if !o.CanTransition(to) {
		return InvalidTransitionError(op, string(o.Status), string(to))
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Confirm marks a pending order as paid
func (o *Order) Confirm() error {
	if err := o.transition("order.Confirm", OrderStatusConfirmed); err != nil {
		return err
	}
	o.PaymentFailed = false
	o.FailureReason = ""
	return nil
}

// StartProcessing hands a confirmed order to fulfillment
func (o *Order) StartProcessing() error {
	return o.transition("order.StartProcessing", OrderStatusProcessing)
}

// Ship records the carrier tracking number
func (o *Order) Ship(trackingNumber string) error {
	if strings.TrimSpace(trackingNumber) == "" {
		return ValidationError("order.Ship", "tracking number cannot be empty")
	}
	if err := o.transition("order.Ship", OrderStatusShipped); err != nil {
		return err
	}
	now := o.UpdatedAt
	o.TrackingNumber = trackingNumber
	o.ShippedAt = &now
	return nil
}

// Deliver completes the order
func (o *Order) Deliver() error {
	if err := o.transition("order.Deliver", OrderStatusDelivered); err != nil {
		return err
	}
	now := o.UpdatedAt
	o.DeliveredAt = &now
	return nil
}

// Cancel is disallowed once the order has shipped. Releasing stock is the caller's job.
func (o *Order) Cancel(reason string) error {
	if err := o.transition("order.Cancel", OrderStatusCancelled); err != nil {
		return err
	}
	o.CancelReason = reason
	return nil
}

// HandlePaymentFailed flags a pending order so the customer can retry payment.
func (o *Order) HandlePaymentFailed(reason string) error {
	if o.Status != OrderStatusPending {
		return InvalidTransitionError("order.HandlePaymentFailed", string(o.Status), "PAYMENT_FAILED")
	}
	o.PaymentFailed = true
	o.FailureReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// ClearPaymentFailure starts a new payment attempt on a flagged order.
func (o *Order) ClearPaymentFailure() error {
	if o.Status != OrderStatusPending || !o.PaymentFailed {
		return InvalidTransitionError("order.ClearPaymentFailure", string(o.Status), string(OrderStatusPending))
	}
	o.PaymentFailed = false
	o.FailureReason = ""
	o.UpdatedAt = time.Now().UTC()
	return nil
}
