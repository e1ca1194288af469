package service

import (
	"context"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// Availability is the catalog's view of a product at checkout time
type Availability struct {
	ProductID int64
	Name      string
	Price     decimal.Decimal
	Currency  string
	InStock   bool
}

// ProductCatalog resolves prices and sellability
type ProductCatalog interface {
	GetAvailability(ctx context.Context, productID int64) (Availability, error)
}

// SessionRequest asks the gateway to open a payment intent
type SessionRequest struct {
	OrderID          int64
	OrderNumber      string
	PaymentReference string
	Amount           decimal.Decimal
	Currency         string
	Method           models.PaymentMethod
	CustomerRef      string
}

// Session is the gateway's payment intent
type Session struct {
	GatewayRef   string
	SessionID    string
	ClientHandle string
	Raw          string
}

// GatewayOutcome is the gateway's answer to a confirm or refund call
type GatewayOutcome struct {
	GatewayRef string
	Status     string
	Raw        string
}

// Gateway intent statuses returned by Confirm
const (
	IntentSucceeded      = "succeeded"
	IntentProcessing     = "processing"
	IntentRequiresAction = "requires_action"
	IntentFailed         = "requires_payment_method"
	IntentCanceled       = "canceled"
	IntentRefunded       = "refunded"
)

// PaymentGateway is the external payment provider. Calls are bounded by the caller's context.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	Confirm(ctx context.Context, gatewayRef string) (GatewayOutcome, error)
	// Refund returns the full amount when amount is nil
	Refund(ctx context.Context, gatewayRef string, amount *decimal.Decimal) (GatewayOutcome, error)
}

// Notifier delivers fire-and-forget user notifications. Implementations must not block on failure.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind string, payload map[string]interface{})
}

// NopNotifier drops every notification
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, int64, string, map[string]interface{}) {}
