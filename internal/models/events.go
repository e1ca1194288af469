package models

import (
	"encoding/json"
	"time"
)

// Gateway webhook event types
const (
	EventTypePaymentSucceeded        = "payment_intent.succeeded"
	EventTypePaymentFailed           = "payment_intent.payment_failed"
	EventTypePaymentRequiresAction   = "payment_intent.requires_action"
	EventTypePaymentCanceled         = "payment_intent.canceled"
	EventTypePaymentProcessing       = "payment_intent.processing"
	EventTypeAmountCapturableUpdated = "payment_intent.amount_capturable_updated"
	EventTypeChargeRefunded          = "charge.refunded"
)

// SupportedEventTypes are the gateway events the webhook processor acts upon.
var SupportedEventTypes = map[string]bool{
	EventTypePaymentSucceeded:        true,
	EventTypePaymentFailed:           true,
	EventTypePaymentRequiresAction:   true,
	EventTypePaymentCanceled:         true,
	EventTypePaymentProcessing:       true,
	EventTypeAmountCapturableUpdated: true,
	EventTypeChargeRefunded:          true,
}

// GatewayEvent is the envelope of a signed gateway notification
type GatewayEvent struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Created int64            `json:"created"`
	Data    GatewayEventData `json:"data"`
}

// GatewayEventData wraps the affected payment intent
type GatewayEventData struct {
	Object GatewayPaymentIntent `json:"object"`
}

// GatewayPaymentIntent is the subset of the gateway's payment intent the core reads
type GatewayPaymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status,omitempty"`
	Amount           int64             `json:"amount,omitempty"`
	Currency         string            `json:"currency,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	AmountRefunded   int64             `json:"amount_refunded,omitempty"`
	LastPaymentError *GatewayFailure   `json:"last_payment_error,omitempty"`
	CancelReason     string            `json:"cancellation_reason,omitempty"`
}

// GatewayFailure is the gateway-reported failure detail
type GatewayFailure struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// FailureMessage returns the best human-readable failure reason on the intent.
func (pi GatewayPaymentIntent) FailureMessage() string {
	if pi.LastPaymentError == nil {
		return "payment failed"
	}
	if pi.LastPaymentError.Message != "" {
		return pi.LastPaymentError.Message
	}
	if pi.LastPaymentError.Code != "" {
		return pi.LastPaymentError.Code
	}
	return "payment failed"
}

// NewGatewayEvent builds an event envelope, used by the simulated gateway.
func NewGatewayEvent(id, eventType string, intent GatewayPaymentIntent, created time.Time) ([]byte, error) {
	return json.Marshal(GatewayEvent{
		ID:      id,
		Type:    eventType,
		Created: created.Unix(),
		Data:    GatewayEventData{Object: intent},
	})
}

// Notification kinds sent through the Notifier
const (
	NotifyPaymentSucceeded      = "payment_succeeded"
	NotifyPaymentFailed         = "payment_failed"
	NotifyPaymentRequiresAction = "payment_requires_action"
	NotifyOrderCancelled        = "order_cancelled"
	NotifyPaymentRefunded       = "payment_refunded"
	NotifyOrderShipped          = "order_shipped"
	NotifyOrderDelivered        = "order_delivered"
)

// Notification is the fire-and-forget message published for a user
type Notification struct {
	EventID   string                 `json:"event_id"`
	Kind      string                 `json:"kind"`
	UserID    int64                  `json:"user_id"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}
