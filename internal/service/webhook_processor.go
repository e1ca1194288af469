package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/lock"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// WebhookStatus tells the caller how a delivery was acknowledged
type WebhookStatus string

const (
	WebhookProcessed WebhookStatus = "processed"
	WebhookIgnored   WebhookStatus = "ignored"
	WebhookDuplicate WebhookStatus = "duplicate"
)

// WebhookResult is returned for every acknowledged delivery
type WebhookResult struct {
	EventID   string        `json:"event_id,omitempty"`
	EventType string        `json:"event_type,omitempty"`
	Status    WebhookStatus `json:"status"`
}

// WebhookConfig holds the signing secret and timestamp tolerance. GatewayTimeout
// bounds the refund issued for a payment captured after it was cancelled.
type WebhookConfig struct {
	Secret         string
	Tolerance      time.Duration
	GatewayTimeout time.Duration
}

// WebhookProcessor verifies, deduplicates and applies gateway events
type WebhookProcessor struct {
	cfg      WebhookConfig
	events   store.ProcessedEventStore
	payments store.PaymentStore
	locker   lock.Locker
	settle   *settlement
	logger   *zap.Logger
	now      func() time.Time
}

// NewWebhookProcessor creates a new webhook processor
func NewWebhookProcessor(
	cfg WebhookConfig,
	events store.ProcessedEventStore,
	orders store.OrderStore,
	payments store.PaymentStore,
	ledger *InventoryLedger,
	gateway PaymentGateway,
	locker lock.Locker,
	notifier Notifier,
) *WebhookProcessor {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultSignatureTolerance
	}
	logger := util.GetLogger()
	if !IsUsableSecret(cfg.Secret) {
		logger.Warn("Webhook secret missing or placeholder; all webhook deliveries will be refused")
	}
	return &WebhookProcessor{
		cfg:      cfg,
		events:   events,
		payments: payments,
		locker:   locker,
		settle:   newSettlement(orders, payments, ledger, gateway, notifier, cfg.GatewayTimeout),
		logger:   logger,
		now:      time.Now,
	}
}

// HandleEvent processes one signed delivery. A nil error means the delivery can be
// acknowledged; an error means the sender should retry, except for authentication
// failures, which are final.
func (p *WebhookProcessor) HandleEvent(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.HandleEvent")
	defer span.End()

	if err := VerifySignature(payload, signature, p.cfg.Secret, p.cfg.Tolerance, p.now()); err != nil {
		util.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		p.logger.Warn("Webhook signature rejected", zap.Error(err))
		return WebhookResult{}, err
	}

	var event models.GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" || event.Data.Object.ID == "" {
		p.logger.Warn("Malformed webhook payload", zap.Error(err), zap.Int("bytes", len(payload)))
		return p.ack(WebhookResult{Status: WebhookIgnored}), nil
	}

	result := WebhookResult{EventID: event.ID, EventType: event.Type}
	if !models.SupportedEventTypes[event.Type] {
		p.logger.Info("Ignoring unsupported webhook event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		result.Status = WebhookIgnored
		return p.ack(result), nil
	}

	unlockEvent, err := p.locker.Lock(ctx, lock.EventKey(event.ID))
	if err != nil {
		return result, fmt.Errorf("failed to lock event: %w", err)
	}
	defer unlockEvent()

	processed, err := p.events.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return result, fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		p.logger.Info("Event already processed", zap.String("event_id", event.ID))
		result.Status = WebhookDuplicate
		return p.ack(result), nil
	}

	payment, err := p.resolvePayment(ctx, event.Data.Object)
	if errors.Is(err, models.ErrNotFound) {
		p.logger.Warn("Webhook for unknown payment",
			zap.String("event_id", event.ID),
			zap.String("gateway_ref", event.Data.Object.ID))
		result.Status = WebhookIgnored
		return p.ack(result), nil
	}
	if err != nil {
		return result, err
	}

	status, err := p.apply(ctx, payment, event, payload)
	lateCapture := errors.Is(err, errLateCapture)
	if err != nil && !lateCapture {
		return result, err
	}

	if _, err := p.events.MarkEventProcessed(ctx, event.ID, event.Type); err != nil {
		return result, fmt.Errorf("failed to mark event processed: %w", err)
	}
	if lateCapture {
		// marked first so a redelivery cannot refund twice
		unlockEvent()
		p.settle.refundLateCapture(ctx, payment, event.Data.Object.ID)
	}

	result.Status = status
	return p.ack(result), nil
}

func (p *WebhookProcessor) apply(ctx context.Context, payment *models.Payment, event models.GatewayEvent, payload []byte) (WebhookStatus, error) {
	unlock, err := p.locker.Lock(ctx, lock.OrderKey(payment.OrderID))
	if err != nil {
		return "", fmt.Errorf("failed to lock order: %w", err)
	}
	defer unlock()

	// reload under the lock; the first read only found the order
	payment, err = p.payments.GetPaymentByReference(ctx, payment.Reference)
	if err != nil {
		return "", err
	}

	err = p.settle.apply(ctx, payment, event.Type, event.Data.Object, string(payload))
	if errors.Is(err, models.ErrInvalidTransition) {
		p.logger.Warn("Webhook event not applicable to payment state",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("payment_reference", payment.Reference),
			zap.String("payment_status", string(payment.Status)),
			zap.Error(err))
		return WebhookIgnored, nil
	}
	if errors.Is(err, errLateCapture) {
		return WebhookProcessed, err
	}
	if err != nil {
		return "", err
	}

	p.logger.Info("Webhook event applied",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int64("order_id", payment.OrderID),
		zap.String("payment_status", string(payment.Status)))
	return WebhookProcessed, nil
}

// resolvePayment finds the payment by gateway reference, falling back to the
// payment reference the session carries in its metadata.
func (p *WebhookProcessor) resolvePayment(ctx context.Context, intent models.GatewayPaymentIntent) (*models.Payment, error) {
	payment, err := p.payments.GetPaymentByGatewayRef(ctx, intent.ID)
	if err == nil || !errors.Is(err, models.ErrNotFound) {
		return payment, err
	}

	ref := intent.Metadata["payment_reference"]
	if ref == "" {
		return nil, err
	}
	payment, err = p.payments.GetPaymentByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if payment.GatewayRef == "" && payment.Status == models.PaymentStatusPending {
		// the session is still being recorded; the sender will retry
		return nil, fmt.Errorf("payment %s has no gateway session yet", payment.Reference)
	}
	if payment.GatewayRef != "" && payment.GatewayRef != intent.ID {
		return nil, models.NotFoundError("webhook.resolvePayment", "payment for gateway ref %s", intent.ID)
	}
	return payment, nil
}

func (p *WebhookProcessor) ack(result WebhookResult) WebhookResult {
	util.WebhookEventsTotal.WithLabelValues(string(result.Status)).Inc()
	return result
}
