// Package gateway provides a simulated payment provider. It opens payment intents,
// settles them with a configurable success rate and delivers signed webhook events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const statusRequiresConfirmation = "requires_confirmation"

// WebhookPublisher delivers a signed event to the service's webhook consumer
type WebhookPublisher interface {
	PublishWebhook(ctx context.Context, key string, payload []byte, signature string) error
}

// Config tunes the simulator
type Config struct {
	// SuccessRate is the share of settled intents that succeed (0.0 - 1.0)
	SuccessRate float64
	// MaxLatency bounds the random delay of every call
	MaxLatency time.Duration
	// SettleDelay > 0 settles each new intent automatically after the delay
	SettleDelay   time.Duration
	WebhookSecret string
}

type intent struct {
	id       string
	amount   int64
	refunded int64
	currency string
	status   string
	metadata map[string]string
}

// Simulator is an in-process PaymentGateway
type Simulator struct {
	cfg       Config
	publisher WebhookPublisher
	logger    *zap.Logger

	mu      sync.Mutex
	intents map[string]*intent
	rng     *rand.Rand

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

var _ service.PaymentGateway = (*Simulator)(nil)

// NewSimulator creates a simulator. publisher may be nil, in which case no webhooks are sent.
func NewSimulator(cfg Config, publisher WebhookPublisher) *Simulator {
	if cfg.SuccessRate < 0 || cfg.SuccessRate > 1 {
		cfg.SuccessRate = 0.9
	}
	return &Simulator{
		cfg:       cfg,
		publisher: publisher,
		logger:    util.GetLogger(),
		intents:   make(map[string]*intent),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// CreateSession opens a payment intent for the request
func (s *Simulator) CreateSession(ctx context.Context, req service.SessionRequest) (service.Session, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.CreateSession")
	defer span.End()

	if err := s.delay(ctx); err != nil {
		return service.Session{}, err
	}
	if !req.Amount.IsPositive() {
		return service.Session{}, fmt.Errorf("amount must be positive")
	}

	in := &intent{
		id:       "pi_" + compactID(),
		amount:   toMinorUnits(req.Amount),
		currency: strings.ToLower(req.Currency),
		status:   statusRequiresConfirmation,
		metadata: map[string]string{
			"payment_reference": req.PaymentReference,
			"order_number":      req.OrderNumber,
			"order_id":          fmt.Sprintf("%d", req.OrderID),
		},
	}

	s.mu.Lock()
	s.intents[in.id] = in
	view := in.view()
	s.mu.Unlock()

	raw, _ := json.Marshal(view)
	session := service.Session{
		GatewayRef:   in.id,
		SessionID:    "cs_" + compactID(),
		ClientHandle: in.id + "_secret_" + compactID()[:16],
		Raw:          string(raw),
	}

	s.logger.Info("Gateway intent created",
		zap.String("gateway_ref", in.id),
		zap.String("payment_reference", req.PaymentReference),
		zap.Int64("amount", in.amount))

	if s.cfg.SettleDelay > 0 && s.publisher != nil {
		s.wg.Add(1)
		go s.settleLater(in.id)
	}
	return session, nil
}

// Confirm reports the intent's status, settling it first if it is still undecided
func (s *Simulator) Confirm(ctx context.Context, gatewayRef string) (service.GatewayOutcome, error) {
	if err := s.delay(ctx); err != nil {
		return service.GatewayOutcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[gatewayRef]
	if !ok {
		return service.GatewayOutcome{}, fmt.Errorf("no such payment intent: %s", gatewayRef)
	}
	if in.status == statusRequiresConfirmation {
		in.status = s.decide()
	}
	return in.outcome(), nil
}

// Refund returns amount, or everything not yet refunded when amount is nil
func (s *Simulator) Refund(ctx context.Context, gatewayRef string, amount *decimal.Decimal) (service.GatewayOutcome, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.Refund")
	defer span.End()

	if err := s.delay(ctx); err != nil {
		return service.GatewayOutcome{}, err
	}

	s.mu.Lock()
	in, ok := s.intents[gatewayRef]
	if !ok {
		s.mu.Unlock()
		return service.GatewayOutcome{}, fmt.Errorf("no such payment intent: %s", gatewayRef)
	}
	if in.status != service.IntentSucceeded {
		s.mu.Unlock()
		return service.GatewayOutcome{}, fmt.Errorf("payment intent %s is %s and cannot be refunded", gatewayRef, in.status)
	}

	remaining := in.amount - in.refunded
	value := remaining
	if amount != nil {
		value = toMinorUnits(*amount)
	}
	if value <= 0 || value > remaining {
		s.mu.Unlock()
		return service.GatewayOutcome{}, fmt.Errorf("refund amount %d exceeds refundable %d", value, remaining)
	}

	in.refunded += value
	out := in.outcome()
	if in.refunded == in.amount {
		out.Status = service.IntentRefunded
	}
	view := in.view()
	s.mu.Unlock()

	// the refund stands even if the event is lost; reconciliation picks it up
	if err := s.publish(ctx, models.EventTypeChargeRefunded, view); err != nil {
		s.logger.Warn("Failed to deliver refund event",
			zap.String("gateway_ref", gatewayRef),
			zap.Error(err))
	}
	return out, nil
}

// SetPublisher replaces the webhook publisher. Call it before the simulator is shared.
func (s *Simulator) SetPublisher(publisher WebhookPublisher) {
	s.publisher = publisher
}

// Settle decides an undecided intent and delivers the matching webhook
func (s *Simulator) Settle(ctx context.Context, gatewayRef string) error {
	s.mu.Lock()
	in, ok := s.intents[gatewayRef]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no such payment intent: %s", gatewayRef)
	}
	status := in.status
	if status == statusRequiresConfirmation {
		status = s.decide()
	}
	s.mu.Unlock()

	return s.Resolve(ctx, gatewayRef, status)
}

// Resolve forces an intent into status and delivers the matching webhook
func (s *Simulator) Resolve(ctx context.Context, gatewayRef, status string) error {
	eventType, ok := eventTypes[status]
	if !ok {
		return fmt.Errorf("status %q has no webhook event", status)
	}

	s.mu.Lock()
	in, found := s.intents[gatewayRef]
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("no such payment intent: %s", gatewayRef)
	}
	in.status = status
	view := in.view()
	s.mu.Unlock()

	if status == service.IntentFailed {
		view.LastPaymentError = &models.GatewayFailure{Code: "card_declined", Message: "Your card was declined."}
	}
	return s.publish(ctx, eventType, view)
}

// Close stops pending automatic settlements and waits for them to finish
func (s *Simulator) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Simulator) settleLater(gatewayRef string) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-s.done:
		return
	case <-timer.C:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Settle(ctx, gatewayRef); err != nil {
		s.logger.Error("Failed to settle payment intent",
			zap.String("gateway_ref", gatewayRef),
			zap.Error(err))
	}
}

func (s *Simulator) publish(ctx context.Context, eventType string, view models.GatewayPaymentIntent) error {
	if s.publisher == nil {
		return nil
	}
	now := s.now()
	payload, err := models.NewGatewayEvent("evt_"+compactID(), eventType, view, now)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	signature := service.SignPayload(payload, s.cfg.WebhookSecret, now)
	if err := s.publisher.PublishWebhook(ctx, view.ID, payload, signature); err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}

	s.logger.Info("Gateway webhook sent",
		zap.String("gateway_ref", view.ID),
		zap.String("event_type", eventType))
	return nil
}

// decide must be called with s.mu held
func (s *Simulator) decide() string {
	if s.rng.Float64() < s.cfg.SuccessRate {
		return service.IntentSucceeded
	}
	return service.IntentFailed
}

func (s *Simulator) delay(ctx context.Context) error {
	if s.cfg.MaxLatency <= 0 {
		return ctx.Err()
	}
	s.mu.Lock()
	d := time.Duration(s.rng.Int63n(int64(s.cfg.MaxLatency)))
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var eventTypes = map[string]string{
	service.IntentSucceeded:      models.EventTypePaymentSucceeded,
	service.IntentFailed:         models.EventTypePaymentFailed,
	service.IntentRequiresAction: models.EventTypePaymentRequiresAction,
	service.IntentCanceled:       models.EventTypePaymentCanceled,
	service.IntentProcessing:     models.EventTypePaymentProcessing,
}

func (in *intent) view() models.GatewayPaymentIntent {
	meta := make(map[string]string, len(in.metadata))
	for k, v := range in.metadata {
		meta[k] = v
	}
	return models.GatewayPaymentIntent{
		ID:             in.id,
		Status:         in.status,
		Amount:         in.amount,
		AmountRefunded: in.refunded,
		Currency:       in.currency,
		Metadata:       meta,
	}
}

func (in *intent) outcome() service.GatewayOutcome {
	raw, _ := json.Marshal(in.view())
	return service.GatewayOutcome{GatewayRef: in.id, Status: in.status, Raw: string(raw)}
}

func toMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func compactID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
