package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const secret = "whsec_test_secret"

type delivery struct {
	key       string
	payload   []byte
	signature string
}

type recordingPublisher struct {
	mu         sync.Mutex
	deliveries []delivery
	signal     chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{signal: make(chan struct{}, 16)}
}

func (p *recordingPublisher) PublishWebhook(_ context.Context, key string, payload []byte, signature string) error {
	p.mu.Lock()
	p.deliveries = append(p.deliveries, delivery{key: key, payload: payload, signature: signature})
	p.mu.Unlock()
	p.signal <- struct{}{}
	return nil
}

func (p *recordingPublisher) last(t *testing.T) (delivery, models.GatewayEvent) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.deliveries)
	d := p.deliveries[len(p.deliveries)-1]
	var event models.GatewayEvent
	require.NoError(t, json.Unmarshal(d.payload, &event))
	return d, event
}

func sessionRequest() service.SessionRequest {
	return service.SessionRequest{
		OrderID:          7,
		OrderNumber:      "ORD-1-ABCDEF01",
		PaymentReference: "PAY-123",
		Amount:           decimal.RequireFromString("42.50"),
		Currency:         "USD",
		Method:           models.PaymentMethodCard,
	}
}

func TestCreateSessionCarriesReferenceMetadata(t *testing.T) {
	pub := newRecordingPublisher()
	sim := NewSimulator(Config{SuccessRate: 1, WebhookSecret: secret}, pub)
	defer sim.Close()

	session, err := sim.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)
	assert.Contains(t, session.GatewayRef, "pi_")
	assert.Contains(t, session.ClientHandle, session.GatewayRef+"_secret_")

	require.NoError(t, sim.Settle(context.Background(), session.GatewayRef))

	d, event := pub.last(t)
	assert.Equal(t, session.GatewayRef, d.key)
	assert.Equal(t, models.EventTypePaymentSucceeded, event.Type)
	assert.Equal(t, "PAY-123", event.Data.Object.Metadata["payment_reference"])
	assert.Equal(t, int64(4250), event.Data.Object.Amount)

	err = service.VerifySignature(d.payload, d.signature, secret, time.Minute, time.Now())
	assert.NoError(t, err)
}

func TestResolveFailedIncludesDeclineReason(t *testing.T) {
	pub := newRecordingPublisher()
	sim := NewSimulator(Config{SuccessRate: 1, WebhookSecret: secret}, pub)
	defer sim.Close()

	session, err := sim.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)
	require.NoError(t, sim.Resolve(context.Background(), session.GatewayRef, service.IntentFailed))

	_, event := pub.last(t)
	assert.Equal(t, models.EventTypePaymentFailed, event.Type)
	assert.Equal(t, "Your card was declined.", event.Data.Object.FailureMessage())

	assert.Error(t, sim.Resolve(context.Background(), session.GatewayRef, "bogus"))
}

func TestCreateSessionHonoursDeadline(t *testing.T) {
	sim := NewSimulator(Config{SuccessRate: 1, MaxLatency: time.Hour}, nil)
	defer sim.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sim.CreateSession(ctx, sessionRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfirmAndRefund(t *testing.T) {
	sim := NewSimulator(Config{SuccessRate: 1}, nil)
	defer sim.Close()
	ctx := context.Background()

	session, err := sim.CreateSession(ctx, sessionRequest())
	require.NoError(t, err)

	_, err = sim.Refund(ctx, session.GatewayRef, nil)
	assert.Error(t, err, "undecided intent cannot be refunded")

	out, err := sim.Confirm(ctx, session.GatewayRef)
	require.NoError(t, err)
	assert.Equal(t, service.IntentSucceeded, out.Status)

	part := decimal.RequireFromString("10.00")
	out, err = sim.Refund(ctx, session.GatewayRef, &part)
	require.NoError(t, err)
	assert.Equal(t, service.IntentSucceeded, out.Status)

	tooMuch := decimal.RequireFromString("40.00")
	_, err = sim.Refund(ctx, session.GatewayRef, &tooMuch)
	assert.Error(t, err)

	out, err = sim.Refund(ctx, session.GatewayRef, nil)
	require.NoError(t, err)
	assert.Equal(t, service.IntentRefunded, out.Status)

	_, err = sim.Confirm(ctx, "pi_missing")
	assert.Error(t, err)
}

func TestRefundDeliversChargeRefunded(t *testing.T) {
	pub := newRecordingPublisher()
	sim := NewSimulator(Config{SuccessRate: 1, WebhookSecret: secret}, nil)
	sim.SetPublisher(pub)
	defer sim.Close()
	ctx := context.Background()

	session, err := sim.CreateSession(ctx, sessionRequest())
	require.NoError(t, err)
	_, err = sim.Confirm(ctx, session.GatewayRef)
	require.NoError(t, err)

	part := decimal.RequireFromString("10.00")
	_, err = sim.Refund(ctx, session.GatewayRef, &part)
	require.NoError(t, err)

	d, event := pub.last(t)
	assert.Equal(t, models.EventTypeChargeRefunded, event.Type)
	assert.Equal(t, session.GatewayRef, event.Data.Object.ID)
	assert.EqualValues(t, 1000, event.Data.Object.AmountRefunded)
	require.NoError(t, service.VerifySignature(d.payload, d.signature, secret, time.Minute, time.Now()))

	tooMuch := decimal.RequireFromString("1000.00")
	_, err = sim.Refund(ctx, session.GatewayRef, &tooMuch)
	require.Error(t, err)
	pub.mu.Lock()
	assert.Len(t, pub.deliveries, 1, "a refused refund sends nothing")
	pub.mu.Unlock()
}

func TestAutoSettleDeliversWebhook(t *testing.T) {
	defer goleak.VerifyNone(t)

	pub := newRecordingPublisher()
	sim := NewSimulator(Config{SuccessRate: 0, SettleDelay: time.Millisecond, WebhookSecret: secret}, pub)

	_, err := sim.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)

	select {
	case <-pub.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
	sim.Close()

	_, event := pub.last(t)
	assert.Equal(t, models.EventTypePaymentFailed, event.Type)
}

func TestCloseCancelsPendingSettlements(t *testing.T) {
	defer goleak.VerifyNone(t)

	pub := newRecordingPublisher()
	sim := NewSimulator(Config{SuccessRate: 1, SettleDelay: time.Hour, WebhookSecret: secret}, pub)

	_, err := sim.CreateSession(context.Background(), sessionRequest())
	require.NoError(t, err)
	sim.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Empty(t, pub.deliveries)
}
