package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/lock"
	"checkout-service/internal/models"
	"checkout-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_0123456789abcdef"

type fakeCatalog struct {
	mu    sync.Mutex
	items map[int64]Availability
}

func (c *fakeCatalog) GetAvailability(_ context.Context, productID int64) (Availability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.items[productID]
	if !ok {
		return Availability{}, models.NotFoundError("fakeCatalog", "product %d", productID)
	}
	return a, nil
}

type fakeGateway struct {
	mu            sync.Mutex
	seq           int
	createErr     error
	hang          bool
	confirmStatus string
	refundErr     error
	refunds       []string
	refundAmounts []*decimal.Decimal
	// refundStarted is signalled when a refund call arrives; refundRelease holds it until closed
	refundStarted chan struct{}
	refundRelease chan struct{}
}

func (g *fakeGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	g.mu.Lock()
	hang, createErr := g.hang, g.createErr
	g.mu.Unlock()
	if hang {
		<-ctx.Done()
		return Session{}, ctx.Err()
	}
	if createErr != nil {
		return Session{}, createErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	ref := fmt.Sprintf("pi_%d", g.seq)
	return Session{GatewayRef: ref, SessionID: fmt.Sprintf("cs_%d", g.seq), ClientHandle: ref + "_secret"}, nil
}

func (g *fakeGateway) Confirm(_ context.Context, gatewayRef string) (GatewayOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GatewayOutcome{GatewayRef: gatewayRef, Status: g.confirmStatus}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, gatewayRef string, amount *decimal.Decimal) (GatewayOutcome, error) {
	g.mu.Lock()
	started, release := g.refundStarted, g.refundRelease
	g.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return GatewayOutcome{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return GatewayOutcome{}, g.refundErr
	}
	g.refunds = append(g.refunds, gatewayRef)
	g.refundAmounts = append(g.refundAmounts, amount)
	return GatewayOutcome{GatewayRef: gatewayRef, Status: IntentRefunded}, nil
}

// holdRefunds makes the next refunds wait until the returned func is called
func (g *fakeGateway) holdRefunds() (started <-chan struct{}, release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	start, rel := make(chan struct{}, 4), make(chan struct{})
	g.refundStarted, g.refundRelease = start, rel
	return start, func() { close(rel) }
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type sentNotification struct {
	userID  int64
	kind    string
	payload map[string]interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, userID int64, kind string, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{userID: userID, kind: kind, payload: payload})
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.kind == kind {
			c++
		}
	}
	return c
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memstore.Store
	catalog  *fakeCatalog
	gateway  *fakeGateway
	notifier *recordingNotifier
	ledger   *InventoryLedger
	checkout *CheckoutOrchestrator
	webhooks *WebhookProcessor
	orders   *OrderService
	skus     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := memstore.New()
	locker := lock.NewKeyedMutex()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    st,
		catalog:  &fakeCatalog{items: make(map[int64]Availability)},
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
	}
	f.ledger = NewInventoryLedger(st)
	f.checkout = NewCheckoutOrchestrator(f.catalog, f.gateway, f.ledger, st, st, locker,
		CheckoutConfig{GatewayTimeout: time.Second})
	f.webhooks = NewWebhookProcessor(WebhookConfig{Secret: testSecret}, st, st, st, f.ledger, f.gateway, locker, f.notifier)
	f.orders = NewOrderService(st, st, f.ledger, f.gateway, locker, f.notifier, time.Second)
	return f
}

// addProduct registers a product in the catalog with qty units on hand
func (f *fixture) addProduct(price string, qty int) int64 {
	f.t.Helper()
	f.skus++
	p := &models.Product{
		SKU:      fmt.Sprintf("SKU-%d", f.skus),
		Name:     "item",
		Price:    decimal.RequireFromString(price),
		Currency: "USD",
		Active:   true,
	}
	require.NoError(f.t, f.store.CreateProduct(f.ctx, p))
	require.NoError(f.t, f.ledger.Seed(f.ctx, &models.Inventory{ProductID: p.ID, Quantity: qty}))

	f.catalog.mu.Lock()
	f.catalog.items[p.ID] = Availability{ProductID: p.ID, Name: p.Name, Price: p.Price, Currency: p.Currency, InStock: true}
	f.catalog.mu.Unlock()
	return p.ID
}

func (f *fixture) stock(productID int64) models.Inventory {
	f.t.Helper()
	inv, err := f.ledger.Get(f.ctx, productID)
	require.NoError(f.t, err)
	return *inv
}

func (f *fixture) order(id int64) *models.Order {
	f.t.Helper()
	o, err := f.orders.GetOrder(f.ctx, id)
	require.NoError(f.t, err)
	return o
}

func (f *fixture) payment(ref string) *models.Payment {
	f.t.Helper()
	p, err := f.orders.GetPayment(f.ctx, ref)
	require.NoError(f.t, err)
	return p
}

func checkoutRequest(userID int64, items ...CheckoutItem) CheckoutRequest {
	return CheckoutRequest{
		UserID: userID,
		Items:  items,
		ShippingAddress: models.Address{
			Name:       "Ada Lovelace",
			Line1:      "12 St James's Square",
			City:       "London",
			PostalCode: "SW1Y 4JH",
			Country:    "GB",
		},
		PaymentMethod: "card",
	}
}

func (f *fixture) placeOrder(userID int64, items ...CheckoutItem) *CheckoutResult {
	f.t.Helper()
	res, err := f.checkout.PlaceOrder(f.ctx, checkoutRequest(userID, items...))
	require.NoError(f.t, err)
	return res
}

// signedEvent builds a gateway event for the payment and signs it with the test secret
func (f *fixture) signedEvent(eventID, eventType string, payment *models.Payment) ([]byte, string) {
	f.t.Helper()
	intent := models.GatewayPaymentIntent{
		ID:       payment.GatewayRef,
		Amount:   payment.Amount.Shift(2).IntPart(),
		Currency: payment.Currency,
		Metadata: map[string]string{"payment_reference": payment.Reference},
	}
	if eventType == models.EventTypePaymentFailed {
		intent.LastPaymentError = &models.GatewayFailure{Code: "card_declined", Message: "card declined"}
	}
	payload, err := models.NewGatewayEvent(eventID, eventType, intent, time.Now())
	require.NoError(f.t, err)
	return payload, SignPayload(payload, testSecret, time.Now())
}

func (f *fixture) deliver(eventID, eventType, paymentRef string) WebhookResult {
	f.t.Helper()
	payload, sig := f.signedEvent(eventID, eventType, f.payment(paymentRef))
	res, err := f.webhooks.HandleEvent(f.ctx, payload, sig)
	require.NoError(f.t, err)
	return res
}
