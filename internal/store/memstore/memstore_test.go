package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(t *testing.T, number string) *models.Order {
	t.Helper()
	addr := models.Address{Line1: "1 Main St", City: "Springfield", Country: "US"}
	o, err := models.NewOrder(number, 7,
		[]models.OrderLine{{ProductID: 1, ProductName: "Mug", UnitPrice: decimal.NewFromInt(10), Quantity: 2}},
		addr, addr, "USD", models.Adjustments{})
	require.NoError(t, err)
	return o
}

func TestOrderCopiesAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	o := newOrder(t, "ORD-1")
	require.NoError(t, s.CreateOrder(ctx, o))
	assert.Equal(t, int64(1), o.ID)
	assert.Equal(t, o.ID, o.Items[0].OrderID)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	got.Items[0].Quantity = 99

	again, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Items[0].Quantity)

	byNumber, err := s.GetOrderByNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, byNumber.ID)

	assert.ErrorIs(t, s.CreateOrder(ctx, newOrder(t, "ORD-1")), models.ErrConflict)
}

func TestUpdateOrderRejectsStaleVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	o := newOrder(t, "ORD-1")
	require.NoError(t, s.CreateOrder(ctx, o))

	stale, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)

	require.NoError(t, o.Confirm())
	require.NoError(t, s.UpdateOrder(ctx, o))
	assert.Equal(t, int64(2), o.Version)

	require.NoError(t, stale.Cancel("late"))
	assert.ErrorIs(t, s.UpdateOrder(ctx, stale), models.ErrConcurrentUpdate)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, got.Status)
}

func TestListOrdersByUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, n := range []string{"ORD-1", "ORD-2", "ORD-3"} {
		require.NoError(t, s.CreateOrder(ctx, newOrder(t, n)))
	}

	orders, err := s.ListOrdersByUser(ctx, 7, 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ORD-3", orders[0].OrderNumber)

	none, err := s.ListOrdersByUser(ctx, 8, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSingleActivePayment(t *testing.T) {
	s := New()
	ctx := context.Background()

	p1, err := models.NewPayment("PAY-1", 1, 7, decimal.NewFromInt(20), "USD", models.PaymentMethodCard)
	require.NoError(t, err)
	require.NoError(t, s.CreatePayment(ctx, p1))

	p2, err := models.NewPayment("PAY-2", 1, 7, decimal.NewFromInt(20), "USD", models.PaymentMethodCard)
	require.NoError(t, err)
	assert.ErrorIs(t, s.CreatePayment(ctx, p2), models.ErrConflict)

	require.NoError(t, p1.MarkFailed("declined", ""))
	require.NoError(t, s.UpdatePayment(ctx, p1))
	require.NoError(t, s.CreatePayment(ctx, p2))

	latest, err := s.GetLatestPaymentByOrder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "PAY-2", latest.Reference)

	all, err := s.ListPaymentsByOrder(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "PAY-1", all[0].Reference)
}

func TestGatewayRefLookup(t *testing.T) {
	s := New()
	ctx := context.Background()

	p, err := models.NewPayment("PAY-1", 1, 7, decimal.NewFromInt(20), "USD", models.PaymentMethodCard)
	require.NoError(t, err)
	require.NoError(t, s.CreatePayment(ctx, p))

	_, err = s.GetPaymentByGatewayRef(ctx, "pi_1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	p.GatewayRef = "pi_1"
	require.NoError(t, p.MarkProcessing())
	require.NoError(t, s.UpdatePayment(ctx, p))

	got, err := s.GetPaymentByGatewayRef(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, got.Status)
}

func TestApplyMovementConcurrentReserve(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.UpsertInventory(ctx, &models.Inventory{ProductID: 1, Quantity: 5}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.ApplyMovement(ctx, models.MovementRequest{ProductID: 1, Type: models.MovementReserve, Quantity: 1})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	inv, err := s.GetInventory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, inv.ReservedQuantity)
	assert.Equal(t, 0, inv.Available())

	movements, err := s.ListMovements(ctx, 1, 0, 3)
	require.NoError(t, err)
	assert.Len(t, movements, 3)
	assert.Greater(t, movements[0].ID, movements[1].ID)
}

func TestListMovementsPages(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.UpsertInventory(ctx, &models.Inventory{ProductID: 1, Quantity: 10}))
	for i := 0; i < 7; i++ {
		_, _, err := s.ApplyMovement(ctx, models.MovementRequest{ProductID: 1, Type: models.MovementReserve, Quantity: 1})
		require.NoError(t, err)
	}

	first, err := s.ListMovements(ctx, 1, 0, 5)
	require.NoError(t, err)
	require.Len(t, first, 5)
	assert.Equal(t, 7, first[0].NewReserved)

	rest, err := s.ListMovements(ctx, 1, 5, 5)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, 2, rest[0].NewReserved)
	assert.Equal(t, 1, rest[1].NewReserved)

	none, err := s.ListMovements(ctx, 1, 7, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApplyMovementUnknownProduct(t *testing.T) {
	s := New()
	_, _, err := s.ApplyMovement(context.Background(), models.MovementRequest{ProductID: 42, Type: models.MovementReserve, Quantity: 1})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestProcessedEvents(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.MarkEventProcessed(ctx, "evt_1", models.EventTypePaymentSucceeded)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkEventProcessed(ctx, "evt_1", models.EventTypePaymentSucceeded)
	require.NoError(t, err)
	assert.False(t, second)

	n, err := s.PurgeProcessedEvents(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PurgeProcessedEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	processed, err := s.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)
}
