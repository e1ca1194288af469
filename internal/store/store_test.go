package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests run against a real database when TEST_DATABASE_URL is set.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL")
	}
	require.NoError(t, Migrate(url))

	store, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedProduct(t *testing.T, s *Store, qty int) *models.Product {
	t.Helper()
	ctx := context.Background()

	p := &models.Product{
		SKU:      "SKU-" + uuid.NewString()[:8],
		Name:     "Test product",
		Price:    decimal.RequireFromString("19.99"),
		Currency: "USD",
		Active:   true,
	}
	require.NoError(t, s.CreateProduct(ctx, p))
	require.NoError(t, s.UpsertInventory(ctx, &models.Inventory{ProductID: p.ID, Quantity: qty}))
	return p
}

func testAddress() models.Address {
	return models.Address{Name: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 10)

	order, err := models.NewOrder("ORD-"+uuid.NewString(), 123,
		[]models.OrderLine{{ProductID: p.ID, ProductName: p.Name, UnitPrice: p.Price, Quantity: 2}},
		testAddress(), testAddress(), "USD", models.Adjustments{Tax: decimal.RequireFromString("1.50")})
	require.NoError(t, err)

	require.NoError(t, s.CreateOrder(ctx, order))
	assert.NotZero(t, order.ID)
	assert.NotZero(t, order.Items[0].ID)

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)
	assert.True(t, order.Total.Equal(got.Total))
	assert.Equal(t, "Springfield", got.ShippingAddress.City)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Items[0].Quantity)

	_, err = s.GetOrder(ctx, -1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateOrderVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 10)

	order, err := models.NewOrder("ORD-"+uuid.NewString(), 1,
		[]models.OrderLine{{ProductID: p.ID, ProductName: p.Name, UnitPrice: p.Price, Quantity: 1}},
		testAddress(), testAddress(), "USD", models.Adjustments{})
	require.NoError(t, err)
	require.NoError(t, s.CreateOrder(ctx, order))

	stale, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, order.Confirm())
	require.NoError(t, s.UpdateOrder(ctx, order))

	require.NoError(t, stale.Cancel("too late"))
	assert.ErrorIs(t, s.UpdateOrder(ctx, stale), models.ErrConcurrentUpdate)
}

func TestSingleActivePaymentPerOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 10)

	order, err := models.NewOrder("ORD-"+uuid.NewString(), 1,
		[]models.OrderLine{{ProductID: p.ID, ProductName: p.Name, UnitPrice: p.Price, Quantity: 1}},
		testAddress(), testAddress(), "USD", models.Adjustments{})
	require.NoError(t, err)
	require.NoError(t, s.CreateOrder(ctx, order))

	first, err := models.NewPayment("PAY-"+uuid.NewString(), order.ID, 1, order.Total, "USD", models.PaymentMethodCard)
	require.NoError(t, err)
	require.NoError(t, s.CreatePayment(ctx, first))

	second, err := models.NewPayment("PAY-"+uuid.NewString(), order.ID, 1, order.Total, "USD", models.PaymentMethodCard)
	require.NoError(t, err)
	assert.ErrorIs(t, s.CreatePayment(ctx, second), models.ErrConflict)

	require.NoError(t, first.MarkFailed("declined", ""))
	require.NoError(t, s.UpdatePayment(ctx, first))
	assert.NoError(t, s.CreatePayment(ctx, second))
}

func TestMarkEventProcessedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "evt_" + uuid.NewString()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkEventProcessed(ctx, id, models.EventTypePaymentSucceeded)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)

	processed, err := s.IsEventProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, processed)

	_, err = s.PurgeProcessedEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	processed, err = s.IsEventProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestApplyMovementConcurrentReserve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 5)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.ApplyMovement(ctx, models.MovementRequest{
				ProductID: p.ID,
				Type:      models.MovementReserve,
				Quantity:  1,
				Reference: fmt.Sprintf("ORD-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrInsufficientStock)
	}
	assert.Equal(t, 5, succeeded)

	inv, err := s.GetInventory(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, inv.ReservedQuantity)
	assert.True(t, inv.Valid())

	movements, err := s.ListMovements(ctx, p.ID, 0, 100)
	require.NoError(t, err)
	assert.Len(t, movements, 5)
}
