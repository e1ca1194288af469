package catalog

import (
	"context"
	"testing"

	"checkout-service/internal/models"
	"checkout-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAvailability(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	stocked := &models.Product{SKU: "A", Name: "Lamp", Price: decimal.RequireFromString("19.99"), Currency: "USD", Active: true}
	soldOut := &models.Product{SKU: "B", Name: "Chair", Price: decimal.RequireFromString("80"), Currency: "USD", Active: true}
	retired := &models.Product{SKU: "C", Name: "Desk", Price: decimal.RequireFromString("120"), Currency: "USD", Active: false}
	untracked := &models.Product{SKU: "D", Name: "Rug", Price: decimal.RequireFromString("45"), Currency: "USD", Active: true}
	for _, p := range []*models.Product{stocked, soldOut, retired, untracked} {
		require.NoError(t, st.CreateProduct(ctx, p))
	}
	require.NoError(t, st.UpsertInventory(ctx, &models.Inventory{ProductID: stocked.ID, Quantity: 3}))
	require.NoError(t, st.UpsertInventory(ctx, &models.Inventory{ProductID: soldOut.ID, Quantity: 2, ReservedQuantity: 2}))
	require.NoError(t, st.UpsertInventory(ctx, &models.Inventory{ProductID: retired.ID, Quantity: 9}))

	c := New(st, st)

	tests := []struct {
		name    string
		id      int64
		inStock bool
	}{
		{"stocked", stocked.ID, true},
		{"fully reserved", soldOut.ID, false},
		{"inactive", retired.ID, false},
		{"no stock record", untracked.ID, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avail, err := c.GetAvailability(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.inStock, avail.InStock)
			assert.Equal(t, tt.id, avail.ProductID)
		})
	}

	avail, err := c.GetAvailability(ctx, stocked.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("19.99").Equal(avail.Price))
	assert.Equal(t, "Lamp", avail.Name)

	_, err = c.GetAvailability(ctx, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
