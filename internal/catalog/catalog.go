// Package catalog answers price and availability lookups for checkout.
package catalog

import (
	"context"
	"errors"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
)

// Catalog reads products from the product store and sellability from the stock ledger
type Catalog struct {
	products  store.ProductStore
	inventory store.InventoryStore
}

var _ service.ProductCatalog = (*Catalog)(nil)

// New creates a catalog
func New(products store.ProductStore, inventory store.InventoryStore) *Catalog {
	return &Catalog{products: products, inventory: inventory}
}

// GetAvailability returns NotFound for unknown products. A product without a
// stock record, or one that is inactive, is reported as out of stock.
func (c *Catalog) GetAvailability(ctx context.Context, productID int64) (service.Availability, error) {
	product, err := c.products.GetProductByID(ctx, productID)
	if err != nil {
		return service.Availability{}, err
	}

	avail := service.Availability{
		ProductID: product.ID,
		Name:      product.Name,
		Price:     product.Price,
		Currency:  product.Currency,
	}
	if !product.Active {
		return avail, nil
	}

	inv, err := c.inventory.GetInventory(ctx, productID)
	if errors.Is(err, models.ErrNotFound) {
		return avail, nil
	}
	if err != nil {
		return service.Availability{}, err
	}
	avail.InStock = inv.Available() > 0
	return avail, nil
}
