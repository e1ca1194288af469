package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

const inventoryColumns = `product_id, vendor_id, quantity, reserved_quantity, min_stock_level, max_stock_level,
	location, created_at, updated_at`

// ApplyMovement locks the inventory row, applies the mutation and appends the movement in one transaction.
func (s *Store) ApplyMovement(ctx context.Context, req models.MovementRequest) (*models.Inventory, *models.InventoryMovement, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var inv models.Inventory
	err = tx.GetContext(ctx, &inv,
		"SELECT "+inventoryColumns+" FROM inventory WHERE product_id = $1 FOR UPDATE", req.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, models.NotFoundError("store.ApplyMovement", "inventory for product %d", req.ProductID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock inventory: %w", err)
	}

	next, mv, err := inv.Apply(req)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE inventory SET quantity = $1, reserved_quantity = $2, updated_at = $3 WHERE product_id = $4",
		next.Quantity, next.ReservedQuantity, next.UpdatedAt, next.ProductID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update inventory: %w", err)
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO inventory_movements (product_id, movement_type, delta, previous_quantity, new_quantity,
			previous_reserved, new_reserved, reason, reference, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		mv.ProductID, mv.Type, mv.Delta, mv.PreviousQuantity, mv.NewQuantity,
		mv.PreviousReserved, mv.NewReserved, mv.Reason, mv.Reference, mv.Actor, mv.CreatedAt).
		Scan(&mv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record movement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &next, &mv, nil
}

// GetInventory retrieves the stock record of a product
func (s *Store) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.db.GetContext(ctx, &inv, "SELECT "+inventoryColumns+" FROM inventory WHERE product_id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("store.GetInventory", "inventory for product %d", productID)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// UpsertInventory creates or replaces a stock record, used for seeding
func (s *Store) UpsertInventory(ctx context.Context, inv *models.Inventory) error {
	if !inv.Valid() {
		return models.ValidationError("store.UpsertInventory", "reserved %d outside [0, %d]", inv.ReservedQuantity, inv.Quantity)
	}

	query := `
		INSERT INTO inventory (product_id, vendor_id, quantity, reserved_quantity, min_stock_level, max_stock_level, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (product_id) DO UPDATE
		SET vendor_id = EXCLUDED.vendor_id, quantity = EXCLUDED.quantity, reserved_quantity = EXCLUDED.reserved_quantity,
			min_stock_level = EXCLUDED.min_stock_level, max_stock_level = EXCLUDED.max_stock_level,
			location = EXCLUDED.location, updated_at = NOW()
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		inv.ProductID, inv.VendorID, inv.Quantity, inv.ReservedQuantity, inv.MinStockLevel, inv.MaxStockLevel, inv.Location).
		Scan(&inv.CreatedAt, &inv.UpdatedAt)
}

// ListMovements retrieves a page of a product's movements, newest first
func (s *Store) ListMovements(ctx context.Context, productID int64, offset, limit int) ([]models.InventoryMovement, error) {
	var movements []models.InventoryMovement
	err := s.db.SelectContext(ctx, &movements, `
		SELECT id, product_id, movement_type, delta, previous_quantity, new_quantity, previous_reserved,
			new_reserved, reason, reference, actor, created_at
		FROM inventory_movements
		WHERE product_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, productID, limit, offset)
	return movements, err
}
