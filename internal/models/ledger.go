package models

import "time"

// Apply computes the effect of a ledger mutation on a copy of the record.
// Stores call it while holding the product's lock, then persist both results together.
func (i Inventory) Apply(req MovementRequest) (Inventory, InventoryMovement, error) {
	const op = "inventory.Apply"

	next := i
	mv := InventoryMovement{
		ProductID:        i.ProductID,
		Type:             req.Type,
		PreviousQuantity: i.Quantity,
		PreviousReserved: i.ReservedQuantity,
		Reason:           req.Reason,
		Reference:        req.Reference,
		Actor:            req.Actor,
	}

	if req.Type != MovementAdjust && req.Quantity <= 0 {
		return i, InventoryMovement{}, ValidationError(op, "quantity for product %d must be positive", i.ProductID)
	}

	switch req.Type {
	case MovementReserve:
		if i.Available() < req.Quantity {
			return i, InventoryMovement{}, InsufficientStockError(op, i.ProductID, req.Quantity, i.Available())
		}
		next.ReservedQuantity += req.Quantity
		mv.Delta = req.Quantity

	case MovementRelease:
		n := min(req.Quantity, i.ReservedQuantity)
		next.ReservedQuantity -= n
		mv.Delta = -n

	case MovementCommit:
		n := min(req.Quantity, i.ReservedQuantity)
		next.Quantity -= n
		next.ReservedQuantity -= n
		mv.Delta = -n

	case MovementAdjust:
		if req.NewQuantity < 0 {
			return i, InventoryMovement{}, ValidationError(op, "quantity for product %d cannot be negative", i.ProductID)
		}
		if req.NewQuantity < i.ReservedQuantity {
			return i, InventoryMovement{}, ValidationError(op,
				"quantity %d for product %d is below reserved %d", req.NewQuantity, i.ProductID, i.ReservedQuantity)
		}
		next.Quantity = req.NewQuantity
		mv.Delta = req.NewQuantity - i.Quantity

	case MovementReturn:
		next.Quantity += req.Quantity
		mv.Delta = req.Quantity

	default:
		return i, InventoryMovement{}, ValidationError(op, "unknown movement type %q", req.Type)
	}

	now := time.Now().UTC()
	next.UpdatedAt = now
	mv.NewQuantity = next.Quantity
	mv.NewReserved = next.ReservedQuantity
	mv.CreatedAt = now
	return next, mv, nil
}
