package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// Script result codes
const (
	resultOK           = 1
	resultInsufficient = 0
	resultNotFound     = -1
	resultBelowReserve = -2
)

// ApplyMovement runs the ledger mutation as a single Lua script, so every
// check-and-set on a product is atomic on the Redis server.
func (c *Client) ApplyMovement(ctx context.Context, req models.MovementRequest) (*models.Inventory, *models.InventoryMovement, error) {
	const op = "redis.ApplyMovement"

	var script *redis.Script
	arg := req.Quantity
	switch req.Type {
	case models.MovementReserve:
		script = c.reserveScript
	case models.MovementRelease:
		script = c.releaseScript
	case models.MovementCommit:
		script = c.commitScript
	case models.MovementReturn:
		script = c.returnScript
	case models.MovementAdjust:
		script = c.adjustScript
		arg = req.NewQuantity
		if arg < 0 {
			return nil, nil, models.ValidationError(op, "quantity for product %d cannot be negative", req.ProductID)
		}
	default:
		return nil, nil, models.ValidationError(op, "unknown movement type %q", req.Type)
	}
	if req.Type != models.MovementAdjust && req.Quantity <= 0 {
		return nil, nil, models.ValidationError(op, "quantity for product %d must be positive", req.ProductID)
	}

	now := time.Now().UTC()
	keys := []string{inventoryKey(req.ProductID), movementsKey(req.ProductID), movementSeqKey}
	args := []interface{}{arg, req.ProductID, req.Reason, req.Reference, req.Actor, now.Format(time.RFC3339Nano)}

	result, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%s stock script failed: %w", req.Type, err)
	}
	vals, err := toInt64s(result)
	if err != nil {
		return nil, nil, err
	}

	switch vals[0] {
	case resultOK:
	case resultNotFound:
		return nil, nil, models.NotFoundError(op, "inventory for product %d", req.ProductID)
	case resultInsufficient:
		return nil, nil, models.InsufficientStockError(op, req.ProductID, req.Quantity, int(vals[1]-vals[2]))
	case resultBelowReserve:
		return nil, nil, models.ValidationError(op,
			"quantity %d for product %d is below reserved %d", req.NewQuantity, req.ProductID, vals[2])
	default:
		return nil, nil, fmt.Errorf("unexpected script result %d", vals[0])
	}
	if len(vals) < 7 {
		return nil, nil, fmt.Errorf("unexpected script result length %d", len(vals))
	}

	inv, err := c.GetInventory(ctx, req.ProductID)
	if err != nil {
		return nil, nil, err
	}
	// the returned record reflects this mutation even if another one landed since
	inv.Quantity = int(vals[3])
	inv.ReservedQuantity = int(vals[4])

	mv := &models.InventoryMovement{
		ID:               vals[5],
		ProductID:        req.ProductID,
		Type:             req.Type,
		Delta:            int(vals[6]),
		PreviousQuantity: int(vals[1]),
		NewQuantity:      int(vals[3]),
		PreviousReserved: int(vals[2]),
		NewReserved:      int(vals[4]),
		Reason:           req.Reason,
		Reference:        req.Reference,
		Actor:            req.Actor,
		CreatedAt:        now,
	}
	return inv, mv, nil
}

// GetInventory reads the stock hash of a product
func (c *Client) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(productID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, models.NotFoundError("redis.GetInventory", "inventory for product %d", productID)
	}

	inv := &models.Inventory{ProductID: productID, Location: result["location"]}
	ints := map[string]*int{
		"quantity":        &inv.Quantity,
		"reserved":        &inv.ReservedQuantity,
		"min_stock_level": &inv.MinStockLevel,
		"max_stock_level": &inv.MaxStockLevel,
	}
	for field, dst := range ints {
		v, ok := result[field]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for product %d: %w", field, productID, err)
		}
		*dst = n
	}
	if v, ok := result["vendor_id"]; ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			inv.VendorID = &id
		}
	}
	inv.CreatedAt, _ = time.Parse(time.RFC3339Nano, result["created_at"])
	inv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, result["updated_at"])
	return inv, nil
}

// UpsertInventory initializes or replaces the stock hash of a product
func (c *Client) UpsertInventory(ctx context.Context, inv *models.Inventory) error {
	if !inv.Valid() {
		return models.ValidationError("redis.UpsertInventory", "reserved %d outside [0, %d]", inv.ReservedQuantity, inv.Quantity)
	}

	now := time.Now().UTC()
	key := inventoryKey(inv.ProductID)

	created, err := c.rdb.HGet(ctx, key, "created_at").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if created == "" {
		created = now.Format(time.RFC3339Nano)
	}

	fields := map[string]interface{}{
		"quantity":        inv.Quantity,
		"reserved":        inv.ReservedQuantity,
		"min_stock_level": inv.MinStockLevel,
		"max_stock_level": inv.MaxStockLevel,
		"location":        inv.Location,
		"created_at":      created,
		"updated_at":      now.Format(time.RFC3339Nano),
	}
	if inv.VendorID != nil {
		fields["vendor_id"] = *inv.VendorID
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	inv.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	inv.UpdatedAt = now
	return nil
}

// ListMovements returns a page of movements, newest first
func (c *Client) ListMovements(ctx context.Context, productID int64, offset, limit int) ([]models.InventoryMovement, error) {
	if offset < 0 || limit <= 0 {
		return []models.InventoryMovement{}, nil
	}

	start := int64(offset)
	raw, err := c.rdb.LRange(ctx, movementsKey(productID), start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	movements := make([]models.InventoryMovement, 0, len(raw))
	for _, r := range raw {
		var mv models.InventoryMovement
		if err := json.Unmarshal([]byte(r), &mv); err != nil {
			return nil, fmt.Errorf("invalid movement record: %w", err)
		}
		movements = append(movements, mv)
	}
	return movements, nil
}

func toInt64s(result interface{}) ([]int64, error) {
	items, ok := result.([]interface{})
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("unexpected script result type %T", result)
	}

	vals := make([]int64, len(items))
	for i, item := range items {
		n, ok := item.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %T", item)
		}
		vals[i] = n
	}
	return vals, nil
}
