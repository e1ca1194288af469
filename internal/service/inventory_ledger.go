package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// InventoryLedger is the only writer of stock. Atomicity per product comes from the store.
type InventoryLedger struct {
	store  store.InventoryStore
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger(store store.InventoryStore) *InventoryLedger {
	return &InventoryLedger{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Reserve holds qty units of a product for an order
func (l *InventoryLedger) Reserve(ctx context.Context, productID int64, qty int, ref string) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	inv, err := l.apply(ctx, models.MovementRequest{
		ProductID: productID,
		Type:      models.MovementReserve,
		Quantity:  qty,
		Reason:    "checkout",
		Reference: ref,
	})
	if err != nil {
		reason := "error"
		if errors.Is(err, models.ErrInsufficientStock) {
			reason = "insufficient_stock"
		}
		util.InventoryReservationsFailed.WithLabelValues(reason).Inc()
		return nil, err
	}
	return inv, nil
}

// Release gives back up to qty reserved units; over-release is clamped, never an error.
func (l *InventoryLedger) Release(ctx context.Context, productID int64, qty int, ref string) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Release")
	defer span.End()

	_, err := l.apply(ctx, models.MovementRequest{
		ProductID: productID,
		Type:      models.MovementRelease,
		Quantity:  qty,
		Reason:    "release",
		Reference: ref,
	})
	return err
}

// Commit converts a reservation into a sale
func (l *InventoryLedger) Commit(ctx context.Context, productID int64, qty int, ref string) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Commit")
	defer span.End()

	_, err := l.apply(ctx, models.MovementRequest{
		ProductID: productID,
		Type:      models.MovementCommit,
		Quantity:  qty,
		Reason:    "payment captured",
		Reference: ref,
	})
	return err
}

// Restock puts sold units back on hand after a refund
func (l *InventoryLedger) Restock(ctx context.Context, productID int64, qty int, ref string) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Restock")
	defer span.End()

	_, err := l.apply(ctx, models.MovementRequest{
		ProductID: productID,
		Type:      models.MovementReturn,
		Quantity:  qty,
		Reason:    "refund",
		Reference: ref,
	})
	return err
}

// Adjust sets the physical quantity. It cannot go below what is already reserved.
func (l *InventoryLedger) Adjust(ctx context.Context, productID int64, newQuantity int, reason, actor string) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Adjust")
	defer span.End()

	return l.apply(ctx, models.MovementRequest{
		ProductID:   productID,
		Type:        models.MovementAdjust,
		NewQuantity: newQuantity,
		Reason:      reason,
		Actor:       actor,
	})
}

// ReserveAll reserves every line in ascending product id order. On failure the
// reservations already taken are released and the error names the product.
func (l *InventoryLedger) ReserveAll(ctx context.Context, lines []models.StockLine, ref string) error {
	sorted := SortStockLines(lines)

	reserved := make([]models.StockLine, 0, len(sorted))
	for _, line := range sorted {
		if _, err := l.Reserve(ctx, line.ProductID, line.Quantity, ref); err != nil {
			if relErr := l.ReleaseAll(context.WithoutCancel(ctx), reserved, ref); relErr != nil {
				l.logger.Error("Failed to roll back partial reservation",
					zap.String("reference", ref),
					zap.Error(relErr))
			}
			return err
		}
		reserved = append(reserved, line)
	}
	return nil
}

// ReleaseAll releases every line, continuing past failures
func (l *InventoryLedger) ReleaseAll(ctx context.Context, lines []models.StockLine, ref string) error {
	return l.each(ctx, lines, ref, l.Release)
}

// CommitAll commits every line, continuing past failures
func (l *InventoryLedger) CommitAll(ctx context.Context, lines []models.StockLine, ref string) error {
	return l.each(ctx, lines, ref, l.Commit)
}

// RestockAll returns every line to stock, continuing past failures
func (l *InventoryLedger) RestockAll(ctx context.Context, lines []models.StockLine, ref string) error {
	return l.each(ctx, lines, ref, l.Restock)
}

// Get retrieves the stock record of a product
func (l *InventoryLedger) Get(ctx context.Context, productID int64) (*models.Inventory, error) {
	return l.store.GetInventory(ctx, productID)
}

// Movements returns a page of a product's ledger entries, newest first
func (l *InventoryLedger) Movements(ctx context.Context, productID int64, offset, limit int) ([]models.InventoryMovement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.ListMovements(ctx, productID, offset, limit)
}

// Seed creates or replaces a stock record
func (l *InventoryLedger) Seed(ctx context.Context, inv *models.Inventory) error {
	return l.store.UpsertInventory(ctx, inv)
}

func (l *InventoryLedger) apply(ctx context.Context, req models.MovementRequest) (*models.Inventory, error) {
	inv, mv, err := l.store.ApplyMovement(ctx, req)
	if err != nil {
		return nil, err
	}

	util.InventoryMovementsTotal.WithLabelValues(string(mv.Type)).Inc()
	l.logger.Debug("Inventory movement applied",
		zap.Int64("product_id", mv.ProductID),
		zap.String("type", string(mv.Type)),
		zap.Int("delta", mv.Delta),
		zap.Int("quantity", mv.NewQuantity),
		zap.Int("reserved", mv.NewReserved),
		zap.String("reference", mv.Reference))

	if inv.IsLowStock() {
		l.logger.Warn("Low stock",
			zap.Int64("product_id", inv.ProductID),
			zap.Int("available", inv.Available()),
			zap.Int("min_stock_level", inv.MinStockLevel))
	}
	return inv, nil
}

func (l *InventoryLedger) each(ctx context.Context, lines []models.StockLine, ref string,
	fn func(context.Context, int64, int, string) error) error {
	var errs []error
	for _, line := range SortStockLines(lines) {
		if err := fn(ctx, line.ProductID, line.Quantity, ref); err != nil {
			l.logger.Error("Ledger operation failed",
				zap.Int64("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.String("reference", ref),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SortStockLines merges lines for the same product and orders them by product id.
func SortStockLines(lines []models.StockLine) []models.StockLine {
	merged := make(map[int64]int, len(lines))
	for _, line := range lines {
		merged[line.ProductID] += line.Quantity
	}

	out := make([]models.StockLine, 0, len(merged))
	for id, qty := range merged {
		out = append(out, models.StockLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
