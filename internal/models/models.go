package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID        int64           `db:"id" json:"id"`
	SKU       string          `db:"sku" json:"sku"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Currency  string          `db:"currency" json:"currency"`
	Active    bool            `db:"active" json:"active"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Inventory represents product stock
type Inventory struct {
	ProductID        int64     `db:"product_id" json:"product_id"`
	VendorID         *int64    `db:"vendor_id" json:"vendor_id,omitempty"`
	Quantity         int       `db:"quantity" json:"quantity"`
	ReservedQuantity int       `db:"reserved_quantity" json:"reserved_quantity"`
	MinStockLevel    int       `db:"min_stock_level" json:"min_stock_level"`
	MaxStockLevel    int       `db:"max_stock_level" json:"max_stock_level"`
	Location         string    `db:"location" json:"location,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Available is the quantity that can still be sold
func (i *Inventory) Available() int {
	return i.Quantity - i.ReservedQuantity
}

// IsLowStock reports whether available stock dropped to the reorder threshold
func (i *Inventory) IsLowStock() bool {
	return i.Available() <= i.MinStockLevel
}

// Valid checks 0 <= reserved <= quantity
func (i *Inventory) Valid() bool {
	return i.ReservedQuantity >= 0 && i.ReservedQuantity <= i.Quantity
}

// MovementType is the kind of ledger mutation
type MovementType string

const (
	MovementReserve MovementType = "RESERVE"
	MovementRelease MovementType = "RELEASE"
	MovementCommit  MovementType = "COMMIT"
	MovementAdjust  MovementType = "ADJUST"
	MovementReturn  MovementType = "RETURN"
)

// InventoryMovement is an append-only audit record of one ledger mutation
type InventoryMovement struct {
	ID               int64        `db:"id" json:"id"`
	ProductID        int64        `db:"product_id" json:"product_id"`
	Type             MovementType `db:"movement_type" json:"type"`
	Delta            int          `db:"delta" json:"delta"`
	PreviousQuantity int          `db:"previous_quantity" json:"previous_quantity"`
	NewQuantity      int          `db:"new_quantity" json:"new_quantity"`
	PreviousReserved int          `db:"previous_reserved" json:"previous_reserved"`
	NewReserved      int          `db:"new_reserved" json:"new_reserved"`
	Reason           string       `db:"reason" json:"reason,omitempty"`
	Reference        string       `db:"reference" json:"reference,omitempty"`
	Actor            string       `db:"actor" json:"actor,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// StockLine is a quantity of one product held or released for an order
type StockLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// MovementRequest describes a ledger mutation before it is applied
type MovementRequest struct {
	ProductID   int64
	Type        MovementType
	Quantity    int
	NewQuantity int
	Reason      string
	Reference   string
	Actor       string
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id" json:"event_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}
