// Package memstore is an in-process implementation of the store interfaces,
// used for local runs and tests.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"checkout-service/internal/lock"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

// Store keeps every record in memory. Reads return copies.
type Store struct {
	mu sync.RWMutex

	products  map[int64]models.Product
	inventory map[int64]models.Inventory
	movements map[int64][]models.InventoryMovement
	orders    map[int64]models.Order
	payments  map[int64]models.Payment
	events    map[string]models.ProcessedEvent

	productLocks *lock.KeyedMutex

	nextOrderID    int64
	nextItemID     int64
	nextPaymentID  int64
	nextMovementID int64
	nextProductID  int64
}

// New creates an empty Store
func New() *Store {
	return &Store{
		products:     make(map[int64]models.Product),
		inventory:    make(map[int64]models.Inventory),
		movements:    make(map[int64][]models.InventoryMovement),
		orders:       make(map[int64]models.Order),
		payments:     make(map[int64]models.Payment),
		events:       make(map[string]models.ProcessedEvent),
		productLocks: lock.NewKeyedMutex(),
	}
}

// CreateProduct adds a catalog row
func (s *Store) CreateProduct(_ context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if existing.SKU == p.SKU {
			return models.ConflictError("memstore.CreateProduct", "sku %s already exists", p.SKU)
		}
	}
	s.nextProductID++
	p.ID = s.nextProductID
	p.CreatedAt = time.Now().UTC()
	s.products[p.ID] = *p
	return nil
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, models.NotFoundError("memstore.GetProductByID", "product %d", id)
	}
	return &p, nil
}

// GetProductsByIDs skips ids that do not exist
func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

// ApplyMovement serializes mutations per product and appends the movement.
func (s *Store) ApplyMovement(ctx context.Context, req models.MovementRequest) (*models.Inventory, *models.InventoryMovement, error) {
	unlock, err := s.productLocks.Lock(ctx, "product:"+strconv.FormatInt(req.ProductID, 10))
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	s.mu.RLock()
	inv, ok := s.inventory[req.ProductID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, models.NotFoundError("memstore.ApplyMovement", "inventory for product %d", req.ProductID)
	}

	next, mv, err := inv.Apply(req)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.nextMovementID++
	mv.ID = s.nextMovementID
	s.inventory[req.ProductID] = next
	s.movements[req.ProductID] = append(s.movements[req.ProductID], mv)
	s.mu.Unlock()

	return &next, &mv, nil
}

// GetInventory retrieves the stock record of a product
func (s *Store) GetInventory(_ context.Context, productID int64) (*models.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.inventory[productID]
	if !ok {
		return nil, models.NotFoundError("memstore.GetInventory", "inventory for product %d", productID)
	}
	return &inv, nil
}

// UpsertInventory creates or replaces a stock record
func (s *Store) UpsertInventory(_ context.Context, inv *models.Inventory) error {
	if !inv.Valid() {
		return models.ValidationError("memstore.UpsertInventory", "reserved %d outside [0, %d]", inv.ReservedQuantity, inv.Quantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.inventory[inv.ProductID]; ok {
		inv.CreatedAt = existing.CreatedAt
	} else {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	s.inventory[inv.ProductID] = *inv
	return nil
}

// ListMovements returns a page of movements, newest first
func (s *Store) ListMovements(_ context.Context, productID int64, offset, limit int) ([]models.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.movements[productID]
	if offset < 0 || limit <= 0 || offset >= len(all) {
		return []models.InventoryMovement{}, nil
	}
	out := make([]models.InventoryMovement, 0, min(limit, len(all)-offset))
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// CreateOrder stores the order and assigns ids
func (s *Store) CreateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.orders {
		if existing.OrderNumber == order.OrderNumber {
			return models.ConflictError("memstore.CreateOrder", "order number %s already exists", order.OrderNumber)
		}
	}

	s.nextOrderID++
	order.ID = s.nextOrderID
	order.Version = 1
	for i := range order.Items {
		s.nextItemID++
		order.Items[i].ID = s.nextItemID
		order.Items[i].OrderID = order.ID
	}
	s.orders[order.ID] = copyOrder(*order)
	return nil
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, models.NotFoundError("memstore.GetOrder", "order %d", id)
	}
	c := copyOrder(o)
	return &c, nil
}

// GetOrderByNumber retrieves an order by its human-readable number
func (s *Store) GetOrderByNumber(_ context.Context, orderNumber string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.OrderNumber == orderNumber {
			c := copyOrder(o)
			return &c, nil
		}
	}
	return nil, models.NotFoundError("memstore.GetOrderByNumber", "order %s", orderNumber)
}

// ListOrdersByUser returns the newest orders of a user
func (s *Store) ListOrdersByUser(_ context.Context, userID int64, limit int) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, copyOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// UpdateOrder replaces the order when the caller's version is current
func (s *Store) UpdateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return models.NotFoundError("memstore.UpdateOrder", "order %d", order.ID)
	}
	if current.Version != order.Version {
		return models.ErrConcurrentUpdate
	}

	updated := copyOrder(*order)
	updated.Items = current.Items
	updated.Version++
	s.orders[order.ID] = updated
	order.Version = updated.Version
	return nil
}

// CreatePayment rejects a second non-terminal payment for the same order.
func (s *Store) CreatePayment(_ context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.Reference == payment.Reference {
			return models.ConflictError("memstore.CreatePayment", "payment reference %s already exists", payment.Reference)
		}
		if p.OrderID == payment.OrderID && !p.Status.IsTerminal() {
			return models.ConflictError("memstore.CreatePayment", "order %d already has an active payment", payment.OrderID)
		}
	}

	s.nextPaymentID++
	payment.ID = s.nextPaymentID
	payment.Version = 1
	s.payments[payment.ID] = *payment
	return nil
}

// GetPaymentByReference retrieves a payment by its public reference
func (s *Store) GetPaymentByReference(_ context.Context, reference string) (*models.Payment, error) {
	return s.findPayment("memstore.GetPaymentByReference", reference, func(p models.Payment) bool {
		return p.Reference == reference
	})
}

// GetPaymentByGatewayRef retrieves a payment by the gateway's intent id
func (s *Store) GetPaymentByGatewayRef(_ context.Context, gatewayRef string) (*models.Payment, error) {
	if gatewayRef == "" {
		return nil, models.NotFoundError("memstore.GetPaymentByGatewayRef", "payment with empty gateway reference")
	}
	return s.findPayment("memstore.GetPaymentByGatewayRef", gatewayRef, func(p models.Payment) bool {
		return p.GatewayRef == gatewayRef
	})
}

// GetLatestPaymentByOrder retrieves the most recent payment attempt of an order
func (s *Store) GetLatestPaymentByOrder(_ context.Context, orderID int64) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID && (latest == nil || p.ID > latest.ID) {
			c := p
			latest = &c
		}
	}
	if latest == nil {
		return nil, models.NotFoundError("memstore.GetLatestPaymentByOrder", "payment for order %d", orderID)
	}
	return latest, nil
}

// ListPaymentsByOrder returns every attempt of an order, oldest first
func (s *Store) ListPaymentsByOrder(_ context.Context, orderID int64) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payments []models.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })
	return payments, nil
}

// UpdatePayment replaces the payment when the caller's version is current
func (s *Store) UpdatePayment(_ context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.payments[payment.ID]
	if !ok {
		return models.NotFoundError("memstore.UpdatePayment", "payment %d", payment.ID)
	}
	if current.Version != payment.Version {
		return models.ErrConcurrentUpdate
	}
	if payment.GatewayRef != "" {
		for id, p := range s.payments {
			if id != payment.ID && p.GatewayRef == payment.GatewayRef {
				return models.ConflictError("memstore.UpdatePayment", "gateway reference %s already in use", payment.GatewayRef)
			}
		}
	}

	updated := *payment
	updated.Version++
	s.payments[payment.ID] = updated
	payment.Version = updated.Version
	return nil
}

func (s *Store) findPayment(op string, key string, match func(models.Payment) bool) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if match(p) {
			c := p
			return &c, nil
		}
	}
	return nil, models.NotFoundError(op, "payment %s", key)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// MarkEventProcessed returns false when the event was already recorded
func (s *Store) MarkEventProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[eventID]; ok {
		return false, nil
	}
	s.events[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now().UTC()}
	return true, nil
}

// PurgeProcessedEvents drops records older than the cutoff
func (s *Store) PurgeProcessedEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.events {
		if e.ProcessedAt.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func copyOrder(o models.Order) models.Order {
	c := o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	if o.ShippedAt != nil {
		t := *o.ShippedAt
		c.ShippedAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		c.DeliveredAt = &t
	}
	return c
}

var (
	_ store.OrderStore          = (*Store)(nil)
	_ store.PaymentStore        = (*Store)(nil)
	_ store.InventoryStore      = (*Store)(nil)
	_ store.ProcessedEventStore = (*Store)(nil)
	_ store.ProductStore        = (*Store)(nil)
)
