package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

type orderRow struct {
	ID              int64           `db:"id"`
	OrderNumber     string          `db:"order_number"`
	UserID          int64           `db:"user_id"`
	ShippingAddress []byte          `db:"shipping_address"`
	BillingAddress  []byte          `db:"billing_address"`
	Subtotal        decimal.Decimal `db:"subtotal"`
	Tax             decimal.Decimal `db:"tax"`
	Shipping        decimal.Decimal `db:"shipping"`
	Discount        decimal.Decimal `db:"discount"`
	Total           decimal.Decimal `db:"total"`
	Currency        string          `db:"currency"`
	Status          string          `db:"status"`
	StockState      string          `db:"stock_state"`
	PaymentFailed   bool            `db:"payment_failed"`
	FailureReason   string          `db:"failure_reason"`
	CancelReason    string          `db:"cancel_reason"`
	TrackingNumber  string          `db:"tracking_number"`
	ShippedAt       sql.NullTime    `db:"shipped_at"`
	DeliveredAt     sql.NullTime    `db:"delivered_at"`
	Version         int64           `db:"version"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

type orderItemRow struct {
	ID          int64           `db:"id"`
	OrderID     int64           `db:"order_id"`
	ProductID   int64           `db:"product_id"`
	ProductName string          `db:"product_name"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	Quantity    int             `db:"quantity"`
	LineTotal   decimal.Decimal `db:"line_total"`
}

type paymentRow struct {
	ID                int64           `db:"id"`
	Reference         string          `db:"reference"`
	OrderID           int64           `db:"order_id"`
	UserID            int64           `db:"user_id"`
	Amount            decimal.Decimal `db:"amount"`
	Currency          string          `db:"currency"`
	Method            string          `db:"method"`
	Status            string          `db:"status"`
	GatewayRef        sql.NullString  `db:"gateway_ref"`
	SessionID         string          `db:"session_id"`
	ClientHandle      string          `db:"client_handle"`
	GatewayResponse   string          `db:"gateway_response"`
	FailureReason     string          `db:"failure_reason"`
	RefundedAmount    decimal.Decimal `db:"refunded_amount"`
	RefundRequestedAt sql.NullTime    `db:"refund_requested_at"`
	Version           int64           `db:"version"`
	CreatedAt         time.Time       `db:"created_at"`
	ProcessedAt       sql.NullTime    `db:"processed_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

const orderColumns = `id, order_number, user_id, shipping_address, billing_address, subtotal, tax, shipping,
	discount, total, currency, status, stock_state, payment_failed, failure_reason, cancel_reason,
	tracking_number, shipped_at, delivered_at, version, created_at, updated_at`

const paymentColumns = `id, reference, order_id, user_id, amount, currency, method, status, gateway_ref,
	session_id, client_handle, gateway_response, failure_reason, refunded_amount, refund_requested_at, version,
	created_at, processed_at, updated_at`

// CreateOrder inserts the order and its item snapshot in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to encode shipping address: %w", err)
	}
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("failed to encode billing address: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (order_number, user_id, shipping_address, billing_address, subtotal, tax, shipping,
			discount, total, currency, status, stock_state, payment_failed, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, version`

	err = tx.QueryRowxContext(ctx, query,
		order.OrderNumber, order.UserID, shipping, billing, order.Subtotal, order.Tax, order.Shipping,
		order.Discount, order.Total, order.Currency, order.Status, order.StockState, order.PaymentFailed,
		order.FailureReason, order.CreatedAt, order.UpdatedAt).
		Scan(&order.ID, &order.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ConflictError("store.CreateOrder", "order number %s already exists", order.OrderNumber)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity, line_total)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			item.OrderID, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.LineTotal).
			Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("store.GetOrder", "order %d", id)
	}
	if err != nil {
		return nil, err
	}
	return s.loadOrder(ctx, row)
}

// GetOrderByNumber retrieves an order by its human-readable number
func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT "+orderColumns+" FROM orders WHERE order_number = $1", orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("store.GetOrderByNumber", "order %s", orderNumber)
	}
	if err != nil {
		return nil, err
	}
	return s.loadOrder(ctx, row)
}

// ListOrdersByUser retrieves the newest orders of a user
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2", userID, limit)
	if err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		o, err := s.loadOrder(ctx, row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// UpdateOrder writes the mutable lifecycle fields guarded by the version column
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, stock_state = $2, payment_failed = $3, failure_reason = $4, cancel_reason = $5,
			tracking_number = $6, shipped_at = $7, delivered_at = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		order.Status, order.StockState, order.PaymentFailed, order.FailureReason, order.CancelReason,
		order.TrackingNumber, nullTime(order.ShippedAt), nullTime(order.DeliveredAt), order.UpdatedAt,
		order.ID, order.Version)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if err := s.checkVersioned(ctx, res, "orders", order.ID); err != nil {
		return err
	}
	order.Version++
	return nil
}

func (s *Store) loadOrder(ctx context.Context, row orderRow) (*models.Order, error) {
	var items []orderItemRow
	err := s.db.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, product_name, unit_price, quantity, line_total FROM order_items WHERE order_id = $1 ORDER BY id",
		row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	o := models.Order{
		ID:             row.ID,
		OrderNumber:    row.OrderNumber,
		UserID:         row.UserID,
		Subtotal:       row.Subtotal,
		Tax:            row.Tax,
		Shipping:       row.Shipping,
		Discount:       row.Discount,
		Total:          row.Total,
		Currency:       row.Currency,
		Status:         models.OrderStatus(row.Status),
		StockState:     models.StockState(row.StockState),
		PaymentFailed:  row.PaymentFailed,
		FailureReason:  row.FailureReason,
		CancelReason:   row.CancelReason,
		TrackingNumber: row.TrackingNumber,
		ShippedAt:      timePtr(row.ShippedAt),
		DeliveredAt:    timePtr(row.DeliveredAt),
		Version:        row.Version,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if err := json.Unmarshal(row.ShippingAddress, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}
	if err := json.Unmarshal(row.BillingAddress, &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode billing address: %w", err)
	}
	for _, it := range items {
		o.Items = append(o.Items, models.OrderItem{
			ID:          it.ID,
			OrderID:     it.OrderID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice,
			Quantity:    it.Quantity,
			LineTotal:   it.LineTotal,
		})
	}

	return models.RestoreOrder(o)
}

// CreatePayment inserts a new payment attempt
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (reference, order_id, user_id, amount, currency, method, status, gateway_ref,
			session_id, client_handle, gateway_response, failure_reason, created_at, processed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, version`

	err := s.db.QueryRowxContext(ctx, query,
		payment.Reference, payment.OrderID, payment.UserID, payment.Amount, payment.Currency, payment.Method,
		payment.Status, nullString(payment.GatewayRef), payment.SessionID, payment.ClientHandle,
		payment.GatewayResponse, payment.FailureReason, payment.CreatedAt, nullTime(payment.ProcessedAt),
		payment.UpdatedAt).
		Scan(&payment.ID, &payment.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ConflictError("store.CreatePayment", "order %d already has an active payment", payment.OrderID)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPaymentByReference retrieves a payment by its public reference
func (s *Store) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	return s.getPayment(ctx, "store.GetPaymentByReference", "reference = $1", reference)
}

// GetPaymentByGatewayRef retrieves a payment by the gateway's intent id
func (s *Store) GetPaymentByGatewayRef(ctx context.Context, gatewayRef string) (*models.Payment, error) {
	return s.getPayment(ctx, "store.GetPaymentByGatewayRef", "gateway_ref = $1", gatewayRef)
}

// GetLatestPaymentByOrder retrieves the most recent payment attempt of an order
func (s *Store) GetLatestPaymentByOrder(ctx context.Context, orderID int64) (*models.Payment, error) {
	return s.getPayment(ctx, "store.GetLatestPaymentByOrder", "order_id = $1 ORDER BY id DESC LIMIT 1", orderID)
}

// ListPaymentsByOrder retrieves every payment attempt of an order, oldest first
func (s *Store) ListPaymentsByOrder(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var rows []paymentRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, err
	}

	payments := make([]models.Payment, 0, len(rows))
	for _, row := range rows {
		p, err := toPayment(row)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, nil
}

// UpdatePayment writes the mutable payment fields guarded by the version column
func (s *Store) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, gateway_ref = $2, session_id = $3, client_handle = $4, gateway_response = $5,
			failure_reason = $6, refunded_amount = $7, refund_requested_at = $8, processed_at = $9,
			updated_at = $10, version = version + 1
		WHERE id = $11 AND version = $12`,
		payment.Status, nullString(payment.GatewayRef), payment.SessionID, payment.ClientHandle,
		payment.GatewayResponse, payment.FailureReason, payment.RefundedAmount, nullTime(payment.RefundRequestedAt),
		nullTime(payment.ProcessedAt), payment.UpdatedAt, payment.ID, payment.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ConflictError("store.UpdatePayment", "gateway reference %s already in use", payment.GatewayRef)
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if err := s.checkVersioned(ctx, res, "payments", payment.ID); err != nil {
		return err
	}
	payment.Version++
	return nil
}

func (s *Store) getPayment(ctx context.Context, op, where string, arg interface{}) (*models.Payment, error) {
	var row paymentRow
	err := s.db.GetContext(ctx, &row, "SELECT "+paymentColumns+" FROM payments WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError(op, "payment %v", arg)
	}
	if err != nil {
		return nil, err
	}
	return toPayment(row)
}

func toPayment(row paymentRow) (*models.Payment, error) {
	return models.RestorePayment(models.Payment{
		ID:                row.ID,
		Reference:         row.Reference,
		OrderID:           row.OrderID,
		UserID:            row.UserID,
		Amount:            row.Amount,
		Currency:          row.Currency,
		Method:            models.PaymentMethod(row.Method),
		Status:            models.PaymentStatus(row.Status),
		GatewayRef:        row.GatewayRef.String,
		SessionID:         row.SessionID,
		ClientHandle:      row.ClientHandle,
		GatewayResponse:   row.GatewayResponse,
		FailureReason:     row.FailureReason,
		RefundedAmount:    row.RefundedAmount,
		RefundRequestedAt: timePtr(row.RefundRequestedAt),
		Version:           row.Version,
		CreatedAt:         row.CreatedAt,
		ProcessedAt:       timePtr(row.ProcessedAt),
		UpdatedAt:         row.UpdatedAt,
	})
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed records an event id; the primary key makes the insert the atomic gate.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeProcessedEvents deletes idempotency records older than the cutoff
func (s *Store) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM processed_events WHERE processed_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) checkVersioned(ctx context.Context, res sql.Result, table string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id); err != nil {
		return err
	}
	if !exists {
		return models.NotFoundError("store.update", "%s %d", table, id)
	}
	return models.ErrConcurrentUpdate
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
