package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/migrations"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// OrderStore persists orders. UpdateOrder never rewrites items: the price snapshot is immutable.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64, limit int) ([]models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
}

// PaymentStore persists payment attempts. CreatePayment fails with a conflict
// when the order already has a non-terminal payment.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	GetPaymentByGatewayRef(ctx context.Context, gatewayRef string) (*models.Payment, error)
	GetLatestPaymentByOrder(ctx context.Context, orderID int64) (*models.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID int64) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}

// InventoryStore applies ledger mutations atomically per product and keeps the movement log.
type InventoryStore interface {
	ApplyMovement(ctx context.Context, req models.MovementRequest) (*models.Inventory, *models.InventoryMovement, error)
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	UpsertInventory(ctx context.Context, inv *models.Inventory) error
	// ListMovements pages through the movement log, newest first. The log is append-only.
	ListMovements(ctx context.Context, productID int64, offset, limit int) ([]models.InventoryMovement, error)
}

// ProcessedEventStore is the idempotency ledger for gateway events.
// MarkEventProcessed returns false when the event id was already recorded.
type ProcessedEventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error)
}

// ProductStore reads catalog rows
type ProductStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

// Store is the PostgreSQL implementation of every store interface
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT id, sku, name, price, currency, active, created_at FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("store.GetProductByID", "product %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT id, sku, name, price, currency, active, created_at FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// CreateProduct inserts a catalog row, used for seeding
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	query := `
		INSERT INTO products (sku, name, price, currency, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.QueryRowxContext(ctx, query,
		product.SKU, product.Name, product.Price, product.Currency, product.Active).
		Scan(&product.ID, &product.CreatedAt)
	if isUniqueViolation(err) {
		return models.ConflictError("store.CreateProduct", "sku %s already exists", product.SKU)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
