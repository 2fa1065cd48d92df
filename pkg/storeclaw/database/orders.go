package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/directive"
)

// Order is a stored order.
type Order struct {
	ID           string  `json:"id"`
	Number       string  `json:"order_number"`
	TenantID     string  `json:"tenant_id"`
	ProductID    string  `json:"product_id"`
	ProductName  string  `json:"product_name"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
	Total        float64 `json:"total"`
	CustomerName string  `json:"customer_name"`
	Phone        string  `json:"phone"`
	Address      string  `json:"address"`
	Size         string  `json:"size,omitempty"`
	Color        string  `json:"color,omitempty"`
	Status       string  `json:"status"`
}

// NewOrderNumber returns "ORD-" and eight upper-case hex digits.
func NewOrderNumber() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(id[:8])
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OrderStore persists orders and stock changes.
type OrderStore struct {
	db *DB
}

// NewOrderStore creates an OrderStore.
func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{db: db}
}

// PlaceOrder creates the order and decrements stock in one transaction.
// It returns directive.ErrInsufficientStock when stock is short and
// directive.ErrProductNotFound for an unknown product.
func (s *OrderStore) PlaceOrder(ctx context.Context, tenantID string, fields directive.OrderFields, productID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin order transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		name  string
		price float64
		stock int
	)
	err = tx.QueryRowContext(ctx, s.db.Rebind(`
		SELECT name, price, stock FROM products WHERE tenant_id = ? AND id = ?`+s.db.forUpdate()),
		tenantID, productID).Scan(&name, &price, &stock)
	if errors.Is(err, sql.ErrNoRows) {
		return "", directive.ErrProductNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load product: %w", err)
	}
	if stock < fields.Quantity {
		return "", fmt.Errorf("%w: %s has %d, %d requested", directive.ErrInsufficientStock, name, stock, fields.Quantity)
	}

	if err := s.decrementStock(ctx, tx, tenantID, productID, fields.Quantity); err != nil {
		return "", err
	}

	order := &Order{
		TenantID:     tenantID,
		ProductID:    productID,
		ProductName:  name,
		Quantity:     fields.Quantity,
		UnitPrice:    price,
		Total:        price * float64(fields.Quantity),
		CustomerName: fields.CustomerName,
		Phone:        fields.Phone,
		Address:      fields.Address,
		Size:         fields.Size,
		Color:        fields.Color,
	}
	if err := s.createOrder(ctx, tx, order); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit order: %w", err)
	}
	return order.Number, nil
}

// CreateOrder inserts an order without touching stock.
func (s *OrderStore) CreateOrder(ctx context.Context, order *Order) (string, error) {
	if err := s.createOrder(ctx, s.db, order); err != nil {
		return "", err
	}
	return order.Number, nil
}

// DecrementStock lowers a product's stock, refusing to go below zero.
func (s *OrderStore) DecrementStock(ctx context.Context, tenantID, productID string, qty int) error {
	return s.decrementStock(ctx, s.db, tenantID, productID, qty)
}

func (s *OrderStore) decrementStock(ctx context.Context, ex execer, tenantID, productID string, qty int) error {
	res, err := ex.ExecContext(ctx, s.db.Rebind(`
		UPDATE products SET stock = stock - ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND stock >= ?`),
		qty, toMillis(timeNow()), tenantID, productID, qty)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return directive.ErrInsufficientStock
	}
	return nil
}

func (s *OrderStore) createOrder(ctx context.Context, ex execer, o *Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Number == "" {
		o.Number = NewOrderNumber()
	}
	if o.Status == "" {
		o.Status = "new"
	}
	_, err := ex.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO orders (id, order_number, tenant_id, product_id, product_name, quantity, unit_price, total,
			customer_name, phone, address, size, color, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.Number, o.TenantID, o.ProductID, o.ProductName, o.Quantity, o.UnitPrice, o.Total,
		o.CustomerName, o.Phone, o.Address, o.Size, o.Color, o.Status, toMillis(timeNow()))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Order returns an order by number.
func (s *OrderStore) Order(ctx context.Context, tenantID, number string) (*Order, error) {
	var o Order
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, order_number, tenant_id, product_id, product_name, quantity, unit_price, total,
			customer_name, phone, address, size, color, status
		FROM orders WHERE tenant_id = ? AND order_number = ?`), tenantID, number).
		Scan(&o.ID, &o.Number, &o.TenantID, &o.ProductID, &o.ProductName, &o.Quantity, &o.UnitPrice, &o.Total,
			&o.CustomerName, &o.Phone, &o.Address, &o.Size, &o.Color, &o.Status)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
