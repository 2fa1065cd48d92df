package database

import (
	"context"
	"fmt"
)

// CartItem is one product line in a conversation's cart.
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CartStore keeps carts per conversation.
type CartStore struct {
	db *DB
}

// NewCartStore creates a CartStore.
func NewCartStore(db *DB) *CartStore {
	return &CartStore{db: db}
}

// AddCartItem adds qty of a product, summing with an existing line.
func (s *CartStore) AddCartItem(ctx context.Context, tenantID, conversationID, productID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("invalid quantity %d", qty)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO cart_items (tenant_id, conversation_id, product_id, quantity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, conversation_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + excluded.quantity, updated_at = excluded.updated_at`),
		tenantID, conversationID, productID, qty, toMillis(timeNow()))
	if err != nil {
		return fmt.Errorf("add cart item: %w", err)
	}
	return nil
}

// Items returns a conversation's cart.
func (s *CartStore) Items(ctx context.Context, tenantID, conversationID string) ([]CartItem, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT product_id, quantity FROM cart_items
		WHERE tenant_id = ? AND conversation_id = ? ORDER BY product_id`), tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	var out []CartItem
	for rows.Next() {
		var it CartItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
