package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vendora/settlement/internal/domain/order"
)

var _ order.Inventory = (*InventoryStore)(nil)

// InventoryStore implements order.Inventory backed by PostgreSQL.
type InventoryStore struct {
	pool *pgxpool.Pool
}

// NewInventoryStore returns an InventoryStore that uses the given pool.
func NewInventoryStore(pool *pgxpool.Pool) *InventoryStore {
	return &InventoryStore{pool: pool}
}

// Restock increments the product's stock by quantity. The increment happens
// in the database, so concurrent restocks never lose updates.
func (s *InventoryStore) Restock(ctx context.Context, productID string, quantity int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET stock = stock + $2 WHERE id = $1`,
		productID, quantity,
	)
	if err != nil {
		return errors.Wrapf(err, "restock product %q", productID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("product %q not found", productID)
	}
	return nil
}
