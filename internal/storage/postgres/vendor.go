package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vendora/settlement/internal/domain/order"
)

// ErrVendorNotFound is returned when a vendor id has no directory entry.
var ErrVendorNotFound = errors.New("vendor not found")

var _ order.VendorDirectory = (*VendorStore)(nil)

// VendorStore implements order.VendorDirectory backed by PostgreSQL.
type VendorStore struct {
	pool *pgxpool.Pool
}

// NewVendorStore returns a VendorStore that uses the given pool.
func NewVendorStore(pool *pgxpool.Pool) *VendorStore {
	return &VendorStore{pool: pool}
}

// GetVendor looks up a vendor's contact details.
func (s *VendorStore) GetVendor(ctx context.Context, vendorID string) (*order.Vendor, error) {
	var v order.Vendor
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, phone, chat_id, locale FROM vendors WHERE id = $1`,
		vendorID,
	).Scan(&v.ID, &v.Name, &v.Email, &v.Phone, &v.ChatID, &v.Locale)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrVendorNotFound, "%s", vendorID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get vendor %q", vendorID)
	}
	return &v, nil
}
