package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Sdiabate1337/Djula-ai/internal/domain"
)

// CreateVendor registers a new vendor with a generated id in inactive state.
func (s *Store) CreateVendor(ctx context.Context, login, name, phoneNumber string) (domain.Vendor, error) {
	id, err := newID("v")
	if err != nil {
		return domain.Vendor{}, err
	}
	v := domain.Vendor{
		ID:          id,
		Login:       login,
		Name:        name,
		PhoneNumber: phoneNumber,
		Status:      domain.VendorStatusInactive,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO vendors(id, login, name, phone_number, status, created_at, last_connection)
VALUES(?, ?, ?, ?, ?, ?, NULL)`,
		v.ID, v.Login, v.Name, v.PhoneNumber, v.Status, v.CreatedAt)
	if err != nil {
		return domain.Vendor{}, err
	}
	return v, nil
}

// GetVendor loads a vendor by id, returning [domain.ErrVendorNotFound] when
// no such vendor exists.
func (s *Store) GetVendor(ctx context.Context, id string) (domain.Vendor, error) {
	var v domain.Vendor
	var lastConn sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT id, login, name, phone_number, status, created_at, last_connection
FROM vendors
WHERE id = ?`, id).Scan(&v.ID, &v.Login, &v.Name, &v.PhoneNumber, &v.Status, &v.CreatedAt, &lastConn)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Vendor{}, domain.ErrVendorNotFound
	}
	if err != nil {
		return domain.Vendor{}, err
	}
	if lastConn.Valid {
		t := lastConn.Time
		v.LastConnection = &t
	}
	return v, nil
}

// UpdateVendorStatus sets the vendor's status and stamps last_connection.
func (s *Store) UpdateVendorStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE vendors
SET status = ?, last_connection = ?
WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrVendorNotFound
	}
	return nil
}

// ListVendors returns all registered vendors ordered by creation time.
func (s *Store) ListVendors(ctx context.Context) ([]domain.Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, login, name, phone_number, status, created_at, last_connection
FROM vendors
ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Vendor
	for rows.Next() {
		var v domain.Vendor
		var lastConn sql.NullTime
		if err := rows.Scan(&v.ID, &v.Login, &v.Name, &v.PhoneNumber, &v.Status, &v.CreatedAt, &lastConn); err != nil {
			return nil, err
		}
		if lastConn.Valid {
			t := lastConn.Time
			v.LastConnection = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
