package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Sdiabate1337/Djula-ai/internal/domain"
)

// CreateSession inserts the vendor's session record. One session exists per
// vendor; a second insert for the same vendor fails on the primary key.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(vendor_id, device_id, auth_dir, started_at, is_active)
VALUES(?, ?, ?, ?, ?)`,
		sess.VendorID, sess.DeviceID, sess.AuthDir, sess.StartedAt, boolToInt(sess.IsActive))
	return err
}

// GetSession loads the vendor's session, returning
// [domain.ErrSessionNotFound] when none has been created yet.
func (s *Store) GetSession(ctx context.Context, vendorID string) (domain.Session, error) {
	var sess domain.Session
	var active int
	err := s.db.QueryRowContext(ctx, `
SELECT vendor_id, device_id, auth_dir, started_at, is_active
FROM sessions
WHERE vendor_id = ?`, vendorID).Scan(&sess.VendorID, &sess.DeviceID, &sess.AuthDir, &sess.StartedAt, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	sess.IsActive = active != 0
	return sess, nil
}

// SetSessionActive flips the session's active flag.
func (s *Store) SetSessionActive(ctx context.Context, vendorID string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET is_active = ?
WHERE vendor_id = ?`, boolToInt(active), vendorID)
	return err
}
