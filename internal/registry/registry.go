// Package registry manages vendor identity and session metadata on top of
// the sqlite store. It owns session provisioning: each vendor gets a
// generated device id and an isolated credential directory, created lazily
// on the first connection attempt and reused for every reconnect.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sdiabate1337/Djula-ai/internal/domain"
	"github.com/Sdiabate1337/Djula-ai/internal/store/sqlite"
)

// Registry provides vendor and session lookups for the supervisor.
type Registry struct {
	store    *sqlite.Store
	authBase string
	log      *slog.Logger
}

// New creates a Registry backed by the given store. Credential directories
// for new sessions are provisioned under authBase.
func New(store *sqlite.Store, authBase string, logger *slog.Logger) *Registry {
	return &Registry{store: store, authBase: authBase, log: logger}
}

// Register creates a new vendor in inactive state.
func (r *Registry) Register(ctx context.Context, login, name, phoneNumber string) (domain.Vendor, error) {
	login = strings.TrimSpace(login)
	name = strings.TrimSpace(name)
	if login == "" || name == "" {
		return domain.Vendor{}, errors.New("login and name are required")
	}
	v, err := r.store.CreateVendor(ctx, login, name, strings.TrimSpace(phoneNumber))
	if err != nil {
		return domain.Vendor{}, fmt.Errorf("register vendor: %w", err)
	}
	r.log.Info("vendor registered", "vendor_id", v.ID, "login", v.Login)
	return v, nil
}

// Vendor loads a vendor by id.
func (r *Registry) Vendor(ctx context.Context, vendorID string) (domain.Vendor, error) {
	return r.store.GetVendor(ctx, vendorID)
}

// Vendors lists all registered vendors.
func (r *Registry) Vendors(ctx context.Context) ([]domain.Vendor, error) {
	return r.store.ListVendors(ctx)
}

// EnsureSession returns the vendor's session, creating it on first use.
// The credential directory is a stable function of the vendor id.
func (r *Registry) EnsureSession(ctx context.Context, vendorID string) (domain.Session, error) {
	sess, err := r.store.GetSession(ctx, vendorID)
	if err == nil {
		if !sess.IsActive {
			if err := r.store.SetSessionActive(ctx, vendorID, true); err != nil {
				return domain.Session{}, err
			}
			sess.IsActive = true
		}
		return sess, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return domain.Session{}, err
	}

	if _, err := r.store.GetVendor(ctx, vendorID); err != nil {
		return domain.Session{}, err
	}

	sess = domain.Session{
		VendorID:  vendorID,
		DeviceID:  uuid.NewString(),
		AuthDir:   filepath.Join(r.authBase, vendorID),
		StartedAt: time.Now().UTC(),
		IsActive:  true,
	}
	if err := os.MkdirAll(sess.AuthDir, 0o700); err != nil {
		return domain.Session{}, fmt.Errorf("provision auth dir: %w", err)
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	r.log.Info("session created", "vendor_id", vendorID, "device_id", sess.DeviceID)
	return sess, nil
}

// SetStatus records the vendor's connection status and, on disconnect,
// marks the session inactive.
func (r *Registry) SetStatus(ctx context.Context, vendorID, status string) error {
	if err := r.store.UpdateVendorStatus(ctx, vendorID, status); err != nil {
		return err
	}
	if status == domain.VendorStatusInactive {
		if err := r.store.SetSessionActive(ctx, vendorID, false); err != nil {
			return err
		}
	}
	return nil
}
