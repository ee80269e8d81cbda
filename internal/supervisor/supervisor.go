// Package supervisor owns the per-vendor connection lifecycle: it resolves
// sessions, opens transport connections, classifies disconnects, schedules
// bounded reconnection attempts, and fans inbound messages out to
// registered handlers. Each vendor is supervised independently; operations
// for different vendors never block one another.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sdiabate1337/Djula-ai/internal/credstore"
	"github.com/Sdiabate1337/Djula-ai/internal/domain"
	"github.com/Sdiabate1337/Djula-ai/internal/phone"
	"github.com/Sdiabate1337/Djula-ai/internal/registry"
	"github.com/Sdiabate1337/Djula-ai/internal/transport"
)

// Handler consumes inbound messages for a vendor. Handlers run on the
// vendor's event loop; a slow handler delays that vendor only.
type Handler func(ctx context.Context, msg domain.Message) error

// Options tunes the retry policy.
type Options struct {
	// RetryInterval is the fixed delay before a reconnection attempt.
	RetryInterval time.Duration
	// MaxRetries bounds consecutive failed attempts before the vendor is
	// terminated and its credentials cleared.
	MaxRetries int
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
}

const defaultRetryInterval = 5 * time.Second
const defaultMaxRetries = 5
const defaultConnectTimeout = 30 * time.Second

// Supervisor multiplexes independent vendor connections over one dialer.
type Supervisor struct {
	reg    *registry.Registry
	creds  *credstore.Store
	dialer transport.Dialer
	log    *slog.Logger
	opts   Options

	mu      sync.RWMutex
	vendors map[string]*runtime
}

// New creates a Supervisor. Zero option fields fall back to defaults.
func New(reg *registry.Registry, creds *credstore.Store, dialer transport.Dialer, logger *slog.Logger, opts Options) *Supervisor {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &Supervisor{
		reg:     reg,
		creds:   creds,
		dialer:  dialer,
		log:     logger,
		opts:    opts,
		vendors: make(map[string]*runtime),
	}
}

// Initialize starts (or restarts) supervision of the vendor's connection.
// It returns [domain.ErrVendorNotFound] for unregistered vendors. The
// connect itself proceeds asynchronously; observe progress via [State]
// or [WaitConnected].
func (s *Supervisor) Initialize(ctx context.Context, vendorID string) error {
	if _, err := s.reg.Vendor(ctx, vendorID); err != nil {
		return &domain.VendorError{VendorID: vendorID, Op: "initialize", Err: err}
	}
	sess, err := s.reg.EnsureSession(ctx, vendorID)
	if err != nil {
		return &domain.VendorError{VendorID: vendorID, Op: "initialize", Err: err}
	}

	rt := s.ensureRuntime(vendorID)

	rt.mu.Lock()
	gen := rt.supersedeLocked()
	rt.retryCount = 0
	rt.lastError = nil
	rt.pendingQR = ""
	rt.isConnected = false
	rt.state = domain.ConnStateConnecting
	rt.startedAt = time.Now().UTC()
	rt.updatedAt = rt.startedAt
	oldConn := rt.conn
	rt.conn = nil
	rt.mu.Unlock()

	if oldConn != nil {
		_ = oldConn.Close()
	}

	s.log.Info("initializing vendor connection", "vendor_id", vendorID, "device_id", sess.DeviceID)
	go s.connect(rt, sess, gen)
	return nil
}

// Send delivers a text message for a connected vendor. The destination is
// normalized first; malformed destinations fail fast with
// [domain.ErrInvalidPhoneNumber] and no transport call. A transport-level
// rejection is routine: it is logged and reported as (false, nil) so
// callers decide whether to retry. True means the message left the
// process boundary.
func (s *Supervisor) Send(ctx context.Context, vendorID, to, text string) (bool, error) {
	rt := s.runtime(vendorID)
	if rt == nil {
		return false, &domain.VendorError{VendorID: vendorID, Op: "send", Err: domain.ErrVendorNotFound}
	}

	jid, err := phone.Format(to)
	if err != nil {
		return false, err
	}

	rt.mu.Lock()
	conn := rt.conn
	connected := rt.isConnected
	rt.mu.Unlock()

	if !connected || conn == nil {
		return false, &domain.VendorError{VendorID: vendorID, Op: "send", Err: domain.ErrNotConnected}
	}

	if err := conn.Send(ctx, jid, text); err != nil {
		s.log.Error("send failed", "vendor_id", vendorID, "to", jid, "err", err)
		return false, nil
	}
	s.log.Debug("message sent", "vendor_id", vendorID, "to", jid)
	return true, nil
}

// RegisterHandler registers a named message handler for the vendor.
// Registration is idempotent per name: registering the same name again
// replaces the handler, and each inbound message is delivered exactly once
// per registered name. The vendor must be initialized first.
func (s *Supervisor) RegisterHandler(vendorID, name string, h Handler) error {
	rt := s.runtime(vendorID)
	if rt == nil {
		return &domain.VendorError{VendorID: vendorID, Op: "register handler", Err: domain.ErrVendorNotFound}
	}
	rt.mu.Lock()
	rt.handlers[name] = h
	rt.mu.Unlock()
	return nil
}

// UnregisterHandler removes a named handler. Removing a name that was
// never registered, or unregistering on an unknown vendor, is a no-op.
func (s *Supervisor) UnregisterHandler(vendorID, name string) {
	rt := s.runtime(vendorID)
	if rt == nil {
		return
	}
	rt.mu.Lock()
	delete(rt.handlers, name)
	rt.mu.Unlock()
}

// State returns a snapshot of the vendor's connection state. The second
// return is false when the vendor is not under supervision (never
// initialized, or torn down by logout).
func (s *Supervisor) State(vendorID string) (domain.ConnectionState, bool) {
	rt := s.runtime(vendorID)
	if rt == nil {
		return domain.ConnectionState{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.snapshotLocked(), true
}

// Restart forces a clean re-pair: it cancels any pending reconnect, drops
// the live connection, clears credentials, resets the retry budget, and
// dials fresh. Used for unrecoverable application-level errors.
func (s *Supervisor) Restart(ctx context.Context, vendorID string) error {
	rt := s.runtime(vendorID)
	if rt == nil {
		return &domain.VendorError{VendorID: vendorID, Op: "restart", Err: domain.ErrVendorNotFound}
	}

	rt.mu.Lock()
	gen := rt.supersedeLocked()
	rt.retryCount = 0
	rt.lastError = nil
	rt.pendingQR = ""
	rt.isConnected = false
	rt.state = domain.ConnStateConnecting
	rt.startedAt = time.Now().UTC()
	rt.updatedAt = rt.startedAt
	oldConn := rt.conn
	rt.conn = nil
	rt.mu.Unlock()

	if oldConn != nil {
		_ = oldConn.Close()
	}
	if err := s.creds.Clear(vendorID); err != nil {
		s.log.Error("failed to clear credentials on restart", "vendor_id", vendorID, "err", err)
	}

	sess, err := s.reg.EnsureSession(ctx, vendorID)
	if err != nil {
		return &domain.VendorError{VendorID: vendorID, Op: "restart", Err: err}
	}
	s.log.Warn("restarting vendor connection", "vendor_id", vendorID)
	go s.connect(rt, sess, gen)
	return nil
}

// Logout is the explicit terminal teardown: it revokes the device session,
// clears credentials, and removes the vendor from supervision. Calling it
// again for the same vendor is a safe no-op.
func (s *Supervisor) Logout(ctx context.Context, vendorID string) error {
	s.mu.Lock()
	rt := s.vendors[vendorID]
	delete(s.vendors, vendorID)
	s.mu.Unlock()
	if rt == nil {
		return nil
	}

	rt.mu.Lock()
	rt.supersedeLocked()
	conn := rt.conn
	rt.conn = nil
	rt.isConnected = false
	rt.pendingQR = ""
	rt.state = domain.ConnStateDisconnected
	rt.updatedAt = time.Now().UTC()
	rt.mu.Unlock()

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			s.log.Warn("transport logout failed", "vendor_id", vendorID, "err", err)
		}
		_ = conn.Close()
	}
	if err := s.creds.Clear(vendorID); err != nil {
		s.log.Error("failed to clear credentials on logout", "vendor_id", vendorID, "err", err)
	}
	if err := s.reg.SetStatus(ctx, vendorID, domain.VendorStatusInactive); err != nil {
		s.log.Error("failed to mark vendor inactive", "vendor_id", vendorID, "err", err)
	}
	s.log.Info("vendor logged out", "vendor_id", vendorID)
	return nil
}

// DisconnectAll logs out every supervised vendor, best effort: individual
// failures are logged and do not stop the sweep.
func (s *Supervisor) DisconnectAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.vendors))
	for id := range s.vendors {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Logout(ctx, id); err != nil {
			s.log.Error("logout failed during disconnect all", "vendor_id", id, "err", err)
		}
	}
}

// WaitConnected polls until the vendor's connection is open or the context
// expires. It is the bounded synchronous companion to the asynchronous
// [Initialize].
func (s *Supervisor) WaitConnected(ctx context.Context, vendorID string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if st, ok := s.State(vendorID); ok && st.IsConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) ensureRuntime(vendorID string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.vendors[vendorID]
	if !ok {
		rt = newRuntime(vendorID)
		s.vendors[vendorID] = rt
	}
	return rt
}

func (s *Supervisor) runtime(vendorID string) *runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vendors[vendorID]
}
