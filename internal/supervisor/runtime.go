package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sdiabate1337/Djula-ai/internal/domain"
	"github.com/Sdiabate1337/Djula-ai/internal/msgproto"
	"github.com/Sdiabate1337/Djula-ai/internal/transport"
)

// runtime is the supervisor's per-vendor state machine. All mutable fields
// are guarded by mu; the lock is vendor-scoped so vendors never contend
// with each other. gen identifies the current supervision epoch: bumping
// it (initialize, restart, logout) turns every in-flight connect, event
// loop, and pending retry timer of the previous epoch into a no-op.
type runtime struct {
	vendorID string

	mu          sync.Mutex
	gen         uint64
	state       string
	isConnected bool
	pendingQR   string
	lastError   *domain.ErrorInfo
	retryCount  int
	selfJID     string
	startedAt   time.Time
	updatedAt   time.Time

	conn       transport.Conn
	retryTimer *time.Timer

	handlers map[string]Handler
}

func newRuntime(vendorID string) *runtime {
	return &runtime{
		vendorID: vendorID,
		state:    domain.ConnStateUninitialized,
		handlers: make(map[string]Handler),
	}
}

// supersedeLocked ends the current epoch: it bumps gen and cancels any
// pending reconnect timer so no stale attempt can produce a second live
// connection. Callers must hold rt.mu and are responsible for closing
// rt.conn outside the lock.
func (rt *runtime) supersedeLocked() uint64 {
	rt.gen++
	if rt.retryTimer != nil {
		rt.retryTimer.Stop()
		rt.retryTimer = nil
	}
	return rt.gen
}

func (rt *runtime) snapshotLocked() domain.ConnectionState {
	st := domain.ConnectionState{
		State:       rt.state,
		IsConnected: rt.isConnected,
		PendingQR:   rt.pendingQR,
		RetryCount:  rt.retryCount,
		SelfJID:     rt.selfJID,
		StartedAt:   rt.startedAt,
		UpdatedAt:   rt.updatedAt,
	}
	if rt.lastError != nil {
		e := *rt.lastError
		st.LastError = &e
	}
	return st
}

// connect performs one dial attempt for the given epoch and, on success,
// hands the connection to the event loop.
func (s *Supervisor) connect(rt *runtime, sess domain.Session, gen uint64) {
	material, err := s.creds.Load(rt.vendorID)
	if err != nil {
		s.log.Error("failed to load credentials", "vendor_id", rt.vendorID, "err", err)
		s.connectFailed(rt, sess, gen, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	conn, err := s.dialer.Dial(ctx, sess.DeviceID, material)
	cancel()

	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		rt.mu.Unlock()
		s.log.Warn("connect attempt failed", "vendor_id", rt.vendorID, "err", err)
		s.connectFailed(rt, sess, gen, err)
		return
	}
	rt.conn = conn
	rt.updatedAt = time.Now().UTC()
	rt.mu.Unlock()

	go s.eventLoop(rt, sess, conn, gen)
}

// connectFailed applies the retry policy after a failed dial: schedule the
// next attempt after the fixed interval, or terminate once the budget is
// exhausted.
func (s *Supervisor) connectFailed(rt *runtime, sess domain.Session, gen uint64, err error) {
	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	rt.retryCount++
	rt.updatedAt = time.Now().UTC()
	rt.lastError = &domain.ErrorInfo{Kind: domain.ErrorKindTransient, Message: err.Error()}
	if rt.retryCount >= s.opts.MaxRetries {
		s.terminateLocked(rt, &domain.ErrorInfo{
			Kind:    domain.ErrorKindTerminal,
			Message: domain.ErrMaxRetriesExceeded.Error(),
		})
		rt.mu.Unlock()
		s.afterTerminate(rt.vendorID, "max connect retries exhausted")
		return
	}
	rt.state = domain.ConnStateConnecting
	s.scheduleReconnectLocked(rt, sess, gen)
	rt.mu.Unlock()
}

// eventLoop is the single consumer of one connection's event stream, so
// state transitions for the vendor are totally ordered.
func (s *Supervisor) eventLoop(rt *runtime, sess domain.Session, conn transport.Conn, gen uint64) {
	for ev := range conn.Events() {
		switch ev.Kind {
		case transport.EventOpened:
			rt.mu.Lock()
			if rt.gen != gen {
				rt.mu.Unlock()
				return
			}
			rt.state = domain.ConnStateConnected
			rt.isConnected = true
			rt.pendingQR = ""
			rt.retryCount = 0
			rt.lastError = nil
			rt.selfJID = conn.SelfJID()
			rt.updatedAt = time.Now().UTC()
			rt.mu.Unlock()

			s.setStatus(rt.vendorID, domain.VendorStatusActive)
			s.log.Info("vendor connected", "vendor_id", rt.vendorID, "self_jid", conn.SelfJID())

		case transport.EventChallenge:
			rt.mu.Lock()
			if rt.gen != gen {
				rt.mu.Unlock()
				return
			}
			if !rt.isConnected {
				rt.state = domain.ConnStateAwaitingQR
				rt.pendingQR = ev.QR
				rt.updatedAt = time.Now().UTC()
			}
			rt.mu.Unlock()
			s.log.Info("pairing challenge issued", "vendor_id", rt.vendorID)

		case transport.EventCredentials:
			if err := s.creds.Save(rt.vendorID, ev.Material); err != nil {
				s.log.Error("failed to save credentials", "vendor_id", rt.vendorID, "err", err)
			}

		case transport.EventMessages:
			s.dispatch(rt, gen, ev.Messages)

		case transport.EventClosed:
			s.handleClose(rt, sess, gen, ev.Code)
			return
		}
	}
	// Stream ended without a close event: the conn was torn down locally
	// and a newer epoch owns the vendor now.
}

// handleClose classifies a disconnect and either schedules a reconnect or
// terminates the vendor.
func (s *Supervisor) handleClose(rt *runtime, sess domain.Session, gen uint64, code int) {
	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	rt.isConnected = false
	rt.conn = nil
	rt.updatedAt = time.Now().UTC()

	if msgproto.IsTerminal(code) {
		s.terminateLocked(rt, &domain.ErrorInfo{
			Kind:    domain.ErrorKindTerminal,
			Code:    code,
			Message: domain.ErrLoggedOut.Error(),
		})
		rt.mu.Unlock()
		s.afterTerminate(rt.vendorID, "logged out by network")
		return
	}

	rt.retryCount++
	rt.lastError = &domain.ErrorInfo{
		Kind:    domain.ErrorKindTransient,
		Code:    code,
		Message: fmt.Sprintf("connection closed (code %d)", code),
	}
	if rt.retryCount >= s.opts.MaxRetries {
		s.terminateLocked(rt, &domain.ErrorInfo{
			Kind:    domain.ErrorKindTerminal,
			Code:    code,
			Message: domain.ErrMaxRetriesExceeded.Error(),
		})
		rt.mu.Unlock()
		s.afterTerminate(rt.vendorID, "max reconnect retries exhausted")
		return
	}

	rt.state = domain.ConnStateDisconnected
	retry := rt.retryCount
	s.scheduleReconnectLocked(rt, sess, gen)
	rt.mu.Unlock()

	s.setStatus(rt.vendorID, domain.VendorStatusInactive)
	s.log.Warn("vendor disconnected, reconnect scheduled",
		"vendor_id", rt.vendorID, "code", code, "retry", retry, "retry_in", s.opts.RetryInterval.String())
}

// terminateLocked moves the vendor to the terminal state. Credentials are
// cleared by afterTerminate once the lock is released: repeated failures
// are assumed to mean stale or corrupt material, and a fresh pairing is
// required either way.
func (s *Supervisor) terminateLocked(rt *runtime, info *domain.ErrorInfo) {
	rt.state = domain.ConnStateTerminated
	rt.pendingQR = ""
	rt.lastError = info
	rt.supersedeLocked()
}

func (s *Supervisor) afterTerminate(vendorID, reason string) {
	if err := s.creds.Clear(vendorID); err != nil {
		s.log.Error("failed to clear credentials", "vendor_id", vendorID, "err", err)
	}
	s.setStatus(vendorID, domain.VendorStatusInactive)
	s.log.Error("vendor connection terminated", "vendor_id", vendorID, "reason", reason)
}

// scheduleReconnectLocked arms the vendor's cancelable retry timer.
// Callers must hold rt.mu. The timer fire re-checks the epoch, so a
// superseding restart or logout cannot produce a duplicate connection
// even when it loses the race with an already-fired timer.
func (s *Supervisor) scheduleReconnectLocked(rt *runtime, sess domain.Session, gen uint64) {
	rt.retryTimer = time.AfterFunc(s.opts.RetryInterval, func() {
		rt.mu.Lock()
		if rt.gen != gen {
			rt.mu.Unlock()
			return
		}
		rt.retryTimer = nil
		rt.state = domain.ConnStateConnecting
		rt.updatedAt = time.Now().UTC()
		rt.mu.Unlock()
		s.connect(rt, sess, gen)
	})
}

func (s *Supervisor) setStatus(vendorID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.reg.SetStatus(ctx, vendorID, status); err != nil {
		s.log.Error("failed to update vendor status", "vendor_id", vendorID, "status", status, "err", err)
	}
}
