package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sdiabate1337/Djula-ai/internal/credstore"
	"github.com/Sdiabate1337/Djula-ai/internal/domain"
	"github.com/Sdiabate1337/Djula-ai/internal/log"
	"github.com/Sdiabate1337/Djula-ai/internal/registry"
	"github.com/Sdiabate1337/Djula-ai/internal/store/sqlite"
	"github.com/Sdiabate1337/Djula-ai/internal/transport"
)

const testSelfJID = "221770000001@s.whatsapp.net"

type fakeSend struct {
	to   string
	text string
}

// fakeConn is a scriptable transport connection: tests push events into it
// and inspect what the supervisor sent.
type fakeConn struct {
	events chan transport.Event
	self   string

	mu        sync.Mutex
	sends     []fakeSend
	sendErr   error
	sendGate  chan struct{}
	loggedOut bool

	closeOnce sync.Once
}

func newFakeConn(self string) *fakeConn {
	return &fakeConn{
		events: make(chan transport.Event, 16),
		self:   self,
	}
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }

func (c *fakeConn) SelfJID() string { return c.self }

func (c *fakeConn) Send(ctx context.Context, toJID, text string) error {
	c.mu.Lock()
	gate := c.sendGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sends = append(c.sends, fakeSend{to: toJID, text: text})
	return nil
}

func (c *fakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return c.Close()
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) push(ev transport.Event) { c.events <- ev }

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func (c *fakeConn) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// fakeDialer hands out a fresh fakeConn per dial and records every one.
type fakeDialer struct {
	mu      sync.Mutex
	self    string
	dialErr error
	issued  []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, deviceID string, material []byte) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeConn(d.self)
	d.issued = append(d.issued, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.issued)
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return d.dials() > i }, "timed out waiting for dial")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.issued[i]
}

type testEnv struct {
	sup      *Supervisor
	reg      *registry.Registry
	creds    *credstore.Store
	dialer   *fakeDialer
	vendorID string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "djula.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store, filepath.Join(dir, "vendors_auth"), log.Nop())
	creds, err := credstore.New(filepath.Join(dir, "creds"), "test-pepper")
	if err != nil {
		t.Fatal(err)
	}
	dialer := &fakeDialer{self: testSelfJID}

	if opts.RetryInterval == 0 {
		opts.RetryInterval = 20 * time.Millisecond
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	sup := New(reg, creds, dialer, log.Nop(), opts)

	v, err := reg.Register(context.Background(), "mariama", "Boutique Mariama", "+221771234567")
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{sup: sup, reg: reg, creds: creds, dialer: dialer, vendorID: v.ID}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (e *testEnv) state(t *testing.T) domain.ConnectionState {
	t.Helper()
	st, ok := e.sup.State(e.vendorID)
	if !ok {
		t.Fatal("vendor not under supervision")
	}
	return st
}

func (e *testEnv) connectVendor(t *testing.T) *fakeConn {
	t.Helper()
	if err := e.sup.Initialize(context.Background(), e.vendorID); err != nil {
		t.Fatal(err)
	}
	conn := e.dialer.conn(t, 0)
	conn.push(transport.Event{Kind: transport.EventOpened})
	waitFor(t, 2*time.Second, func() bool { return e.state(t).IsConnected }, "vendor never connected")
	return conn
}

func TestInitializeUnknownVendor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	err := env.sup.Initialize(context.Background(), "v_missing")
	if !errors.Is(err, domain.ErrVendorNotFound) {
		t.Fatalf("expected ErrVendorNotFound, got %v", err)
	}
	if env.dialer.dials() != 0 {
		t.Fatal("unexpected dial for unknown vendor")
	}
}

func TestConnectLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()
	if err := env.sup.Initialize(ctx, env.vendorID); err != nil {
		t.Fatal(err)
	}

	conn := env.dialer.conn(t, 0)
	conn.push(transport.Event{Kind: transport.EventChallenge, QR: "QR123"})
	waitFor(t, 2*time.Second, func() bool { return env.state(t).PendingQR == "QR123" }, "challenge never surfaced")
	if st := env.state(t); st.State != domain.ConnStateAwaitingQR || st.IsConnected {
		t.Fatalf("unexpected state while pairing: %+v", st)
	}

	conn.push(transport.Event{Kind: transport.EventOpened})
	waitFor(t, 2*time.Second, func() bool { return env.state(t).IsConnected }, "vendor never connected")

	st := env.state(t)
	if st.PendingQR != "" {
		t.Fatalf("pending challenge must clear on connect, got %q", st.PendingQR)
	}
	if st.RetryCount != 0 {
		t.Fatalf("retry count must be 0 after connect, got %d", st.RetryCount)
	}
	if st.SelfJID != testSelfJID {
		t.Fatalf("unexpected self jid %q", st.SelfJID)
	}

	v, err := env.reg.Vendor(ctx, env.vendorID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != domain.VendorStatusActive {
		t.Fatalf("expected vendor active, got %s", v.Status)
	}

	ok, err := env.sup.Send(ctx, env.vendorID, "221771234567@s.whatsapp.net", "hello")
	if err != nil || !ok {
		t.Fatalf("send failed: ok=%v err=%v", ok, err)
	}
	if conn.sentCount() != 1 {
		t.Fatalf("expected 1 transport send, got %d", conn.sentCount())
	}
}

func TestSendBeforeConnect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	if err := env.sup.Initialize(context.Background(), env.vendorID); err != nil {
		t.Fatal(err)
	}
	conn := env.dialer.conn(t, 0)

	ok, err := env.sup.Send(context.Background(), env.vendorID, "+221771234567", "hello")
	if ok {
		t.Fatal("send must not succeed before connect")
	}
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if conn.sentCount() != 0 {
		t.Fatal("no transport call may happen before connect")
	}
}

func TestSendRejectsMalformedDestination(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	conn := env.connectVendor(t)

	ok, err := env.sup.Send(context.Background(), env.vendorID, "not-a-number", "hello")
	if ok {
		t.Fatal("send must fail for malformed destination")
	}
	if !errors.Is(err, domain.ErrInvalidPhoneNumber) {
		t.Fatalf("expected ErrInvalidPhoneNumber, got %v", err)
	}
	if conn.sentCount() != 0 {
		t.Fatal("malformed destination must be rejected before any transport call")
	}
}

func TestSendFailureIsResultNotError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	conn := env.connectVendor(t)
	conn.mu.Lock()
	conn.sendErr = errors.New("gateway rejected send: rate limited")
	conn.mu.Unlock()

	ok, err := env.sup.Send(context.Background(), env.vendorID, "+221771234567", "hello")
	if err != nil {
		t.Fatalf("transport rejection must not surface as error, got %v", err)
	}
	if ok {
		t.Fatal("expected failed send result")
	}
}

func TestRetryCountResetsOnSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{MaxRetries: 5})
	if err := env.sup.Initialize(context.Background(), env.vendorID); err != nil {
		t.Fatal(err)
	}

	// Two transient drops, each followed by an automatic reconnect.
	for i := 0; i < 2; i++ {
		conn := env.dialer.conn(t, i)
		conn.push(transport.Event{Kind: transport.EventClosed, Code: 408})
	}

	conn := env.dialer.conn(t, 2)
	conn.push(transport.Event{Kind: transport.EventOpened})
	waitFor(t, 2*time.Second, func() bool { return env.state(t).IsConnected }, "vendor never reconnected")

	st := env.state(t)
	if st.RetryCount != 0 {
		t.Fatalf("retry count must reset on success, got %d", st.RetryCount)
	}
	if st.LastError != nil {
		t.Fatalf("last error must clear on success, got %+v", st.LastError)
	}
}

func TestMaxRetriesTerminates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{MaxRetries: 3})
	if err := env.creds.Save(env.vendorID, []byte("stale-keys")); err != nil {
		t.Fatal(err)
	}
	if err := env.sup.Initialize(context.Background(), env.vendorID); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		conn := env.dialer.conn(t, i)
		conn.push(transport.Event{Kind: transport.EventClosed, Code: 408})
	}

	waitFor(t, 2*time.Second, func() bool {
		return env.state(t).State == domain.ConnStateTerminated
	}, "vendor never terminated")

	st := env.state(t)
	if st.LastError == nil || st.LastError.Kind != domain.ErrorKindTerminal {
		t.Fatalf("expected terminal last error, got %+v", st.LastError)
	}
	if st.LastError.Message != domain.ErrMaxRetriesExceeded.Error() {
		t.Fatalf("expected max retries sentinel, got %q", st.LastError.Message)
	}
	waitFor(t, 2*time.Second, func() bool { return !env.creds.Has(env.vendorID) }, "credentials never cleared")

	// No further automatic attempt may be scheduled.
	dials := env.dialer.dials()
	time.Sleep(100 * time.Millisecond)
	if env.dialer.dials() != dials {
		t.Fatal("terminated vendor must not reconnect automatically")
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	conn := env.connectVendor(t)

	conn.push(transport.Event{Kind: transport.EventCredentials, Material: []byte("fresh-keys")})
	waitFor(t, 2*time.Second, func() bool { return env.creds.Has(env.vendorID) }, "credentials never saved")

	conn.push(transport.Event{Kind: transport.EventClosed, Code: 401})
	waitFor(t, 2*time.Second, func() bool {
		return env.state(t).State == domain.ConnStateTerminated
	}, "logged-out vendor never terminated")

	st := env.state(t)
	if st.IsConnected {
		t.Fatal("terminated vendor must not report connected")
	}
	if st.LastError == nil || st.LastError.Code != 401 {
		t.Fatalf("expected logged-out error info, got %+v", st.LastError)
	}
	waitFor(t, 2*time.Second, func() bool { return !env.creds.Has(env.vendorID) }, "credentials never cleared")

	dials := env.dialer.dials()
	time.Sleep(100 * time.Millisecond)
	if env.dialer.dials() != dials {
		t.Fatal("logged-out vendor must not reconnect automatically")
	}
}

func TestTransientCloseKeepsCredentials(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{MaxRetries: 5})
	conn := env.connectVendor(t)

	conn.push(transport.Event{Kind: transport.EventCredentials, Material: []byte("keys")})
	waitFor(t, 2*time.Second, func() bool { return env.creds.Has(env.vendorID) }, "credentials never saved")

	conn.push(transport.Event{Kind: transport.EventClosed, Code: 408})
	env.dialer.conn(t, 1) // reconnect attempt fired

	if !env.creds.Has(env.vendorID) {
		t.Fatal("transient close must not clear credentials")
	}
}

func TestInitializeWhileConnectedRestartsAttempt(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.connectVendor(t)

	if err := env.sup.Initialize(context.Background(), env.vendorID); err != nil {
		t.Fatal(err)
	}
	conn := env.dialer.conn(t, 1)
	conn.push(transport.Event{Kind: transport.EventOpened})
	waitFor(t, 2*time.Second, func() bool { return env.state(t).IsConnected }, "vendor never reconnected")
	if env.dialer.dials() != 2 {
		t.Fatalf("expected 2 dials, got %d", env.dialer.dials())
	}
}

func TestRestartClearsCredentialsAndReconnects(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	conn := env.connectVendor(t)
	conn.push(transport.Event{Kind: transport.EventCredentials, Material: []byte("keys")})
	waitFor(t, 2*time.Second, func() bool { return env.creds.Has(env.vendorID) }, "credentials never saved")

	if err := env.sup.Restart(context.Background(), env.vendorID); err != nil {
		t.Fatal(err)
	}
	if env.creds.Has(env.vendorID) {
		t.Fatal("restart must clear credentials")
	}

	fresh := env.dialer.conn(t, 1)
	fresh.push(transport.Event{Kind: transport.EventOpened})
	waitFor(t, 2*time.Second, func() bool { return env.state(t).IsConnected }, "vendor never reconnected after restart")
	if st := env.state(t); st.RetryCount != 0 {
		t.Fatalf("restart must reset retry count, got %d", st.RetryCount)
	}
}

func TestRestartCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{RetryInterval: 80 * time.Millisecond, MaxRetries: 5})
	conn := env.connectVendor(t)

	// Drop the connection; a reconnect is now pending.
	conn.push(transport.Event{Kind: transport.EventClosed, Code: 408})
	waitFor(t, 2*time.Second, func() bool {
		return env.state(t).State == domain.ConnStateDisconnected
	}, "vendor never saw the drop")

	if err := env.sup.Restart(context.Background(), env.vendorID); err != nil {
		t.Fatal(err)
	}
	fresh := env.dialer.conn(t, 1)
	fresh.push(transport.Event{Kind: transport.EventOpened})
	waitFor(t, 2*time.Second, func() bool { return env.state(t).IsConnected }, "vendor never reconnected after restart")

	// Give the superseded timer a chance to fire; it must not dial.
	time.Sleep(150 * time.Millisecond)
	if env.dialer.dials() != 2 {
		t.Fatalf("superseded reconnect timer must not dial, got %d dials", env.dialer.dials())
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	conn := env.connectVendor(t)
	ctx := context.Background()

	if err := env.sup.Logout(ctx, env.vendorID); err != nil {
		t.Fatal(err)
	}
	if !conn.wasLoggedOut() {
		t.Fatal("transport logout never invoked")
	}
	if _, ok := env.sup.State(env.vendorID); ok {
		t.Fatal("logged-out vendor must leave supervision")
	}
	if env.creds.Has(env.vendorID) {
		t.Fatal("logout must clear credentials")
	}

	if err := env.sup.Logout(ctx, env.vendorID); err != nil {
		t.Fatalf("second logout must be a no-op, got %v", err)
	}
}

func TestDisconnectAll(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	v2, err := env.reg.Register(ctx, "ali", "Ali Shop", "+221781234567")
	if err != nil {
		t.Fatal(err)
	}
	env.connectVendor(t)
	if err := env.sup.Initialize(ctx, v2.ID); err != nil {
		t.Fatal(err)
	}
	conn2 := env.dialer.conn(t, 1)
	conn2.push(transport.Event{Kind: transport.EventOpened})
	waitFor(t, 2*time.Second, func() bool {
		st, ok := env.sup.State(v2.ID)
		return ok && st.IsConnected
	}, "second vendor never connected")

	env.sup.DisconnectAll(ctx)

	if _, ok := env.sup.State(env.vendorID); ok {
		t.Fatal("first vendor still supervised after disconnect all")
	}
	if _, ok := env.sup.State(v2.ID); ok {
		t.Fatal("second vendor still supervised after disconnect all")
	}
}

func TestSendsForDifferentVendorsDoNotBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	v2, err := env.reg.Register(ctx, "awa", "Awa Store", "+221781234567")
	if err != nil {
		t.Fatal(err)
	}
	conn1 := env.connectVendor(t)
	if err := env.sup.Initialize(ctx, v2.ID); err != nil {
		t.Fatal(err)
	}
	conn2 := env.dialer.conn(t, 1)
	conn2.push(transport.Event{Kind: transport.EventOpened})
	waitFor(t, 2*time.Second, func() bool {
		st, ok := env.sup.State(v2.ID)
		return ok && st.IsConnected
	}, "second vendor never connected")

	// Stall the first vendor's transport mid-send.
	gate := make(chan struct{})
	conn1.mu.Lock()
	conn1.sendGate = gate
	conn1.mu.Unlock()
	defer close(gate)

	stalled := make(chan struct{})
	go func() {
		defer close(stalled)
		sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, _ = env.sup.Send(sendCtx, env.vendorID, "+221771234567", "slow")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.sup.Send(ctx, v2.ID, "+221771234567", "fast")
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("send for an unrelated vendor blocked behind a stalled one")
	}
	<-stalled
}

func TestWaitConnected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	if err := env.sup.Initialize(context.Background(), env.vendorID); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		conn := env.dialer.conn(t, 0)
		time.Sleep(30 * time.Millisecond)
		conn.push(transport.Event{Kind: transport.EventOpened})
	}()
	if err := env.sup.WaitConnected(ctx, env.vendorID); err != nil {
		t.Fatal(err)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if err := env.sup.WaitConnected(shortCtx, "v_missing"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStateSnapshotIsCopy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.connectVendor(t)

	st := env.state(t)
	st.IsConnected = false
	st.PendingQR = "mutated"

	if got := env.state(t); !got.IsConnected || got.PendingQR != "" {
		t.Fatal("mutating a snapshot must not affect supervisor state")
	}
}
