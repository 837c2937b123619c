package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

// fakeSession is a deterministic Session double. Each instance is
// single-use, matching one dial attempt.
type fakeSession struct {
	label      string
	pid        uint32
	dead       chan struct{}
	deadErr    error
	closed     bool
	setLabelFn func(ctx context.Context, label string) error
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	mu sync.Mutex
}

func newFakeSession(label string, pid uint32) *fakeSession {
	return &fakeSession{label: label, pid: pid, dead: make(chan struct{})}
}

func (s *fakeSession) Exec(ctx context.Context, sql string, args ...any) error { return nil }

func (s *fakeSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s.queryFn != nil {
		return s.queryFn(ctx, sql, args...)
	}
	return nil, nil
}

func (s *fakeSession) SetLabel(ctx context.Context, label string) error {
	if s.setLabelFn != nil {
		return s.setLabelFn(ctx, label)
	}
	s.mu.Lock()
	s.label = label
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) PID() uint32 { return s.pid }

func (s *fakeSession) Dead() <-chan struct{} { return s.dead }

func (s *fakeSession) DeadErr() error { return s.deadErr }

func (s *fakeSession) killFatal(err error) {
	s.deadErr = err
	close(s.dead)
}

func (s *fakeSession) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func testConfig(dialer Dialer) Config {
	return Config{
		Addr:                "test",
		ServiceName:          "mysvc",
		InstanceName:         "inst-1",
		CoordinationSecret:   []byte("secret-1234567890"),
		LeaseTTL:             time.Minute,
		Dialer:               dialer,
		MaxConnectRetryTime:  2 * time.Second,
		MaxQueryRetryTime:    2 * time.Second,
		HeartbeatSoftRemaining:     time.Millisecond,
		HeartbeatHardWaitRemaining: time.Millisecond,
		HeartbeatTimeout:           50 * time.Millisecond,
	}
}

func TestConnectHappyPath(t *testing.T) {
	var pid uint32 = 1
	dialer := func(ctx context.Context, addr, label string) (Session, error) {
		pid++
		return newFakeSession(label, pid), nil
	}
	c, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
}

func TestConnectRejectsShortSecret(t *testing.T) {
	cfg := testConfig(nil)
	cfg.CoordinationSecret = []byte("short")
	if _, err := New(cfg); err == nil {
		t.Fatal("expected ConfigurationError for short secret")
	}
}

// A fatal event on the installed session marks the client dead; the
// next Connect dials again and installs the fresh session.
func TestFatalEventThenReconnectInstallsFreshSession(t *testing.T) {
	first := newFakeSession("s=mysvc;i=inst-1;e=0;g=x", 100)
	second := newFakeSession("s=mysvc;i=inst-1;e=0;g=y", 200)

	attempt := 0
	dialer := func(ctx context.Context, addr, label string) (Session, error) {
		attempt++
		if attempt == 1 {
			return first, nil
		}
		return second, nil
	}

	c, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	// Simulate the installed session going fatal, then reconnecting.
	first.killFatal(errors.New("boom"))
	time.Sleep(20 * time.Millisecond) // let watchFatal observe it

	if c.State() != StateDead {
		t.Fatalf("expected dead after fatal event, got %s", c.State())
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	c.mu.Lock()
	underlying := c.underlying
	c.mu.Unlock()
	if underlying != second {
		t.Fatal("expected the second dial's session to be installed")
	}
}

func TestQueryReconnectsOnTransientError(t *testing.T) {
	calls := 0
	var sessions []*fakeSession
	dialer := func(ctx context.Context, addr, label string) (Session, error) {
		calls++
		s := newFakeSession(label, uint32(calls))
		if calls == 1 {
			s.queryFn = func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
				return nil, errors.New("Connection terminated unexpectedly")
			}
		}
		sessions = append(sessions, s)
		return s, nil
	}
	c, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Query(context.Background(), "select 1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a reconnect dial after the transient failure, got %d dials", calls)
	}
	if !sessions[0].closed {
		t.Fatal("expected the failed session to be disposed")
	}
}

func TestQueryFailsFastOnPermanentError(t *testing.T) {
	dialer := func(ctx context.Context, addr, label string) (Session, error) {
		s := newFakeSession(label, 1)
		s.queryFn = func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return nil, errors.New("duplicate key value violates unique constraint")
		}
		return s, nil
	}
	c, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Query(context.Background(), "insert ...")
	if err == nil {
		t.Fatal("expected the permanent error to surface")
	}
}

func TestCloseIsIdempotentAndRejectsFurtherOps(t *testing.T) {
	dialer := func(ctx context.Context, addr, label string) (Session, error) {
		return newFakeSession(label, 1), nil
	}
	c, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close(context.Background())
	c.Close(context.Background()) // idempotent

	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if err := c.Connect(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestHeartbeatHardWaitFailureReconnects(t *testing.T) {
	dialCount := 0
	dialer := func(ctx context.Context, addr, label string) (Session, error) {
		dialCount++
		s := newFakeSession(label, uint32(dialCount))
		if dialCount == 1 {
			s.setLabelFn = func(ctx context.Context, label string) error {
				return errors.New("Connection terminated unexpectedly")
			}
		}
		return s, nil
	}

	cfg := testConfig(dialer)
	cfg.LeaseTTL = time.Millisecond // already effectively expired by the time we heartbeat
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	c.heartbeatIfNeeded(context.Background(), c.generation)

	if !c.dead {
		t.Fatal("expected client marked dead after hard-wait heartbeat failure")
	}
	c.mu.Lock()
	underlying := c.underlying
	c.mu.Unlock()
	if underlying != nil {
		t.Fatal("expected underlying session disposed after heartbeat failure")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after heartbeat failure: %v", err)
	}
	if dialCount != 2 {
		t.Fatalf("expected a second dial on reconnect, got %d", dialCount)
	}
}
