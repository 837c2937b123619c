package client

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Session is the database-visible surface the client core depends on. It
// is deliberately narrow: a parameterized query executor, a session-label
// setter, a watcher for asynchronous fatal events, and a graceful closer.
// The wire-level driver itself is an external collaborator; pgxSession is
// the only concrete implementation.
type Session interface {
	// Exec runs a parameterized statement and discards the result.
	Exec(ctx context.Context, sql string, args ...any) error
	// Query runs a parameterized statement and returns scannable rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// SetLabel installs label as the session's application_name.
	SetLabel(ctx context.Context, label string) error
	// PID returns the backend process id, for reaper bookkeeping.
	PID() uint32
	// Dead returns a channel that is closed when the session observes a
	// fatal asynchronous event (peer close, admin shutdown, network
	// failure). It never sends a value, it only closes.
	Dead() <-chan struct{}
	// DeadErr returns the error that caused Dead to close, if any. Only
	// meaningful after Dead has closed.
	DeadErr() error
	// Close releases the underlying connection. Best-effort; errors are
	// not actionable by the caller and are not returned.
	Close(ctx context.Context)
}

// Dialer opens a new Session against addr, installing label as the
// startup application_name. It is the one seam a test double replaces.
type Dialer func(ctx context.Context, addr string, label string) (Session, error)

// DialPostgres is the production Dialer: a single non-pooled *pgx.Conn
// per Session, matching "a client holds at most one connection".
func DialPostgres(ctx context.Context, addr string, label string) (Session, error) {
	cfg, err := pgx.ParseConfig(addr)
	if err != nil {
		return nil, err
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["application_name"] = label

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newPgxSession(conn), nil
}

type pgxSession struct {
	conn *pgx.Conn
	dead chan struct{}
	err  error

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// newPgxSession wraps conn and starts the background fatal-event watcher.
// pgx has no direct analogue of node-postgres's 'error'/'end' emitter, so
// WaitForNotification's blocking read loop is repurposed as that watcher:
// it returns nil only on an explicit notification (which this client
// never sends itself) and non-nil the moment the connection dies or the
// watch context is cancelled, which is exactly the signal dispose() and a
// genuine async failure need to be told apart by.
func newPgxSession(conn *pgx.Conn) *pgxSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &pgxSession{
		conn:        conn,
		dead:        make(chan struct{}),
		watchCancel: cancel,
		watchDone:   make(chan struct{}),
	}
	go s.watch(ctx)
	return s
}

func (s *pgxSession) watch(ctx context.Context) {
	defer close(s.watchDone)
	for {
		_, err := s.conn.WaitForNotification(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			// Intentional shutdown via dispose/Close, not a fatal event.
			return
		}
		s.err = err
		close(s.dead)
		return
	}
}

func (s *pgxSession) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := s.conn.Exec(ctx, sql, args...)
	return err
}

func (s *pgxSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.conn.Query(ctx, sql, args...)
}

func (s *pgxSession) SetLabel(ctx context.Context, label string) error {
	return s.Exec(ctx, "SELECT set_config('application_name', $1, false)", label)
}

func (s *pgxSession) PID() uint32 {
	return s.conn.PgConn().PID()
}

func (s *pgxSession) Dead() <-chan struct{} {
	return s.dead
}

func (s *pgxSession) DeadErr() error {
	return s.err
}

func (s *pgxSession) Close(ctx context.Context) {
	s.watchCancel()
	<-s.watchDone
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.conn.Close(closeCtx)
}
