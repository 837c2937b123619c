// Package client implements the connection lifecycle state machine: a
// single owned session, generation-counter reconciliation across
// retries and async fatal events, decorrelated-jitter retry, and the
// lease/heartbeat/reaper wiring that keeps that one session from
// outliving the worker that owns it.
package client

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"connguard/lease"
	"connguard/reaper"
	"connguard/retry"
)

// State is a read-only snapshot of the connection lifecycle state
// machine, following LeaderRunner.Status()'s read-lock-and-copy shape.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDead       State = "dead"
	StateClosed     State = "closed"
)

// Client owns at most one underlying session and drives it through
// connect/query/heartbeat/reap/reconnect. It is not safe for a single
// in-flight Connect/Query pair to be called from two goroutines that
// expect independent generations — the generation counter reconciles
// races, it does not parallelize them.
type Client struct {
	cfg    Config
	leases *lease.Manager // nil when leasing is disabled
	hooks  *Hooks
	retryP *retry.Policy
	cool   *reaper.Cooldown
	rng    *rand.Rand

	mu               sync.Mutex
	state            State
	underlying       Session
	dead             bool
	closed           bool
	generation       uint64
	leaseExpiresAtMs int64
	connectFuture    *future
	heartbeatFuture  *future
}

// New validates cfg and constructs a Client. It does not connect.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var leases *lease.Manager
	if cfg.leasingEnabled() {
		m, err := lease.NewManager(cfg.CoordinationSecret)
		if err != nil {
			return nil, err
		}
		leases = m
	}

	return &Client{
		cfg:    cfg,
		leases: leases,
		hooks:  cfg.Hooks,
		retryP: retry.NewPolicy(cfg.MinBackoff, cfg.MaxBackoff),
		cool:   reaper.NewCooldown(cfg.ReaperCooldown),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  StateIdle,
	}, nil
}

// State returns a snapshot of the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect is idempotent and single-flight: a Connect already in
// progress is attached to rather than duplicated.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connectFuture != nil {
		f := c.connectFuture
		c.mu.Unlock()
		return f.wait()
	}
	c.generation++
	gen := c.generation
	f := newFuture()
	c.connectFuture = f
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.doConnect(ctx, gen)

	c.mu.Lock()
	c.connectFuture = nil
	c.mu.Unlock()
	f.finish(err)
	return err
}

func (c *Client) doConnect(ctx context.Context, gen uint64) error {
	deadline := time.Now().Add(c.cfg.MaxConnectRetryTime)
	retries := 0
	var lastErr error

	for {
		c.disposeCurrent(ctx, false)

		label, expMs, err := c.mintLabel()
		if err != nil {
			c.markDead(gen)
			return err
		}

		sess, err := c.cfg.Dialer(ctx, c.cfg.Addr, label)
		if err != nil {
			lastErr = err
			if !retry.IsTransient(err) {
				c.markDead(gen)
				return err
			}
			retries++
			if time.Now().After(deadline) {
				c.markDead(gen)
				return lastErr
			}
			delay := c.retryP.NextConnectDelay()
			c.hooks.fireOnReconnect(gen, retries, delay, err)
			if !sleepCtx(ctx, delay) {
				c.markDead(gen)
				return ctx.Err()
			}
			continue
		}

		// Arm the fatal watcher before the install check: a fatal event
		// landing on sess between dial and install must still be
		// observable, even though watchFatal will find itself
		// superseded and no-op if the guard below discards this session.
		go c.watchFatal(sess, gen)

		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			logf("connect_superseded gen=%d current=%d", gen, c.generation)
			sess.Close(ctx)
			return nil
		}
		c.underlying = sess
		c.dead = false
		c.state = StateConnected
		c.leaseExpiresAtMs = expMs
		c.mu.Unlock()

		c.retryP.ResetConnect()
		c.hooks.fireOnConnect(gen)
		if c.cfg.Reaper {
			go c.maybeReap(ctx, gen)
		}
		return nil
	}
}

// mintLabel produces the session label for a fresh connect attempt. It
// returns the label and, when leasing is enabled, the expiry it
// encodes so the caller can install it locally only after the
// generation guard passes.
func (c *Client) mintLabel() (string, int64, error) {
	if c.leases == nil {
		label := truncateLabel("s=" + c.cfg.ServiceName + ";i=" + c.cfg.InstanceName)
		return label, 0, nil
	}
	expiresAt := time.Now().Add(c.cfg.LeaseTTL)
	label, err := c.leases.Mint(c.cfg.ServiceName, c.cfg.InstanceName, expiresAt)
	if err != nil {
		return "", 0, err
	}
	return label, expiresAt.UnixMilli(), nil
}

func truncateLabel(s string) string {
	if len(s) <= lease.MaxLabelBytes {
		return s
	}
	return s[:lease.MaxLabelBytes]
}

// watchFatal waits for sess to report a fatal async event and bumps the
// generation so any in-flight reconciler observes it; if sess is still
// the current session it is also marked dead and detached. The event is
// never propagated to a caller directly.
func (c *Client) watchFatal(sess Session, gen uint64) {
	<-sess.Dead()

	c.mu.Lock()
	c.generation++
	current := c.underlying == sess
	if current {
		c.dead = true
		c.underlying = nil
		c.state = StateDead
	}
	c.mu.Unlock()

	meta := extractMeta(sess.DeadErr())
	c.hooks.fireOnClientDead("error", sess.DeadErr(), meta)
	if current {
		sess.Close(context.Background())
	}
}

// maybeReap fires a best-effort Reaper pass on the session that was
// just installed for generation gen, subject to the run probability
// and cooldown.
func (c *Client) maybeReap(ctx context.Context, gen uint64) {
	now := time.Now()
	if c.cfg.HonorReaperProbability && c.rng.Float64() > c.cfg.ReaperRunProbability {
		return
	}
	if !c.cool.Due(now) {
		return
	}

	c.mu.Lock()
	sess := c.underlying
	current := c.generation == gen
	c.mu.Unlock()
	if !current || sess == nil || c.leases == nil {
		return
	}

	r := reaper.New(sess, c.leases, reaper.Config{
		ServiceName:              c.cfg.ServiceName,
		MinIdleSec:               c.cfg.MinConnectionIdleSec,
		MaxIdleConnsToKill:       c.cfg.MaxIdleConnectionsToKill,
		ErrorMode:                c.cfg.ReaperErrorMode,
	})

	start := time.Now()
	result, _ := r.Run(ctx)
	c.cool.OnResult(time.Now(), result.Locked)
	c.hooks.fireOnReap(gen, result.Locked, result.Killed, time.Since(start))
}

// Query runs sql against the owned session, reconnecting first if the
// client is disconnected or marked dead, heartbeating first otherwise.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.hooks.fireOnQueryStart(args, time.Now())
	start := time.Now()

	deadline := time.Now().Add(c.cfg.MaxQueryRetryTime)
	retries := 0

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		needConnect := c.underlying == nil || c.dead
		gen := c.generation
		c.mu.Unlock()

		if needConnect {
			if err := c.Connect(ctx); err != nil {
				c.hooks.fireOnQueryError(args, err, time.Since(start))
				return nil, err
			}
		} else {
			c.heartbeatIfNeeded(ctx, gen)
		}

		c.mu.Lock()
		sess := c.underlying
		c.mu.Unlock()
		if sess == nil {
			continue
		}

		queryCtx := ctx
		cancel := func() {}
		if c.cfg.DefaultQueryTimeout > 0 {
			queryCtx, cancel = context.WithTimeout(ctx, c.cfg.DefaultQueryTimeout)
		}

		rows, err := sess.Query(queryCtx, sql, args...)
		if err == nil {
			c.retryP.ResetQuery()
			c.hooks.fireOnQueryEnd(args, time.Since(start))
			return &timeoutRows{Rows: rows, cancel: cancel}, nil
		}
		cancel()

		if !retry.IsTransient(err) || retries >= c.cfg.Retries || time.Now().After(deadline) {
			c.hooks.fireOnQueryError(args, err, time.Since(start))
			return nil, err
		}

		retries++
		c.mu.Lock()
		if c.underlying == sess {
			c.dead = true
		}
		c.mu.Unlock()
		c.disposeCurrent(ctx, true)

		delay := c.retryP.NextQueryDelay()
		c.hooks.fireOnQueryRetry(retries, delay, err)
		if !sleepCtx(ctx, delay) {
			c.hooks.fireOnQueryError(args, ctx.Err(), time.Since(start))
			return nil, ctx.Err()
		}
	}
}

// disposeCurrent atomically detaches the current session, if any, and
// closes it, optionally bumping the generation counter. It swallows
// close errors: there is nothing actionable a caller could do with
// them.
func (c *Client) disposeCurrent(ctx context.Context, bumpGeneration bool) {
	c.mu.Lock()
	sess := c.underlying
	c.underlying = nil
	if bumpGeneration {
		c.generation++
	}
	c.mu.Unlock()
	if sess != nil {
		sess.Close(ctx)
	}
}

func (c *Client) markDead(gen uint64) {
	c.mu.Lock()
	if c.generation == gen {
		c.dead = true
		c.state = StateDead
	}
	c.mu.Unlock()
}

// Close ends the client: any owned session is closed and no further
// operation may be issued.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	sess := c.underlying
	c.underlying = nil
	c.mu.Unlock()
	if sess != nil {
		sess.Close(ctx)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// extractMeta pulls the structured fields a fatal event's error may
// carry. Fields the error doesn't expose are left at their zero value,
// except Code, which always carries the error's message text.
func extractMeta(err error) FatalMeta {
	var meta FatalMeta
	if err == nil {
		return meta
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		meta.SQLState = pgErr.Code
		meta.Severity = pgErr.Severity
		meta.Routine = pgErr.Routine
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		meta.Syscall = sysErr.Syscall
		meta.Errno = sysErr.Err.Error()
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Addr != nil {
			meta.Address = netErr.Addr.String()
			if host, port, splitErr := net.SplitHostPort(meta.Address); splitErr == nil {
				meta.Address = host
				meta.Port = port
			}
		}
	}

	if meta.Code == "" {
		meta.Code = err.Error()
	}
	return meta
}

// timeoutRows wraps a session's rows so the DefaultQueryTimeout context
// derived for the query is released as soon as the caller is done
// reading, rather than only at ctx's own deadline.
type timeoutRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *timeoutRows) Close() {
	r.Rows.Close()
	r.cancel()
}
