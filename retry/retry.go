// Package retry classifies database/transport errors as transient or
// permanent and computes decorrelated-jitter backoff delays.
package retry

import (
	"errors"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// transientSQLStates are exact SQLSTATE matches that are safe to retry:
// admin shutdown, crash shutdown, cannot-connect-now, and too-many-connections.
var transientSQLStates = map[string]bool{
	"57P01": true,
	"57P02": true,
	"57P03": true,
	"53300": true,
}

// transientErrnos are transport-level socket errors worth retrying.
var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.ECONNREFUSED,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.ECONNABORTED,
	syscall.EADDRINUSE,
}

var transientSubstrings = []string{
	"Connection terminated unexpectedly",
	"sorry, too many clients already",
}

// IsTransient reports whether err is safe to retry. Integrity
// violations (23xxx), syntax errors (42xxx), and serialization failures
// (40001, 40P01) are deliberately excluded: serialization failures are
// excluded to avoid duplicating non-idempotent writes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		if transientSQLStates[pgErr.Code] {
			return true
		}
		return false
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		for _, errno := range transientErrnos {
			if errors.Is(sysErr.Err, errno) {
				return true
			}
		}
	}

	return false
}

const (
	// DefaultBase is the default minimum backoff delay.
	DefaultBase = 100 * time.Millisecond
	// DefaultCap is the default maximum backoff delay.
	DefaultCap = 2000 * time.Millisecond
)

// Policy computes decorrelated-jitter backoff for connect and query
// attempts independently, each remembering its own previous delay.
type Policy struct {
	Base time.Duration
	Cap  time.Duration

	mu          sync.Mutex
	prevConnect time.Duration
	prevQuery   time.Duration
	rng         *rand.Rand
}

// NewPolicy constructs a Policy. Zero base/cap fall back to the defaults.
func NewPolicy(base, cap time.Duration) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Policy{Base: base, Cap: cap, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NextConnectDelay returns the next connect backoff delay.
func (p *Policy) NextConnectDelay() time.Duration {
	return p.next(&p.prevConnect)
}

// NextQueryDelay returns the next query backoff delay.
func (p *Policy) NextQueryDelay() time.Duration {
	return p.next(&p.prevQuery)
}

// ResetConnect clears connect backoff memory after a successful connect.
func (p *Policy) ResetConnect() {
	p.mu.Lock()
	p.prevConnect = 0
	p.mu.Unlock()
}

// ResetQuery clears query backoff memory after a successful query.
func (p *Policy) ResetQuery() {
	p.mu.Lock()
	p.prevQuery = 0
	p.mu.Unlock()
}

// next implements decorrelated jitter: delay = min(cap, uniform(base, prev*3)).
func (p *Policy) next(prev *time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if *prev <= 0 {
		*prev = p.Base
	}
	lo := p.Base
	hi := *prev * 3
	if hi < lo {
		hi = lo
	}
	span := float64(hi - lo)
	delay := lo
	if span > 0 {
		delay = lo + time.Duration(p.rng.Float64()*span)
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	if delay < p.Base {
		delay = p.Base
	}
	*prev = delay
	return delay
}
