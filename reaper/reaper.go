// Package reaper runs the best-effort, lock-coordinated garbage
// collector for expired same-service sessions.
package reaper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"connguard/lease"
)

// Namespace is the fixed advisory-lock namespace. A 32-bit constant
// shared by every caller of this package; if an unrelated system
// happens to collide with it and with hashtext(serviceName), the two
// will serialize unnecessarily. Low-probability and benign, left
// undocumented further per the open question it was raised under.
const Namespace int32 = 0x50474151

// ErrorMode controls how Run reports scan/terminate failures.
type ErrorMode int

const (
	// ErrorModeSwallow returns the error embedded in Result (default).
	ErrorModeSwallow ErrorMode = iota
	// ErrorModeThrow returns the error directly from Run.
	ErrorModeThrow
)

// Querier is the subset of a session a Reaper needs: parameterized
// exec/query over the one connection it coordinates through. A
// client.Session satisfies this without any adapter.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Config holds the tunables spec.md's configuration surface names for
// the reaper.
type Config struct {
	ServiceName        string
	MinIdleSec         int
	MaxIdleConnsToKill int
	ErrorMode          ErrorMode
}

// Result is the outcome of one Run.
type Result struct {
	Locked bool
	Killed int
	Error  error
}

// Reaper scans and terminates expired same-service sessions under an
// advisory lock, verifying every candidate's lease locally before
// trusting it.
type Reaper struct {
	q      Querier
	leases *lease.Manager
	cfg    Config
}

// New constructs a Reaper bound to q, verifying leases with leases.
func New(q Querier, leases *lease.Manager, cfg Config) *Reaper {
	if cfg.MinIdleSec <= 0 {
		cfg.MinIdleSec = 30
	}
	if cfg.MaxIdleConnsToKill <= 0 {
		cfg.MaxIdleConnsToKill = 5
	}
	return &Reaper{q: q, leases: leases, cfg: cfg}
}

type candidate struct {
	pid     int32
	idleSec float64
	expMs   int64
}

// Run executes the six-step protocol: try-lock, scan, classify, order
// and cap, terminate, and a guaranteed-release epilogue. A scan or
// terminate failure is confined to the returned Result by default; with
// ErrorModeThrow it is also returned as err, for callers that want the
// reaper's own errors to propagate. Run itself logs nothing.
func (r *Reaper) Run(ctx context.Context) (Result, error) {
	locked, err := r.tryLock(ctx)
	if err != nil {
		return r.fail(err)
	}
	if !locked {
		return Result{Locked: false, Killed: 0}, nil
	}
	defer r.unlock(ctx)

	rows, err := r.scan(ctx)
	if err != nil {
		return r.fail(err)
	}

	victims := r.classify(rows)
	killed, err := r.terminate(ctx, victims)
	if err != nil {
		return r.fail(err)
	}

	return Result{Locked: true, Killed: killed}, nil
}

func (r *Reaper) fail(err error) (Result, error) {
	result := Result{Locked: false, Killed: 0, Error: err}
	if r.cfg.ErrorMode == ErrorModeThrow {
		return result, err
	}
	return result, nil
}

func (r *Reaper) tryLock(ctx context.Context) (bool, error) {
	rows, err := r.q.Query(ctx, "SELECT pg_try_advisory_lock($1, hashtext($2))", Namespace, r.cfg.ServiceName)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return false, rows.Err()
	}
	var ok bool
	if err := rows.Scan(&ok); err != nil {
		return false, err
	}
	return ok, rows.Err()
}

func (r *Reaper) unlock(ctx context.Context) {
	rows, err := r.q.Query(ctx, "SELECT pg_advisory_unlock($1, hashtext($2))", Namespace, r.cfg.ServiceName)
	if err != nil {
		return
	}
	rows.Close()
}

type sessionRow struct {
	pid         int32
	appName     string
	idleSeconds float64
}

func (r *Reaper) scan(ctx context.Context) ([]sessionRow, error) {
	prefix := fmt.Sprintf("s=%s;%%", r.cfg.ServiceName)
	rows, err := r.q.Query(ctx, `
		SELECT pid, application_name, extract(epoch from (now() - state_change)) AS idle_time
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND state = 'idle'
		  AND pid <> pg_backend_pid()
		  AND application_name LIKE $1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sessionRow
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(&row.pid, &row.appName, &row.idleSeconds); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// classify keeps only rows idle at least MinIdleSec whose lease
// verifies and is expired. Rows with a malformed or unverifiable
// label are skipped, never killed — a neighbor may simply be using a
// different secret.
func (r *Reaper) classify(rows []sessionRow) []candidate {
	var out []candidate
	now := time.Now()
	for _, row := range rows {
		if row.idleSeconds < float64(r.cfg.MinIdleSec) {
			continue
		}
		v, ok := r.leases.ParseAndVerify(row.appName, now)
		if !ok || !v.IsExpired {
			continue
		}
		out = append(out, candidate{pid: row.pid, idleSec: row.idleSeconds, expMs: v.ExpiresAtMs})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].expMs != out[j].expMs {
			return out[i].expMs < out[j].expMs
		}
		if out[i].idleSec != out[j].idleSec {
			return out[i].idleSec > out[j].idleSec
		}
		return out[i].pid < out[j].pid
	})

	if len(out) > r.cfg.MaxIdleConnsToKill {
		out = out[:r.cfg.MaxIdleConnsToKill]
	}
	return out
}

func (r *Reaper) terminate(ctx context.Context, victims []candidate) (int, error) {
	if len(victims) == 0 {
		return 0, nil
	}
	pids := make([]int32, len(victims))
	for i, v := range victims {
		pids[i] = v.pid
	}
	rows, err := r.q.Query(ctx, "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE pid = ANY($1::int[])", pids)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return len(victims), nil
}
