package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// TxFromContext returns the transaction bound by a Runner, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// Conn returns the transaction bound to ctx, falling back to the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pool
}

// Runner executes a unit of work. Stores called with the ctx handed to fn
// join the same unit.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolRunner runs units of work inside a PostgreSQL transaction. Nested calls
// join the outer transaction.
type PoolRunner struct {
	Pool *pgxpool.Pool
}

// InTx implements Runner.
func (r PoolRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	ctx, u := beginUnit(ctx)
	defer u.finish()
	return WithTx(ctx, r.Pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// MemoryRunner gives in-memory stores all-or-nothing units of work. Stores
// register compensating actions with OnRollback; they run in reverse order
// when fn fails.
type MemoryRunner struct{}

type journalKey struct{}

type journal struct {
	mu    sync.Mutex
	undos []func()
}

// InTx implements Runner.
func (MemoryRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}
	ctx, u := beginUnit(ctx)
	defer u.finish()
	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		j.mu.Lock()
		undos := j.undos
		j.undos = nil
		j.mu.Unlock()
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
		return err
	}
	return nil
}

// OnRollback registers undo to run if the MemoryRunner unit bound to ctx
// fails. Outside a unit it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	j, ok := ctx.Value(journalKey{}).(*journal)
	if !ok {
		return
	}
	j.mu.Lock()
	j.undos = append(j.undos, undo)
	j.mu.Unlock()
}

type unitKey struct{}

// unit carries state scoped to the outermost InTx call of either runner.
type unit struct {
	mu     sync.Mutex
	after  []func()
	locals map[any]any
}

func beginUnit(ctx context.Context) (context.Context, *unit) {
	u := &unit{locals: map[any]any{}}
	return context.WithValue(ctx, unitKey{}, u), u
}

func (u *unit) finish() {
	u.mu.Lock()
	after := u.after
	u.after = nil
	u.mu.Unlock()
	for i := len(after) - 1; i >= 0; i-- {
		after[i]()
	}
}

// AfterUnit registers fn to run once the outermost unit bound to ctx has
// committed or rolled back, after any OnRollback actions. It reports false
// outside a unit; fn is not run in that case.
func AfterUnit(ctx context.Context, fn func()) bool {
	u, ok := ctx.Value(unitKey{}).(*unit)
	if !ok {
		return false
	}
	u.mu.Lock()
	u.after = append(u.after, fn)
	u.mu.Unlock()
	return true
}

// UnitLocal returns the value the unit bound to ctx keeps under key, creating
// it with init on first use. init may call AfterUnit. It reports false
// outside a unit.
func UnitLocal(ctx context.Context, key any, init func() any) (any, bool) {
	u, ok := ctx.Value(unitKey{}).(*unit)
	if !ok {
		return nil, false
	}
	u.mu.Lock()
	v, found := u.locals[key]
	u.mu.Unlock()
	if found {
		return v, true
	}
	fresh := init()
	u.mu.Lock()
	defer u.mu.Unlock()
	if v, found := u.locals[key]; found {
		return v, true
	}
	u.locals[key] = fresh
	return fresh, true
}
