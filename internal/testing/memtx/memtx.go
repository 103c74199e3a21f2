// Package memtx gives in-memory repositories a unit of work with rollback, so
// transactional behaviour can be exercised in tests without PostgreSQL.
package memtx

import (
	"context"
	"sync"
)

type scopeKey struct{ db *DB }

type scope struct {
	undo   []func()
	commit []func()
}

// DB serialises units of work over any number of memory repositories that share it.
type DB struct {
	mu sync.Mutex
}

// New returns an empty DB.
func New() *DB {
	return &DB{}
}

// Run executes fn as one unit of work. A call made while a unit of work of the same DB
// is already active in ctx joins it, mirroring how nested WithTx calls share a pgx.Tx.
// When fn fails every change registered through OnRollback is reverted, newest first.
// Work queued through AfterCommit runs once the outermost unit of work succeeds.
func (d *DB) Run(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Value(scopeKey{db: d}).(*scope); ok {
		return fn(ctx)
	}
	s, err := d.run(ctx, fn)
	if err != nil {
		return err
	}
	for _, hook := range s.commit {
		hook()
	}
	return nil
}

func (d *DB) run(ctx context.Context, fn func(context.Context) error) (*scope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &scope{}
	if err := fn(context.WithValue(ctx, scopeKey{db: d}, s)); err != nil {
		for i := len(s.undo) - 1; i >= 0; i-- {
			s.undo[i]()
		}
		return nil, err
	}
	return s, nil
}

// AfterCommit queues fn until the unit of work active in ctx succeeds and drops it on
// rollback. Outside a unit of work fn runs at once.
func (d *DB) AfterCommit(ctx context.Context, fn func()) {
	if s, ok := ctx.Value(scopeKey{db: d}).(*scope); ok {
		s.commit = append(s.commit, fn)
		return
	}
	fn()
}

// OnRollback registers undo for the unit of work active in ctx. Outside a unit of work
// the change is autocommitted and undo is dropped.
func (d *DB) OnRollback(ctx context.Context, undo func()) {
	if s, ok := ctx.Value(scopeKey{db: d}).(*scope); ok {
		s.undo = append(s.undo, undo)
	}
}

// Active reports whether ctx carries a unit of work of d.
func (d *DB) Active(ctx context.Context) bool {
	_, ok := ctx.Value(scopeKey{db: d}).(*scope)
	return ok
}
