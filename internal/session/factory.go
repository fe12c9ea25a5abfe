// Package session implements the persistence-context engine: identity-mapped
// entity entries per transaction scope, lazy association proxies, snapshot
// dirty checking, optimistic version locking, and fetch planning over an
// external query executor.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Factory opens transaction scopes over one executor and schema registry.
// Scopes are single-flow; the factory itself is safe to share.
type Factory struct {
	exec    Executor
	schemas *SchemaSet

	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer

	nPlusOneThreshold int
	suspectHook       func(path string, count int)
}

// NewFactory constructs a scope factory.
func NewFactory(exec Executor, schemas *SchemaSet, opts ...Option) (*Factory, error) {
	if exec == nil {
		return nil, fmt.Errorf("factory requires an executor")
	}
	if schemas == nil {
		return nil, fmt.Errorf("factory requires a schema set")
	}
	f := &Factory{
		exec:    exec,
		schemas: schemas,
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Begin opens a scope directly. Callers taking this path own the commit /
// rollback decision through Commit and Rollback on the returned context;
// WithScope is the preferred entry point.
func (f *Factory) Begin(ctx context.Context) *Context {
	c := newContext(f, uuid.NewString())
	f.logger.Debug("scope opened", "scope", c.scope.ID())
	return c
}

// WithScope runs work inside a scope whose connection is acquired up front,
// committing on normal return and rolling back on error or panic.
func (f *Factory) WithScope(ctx context.Context, work func(*Context) error) error {
	return f.withScope(ctx, true, work)
}

// WithScopeDeferred runs work inside a scope whose connection acquisition is
// deferred until the first store-touching operation, letting callers run
// slow non-store work before any connection is taken.
func (f *Factory) WithScopeDeferred(ctx context.Context, work func(*Context) error) error {
	return f.withScope(ctx, false, work)
}

func (f *Factory) withScope(ctx context.Context, eagerConn bool, work func(*Context) error) (err error) {
	c := f.Begin(ctx)
	if eagerConn {
		if err := c.scope.acquire(ctx, f.exec); err != nil {
			_ = c.Rollback(ctx)
			return err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			_ = c.Rollback(ctx)
			panic(r)
		}
	}()
	if err = work(c); err != nil {
		if rbErr := c.Rollback(ctx); rbErr != nil {
			f.logger.Error("rollback after failed work", "scope", c.scope.ID(), "error", rbErr)
		}
		return err
	}
	return c.Commit(ctx)
}

// Commit flushes all pending changes and closes the scope. A flush failure
// rolls the scope back and returns the flush error.
func (c *Context) Commit(ctx context.Context) error {
	if c.scope.state != StateActive {
		return c.scope.ensureUsable("commit")
	}
	c.scope.state = StateCommitting
	if err := c.Flush(ctx); err != nil {
		if rbErr := c.Rollback(ctx); rbErr != nil {
			c.factory.logger.Error("rollback after failed flush", "scope", c.scope.ID(), "error", rbErr)
		}
		return err
	}
	c.close()
	c.factory.logger.Debug("scope committed",
		"scope", c.scope.ID(),
		"inserts", c.stats.FlushInserts,
		"updates", c.stats.FlushUpdates,
		"deletes", c.stats.FlushDeletes)
	return nil
}

// Rollback discards all pending deltas without touching the store, detaches
// every entry, and closes the scope. It is safe to call at any point after
// the scope became active, including while a flush is logically pending;
// uncommitted deltas are simply discarded. Rolling back a closed scope is a
// no-op.
func (c *Context) Rollback(ctx context.Context) error {
	if c.scope.state == StateClosed {
		return nil
	}
	c.scope.state = StateRollingBack
	c.close()
	c.factory.logger.Debug("scope rolled back", "scope", c.scope.ID())
	return nil
}

// close detaches every remaining entry and releases the connection. Detached
// entries stay queryable through the identity map so callers can tell a
// surviving record is no longer managed; re-attachment is a fresh Load in a
// new scope.
func (c *Context) close() {
	c.scope.entries.each(func(key EntityKey, entry *EntityEntry) {
		entry.markDetached()
	})
	c.insertOrder = nil
	if err := c.scope.release(c.factory.exec); err != nil {
		c.factory.logger.Error("release connection", "scope", c.scope.ID(), "error", err)
	}
	c.scope.state = StateClosed
}
