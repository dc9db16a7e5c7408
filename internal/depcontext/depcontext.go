// Package depcontext implements the process-wide Dependency Context (C2): a
// registry mapping a capability key to exactly one live instance, built
// lazily on first resolution with constructor injection and torn down in
// reverse construction order.
//
// Grounded on internal/api's package-level RegisterX/GetX singleton
// handlers (one sync.RWMutex-guarded var per capability), generalized from
// a fixed set of hand-written handler types to a single generic registry
// keyed by capability name.
package depcontext

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/pkg/logging"
)

const subsystem = "DepContext"

// Key names a capability. Two keys with the same name and different type
// parameters refer to the same registry slot and will fail type assertion
// at resolution time; callers should use one Key value per capability,
// shared by every Provide/Put/Get call site for it.
type Key[T any] struct {
	name string
}

// NewKey constructs a capability key. name should be a short, stable
// identifier such as "configstore" or "supervisor" — it is what
// DEPENDENCY_CYCLE and ALREADY_BOUND errors report.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Factory lazily constructs the instance for a capability, resolving its
// own dependencies through ctx.Get as needed.
type Factory[T any] func(ctx *Context) (T, error)

type entry struct {
	factory   func(*Context) (any, error)
	instance  any
	resolved  bool
	resolving bool
}

// Context is the dependency registry. The zero value is not usable;
// construct with New. Safe for concurrent use, but intended to be driven
// from a single bootstrap goroutine: construction-graph cycle detection
// tracks "currently resolving" per key, not per call stack, so concurrent
// first-resolution of the same still-unresolved key from two goroutines is
// not a supported pattern (this matches its role as a startup-time
// container, not a runtime-hot-path lookup).
type Context struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string // first-construction order, for reverse teardown
	closed  bool
}

// New constructs an empty Context.
func New() *Context {
	return &Context{entries: make(map[string]*entry)}
}

// Provide registers factory for key. It fails with ALREADY_BOUND once key
// is resolved, which is the case after a consumer's Get and also after a
// Put; re-registering before that silently replaces the factory.
func Provide[T any](c *Context, key Key[T], factory Factory[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.name]; ok && e.resolved {
		return errs.New(errs.AlreadyBound, fmt.Sprintf("capability %q already resolved", key.name))
	}
	c.entries[key.name] = &entry{
		factory: func(ctx *Context) (any, error) { return factory(ctx) },
	}
	return nil
}

// Put binds key directly to instance, bypassing factory construction, and
// marks key resolved. It fails with ALREADY_BOUND once key is resolved:
// after a consumer's Get, and also after an earlier Put even if no consumer
// has resolved key yet, so a Put binding cannot be replaced.
func Put[T any](c *Context, key Key[T], instance T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.name]; ok && e.resolved {
		return errs.New(errs.AlreadyBound, fmt.Sprintf("capability %q already resolved", key.name))
	}
	c.entries[key.name] = &entry{instance: instance, resolved: true}
	c.order = append(c.order, key.name)
	return nil
}

// Get resolves key, lazily constructing it via its registered factory on
// first call and caching the result for every later call. Returns
// DEPENDENCY_CYCLE if resolving key requires (transitively) resolving key
// again, and NOT_FOUND if nothing was ever Provided or Put for key.
func Get[T any](c *Context, key Key[T]) (T, error) {
	var zero T

	c.mu.Lock()
	e, ok := c.entries[key.name]
	if !ok {
		c.mu.Unlock()
		return zero, errs.New(errs.NotFound, fmt.Sprintf("capability %q not registered", key.name))
	}
	if e.resolved {
		v := e.instance
		c.mu.Unlock()
		typed, ok := v.(T)
		if !ok {
			return zero, errs.New(errs.MalformedConfig, fmt.Sprintf("capability %q resolved to an unexpected type", key.name))
		}
		return typed, nil
	}
	if e.resolving {
		c.mu.Unlock()
		return zero, errs.New(errs.DependencyCycle, fmt.Sprintf("dependency cycle resolving capability %q", key.name))
	}
	e.resolving = true
	factory := e.factory
	c.mu.Unlock()

	v, err := factory(c)

	c.mu.Lock()
	e.resolving = false
	if err != nil {
		c.mu.Unlock()
		return zero, err
	}
	e.instance = v
	e.resolved = true
	c.order = append(c.order, key.name)
	c.mu.Unlock()

	typed, ok := v.(T)
	if !ok {
		return zero, errs.New(errs.MalformedConfig, fmt.Sprintf("capability %q resolved to an unexpected type", key.name))
	}
	return typed, nil
}

// Close tears down every resolved instance that implements io.Closer, in
// the reverse order of first construction. It is idempotent; subsequent
// calls are a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	order := make([]string, len(c.order))
	copy(order, c.order)
	c.mu.Unlock()

	var closeErrs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		c.mu.Lock()
		e := c.entries[name]
		c.mu.Unlock()
		if e == nil || !e.resolved {
			continue
		}
		closer, ok := e.instance.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			logging.Warn(subsystem, "closing capability %q: %v", name, err)
			closeErrs = append(closeErrs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(closeErrs) > 0 {
		return errs.Wrap(errs.IOError, "errors during dependency context teardown", errors.Join(closeErrs...))
	}
	return nil
}
