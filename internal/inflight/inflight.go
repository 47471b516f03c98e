// Package inflight coalesces concurrent calls for the same key into one
// execution. Unlike a plain singleflight, each caller waits with its own
// context: a caller that gives up detaches without disturbing the others, and
// the shared execution is cancelled only when every caller has left.
package inflight

import (
	"context"
	"fmt"
	"sync"
)

// Func is the work executed once per call. ctx is detached from the callers'
// contexts (values are kept) and is cancelled with cause ErrAbandoned when the
// last caller detaches.
type Func func(ctx context.Context) (any, error)

// Group manages a set of in-flight calls keyed by K. The zero value is ready to use.
type Group[K comparable] struct {
	mu sync.Mutex
	m  map[K]*call
}

type call struct {
	done   chan struct{}
	val    any
	err    error
	refs   int
	cancel context.CancelCauseFunc
}

// New creates a new Group.
func New[K comparable]() *Group[K] {
	return &Group[K]{m: make(map[K]*call)}
}

// Do executes fn for key unless a call for key is already running, in which
// case the caller attaches to it. shared reports whether the caller attached
// to an existing call. If ctx ends first, Do returns ctx.Err() immediately.
func (g *Group[K]) Do(ctx context.Context, key K, fn Func) (val any, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call)
	}
	if c, ok := g.m[key]; ok {
		c.refs++
		g.mu.Unlock()
		val, err = g.wait(ctx, key, c)
		return val, err, true
	}
	c := g.start(ctx, key, fn)
	g.mu.Unlock()

	val, err = g.wait(ctx, key, c)
	return val, err, false
}

// DoFresh always starts a new call for key. The new call replaces any running
// one as the call later Do callers attach to; callers already attached to the
// older call keep waiting for it.
func (g *Group[K]) DoFresh(ctx context.Context, key K, fn Func) (any, error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call)
	}
	c := g.start(ctx, key, fn)
	g.mu.Unlock()

	return g.wait(ctx, key, c)
}

// Forget makes the next Do for key start a new call. Callers attached to the
// current call are unaffected.
func (g *Group[K]) Forget(key K) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// ForgetAll is Forget for every key.
func (g *Group[K]) ForgetAll() {
	g.mu.Lock()
	g.m = make(map[K]*call)
	g.mu.Unlock()
}

// Len returns the number of keys with a call new callers would attach to.
func (g *Group[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// start registers and launches a call. g.mu must be held.
func (g *Group[K]) start(ctx context.Context, key K, fn Func) *call {
	callCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	c := &call{
		done:   make(chan struct{}),
		refs:   1,
		cancel: cancel,
	}
	g.m[key] = c
	go g.run(callCtx, key, c, fn)
	return c
}

func (g *Group[K]) run(ctx context.Context, key K, c *call, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			c.val, c.err = nil, fmt.Errorf("inflight: panic in call: %v", r)
		}
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		c.cancel(nil)
		close(c.done)
	}()

	c.val, c.err = fn(ctx)
}

func (g *Group[K]) wait(ctx context.Context, key K, c *call) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	// The result may have landed while ctx was ending.
	select {
	case <-c.done:
		return c.val, c.err
	default:
	}

	g.mu.Lock()
	c.refs--
	last := c.refs == 0
	if last && g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
	if last {
		c.cancel(ErrAbandoned)
	}
	return nil, ctx.Err()
}
