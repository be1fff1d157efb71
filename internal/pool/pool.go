// Package pool provides a generic bounded pool of reusable handles.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/telemetry"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool is closed")

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithHealthCheck installs a liveness probe run on every Release. Handles
// failing the probe are destroyed instead of returned to the idle set.
func WithHealthCheck[T any](fn func(T) bool) Option[T] {
	return func(p *Pool[T]) { p.health = fn }
}

// WithDestroy installs a cleanup hook for handles leaving the pool.
func WithDestroy[T any](fn func(T)) Option[T] {
	return func(p *Pool[T]) { p.destroy = fn }
}

// Pool hands out at most capacity live handles. Acquire prefers an idle
// handle, creates one while a creation slot is free, and otherwise blocks
// until a handle is released, a slot is freed, or the acquire timeout fires.
//
// Slots are tokens in a buffered channel, one per unfilled position. Winning
// a token is the only way to build a handle, so live plus in-flight creations
// never exceed capacity, and destroying a handle returns its token where
// blocked waiters can receive it.
type Pool[T any] struct {
	factory  func(context.Context) (T, error)
	capacity int
	health   func(T) bool
	destroy  func(T)

	mu     sync.Mutex
	live   int
	closed bool
	idle   chan T
	slots  chan struct{}
}

// New builds a pool around factory with the given capacity.
func New[T any](factory func(context.Context) (T, error), capacity int, opts ...Option[T]) (*Pool[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be > 0, got %d", capacity)
	}
	p := &Pool[T]{
		factory:  factory,
		capacity: capacity,
		health:   func(T) bool { return true },
		destroy:  func(T) {},
		idle:     make(chan T, capacity),
		slots:    make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.slots <- struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Acquire returns a handle, building one if a creation slot is free. When all
// handles are on loan it blocks until one is released or its slot is freed,
// the timeout fires (ErrPoolExhausted), or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	// Idle-first.
	select {
	case h, ok := <-p.idle:
		if !ok {
			return zero, ErrClosed
		}
		telemetry.IncPoolInUse()
		return h, nil
	default:
	}

	select {
	case _, ok := <-p.slots:
		if !ok {
			return zero, ErrClosed
		}
		return p.build(ctx)
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h, ok := <-p.idle:
		if !ok {
			return zero, ErrClosed
		}
		telemetry.IncPoolInUse()
		return h, nil
	case _, ok := <-p.slots:
		// An unhealthy handle destroyed on release frees its slot here, so a
		// blocked waiter builds the replacement instead of timing out.
		if !ok {
			return zero, ErrClosed
		}
		return p.build(ctx)
	case <-timer.C:
		telemetry.ObservePoolTimeout()
		return zero, pipeline.ErrPoolExhausted
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// build consumes an already-won creation slot. A factory failure returns the
// slot so the capacity is not leaked.
func (p *Pool[T]) build(ctx context.Context) (T, error) {
	var zero T
	h, err := p.factory(ctx)
	if err != nil {
		p.freeSlot()
		return zero, fmt.Errorf("create pooled handle: %w", err)
	}
	p.mu.Lock()
	p.live++
	p.mu.Unlock()
	telemetry.IncPoolInUse()
	return h, nil
}

// freeSlot returns a creation token. Tokens are conserved (capacity of them
// exist across the channel, live handles, and in-flight builds), so the send
// never blocks; holding the mutex keeps it from racing Close.
func (p *Pool[T]) freeSlot() {
	p.mu.Lock()
	if !p.closed {
		p.slots <- struct{}{}
	}
	p.mu.Unlock()
}

// Release returns a handle. Unhealthy handles are destroyed and their slot
// freed, waking any blocked Acquire to build a replacement. Sends happen
// under the pool mutex so they cannot race Close closing the channels.
func (p *Pool[T]) Release(h T) {
	telemetry.DecPoolInUse()

	p.mu.Lock()
	if p.closed || !p.health(h) {
		p.live--
		if !p.closed {
			p.slots <- struct{}{}
		}
		p.mu.Unlock()
		p.destroy(h)
		return
	}
	// Idle never fills past the live handle count, so this send cannot block.
	p.idle <- h
	p.mu.Unlock()
}

// Size returns the number of live handles, on loan or idle.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Available returns how many Acquires could currently succeed without
// blocking: idle handles plus free creation slots.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return len(p.idle) + len(p.slots)
}

// Close drains and destroys idle handles and fails subsequent Acquires.
// Handles still on loan are destroyed as they are released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.idle)
	close(p.slots)
	p.mu.Unlock()

	for h := range p.idle {
		p.destroy(h)
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
	}
}
