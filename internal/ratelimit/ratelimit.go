// Package ratelimit implements a sliding-window rate limiter keyed by
// external dependency.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/telemetry"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter tracks request timestamps per key over a sliding window. Keys are
// fully independent; each holds its own lock so a hot key never stalls the
// others.
type Limiter struct {
	window time.Duration
	clock  pipeline.Clock

	mu    sync.Mutex
	limit int
	keys  map[string]*keyWindow
}

type keyWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// New builds a limiter admitting maxRequests per key per window.
func New(maxRequests int, window time.Duration, clock pipeline.Clock) *Limiter {
	return &Limiter{
		window: window,
		clock:  clock,
		limit:  maxRequests,
		keys:   make(map[string]*keyWindow),
	}
}

func (l *Limiter) windowFor(key string) (*keyWindow, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kw, ok := l.keys[key]
	if !ok {
		kw = &keyWindow{}
		l.keys[key] = kw
	}
	return kw, l.limit
}

// Allow records the request if the key has quota left. When denied,
// RetryAfter is the time until the oldest recorded request slides out of the
// window, never less than one second.
func (l *Limiter) Allow(key string) Decision {
	kw, limit := l.windowFor(key)
	now := l.clock.Now()

	kw.mu.Lock()
	defer kw.mu.Unlock()

	kw.prune(now, l.window)

	if len(kw.stamps) < limit {
		kw.stamps = append(kw.stamps, now)
		return Decision{Allowed: true, Remaining: limit - len(kw.stamps)}
	}

	retryAfter := kw.stamps[0].Add(l.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	telemetry.ObserveRateLimitRejection(key)
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// prune drops timestamps older than the window. Lazy: runs only on access.
func (kw *keyWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(kw.stamps) && !kw.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		kw.stamps = append(kw.stamps[:0], kw.stamps[i:]...)
	}
}

// Wait blocks until the key has quota, sleeping each denial's RetryAfter
// rather than spinning. Returns early with ctx.Err() on cancellation.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	start := time.Now()
	for {
		d := l.Allow(key)
		if d.Allowed {
			if waited := time.Since(start); waited > 0 {
				telemetry.ObserveRateLimitDelay(key, waited)
			}
			return nil
		}
		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Stats returns the in-window request count and the current limit for a key.
func (l *Limiter) Stats(key string) (used, limit int) {
	kw, lim := l.windowFor(key)
	kw.mu.Lock()
	defer kw.mu.Unlock()
	kw.prune(l.clock.Now(), l.window)
	return len(kw.stamps), lim
}

// Reset clears a key's recorded requests.
func (l *Limiter) Reset(key string) {
	kw, _ := l.windowFor(key)
	kw.mu.Lock()
	kw.stamps = kw.stamps[:0]
	kw.mu.Unlock()
}

func (l *Limiter) setLimit(n int) {
	l.mu.Lock()
	l.limit = n
	l.mu.Unlock()
}

// Limit returns the current per-window admission limit.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Waiter blocks until a key has quota.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Keyed routes each key to its own limiter so every external dependency
// carries an independent quota. Unknown keys pass through unthrottled.
type Keyed struct {
	routes map[string]Waiter
}

// NewKeyed builds an empty router. Route registrations happen at wiring time;
// the router itself is immutable afterwards.
func NewKeyed() *Keyed {
	return &Keyed{routes: make(map[string]Waiter)}
}

// Route binds a key to a limiter.
func (k *Keyed) Route(key string, l Waiter) {
	k.routes[key] = l
}

// Wait delegates to the limiter registered for key.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	l, ok := k.routes[key]
	if !ok {
		return nil
	}
	return l.Wait(ctx, key)
}

// AdaptiveLimiter shrinks the admission limit linearly once observed system
// load passes a threshold and restores it when load falls back.
type AdaptiveLimiter struct {
	*Limiter
	base      int
	threshold float64
}

// NewAdaptive wraps a limiter with load-based shrinking. threshold is the
// load fraction above which the limit starts shrinking.
func NewAdaptive(maxRequests int, window time.Duration, clock pipeline.Clock, threshold float64) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		Limiter:   New(maxRequests, window, clock),
		base:      maxRequests,
		threshold: threshold,
	}
}

// SetLoad adjusts the limit for an observed load fraction in [0, 1]. At the
// threshold the full base limit applies; at load 1.0 the limit bottoms out
// at one request per window.
func (a *AdaptiveLimiter) SetLoad(fraction float64) {
	if fraction <= a.threshold {
		a.setLimit(a.base)
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	scale := (1 - fraction) / (1 - a.threshold)
	limit := int(float64(a.base) * scale)
	if limit < 1 {
		limit = 1
	}
	a.setLimit(limit)
}
