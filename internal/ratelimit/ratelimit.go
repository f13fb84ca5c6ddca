// Package ratelimit implements the shared request budget: a global window,
// a window per endpoint, and an adaptive inter-request delay.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Endpoint distinguishes the budgeted remote call families.
type Endpoint int

// Budgeted endpoints.
const (
	Search Endpoint = iota
	Delete
	State
	numEndpoints
)

// String returns the endpoint name for logging.
func (e Endpoint) String() string {
	switch e {
	case Search:
		return "search"
	case Delete:
		return "delete"
	case State:
		return "state"
	}
	return "unknown"
}

// Budget is a request cap over a trailing window.
type Budget struct {
	Limit  int
	Window time.Duration
}

// Remote service budgets.
var (
	GlobalBudget   = Budget{Limit: 45, Window: time.Minute}
	EndpointBudget = Budget{Limit: 4, Window: 5 * time.Second}
)

// Consecutive successes before the adaptive delay decays one step.
const decayAfter = 10

type window struct {
	limit   int
	span    time.Duration
	count   int
	start   time.Time
	resetAt time.Time // server-imposed, may exceed start+span
}

func (w *window) refresh(now time.Time) {
	if w.count > 0 && now.Sub(w.start) >= w.span {
		w.count = 0
	}
}

func (w *window) ready(now time.Time) bool {
	return w.count < w.limit && !now.Before(w.resetAt)
}

func (w *window) take(now time.Time) {
	if w.count == 0 {
		w.start = now
	}
	w.count++
}

// nextReady returns the earliest instant the window can grant a request.
func (w *window) nextReady(now time.Time) time.Time {
	t := now
	if now.Before(w.resetAt) {
		t = w.resetAt
	}
	if w.count >= w.limit {
		if s := w.start.Add(w.span); s.After(t) {
			t = s
		}
	}
	return t
}

// Limiter is the single shared budget across all pipelines of a run.
// All checks are serialized by one mutex.
type Limiter struct {
	mu        sync.Mutex
	now       func() time.Time
	budgets   [2]Budget // global, per-endpoint
	global    window
	endpoints [numEndpoints]window

	base    time.Duration // current adaptive delay
	floor   time.Duration // configured baseline, never decayed below
	ceiling time.Duration
	adjust  bool
	streak  int

	throttled      int
	throttledTotal time.Duration
}

// New creates a Limiter with the given baseline inter-request delay, backoff
// ceiling, and whether the delay adapts to rate-limited responses.
func New(baseDelay, maxDelay time.Duration, adjust bool) *Limiter {
	return NewWithBudgets(GlobalBudget, EndpointBudget, baseDelay, maxDelay, adjust)
}

// NewWithBudgets creates a Limiter with explicit window budgets.
func NewWithBudgets(global, endpoint Budget, baseDelay, maxDelay time.Duration, adjust bool) *Limiter {
	l := &Limiter{
		now:     time.Now,
		budgets: [2]Budget{global, endpoint},
		floor:   baseDelay,
		ceiling: maxDelay,
		adjust:  adjust,
	}
	l.Reset()
	return l
}

// Reset reinitializes all windows and the adaptive delay. Called at run start.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = window{limit: l.budgets[0].Limit, span: l.budgets[0].Window}
	for i := range l.endpoints {
		l.endpoints[i] = window{limit: l.budgets[1].Limit, span: l.budgets[1].Window}
	}
	l.base = l.floor
	l.streak = 0
	l.throttled = 0
	l.throttledTotal = 0
}

// Acquire blocks until both the global and the endpoint window grant a slot,
// or ctx is done. When either window is exhausted it waits until the later of
// the two reset times.
func (l *Limiter) Acquire(ctx context.Context, ep Endpoint) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := l.tryAcquire(ep)
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// tryAcquire takes a slot from both windows if available, otherwise returns
// how long to wait before the next attempt.
func (l *Limiter) tryAcquire(ep Endpoint) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := &l.endpoints[ep]
	l.global.refresh(now)
	w.refresh(now)

	if l.global.ready(now) && w.ready(now) {
		l.global.take(now)
		w.take(now)
		return 0, true
	}

	next := l.global.nextReady(now)
	if t := w.nextReady(now); t.After(next) {
		next = t
	}
	return next.Sub(now), false
}

// ReportLimited records a rate-limited response: the endpoint's window is
// blocked for the server-provided interval and the adaptive delay doubles,
// capped at the ceiling.
func (l *Limiter) ReportLimited(ep Endpoint, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if resetAt := now.Add(retryAfter); resetAt.After(l.endpoints[ep].resetAt) {
		l.endpoints[ep].resetAt = resetAt
	}
	l.throttled++
	l.throttledTotal += retryAfter
	l.streak = 0
	if l.adjust {
		l.base *= 2
		if l.base > l.ceiling {
			l.base = l.ceiling
		}
	}
}

// ReportSuccess records a successful request. After enough consecutive
// successes the adaptive delay decays geometrically toward the baseline.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.streak++
	if l.streak < decayAfter {
		return
	}
	l.streak = 0
	if l.adjust && l.base > l.floor {
		l.base = l.base * 3 / 4
		if l.base < l.floor {
			l.base = l.floor
		}
	}
}

// Delay returns the current adaptive inter-request delay.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base
}

// Stats returns how many times the run was throttled and the cumulative
// server-requested wait.
func (l *Limiter) Stats() (int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.throttled, l.throttledTotal
}
