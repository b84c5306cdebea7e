package ratelimit

import (
	"sync"
	"time"
)

// Window counts events per key over a rolling span and blocks a key once it
// crosses the limit. Authentication failures and credential entry submissions
// use this rather than a token bucket: the concern is "too many bad attempts
// recently", not sustained throughput.
type Window struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	span   time.Duration

	now func() time.Time // injectable for tests
}

// NewWindow creates a rolling window limiter allowing up to limit events per
// key within span.
func NewWindow(limit int, span time.Duration) *Window {
	if limit <= 0 {
		limit = 1
	}
	if span <= 0 {
		span = 15 * time.Minute
	}
	return &Window{
		events: make(map[string][]time.Time),
		limit:  limit,
		span:   span,
		now:    time.Now,
	}
}

// Record registers an event for the key. Call it on each failure or
// submission the window should count.
func (w *Window) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	events := w.pruneLocked(key)
	w.events[key] = append(events, w.now())
}

// Allow reports whether the key is still under the limit.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	events := w.pruneLocked(key)
	if len(events) == 0 {
		delete(w.events, key)
		return true
	}
	w.events[key] = events
	return len(events) < w.limit
}

// Count returns the number of events currently inside the window for key.
func (w *Window) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	events := w.pruneLocked(key)
	if len(events) == 0 {
		delete(w.events, key)
		return 0
	}
	w.events[key] = events
	return len(events)
}

// Reset clears all events for a key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
}

// RetryAfter returns how long until the oldest counted event leaves the
// window, or zero if the key is not blocked.
func (w *Window) RetryAfter(key string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	events := w.pruneLocked(key)
	if len(events) < w.limit {
		return 0
	}
	oldest := events[0]
	remaining := w.span - w.now().Sub(oldest)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Len returns the number of keys currently tracked. Used by sweep loops and
// tests.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// Sweep drops keys whose events have all aged out. The gateway runs this
// periodically so idle IPs do not accumulate.
func (w *Window) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key := range w.events {
		events := w.pruneLocked(key)
		if len(events) == 0 {
			delete(w.events, key)
		} else {
			w.events[key] = events
		}
	}
}

// pruneLocked drops events older than span (must be called with lock held).
func (w *Window) pruneLocked(key string) []time.Time {
	cutoff := w.now().Add(-w.span)
	events := w.events[key]
	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	return events[idx:]
}
