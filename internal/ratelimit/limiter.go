// Package ratelimit implements fixed-window request counters keyed by client
// identity.
//
// Every call counts as an attempt, including calls that are denied: a client
// hammering past its capacity keeps its counter climbing until the window
// resets. The counter is incremented first and compared second, so under N
// concurrent callers exactly the first Capacity increments are admitted.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Defaults used when a zero Config value is supplied.
const (
	DefaultWindow   = 60 * time.Second
	DefaultCapacity = 10
)

// Limiter admits or denies a request for a client.
type Limiter interface {
	Admit(ctx context.Context, clientID string) (bool, error)
}

// Config holds the window length and per-window capacity.
type Config struct {
	Window   time.Duration
	Capacity int64
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

type window struct {
	start time.Time
	count int64
}

// MemoryLimiter is a single-process fixed-window limiter.
type MemoryLimiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// WithClock replaces the limiter's time source. Used in tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Admit increments the client's counter for the current window and reports
// whether the new count is within capacity.
func (l *MemoryLimiter) Admit(_ context.Context, clientID string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[clientID]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now}
		l.windows[clientID] = w
	}
	w.count++
	return w.count <= l.cfg.Capacity, nil
}

// Prune drops windows that have already ended. Admit resets lazily, so this
// only bounds memory for clients that never come back.
func (l *MemoryLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.windows, id)
			n++
		}
	}
	return n
}
