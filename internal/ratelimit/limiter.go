// Package ratelimit is the server's admission controller: a fixed-window
// counter per route class and client identity.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of counting one request against its window.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts a request under key and reports whether it fits in limit.
type Limiter interface {
	Allow(key string, limit int) Decision
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type window struct {
	start time.Time
	count int
}

// InMemoryLimiter keeps windows in process memory. They are lost on restart.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	clock  Clock
	items  map[string]window

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewInMemory(d time.Duration) *InMemoryLimiter {
	if d <= 0 {
		d = time.Minute
	}
	return &InMemoryLimiter{
		window: d,
		clock:  realClock{},
		items:  make(map[string]window),
	}
}

// WithClock replaces the time source. It must be called before first use.
func (l *InMemoryLimiter) WithClock(c Clock) *InMemoryLimiter {
	l.clock = c
	return l
}

func (l *InMemoryLimiter) Window() time.Duration {
	return l.window
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.items[key]
	if !ok || now.Sub(w.start) > l.window {
		w = window{start: now}
	}
	w.count++
	l.items[key] = w

	return Decision{
		Allowed:   w.count <= limit,
		Count:     w.count,
		Limit:     limit,
		Remaining: max(limit-w.count, 0),
		ResetAt:   w.start.Add(l.window),
	}
}

// Sweep evicts expired windows and returns how many were removed.
func (l *InMemoryLimiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.items {
		if now.Sub(w.start) > l.window {
			delete(l.items, k)
			n++
		}
	}
	return n
}

// Len is the number of live windows.
func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Start sweeps every interval until Stop. Calling Start twice is a no-op.
func (l *InMemoryLimiter) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stop, l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (l *InMemoryLimiter) Stop() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.mu.Unlock()
	if stop == nil {
		return
	}
	l.stopOnce.Do(func() { close(stop) })
	<-done
}
