// Package connectivity tracks whether the relief server is reachable and
// notifies subscribers on each online/offline transition.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Source observes the network and calls report with every reading until ctx
// is done. Readings need not be transitions; Monitor deduplicates them.
type Source interface {
	Watch(ctx context.Context, report func(online bool)) error
}

type Handler func(ctx context.Context)

type Monitor struct {
	online atomic.Bool
	logger *slog.Logger

	transition sync.Mutex

	mu        sync.Mutex
	onOnline  []Handler
	onOffline []Handler
}

// NewMonitor starts in the given state without firing handlers.
func NewMonitor(initial bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{logger: logger}
	m.online.Store(initial)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnOnline registers fn to run on each offline-to-online transition.
func (m *Monitor) OnOnline(fn Handler) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// OnOffline registers fn to run on each online-to-offline transition.
func (m *Monitor) OnOffline(fn Handler) {
	m.mu.Lock()
	m.onOffline = append(m.onOffline, fn)
	m.mu.Unlock()
}

// Set records a reading. Handlers run in the caller's goroutine, once per
// transition, and transitions never overlap. It reports whether the state
// changed.
func (m *Monitor) Set(ctx context.Context, online bool) bool {
	m.transition.Lock()
	defer m.transition.Unlock()

	if m.online.Swap(online) == online {
		return false
	}

	m.mu.Lock()
	handlers := m.onOffline
	if online {
		handlers = m.onOnline
	}
	handlers = append([]Handler(nil), handlers...)
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Warn("connectivity lost")
	}
	for _, h := range handlers {
		h(ctx)
	}
	return true
}

// Run feeds src readings into the monitor until ctx is done.
func (m *Monitor) Run(ctx context.Context, src Source) error {
	return src.Watch(ctx, func(online bool) { m.Set(ctx, online) })
}
