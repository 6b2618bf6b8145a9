// Package ratelimit provides the minimum-interval gate that keeps outbound
// status pushes from flooding the server.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultMinInterval is the minimum spacing between two status pushes.
const DefaultMinInterval = 5 * time.Second

// Gate admits at most one call per MinInterval. Calls arriving too soon are
// rejected rather than delayed; the caller decides what to do with them.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
	now         func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a gate. A non-positive interval falls back to
// DefaultMinInterval.
func NewGate(minInterval time.Duration, opts ...Option) *Gate {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	g := &Gate{
		minInterval: minInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allow reports whether a call may proceed now and, if so, records it.
func (g *Gate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.last.IsZero() && now.Sub(g.last) < g.minInterval {
		return false
	}
	g.last = now
	return true
}

// Mark records a call that bypassed Allow so later calls keep their spacing.
func (g *Gate) Mark() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = g.now()
}

// WaitTime returns how long until Allow would succeed.
func (g *Gate) WaitTime() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last.IsZero() {
		return 0
	}
	remaining := g.minInterval - g.now().Sub(g.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Last returns when the most recent admitted call happened.
func (g *Gate) Last() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Reset forgets the previous call.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = time.Time{}
}

// MinInterval returns the configured spacing.
func (g *Gate) MinInterval() time.Duration {
	return g.minInterval
}
