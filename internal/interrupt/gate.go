package interrupt

import (
	"context"
	"sync"
)

// Gate admits one assistant turn at a time. Turns are granted in Join order.
type Gate struct {
	mu      sync.Mutex
	busy    bool
	waiters []*Turn
}

// Turn is a place in the gate's queue.
type Turn struct {
	gate   *Gate
	ready  chan struct{}
	queued bool
	once   sync.Once
}

// NewGate returns an idle gate.
func NewGate() *Gate {
	return &Gate{}
}

// Join takes a place in line without blocking. The returned turn is already
// granted when nothing is in flight.
func (g *Gate) Join() *Turn {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := &Turn{gate: g, ready: make(chan struct{})}
	if !g.busy {
		g.busy = true
		close(t.ready)
		return t
	}
	t.queued = true
	g.waiters = append(g.waiters, t)
	return t
}

// Pending reports whether an assistant turn is in flight.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// Waiting returns how many turns are queued behind the one in flight.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

func (g *Gate) release(t *Turn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, w := range g.waiters {
		if w == t {
			// 排队中放弃，不影响正在进行的回合。
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(next.ready)
		return
	}
	g.busy = false
}

// Queued reports whether the turn had to wait behind another one.
func (t *Turn) Queued() bool {
	return t.queued
}

// Wait blocks until the turn is granted. On ctx cancellation the turn is given up.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		t.Done()
		return ctx.Err()
	}
}

// Done hands the gate to the next turn. Safe to call more than once.
func (t *Turn) Done() {
	t.once.Do(func() { t.gate.release(t) })
}
