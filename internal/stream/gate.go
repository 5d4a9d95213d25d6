package stream

import (
	"context"
	"sync"
)

// Gate is the producer-side backpressure valve. It closes when the
// consumer backlog crosses the high watermark and reopens only once the
// backlog has drained below the low watermark; the spread between the
// two avoids flapping around a single threshold.
type Gate struct {
	high int64
	low  int64

	mu     sync.Mutex
	closed bool
	ready  chan struct{} // closed while the gate is open
	pauses int64
}

func NewGate(high, low int64) *Gate {
	ready := make(chan struct{})
	close(ready)
	return &Gate{high: high, low: low, ready: ready}
}

// Update feeds the latest backlog depth; the monitor loop calls this.
func (g *Gate) Update(depth int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed && depth >= g.high {
		g.closed = true
		g.ready = make(chan struct{})
		g.pauses++
	} else if g.closed && depth <= g.low {
		g.closed = false
		close(g.ready)
	}
}

func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed
}

// Pauses counts high-watermark crossings, for the stats report.
func (g *Gate) Pauses() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauses
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ready := g.ready
	g.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
