package stream

import (
	"context"
	"sync"
	"time"
)

// FlushFunc delivers one batch. It must be all-or-nothing: on error the
// batcher assumes nothing was durably written and re-queues the batch.
type FlushFunc func(ctx context.Context, batch []Message) error

type BatcherConfig struct {
	MaxBatchSize  int           // flush when this many messages are queued
	MaxWait       time.Duration // ...or when the oldest queued message is this old
	QueueCap      int           // hard cap on queued message count
	QueueBytesCap int           // soft cap on queued payload bytes
}

func (c *BatcherConfig) defaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 128
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 50 * time.Millisecond
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 8192
	}
	if c.QueueBytesCap <= 0 {
		c.QueueBytesCap = 8 << 20
	}
}

type item struct {
	msg  Message
	size int
	at   time.Time
}

// Batcher accumulates outgoing messages and flushes them as batches
// when a size or age threshold is hit, or on explicit Flush/Drain.
// Add never performs I/O.
type Batcher struct {
	cfg   BatcherConfig
	flush FlushFunc

	mu      sync.Mutex
	pending []item
	bytes   int
	closed  bool

	// flushMu serializes flushes; a Flush call waits for the in-flight
	// flush (including its re-queue on failure) rather than racing past
	// it on a momentarily empty queue.
	flushMu sync.Mutex

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewBatcher(cfg BatcherConfig, flush FlushFunc) *Batcher {
	cfg.defaults()
	b := &Batcher{
		cfg:   cfg,
		flush: flush,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Add enqueues without blocking; it returns ErrQueueFull when either
// capacity cap is exhausted and ErrClosed after Drain/Close.
func (b *Batcher) Add(m Message) error {
	sz := m.approxSize()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if len(b.pending) >= b.cfg.QueueCap || b.bytes+sz > b.cfg.QueueBytesCap {
		b.mu.Unlock()
		return ErrQueueFull
	}
	b.pending = append(b.pending, item{msg: m, size: sz, at: time.Now()})
	b.bytes += sz
	full := len(b.pending) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending reports queue depth and bytes, for the monitor.
func (b *Batcher) Pending() (count, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), b.bytes
}

func (b *Batcher) run() {
	defer close(b.done)
	timer := time.NewTimer(b.cfg.MaxWait)
	defer timer.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
		case <-timer.C:
		}

		b.mu.Lock()
		n := len(b.pending)
		var age time.Duration
		if n > 0 {
			age = time.Since(b.pending[0].at)
		}
		b.mu.Unlock()

		wait := b.cfg.MaxWait
		if n >= b.cfg.MaxBatchSize || (n > 0 && age >= b.cfg.MaxWait) {
			if err := b.Flush(context.Background()); err != nil {
				// messages are back in the queue; retry a full
				// interval later instead of spinning
				wait = b.cfg.MaxWait
			}
		}

		b.mu.Lock()
		if len(b.pending) > 0 {
			if d := b.cfg.MaxWait - time.Since(b.pending[0].at); d > 0 {
				wait = d
			} else {
				wait = time.Millisecond
			}
		}
		b.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// Flush drains the queue in enqueue order, MaxBatchSize messages per
// delivery. A failed delivery returns its entire batch to the head of
// the queue; partial delivery is not a reachable state from here as
// long as the FlushFunc honors its contract.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return nil
		}
		n := len(b.pending)
		if n > b.cfg.MaxBatchSize {
			n = b.cfg.MaxBatchSize
		}
		batch := make([]item, n)
		copy(batch, b.pending[:n])
		b.pending = b.pending[n:]
		for _, it := range batch {
			b.bytes -= it.size
		}
		b.mu.Unlock()

		msgs := make([]Message, n)
		for i, it := range batch {
			msgs[i] = it.msg
		}
		if err := b.flush(ctx, msgs); err != nil {
			b.mu.Lock()
			b.pending = append(batch, b.pending...)
			for _, it := range batch {
				b.bytes += it.size
			}
			b.mu.Unlock()
			return err
		}
	}
}

// Drain closes the queue to new messages and flushes what is left.
// Either every message reached the log or the flush error surfaces
// with the unflushed tail still queued; nothing is dropped silently.
func (b *Batcher) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush(ctx)
}

// Close stops the background flusher and drains. Idempotent: a second
// Close finds the queue already empty.
func (b *Batcher) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	return b.Drain(context.Background())
}
