package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"chainbus/internal/application/port"
)

type ChannelConfig struct {
	Stream     string // main log name
	DeadStream string // defaults to Stream + ":dead"
	Group      string // group whose lag drives backpressure
	MaxLen     int64  // log length cap; oldest entries trimmed past it
	DeadMaxLen int64

	Batch BatcherConfig

	PublishRetries int           // append attempts per batch
	BackoffBase    time.Duration // first retry delay, doubled per attempt
	BackoffMax     time.Duration

	HighWatermark int64
	LowWatermark  int64
}

func (c *ChannelConfig) defaults() {
	if c.DeadStream == "" {
		c.DeadStream = c.Stream + ":dead"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 100_000
	}
	if c.DeadMaxLen <= 0 {
		c.DeadMaxLen = 10_000
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 8000
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = 2000
	}
}

// Channel is the publish side of one named stream plus the factory for
// its consumers. Outgoing messages are batched, signed and appended to
// the log; the log is length-capped, so sustained consumer lag
// eventually trims the oldest unread entries. That trade is deliberate
// and is why the channel carries a backpressure gate fed by lag
// monitoring.
type Channel struct {
	log    port.StreamLog
	signer *Signer
	cfg    ChannelConfig

	batcher *Batcher
	gate    *Gate
	stats   *Stats
}

func NewChannel(slog port.StreamLog, signer *Signer, cfg ChannelConfig) *Channel {
	cfg.defaults()
	c := &Channel{
		log:    slog,
		signer: signer,
		cfg:    cfg,
		gate:   NewGate(cfg.HighWatermark, cfg.LowWatermark),
		stats:  &Stats{},
	}
	c.batcher = NewBatcher(cfg.Batch, c.appendBatch)
	return c
}

func (c *Channel) Stream() string     { return c.cfg.Stream }
func (c *Channel) DeadStream() string { return c.cfg.DeadStream }
func (c *Channel) Gate() *Gate        { return c.gate }
func (c *Channel) Stats() *Stats      { return c.stats }

// Pending reports the in-memory publish queue, for the monitor.
func (c *Channel) Pending() (count, bytes int) { return c.batcher.Pending() }

// Publish waits for the backpressure gate, then enqueues. The enqueue
// itself never blocks; only a closed gate or ctx cancels the wait.
func (c *Channel) Publish(ctx context.Context, m Message) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}
	return c.add(m)
}

// TryPublish never blocks: a closed gate returns ErrThrottled.
func (c *Channel) TryPublish(m Message) error {
	if !c.gate.Open() {
		return ErrThrottled
	}
	return c.add(m)
}

func (c *Channel) add(m Message) error {
	if err := c.batcher.Add(m); err != nil {
		if err == ErrQueueFull {
			c.stats.dropped.Add(1)
		}
		return err
	}
	return nil
}

// Flush forces the queued messages out now.
func (c *Channel) Flush(ctx context.Context) error { return c.batcher.Flush(ctx) }

// Drain closes publishing and flushes everything still queued.
func (c *Channel) Drain(ctx context.Context) error { return c.batcher.Drain(ctx) }

// Close drains and shuts down the background flusher. Idempotent.
func (c *Channel) Close() error { return c.batcher.Close() }

// appendBatch is the batcher's flush function: sign every message and
// append the batch in one round trip, retrying with exponential backoff
// on transport errors. An exhausted retry budget returns the error, and
// the batcher puts the whole batch back in the queue.
func (c *Channel) appendBatch(ctx context.Context, batch []Message) error {
	enc := make([]map[string]string, len(batch))
	for i, m := range batch {
		f := m.fields()
		c.signer.Attach(f)
		enc[i] = f
	}

	delay := c.cfg.BackoffBase
	var lastErr error
	for attempt := 0; attempt < c.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			c.stats.publishRetries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.BackoffMax {
				delay = c.cfg.BackoffMax
			}
		}
		if _, err := c.log.AppendBatch(ctx, c.cfg.Stream, c.cfg.MaxLen, enc); err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("stream", c.cfg.Stream).
				Int("batch", len(batch)).
				Int("attempt", attempt+1).
				Msg("batch append failed")
			continue
		}
		c.stats.published.Add(int64(len(batch)))
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRetriesSpent, lastErr)
}

// deadLetter forwards a failed entry, itself signed, to the dead-letter
// stream. Dead letters are kept for inspection and never auto-replayed.
func (c *Channel) deadLetter(ctx context.Context, origin string, entry port.LogEntry, reason string) error {
	f := map[string]string{
		"origin_stream": origin,
		"origin_id":     entry.ID,
		"reason":        reason,
		"fields":        encodeFieldsJSON(entry.Fields),
		"dead_ts_ms":    fmt.Sprint(time.Now().UnixMilli()),
	}
	c.signer.Attach(f)
	_, err := c.log.Append(ctx, c.cfg.DeadStream, c.cfg.DeadMaxLen, f)
	if err == nil {
		c.stats.deadLettered.Add(1)
	}
	return err
}

// Backlog reports the monitored group's depth and oldest-unread age.
func (c *Channel) Backlog(ctx context.Context) (port.Backlog, error) {
	return c.log.Backlog(ctx, c.cfg.Stream, c.cfg.Group)
}
