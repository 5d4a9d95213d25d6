package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"chainbus/internal/application/port"
)

// Handler processes one verified message. A nil return acknowledges the
// entry; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, m Message) error

type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StatePolling
	StateDelivering
	StateBackoff
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDelivering:
		return "delivering"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

type ConsumerConfig struct {
	// Stream defaults to the channel's main stream; the dead-letter
	// mirror overrides it with the dead stream.
	Stream string
	Group  string
	Name   string // consumer name within the group

	BatchSize   int64
	PollTimeout time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Entries pending longer than ReclaimIdle are claimed from dead
	// consumers, at startup and every ReclaimEvery. This is what keeps
	// at-least-once delivery alive across consumer crashes.
	ReclaimIdle  time.Duration
	ReclaimEvery time.Duration

	// DedupWindow is how many recently delivered trace ids are
	// remembered to absorb duplicate deliveries.
	DedupWindow int
}

func (c *ConsumerConfig) defaults() {
	if c.Name == "" {
		c.Name = "consumer"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = time.Minute
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = 30 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 4096
	}
}

// Consumer is one member of a consumer group: a single-threaded
// blocking-poll loop whose only suspension points are log I/O. The
// handler runs to completion before the next poll, so a consumer never
// has overlapping in-flight handlers; run more Consumer instances for
// parallelism.
type Consumer struct {
	ch      *Channel
	cfg     ConsumerConfig
	handler Handler
	raw     RawHandler

	state atomic.Int32
	dedup *recentSet
}

// RawHandler receives the verified entry without message decoding;
// used by the dead-letter mirror, whose entries are not Messages.
type RawHandler func(ctx context.Context, e port.LogEntry) error

func (c *Channel) NewConsumer(cfg ConsumerConfig, handler Handler) *Consumer {
	cons := c.newConsumer(cfg)
	cons.handler = handler
	return cons
}

// NewRawConsumer delivers verified entries as-is, deduplicated by
// entry id instead of trace id.
func (c *Channel) NewRawConsumer(cfg ConsumerConfig, handler RawHandler) *Consumer {
	cons := c.newConsumer(cfg)
	cons.raw = handler
	return cons
}

func (c *Channel) newConsumer(cfg ConsumerConfig) *Consumer {
	cfg.defaults()
	if cfg.Stream == "" {
		cfg.Stream = c.cfg.Stream
	}
	if cfg.Group == "" {
		cfg.Group = c.cfg.Group
	}
	return &Consumer{
		ch:    c,
		cfg:   cfg,
		dedup: newRecentSet(cfg.DedupWindow),
	}
}

func (cons *Consumer) State() ConsumerState {
	return ConsumerState(cons.state.Load())
}

func (cons *Consumer) setState(s ConsumerState) {
	cons.state.Store(int32(s))
}

// Run polls until ctx is done. Transport errors move the consumer to
// BACKOFF with exponentially increasing delay, reset after the next
// successful poll; the loop only exits on cancellation.
func (cons *Consumer) Run(ctx context.Context) error {
	defer cons.setState(StateIdle)

	ch := cons.ch
	if err := ch.log.EnsureGroup(ctx, cons.cfg.Stream, cons.cfg.Group); err != nil {
		return err
	}

	log.Info().
		Str("stream", cons.cfg.Stream).
		Str("group", cons.cfg.Group).
		Str("consumer", cons.cfg.Name).
		Msg("consumer started")

	cons.reclaim(ctx)
	lastReclaim := time.Now()
	backoff := cons.cfg.BackoffBase

	for ctx.Err() == nil {
		if time.Since(lastReclaim) >= cons.cfg.ReclaimEvery {
			cons.reclaim(ctx)
			lastReclaim = time.Now()
		}

		cons.setState(StatePolling)
		entries, err := ch.log.ReadGroup(ctx, cons.cfg.Stream, cons.cfg.Group,
			cons.cfg.Name, cons.cfg.BatchSize, cons.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			ch.stats.pollErrors.Add(1)
			cons.setState(StateBackoff)
			log.Warn().Err(err).
				Str("group", cons.cfg.Group).
				Dur("backoff", backoff).
				Msg("poll failed")
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > cons.cfg.BackoffMax {
				backoff = cons.cfg.BackoffMax
			}
			continue
		}
		backoff = cons.cfg.BackoffBase
		cons.deliver(ctx, entries)
	}
	return ctx.Err()
}

// deliver verifies, dedups, handles and acknowledges a claimed batch.
// Entries failing verification never reach the handler: they are
// forwarded to the dead-letter stream and acknowledged immediately so
// they cannot wedge the group.
func (cons *Consumer) deliver(ctx context.Context, entries []port.LogEntry) {
	ch := cons.ch
	for _, e := range entries {
		if !ch.signer.Verify(e.Fields) {
			cons.quarantine(ctx, e, "signature mismatch")
			continue
		}
		if cons.raw != nil {
			cons.deliverRaw(ctx, e)
			continue
		}
		m, err := messageFromFields(e.Fields)
		if err != nil {
			cons.quarantine(ctx, e, err.Error())
			continue
		}
		if cons.dedup.has(m.TraceID) {
			ch.stats.duplicates.Add(1)
			cons.ack(ctx, e.ID)
			continue
		}

		cons.setState(StateDelivering)
		if err := cons.handler(ctx, m); err != nil {
			// no ack: the entry stays pending and is redelivered
			ch.stats.handlerErrors.Add(1)
			log.Warn().Err(err).
				Str("entry", e.ID).
				Str("trace", m.TraceID).
				Msg("handler failed, entry left pending")
			continue
		}
		cons.ack(ctx, e.ID)
		cons.dedup.add(m.TraceID)
		ch.stats.delivered.Add(1)
	}
}

func (cons *Consumer) deliverRaw(ctx context.Context, e port.LogEntry) {
	ch := cons.ch
	if cons.dedup.has(e.ID) {
		ch.stats.duplicates.Add(1)
		cons.ack(ctx, e.ID)
		return
	}
	cons.setState(StateDelivering)
	if err := cons.raw(ctx, e); err != nil {
		ch.stats.handlerErrors.Add(1)
		log.Warn().Err(err).Str("entry", e.ID).Msg("raw handler failed, entry left pending")
		return
	}
	cons.ack(ctx, e.ID)
	cons.dedup.add(e.ID)
	ch.stats.delivered.Add(1)
}

func (cons *Consumer) quarantine(ctx context.Context, e port.LogEntry, reason string) {
	ch := cons.ch
	if cons.cfg.Stream == ch.cfg.DeadStream {
		// already on the quarantine stream; a forged dead letter is
		// acked and skipped, never forwarded again
		log.Warn().Str("entry", e.ID).Str("reason", reason).Msg("forged dead-letter entry skipped")
		cons.ack(ctx, e.ID)
		return
	}
	if err := ch.deadLetter(ctx, cons.cfg.Stream, e, reason); err != nil {
		// keep the entry pending; it will be retried after reclaim
		log.Error().Err(err).Str("entry", e.ID).Msg("dead-letter append failed")
		return
	}
	log.Warn().Str("entry", e.ID).Str("reason", reason).Msg("entry dead-lettered")
	cons.ack(ctx, e.ID)
}

func (cons *Consumer) ack(ctx context.Context, id string) {
	ch := cons.ch
	if err := ch.log.Ack(ctx, cons.cfg.Stream, cons.cfg.Group, id); err != nil {
		// the entry stays pending and will be seen again; duplicates
		// are absorbed by the dedup window
		log.Warn().Err(err).Str("entry", id).Msg("ack failed")
	}
}

// reclaim claims entries other consumers left pending longer than
// ReclaimIdle and runs them through the normal delivery path.
func (cons *Consumer) reclaim(ctx context.Context) {
	ch := cons.ch
	start := "0-0"
	for {
		entries, next, err := ch.log.ClaimStale(ctx, cons.cfg.Stream, cons.cfg.Group,
			cons.cfg.Name, cons.cfg.ReclaimIdle, start, cons.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				ch.stats.pollErrors.Add(1)
				log.Warn().Err(err).Str("group", cons.cfg.Group).Msg("reclaim failed")
			}
			return
		}
		if len(entries) > 0 {
			ch.stats.reclaimed.Add(int64(len(entries)))
			log.Info().
				Int("entries", len(entries)).
				Str("group", cons.cfg.Group).
				Msg("reclaimed stale pending entries")
			cons.deliver(ctx, entries)
		}
		if next == "0-0" || len(entries) == 0 {
			return
		}
		start = next
	}
}

// recentSet remembers the last cap trace ids, evicting FIFO. Only the
// consumer loop touches it, so it is unsynchronized.
type recentSet struct {
	seen  map[string]struct{}
	order []string
	idx   int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{
		seen:  make(map[string]struct{}, n),
		order: make([]string, n),
	}
}

func (r *recentSet) has(id string) bool {
	_, ok := r.seen[id]
	return ok
}

func (r *recentSet) add(id string) {
	if _, ok := r.seen[id]; ok {
		return
	}
	if old := r.order[r.idx]; old != "" {
		delete(r.seen, old)
	}
	r.order[r.idx] = id
	r.idx = (r.idx + 1) % len(r.order)
	r.seen[id] = struct{}{}
}
