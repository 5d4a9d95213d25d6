package port

import (
	"context"
	"time"
)

// LogEntry is one persisted unit of the external append-only log, as
// returned by reads: log-assigned monotonic id plus flat string fields.
type LogEntry struct {
	ID     string
	Fields map[string]string
}

// Backlog describes how far a consumer group trails a stream.
type Backlog struct {
	Depth     int64         // undelivered + unacknowledged entries
	OldestAge time.Duration // age of the oldest unacknowledged entry
}

// StreamLog abstracts the external log (Redis Streams in production).
// Appends are serialized by the log itself; the consumer-group protocol
// serializes claims, so implementations need no client-side locking.
type StreamLog interface {
	// Append adds one entry, trimming the stream to roughly maxLen.
	Append(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error)

	// AppendBatch appends entries in order as one round trip.
	AppendBatch(ctx context.Context, stream string, maxLen int64, batch []map[string]string) ([]string, error)

	// EnsureGroup creates the consumer group if missing. Idempotent.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup blocks up to block for new entries for this consumer.
	// An empty result and nil error means the wait timed out.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]LogEntry, error)

	// Ack removes entries from the group's pending set. Acking an
	// already-acked id is a no-op.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// ClaimStale transfers entries pending longer than minIdle to
	// consumer, scanning from start. next is the cursor for the
	// following call; "0-0" means the scan wrapped.
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) (entries []LogEntry, next string, err error)

	// Backlog reports depth and oldest-unacknowledged age for group.
	Backlog(ctx context.Context, stream, group string) (Backlog, error)

	Close() error
}
