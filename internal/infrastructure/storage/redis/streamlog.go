// Package redis implements the stream log port on Redis Streams:
// XADD with approximate MAXLEN trimming on the publish side,
// XREADGROUP/XACK/XAUTOCLAIM for consumer groups, XPENDING and group
// lag for backlog monitoring.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chainbus/internal/application/port"
)

type StreamLog struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *StreamLog {
	return &StreamLog{rdb: rdb}
}

// Dial connects and pings so a bad address fails at bootstrap, not on
// the first publish.
func Dial(addr string, db int) (*StreamLog, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &StreamLog{rdb: rdb}, nil
}

func (l *StreamLog) Append(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	return l.rdb.XAdd(ctx, xaddArgs(stream, maxLen, fields)).Result()
}

func (l *StreamLog) AppendBatch(ctx context.Context, stream string, maxLen int64, batch []map[string]string) ([]string, error) {
	pipe := l.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(batch))
	for i, fields := range batch {
		cmds[i] = pipe.XAdd(ctx, xaddArgs(stream, maxLen, fields))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		id, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func xaddArgs(stream string, maxLen int64, fields map[string]string) *redis.XAddArgs {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}
}

func (l *StreamLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (l *StreamLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]port.LogEntry, error) {
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // blocked read timed out
	}
	if err != nil {
		return nil, err
	}
	var out []port.LogEntry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, port.LogEntry{ID: m.ID, Fields: toFields(m.Values)})
		}
	}
	return out, nil
}

func (l *StreamLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return l.rdb.XAck(ctx, stream, group, ids...).Err()
}

func (l *StreamLog) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]port.LogEntry, string, error) {
	msgs, next, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err == redis.Nil {
		return nil, "0-0", nil
	}
	if err != nil {
		return nil, "0-0", err
	}
	out := make([]port.LogEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, port.LogEntry{ID: m.ID, Fields: toFields(m.Values)})
	}
	return out, next, nil
}

// Backlog combines the group's lag (entries never delivered) with its
// pending set (delivered, unacknowledged). OldestAge comes from the
// lowest pending id's embedded millisecond timestamp.
func (l *StreamLog) Backlog(ctx context.Context, stream, group string) (port.Backlog, error) {
	var b port.Backlog

	groups, err := l.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if isMissing(err) {
			return b, nil
		}
		return b, err
	}
	for _, g := range groups {
		if g.Name == group {
			b.Depth = g.Lag
			break
		}
	}

	pending, err := l.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if isMissing(err) {
			return b, nil
		}
		return b, err
	}
	b.Depth += pending.Count
	if pending.Count > 0 {
		if ms, ok := idMillis(pending.Lower); ok {
			b.OldestAge = time.Duration(time.Now().UnixMilli()-ms) * time.Millisecond
			if b.OldestAge < 0 {
				b.OldestAge = 0
			}
		}
	}
	return b, nil
}

func (l *StreamLog) Close() error { return l.rdb.Close() }

func isMissing(err error) bool {
	return err == redis.Nil ||
		strings.Contains(err.Error(), "NOGROUP") ||
		strings.Contains(err.Error(), "no such key")
}

// idMillis extracts the millisecond prefix of a stream id like
// "1712345678901-4".
func idMillis(id string) (int64, bool) {
	dash := strings.IndexByte(id, '-')
	if dash <= 0 {
		return 0, false
	}
	ms, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

func toFields(values map[string]interface{}) map[string]string {
	f := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			f[k] = s
		default:
			f[k] = fmt.Sprint(v)
		}
	}
	return f
}

var _ port.StreamLog = (*StreamLog)(nil)
