package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chainbus/internal/application/port"
)

// fakeLog is an in-memory port.StreamLog with consumer-group semantics
// close enough to the real log for channel and consumer tests: ordered
// append with trim, per-group cursor, pending set, idle-based claim.
type fakeLog struct {
	mu      sync.Mutex
	streams map[string]*fakeStream

	failAppends int // fail this many upcoming appends
	failReads   int
	appendCalls int
}

type fakeStream struct {
	entries []port.LogEntry
	nextID  int64
	groups  map[string]*fakeGroup
}

type fakeGroup struct {
	cursor  int64 // count of entries handed out as "new"
	pending map[string]*fakePending
}

type fakePending struct {
	entry    port.LogEntry
	consumer string
	since    time.Time
}

func newFakeLog() *fakeLog {
	return &fakeLog{streams: make(map[string]*fakeStream)}
}

func (f *fakeLog) stream(name string) *fakeStream {
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{groups: make(map[string]*fakeGroup)}
		f.streams[name] = s
	}
	return s
}

func (f *fakeLog) Append(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	ids, err := f.AppendBatch(ctx, stream, maxLen, []map[string]string{fields})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (f *fakeLog) AppendBatch(ctx context.Context, stream string, maxLen int64, batch []map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if f.failAppends > 0 {
		f.failAppends--
		return nil, fmt.Errorf("fake: append refused")
	}
	s := f.stream(stream)
	ids := make([]string, len(batch))
	for i, fields := range batch {
		s.nextID++
		id := fmt.Sprintf("%d-0", s.nextID)
		cp := make(map[string]string, len(fields))
		for k, v := range fields {
			cp[k] = v
		}
		s.entries = append(s.entries, port.LogEntry{ID: id, Fields: cp})
		ids[i] = id
	}
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		drop := int64(len(s.entries)) - maxLen
		s.entries = s.entries[drop:]
		for _, g := range s.groups {
			g.cursor -= drop
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	return ids, nil
}

func (f *fakeLog) EnsureGroup(ctx context.Context, stream, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &fakeGroup{pending: make(map[string]*fakePending)}
	}
	return nil
}

func (f *fakeLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]port.LogEntry, error) {
	f.mu.Lock()
	if f.failReads > 0 {
		f.failReads--
		f.mu.Unlock()
		return nil, fmt.Errorf("fake: read refused")
	}
	s := f.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake: no such group %s", group)
	}
	var out []port.LogEntry
	for int64(len(out)) < count && g.cursor < int64(len(s.entries)) {
		e := s.entries[g.cursor]
		g.cursor++
		g.pending[e.ID] = &fakePending{entry: e, consumer: consumer, since: time.Now()}
		out = append(out, e)
	}
	f.mu.Unlock()
	if len(out) == 0 && block > 0 {
		// keep test loops from spinning hot
		time.Sleep(time.Millisecond)
	}
	return out, nil
}

func (f *fakeLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.stream(stream).groups[group]
	if g == nil {
		return fmt.Errorf("fake: no such group %s", group)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (f *fakeLog) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]port.LogEntry, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.stream(stream).groups[group]
	if g == nil {
		return nil, "0-0", fmt.Errorf("fake: no such group %s", group)
	}
	var out []port.LogEntry
	now := time.Now()
	for _, p := range g.pending {
		if int64(len(out)) >= count {
			break
		}
		if now.Sub(p.since) >= minIdle {
			p.consumer = consumer
			p.since = now
			out = append(out, p.entry)
		}
	}
	return out, "0-0", nil
}

func (f *fakeLog) Backlog(ctx context.Context, stream, group string) (port.Backlog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	g := s.groups[group]
	var b port.Backlog
	if g == nil {
		b.Depth = int64(len(s.entries))
		return b, nil
	}
	b.Depth = int64(len(s.entries)) - g.cursor + int64(len(g.pending))
	oldest := time.Time{}
	for _, p := range g.pending {
		if oldest.IsZero() || p.since.Before(oldest) {
			oldest = p.since
		}
	}
	if !oldest.IsZero() {
		b.OldestAge = time.Since(oldest)
	}
	return b, nil
}

func (f *fakeLog) Close() error { return nil }

// test helpers

func (f *fakeLog) entriesOf(stream string) []port.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	out := make([]port.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (f *fakeLog) pendingOf(stream, group string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.stream(stream).groups[group]
	if g == nil {
		return 0
	}
	return len(g.pending)
}

func (f *fakeLog) agePending(stream, group string, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.stream(stream).groups[group]
	for _, p := range g.pending {
		p.since = p.since.Add(-by)
	}
}

var _ port.StreamLog = (*fakeLog)(nil)
