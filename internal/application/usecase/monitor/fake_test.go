package monitor

import (
	"context"
	"time"

	"chainbus/internal/application/port"
)

// fakeBacklogLog is just enough of the log port for monitor tests: a
// settable backlog depth, everything else inert.
type fakeBacklogLog struct {
	depth int64
}

func newFakeBacklogLog() *fakeBacklogLog { return &fakeBacklogLog{} }

func (f *fakeBacklogLog) Append(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	return "1-0", nil
}

func (f *fakeBacklogLog) AppendBatch(ctx context.Context, stream string, maxLen int64, batch []map[string]string) ([]string, error) {
	return make([]string, len(batch)), nil
}

func (f *fakeBacklogLog) EnsureGroup(ctx context.Context, stream, group string) error { return nil }

func (f *fakeBacklogLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]port.LogEntry, error) {
	return nil, nil
}

func (f *fakeBacklogLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return nil
}

func (f *fakeBacklogLog) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]port.LogEntry, string, error) {
	return nil, "0-0", nil
}

func (f *fakeBacklogLog) Backlog(ctx context.Context, stream, group string) (port.Backlog, error) {
	return port.Backlog{Depth: f.depth}, nil
}

func (f *fakeBacklogLog) Close() error { return nil }

var _ port.StreamLog = (*fakeBacklogLog)(nil)
