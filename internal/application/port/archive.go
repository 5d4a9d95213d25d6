package port

import "context"

// Archive persists delivered opportunities and dead-lettered entries
// for inspection. Implementations: sqlite (local journal), postgres
// (long-term store).
type Archive interface {
	InsertOpportunity(ctx context.Context, traceID, kind, key string, value float64, tsMs int64, payload string) error
	InsertDeadLetter(ctx context.Context, stream, entryID, reason, fieldsJSON string) error
	Close() error
}
