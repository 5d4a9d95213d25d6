package service

import (
	"context"

	"chainbus/internal/application/port"
	"chainbus/internal/stream"
)

// Archiver bridges delivered opportunity messages into an Archive. It
// is the handler for an archive consumer group; duplicate deliveries
// collapse on trace_id inside the store.
type Archiver struct {
	archive port.Archive
}

func NewArchiver(archive port.Archive) *Archiver {
	return &Archiver{archive: archive}
}

func (a *Archiver) Handle(ctx context.Context, m stream.Message) error {
	return a.archive.InsertOpportunity(ctx, m.TraceID, m.Kind, m.Key, m.Value, m.TsMs, m.Payload)
}

// MirrorDeadLetter persists a quarantined entry for forensics. Wired
// as the raw handler of the dead-letter stream's consumer group.
func (a *Archiver) MirrorDeadLetter(ctx context.Context, e port.LogEntry) error {
	return a.archive.InsertDeadLetter(ctx,
		e.Fields["origin_stream"], e.Fields["origin_id"],
		e.Fields["reason"], e.Fields["fields"])
}
