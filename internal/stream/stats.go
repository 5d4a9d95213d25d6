package stream

import "sync/atomic"

// Stats are the channel's externally scraped counters. One instance is
// shared by the publisher and every consumer built from a Channel.
type Stats struct {
	published      atomic.Int64
	publishRetries atomic.Int64
	dropped        atomic.Int64
	delivered      atomic.Int64
	duplicates     atomic.Int64
	deadLettered   atomic.Int64
	reclaimed      atomic.Int64
	pollErrors     atomic.Int64
	handlerErrors  atomic.Int64
}

type StatsSnapshot struct {
	Published      int64
	PublishRetries int64
	Dropped        int64
	Delivered      int64
	Duplicates     int64
	DeadLettered   int64
	Reclaimed      int64
	PollErrors     int64
	HandlerErrors  int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Published:      s.published.Load(),
		PublishRetries: s.publishRetries.Load(),
		Dropped:        s.dropped.Load(),
		Delivered:      s.delivered.Load(),
		Duplicates:     s.duplicates.Load(),
		DeadLettered:   s.deadLettered.Load(),
		Reclaimed:      s.reclaimed.Load(),
		PollErrors:     s.pollErrors.Load(),
		HandlerErrors:  s.handlerErrors.Load(),
	}
}
