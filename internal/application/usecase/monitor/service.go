// Package monitor watches consumer lag and feeds the backpressure
// gate. Trimming the length-capped log can outrun slow consumers, so
// this loop is mandatory wherever producers run.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"chainbus/internal/pricecache"
	"chainbus/internal/stream"
)

type ServiceDeps struct {
	Channel *stream.Channel
	Cache   *pricecache.Cache // optional; nil skips cache counters
	Every   time.Duration
}

type Service struct {
	deps ServiceDeps
}

func NewService(deps ServiceDeps) *Service {
	if deps.Every <= 0 {
		deps.Every = 10 * time.Second
	}
	return &Service{deps: deps}
}

// Run polls backlog until ctx is done. Every tick updates the gate and
// emits one structured report line for scraping.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	ch := s.deps.Channel

	backlog, err := ch.Backlog(ctx)
	if err != nil {
		log.Warn().Err(err).Str("stream", ch.Stream()).Msg("backlog probe failed")
		return
	}
	ch.Gate().Update(backlog.Depth)

	queued, queuedBytes := ch.Pending()
	snap := ch.Stats().Snapshot()

	ev := log.Info().
		Str("stream", ch.Stream()).
		Int64("backlog", backlog.Depth).
		Dur("oldest_unread", backlog.OldestAge).
		Bool("gate_open", ch.Gate().Open()).
		Int64("gate_pauses", ch.Gate().Pauses()).
		Int("queued", queued).
		Int("queued_bytes", queuedBytes).
		Int64("published", snap.Published).
		Int64("delivered", snap.Delivered).
		Int64("dead_lettered", snap.DeadLettered).
		Int64("dropped", snap.Dropped).
		Int64("reclaimed", snap.Reclaimed)
	if s.deps.Cache != nil {
		ev = ev.
			Int("keys", s.deps.Cache.Registry().Len()).
			Uint64("read_retry_exhausted", s.deps.Cache.RetryExhausted())
	}
	ev.Msg("channel report")
}
