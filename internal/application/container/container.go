package container

import (
	"os"
	"time"

	"chainbus/internal/application/port"
	"chainbus/internal/application/service"
	"chainbus/internal/infrastructure/config"
	"chainbus/internal/infrastructure/storage/postgres"
	redislog "chainbus/internal/infrastructure/storage/redis"
	"chainbus/internal/infrastructure/storage/sqlite"
	"chainbus/internal/pricecache"
	"chainbus/internal/stream"
)

// Container wires the process's long-lived components from config,
// lazily. Nothing here is a global: the bootstrap owns the container
// and hands dependencies down explicitly.
type Container struct {
	cfg *config.Config

	slog     port.StreamLog
	cache    *pricecache.Cache
	channel  *stream.Channel
	local    *sqlite.Archive
	warm     *postgres.Archive
	archiver *service.Archiver
}

// New builds a container. A non-nil slog overrides the Redis dial,
// which tests use to substitute a fake log.
func New(cfg *config.Config, slog port.StreamLog) *Container {
	return &Container{cfg: cfg, slog: slog}
}

func (c *Container) StreamLog() (port.StreamLog, error) {
	if c.slog == nil {
		l, err := redislog.Dial(c.cfg.Stream.RedisAddr, c.cfg.Stream.RedisDB)
		if err != nil {
			return nil, err
		}
		c.slog = l
	}
	return c.slog, nil
}

// Cache attaches to an existing shared region, or creates it when this
// process is first up.
func (c *Container) Cache() (*pricecache.Cache, error) {
	if c.cache == nil {
		cache, err := pricecache.Attach(c.cfg.Cache.Path)
		if os.IsNotExist(err) {
			cache, err = pricecache.New(c.cfg.Cache.Path, c.cfg.Cache.Capacity)
		}
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}
	return c.cache, nil
}

func (c *Container) Channel() (*stream.Channel, error) {
	if c.channel == nil {
		slog, err := c.StreamLog()
		if err != nil {
			return nil, err
		}
		sc := c.cfg.Stream
		c.channel = stream.NewChannel(slog, stream.NewSigner(c.cfg.SigningKey()), stream.ChannelConfig{
			Stream:         sc.Name,
			Group:          sc.Group,
			MaxLen:         sc.MaxLen,
			DeadMaxLen:     sc.DeadMaxLen,
			PublishRetries: sc.PublishRetry,
			BackoffBase:    time.Duration(sc.BackoffBaseMs) * time.Millisecond,
			BackoffMax:     time.Duration(sc.BackoffMaxMs) * time.Millisecond,
			HighWatermark:  sc.HighWatermark,
			LowWatermark:   sc.LowWatermark,
			Batch: stream.BatcherConfig{
				MaxBatchSize:  sc.MaxBatchSize,
				MaxWait:       time.Duration(sc.MaxWaitMs) * time.Millisecond,
				QueueCap:      sc.QueueCap,
				QueueBytesCap: sc.QueueBytesCap,
			},
		})
	}
	return c.channel, nil
}

func (c *Container) ConsumerConfig(name string) stream.ConsumerConfig {
	sc := c.cfg.Stream
	return stream.ConsumerConfig{
		Group:        sc.Group,
		Name:         name,
		PollTimeout:  time.Duration(sc.PollTimeoutMs) * time.Millisecond,
		BackoffBase:  time.Duration(sc.BackoffBaseMs) * time.Millisecond,
		BackoffMax:   time.Duration(sc.BackoffMaxMs) * time.Millisecond,
		ReclaimIdle:  time.Duration(sc.ReclaimIdleMs) * time.Millisecond,
		ReclaimEvery: time.Duration(sc.ReclaimEveryS) * time.Second,
	}
}

func (c *Container) LocalArchive() (*sqlite.Archive, error) {
	if c.local == nil {
		a, err := sqlite.New(c.cfg.Archive.SQLitePath)
		if err != nil {
			return nil, err
		}
		c.local = a
	}
	return c.local, nil
}

// WarmArchive returns nil without error when Postgres is not
// configured; the caller skips that consumer.
func (c *Container) WarmArchive() (*postgres.Archive, error) {
	if c.cfg.Archive.PostgresDSN == "" {
		return nil, nil
	}
	if c.warm == nil {
		a, err := postgres.New(c.cfg.Archive.PostgresDSN)
		if err != nil {
			return nil, err
		}
		c.warm = a
	}
	return c.warm, nil
}

func (c *Container) Archiver() (*service.Archiver, error) {
	if c.archiver == nil {
		local, err := c.LocalArchive()
		if err != nil {
			return nil, err
		}
		c.archiver = service.NewArchiver(local)
	}
	return c.archiver, nil
}

// Close releases everything built so far: the channel drains its queue
// first so shutdown never silently drops queued messages.
func (c *Container) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.channel != nil {
		keep(c.channel.Close())
	}
	if c.local != nil {
		keep(c.local.Close())
	}
	if c.warm != nil {
		keep(c.warm.Close())
	}
	if c.slog != nil {
		keep(c.slog.Close())
	}
	if c.cache != nil {
		keep(c.cache.Close())
	}
	return first
}
