package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App struct {
		LogLevel       string `toml:"log_level"`
		ReportEverySec int    `toml:"report_every_sec"`
	} `toml:"app"`

	Cache struct {
		Path     string `toml:"path"` // shared memory file, e.g. /dev/shm/chainbus-prices
		Capacity int    `toml:"capacity"`
	} `toml:"cache"`

	Stream struct {
		RedisAddr     string `toml:"redis_addr"`
		RedisDB       int    `toml:"redis_db"`
		Name          string `toml:"name"`  // e.g. chainbus:opportunities
		Group         string `toml:"group"` // consumer group for the archiver
		Consumer      string `toml:"consumer"`
		MaxLen        int64  `toml:"max_len"`
		DeadMaxLen    int64  `toml:"dead_max_len"`
		MaxBatchSize  int    `toml:"max_batch_size"`
		MaxWaitMs     int    `toml:"max_wait_ms"`
		QueueCap      int    `toml:"queue_cap"`
		QueueBytesCap int    `toml:"queue_bytes_cap"`
		PollTimeoutMs int    `toml:"poll_timeout_ms"`
		BackoffBaseMs int    `toml:"backoff_base_ms"`
		BackoffMaxMs  int    `toml:"backoff_max_ms"`
		PublishRetry  int    `toml:"publish_retry"`
		ReclaimIdleMs int    `toml:"reclaim_idle_ms"`
		ReclaimEveryS int    `toml:"reclaim_every_sec"`
		HighWatermark int64  `toml:"high_watermark"`
		LowWatermark  int64  `toml:"low_watermark"`
	} `toml:"stream"`

	Signing struct {
		KeyEnv string `toml:"key_env"` // env var holding the shared secret
	} `toml:"signing"`

	Archive struct {
		SQLitePath  string `toml:"sqlite_path"`
		PostgresDSN string `toml:"postgres_dsn"` // empty disables the pg archiver
	} `toml:"archive"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.ReportEverySec <= 0 {
		cfg.App.ReportEverySec = 10
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "/dev/shm/chainbus-prices"
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = 4096
	}
	if cfg.Stream.RedisAddr == "" {
		cfg.Stream.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.Stream.Name == "" {
		cfg.Stream.Name = "chainbus:opportunities"
	}
	if cfg.Stream.Group == "" {
		cfg.Stream.Group = "archive"
	}
	if cfg.Stream.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		cfg.Stream.Consumer = host + "-" + fmt.Sprint(os.Getpid())
	}
	if cfg.Stream.MaxLen <= 0 {
		cfg.Stream.MaxLen = 100_000
	}
	if cfg.Stream.DeadMaxLen <= 0 {
		cfg.Stream.DeadMaxLen = 10_000
	}
	if cfg.Stream.MaxBatchSize <= 0 {
		cfg.Stream.MaxBatchSize = 128
	}
	if cfg.Stream.MaxWaitMs <= 0 {
		cfg.Stream.MaxWaitMs = 50
	}
	if cfg.Stream.QueueCap <= 0 {
		cfg.Stream.QueueCap = 8192
	}
	if cfg.Stream.QueueBytesCap <= 0 {
		cfg.Stream.QueueBytesCap = 8 << 20
	}
	if cfg.Stream.PollTimeoutMs <= 0 {
		cfg.Stream.PollTimeoutMs = 2000
	}
	if cfg.Stream.BackoffBaseMs <= 0 {
		cfg.Stream.BackoffBaseMs = 100
	}
	if cfg.Stream.BackoffMaxMs <= 0 {
		cfg.Stream.BackoffMaxMs = 10_000
	}
	if cfg.Stream.PublishRetry <= 0 {
		cfg.Stream.PublishRetry = 5
	}
	if cfg.Stream.ReclaimIdleMs <= 0 {
		cfg.Stream.ReclaimIdleMs = 60_000
	}
	if cfg.Stream.ReclaimEveryS <= 0 {
		cfg.Stream.ReclaimEveryS = 30
	}
	// Hysteresis defaults: pause producers at 8k backlog, resume under 2k.
	if cfg.Stream.HighWatermark <= 0 {
		cfg.Stream.HighWatermark = 8000
	}
	if cfg.Stream.LowWatermark <= 0 {
		cfg.Stream.LowWatermark = 2000
	}
	if cfg.Signing.KeyEnv == "" {
		cfg.Signing.KeyEnv = "CHAINBUS_SIGNING_KEY"
	}
	if cfg.Archive.SQLitePath == "" {
		cfg.Archive.SQLitePath = "data/chainbus.db"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Stream.RedisAddr) == "" {
		return errors.New("stream.redis_addr is empty")
	}
	if cfg.Stream.LowWatermark >= cfg.Stream.HighWatermark {
		return errors.New("stream.low_watermark must be below stream.high_watermark")
	}
	if os.Getenv(cfg.Signing.KeyEnv) == "" {
		return fmt.Errorf("signing key env %s is not set", cfg.Signing.KeyEnv)
	}
	return nil
}

// SigningKey reads the shared secret from the configured env var.
func (c *Config) SigningKey() []byte {
	return []byte(os.Getenv(c.Signing.KeyEnv))
}
