package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chainbus/internal/application/port"
	"chainbus/internal/infrastructure/config"
)

type inertLog struct{}

func (inertLog) Append(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	return "1-0", nil
}

func (inertLog) AppendBatch(ctx context.Context, stream string, maxLen int64, batch []map[string]string) ([]string, error) {
	return make([]string, len(batch)), nil
}

func (inertLog) EnsureGroup(ctx context.Context, stream, group string) error { return nil }

func (inertLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]port.LogEntry, error) {
	return nil, nil
}

func (inertLog) Ack(ctx context.Context, stream, group string, ids ...string) error { return nil }

func (inertLog) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]port.LogEntry, string, error) {
	return nil, "0-0", nil
}

func (inertLog) Backlog(ctx context.Context, stream, group string) (port.Backlog, error) {
	return port.Backlog{}, nil
}

func (inertLog) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CHAINBUS_SIGNING_KEY", "test-secret")
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Cache.Path = filepath.Join(dir, "prices")
	cfg.Cache.Capacity = 8
	cfg.Signing.KeyEnv = "CHAINBUS_SIGNING_KEY"
	cfg.Archive.SQLitePath = filepath.Join(dir, "archive.db")
	cfg.Stream.Name = "opps"
	cfg.Stream.Group = "archive"
	cfg.Stream.MaxWaitMs = 3_600_000
	return cfg
}

func TestContainerCacheIsSingleton(t *testing.T) {
	c := New(testConfig(t), inertLog{})
	defer c.Close()

	first, err := c.Cache()
	if err != nil {
		t.Fatalf("Cache failed: %v", err)
	}
	second, err := c.Cache()
	if err != nil {
		t.Fatalf("second Cache failed: %v", err)
	}
	if first != second {
		t.Error("Cache returned distinct instances")
	}
	if got := first.Capacity(); got != 8 {
		t.Errorf("capacity = %d, want 8", got)
	}
}

func TestContainerCacheAttachesToExistingRegion(t *testing.T) {
	cfg := testConfig(t)

	c1 := New(cfg, inertLog{})
	cache1, err := c1.Cache()
	if err != nil {
		t.Fatalf("first Cache failed: %v", err)
	}
	if _, err := cache1.Set("BTC/USD", 50000.12, 7); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	c2 := New(cfg, inertLog{})
	defer c2.Close()
	cache2, err := c2.Cache()
	if err != nil {
		t.Fatalf("attaching Cache failed: %v", err)
	}
	if v, _, ok := cache2.Get("BTC/USD"); !ok || v != 50000.12 {
		t.Errorf("Get = (%v, %v), want (50000.12, true)", v, ok)
	}

	if err := c1.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestContainerChannelAndArchiver(t *testing.T) {
	c := New(testConfig(t), inertLog{})
	defer c.Close()

	ch, err := c.Channel()
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	if ch.Stream() != "opps" || ch.DeadStream() != "opps:dead" {
		t.Errorf("stream names = %q / %q", ch.Stream(), ch.DeadStream())
	}

	if _, err := c.Archiver(); err != nil {
		t.Fatalf("Archiver failed: %v", err)
	}

	warm, err := c.WarmArchive()
	if err != nil {
		t.Fatalf("WarmArchive failed: %v", err)
	}
	if warm != nil {
		t.Error("WarmArchive built without a DSN configured")
	}
}
