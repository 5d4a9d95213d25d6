package pricecache

import (
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCacheWriteRead(t *testing.T) {
	c := newTestCache(t, 8)

	slot, err := c.Set("BTC/USD", 50000.12, 1000)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, ts, ok := c.Read(slot)
	if !ok {
		t.Fatal("Read reported unavailable on an idle slot")
	}
	if v != 50000.12 || ts != 1000 {
		t.Fatalf("Read = (%v, %v), want (50000.12, 1000)", v, ts)
	}

	v, ts, ok = c.Get("BTC/USD")
	if !ok || v != 50000.12 || ts != 1000 {
		t.Fatalf("Get = (%v, %v, %v), want (50000.12, 1000, true)", v, ts, ok)
	}
}

func TestCacheGetMiss(t *testing.T) {
	c := newTestCache(t, 8)
	if _, _, ok := c.Get("UNKNOWN"); ok {
		t.Fatal("Get on unregistered key reported ok")
	}
}

func TestCacheBadSlot(t *testing.T) {
	c := newTestCache(t, 4)
	if err := c.Write(99, 1, 1); err != ErrBadSlot {
		t.Fatalf("expected ErrBadSlot, got %v", err)
	}
	if _, _, ok := c.Read(-1); ok {
		t.Fatal("Read on bad slot reported ok")
	}
}

func TestCacheOverwrite(t *testing.T) {
	c := newTestCache(t, 4)
	slot, _ := c.Set("ETH/USD", 2000.0, 10)
	if _, err := c.Set("ETH/USD", 2100.5, 20); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	v, ts, ok := c.Read(slot)
	if !ok || v != 2100.5 || ts != 20 {
		t.Fatalf("Read = (%v, %v, %v), want (2100.5, 20, true)", v, ts, ok)
	}
	if c.Registry().Len() != 1 {
		t.Fatalf("overwrite grew the registry to %d", c.Registry().Len())
	}
}

func TestCacheAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices")
	owner, err := New(path, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer owner.Close()

	if _, err := owner.Set("SOL/USD", 95.25, 42); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	other, err := Attach(path)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer other.Close()

	v, ts, ok := other.Get("SOL/USD")
	if !ok || v != 95.25 || ts != 42 {
		t.Fatalf("attached Get = (%v, %v, %v), want (95.25, 42, true)", v, ts, ok)
	}

	// writes through one handle are visible through the other
	if _, err := owner.Set("SOL/USD", 96.0, 43); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, _, ok = other.Get("SOL/USD")
	if !ok || v != 96.0 {
		t.Fatalf("attached Get after write = (%v, %v), want (96, true)", v, ok)
	}
}

func TestAttachRejectsForeignRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus")
	c, err := New(path, 4)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.hdr.magic = 0xdeadbeef
	c.Close()

	if _, err := Attach(path); err != ErrBadRegion {
		t.Fatalf("expected ErrBadRegion, got %v", err)
	}
}

// One writer hammering a slot, several readers spinning on it. Every
// successful read must return a (value, ts) pair from the same write;
// the two fields are derived from one counter so a torn read is
// detectable.
func TestSeqlockTornReads(t *testing.T) {
	c := newTestCache(t, 4)
	slot, err := c.Set("BTC/USD", 0, 0)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	const writes = 200_000
	var stop atomic.Bool
	var torn atomic.Int64
	var reads atomic.Int64

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				v, ts, ok := c.Read(slot)
				if !ok {
					continue
				}
				reads.Add(1)
				// writer maintains value == ts * 1.5
				if v != float64(ts)*1.5 {
					torn.Add(1)
					return
				}
			}
		}()
	}

	for i := 1; i <= writes; i++ {
		if err := c.Write(slot, float64(i)*1.5, uint32(i)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	stop.Store(true)
	wg.Wait()

	if n := torn.Load(); n != 0 {
		t.Fatalf("observed %d torn reads", n)
	}
	if reads.Load() == 0 {
		t.Fatal("readers made no successful reads")
	}
}

func TestSeqlockOddSequenceBlocksRead(t *testing.T) {
	c := newTestCache(t, 4)
	slot, _ := c.Set("BTC/USD", 1.0, 1)

	// simulate a writer parked mid-write by forcing an odd sequence
	p := c.slotPtr(slot)
	seq := (*uint32)(p)
	atomic.StoreUint32(seq, atomic.LoadUint32(seq)+1)

	before := c.RetryExhausted()
	if _, _, ok := c.Read(slot); ok {
		t.Fatal("Read succeeded against an in-progress write")
	}
	if c.RetryExhausted() != before+1 {
		t.Fatalf("retry-exhaustion counter not advanced: %d", c.RetryExhausted())
	}

	// writer completes; reads recover
	atomic.StoreUint32(seq, atomic.LoadUint32(seq)+1)
	if _, _, ok := c.Read(slot); !ok {
		t.Fatal("Read unavailable after write completed")
	}
}

func TestCacheTimestampBase(t *testing.T) {
	c := newTestCache(t, 4)
	rel := c.NowMillis()
	wall := c.WallTime(rel)
	if math.Abs(float64(wall.UnixMilli()-c.hdr.baseMs-int64(rel))) > 0 {
		t.Fatalf("WallTime(%d) = %v does not round-trip", rel, wall)
	}
}
