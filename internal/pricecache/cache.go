// Package pricecache is a fixed-capacity shared-memory table of the
// latest price per key. Writers use a seqlock per slot so readers on
// other threads or processes never observe a torn value and never block.
package pricecache

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"chainbus/internal/infrastructure/shm"
)

// Cache is a handle on the shared price table. One process creates the
// region with New; others attach with Attach. Close unmaps; the creator
// may also Unlink.
//
// Steady state assumes one writer per slot. Concurrent writers to the
// same slot must be serialized externally; the seqlock only protects
// readers from writers.
type Cache struct {
	region *shm.Region
	hdr    *header
	slots  []byte
	reg    *Registry

	retryExhausted atomic.Uint64
}

// New creates the shared region at path sized for capacity keys and
// initializes the header. Any existing file at path is truncated.
func New(path string, capacity int) (*Cache, error) {
	if capacity <= 0 || capacity > 1<<24 {
		return nil, fmt.Errorf("pricecache: invalid capacity %d", capacity)
	}
	region, err := shm.Create(path, regionSize(capacity))
	if err != nil {
		return nil, err
	}
	hdr := (*header)(unsafe.Pointer(&region.Bytes()[0]))
	hdr.magic = regionMagic
	hdr.version = regionVersion
	hdr.capacity = uint32(capacity)
	hdr.maxKeyLen = MaxKeyLen
	hdr.baseMs = time.Now().UnixMilli()
	return view(region), nil
}

// Attach maps a region created by another process and validates its
// header against this build's layout.
func Attach(path string) (*Cache, error) {
	region, err := shm.Attach(path)
	if err != nil {
		return nil, err
	}
	if region.Size() < headerSize {
		_ = region.Close()
		return nil, ErrBadRegion
	}
	hdr := (*header)(unsafe.Pointer(&region.Bytes()[0]))
	if hdr.magic != regionMagic || hdr.version != regionVersion ||
		hdr.maxKeyLen != MaxKeyLen ||
		region.Size() != regionSize(int(hdr.capacity)) {
		_ = region.Close()
		return nil, ErrBadRegion
	}
	return view(region), nil
}

func view(region *shm.Region) *Cache {
	data := region.Bytes()
	hdr := (*header)(unsafe.Pointer(&data[0]))
	capacity := int(hdr.capacity)
	slotsEnd := headerSize + capacity*slotSize
	c := &Cache{
		region: region,
		hdr:    hdr,
		slots:  data[headerSize:slotsEnd],
	}
	c.reg = newRegistry(hdr, data[slotsEnd:])
	return c
}

func (c *Cache) Registry() *Registry { return c.reg }
func (c *Cache) Capacity() int       { return int(c.hdr.capacity) }
func (c *Cache) Path() string        { return c.region.Path() }

// Close unmaps the region. Reads and writes after Close fault.
func (c *Cache) Close() error { return c.region.Close() }

// Unlink removes the backing file; call once, from the owning process,
// after all attachments closed.
func (c *Cache) Unlink() error { return c.region.Unlink() }

// NowMillis converts wall time to the region's relative-millisecond
// timestamp base.
func (c *Cache) NowMillis() uint32 {
	return uint32(time.Now().UnixMilli() - c.hdr.baseMs)
}

// WallTime converts a slot timestamp back to wall time.
func (c *Cache) WallTime(rel uint32) time.Time {
	return time.UnixMilli(c.hdr.baseMs + int64(rel))
}

// Write stores (value, ts) into slot under the seqlock protocol: flip
// the sequence odd, store the payload, flip it even. Allocation-free.
func (c *Cache) Write(slot int, value float64, ts uint32) error {
	if slot < 0 || slot >= c.Capacity() {
		return ErrBadSlot
	}
	p := c.slotPtr(slot)
	seq := (*uint32)(p)

	s := atomic.LoadUint32(seq)
	atomic.StoreUint32(seq, s+1) // odd: write in progress
	atomic.StoreUint32((*uint32)(unsafe.Add(p, 4)), ts)
	atomic.StoreUint64((*uint64)(unsafe.Add(p, 8)), math.Float64bits(value))
	atomic.StoreUint32(seq, s+2) // even: write complete
	return nil
}

// Read returns the latest consistent (value, ts) for slot. A read is
// retried while a writer holds the slot (odd sequence) or the sequence
// moved mid-read; after maxReadRetries the slot is reported unavailable
// rather than possibly torn.
func (c *Cache) Read(slot int) (value float64, ts uint32, ok bool) {
	if slot < 0 || slot >= c.Capacity() {
		return 0, 0, false
	}
	p := c.slotPtr(slot)
	seq := (*uint32)(p)

	for i := 0; i < maxReadRetries; i++ {
		s1 := atomic.LoadUint32(seq)
		if s1&1 != 0 {
			runtime.Gosched()
			continue
		}
		ts = atomic.LoadUint32((*uint32)(unsafe.Add(p, 4)))
		value = math.Float64frombits(atomic.LoadUint64((*uint64)(unsafe.Add(p, 8))))
		s2 := atomic.LoadUint32(seq)
		if s1 == s2 {
			return value, ts, true
		}
	}
	c.retryExhausted.Add(1)
	return 0, 0, false
}

// Set is the full write path for a key: claim a slot on first sight,
// write the value, then publish the key so readers can find it. The
// write strictly precedes publication; a Lookup that sees the key is
// guaranteed a fully written slot.
func (c *Cache) Set(key string, value float64, ts uint32) (int, error) {
	slot, existing, err := c.reg.Claim(key)
	if err != nil {
		return 0, err
	}
	if err := c.Write(slot, value, ts); err != nil {
		return 0, err
	}
	if !existing {
		c.reg.Publish(slot)
	}
	return slot, nil
}

// Get reads the latest value for key. A missing key and an unavailable
// slot both report ok=false; callers treat both as a miss.
func (c *Cache) Get(key string) (value float64, ts uint32, ok bool) {
	slot, found := c.reg.Lookup(key)
	if !found {
		return 0, 0, false
	}
	return c.Read(slot)
}

// RetryExhausted counts reads abandoned after the retry bound, for
// external scraping.
func (c *Cache) RetryExhausted() uint64 {
	return c.retryExhausted.Load()
}

func (c *Cache) slotPtr(slot int) unsafe.Pointer {
	return unsafe.Pointer(&c.slots[slot*slotSize])
}
