package pricecache

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Registry maps string keys to fixed slot indices in the shared table.
// Registration is append-only: a key's slot never changes and is never
// reclaimed. When the table fills up, Claim fails; capacity is fixed at
// region creation.
//
// Visibility contract: Lookup only sees keys whose slot value was fully
// written before Publish ran. Claim hands out the slot, the caller writes
// the slot, Publish makes the mapping visible. Publishing before the slot
// is written breaks every reader.
type Registry struct {
	hdr  *header
	keys []byte

	// process-local memo of published lookups; the shared region stays
	// the source of truth
	memo sync.Map // string -> int
}

func newRegistry(hdr *header, keys []byte) *Registry {
	return &Registry{hdr: hdr, keys: keys}
}

func (r *Registry) Capacity() int { return int(r.hdr.capacity) }

// Len returns the number of published keys.
func (r *Registry) Len() int {
	return int(atomic.LoadUint32(&r.hdr.published))
}

// Claim allocates a slot for key via an atomic increment-and-claim and
// writes the key bytes into the key array. The returned slot is invisible
// to Lookup until Publish. If the key is already published, its existing
// slot is returned with existing=true.
//
// Two concurrent Claims of the same unpublished key can allocate two
// slots; Lookup deterministically resolves to the lower one and the other
// is wasted. Producers are expected to own disjoint key sets, so this
// only burns capacity, never correctness.
func (r *Registry) Claim(key string) (slot int, existing bool, err error) {
	if key == "" {
		return 0, false, ErrEmptyKey
	}
	if len(key) > MaxKeyLen {
		return 0, false, ErrKeyTooLong
	}
	if s, ok := r.Lookup(key); ok {
		return s, true, nil
	}
	for {
		c := atomic.LoadUint32(&r.hdr.claimed)
		if c >= r.hdr.capacity {
			return 0, false, ErrCapacityExceeded
		}
		if atomic.CompareAndSwapUint32(&r.hdr.claimed, c, c+1) {
			slot = int(c)
			break
		}
	}
	ks := r.keySlot(slot)
	ks[0] = byte(len(key))
	copy(ks[1:], key)
	return slot, false, nil
}

// Publish makes the key->slot mapping visible to Lookup. The caller must
// have fully written the slot's value first.
//
// Publication advances a prefix counter, so publishes complete in claim
// order; a Publish for slot n waits for slots 0..n-1. Registration is a
// cold path, the wait is a brief spin.
func (r *Registry) Publish(slot int) {
	for !atomic.CompareAndSwapUint32(&r.hdr.published, uint32(slot), uint32(slot)+1) {
		runtime.Gosched()
	}
}

// Lookup is a lock-free read of the key->slot mapping. Unpublished keys
// are misses.
func (r *Registry) Lookup(key string) (int, bool) {
	if v, ok := r.memo.Load(key); ok {
		return v.(int), true
	}
	n := int(atomic.LoadUint32(&r.hdr.published))
	for i := 0; i < n; i++ {
		if r.keyAt(i) == key {
			r.memo.Store(key, i)
			return i, true
		}
	}
	return 0, false
}

// KeyAt returns the key published at slot, or "" if the slot is not
// published yet.
func (r *Registry) KeyAt(slot int) string {
	if slot < 0 || slot >= r.Len() {
		return ""
	}
	return r.keyAt(slot)
}

func (r *Registry) keySlot(slot int) []byte {
	off := slot * keySlotSize
	return r.keys[off : off+keySlotSize]
}

func (r *Registry) keyAt(slot int) string {
	ks := r.keySlot(slot)
	n := int(ks[0])
	if n > MaxKeyLen {
		return ""
	}
	return unsafeString(ks[1 : 1+n])
}

// unsafeString views key bytes without copying. Key bytes are immutable
// once published, so the view is safe.
func unsafeString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}
