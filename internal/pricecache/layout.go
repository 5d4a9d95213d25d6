package pricecache

import "errors"

// On-disk/in-memory layout of the shared price table. The byte layout is
// frozen: every process attaching to the region depends on it.
//
//	[0,64)                 header
//	[64, 64+16*cap)        slot array, 16 bytes per slot
//	[64+16*cap, ...)       key array, 64 bytes per slot
const (
	regionMagic   = 0x43425553 // "CBUS"
	regionVersion = 1

	headerSize  = 64
	slotSize    = 16
	keySlotSize = 64

	// MaxKeyLen is the longest registrable key; one byte of the key slot
	// holds the length.
	MaxKeyLen = keySlotSize - 1

	// maxReadRetries bounds the seqlock read loop. Exhaustion returns
	// "unavailable", never a torn value.
	maxReadRetries = 100
)

// header mirrors the first 64 bytes of the region. Field order and
// widths are part of the cross-process contract.
type header struct {
	magic     uint32
	version   uint32
	capacity  uint32
	maxKeyLen uint32
	claimed   uint32 // slots handed out, including not yet published
	published uint32 // slots visible to Lookup; prefix of claimed
	baseMs    int64  // wall clock origin for relative timestamps
	_         [32]byte
}

var (
	ErrCapacityExceeded = errors.New("pricecache: key capacity exceeded")
	ErrKeyTooLong       = errors.New("pricecache: key exceeds 63 bytes")
	ErrEmptyKey         = errors.New("pricecache: empty key")
	ErrBadRegion        = errors.New("pricecache: region header mismatch")
	ErrBadSlot          = errors.New("pricecache: slot index out of range")
)

func regionSize(capacity int) int {
	return headerSize + capacity*slotSize + capacity*keySlotSize
}
