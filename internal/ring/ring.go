// File: internal/ring/ring.go
// Package ring implements the lock-free framed byte-message channel
// used for orchestrator<->handler IPC: a CRC32-validated,
// cross-process single-producer/single-consumer ring over a
// shared-memory region.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ring

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/aetherless/internal/apperr"
)

const (
	// HeaderSize is the size in bytes of RingHeader: head, tail,
	// capacity, each an atomic uint64.
	HeaderSize = 24
	// EntryHeaderSize is the size in bytes of RingEntryHeader: a u32
	// length and a u32 CRC32.
	EntryHeaderSize = 8
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// byteRegion is the minimal contract a Ring needs from its backing
// store. *shm.Region satisfies it; the ring algorithm itself does not
// depend on how the bytes were obtained.
type byteRegion interface {
	Bytes() []byte
}

// Ring is a lock-free SPSC framed message channel over a shared memory
// region. Exactly one writer and one reader may use a given Ring
// concurrently; using more invalidates the lock-free invariants.
type Ring struct {
	region   byteRegion
	data     []byte // region bytes past HeaderSize, length capacity
	capacity uint64
	headPtr  *uint64
	tailPtr  *uint64
}

// New binds a Ring to region's bytes. region.Bytes() minus HeaderSize
// must be a power of two; New initializes the header only when
// initHeader is true (the side that created the region).
func New(region byteRegion, initHeader bool) (*Ring, error) {
	buf := region.Bytes()
	if len(buf) <= HeaderSize {
		return nil, apperr.New(apperr.KindHardValidation, "shm region too small for ring header").
			WithContext("size", len(buf))
	}
	capacity := uint64(len(buf) - HeaderSize)
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, apperr.New(apperr.KindHardValidation, "ring data area must be a power-of-two size").
			WithContext("capacity", capacity)
	}
	r := &Ring{
		region:   region,
		data:     buf[HeaderSize:],
		capacity: capacity,
		headPtr:  (*uint64)(unsafe.Pointer(&buf[0])),
		tailPtr:  (*uint64)(unsafe.Pointer(&buf[8])),
	}
	if initHeader {
		atomic.StoreUint64(r.headPtr, 0)
		atomic.StoreUint64(r.tailPtr, 0)
		binary.LittleEndian.PutUint64(buf[16:24], capacity)
	}
	return r, nil
}

// Reset zeroes the ring header. Called when a restarted owning pair
// reattaches to stale shared memory: the ring is intentionally not
// crash-safe, the transport re-sends the authoritative request.
func (r *Ring) Reset() {
	atomic.StoreUint64(r.headPtr, 0)
	atomic.StoreUint64(r.tailPtr, 0)
}

// Capacity returns the ring's data-area size in bytes.
func (r *Ring) Capacity() uint64 { return r.capacity }

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// Write attempts to enqueue payload as a single framed entry. It fails
// with KindRingFull if there is insufficient free space, and
// deterministically for any payload over half the ring's capacity.
func (r *Ring) Write(payload []byte) error {
	entrySize := align8(EntryHeaderSize + uint64(len(payload)))
	if uint64(len(payload)) > r.capacity/2 {
		return apperr.New(apperr.KindRingFull, "payload exceeds half of ring capacity").
			WithContext("payload_len", len(payload)).WithContext("capacity", r.capacity)
	}

	head := atomic.LoadUint64(r.headPtr)
	tail := atomic.LoadUint64(r.tailPtr) // acquire: need current consumer position
	free := r.capacity - (head - tail)

	pos := head % r.capacity
	remaining := r.capacity - pos
	if entrySize > remaining {
		// Entry would wrap; insert a skip entry consuming the tail of
		// the data area, provided there's room for it plus the real
		// entry afterward.
		if uint64(remaining) > free {
			return apperr.New(apperr.KindRingFull, "insufficient space for skip entry").
				WithContext("free", free).WithContext("remaining", remaining)
		}
		if free-remaining < entrySize {
			return apperr.New(apperr.KindRingFull, "insufficient free space").
				WithContext("free", free).WithContext("needed", entrySize)
		}
		r.writeSkip(pos, remaining)
		head += remaining
		free -= remaining
		pos = 0
	}
	if entrySize > free {
		return apperr.New(apperr.KindRingFull, "insufficient free space").
			WithContext("free", free).WithContext("needed", entrySize)
	}

	crc := crc32.Checksum(payload, crcTable)
	binary.LittleEndian.PutUint32(r.data[pos:pos+4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(r.data[pos+4:pos+8], crc)
	copy(r.data[pos+8:], payload)

	atomic.StoreUint64(r.headPtr, head+entrySize) // release: publishes header+payload writes above
	return nil
}

func (r *Ring) writeSkip(pos, length uint64) {
	binary.LittleEndian.PutUint32(r.data[pos:pos+4], 0)
	binary.LittleEndian.PutUint32(r.data[pos+4:pos+8], 0)
}

// Read attempts to dequeue the next framed entry, transparently
// skipping skip-entries. It returns KindRingEmpty if fewer than 8
// bytes are available, and KindChecksumMismatch without advancing the
// tail if the payload's CRC32 does not match its header; corrupt data
// is never returned.
func (r *Ring) Read() ([]byte, error) {
	for {
		head := atomic.LoadUint64(r.headPtr) // acquire: observes writer's published payload
		tail := atomic.LoadUint64(r.tailPtr)
		if head-tail < EntryHeaderSize {
			return nil, apperr.New(apperr.KindRingEmpty, "ring has fewer than one header's worth of bytes")
		}
		pos := tail % r.capacity
		remaining := r.capacity - pos
		if remaining < EntryHeaderSize {
			atomic.StoreUint64(r.tailPtr, tail+remaining)
			continue
		}
		length := binary.LittleEndian.Uint32(r.data[pos : pos+4])
		crc := binary.LittleEndian.Uint32(r.data[pos+4 : pos+8])
		if length == 0 && crc == 0 {
			// Skip entry: advance past the declared remainder of the
			// data area (written as `remaining` by the writer).
			atomic.StoreUint64(r.tailPtr, tail+remaining)
			continue
		}
		entrySize := align8(EntryHeaderSize + uint64(length))
		if head-tail < entrySize {
			return nil, apperr.New(apperr.KindRingEmpty, "ring entry incomplete")
		}
		payload := make([]byte, length)
		copy(payload, r.data[pos+8:pos+8+uint64(length)])
		if crc32.Checksum(payload, crcTable) != crc {
			return nil, apperr.New(apperr.KindChecksumMismatch, "ring payload CRC32 mismatch").
				WithContext("declared_crc", crc)
		}
		atomic.StoreUint64(r.tailPtr, tail+entrySize) // release
		return payload, nil
	}
}

// Len returns the number of unread bytes currently in the ring.
func (r *Ring) Len() uint64 {
	return atomic.LoadUint64(r.headPtr) - atomic.LoadUint64(r.tailPtr)
}

// DrainToEmpty reads and discards entries until the ring is empty or
// fn returns false, used by scale-down to drain in-flight IPC.
// onError, if non-nil, observes the terminal Read error
// (KindRingEmpty on a clean drain, KindChecksumMismatch on a corrupt
// entry) before DrainToEmpty returns.
func (r *Ring) DrainToEmpty(fn func([]byte) bool, onError func(error)) {
	for {
		payload, err := r.Read()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if fn != nil && !fn(payload) {
			return
		}
	}
}
