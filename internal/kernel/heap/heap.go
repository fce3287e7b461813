// Package heap implements the kernel's first-fit coalescing heap: a
// single contiguous pool partitioned into boundary-tag blocks, used to
// back dynamically allocated task stacks.
//
// The block headers are encoded directly into the pool bytes with
// encoding/binary rather than unsafe pointer casts (see DESIGN.md) —
// this keeps the "sum of header+payload equals pool size" and "no two
// adjacent free blocks" invariants checkable by walking real bytes,
// and lets tests simulate corruption by poking the pool directly.
package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/critsec"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
)

const (
	// HeaderSize is the on-disk size in bytes of a block header.
	HeaderSize = 24
	// MinPayload is the smallest payload a split-off remainder block
	// may carry; a remainder smaller than this is granted whole instead.
	MinPayload = 8
	// Alignment all payload offsets (and therefore header offsets) are
	// rounded to.
	Alignment = 8
)

// NullPtr is the sentinel "no block"/allocation-failure handle.
const NullPtr Ptr = Ptr(^uint32(0))

// Ptr is an opaque handle to an allocated payload: an offset into the
// pool. It plays the role of a pointer without exposing unsafe.Pointer
// arithmetic to callers.
type Ptr uint32

// Stats mirrors the `heap` shell command's reported stats line items.
type Stats struct {
	TotalSize     int
	Used          int
	Free          int
	LargestFree   int
	AllocCount    int
	FreeFragments int
}

// Heap is a first-fit coalescing allocator over a single pool.
type Heap struct {
	pool     []byte
	guard    *critsec.Ceiling
	freeHead uint32 // offset of first free block's header, nilOff if none
}

const nilOff = ^uint32(0)

// Init partitions pool as a single free block spanning its length and
// returns a ready-to-use Heap. len(pool) must be at least
// HeaderSize+MinPayload and a multiple of Alignment. guard is the
// shared priority-ceiling primitive: on real silicon the heap and the
// scheduler serialize through the same BASEPRI register, so here they
// share the same *critsec.Ceiling rather than each owning one (see
// DESIGN.md) — callers that also pass guard to sched.New must never
// call into the heap from inside their own guard.With closure.
func Init(pool []byte, guard *critsec.Ceiling) (*Heap, error) {
	if len(pool) < HeaderSize+MinPayload {
		return nil, fmt.Errorf("heap: pool too small: %w", kerr.ErrInvalidArg)
	}
	h := &Heap{pool: pool, guard: guard}
	h.writeHeader(0, header{
		size: uint32(len(pool) - HeaderSize),
		used: false,
		next: nilOff,
		prev: nilOff,
	})
	h.freeHead = 0
	h.setFreeLinks(0, nilOff, nilOff)
	return h, nil
}

// header is the decoded, in-memory view of a block's on-disk header.
type header struct {
	size     uint32
	used     bool
	next     uint32 // address-order next block header offset, nilOff if none
	prev     uint32 // address-order prev block header offset, nilOff if none
	freeNext uint32 // free-list next, meaningful only when !used
	freePrev uint32 // free-list prev, meaningful only when !used
}

func (h *Heap) readHeader(off uint32) header {
	b := h.pool[off : off+HeaderSize]
	return header{
		size:     binary.LittleEndian.Uint32(b[0:4]),
		used:     binary.LittleEndian.Uint32(b[4:8]) != 0,
		next:     binary.LittleEndian.Uint32(b[8:12]),
		prev:     binary.LittleEndian.Uint32(b[12:16]),
		freeNext: binary.LittleEndian.Uint32(b[16:20]),
		freePrev: binary.LittleEndian.Uint32(b[20:24]),
	}
}

func (h *Heap) writeHeader(off uint32, hd header) {
	b := h.pool[off : off+HeaderSize]
	binary.LittleEndian.PutUint32(b[0:4], hd.size)
	var usedWord uint32
	if hd.used {
		usedWord = 1
	}
	binary.LittleEndian.PutUint32(b[4:8], usedWord)
	binary.LittleEndian.PutUint32(b[8:12], hd.next)
	binary.LittleEndian.PutUint32(b[12:16], hd.prev)
	binary.LittleEndian.PutUint32(b[16:20], hd.freeNext)
	binary.LittleEndian.PutUint32(b[20:24], hd.freePrev)
}

func (h *Heap) setUsed(off uint32, used bool) {
	hd := h.readHeader(off)
	hd.used = used
	h.writeHeader(off, hd)
}

func (h *Heap) setFreeLinks(off, prev, next uint32) {
	hd := h.readHeader(off)
	hd.freePrev = prev
	hd.freeNext = next
	h.writeHeader(off, hd)
}

func payloadOff(blockOff uint32) uint32 { return blockOff + HeaderSize }
func blockOffOf(payload uint32) uint32  { return payload - HeaderSize }

func roundUp(n, align int) int {
	if n <= 0 {
		return 0
	}
	return (n + align - 1) / align * align
}

// freeListInsert pushes blockOff onto the head of the free list.
func (h *Heap) freeListInsert(blockOff uint32) {
	old := h.freeHead
	h.setFreeLinks(blockOff, nilOff, old)
	if old != nilOff {
		oh := h.readHeader(old)
		oh.freePrev = blockOff
		h.writeHeader(old, oh)
	}
	h.freeHead = blockOff
}

// freeListRemove unlinks blockOff from the free list.
func (h *Heap) freeListRemove(blockOff uint32) {
	hd := h.readHeader(blockOff)
	if hd.freePrev != nilOff {
		ph := h.readHeader(hd.freePrev)
		ph.freeNext = hd.freeNext
		h.writeHeader(hd.freePrev, ph)
	} else {
		h.freeHead = hd.freeNext
	}
	if hd.freeNext != nilOff {
		nh := h.readHeader(hd.freeNext)
		nh.freePrev = hd.freePrev
		h.writeHeader(hd.freeNext, nh)
	}
}

// Malloc allocates n payload bytes, returning NullPtr if no block is
// large enough: first-fit, splitting the remainder when it can still
// hold a header plus MinPayload.
func (h *Heap) Malloc(n int) (Ptr, error) {
	if n <= 0 {
		return NullPtr, kerr.ErrInvalidArg
	}
	n = roundUp(n, Alignment)

	var result Ptr = NullPtr
	var opErr error
	h.guard.With(func() {
		off := h.freeHead
		for off != nilOff {
			hd := h.readHeader(off)
			if int(hd.size) >= n {
				h.allocateFrom(off, hd, uint32(n))
				result = Ptr(payloadOff(off))
				return
			}
			off = hd.freeNext
		}
		opErr = kerr.ErrHeapExhausted
	})
	if opErr != nil {
		return NullPtr, opErr
	}
	return result, nil
}

// allocateFrom carves n bytes out of the free block at off (already
// known to be large enough), splitting off a remainder free block
// when there is room for one. Must be called under the guard.
func (h *Heap) allocateFrom(off uint32, hd header, n uint32) {
	h.freeListRemove(off)

	remainder := hd.size - n
	if remainder >= uint32(HeaderSize+MinPayload) {
		newOff := off + HeaderSize + n
		newSize := remainder - HeaderSize
		h.writeHeader(newOff, header{
			size: newSize,
			used: false,
			next: hd.next,
			prev: off,
		})
		if hd.next != nilOff {
			nh := h.readHeader(hd.next)
			nh.prev = newOff
			h.writeHeader(hd.next, nh)
		}
		h.setFreeLinks(newOff, nilOff, nilOff)
		h.freeListInsert(newOff)

		hd.size = n
		hd.next = newOff
	}
	hd.used = true
	h.writeHeader(off, hd)
}

// Free returns p's block to the pool, coalescing with address-adjacent
// free neighbors.
func (h *Heap) Free(p Ptr) error {
	if p == NullPtr {
		return kerr.ErrInvalidArg
	}
	off := blockOffOf(uint32(p))
	if off+HeaderSize > uint32(len(h.pool)) {
		return kerr.ErrInvalidArg
	}
	h.guard.With(func() {
		h.freeAt(off)
	})
	return nil
}

// freeAt marks off free and coalesces with address-adjacent free
// neighbors. Must be called under the guard.
func (h *Heap) freeAt(off uint32) {
	hd := h.readHeader(off)
	hd.used = false
	h.writeHeader(off, hd)

	// Merge with next neighbor first, keeping off's identity.
	hd = h.readHeader(off)
	if hd.next != nilOff {
		nh := h.readHeader(hd.next)
		if !nh.used {
			h.freeListRemove(hd.next)
			hd.size += HeaderSize + nh.size
			hd.next = nh.next
			if nh.next != nilOff {
				nnh := h.readHeader(nh.next)
				nnh.prev = off
				h.writeHeader(nh.next, nnh)
			}
			h.writeHeader(off, hd)
		}
	}

	// Merge with prev neighbor, absorbing off into prev.
	hd = h.readHeader(off)
	if hd.prev != nilOff {
		ph := h.readHeader(hd.prev)
		if !ph.used {
			ph.size += HeaderSize + hd.size
			ph.next = hd.next
			if hd.next != nilOff {
				nh := h.readHeader(hd.next)
				nh.prev = hd.prev
				h.writeHeader(hd.next, nh)
			}
			h.writeHeader(hd.prev, ph)
			// prev was already on the free list; off vanishes.
			return
		}
	}

	h.setFreeLinks(off, nilOff, nilOff)
	h.freeListInsert(off)
}

// Realloc resizes p's block to n bytes, trying in-place growth into an
// address-adjacent free next block before falling back to
// allocate+copy+free.
func (h *Heap) Realloc(p Ptr, n int) (Ptr, error) {
	if p == NullPtr {
		return h.Malloc(n)
	}
	if n <= 0 {
		return NullPtr, kerr.ErrInvalidArg
	}
	n = roundUp(n, Alignment)
	off := blockOffOf(uint32(p))

	var result Ptr = NullPtr
	grownInPlace := false
	h.guard.With(func() {
		hd := h.readHeader(off)
		if uint32(n) <= hd.size {
			result = p
			grownInPlace = true
			return
		}
		if hd.next != nilOff {
			nh := h.readHeader(hd.next)
			if !nh.used && hd.size+HeaderSize+nh.size >= uint32(n) {
				h.freeListRemove(hd.next)
				combined := hd.size + HeaderSize + nh.size
				hd.next = nh.next
				if nh.next != nilOff {
					nnh := h.readHeader(nh.next)
					nnh.prev = off
					h.writeHeader(nh.next, nnh)
				}
				hd.size = combined
				h.writeHeader(off, hd)
				h.maybeSplit(off, uint32(n))
				result = p
				grownInPlace = true
			}
		}
	})
	if grownInPlace {
		return result, nil
	}

	newPtr, err := h.Malloc(n)
	if err != nil {
		return NullPtr, err
	}
	var oldSize int
	h.guard.With(func() {
		oldSize = int(h.readHeader(off).size)
	})
	copy(h.Bytes(newPtr), h.Bytes(p)[:min(oldSize, n)])
	if err := h.Free(p); err != nil {
		return NullPtr, err
	}
	return newPtr, nil
}

// maybeSplit splits off's block to exactly n payload bytes if the
// remainder can hold another free block. Must be called under the guard.
func (h *Heap) maybeSplit(off uint32, n uint32) {
	hd := h.readHeader(off)
	remainder := hd.size - n
	if remainder < uint32(HeaderSize+MinPayload) {
		return
	}
	newOff := off + HeaderSize + n
	newSize := remainder - HeaderSize
	h.writeHeader(newOff, header{size: newSize, used: false, next: hd.next, prev: off})
	if hd.next != nilOff {
		nh := h.readHeader(hd.next)
		nh.prev = newOff
		h.writeHeader(hd.next, nh)
	}
	h.setFreeLinks(newOff, nilOff, nilOff)
	h.freeListInsert(newOff)
	hd.size = n
	hd.next = newOff
	h.writeHeader(off, hd)
}

// Bytes returns a live view of p's payload bytes. Writing to the
// returned slice writes directly into the pool.
func (h *Heap) Bytes(p Ptr) []byte {
	if p == NullPtr {
		return nil
	}
	off := blockOffOf(uint32(p))
	hd := h.readHeader(off)
	start := payloadOff(off)
	return h.pool[start : start+hd.size]
}

// GetStats walks the address-order chain and reports pool-wide stats.
func (h *Heap) GetStats() Stats {
	var s Stats
	s.TotalSize = len(h.pool)
	h.guard.With(func() {
		off := uint32(0)
		for {
			hd := h.readHeader(off)
			if hd.used {
				s.Used += int(hd.size)
				s.AllocCount++
			} else {
				s.Free += int(hd.size)
				s.FreeFragments++
				if int(hd.size) > s.LargestFree {
					s.LargestFree = int(hd.size)
				}
			}
			if hd.next == nilOff {
				break
			}
			off = hd.next
		}
	})
	return s
}

// CheckIntegrity walks every block verifying the heap's invariants:
// total accounted size matches the pool, no two address-adjacent free
// blocks exist, and every free-list node is actually free.
func (h *Heap) CheckIntegrity() error {
	var err error
	h.guard.With(func() {
		accounted := 0
		prevFree := false
		off := uint32(0)
		for {
			hd := h.readHeader(off)
			accounted += HeaderSize + int(hd.size)
			if !hd.used && prevFree {
				err = fmt.Errorf("heap: adjacent free blocks at offset %d: %w", off, kerr.ErrIntegrity)
				return
			}
			prevFree = !hd.used
			if hd.next == nilOff {
				break
			}
			off = hd.next
		}
		if accounted != len(h.pool) {
			err = fmt.Errorf("heap: accounted %d bytes, pool is %d: %w", accounted, len(h.pool), kerr.ErrIntegrity)
			return
		}
		for foff := h.freeHead; foff != nilOff; {
			hd := h.readHeader(foff)
			if hd.used {
				err = fmt.Errorf("heap: free list node %d marked used: %w", foff, kerr.ErrIntegrity)
				return
			}
			foff = hd.freeNext
		}
	})
	return err
}

