package sched

import (
	"encoding/binary"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/heap"
)

// StackRegion is a tagged variant in place of a preprocessor
// STACK_ALLOC_MODE switch: one concrete type backs a task's stack
// with a fixed buffer embedded in the task record, the other carves a
// region out of the kernel heap.
type StackRegion interface {
	// Bytes returns a live view of the stack buffer. Word 0 carries
	// the canary; CheckStackOverflow reads it directly from here.
	Bytes() []byte
	// Release returns the region to whatever backs it. A no-op for
	// static stacks.
	Release()
}

// inlineStack is the static-mode stack: a fixed-size buffer of
// StackSizeWords words. Every Create allocates a fresh one, including
// when it repurposes an Unused slot.
type inlineStack struct {
	buf []byte
}

func newInlineStack(size int) *inlineStack {
	return &inlineStack{buf: make([]byte, size)}
}

func (s *inlineStack) Bytes() []byte { return s.buf }
func (s *inlineStack) Release()      {}

// heapStack is the dynamic-mode stack: a region carved from the
// kernel heap, freed back to it on task teardown.
type heapStack struct {
	h   *heap.Heap
	ptr heap.Ptr
}

func newHeapStack(h *heap.Heap, size int) (*heapStack, error) {
	p, err := h.Malloc(size)
	if err != nil {
		return nil, err
	}
	return &heapStack{h: h, ptr: p}, nil
}

func (s *heapStack) Bytes() []byte { return s.h.Bytes(s.ptr) }
func (s *heapStack) Release()      { _ = s.h.Free(s.ptr) }

func writeCanary(r StackRegion, canary uint32) {
	b := r.Bytes()
	if len(b) >= 4 {
		binary.LittleEndian.PutUint32(b[0:4], canary)
	}
}

func readCanary(r StackRegion) (uint32, bool) {
	b := r.Bytes()
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), true
}
