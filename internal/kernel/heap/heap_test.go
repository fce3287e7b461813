package heap

import (
	"testing"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/critsec"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, size int) *Heap {
	t.Helper()
	h, err := Init(make([]byte, size), critsec.New())
	require.NoError(t, err)
	return h
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t, 4096)
	before := h.GetStats()

	p, err := h.Malloc(64)
	require.NoError(t, err)
	require.NotEqual(t, NullPtr, p)

	require.NoError(t, h.Free(p))
	after := h.GetStats()
	require.Equal(t, before, after)
}

func TestMallocSplitsAndCoalescesFragments(t *testing.T) {
	h := newTestHeap(t, 4096)

	var ptrs [5]Ptr
	for i := range ptrs {
		p, err := h.Malloc(64)
		require.NoError(t, err)
		ptrs[i] = p
	}

	require.NoError(t, h.Free(ptrs[1]))
	require.NoError(t, h.Free(ptrs[3]))

	stats := h.GetStats()
	require.GreaterOrEqual(t, stats.AllocCount, 3)
	require.GreaterOrEqual(t, stats.FreeFragments, 2)

	for i, p := range ptrs {
		if i == 1 || i == 3 {
			continue
		}
		require.NoError(t, h.Free(p))
	}

	final := h.GetStats()
	require.Equal(t, 0, final.AllocCount)
	require.Equal(t, 1, final.FreeFragments)
	require.Equal(t, final.Free, final.LargestFree)
}

func TestMallocExhaustion(t *testing.T) {
	h := newTestHeap(t, HeaderSize+MinPayload)
	_, err := h.Malloc(4096)
	require.ErrorIs(t, err, kerr.ErrHeapExhausted)
}

func TestReallocGrowsInPlaceIntoFreeNeighbor(t *testing.T) {
	h := newTestHeap(t, 4096)
	a, err := h.Malloc(32)
	require.NoError(t, err)
	b, err := h.Malloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(b))

	copy(h.Bytes(a), []byte("hello world, this is a payload!!"))
	grown, err := h.Realloc(a, 64)
	require.NoError(t, err)
	require.Equal(t, a, grown, "growth into the freed neighbor should keep the same pointer")
	require.Equal(t, byte('h'), h.Bytes(grown)[0])
}

func TestReallocFallsBackToAllocateCopyFree(t *testing.T) {
	h := newTestHeap(t, 4096)
	a, err := h.Malloc(32)
	require.NoError(t, err)
	copy(h.Bytes(a), []byte("payload-data"))

	// Keep the neighbor allocated so in-place growth is impossible.
	_, err = h.Malloc(32)
	require.NoError(t, err)

	grown, err := h.Realloc(a, 512)
	require.NoError(t, err)
	require.NotEqual(t, a, grown)
	require.Equal(t, []byte("payload-data"), h.Bytes(grown)[:len("payload-data")])
}

func TestCheckIntegrityDetectsCorruption(t *testing.T) {
	h := newTestHeap(t, 4096)
	require.NoError(t, h.CheckIntegrity())

	a, err := h.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))

	// Corrupt the sole free block's header in place: flip its used bit
	// so the free-list walk finds a node that claims to be used.
	off := blockOffOf(uint32(a))
	hd := h.readHeader(off)
	hd.used = true
	h.writeHeader(off, hd)

	require.Error(t, h.CheckIntegrity())
}

