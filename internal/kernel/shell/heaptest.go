package shell

import (
	"fmt"
	"strconv"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/heap"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
)

// cmdHeaptest implements `heaptest <basic|frag|stress> [size]`: a
// self-contained allocator exercise run from the shell, printing one
// pass/fail line per step.
func (s *Shell) cmdHeaptest(argv []string, out *Output) int32 {
	if len(argv) < 2 {
		out.Print("Usage: heaptest <basic|frag|stress> [size]\r\n")
		return kerr.Errno(kerr.ErrInvalidArg)
	}
	size := 128
	if len(argv) >= 3 {
		if n, err := strconv.Atoi(argv[2]); err == nil && n > 0 {
			size = n
		}
	}
	if s.heapAlc == nil {
		out.Print("[FAIL] heap not available (static stack allocation mode)\r\n")
		return kerr.Errno(kerr.ErrInvalidArg)
	}
	switch argv[1] {
	case "basic":
		return s.heaptestBasic(size, out)
	case "frag":
		return s.heaptestFrag(size, out)
	case "stress":
		return s.heaptestStress(size, out)
	default:
		out.Print(fmt.Sprintf("Unknown heaptest mode '%s'\r\n", argv[1]))
		return kerr.Errno(kerr.ErrInvalidArg)
	}
}

func (s *Shell) heaptestBasic(size int, out *Output) int32 {
	h := s.heapAlc

	p, err := h.Malloc(size)
	if err != nil {
		out.Print("[FAIL] alloc failed\r\n")
		return kerr.Errno(err)
	}
	out.Print(fmt.Sprintf("[PASS] alloc %d bytes\r\n", size))

	buf := h.Bytes(p)
	for i := range buf {
		buf[i] = byte(i)
	}
	out.Print("[PASS] write pattern\r\n")

	for i := range buf {
		if buf[i] != byte(i) {
			out.Print("[FAIL] verify mismatch\r\n")
			return kerr.Errno(kerr.ErrIntegrity)
		}
	}
	out.Print("[PASS] verify pattern\r\n")

	grown, err := h.Realloc(p, size*2)
	if err != nil {
		out.Print("[FAIL] realloc failed\r\n")
		return kerr.Errno(err)
	}
	out.Print(fmt.Sprintf("[PASS] realloc to %d bytes\r\n", size*2))

	old := h.Bytes(grown)[:size]
	for i := range old {
		if old[i] != byte(i) {
			out.Print("[FAIL] verify-old mismatch after realloc\r\n")
			return kerr.Errno(kerr.ErrIntegrity)
		}
	}
	out.Print("[PASS] verify-old data preserved\r\n")

	if err := h.Free(grown); err != nil {
		out.Print("[FAIL] free failed\r\n")
		return kerr.Errno(err)
	}
	out.Print("[PASS] free\r\n")

	out.Print("[PASS] Basic test passed.\r\n")
	return 0
}

func (s *Shell) heaptestFrag(size int, out *Output) int32 {
	h := s.heapAlc
	const n = 5
	var ptrs [n]heap.Ptr
	for i := 0; i < n; i++ {
		p, err := h.Malloc(size)
		if err != nil {
			out.Print(fmt.Sprintf("[FAIL] alloc %d failed\r\n", i))
			return kerr.Errno(err)
		}
		ptrs[i] = p
	}
	out.Print(fmt.Sprintf("[PASS] allocated %d blocks of %d bytes\r\n", n, size))

	for _, i := range []int{1, 3} {
		if err := h.Free(ptrs[i]); err != nil {
			out.Print("[FAIL] free failed\r\n")
			return kerr.Errno(err)
		}
	}
	out.Print("[PASS] freed indices 1 and 3\r\n")

	stats := h.GetStats()
	out.Print(fmt.Sprintf("[PASS] alloc_count=%d free_fragments=%d\r\n", stats.AllocCount, stats.FreeFragments))
	out.Print("[PASS] Fragmentation test passed.\r\n")
	return 0
}

func (s *Shell) heaptestStress(size int, out *Output) int32 {
	h := s.heapAlc
	const rounds = 32
	ok := 0
	for i := 0; i < rounds; i++ {
		n := size + (i%7)*8
		p, err := h.Malloc(n)
		if err != nil {
			continue
		}
		buf := h.Bytes(p)
		for j := range buf {
			buf[j] = byte(j ^ i)
		}
		if err := h.Free(p); err == nil {
			ok++
		}
	}
	out.Print(fmt.Sprintf("[PASS] %d/%d alloc/free cycles succeeded\r\n", ok, rounds))
	if err := h.CheckIntegrity(); err != nil {
		out.Print("[FAIL] integrity check failed after stress\r\n")
		return kerr.Errno(err)
	}
	out.Print("[PASS] Stress test passed.\r\n")
	return 0
}
