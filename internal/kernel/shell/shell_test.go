package shell

import (
	"strings"
	"testing"
	"time"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/config"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/critsec"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/heap"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/sched"
	"github.com/stretchr/testify/require"
)

// captureUART is a fake UARTLine that never has input ready and
// records everything written to it, for driving a Shell's command
// handlers directly without a real scheduled console task.
type captureUART struct {
	out strings.Builder
}

func (c *captureUART) TryReadByte() (byte, bool) { return 0, false }
func (c *captureUART) Write(p []byte) int        { c.out.Write(p); return len(p) }
func (c *captureUART) TXEmpty() bool             { return true }
func (c *captureUART) TXComplete() bool          { return true }

// flushFakeUART is a UARTLine fake with controllable TX status, for
// exercising Shell.Flush's wait/busy-wait/timeout behavior directly.
type flushFakeUART struct {
	emptyAfter    int // TXEmpty returns false this many calls, then true
	completeAfter int // once TXEmpty, TXComplete returns false this many calls, then true
	emptyCalls    int
	completeCalls int
}

func (f *flushFakeUART) TryReadByte() (byte, bool) { return 0, false }
func (f *flushFakeUART) Write(p []byte) int        { return len(p) }

func (f *flushFakeUART) TXEmpty() bool {
	f.emptyCalls++
	return f.emptyCalls > f.emptyAfter
}

func (f *flushFakeUART) TXComplete() bool {
	f.completeCalls++
	return f.completeCalls > f.completeAfter
}

func newTestShell(t *testing.T, s *sched.Scheduler, h *heap.Heap) (*Shell, *captureUART) {
	t.Helper()
	cfg := config.Default()
	uart := &captureUART{}
	sh := New(cfg, s, h, uart, func() uint64 { return 12345678 }, nil)
	return sh, uart
}

func noEntry(any) {}

func TestShellHelpListsBuiltins(t *testing.T) {
	guard := critsec.New()
	h, err := heap.Init(make([]byte, 1<<16), guard)
	require.NoError(t, err)
	s := sched.New(config.Default(), h, guard)
	sh, uart := newTestShell(t, s, h)

	out := NewOutput(writerFunc(func(p []byte) (int, error) { n := uart.Write(p); return n, nil }))
	sh.dispatch("help", out)

	got := uart.out.String()
	require.True(t, strings.HasPrefix(got, "Available commands:\r\n"))
	require.Contains(t, got, "help -")
	require.Contains(t, got, "heaptest -")
}

func TestShellHeaptestBasicPrintsPassLines(t *testing.T) {
	guard := critsec.New()
	h, err := heap.Init(make([]byte, 1<<16), guard)
	require.NoError(t, err)
	s := sched.New(config.Default(), h, guard)
	sh, uart := newTestShell(t, s, h)

	out := NewOutput(writerFunc(func(p []byte) (int, error) { n := uart.Write(p); return n, nil }))
	sh.dispatch("heaptest basic 128", out)

	got := uart.out.String()
	require.Contains(t, got, "[PASS] alloc 128 bytes")
	require.Contains(t, got, "[PASS] verify pattern")
	require.Contains(t, got, "[PASS] verify-old data preserved")
	require.Contains(t, got, "[PASS] Basic test passed.")
}

func TestShellFeedHandlesBackspaceAndEchoesPrompt(t *testing.T) {
	guard := critsec.New()
	h, err := heap.Init(make([]byte, 1<<16), guard)
	require.NoError(t, err)
	s := sched.New(config.Default(), h, guard)
	sh, uart := newTestShell(t, s, h)
	out := NewOutput(writerFunc(func(p []byte) (int, error) { n := uart.Write(p); return n, nil }))

	for _, b := range []byte("help") {
		sh.feed(b, out)
	}
	sh.feed(backspace, out)
	sh.feed('p', out)
	sh.feed('\n', out)

	got := uart.out.String()
	require.Contains(t, got, "Available commands:")
	require.Contains(t, got, Prompt)
}

func TestShellKillSucceedsOnLiveNonCurrentTask(t *testing.T) {
	guard := critsec.New()
	h, err := heap.Init(make([]byte, 1<<16), guard)
	require.NoError(t, err)
	s := sched.New(config.Default(), h, guard)
	sh, uart := newTestShell(t, s, h)
	out := NewOutput(writerFunc(func(p []byte) (int, error) { n := uart.Write(p); return n, nil }))

	_, err = s.Create(noEntry, nil, 128)
	require.NoError(t, err)
	victim, err := s.Create(noEntry, nil, 128)
	require.NoError(t, err)

	sh.dispatch("kill "+itoa(victim), out)
	require.Contains(t, uart.out.String(), "Killed task")

	snap := s.Snapshot()
	for _, ti := range snap {
		require.NotEqual(t, victim, ti.ID)
	}
}

func TestShellKillReportsNotFound(t *testing.T) {
	guard := critsec.New()
	h, err := heap.Init(make([]byte, 1<<16), guard)
	require.NoError(t, err)
	s := sched.New(config.Default(), h, guard)
	sh, uart := newTestShell(t, s, h)
	out := NewOutput(writerFunc(func(p []byte) (int, error) { n := uart.Write(p); return n, nil }))

	sh.dispatch("kill 999", out)
	require.Contains(t, uart.out.String(), "not found")
}

func TestShellKillReportsIdleError(t *testing.T) {
	guard := critsec.New()
	h, err := heap.Init(make([]byte, 1<<16), guard)
	require.NoError(t, err)
	cfg := config.Default()
	s := sched.New(cfg, h, guard)

	taskLoop := func(any) {
		for {
			_ = s.SleepTicks(1)
		}
	}
	_, err = s.Create(taskLoop, nil, 256)
	require.NoError(t, err)
	go func() { _ = s.Start() }()
	go func() {
		for tick := uint64(1); ; tick++ {
			s.WakeSleepingTasks(tick)
			time.Sleep(time.Millisecond)
		}
	}()

	var idleID sched.TaskID
	require.Eventually(t, func() bool {
		id, ok := s.IdleID()
		idleID = id
		return ok
	}, time.Second, time.Millisecond)

	sh, uart := newTestShell(t, s, h)
	out := NewOutput(writerFunc(func(p []byte) (int, error) { n := uart.Write(p); return n, nil }))
	sh.dispatch("kill "+itoa(idleID), out)
	require.Contains(t, uart.out.String(), "cannot kill the idle task")
}

func itoa(id sched.TaskID) string {
	return Format(32, "%u", uint32(id))
}

func TestShellFlushSucceedsOnceTransmissionCompletes(t *testing.T) {
	guard := critsec.New()
	h, err := heap.Init(make([]byte, 1<<16), guard)
	require.NoError(t, err)
	s := sched.New(config.Default(), h, guard)
	uart := &flushFakeUART{emptyAfter: 0, completeAfter: 5}
	sh := New(config.Default(), s, h, uart, func() uint64 { return 0 }, nil)

	require.NoError(t, sh.Flush())
	require.True(t, uart.completeCalls > 5)
}

func TestShellFlushTimesOutWhenTransmissionNeverCompletes(t *testing.T) {
	guard := critsec.New()
	h, err := heap.Init(make([]byte, 1<<16), guard)
	require.NoError(t, err)
	s := sched.New(config.Default(), h, guard)
	uart := &flushFakeUART{emptyAfter: 0, completeAfter: flushSpinLimit * 2}
	sh := New(config.Default(), s, h, uart, func() uint64 { return 0 }, nil)

	require.ErrorIs(t, sh.Flush(), kerr.ErrTimeout)
}
