package shell

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/config"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/heap"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/sched"
)

// UARTLine is the shell's non-blocking transport contract: a
// non-blocking byte-level getc/puts pair, plus the TX-side status the
// Flush operation polls.
type UARTLine interface {
	TryReadByte() (byte, bool)
	Write(p []byte) int
	// TXEmpty reports whether the TX ring currently holds no queued
	// bytes.
	TXEmpty() bool
	// TXComplete reports the hardware transmission-complete flag.
	TXComplete() bool
}

// flushSpinLimit bounds Flush's busy-wait for the hardware
// transmission-complete flag once the TX ring has drained.
const flushSpinLimit = 100000

const (
	backspace = 0x08
	del       = 0x7F
	cr        = '\r'
	lf        = '\n'
)

// Prompt is reprinted after every processed command line.
const Prompt = "> "

// Shell owns the REPL state for one console: the line buffer, cursor,
// and the command registry it dispatches into.
type Shell struct {
	cfg      config.Config
	sched    *sched.Scheduler
	heapAlc  *heap.Heap
	uart     UARTLine
	tickNow  func() uint64
	rebootFn func()

	registry *Registry
	scripts  map[string]string

	line   []byte
	cursor int
}

// New builds a shell wired to scheduler, heapAlc (nil in static-stack
// mode, in which case `heap` reports the heap as not available), and uart, and
// registers the builtin command set plus the additive `script`
// builtin.
func New(cfg config.Config, scheduler *sched.Scheduler, heapAlc *heap.Heap, uart UARTLine, tickNow func() uint64, rebootFn func()) *Shell {
	s := &Shell{
		cfg:      cfg,
		sched:    scheduler,
		heapAlc:  heapAlc,
		uart:     uart,
		tickNow:  tickNow,
		rebootFn: rebootFn,
		registry: NewRegistry(cfg.MaxCmds),
		scripts:  make(map[string]string),
		line:     make([]byte, cfg.LineBufferSize),
	}
	s.registerBuiltins()
	return s
}

// Run is the shell's task body: a read/echo/dispatch loop with a
// suspension point on every empty read, so it participates in
// cooperative scheduling exactly like any other task.
func (s *Shell) Run(arg any) {
	out := NewOutput(writerFunc(func(p []byte) (int, error) {
		return s.uart.Write(p), nil
	}))
	out.Print(Prompt)
	for {
		b, ok := s.uart.TryReadByte()
		if !ok {
			_ = s.sched.SleepTicks(20)
			continue
		}
		s.feed(b, out)
	}
}

// Flush drains the transport's TX side: it yields while the TX ring
// is non-empty, then busy-waits, bounded by flushSpinLimit iterations,
// for the hardware transmission-complete flag. It returns
// kerr.ErrTimeout if the flag never arrives within that bound.
func (s *Shell) Flush() error {
	for !s.uart.TXEmpty() {
		s.sched.Yield()
	}
	for i := 0; i < flushSpinLimit; i++ {
		if s.uart.TXComplete() {
			return nil
		}
		runtime.Gosched()
	}
	return kerr.ErrTimeout
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (s *Shell) feed(b byte, out *Output) {
	switch {
	case b == cr || b == lf:
		out.Print("\r\n")
		s.dispatch(string(s.line[:s.cursor]), out)
		s.cursor = 0
		out.Print(Prompt)
	case b == backspace || b == del:
		if s.cursor > 0 {
			s.cursor--
			out.Print("\b \b")
		}
	case b >= 0x20 && b <= 0x7E:
		if s.cursor < len(s.line) {
			s.line[s.cursor] = b
			s.cursor++
			out.Print(string(b))
		}
	}
}

// dispatch tokenizes and runs a command line: exact name match
// against the registry, else the unknown-command message.
func (s *Shell) dispatch(lineStr string, out *Output) {
	argv := Tokenize(lineStr, s.cfg.MaxArgs)
	if len(argv) == 0 {
		return
	}
	cmd, ok := s.registry.Find(argv[0])
	if !ok {
		out.Print(fmt.Sprintf("Unknown command: %s\r\nType 'help' for list.\r\n", argv[0]))
		return
	}
	cmd.handler(argv, out)
}

func (s *Shell) registerBuiltins() {
	_ = s.registry.Register("help", "list available commands", s.cmdHelp)
	_ = s.registry.Register("tasks", "list live tasks", s.cmdTasks)
	_ = s.registry.Register("heap", "show heap statistics", s.cmdHeap)
	_ = s.registry.Register("uptime", "show time since boot", s.cmdUptime)
	_ = s.registry.Register("kill", "kill <id>: delete a task", s.cmdKill)
	_ = s.registry.Register("reboot", "restart the kernel", s.cmdReboot)
	_ = s.registry.Register("heaptest", "heaptest <basic|frag|stress> [size]: exercise the allocator", s.cmdHeaptest)
	_ = s.registry.Register("script", "script <name>: replay a registered command sequence", s.cmdScript)
}

func (s *Shell) cmdHelp(argv []string, out *Output) int32 {
	out.Print("Available commands:\r\n")
	for _, c := range s.registry.All() {
		out.Print(fmt.Sprintf("  %s - %s\r\n", c.name, c.help))
	}
	return 0
}

func (s *Shell) cmdTasks(argv []string, out *Output) int32 {
	out.Print("ID   State      Stack Location\r\n")
	snap := s.sched.Snapshot()
	for _, t := range snap {
		out.Print(fmt.Sprintf("%-4d %-10s %s\r\n", t.ID, t.State.String(), t.StackLocation))
	}
	out.Print(fmt.Sprintf("Total tasks: %d\r\n", len(snap)))
	return 0
}

func (s *Shell) cmdHeap(argv []string, out *Output) int32 {
	if s.heapAlc == nil {
		out.Print("Heap: not available (static stack allocation mode)\r\n")
		return 0
	}
	stats := s.heapAlc.GetStats()
	pct := 0
	if stats.TotalSize > 0 {
		pct = stats.Used * 100 / stats.TotalSize
	}
	status := "OK"
	if err := s.heapAlc.CheckIntegrity(); err != nil {
		status = "CORRUPTED!"
	}
	out.Print(fmt.Sprintf("Total: %d\r\n", stats.TotalSize))
	out.Print(fmt.Sprintf("Used: %d\r\n", stats.Used))
	out.Print(fmt.Sprintf("Free: %d\r\n", stats.Free))
	out.Print(fmt.Sprintf("Largest free block: %d\r\n", stats.LargestFree))
	out.Print(fmt.Sprintf("Allocated count: %d\r\n", stats.AllocCount))
	out.Print(fmt.Sprintf("Free fragments: %d\r\n", stats.FreeFragments))
	out.Print(fmt.Sprintf("Used: %d%%\r\n", pct))
	out.Print(fmt.Sprintf("Status: %s\r\n", status))
	return 0
}

func (s *Shell) cmdUptime(argv []string, out *Output) int32 {
	ms := s.tickNow()
	totalSeconds := ms / 1000
	days := totalSeconds / 86400
	hours := (totalSeconds % 86400) / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	millis := ms % 1000
	out.Print(fmt.Sprintf("Uptime: %d Days, %d Hours, %d Minutes, %d Seconds.%03d\r\n",
		days, hours, minutes, seconds, millis))
	return 0
}

func (s *Shell) cmdKill(argv []string, out *Output) int32 {
	if len(argv) < 2 {
		out.Print("Usage: kill <id>\r\n")
		return kerr.Errno(kerr.ErrInvalidArg)
	}
	var id uint64
	if _, err := fmt.Sscanf(argv[1], "%d", &id); err != nil {
		out.Print(fmt.Sprintf("Error: invalid task id '%s'\r\n", argv[1]))
		return kerr.Errno(kerr.ErrInvalidArg)
	}
	err := s.sched.Delete(sched.TaskID(id))
	switch {
	case err == nil:
		out.Print(fmt.Sprintf("Killed task %d\r\n", id))
	case errors.Is(err, kerr.ErrIsIdle):
		out.Print("Error: cannot kill the idle task\r\n")
	case errors.Is(err, kerr.ErrIsCurrent):
		out.Print("Error: cannot kill the current task\r\n")
	case errors.Is(err, kerr.ErrNotFound):
		out.Print(fmt.Sprintf("Error: task %d not found\r\n", id))
	default:
		out.Print("Error: kill failed\r\n")
	}
	return kerr.Errno(err)
}

func (s *Shell) cmdReboot(argv []string, out *Output) int32 {
	out.Print("Rebooting...\r\n")
	if err := s.Flush(); err != nil {
		out.Print("Warning: UART flush timed out, rebooting anyway\r\n")
	}
	if s.rebootFn != nil {
		s.rebootFn()
	}
	return 0
}

