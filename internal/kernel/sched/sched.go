// Package sched implements the kernel's fixed-capacity, round-robin
// task scheduler: task table management, tick-driven sleep/wake,
// stack-overflow detection, and garbage compaction.
//
// Hosted on goroutines rather than bare silicon, "at most one Running
// task" and the PendSV-style context switch are realized with a
// per-task baton channel: exactly one task's goroutine is ever
// unblocked at a time, and switchAway — called only from a task's own
// suspension points (Yield, SleepTicks, BlockCurrent, Exit) — is the
// sole place that hands the baton to the next selected task. This
// replaces the assembly trampoline's register save/restore with a
// channel handoff while preserving every observable scheduling
// invariant a real context switch would. See DESIGN.md for the full
// translation rationale.
package sched

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/config"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/critsec"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/heap"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
)

// TaskID is the kernel's stable 16-bit task identifier.
type TaskID uint16

// State is one of the five task states a task record can be in.
type State int

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNUSED"
	}
}

// EntryFunc is a task body. It runs until it returns (an implicit
// Exit) or calls a suspension point.
type EntryFunc func(arg any)

type taskRecord struct {
	id         TaskID
	state      State
	isIdle     bool
	wakeUpTick uint64
	stack      StackRegion
	entry      EntryFunc
	arg        any
	runCh      chan struct{}
}

// TaskInfo is a read-only snapshot of one task, for introspection
// (the shell's `tasks` command and tests).
type TaskInfo struct {
	ID            TaskID
	State         State
	IsIdle        bool
	StackLocation string
}

// Scheduler owns the task table and drives selection.
type Scheduler struct {
	cfg     config.Config
	guard   *critsec.Ceiling
	heapAlc *heap.Heap // nil in static mode

	tasks   []*taskRecord
	current *taskRecord
	idle    *taskRecord
	nextID  uint16

	tickNow       atomic.Uint64
	pendingSwitch atomic.Bool
	started       atomic.Bool
}

// New creates a scheduler. heapAlc may be nil when cfg.StackAllocMode
// is config.StaticStacks; it must be non-nil for config.DynamicStacks.
func New(cfg config.Config, heapAlc *heap.Heap, guard *critsec.Ceiling) *Scheduler {
	return &Scheduler{cfg: cfg, heapAlc: heapAlc, guard: guard}
}

func clampStack(cfg config.Config, n int) int {
	if n < cfg.MinStackBytes {
		n = cfg.MinStackBytes
	}
	if n > cfg.MaxStackBytes {
		n = cfg.MaxStackBytes
	}
	return (n + 7) / 8 * 8
}

// Create registers a new task, returning its id. stack_bytes is
// clamped to [MIN_STACK, MAX_STACK] and rounded up to
// 8 bytes and sizes the heap-backed stack of dynamic mode; static mode
// always uses a StackSizeWords buffer. In dynamic mode the stack region
// is carved from the heap before the task table is touched (heap.Malloc takes its own
// critical section, so this call never nests critsec acquisitions —
// see critsec.Ceiling.With's contract).
func (s *Scheduler) Create(entry EntryFunc, arg any, stackBytes int) (TaskID, error) {
	return s.create(entry, arg, stackBytes, false)
}

func (s *Scheduler) create(entry EntryFunc, arg any, stackBytes int, idle bool) (TaskID, error) {
	if entry == nil {
		return 0, kerr.ErrInvalidArg
	}
	size := clampStack(s.cfg, stackBytes)

	var region StackRegion
	switch s.cfg.StackAllocMode {
	case config.DynamicStacks:
		hs, err := newHeapStack(s.heapAlc, size)
		if err != nil {
			return 0, err
		}
		region = hs
	default:
		region = newInlineStack(s.cfg.StackSizeWords * 4)
	}
	writeCanary(region, s.cfg.StackCanary)

	var id TaskID
	var full bool
	s.guard.With(func() {
		if len(s.tasks) >= s.cfg.MaxTasks {
			// Reuse an Unused slot if one exists, even at capacity.
			for _, t := range s.tasks {
				if t.state == StateUnused {
					s.reinit(t, entry, arg, region, idle)
					id = t.id
					return
				}
			}
			full = true
			return
		}
		for _, t := range s.tasks {
			if t.state == StateUnused {
				s.reinit(t, entry, arg, region, idle)
				id = t.id
				return
			}
		}
		t := &taskRecord{
			entry:  entry,
			arg:    arg,
			stack:  region,
			isIdle: idle,
			state:  StateReady,
			runCh:  make(chan struct{}),
		}
		t.id = s.allocID()
		s.tasks = append(s.tasks, t)
		id = t.id
		go s.taskMain(t)
	})
	if full {
		region.Release()
		return 0, kerr.ErrTableFull
	}
	return id, nil
}

func (s *Scheduler) allocID() TaskID {
	id := s.nextID
	s.nextID++
	return TaskID(id)
}

// reinit repurposes an Unused slot for a new task. Must run under guard.
func (s *Scheduler) reinit(t *taskRecord, entry EntryFunc, arg any, region StackRegion, idle bool) {
	t.entry = entry
	t.arg = arg
	t.stack = region
	t.isIdle = idle
	t.state = StateReady
	t.wakeUpTick = 0
	t.id = s.allocID()
	t.runCh = make(chan struct{})
	go s.taskMain(t)
}

// taskMain is the goroutine body every task record runs under: park
// until scheduled, run the entry function to completion, then behave
// as an implicit self-exit: falling off the end of entry exits the
// task exactly as an explicit Exit() call would.
func (s *Scheduler) taskMain(t *taskRecord) {
	<-t.runCh
	t.entry(t.arg)
	s.Exit()
}

// Start creates the idle task, makes slot 0 the current (Running)
// task, and blocks forever — the hosted analogue of jumping through
// the architecture trampoline and never returning. Start must be
// called after at least one user task has been created.
func (s *Scheduler) Start() error {
	if len(s.tasks) == 0 {
		return kerr.ErrInvalidArg
	}
	idleID, err := s.create(s.idleEntry, nil, s.cfg.IdleStackBytes, true)
	if err != nil {
		return err
	}
	s.guard.With(func() {
		s.idle = s.findLocked(idleID)
		first := s.tasks[0]
		first.state = StateRunning
		s.current = first
	})
	s.started.Store(true)
	s.tasks[0].runCh <- struct{}{}
	select {}
}

// idleEntry is the idle task's body: it is always Ready-eligible only
// as a fallback, never sleeps, performs stack-overflow sweeps, and
// compacts the task table roughly once per GCIntervalTicks.
func (s *Scheduler) idleEntry(any) {
	var lastGC uint64
	for {
		now := s.tickNow.Load()
		if now-lastGC >= s.cfg.GCIntervalTicks {
			s.GarbageCollect()
			lastGC = now
		}
		s.CheckStackOverflow()
		s.Yield()
	}
}

func (s *Scheduler) indexOfLocked(t *taskRecord) int {
	for i, c := range s.tasks {
		if c == t {
			return i
		}
	}
	return -1
}

// selectNextLocked implements round-robin task selection.
// Must be called under guard.
func (s *Scheduler) selectNextLocked() *taskRecord {
	n := len(s.tasks)
	start := s.indexOfLocked(s.current)
	if start < 0 {
		start = n - 1
	}
	for i := 1; i <= n; i++ {
		t := s.tasks[(start+i)%n]
		if t.state == StateReady && !t.isIdle && t.wakeUpTick == 0 {
			return t
		}
	}
	return s.idle
}

// SelectNext reports which task would be chosen next without mutating
// any state — a side-effect-free introspection of the algorithm the
// task-owned suspension points (Yield, SleepTicks, ...) actually
// dispatch through.
func (s *Scheduler) SelectNext() (TaskID, error) {
	var id TaskID
	var err error
	s.guard.With(func() {
		if len(s.tasks) == 0 {
			err = kerr.ErrInvalidArg
			return
		}
		id = s.selectNextLocked().id
	})
	return id, err
}

// switchAway is the shared dispatch core for every suspension point.
// prepare runs under the same critical section used to pick the next
// task, so the outgoing task's new state is visible to selection.
// cleanup, when non-nil, runs after the critical section is released
// but before the baton is handed off — used by Exit to return the
// departing task's stack to the heap without nesting into guard.With
// (heap.Free takes the same shared Ceiling; see DESIGN.md).
func (s *Scheduler) switchAway(self *taskRecord, prepare func(), terminal bool, cleanup func()) {
	var next *taskRecord
	s.guard.With(func() {
		prepare()
		next = s.selectNextLocked()
		next.state = StateRunning
		s.current = next
	})
	if cleanup != nil {
		cleanup()
	}
	if terminal {
		if next != self {
			next.runCh <- struct{}{}
		}
		runtime.Goexit()
		return
	}
	if next == self {
		return
	}
	next.runCh <- struct{}{}
	<-self.runCh
}

// Yield voluntarily relinquishes the CPU; the caller remains Ready
// and may be reselected immediately if no other task is eligible.
func (s *Scheduler) Yield() {
	self := s.currentUnsafe()
	s.switchAway(self, func() {
		if self.state == StateRunning {
			self.state = StateReady
		}
	}, false, nil)
}

// currentUnsafe reads the current-task pointer. It is safe without
// the guard because only the currently-running task's own goroutine
// ever calls scheduler entry points concurrently with itself; cross-
// task reads go through guard-protected accessors (Snapshot, etc).
func (s *Scheduler) currentUnsafe() *taskRecord {
	return s.current
}

// SleepTicks blocks the caller until at least n ticks have elapsed.
// n == 0 is rejected.
func (s *Scheduler) SleepTicks(n uint32) error {
	if n == 0 {
		return kerr.ErrInvalidArg
	}
	self := s.currentUnsafe()
	s.switchAway(self, func() {
		self.wakeUpTick = s.tickNow.Load() + uint64(n)
		if !self.isIdle {
			self.state = StateBlocked
		}
	}, false, nil)
	return nil
}

// BlockCurrent blocks the calling task until Unblock(id) is called,
// then yields.
func (s *Scheduler) BlockCurrent() {
	self := s.currentUnsafe()
	s.switchAway(self, func() {
		self.state = StateBlocked
	}, false, nil)
}

// Block sets id to Blocked. Idle and not-found ids are silently
// ignored rather than erroring; blocking the current task is
// rejected — callers must use BlockCurrent for that.
func (s *Scheduler) Block(id TaskID) error {
	var err error
	s.guard.With(func() {
		if s.current != nil && s.current.id == id {
			err = kerr.ErrBlockCurrentDisallowed
			return
		}
		t := s.findLocked(id)
		if t == nil || t.isIdle {
			return
		}
		t.state = StateBlocked
	})
	return err
}

// Unblock transitions id from Blocked to Ready. Unknown ids are
// ignored, symmetric with Block's "ignoring" behavior.
func (s *Scheduler) Unblock(id TaskID) error {
	s.guard.With(func() {
		t := s.findLocked(id)
		if t != nil && t.state == StateBlocked {
			t.state = StateReady
		}
	})
	return nil
}

func (s *Scheduler) findLocked(id TaskID) *taskRecord {
	for _, t := range s.tasks {
		if t.state != StateUnused && t.id == id {
			return t
		}
	}
	return nil
}

// Delete tears down a non-idle, non-current task.
func (s *Scheduler) Delete(id TaskID) error {
	var target *taskRecord
	var err error
	s.guard.With(func() {
		t := s.findLocked(id)
		if t == nil {
			err = kerr.ErrNotFound
			return
		}
		if t.isIdle {
			err = kerr.ErrIsIdle
			return
		}
		if s.current == t {
			err = kerr.ErrIsCurrent
			return
		}
		t.state = StateUnused
		t.wakeUpTick = 0
		target = t
	})
	if err != nil {
		return err
	}
	if target.stack != nil {
		target.stack.Release()
	}
	return nil
}

// Exit is the current task's self-delete. It never returns: the
// calling goroutine is torn down via runtime.Goexit after the
// scheduler hands the baton to whichever task runs next.
func (s *Scheduler) Exit() {
	self := s.currentUnsafe()
	s.switchAway(self, func() {
		self.state = StateUnused
		self.wakeUpTick = 0
	}, true, func() {
		if self.stack != nil {
			self.stack.Release()
		}
	})
}

// WakeSleepingTasks is called directly from the tick path: an
// explicit entry point rather than a stored callback, so the
// scheduler and the tick source never hold a reference to each other.
// Every live Blocked task whose
// wake_up_tick is set and has arrived is made Ready.
func (s *Scheduler) WakeSleepingTasks(tickNow uint64) {
	s.tickNow.Store(tickNow)
	s.guard.With(func() {
		for _, t := range s.tasks {
			if t.state == StateBlocked && t.wakeUpTick != 0 && tickNow >= t.wakeUpTick {
				t.state = StateReady
				t.wakeUpTick = 0
			}
		}
	})
}

// RequestContextSwitch pends the low-priority switch, mirroring a
// PendSV-style "context switch is requested by setting the pending
// bit" design. In this hosted simulation Go cannot forcibly suspend
// an arbitrary running goroutine, so the pend is honored at the
// current task's next suspension point; the flag is exposed for tests
// and introspection.
func (s *Scheduler) RequestContextSwitch() {
	s.pendingSwitch.Store(true)
}

// PendingSwitch reports and clears whether a context switch is
// currently pending.
func (s *Scheduler) PendingSwitch() bool {
	return s.pendingSwitch.Swap(false)
}

// CheckStackOverflow walks all live tasks; any whose canary word no
// longer matches cfg.StackCanary is torn down. If the current task is
// the offender, it is force-exited after the scan.
func (s *Scheduler) CheckStackOverflow() {
	var offenders []TaskID
	var selfOffends bool
	s.guard.With(func() {
		for _, t := range s.tasks {
			if t.state == StateUnused {
				continue
			}
			canary, ok := readCanary(t.stack)
			if !ok || canary == s.cfg.StackCanary {
				continue
			}
			if t == s.current {
				selfOffends = true
				continue
			}
			offenders = append(offenders, t.id)
		}
	})
	for _, id := range offenders {
		_ = s.Delete(id)
	}
	if selfOffends {
		s.Exit()
	}
}

// GarbageCollect compacts the task table, dropping Unused entries and
// preserving the relative order of survivors so round-robin progress
// stays stable across collections. Because current and
// idle are held by pointer identity rather than index, they need no
// separate fix-up: they are never Unused, so they always survive.
func (s *Scheduler) GarbageCollect() {
	s.guard.With(func() {
		kept := s.tasks[:0]
		for _, t := range s.tasks {
			if t.state != StateUnused {
				kept = append(kept, t)
			}
		}
		s.tasks = kept
	})
}

// Snapshot returns a point-in-time, read-only copy of the live task
// table for introspection (the shell's `tasks` command, tests).
func (s *Scheduler) Snapshot() []TaskInfo {
	var out []TaskInfo
	s.guard.With(func() {
		for _, t := range s.tasks {
			if t.state == StateUnused {
				continue
			}
			out = append(out, TaskInfo{
				ID:            t.id,
				State:         t.state,
				IsIdle:        t.isIdle,
				StackLocation: stackLocation(t.stack),
			})
		}
	})
	return out
}

func stackLocation(r StackRegion) string {
	switch v := r.(type) {
	case *heapStack:
		return fmt.Sprintf("heap+0x%x", uint32(v.ptr))
	case *inlineStack:
		return fmt.Sprintf("static[%d]", len(v.buf))
	default:
		return "?"
	}
}

// CurrentID returns the currently Running task's id.
func (s *Scheduler) CurrentID() TaskID {
	var id TaskID
	s.guard.With(func() {
		if s.current != nil {
			id = s.current.id
		}
	})
	return id
}

// IdleID returns the idle task's id, or ok=false before Start runs.
func (s *Scheduler) IdleID() (TaskID, bool) {
	var id TaskID
	var ok bool
	s.guard.With(func() {
		if s.idle != nil {
			id, ok = s.idle.id, true
		}
	})
	return id, ok
}

// DebugCorruptStack overwrites a task's canary word for tests
// exercising the stack-overflow-detection path; it takes no part in
// any kernel operation.
func (s *Scheduler) DebugCorruptStack(id TaskID) bool {
	var ok bool
	s.guard.With(func() {
		t := s.findLocked(id)
		if t == nil {
			return
		}
		b := t.stack.Bytes()
		if len(b) < 4 {
			return
		}
		b[0] ^= 0xFF
		ok = true
	})
	return ok
}
