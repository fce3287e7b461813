package sched

import (
	"testing"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/config"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/critsec"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/heap"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg config.Config) *Scheduler {
	t.Helper()
	guard := critsec.New()
	var h *heap.Heap
	if cfg.StackAllocMode == config.DynamicStacks {
		var err error
		h, err = heap.Init(make([]byte, 1<<16), guard)
		require.NoError(t, err)
	}
	return New(cfg, h, guard)
}

func noopEntry(any) {}

func TestCreateRejectsNilEntry(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	_, err := s.Create(nil, nil, 128)
	require.ErrorIs(t, err, kerr.ErrInvalidArg)
}

func TestCreateFailsAtTableCapacity(t *testing.T) {
	cfg := config.Default()
	cfg.MaxTasks = 2
	s := newTestScheduler(t, cfg)

	_, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	_, err = s.Create(noopEntry, nil, 128)
	require.NoError(t, err)

	_, err = s.Create(noopEntry, nil, 128)
	require.ErrorIs(t, err, kerr.ErrTableFull)
}

func TestSelectNextRoundRobinsAmongReadyTasks(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	a, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	b, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)

	s.guard.With(func() {
		s.tasks[0].state = StateRunning
		s.current = s.tasks[0]
		s.tasks[1].state = StateReady
	})

	next, err := s.SelectNext()
	require.NoError(t, err)
	require.Equal(t, b, next)
	_ = a
}

func TestBlockRejectsCurrentTask(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	id, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)

	s.guard.With(func() {
		s.current = s.tasks[0]
	})

	err = s.Block(id)
	require.ErrorIs(t, err, kerr.ErrBlockCurrentDisallowed)
}

func TestBlockUnblockRoundTrip(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	self, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	other, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	s.guard.With(func() { s.current = s.findLocked(self) })

	require.NoError(t, s.Block(other))
	snap := s.Snapshot()
	require.True(t, stateOf(snap, other) == StateBlocked)

	require.NoError(t, s.Unblock(other))
	snap = s.Snapshot()
	require.True(t, stateOf(snap, other) == StateReady)
}

func TestBlockAndUnblockIgnoreUnknownIDs(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	_, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	s.guard.With(func() { s.current = s.tasks[0] })

	require.NoError(t, s.Block(TaskID(9999)))
	require.NoError(t, s.Unblock(TaskID(9999)))
}

func TestDeleteRejectsIdleAndCurrentAndMissing(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	live, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	idleID, err := s.create(noopEntry, nil, cfg.IdleStackBytes, true)
	require.NoError(t, err)
	s.guard.With(func() {
		s.idle = s.findLocked(idleID)
		s.current = s.findLocked(live)
	})

	require.ErrorIs(t, s.Delete(idleID), kerr.ErrIsIdle)
	require.ErrorIs(t, s.Delete(live), kerr.ErrIsCurrent)
	require.ErrorIs(t, s.Delete(TaskID(12345)), kerr.ErrNotFound)
}

func TestDeleteFreesDynamicStackBackToHeap(t *testing.T) {
	cfg := config.Default()
	cfg.MaxTasks = 8
	s := newTestScheduler(t, cfg)
	victim, err := s.Create(noopEntry, nil, 256)
	require.NoError(t, err)
	bystander, err := s.Create(noopEntry, nil, 256)
	require.NoError(t, err)
	s.guard.With(func() { s.current = s.findLocked(bystander) })

	before := s.heapAlc.GetStats()
	require.NoError(t, s.Delete(victim))
	after := s.heapAlc.GetStats()
	require.Less(t, after.Used, before.Used)
}

func TestSleepTicksZeroIsRejected(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	err := s.SleepTicks(0)
	require.ErrorIs(t, err, kerr.ErrInvalidArg)
}

func TestWakeSleepingTasksHonorsExactDeadline(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	id, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	s.guard.With(func() {
		t := s.findLocked(id)
		t.state = StateBlocked
		t.wakeUpTick = 200
	})

	s.WakeSleepingTasks(150)
	require.Equal(t, StateBlocked, stateOf(s.Snapshot(), id))

	s.WakeSleepingTasks(200)
	require.Equal(t, StateReady, stateOf(s.Snapshot(), id))
}

func TestGarbageCollectCompactsUnusedSlotsPreservingSurvivors(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	a, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	b, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	c, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	s.guard.With(func() { s.current = s.findLocked(b) })

	require.NoError(t, s.Delete(a))
	require.NoError(t, s.Delete(c))
	require.Equal(t, 3, len(s.tasks))

	s.GarbageCollect()
	require.Equal(t, 1, len(s.tasks))
	require.Equal(t, b, s.tasks[0].id)
}

func TestCheckStackOverflowDeletesCorruptedNonCurrentTask(t *testing.T) {
	cfg := config.Default()
	s := newTestScheduler(t, cfg)
	victim, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	bystander, err := s.Create(noopEntry, nil, 128)
	require.NoError(t, err)
	s.guard.With(func() { s.current = s.findLocked(bystander) })

	require.True(t, s.DebugCorruptStack(victim))
	s.CheckStackOverflow()

	require.Equal(t, StateUnused, stateOfRaw(s, victim))
}

func stateOf(snap []TaskInfo, id TaskID) State {
	for _, info := range snap {
		if info.ID == id {
			return info.State
		}
	}
	return StateUnused
}

func stateOfRaw(s *Scheduler, id TaskID) State {
	var st State
	s.guard.With(func() {
		t := s.findLocked(id)
		if t == nil {
			st = StateUnused
			return
		}
		st = t.state
	})
	return st
}
