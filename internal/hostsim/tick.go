package hostsim

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/config"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/sched"
)

// TickSource is the monotonic tick ISR: a time.Ticker-driven goroutine
// that calls the scheduler's two explicit entry points
// (WakeSleepingTasks, RequestContextSwitch) rather than holding a
// callback, which would otherwise tangle the tick source and the
// scheduler into a cyclic reference.
type TickSource struct {
	freqHz uint32
	sched  *sched.Scheduler
	now    atomic.Uint64 // ticks elapsed; written by Run, read by Now from other goroutines
}

// NewTickSource builds a tick source at cfg.SystickFreqHz.
func NewTickSource(cfg config.Config, s *sched.Scheduler) *TickSource {
	freq := cfg.SystickFreqHz
	if freq == 0 {
		freq = 1000
	}
	return &TickSource{freqHz: freq, sched: s}
}

// Now returns the tick source's current tick count (milliseconds at
// the default 1 kHz) — used as the shell's `uptime` clock and as a
// monotonic tick counter, widened to 64 bits so a long-running session
// never wraps it.
func (t *TickSource) Now() uint64 {
	return t.now.Load()
}

// Run drives the tick loop until ctx is canceled. Each period it
// advances the tick counter, wakes any sleeper whose deadline has
// arrived, and requests a context switch — the hosted analogue of the
// SysTick exception firing.
func (t *TickSource) Run(ctx context.Context) error {
	period := time.Second / time.Duration(t.freqHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := t.now.Add(1)
			t.sched.WakeSleepingTasks(now)
			t.sched.RequestContextSwitch()
		}
	}
}
