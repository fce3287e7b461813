// Package critsec models the priority-ceiling critical section every
// other kernel component brackets its mutations with: raise the
// interrupt priority mask to MAX_SYSCALL_PRIORITY, do the work,
// restore it.
//
// On real silicon this is a BASEPRI write and is not a blocking
// operation. Hosted on goroutines there genuinely are concurrent
// callers (the tick goroutine, the UART ISR goroutines, task
// goroutines), so the ceiling is modeled as a weighted semaphore of
// weight 1: acquiring it is "raising the mask", releasing it is
// "restoring" it. A separate type, AboveCeiling, stands in for
// interrupt sources configured above MAX_SYSCALL_PRIORITY (e.g. a
// simulated hard fault / NMI): it never touches the semaphore, so it
// stays deliverable even while the kernel ceiling is held.
package critsec

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Ceiling is the priority-ceiling critical-section primitive.
type Ceiling struct {
	kernel *semaphore.Weighted
}

// New creates a ceiling primitive at MAX_SYSCALL_PRIORITY.
func New() *Ceiling {
	return &Ceiling{kernel: semaphore.NewWeighted(1)}
}

// Enter raises the mask. The acquire never fails in practice (the
// background context never cancels); if it ever does, Enter panics.
func (c *Ceiling) Enter() {
	if err := c.kernel.Acquire(context.Background(), 1); err != nil {
		panic("critsec: ceiling acquire failed: " + err.Error())
	}
}

// Exit restores the mask.
func (c *Ceiling) Exit() {
	c.kernel.Release(1)
}

// With runs fn with the ceiling raised for its duration. Callers must
// not call With (or Enter) reentrantly from within an already-held
// section on the same logical task — like real BASEPRI critical
// sections, this primitive assumes the kernel's own call graph never
// nests critical sections, a property this codebase preserves by
// construction.
func (c *Ceiling) With(fn func()) {
	c.Enter()
	defer c.Exit()
	fn()
}

// AboveCeiling simulates a handler source configured above the
// syscall priority ceiling: it never contends with Ceiling at all, so
// calling Run concurrently with a held Ceiling section always
// proceeds immediately.
type AboveCeiling struct{}

// Run executes fn as if dispatched from an interrupt source above
// MAX_SYSCALL_PRIORITY: it is never blocked by a Ceiling section.
func (AboveCeiling) Run(fn func()) {
	fn()
}
