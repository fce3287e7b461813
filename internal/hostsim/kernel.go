package hostsim

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/config"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/critsec"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/heap"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/sched"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/shell"
)

// Kernel is one running instance of the simulated firmware image: a
// scheduler, an optional heap (dynamic stack mode only), a console
// shell, and the UART/tick goroutines that stand in for interrupt
// hardware. internal/kernel/* packages are unaware any of this exists.
type Kernel struct {
	cfg   Config
	log   zerolog.Logger
	guard *critsec.Ceiling
	heap  *heap.Heap
	sched *sched.Scheduler
	shell *shell.Shell
	uart  *UARTLine
	tick  *TickSource
}

// New builds a Kernel wired to in/out as its console transport.
// guard is shared by the heap and the scheduler, mirroring a single
// hardware priority-ceiling register shared by every privileged
// operation.
func New(cfg Config, in io.Reader, out io.Writer, log zerolog.Logger) (*Kernel, error) {
	guard := critsec.New()

	var h *heap.Heap
	if cfg.Kernel.StackAllocMode == config.DynamicStacks {
		var err error
		h, err = heap.Init(make([]byte, cfg.HeapPoolSize), guard)
		if err != nil {
			return nil, err
		}
	}

	s := sched.New(cfg.Kernel, h, guard)
	uart := NewUARTLine(cfg.Kernel, in, out, log)
	tick := NewTickSource(cfg.Kernel, s)

	sh := shell.New(cfg.Kernel, s, h, uart, tick.Now, nil)

	k := &Kernel{cfg: cfg, log: log, guard: guard, heap: h, sched: s, shell: sh, uart: uart, tick: tick}
	return k, nil
}

// Shell exposes the console shell so callers can register additional
// scripts before Run starts the kernel.
func (k *Kernel) Shell() *shell.Shell { return k.shell }

// Run starts the shell task, the tick source, and the UART ISR
// goroutines, and waits for all of them. Like the real firmware's main
// loop, the scheduler goroutine never returns in normal operation, so
// Run returns only if Start fails. Canceling ctx, or an error from any
// goroutine, stops the tick source and the TX pump; the RX pump stops
// only when its reader reaches EOF or fails.
func (k *Kernel) Run(ctx context.Context) error {
	if _, err := k.sched.Create(k.shell.Run, nil, k.cfg.Kernel.MinStackBytes*2); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.tick.Run(gctx) })
	g.Go(func() error { return k.uart.RXPump() })
	g.Go(func() error { return k.uart.TXPump(gctx.Done()) })
	g.Go(func() error {
		k.log.Info().Msg("starting scheduler")
		return k.sched.Start()
	})

	return g.Wait()
}
