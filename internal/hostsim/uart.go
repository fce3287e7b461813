// Package hostsim hosts the cooperative kernel on top of ordinary
// goroutines, channels, and a real io.Reader/io.Writer transport: the
// monotonic tick ISR, the deferred context-switch handle, the
// priority-ceiling mask, and non-blocking byte I/O. The kernel
// packages under internal/kernel know nothing about this file; they
// only see the scheduler/heap/ring/shell contracts.
package hostsim

import (
	"bufio"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/config"
	"github.com/sabarioded/stm32-cli-os/internal/kernel/ring"
)

// UARTLine backs one console's RX/TX rings with a real byte stream.
// The ISR-side goroutines (RXPump, TXPump) fill the PushFromISR/
// PopFromISR producer/consumer roles; the scheduler-visible task side
// goes through TryReadByte/Write/TXEmpty/TXComplete, matching
// shell.UARTLine exactly.
type UARTLine struct {
	rx  *ring.Ring
	tx  *ring.Ring
	in  io.Reader
	out io.Writer
	log zerolog.Logger

	// txDone is the hardware transmission-complete flag: false from
	// the moment a byte is enqueued until TXPump has actually written
	// the ring's last byte out to the real transport, not merely
	// popped it.
	txDone atomic.Bool
}

// NewUARTLine wires a transport's reader/writer halves to a fresh
// pair of SPSC rings sized per cfg.
func NewUARTLine(cfg config.Config, in io.Reader, out io.Writer, log zerolog.Logger) *UARTLine {
	u := &UARTLine{
		rx:  ring.New(cfg.RXRingSize),
		tx:  ring.New(cfg.TXRingSize),
		in:  in,
		out: out,
		log: log,
	}
	u.txDone.Store(true)
	return u
}

// TryReadByte is the shell's non-blocking getc: it pulls one byte out
// of the RX ring (already filled by RXPump), never blocking.
func (u *UARTLine) TryReadByte() (byte, bool) {
	var b [1]byte
	if u.rx.Read(b[:]) == 0 {
		return 0, false
	}
	return b[0], true
}

// Write is the shell's task-side puts: it enqueues onto the TX ring
// for TXPump to drain, stopping at the first full ring.
func (u *UARTLine) Write(p []byte) int {
	n := u.tx.Write(p)
	if n > 0 {
		u.txDone.Store(false)
	}
	return n
}

// TXEmpty reports whether the TX ring currently holds no queued
// bytes, the first half of Flush's wait condition.
func (u *UARTLine) TXEmpty() bool {
	return u.tx.Empty()
}

// TXComplete is the hardware transmission-complete flag Flush polls
// once the TX ring has drained: true once TXPump has actually written
// every enqueued byte out to the real transport.
func (u *UARTLine) TXComplete() bool {
	return u.txDone.Load()
}

// RXPump is the RX ISR: it blocks on the real transport (standing in
// for "byte arrived, fire interrupt") and pushes each byte into the
// RX ring with PushFromISR, counting overflow when the task-side
// consumer falls behind.
func (u *UARTLine) RXPump() error {
	r := bufio.NewReaderSize(u.in, 1)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !u.rx.PushFromISR(b) {
			u.log.Warn().Uint32("overflow_count", u.rx.Overflow()).Msg("uart rx ring overflow")
		}
	}
}

// TXPump is the TX ISR: it drains the TX ring with PopFromISR and
// writes each byte out to the real transport, standing in for the
// data-register-empty interrupt.
func (u *UARTLine) TXPump(stop <-chan struct{}) error {
	w := bufio.NewWriter(u.out)
	defer w.Flush()
	for {
		b, ok := u.tx.PopFromISR()
		if !ok {
			if err := w.Flush(); err != nil {
				return err
			}
			u.txDone.Store(true)
			select {
			case <-stop:
				return nil
			case <-time.After(time.Millisecond):
			}
			continue
		}
		if err := w.WriteByte(b); err != nil {
			return err
		}
	}
}

// StdioUARTLine is a convenience constructor in which the process's
// own stdin/stdout stand in for the UART wires. `hostsim run` does not
// call it; it passes os.Stdin/os.Stdout to New instead.
func StdioUARTLine(cfg config.Config, log zerolog.Logger) *UARTLine {
	return NewUARTLine(cfg, os.Stdin, os.Stdout, log)
}
