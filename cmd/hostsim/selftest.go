package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sabarioded/stm32-cli-os/internal/hostsim"
)

// syncBuffer is a concurrency-safe io.Writer: the TX pump writes to
// it from its own goroutine while the main goroutine reads it back
// after the run window closes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// selftestCheck is one expected substring in the console transcript.
type selftestCheck struct {
	label    string
	contains string
}

// runSelftest drives a short scripted console session (help,
// heaptest, tasks, uptime, kill) over an in-process pipe instead of a
// real terminal, and reports which expectations held.
func runSelftest(cfg hostsim.Config, log zerolog.Logger) error {
	pr, pw := io.Pipe()
	out := &syncBuffer{}

	k, err := hostsim.New(cfg, pr, out, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// k.Run's scheduler goroutine never returns in normal operation
	// (see Kernel.Run's doc comment), so this intentionally doesn't
	// wait on it; cancel/Close stop the tick and UART pumps, and the
	// process exits once the checks below are printed.
	go func() { _ = k.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	for _, line := range []string{
		"help",
		"heaptest basic 64",
		"tasks",
		"uptime",
		"kill 999",
	} {
		_, _ = pw.Write([]byte(line + "\n"))
		time.Sleep(100 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)
	cancel()
	_ = pw.Close()
	time.Sleep(20 * time.Millisecond)

	transcript := out.String()
	checks := []selftestCheck{
		{"help lists commands", "Available commands:"},
		{"heaptest basic passes", "[PASS] Basic test passed."},
		{"tasks reports total", "Total tasks:"},
		{"uptime reports elapsed time", "Uptime:"},
		{"kill reports unknown id", "not found"},
	}

	failed := 0
	for _, c := range checks {
		if strings.Contains(transcript, c.contains) {
			fmt.Printf("[PASS] %s\n", c.label)
		} else {
			fmt.Printf("[FAIL] %s\n", c.label)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("selftest: %d/%d checks failed", failed, len(checks))
	}
	fmt.Println("selftest: all checks passed")
	return nil
}
