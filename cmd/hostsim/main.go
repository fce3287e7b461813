// Command hostsim runs the cooperative kernel as a hosted simulation:
// a console shell over stdio (or, for selftest, an in-process
// loopback), driven by a goroutine standing in for the SysTick
// interrupt.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ebitengine/hideconsole"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sabarioded/stm32-cli-os/internal/hostsim"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hostsim",
		Short: "Hosted simulation of the cooperative task kernel",
	}
	root.AddCommand(newRunCmd(), newSelftestCmd())
	return root
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the kernel over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := hostsim.LoadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			// Hides the allocated console window on Windows when the
			// kernel is driven over a PTY instead of the process's own
			// console; a no-op everywhere else.
			_ = hideconsole.Hide()
			log := newLogger(cfg.LogLevel)
			k, err := hostsim.New(cfg, os.Stdin, os.Stdout, log)
			if err != nil {
				return err
			}

			// Raw mode disables the OS's own line editing and echo so the
			// shell's own CR/LF and backspace handling is the only thing
			// that reacts to a keystroke, the way the real UART ISR would
			// be the only thing touching received bytes.
			if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
				oldState, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("hostsim: failed to set raw mode: %w", err)
				}
				defer func() { _ = term.Restore(fd, oldState) }()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return k.Run(ctx)
		},
	}
	hostsim.BindFlags(cmd.Flags())
	return cmd
}

func newSelftestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run a scripted shell interaction and report pass/fail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := hostsim.LoadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel)
			return runSelftest(cfg, log)
		},
	}
	hostsim.BindFlags(cmd.Flags())
	return cmd
}
