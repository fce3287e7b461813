package shell

import (
	"fmt"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
)

// Handler is a registered command's entry point. argv[0] is the
// command name. It returns a flat exit status (0 success, negative
// error) and writes its own output to out.
type Handler func(argv []string, out *Output) int32

// Output is the small io.Writer-like sink command handlers write to;
// it exists as a named type (rather than a bare io.Writer) so builtin
// command bodies read like the firmware's puts/printf calls.
type Output struct {
	w interface{ Write([]byte) (int, error) }
}

func NewOutput(w interface{ Write([]byte) (int, error) }) *Output {
	return &Output{w: w}
}

func (o *Output) Print(s string) {
	_, _ = o.w.Write([]byte(s))
}

func (o *Output) Printf(maxLen int, format string, args ...any) {
	o.Print(Format(maxLen, format, args...))
}

type cmdEntry struct {
	name    string
	help    string
	handler Handler
}

// Registry is the shell's command table: linear-scan dispatch by
// exact name match, register/unregister with swap-with-last removal,
// bounded at capacity MAX_CMDS.
type Registry struct {
	cmds    []cmdEntry
	maxCmds int
}

// NewRegistry creates an empty registry of the given capacity.
func NewRegistry(maxCmds int) *Registry {
	return &Registry{maxCmds: maxCmds}
}

// Register appends a command. It fails with kerr.ErrTableFull at
// capacity and with kerr.ErrInvalidArg for a duplicate name.
func (r *Registry) Register(name, help string, h Handler) error {
	if name == "" || h == nil {
		return kerr.ErrInvalidArg
	}
	for _, c := range r.cmds {
		if c.name == name {
			return fmt.Errorf("shell: command %q already registered: %w", name, kerr.ErrInvalidArg)
		}
	}
	if len(r.cmds) >= r.maxCmds {
		return kerr.ErrTableFull
	}
	r.cmds = append(r.cmds, cmdEntry{name: name, help: help, handler: h})
	return nil
}

// Unregister removes name, swapping the last entry into its slot and
// shrinking by one.
func (r *Registry) Unregister(name string) error {
	for i, c := range r.cmds {
		if c.name == name {
			last := len(r.cmds) - 1
			r.cmds[i] = r.cmds[last]
			r.cmds = r.cmds[:last]
			return nil
		}
	}
	return kerr.ErrNotFound
}

// Find returns the command registered under name, by exact match.
func (r *Registry) Find(name string) (cmdEntry, bool) {
	for _, c := range r.cmds {
		if c.name == name {
			return c, true
		}
	}
	return cmdEntry{}, false
}

// All returns every registered command, in registration/swap order
// (the same order `help` lists them in).
func (r *Registry) All() []cmdEntry {
	return r.cmds
}
