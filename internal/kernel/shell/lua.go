package shell

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/kerr"
)

// RegisterScript records Lua source under name for the `script <name>`
// builtin to run later. The script's only host hook is a single
// global function, run(line), which replays line through the same
// tokenize/dispatch path a typed command would take.
func (s *Shell) RegisterScript(name, luaSource string) {
	s.scripts[name] = luaSource
}

func (s *Shell) cmdScript(argv []string, out *Output) int32 {
	if len(argv) < 2 {
		out.Print("Usage: script <name>\r\n")
		return kerr.Errno(kerr.ErrInvalidArg)
	}
	src, ok := s.scripts[argv[1]]
	if !ok {
		out.Print(fmt.Sprintf("Error: no such script '%s'\r\n", argv[1]))
		return kerr.Errno(kerr.ErrNotFound)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(pair.fn), NRet: 0}, lua.LString(pair.name)); err != nil {
			out.Print(fmt.Sprintf("Error: script runtime init failed: %v\r\n", err))
			return kerr.Errno(kerr.ErrInvalidArg)
		}
	}
	L.SetGlobal("run", L.NewFunction(func(ls *lua.LState) int {
		line := ls.CheckString(1)
		out.Print(Format(s.cfg.LineBufferSize, "%s%s", Prompt, line) + "\r\n")
		s.dispatch(line, out)
		return 0
	}))

	if err := L.DoString(src); err != nil {
		out.Print(fmt.Sprintf("Error: script '%s' failed: %v\r\n", argv[1], err))
		return kerr.Errno(kerr.ErrInvalidArg)
	}
	return 0
}
