package harness

import (
	"context"
	"fmt"
	"log"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/aivorynet/breakharness/pkg/emulator"
)

// LuaCommand runs a Lua script on every hit. The script is compiled once and
// executed in a fresh state per hit with these globals:
//
//	addr, id, hits       address, breakpoint id and hit count
//	reg(n), setreg(n, v) read and write guest registers
//	input()              the guest input as a string
//	rearm(), disable()   re-enable or disarm the breakpoint
//	capture()            take a capture of the guest
//	stop()               end the execution once the script returns
//	log(msg)             write to the harness log
//
// Register values pass through Lua numbers, which are float64.
type LuaCommand struct {
	name  string
	proto *lua.FunctionProto
}

// NewLuaCommand compiles script. name shows up in error messages.
func NewLuaCommand(name, script string) (*LuaCommand, error) {
	chunk, err := parse.Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, fmt.Errorf("parse lua %s: %w", name, err)
	}

	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile lua %s: %w", name, err)
	}

	return &LuaCommand{name: name, proto: proto}, nil
}

func (c *LuaCommand) String() string {
	return "lua:" + c.name
}

func (c *LuaCommand) Run(ctx context.Context, hit *Hit) (verdict Verdict, err error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetContext(ctx)

	verdict = Continue
	c.install(L, hit, &verdict)

	defer func() {
		if r := recover(); r != nil {
			verdict, err = Continue, fmt.Errorf("lua %s panic: %v", c.name, r)
		}
	}()

	L.Push(L.NewFunctionFromProto(c.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return Continue, fmt.Errorf("lua %s: %w", c.name, err)
	}

	return verdict, nil
}

func (c *LuaCommand) install(L *lua.LState, hit *Hit, verdict *Verdict) {
	vm := hit.VM

	L.SetGlobal("addr", lua.LNumber(hit.Breakpoint.Addr()))
	L.SetGlobal("id", lua.LNumber(hit.Breakpoint.ID()))
	L.SetGlobal("hits", lua.LNumber(hit.Count))

	L.SetGlobal("reg", L.NewFunction(func(L *lua.LState) int {
		n := checkRegister(L, 1)
		L.Push(lua.LNumber(vm.Registers.R[n]))
		return 1
	}))

	L.SetGlobal("setreg", L.NewFunction(func(L *lua.LState) int {
		n := checkRegister(L, 1)
		vm.Registers.R[n] = int64(L.CheckNumber(2))
		return 0
	}))

	L.SetGlobal("input", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(vm.Input))
		return 1
	}))

	L.SetGlobal("rearm", L.NewFunction(func(L *lua.LState) int {
		if err := hit.Rearm(); err != nil {
			L.RaiseError("rearm: %v", err)
		}
		return 0
	}))

	L.SetGlobal("disable", L.NewFunction(func(L *lua.LState) int {
		if err := hit.Disable(); err != nil {
			L.RaiseError("disable: %v", err)
		}
		return 0
	}))

	L.SetGlobal("capture", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(hit.Capture(map[string]interface{}{"script": c.name}) != nil))
		return 1
	}))

	L.SetGlobal("stop", L.NewFunction(func(L *lua.LState) int {
		*verdict = Stop
		return 0
	}))

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		log.Printf(logPrefix+"[%s] %s", c.name, L.CheckString(1))
		return 0
	}))
}

func checkRegister(L *lua.LState, n int) emulator.Register {
	r := L.CheckInt(n)
	if r < 0 || r >= emulator.NumRegisters {
		L.ArgError(n, fmt.Sprintf("register out of range 0-%d", emulator.NumRegisters-1))
	}
	return emulator.Register(r)
}
